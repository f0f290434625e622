package registry

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/floegence/flowerchat/internal/chat"
)

// Provider is the wire protocol family a model is reached through.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// DefaultGeminiModel is used by the legacy Gemini binding when no model name is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

func ParseProvider(raw string) (Provider, bool) {
	switch Provider(strings.ToLower(strings.TrimSpace(raw))) {
	case ProviderOpenAI:
		return ProviderOpenAI, true
	case ProviderGemini:
		return ProviderGemini, true
	default:
		return "", false
	}
}

// ModelConfig is a resolved, ready-to-use provider binding.
//
// It is immutable after Load; a new registry load replaces it.
type ModelConfig struct {
	ID          string
	Provider    Provider
	Model       string
	BaseURL     string
	APIKey      string
	Temperature *float64
	Label       string
}

// PublicModelOption is the secret-free view of a ModelConfig.
type PublicModelOption struct {
	ID       string   `json:"id"`
	Provider Provider `json:"provider"`
	Model    string   `json:"model"`
	Label    string   `json:"label"`
}

// LegacyOpenAI is the flat single-model OpenAI binding.
type LegacyOpenAI struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature *float64
}

// LegacyGemini is the flat single-model Gemini binding.
type LegacyGemini struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Defaults are the tie-breaking settings used by DefaultModelID.
type Defaults struct {
	DefaultModelID    string
	PreferredProvider string
}

// Sources is every configuration input the registry is built from.
type Sources struct {
	// ModelsJSON is a JSON array of partial model descriptors.
	ModelsJSON string
	OpenAI     LegacyOpenAI
	Gemini     LegacyGemini
	Defaults   Defaults
}

type LoadOptions struct {
	// RequireModels turns an empty registry into a configuration error.
	RequireModels bool
	Logger        *slog.Logger
}

// Registry is the ordered list of usable models plus default selection settings.
type Registry struct {
	models   []ModelConfig
	defaults Defaults
}

type modelDescriptor struct {
	ID          string   `json:"id"`
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	BaseURL     string   `json:"baseUrl"`
	APIKey      string   `json:"apiKey"`
	Temperature *float64 `json:"temperature"`
	Label       string   `json:"label"`
}

// Load builds a registry from src.
//
// Order is structured entries, then the legacy OpenAI entry, then the legacy
// Gemini entry. A later entry with an already-used id replaces the earlier one
// in place.
func Load(src Sources, opts LoadOptions) (*Registry, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var models []ModelConfig
	index := make(map[string]int)
	add := func(m ModelConfig) {
		if i, ok := index[m.ID]; ok {
			log.Warn("duplicate model id replaced", "model_id", m.ID, "provider", m.Provider, "model", m.Model)
			models[i] = m
			return
		}
		index[m.ID] = len(models)
		models = append(models, m)
	}

	for _, m := range parseStructured(src.ModelsJSON, log) {
		add(m)
	}

	if key, model := strings.TrimSpace(src.OpenAI.APIKey), strings.TrimSpace(src.OpenAI.Model); key != "" && model != "" {
		add(ModelConfig{
			ID:          "openai:" + model,
			Provider:    ProviderOpenAI,
			Model:       model,
			BaseURL:     strings.TrimSpace(src.OpenAI.BaseURL),
			APIKey:      key,
			Temperature: src.OpenAI.Temperature,
		})
	}

	if key := strings.TrimSpace(src.Gemini.APIKey); key != "" {
		model := strings.TrimSpace(src.Gemini.Model)
		if model == "" {
			model = DefaultGeminiModel
		}
		add(ModelConfig{
			ID:       "gemini:" + model,
			Provider: ProviderGemini,
			Model:    model,
			BaseURL:  strings.TrimSpace(src.Gemini.BaseURL),
			APIKey:   key,
		})
	}

	if len(models) == 0 && opts.RequireModels {
		return nil, chat.ConfigurationError("no usable model configured (set AI_MODELS, OPENAI_API_KEY + OPENAI_API_MODEL, or GEMINI_API_KEY)")
	}
	return &Registry{models: models, defaults: src.Defaults}, nil
}

func parseStructured(raw string, log *slog.Logger) []ModelConfig {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		log.Warn("ignoring malformed model list", "error", err)
		return nil
	}
	out := make([]ModelConfig, 0, len(entries))
	for _, e := range entries {
		var d modelDescriptor
		if err := json.Unmarshal(e, &d); err != nil {
			continue
		}
		p, ok := ParseProvider(d.Provider)
		model := strings.TrimSpace(d.Model)
		if !ok || model == "" {
			continue
		}
		id := strings.TrimSpace(d.ID)
		if id == "" {
			id = string(p) + ":" + model
		}
		out = append(out, ModelConfig{
			ID:          id,
			Provider:    p,
			Model:       model,
			BaseURL:     strings.TrimSpace(d.BaseURL),
			APIKey:      strings.TrimSpace(d.APIKey),
			Temperature: d.Temperature,
			Label:       strings.TrimSpace(d.Label),
		})
	}
	return out
}

// New builds a registry from already-resolved models. Used by tests and embedders.
func New(models []ModelConfig, defaults Defaults) *Registry {
	return &Registry{models: append([]ModelConfig(nil), models...), defaults: defaults}
}

// Models returns a copy of the ordered model list.
func (r *Registry) Models() []ModelConfig {
	if r == nil {
		return nil
	}
	return append([]ModelConfig(nil), r.models...)
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.models)
}

// DefaultModelID picks the default model id: the first entry of the preferred
// provider, else the explicit default id when present, else the first entry.
func (r *Registry) DefaultModelID() (string, bool) {
	if r == nil || len(r.models) == 0 {
		return "", false
	}
	if p, ok := ParseProvider(r.defaults.PreferredProvider); ok {
		for _, m := range r.models {
			if m.Provider == p {
				return m.ID, true
			}
		}
	}
	if id := strings.TrimSpace(r.defaults.DefaultModelID); id != "" {
		if _, ok := r.lookup(id); ok {
			return id, true
		}
	}
	return r.models[0].ID, true
}

// Resolve returns the config for id. An empty id resolves the default model.
// An unknown id is not found; callers must not fall back silently.
func (r *Registry) Resolve(id string) (ModelConfig, bool) {
	if r == nil || len(r.models) == 0 {
		return ModelConfig{}, false
	}
	id = strings.TrimSpace(id)
	if id != "" {
		return r.lookup(id)
	}
	if def, ok := r.DefaultModelID(); ok {
		if m, ok := r.lookup(def); ok {
			return m, true
		}
	}
	return r.models[0], true
}

func (r *Registry) lookup(id string) (ModelConfig, bool) {
	for _, m := range r.models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Public strips secrets for listings exposed to untrusted callers.
func (r *Registry) Public() []PublicModelOption {
	if r == nil {
		return []PublicModelOption{}
	}
	out := make([]PublicModelOption, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, PublicModelOption{
			ID:       m.ID,
			Provider: m.Provider,
			Model:    m.Model,
			Label:    DisplayLabel(m),
		})
	}
	return out
}
