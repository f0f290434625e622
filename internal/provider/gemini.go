package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/floegence/flowerchat/internal/chat"
	"github.com/floegence/flowerchat/internal/registry"
)

const (
	defaultGeminiOrigin  = "https://generativelanguage.googleapis.com"
	defaultGeminiVersion = "v1beta"
)

var geminiVersionSegment = regexp.MustCompile(`/v[0-9]+(alpha|beta)?[0-9]*$`)

// Safety thresholds are left fully permissive; moderation is the provider's job.
var geminiHarmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

// GeminiStreamURL is the streamGenerateContent endpoint for a model.
func GeminiStreamURL(baseURL string, model string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultGeminiOrigin
	}
	if !geminiVersionSegment.MatchString(base) {
		base += "/" + defaultGeminiVersion
	}
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	return base + "/models/" + url.PathEscape(model) + ":streamGenerateContent?alt=sse"
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
	SafetySettings   []geminiSafetySetting  `json:"safetySettings"`
}

func geminiRole(r chat.Role) string {
	if r == chat.RoleModel {
		return "model"
	}
	return "user"
}

// geminiParts converts chat parts into native parts: text as-is, images as
// inline data with the data-URI prefix stripped.
func geminiParts(parts []chat.Part) ([]geminiPart, error) {
	out := make([]geminiPart, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			out = append(out, geminiPart{Text: p.Text})
		}
		if p.Image != nil {
			uri, err := chat.ParseImageDataURI(p.Image.URL, p.Image.Type)
			if err != nil {
				return nil, err
			}
			mime := strings.TrimSpace(p.Image.Type)
			if mime == "" {
				mime = uri.MIMEType
			}
			out = append(out, geminiPart{InlineData: &geminiInlineData{MimeType: mime, Data: uri.Data}})
		}
	}
	return out, nil
}

func geminiHistory(history []chat.Message) ([]geminiContent, error) {
	out := make([]geminiContent, 0, len(history))
	for _, m := range history {
		if !chat.HasContent(m.Parts) {
			continue
		}
		parts, err := geminiParts(m.Parts)
		if err != nil {
			return nil, err
		}
		out = append(out, geminiContent{Role: geminiRole(m.Role), Parts: parts})
	}
	return out, nil
}

// GeminiAdapter talks to the Gemini generateContent streaming API.
type GeminiAdapter struct {
	log             *slog.Logger
	httpClient      *http.Client
	maxOutputTokens int
}

func NewGemini(opts Options) *GeminiAdapter {
	limit := opts.GeminiMaxOutputTokens
	if limit <= 0 {
		limit = defaultGeminiMaxOutputTokens
	}
	return &GeminiAdapter{log: opts.logger(), httpClient: opts.httpClient(), maxOutputTokens: limit}
}

func (a *GeminiAdapter) Stream(ctx context.Context, cfg registry.ModelConfig, history []chat.Message, parts []chat.Part) (chat.Stream, error) {
	if err := preflight(cfg, parts); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	seed, err := geminiHistory(history)
	if err != nil {
		return nil, err
	}
	turn, err := geminiParts(parts)
	if err != nil {
		return nil, err
	}
	return a.startChat(cfg, seed).sendStream(ctx, turn)
}

// geminiChat is a chat handle seeded with the caller's history and the fixed
// generation settings. A handle serves one exchange: Stream builds a new one
// per request from the history it is given, so nothing accumulates here.
type geminiChat struct {
	adapter    *GeminiAdapter
	cfg        registry.ModelConfig
	generation geminiGenerationConfig
	safety     []geminiSafetySetting
	history    []geminiContent
}

func (a *GeminiAdapter) startChat(cfg registry.ModelConfig, history []geminiContent) *geminiChat {
	safety := make([]geminiSafetySetting, 0, len(geminiHarmCategories))
	for _, c := range geminiHarmCategories {
		safety = append(safety, geminiSafetySetting{Category: c, Threshold: "BLOCK_NONE"})
	}
	return &geminiChat{
		adapter:    a,
		cfg:        cfg,
		generation: geminiGenerationConfig{MaxOutputTokens: a.maxOutputTokens, Temperature: cfg.Temperature},
		safety:     safety,
		history:    append([]geminiContent(nil), history...),
	}
}

func (c *geminiChat) sendStream(ctx context.Context, parts []geminiPart) (chat.Stream, error) {
	user := geminiContent{Role: "user", Parts: parts}
	body := geminiRequest{
		Contents:         append(append([]geminiContent(nil), c.history...), user),
		GenerationConfig: c.generation,
		SafetySettings:   c.safety,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode gemini request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, GeminiStreamURL(c.cfg.BaseURL, c.cfg.Model), bytes.NewReader(b))
	if err != nil {
		return nil, chat.ConfigurationError("invalid gemini base url for model %q", c.cfg.ID)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-goog-api-key", strings.TrimSpace(c.cfg.APIKey))

	res, err := c.adapter.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, chat.TransportError(ctxErr)
		}
		return nil, chat.TransportError(err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		defer res.Body.Close()
		msg := errorBodyMessage(readErrorBody(res.Body))
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		c.adapter.log.Warn("gemini request failed", "model_id", c.cfg.ID, "status", res.StatusCode)
		return nil, chat.UpstreamError(res.StatusCode, msg, nil)
	}
	if res.Body == nil || res.Body == http.NoBody {
		return nil, chat.UpstreamError(res.StatusCode, "provider returned no response body", nil)
	}
	c.adapter.log.Debug("gemini stream opened", "model_id", c.cfg.ID, "model", c.cfg.Model, "history", len(body.Contents)-1)
	return newEventStream(ctx, res, parseGeminiChunk), nil
}

// parseGeminiChunk decodes one GenerateContentResponse chunk. Its text is the
// concatenation of the first candidate's text parts.
func parseGeminiChunk(data []byte) parsedEvent {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !gjson.ValidBytes(data) {
		return parsedEvent{kind: eventSkip}
	}
	root := gjson.ParseBytes(data)
	if e := root.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return parsedEvent{kind: eventFailed, err: chat.UpstreamError(statusFromCode(e.Get("code")), msg, nil)}
	}
	candidates := root.Get("candidates")
	if reason := root.Get("promptFeedback.blockReason").String(); reason != "" && len(candidates.Array()) == 0 {
		return parsedEvent{kind: eventFailed, err: chat.UpstreamError(0, "prompt blocked by provider: "+reason, nil)}
	}
	var b strings.Builder
	for _, t := range root.Get("candidates.0.content.parts.#.text").Array() {
		b.WriteString(t.String())
	}
	if b.Len() == 0 {
		return parsedEvent{kind: eventSkip}
	}
	return parsedEvent{kind: eventText, text: b.String()}
}
