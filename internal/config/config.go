package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/floegence/flowerchat/internal/registry"
)

// Configuration keys. Values are flat env-style strings.
const (
	KeyModels               = "AI_MODELS"
	KeyOpenAIAPIKey         = "OPENAI_API_KEY"
	KeyOpenAIModel          = "OPENAI_API_MODEL"
	KeyOpenAIBaseURL        = "OPENAI_API_BASE_URL"
	KeyOpenAIBaseURLAlt     = "OPENAI_BASE_URL"
	KeyOpenAIBaseURLLegacy  = "OPENAI_API_BASE"
	KeyOpenAITemperature    = "OPENAI_API_TEMPERATURE"
	KeyGeminiAPIKey         = "GEMINI_API_KEY"
	KeyGeminiBaseURL        = "GEMINI_API_BASE_URL"
	KeyGeminiModel          = "GEMINI_MODEL_NAME"
	KeyGeminiMaxOutput      = "GEMINI_MAX_OUTPUT_TOKENS"
	KeyDefaultModelID       = "DEFAULT_MODEL_ID"
	KeyPreferredProvider    = "PREFERRED_PROVIDER"
	KeySitePassword         = "SITE_PASSWORD"
	KeySecretKey            = "PUBLIC_SECRET_KEY"
	KeyListenAddr           = "LISTEN_ADDR"
	KeyStateDir             = "STATE_DIR"
	KeyHistoryWindow        = "HISTORY_WINDOW"
	KeyRequireModels        = "REQUIRE_MODELS"
	KeyLogFormat            = "LOG_FORMAT"
	KeyLogLevel             = "LOG_LEVEL"
	defaultListenAddr       = "127.0.0.1:3000"
	defaultHistoryWindow    = 99
	defaultGeminiMaxOutput  = 8192
	defaultMaxBodyBytes     = 20 << 20
	maxHistoryWindowAllowed = 1000
)

// Config is the resolved configuration value object.
//
// Precedence per key: process environment > config file > built-in default.
// Nothing is request-scoped; the same Config is passed to every component.
type Config struct {
	values map[string]string
	path   string
}

// DefaultStateDir returns ~/.flowerchat.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".flowerchat"
	}
	return filepath.Join(home, ".flowerchat")
}

// DefaultConfigPath returns the default config path:
//
//	~/.flowerchat/config.yaml
func DefaultConfigPath() string {
	return filepath.Join(DefaultStateDir(), "config.yaml")
}

// FromMap builds a Config from literal values (tests, embedders).
func FromMap(values map[string]string) *Config {
	c := &Config{values: make(map[string]string, len(values))}
	for k, v := range values {
		c.values[strings.TrimSpace(k)] = v
	}
	return c
}

// Load reads the optional YAML file at path and overlays environ (KEY=VALUE pairs).
//
// An empty path skips the file. Non-scalar YAML values (e.g. an AI_MODELS list)
// are re-encoded as JSON.
func Load(path string, environ []string) (*Config, error) {
	c := &Config{values: make(map[string]string), path: strings.TrimSpace(path)}
	if c.path != "" {
		fileValues, err := readFile(c.path)
		if err != nil {
			return nil, err
		}
		for k, v := range fileValues {
			c.values[k] = v
		}
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		c.values[strings.TrimSpace(k)] = v
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = tv
		case bool, int, int64, uint64, float64:
			out[k] = fmt.Sprint(tv)
		default:
			jb, err := json.Marshal(tv)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = string(jb)
		}
	}
	return out, nil
}

// Save writes values as a flat YAML document atomically.
func Save(path string, values map[string]string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("missing config path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range keys {
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Value: values[k], Style: yaml.DoubleQuotedStyle},
		)
	}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Set updates one key in the config file at path, keeping the others.
// An empty value removes the key. A missing file is created.
func Set(path, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("missing config key")
	}
	values, err := readFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		values = map[string]string{}
	}
	if value == "" {
		delete(values, key)
	} else {
		values[key] = value
	}
	return Save(path, values)
}

func (c *Config) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Get returns the trimmed value of key ("" when unset).
func (c *Config) Get(key string) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.values[key])
}

// FirstOf returns the first non-empty value among keys, in order.
func (c *Config) FirstOf(keys ...string) string {
	for _, k := range keys {
		if v := c.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if v := c.Get(KeyOpenAITemperature); v != "" {
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("invalid %s %q", KeyOpenAITemperature, v)
		}
	}
	if v := c.Get(KeyHistoryWindow); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryWindowAllowed {
			return fmt.Errorf("invalid %s %q (must be in [1,%d])", KeyHistoryWindow, v, maxHistoryWindowAllowed)
		}
	}
	if v := c.Get(KeyGeminiMaxOutput); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid %s %q", KeyGeminiMaxOutput, v)
		}
	}
	if v := c.Get(KeyRequireModels); v != "" {
		if _, err := strconv.ParseBool(v); err != nil {
			return fmt.Errorf("invalid %s %q", KeyRequireModels, v)
		}
	}
	if v := c.Get(KeyPreferredProvider); v != "" {
		if _, ok := registry.ParseProvider(v); !ok {
			return fmt.Errorf("invalid %s %q (want openai|gemini)", KeyPreferredProvider, v)
		}
	}
	if _, err := parseLevel(c.Get(KeyLogLevel)); err != nil {
		return err
	}
	switch strings.ToLower(c.Get(KeyLogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log format: %s", c.Get(KeyLogFormat))
	}
	return nil
}

// RegistrySources maps the flat keys onto the registry inputs.
func (c *Config) RegistrySources() registry.Sources {
	var temp *float64
	if v := c.Get(KeyOpenAITemperature); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			temp = &f
		}
	}
	return registry.Sources{
		ModelsJSON: c.Get(KeyModels),
		OpenAI: registry.LegacyOpenAI{
			APIKey:      c.Get(KeyOpenAIAPIKey),
			Model:       c.Get(KeyOpenAIModel),
			BaseURL:     c.FirstOf(KeyOpenAIBaseURL, KeyOpenAIBaseURLAlt, KeyOpenAIBaseURLLegacy),
			Temperature: temp,
		},
		Gemini: registry.LegacyGemini{
			APIKey:  c.Get(KeyGeminiAPIKey),
			BaseURL: c.Get(KeyGeminiBaseURL),
			Model:   c.Get(KeyGeminiModel),
		},
		Defaults: registry.Defaults{
			DefaultModelID:    c.Get(KeyDefaultModelID),
			PreferredProvider: c.Get(KeyPreferredProvider),
		},
	}
}

func (c *Config) RequireModels() bool {
	b, _ := strconv.ParseBool(c.Get(KeyRequireModels))
	return b
}

// ServerSettings configures the HTTP gateway.
type ServerSettings struct {
	ListenAddr   string
	Passwords    []string
	Secret       string
	MaxBodyBytes int64
}

func (c *Config) Server() ServerSettings {
	addr := c.Get(KeyListenAddr)
	if addr == "" {
		addr = defaultListenAddr
	}
	var passwords []string
	for _, p := range strings.Split(c.Get(KeySitePassword), ",") {
		if p = strings.TrimSpace(p); p != "" {
			passwords = append(passwords, p)
		}
	}
	return ServerSettings{
		ListenAddr:   addr,
		Passwords:    passwords,
		Secret:       c.Get(KeySecretKey),
		MaxBodyBytes: defaultMaxBodyBytes,
	}
}

func (c *Config) StateDir() string {
	if v := c.Get(KeyStateDir); v != "" {
		return filepath.Clean(v)
	}
	return DefaultStateDir()
}

func (c *Config) HistoryWindow() int {
	n, err := strconv.Atoi(c.Get(KeyHistoryWindow))
	if err != nil || n <= 0 {
		return defaultHistoryWindow
	}
	return n
}

func (c *Config) GeminiMaxOutputTokens() int {
	n, err := strconv.Atoi(c.Get(KeyGeminiMaxOutput))
	if err != nil || n <= 0 {
		return defaultGeminiMaxOutput
	}
	return n
}

func (c *Config) LogFormat() string { return c.Get(KeyLogFormat) }
func (c *Config) LogLevel() string  { return c.Get(KeyLogLevel) }
