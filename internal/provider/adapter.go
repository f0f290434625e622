package provider

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/floegence/flowerchat/internal/chat"
	"github.com/floegence/flowerchat/internal/registry"
)

// Adapter turns a conversation into a normalized stream of text fragments.
//
// Implementations validate credentials and content before any network call.
type Adapter interface {
	Stream(ctx context.Context, cfg registry.ModelConfig, history []chat.Message, parts []chat.Part) (chat.Stream, error)
}

type Options struct {
	Logger *slog.Logger
	// HTTPClient is used for provider calls. Defaults to a client without a
	// total timeout; streams end when the provider finishes or ctx is canceled.
	HTTPClient *http.Client
	// GeminiMaxOutputTokens caps Gemini replies. Defaults to 8192.
	GeminiMaxOutputTokens int
}

const defaultGeminiMaxOutputTokens = 8192

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{}
}

// preflight enforces the checks shared by every adapter.
func preflight(cfg registry.ModelConfig, parts []chat.Part) error {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return chat.ConfigurationError("model %q has no api key configured", cfg.ID)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return chat.ConfigurationError("model %q has no model name configured", cfg.ID)
	}
	if !chat.HasContent(parts) {
		return chat.InvalidRequest("message content is empty: a turn needs text or an image")
	}
	return nil
}

// readErrorBody reads at most 64 KiB of a failed response.
func readErrorBody(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	return strings.TrimSpace(string(b))
}
