package gateway

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/floegence/flowerchat/internal/chat"
	"github.com/floegence/flowerchat/internal/provider"
	"github.com/floegence/flowerchat/internal/registry"
)

type Options struct {
	Logger   *slog.Logger
	Registry *registry.Registry
	// Adapters overrides the per-provider adapters. Missing providers are
	// built from Provider.
	Adapters map[registry.Provider]provider.Adapter
	Provider provider.Options
}

// Gateway resolves a model id and hands the conversation to the matching
// provider adapter. It does not buffer, retry or rewrite the stream.
type Gateway struct {
	log      *slog.Logger
	reg      *registry.Registry
	adapters map[registry.Provider]provider.Adapter
}

func New(opts Options) (*Gateway, error) {
	if opts.Registry == nil {
		return nil, errors.New("missing Registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	po := opts.Provider
	if po.Logger == nil {
		po.Logger = logger
	}
	adapters := map[registry.Provider]provider.Adapter{
		registry.ProviderOpenAI: provider.NewOpenAI(po),
		registry.ProviderGemini: provider.NewGemini(po),
	}
	for p, a := range opts.Adapters {
		if a != nil {
			adapters[p] = a
		}
	}
	return &Gateway{log: logger, reg: opts.Registry, adapters: adapters}, nil
}

func (g *Gateway) Registry() *registry.Registry {
	if g == nil {
		return nil
	}
	return g.reg
}

// StartStream opens a reply stream for the conversation. An empty modelID
// selects the registry default.
func (g *Gateway) StartStream(ctx context.Context, history []chat.Message, parts []chat.Part, modelID string) (chat.Stream, error) {
	if g == nil || g.reg == nil {
		return nil, chat.ConfigurationError("gateway not configured")
	}
	if g.reg.Len() == 0 {
		return nil, chat.ConfigurationError("no models configured")
	}
	modelID = strings.TrimSpace(modelID)
	cfg, ok := g.reg.Resolve(modelID)
	if !ok {
		return nil, chat.InvalidRequest("unknown model id %q", modelID)
	}
	a := g.adapters[cfg.Provider]
	if a == nil {
		return nil, chat.ConfigurationError("no adapter for provider %q", cfg.Provider)
	}
	g.log.Debug("stream start", "model_id", cfg.ID, "provider", cfg.Provider, "history", len(history))
	return a.Stream(ctx, cfg, history, parts)
}
