package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/floegence/flowerchat/internal/config"
	"github.com/floegence/flowerchat/internal/gateway"
	"github.com/floegence/flowerchat/internal/lockfile"
	"github.com/floegence/flowerchat/internal/orchestrator"
	"github.com/floegence/flowerchat/internal/provider"
	"github.com/floegence/flowerchat/internal/registry"
	"github.com/floegence/flowerchat/internal/requestlog"
	"github.com/floegence/flowerchat/internal/sessionstore"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

const (
	sessionDBName   = "sessions.sqlite"
	requestsDirName = "requests"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd(os.Args[2:])
	case "chat":
		chatCmd(os.Args[2:])
	case "models":
		modelsCmd(os.Args[2:])
	case "requests":
		requestsCmd(os.Args[2:])
	case "config":
		configCmd(os.Args[2:])
	case "version":
		fmt.Printf("flowerchat %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `flowerchat

Usage:
  flowerchat serve [flags]
  flowerchat chat [flags]
  flowerchat models [flags]
  flowerchat requests [flags]
  flowerchat config [--config path] set KEY VALUE
  flowerchat config [--config path] get KEY
  flowerchat version

Commands:
  serve     Run the HTTP chat gateway (POST /api/generate, GET /api/models).
  chat      Interactive chat with persisted sessions, in process or against --remote.
  models    List the configured models.
  requests  Show recent requests served by the gateway.
  config    Write a key to the config file, or print its resolved value.
  version   Print build information.

`)
}

// loadConfig reads the config file and overlays the process environment.
// A missing file at the default path is not an error.
func loadConfig(path string) (*config.Config, error) {
	path = strings.TrimSpace(path)
	explicit := path != "" && filepath.Clean(path) != filepath.Clean(config.DefaultConfigPath())
	cfg, err := config.Load(path, os.Environ())
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Load("", os.Environ())
	}
	return cfg, err
}

func newLogger(w io.Writer, cfg *config.Config, fallbackFormat string) *slog.Logger {
	format := cfg.LogFormat()
	if format == "" {
		format = fallbackFormat
	}
	logger, err := config.NewLogger(w, format, cfg.LogLevel())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log settings: %v\n", err)
		os.Exit(2)
	}
	return logger
}

func newGateway(cfg *config.Config, logger *slog.Logger) (*gateway.Gateway, error) {
	reg, err := registry.Load(cfg.RegistrySources(), registry.LoadOptions{
		RequireModels: cfg.RequireModels(),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	if reg.Len() == 0 {
		logger.Warn("no models configured; set AI_MODELS or OPENAI_API_KEY / GEMINI_API_KEY")
	}
	return gateway.New(gateway.Options{
		Logger:   logger,
		Registry: reg,
		Provider: provider.Options{
			Logger:                logger,
			GeminiMaxOutputTokens: cfg.GeminiMaxOutputTokens(),
		},
	})
}

func serveCmd(args []string) {
	fset := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fset.String("config", config.DefaultConfigPath(), "Config file path (YAML)")
	listen := fset.String("listen", "", "Listen address (overrides LISTEN_ADDR)")
	_ = fset.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(os.Stdout, cfg, "json")

	gw, err := newGateway(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init gateway: %v\n", err)
		os.Exit(1)
	}

	requests, err := requestlog.New(requestlog.Options{
		Logger: logger,
		Dir:    filepath.Join(cfg.StateDir(), requestsDirName),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open request log: %v\n", err)
		os.Exit(1)
	}

	settings := cfg.Server()
	if strings.TrimSpace(*listen) != "" {
		settings.ListenAddr = strings.TrimSpace(*listen)
	}
	srv, err := gateway.NewServer(gateway.ServerOptions{
		Logger:       logger,
		ListenAddr:   settings.ListenAddr,
		Gateway:      gw,
		Passwords:    settings.Passwords,
		Secret:       settings.Secret,
		MaxBodyBytes: settings.MaxBodyBytes,
		Requests:     requests,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		os.Exit(1)
	}
	printWelcomeBanner(os.Stderr, welcomeBannerOptions{
		Version:  Version,
		URL:      srv.URL(),
		Models:   gw.Registry().Len(),
		Locked:   len(settings.Passwords) > 0,
		Signing:  settings.Secret != "",
		Endpoint: gateway.PathGenerate,
	})

	<-ctx.Done()
	_ = srv.Close()
}

// remoteFlags are shared by the commands that can talk to a running server.
type remoteFlags struct {
	remote   *string
	password *string
	secret   *string
}

func addRemoteFlags(fset *flag.FlagSet) remoteFlags {
	return remoteFlags{
		remote:   fset.String("remote", "", "Gateway base URL (e.g. http://127.0.0.1:3000); empty runs in process"),
		password: fset.String("password", "", "Gateway password (default: first SITE_PASSWORD)"),
		secret:   fset.String("secret", "", "Signing secret (default: PUBLIC_SECRET_KEY)"),
	}
}

func (f remoteFlags) client(cfg *config.Config) (*gateway.Client, error) {
	settings := cfg.Server()
	password := strings.TrimSpace(*f.password)
	if password == "" && len(settings.Passwords) > 0 {
		password = settings.Passwords[0]
	}
	secret := strings.TrimSpace(*f.secret)
	if secret == "" {
		secret = settings.Secret
	}
	return gateway.NewClient(gateway.ClientOptions{
		BaseURL:  *f.remote,
		Password: password,
		Secret:   secret,
	})
}

func chatCmd(args []string) {
	fset := flag.NewFlagSet("chat", flag.ExitOnError)
	cfgPath := fset.String("config", config.DefaultConfigPath(), "Config file path (YAML)")
	modelID := fset.String("model", "", "Model id (default: last selection, then the registry default)")
	rf := addRemoteFlags(fset)
	_ = fset.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the conversation.
	logger := newLogger(os.Stderr, cfg, "text")

	var (
		streamer orchestrator.Streamer
		models   modelLister
	)
	if strings.TrimSpace(*rf.remote) != "" {
		c, err := rf.client(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --remote: %v\n", err)
			os.Exit(2)
		}
		streamer, models = c, c.ListModels
	} else {
		gw, err := newGateway(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to init gateway: %v\n", err)
			os.Exit(1)
		}
		streamer, models = gw, localModels(gw.Registry())
	}

	stateDir := cfg.StateDir()
	lk, err := lockfile.AcquireStateDir(stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to lock state dir (%s): %v\n", stateDir, err)
		os.Exit(1)
	}
	defer func() { _ = lk.Release() }()

	storage, err := sessionstore.OpenSQLite(filepath.Join(stateDir, sessionDBName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open session store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = storage.Close() }()

	store, err := sessionstore.New(sessionstore.Options{Storage: storage, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init session store: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := os.Stdout
	o, err := orchestrator.New(ctx, orchestrator.Options{
		Store:         store,
		Streamer:      streamer,
		Logger:        logger,
		HistoryWindow: cfg.HistoryWindow(),
		ModelID:       *modelID,
		OnFragment:    func(_ string, text string) { _, _ = io.WriteString(out, text) },
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init chat: %v\n", err)
		os.Exit(1)
	}

	// Ctrl+C stops the reply in flight; when idle it leaves the chat.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for sig := range sigs {
			if sig == syscall.SIGINT && o.Snapshot().Busy {
				go o.Abort()
				continue
			}
			cancel()
			return
		}
	}()

	r := newREPL(replOptions{
		Orchestrator: o,
		Store:        store,
		Out:          out,
		Models:       models,
		Interactive:  isTerminalWriter(out),
	})
	err = r.run(ctx, readLines(os.Stdin))
	o.Close(context.Background())
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "chat exited with error: %v\n", err)
		os.Exit(1)
	}
}

func modelsCmd(args []string) {
	fset := flag.NewFlagSet("models", flag.ExitOnError)
	cfgPath := fset.String("config", config.DefaultConfigPath(), "Config file path (YAML)")
	rf := addRemoteFlags(fset)
	_ = fset.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(os.Stderr, cfg, "text")

	var list modelLister
	if strings.TrimSpace(*rf.remote) != "" {
		c, err := rf.client(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --remote: %v\n", err)
			os.Exit(2)
		}
		list = c.ListModels
	} else {
		reg, err := registry.Load(cfg.RegistrySources(), registry.LoadOptions{RequireModels: cfg.RequireModels(), Logger: logger})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load models: %v\n", err)
			os.Exit(1)
		}
		list = localModels(reg)
	}

	res, err := list(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list models: %v\n", err)
		os.Exit(1)
	}
	printModels(os.Stdout, res, "")
}

func requestsCmd(args []string) {
	fset := flag.NewFlagSet("requests", flag.ExitOnError)
	cfgPath := fset.String("config", config.DefaultConfigPath(), "Config file path (YAML)")
	limit := fset.Int("n", 20, "Number of entries to show")
	_ = fset.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	requests, err := requestlog.New(requestlog.Options{
		Logger: newLogger(os.Stderr, cfg, "text"),
		Dir:    filepath.Join(cfg.StateDir(), requestsDirName),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open request log: %v\n", err)
		os.Exit(1)
	}
	entries, err := requests.List(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read request log: %v\n", err)
		os.Exit(1)
	}
	printRequests(os.Stdout, entries)
}

func printRequests(w io.Writer, entries []requestlog.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no requests recorded")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %3d %-9s %-16s %6dms %7dB", e.CreatedAt, e.Status, e.Outcome, e.ModelID, e.DurationMs, e.Bytes)
		if e.Error != "" {
			line += "  " + e.Error
		}
		fmt.Fprintln(w, line)
	}
}

var errConfigUsage = errors.New("usage: flowerchat config [--config path] set KEY VALUE | get KEY")

func configCmd(args []string) {
	fset := flag.NewFlagSet("config", flag.ExitOnError)
	cfgPath := fset.String("config", config.DefaultConfigPath(), "Config file path (YAML)")
	_ = fset.Parse(args)

	if err := runConfig(os.Stdout, *cfgPath, os.Environ(), fset.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errConfigUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// runConfig handles "set KEY VALUE" (empty VALUE removes the key) and
// "get KEY", which prints the value after the environment overlay.
func runConfig(w io.Writer, path string, environ []string, args []string) error {
	if len(args) == 0 {
		return errConfigUsage
	}
	switch args[0] {
	case "set":
		if len(args) != 3 {
			return errConfigUsage
		}
		if err := config.Set(path, args[1], args[2]); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		// Catch values that would make the next start fail.
		if _, err := config.Load(path, nil); err != nil {
			return fmt.Errorf("config written but does not load: %w", err)
		}
		return nil
	case "get":
		if len(args) != 2 {
			return errConfigUsage
		}
		cfg, err := config.Load(path, environ)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg, err = config.Load("", environ); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
		}
		fmt.Fprintln(w, cfg.Get(args[1]))
		return nil
	default:
		return errConfigUsage
	}
}
