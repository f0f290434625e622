package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/floegence/flowerchat/internal/config"
)

func TestRunConfig_SetThenGet(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	var out bytes.Buffer
	if err := runConfig(&out, path, nil, []string{"set", config.KeyDefaultModelID, "flash"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := runConfig(&out, path, nil, []string{"set", config.KeyHistoryWindow, "12"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := runConfig(&out, path, nil, []string{"get", config.KeyDefaultModelID}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "flash" {
		t.Fatalf("get=%q, want flash", got)
	}

	// The environment overlays the file.
	out.Reset()
	env := []string{config.KeyDefaultModelID + "=gpt"}
	if err := runConfig(&out, path, env, []string{"get", config.KeyDefaultModelID}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "gpt" {
		t.Fatalf("get=%q, want gpt", got)
	}

	cfg, err := config.Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HistoryWindow() != 12 || cfg.Get(config.KeyDefaultModelID) != "flash" {
		t.Fatalf("file lost keys: window=%d default=%q", cfg.HistoryWindow(), cfg.Get(config.KeyDefaultModelID))
	}
}

func TestRunConfig_Errors(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	var out bytes.Buffer
	for _, args := range [][]string{nil, {"set", "K"}, {"get"}, {"rm", "K"}} {
		if err := runConfig(&out, path, nil, args); !errors.Is(err, errConfigUsage) {
			t.Fatalf("runConfig(%v) err=%v, want usage", args, err)
		}
	}
	if err := runConfig(&out, path, nil, []string{"set", config.KeyHistoryWindow, "zero"}); err == nil {
		t.Fatalf("invalid value should be reported")
	}

	// get on a missing file falls back to the environment.
	out.Reset()
	if err := runConfig(&out, path+".missing", []string{"LOG_LEVEL=debug"}, []string{"get", config.KeyLogLevel}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "debug" {
		t.Fatalf("get=%q, want debug", got)
	}
}
