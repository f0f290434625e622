package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/floegence/flowerchat/internal/chat"
	"github.com/floegence/flowerchat/internal/registry"
)

func TestGeminiStreamURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		base, model, want string
	}{
		{"", "gemini-2.5-flash", "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash:streamGenerateContent?alt=sse"},
		{"https://proxy.example.com/", "models/gemini-pro", "https://proxy.example.com/v1beta/models/gemini-pro:streamGenerateContent?alt=sse"},
		{"https://proxy.example.com/v1", "m", "https://proxy.example.com/v1/models/m:streamGenerateContent?alt=sse"},
		{"https://proxy.example.com/v1alpha/", "m", "https://proxy.example.com/v1alpha/models/m:streamGenerateContent?alt=sse"},
	}
	for _, tc := range cases {
		if got := GeminiStreamURL(tc.base, tc.model); got != tc.want {
			t.Fatalf("GeminiStreamURL(%q,%q)=%q, want %q", tc.base, tc.model, got, tc.want)
		}
	}
}

func TestParseGeminiChunk(t *testing.T) {
	t.Parallel()

	ev := parseGeminiChunk([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"},{"text":"lo"}]}}]}`))
	if ev.kind != eventText || ev.text != "Hello" {
		t.Fatalf("text chunk=%+v", ev)
	}
	ev = parseGeminiChunk([]byte(`{"candidates":[{"finishReason":"STOP"}],"usageMetadata":{}}`))
	if ev.kind != eventSkip {
		t.Fatalf("finish chunk=%+v, want skip", ev)
	}
	ev = parseGeminiChunk([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	if ev.kind != eventFailed || chat.KindOf(ev.err) != chat.KindUpstream || !strings.Contains(ev.err.Error(), "SAFETY") {
		t.Fatalf("blocked chunk=%+v", ev)
	}
	ev = parseGeminiChunk([]byte(`{"error":{"code":503,"message":"overloaded"}}`))
	var ce *chat.Error
	if ev.kind != eventFailed || !errors.As(ev.err, &ce) || ce.Status != 503 {
		t.Fatalf("error chunk=%+v", ev)
	}
	if ev := parseGeminiChunk([]byte(`{oops`)); ev.kind != eventSkip {
		t.Fatalf("malformed chunk=%+v, want skip", ev)
	}
}

func TestGeminiAdapter_StreamsAndMapsTurns(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		gotPath string
		gotKey  string
		gotBody geminiRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotKey = r.Header.Get("x-goog-api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, strings.Join([]string{
			`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"He"}]}}]}`, ``,
			`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"llo"}]}}]}`, ``,
			`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"!"}]},"finishReason":"STOP"}]}`, ``, ``,
		}, "\r\n"))
	}))
	defer srv.Close()

	a := NewGemini(Options{Logger: discardLogger(), HTTPClient: srv.Client(), GeminiMaxOutputTokens: 1024})
	cfg := registry.ModelConfig{ID: "g", Provider: registry.ProviderGemini, Model: "gemini-2.5-flash", APIKey: "gk", BaseURL: srv.URL}
	history := []chat.Message{
		{Role: chat.RoleUser, Parts: []chat.Part{{Text: "what is this"}, {Image: &chat.Image{URL: "data:image/jpeg;base64,aGVsbG8=", Type: "image/jpeg"}}}},
		{Role: chat.RoleModel, Parts: []chat.Part{{Text: "a dog"}}},
	}
	parts := []chat.Part{{Text: "and this?"}, {Image: &chat.Image{URL: "data:image/png;base64,d29ybGQ="}}}

	s, err := a.Stream(context.Background(), cfg, history, parts)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	frags, err := collect(t, s)
	if err != nil {
		t.Fatalf("stream err: %v", err)
	}
	if strings.Join(frags, "") != "Hello!" || len(frags) != 3 {
		t.Fatalf("frags=%q", frags)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/v1beta/models/gemini-2.5-flash:streamGenerateContent?alt=sse" {
		t.Fatalf("path=%q", gotPath)
	}
	if gotKey != "gk" {
		t.Fatalf("x-goog-api-key=%q", gotKey)
	}
	if len(gotBody.Contents) != 3 {
		t.Fatalf("len(contents)=%d, want 3", len(gotBody.Contents))
	}
	first := gotBody.Contents[0]
	if first.Role != "user" || len(first.Parts) != 2 || first.Parts[0].Text != "what is this" || first.Parts[1].InlineData == nil {
		t.Fatalf("first content=%+v", first)
	}
	if gotBody.Contents[1].Role != "model" {
		t.Fatalf("second role=%q, want model", gotBody.Contents[1].Role)
	}
	last := gotBody.Contents[2]
	if last.Parts[1].InlineData.MimeType != "image/png" || last.Parts[1].InlineData.Data != "d29ybGQ=" {
		t.Fatalf("inline data=%+v", last.Parts[1].InlineData)
	}
	if gotBody.GenerationConfig.MaxOutputTokens != 1024 {
		t.Fatalf("maxOutputTokens=%d", gotBody.GenerationConfig.MaxOutputTokens)
	}
	if len(gotBody.SafetySettings) != len(geminiHarmCategories) {
		t.Fatalf("len(safety)=%d", len(gotBody.SafetySettings))
	}
	for _, ss := range gotBody.SafetySettings {
		if ss.Threshold != "BLOCK_NONE" {
			t.Fatalf("threshold=%q, want BLOCK_NONE", ss.Threshold)
		}
	}
}

func TestGeminiAdapter_HistoryComesFromCallerEachRequest(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		counts []int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body geminiRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		counts = append(counts, len(body.Contents))
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"pong\"}]}}]}\n\n")
	}))
	defer srv.Close()

	a := NewGemini(Options{Logger: discardLogger(), HTTPClient: srv.Client()})
	cfg := registry.ModelConfig{ID: "g", Provider: registry.ProviderGemini, Model: "m", APIKey: "gk", BaseURL: srv.URL}
	history := []chat.Message{
		{Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("ping")}},
		{Role: chat.RoleModel, Parts: []chat.Part{chat.TextPart("pong")}},
	}
	for i := 0; i < 2; i++ {
		s, err := a.Stream(context.Background(), cfg, history, []chat.Part{chat.TextPart("again")})
		if err != nil {
			t.Fatalf("Stream #%d: %v", i, err)
		}
		if frags, err := collect(t, s); err != nil || strings.Join(frags, "") != "pong" {
			t.Fatalf("Stream #%d frags=%v err=%v", i, frags, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(counts) != 2 || counts[0] != 3 || counts[1] != 3 {
		t.Fatalf("contents per request=%v, want [3 3]", counts)
	}
}

func TestGeminiAdapter_UpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`)
	}))
	defer srv.Close()

	a := NewGemini(Options{Logger: discardLogger(), HTTPClient: srv.Client()})
	cfg := registry.ModelConfig{ID: "g", Provider: registry.ProviderGemini, Model: "m", APIKey: "bad", BaseURL: srv.URL}
	_, err := a.Stream(context.Background(), cfg, nil, []chat.Part{chat.TextPart("hi")})
	var ce *chat.Error
	if !errors.As(err, &ce) || ce.Kind != chat.KindUpstream || ce.Status != http.StatusBadRequest {
		t.Fatalf("err=%v, want upstream 400", err)
	}
	if ce.Message != "API key not valid" {
		t.Fatalf("Message=%q", ce.Message)
	}
}
