package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"

	"github.com/floegence/flowerchat/internal/chat"
	"github.com/floegence/flowerchat/internal/registry"
)

const defaultOpenAIOrigin = "https://api.openai.com"

var versionSegment = regexp.MustCompile(`/v[0-9]+$`)

// NormalizeOpenAIBaseURL applies the default origin, strips a trailing slash and
// appends /v1 unless the path already ends in a version segment.
func NormalizeOpenAIBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		base = defaultOpenAIOrigin
	}
	base = strings.TrimRight(base, "/")
	if !versionSegment.MatchString(base) {
		base += "/v1"
	}
	return base
}

// ChatCompletionsURL is the streaming endpoint for an OpenAI-compatible base URL.
func ChatCompletionsURL(baseURL string) string {
	return NormalizeOpenAIBaseURL(baseURL) + "/chat/completions"
}

// OpenAIAdapter talks to OpenAI-compatible chat-completion endpoints.
type OpenAIAdapter struct {
	log        *slog.Logger
	httpClient *http.Client
}

func NewOpenAI(opts Options) *OpenAIAdapter {
	return &OpenAIAdapter{log: opts.logger(), httpClient: opts.httpClient()}
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string        `json:"role"`
	Content openAIContent `json:"content"`
}

// openAIContent is a plain string for text-only turns and a part array once an
// image is involved.
type openAIContent struct {
	text  string
	parts []openAIContentPart
}

func (c openAIContent) MarshalJSON() ([]byte, error) {
	if c.parts != nil {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

func openAIRole(r chat.Role) string {
	if r == chat.RoleModel {
		return "assistant"
	}
	return "user"
}

func openAIMessageFor(role chat.Role, parts []chat.Part) (openAIMessage, error) {
	hasImage := false
	for _, p := range parts {
		if p.Image != nil {
			hasImage = true
			break
		}
	}
	msg := openAIMessage{Role: openAIRole(role)}
	if !hasImage {
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(p.Text)
		}
		msg.Content = openAIContent{text: b.String()}
		return msg, nil
	}

	out := make([]openAIContentPart, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			out = append(out, openAIContentPart{Type: "text", Text: p.Text})
		}
		if p.Image != nil {
			uri, err := chat.ParseImageDataURI(p.Image.URL, p.Image.Type)
			if err != nil {
				return openAIMessage{}, err
			}
			out = append(out, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: uri.String()}})
		}
	}
	msg.Content = openAIContent{parts: out}
	return msg, nil
}

func openAIMessages(history []chat.Message, parts []chat.Part) ([]openAIMessage, error) {
	out := make([]openAIMessage, 0, len(history)+1)
	for _, m := range history {
		if !chat.HasContent(m.Parts) {
			continue
		}
		msg, err := openAIMessageFor(m.Role, m.Parts)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	msg, err := openAIMessageFor(chat.RoleUser, parts)
	if err != nil {
		return nil, err
	}
	return append(out, msg), nil
}

func (a *OpenAIAdapter) Stream(ctx context.Context, cfg registry.ModelConfig, history []chat.Message, parts []chat.Part) (chat.Stream, error) {
	if err := preflight(cfg, parts); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	msgs, err := openAIMessages(history, parts)
	if err != nil {
		return nil, err
	}

	// The client joins request paths onto the base URL; it needs the trailing slash.
	// NewClient also picks up OPENAI_ORG_ID and OPENAI_PROJECT_ID from the
	// process env. Credentials come from the registry entry only, and the base
	// URL may point at a third-party endpoint, so those headers are dropped.
	client := openai.NewClient(
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithBaseURL(NormalizeOpenAIBaseURL(cfg.BaseURL)+"/"),
		option.WithHTTPClient(a.httpClient),
		option.WithMaxRetries(0),
		option.WithHeaderDel("OpenAI-Organization"),
		option.WithHeaderDel("OpenAI-Project"),
	)
	body := openAIChatRequest{
		Model:       cfg.Model,
		Messages:    msgs,
		Stream:      true,
		Temperature: cfg.Temperature,
	}

	var res *http.Response
	if err := client.Post(ctx, "chat/completions", body, &res); err != nil {
		return nil, a.mapError(ctx, cfg, err)
	}
	if res == nil || res.Body == nil {
		return nil, chat.UpstreamError(0, "provider returned no response body", nil)
	}
	a.log.Debug("openai stream opened", "model_id", cfg.ID, "model", cfg.Model, "history", len(history))
	return newEventStream(ctx, res, parseOpenAIEvent), nil
}

func (a *OpenAIAdapter) mapError(ctx context.Context, cfg registry.ModelConfig, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := ""
		if apiErr.Response != nil && apiErr.Response.Body != nil {
			msg = errorBodyMessage(readErrorBody(apiErr.Response.Body))
		}
		if msg == "" {
			msg = strings.TrimSpace(apiErr.Message)
		}
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		a.log.Warn("openai request failed", "model_id", cfg.ID, "status", apiErr.StatusCode)
		return chat.UpstreamError(apiErr.StatusCode, msg, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return chat.TransportError(ctxErr)
	}
	return chat.TransportError(err)
}

// errorBodyMessage extracts a provider error message from a failed response body,
// falling back to the raw body.
func errorBodyMessage(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	if gjson.Valid(body) {
		for _, path := range []string{"error.message", "message", "error"} {
			if v := gjson.Get(body, path); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
				return strings.TrimSpace(v.String())
			}
		}
	}
	return body
}

// statusFromCode keeps numeric HTTP-like error codes; string codes map to 0.
func statusFromCode(code gjson.Result) int {
	if code.Type != gjson.Number {
		return 0
	}
	if n := code.Int(); n >= 400 && n <= 599 {
		return int(n)
	}
	return 0
}

var doneMarker = []byte("[DONE]")

// parseOpenAIEvent decodes one chat-completion chunk.
//
// Text lookup order: choices[0].delta.content as a string, then as an array of
// {text}|{content} parts, then choices[0].text.
func parseOpenAIEvent(data []byte) parsedEvent {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return parsedEvent{kind: eventSkip}
	}
	if bytes.Equal(data, doneMarker) {
		return parsedEvent{kind: eventDone}
	}
	if !gjson.ValidBytes(data) {
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

	choice := root.Get("choices.0")
	content := choice.Get("delta.content")
	switch {
	case content.Type == gjson.String:
		return parsedEvent{kind: eventText, text: content.String()}
	case content.IsArray():
		var b strings.Builder
		for _, item := range content.Array() {
			switch {
			case item.Type == gjson.String:
				b.WriteString(item.String())
			case item.Get("text").Type == gjson.String:
				b.WriteString(item.Get("text").String())
			case item.Get("content").Type == gjson.String:
				b.WriteString(item.Get("content").String())
			}
		}
		return parsedEvent{kind: eventText, text: b.String()}
	}
	if t := choice.Get("text"); t.Type == gjson.String {
		return parsedEvent{kind: eventText, text: t.String()}
	}
	return parsedEvent{kind: eventSkip}
}
