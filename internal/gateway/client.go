package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/floegence/flowerchat/internal/chat"
)

type ClientOptions struct {
	// BaseURL is the server origin, e.g. http://127.0.0.1:3000.
	BaseURL    string
	Password   string
	Secret     string
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client talks to a remote Server. It has the same StartStream shape as
// Gateway, so either can drive a conversation.
type Client struct {
	base       string
	password   string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(opts ClientOptions) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("missing BaseURL")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("invalid BaseURL %q: want http(s)://host[:port]", base)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		base:       base,
		password:   opts.Password,
		secret:     strings.TrimSpace(opts.Secret),
		httpClient: hc,
		now:        now,
	}, nil
}

func (c *Client) StartStream(ctx context.Context, history []chat.Message, parts []chat.Part, modelID string) (chat.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	last := chat.Message{Role: chat.RoleUser, Parts: parts}
	msgs := make([]chat.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, last)

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	req := GenerateRequest{
		Messages: msgs,
		Time:     json.Number(ts),
		Pass:     c.password,
		ModelID:  strings.TrimSpace(modelID),
	}
	if c.secret != "" {
		req.Sign = Sign(ts, last.JoinText(), c.secret)
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+PathGenerate, bytes.NewReader(b))
	if err != nil {
		return nil, chat.ConfigurationError("invalid gateway url: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, chat.TransportError(ctxErr)
		}
		return nil, chat.TransportError(err)
	}
	if res.StatusCode != http.StatusOK {
		defer res.Body.Close()
		return nil, errorFromResponse(res)
	}
	return newTextStream(ctx, res.Body), nil
}

func (c *Client) ListModels(ctx context.Context) (ModelsResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+PathModels, nil)
	if err != nil {
		return ModelsResponse{}, chat.ConfigurationError("invalid gateway url: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return ModelsResponse{}, chat.TransportError(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return ModelsResponse{}, errorFromResponse(res)
	}
	var out ModelsResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return ModelsResponse{}, chat.UpstreamError(res.StatusCode, "invalid models response", err)
	}
	return out, nil
}

// errorFromResponse maps a server error response back onto the taxonomy.
func errorFromResponse(res *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	var body errorBody
	msg := ""
	if json.Unmarshal(raw, &body) == nil {
		msg = strings.TrimSpace(body.Error.Message)
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(res.StatusCode)
	}
	switch res.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return chat.InvalidRequest("%s", msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return chat.AuthError("%s", msg)
	case http.StatusInternalServerError:
		return chat.ConfigurationError("%s", msg)
	default:
		return chat.UpstreamError(res.StatusCode, msg, nil)
	}
}

// textStream exposes a text/plain body as fragments that never split a
// UTF-8 sequence.
type textStream struct {
	ctx     context.Context
	body    io.ReadCloser
	buf     []byte
	pending []byte

	cur  string
	err  error
	done bool
	once sync.Once
}

func newTextStream(ctx context.Context, body io.ReadCloser) *textStream {
	return &textStream{ctx: ctx, body: body, buf: make([]byte, 4096)}
}

func (s *textStream) Next() bool {
	if s == nil || s.done {
		return false
	}
	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			data := append(s.pending, s.buf[:n]...)
			cut := utf8Boundary(data)
			text := string(data[:cut])
			s.pending = append([]byte(nil), data[cut:]...)
			if text != "" {
				s.cur = text
				return true
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(s.pending) > 0 {
				s.cur = string(s.pending)
				s.pending = nil
				return true
			}
			s.finish(nil)
			return false
		}
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			s.finish(chat.TransportError(ctxErr))
			return false
		}
		s.finish(chat.TransportError(err))
		return false
	}
}

// utf8Boundary returns the length of the longest prefix of b that does not
// end inside a multi-byte sequence.
func utf8Boundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

func (s *textStream) finish(err error) {
	s.done = true
	s.cur = ""
	s.err = err
	_ = s.Close()
}

func (s *textStream) Text() string {
	if s == nil {
		return ""
	}
	return s.cur
}

func (s *textStream) Err() error {
	if s == nil {
		return nil
	}
	return s.err
}

func (s *textStream) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		if s.body != nil {
			err = s.body.Close()
		}
	})
	return err
}
