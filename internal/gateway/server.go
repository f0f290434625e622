package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/floegence/flowerchat/internal/chat"
	"github.com/floegence/flowerchat/internal/registry"
	"github.com/floegence/flowerchat/internal/requestlog"
)

const (
	PathGenerate = "/api/generate"
	PathModels   = "/api/models"

	defaultMaxBodyBytes = 20 << 20
)

type ServerOptions struct {
	Logger     *slog.Logger
	ListenAddr string
	Gateway    *Gateway
	// Passwords gates /api/generate when non-empty; any entry matches.
	Passwords []string
	// Secret enables request signing when non-empty.
	Secret string
	// MaxBodyBytes caps the request body. Images are inline, so the default is 20 MiB.
	MaxBodyBytes int64
	// Requests receives one entry per generate call. Optional.
	Requests RequestRecorder
}

// RequestRecorder records served generate calls.
type RequestRecorder interface {
	Append(requestlog.Entry)
}

// Server exposes the gateway over HTTP.
type Server struct {
	log *slog.Logger
	gw  *Gateway

	passwords []string
	secret    string
	maxBody   int64
	requests  RequestRecorder

	ln   net.Listener
	srv  *http.Server
	addr string
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Gateway == nil {
		return nil, errors.New("missing Gateway")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	addr := strings.TrimSpace(opts.ListenAddr)
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	var passwords []string
	for _, p := range opts.Passwords {
		if p = strings.TrimSpace(p); p != "" {
			passwords = append(passwords, p)
		}
	}
	return &Server{
		log:       logger,
		gw:        opts.Gateway,
		passwords: passwords,
		secret:    strings.TrimSpace(opts.Secret),
		maxBody:   maxBody,
		requests:  opts.Requests,
		addr:      addr,
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	// No WriteTimeout: replies stream for as long as the provider does.
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("chat gateway stopped", "error", err)
		}
	}()

	s.log.Info("chat gateway listening", "addr", s.ln.Addr().String())
	return nil
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.ln = nil
	return nil
}

func (s *Server) URL() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return "http://" + s.ln.Addr().String()
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if s == nil || r == nil {
		http.Error(w, "gateway not ready", http.StatusServiceUnavailable)
		return
	}
	switch r.URL.Path {
	case PathGenerate:
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGenerate(w, r)
	case PathModels:
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleModels(w)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: msg}})
}

// writeChatError translates an escaping error into the JSON error body and
// returns the status sent.
func writeChatError(w http.ResponseWriter, err error) int {
	status := http.StatusInternalServerError
	var ce *chat.Error
	if errors.As(err, &ce) {
		status = ce.HTTPStatus()
	}
	writeError(w, status, chat.PublicMessage(err))
	return status
}

// ModelsResponse is the body of GET /api/models.
// DefaultModelID is null only when no models are configured.
type ModelsResponse struct {
	Models         []registry.PublicModelOption `json:"models"`
	DefaultModelID *string                      `json:"defaultModelId"`
}

// DefaultID returns the default model id, or "" when there is none.
func (r ModelsResponse) DefaultID() string {
	if r.DefaultModelID == nil {
		return ""
	}
	return *r.DefaultModelID
}

func (s *Server) handleModels(w http.ResponseWriter) {
	reg := s.gw.Registry()
	res := ModelsResponse{Models: reg.Public()}
	if def, ok := reg.DefaultModelID(); ok {
		res.DefaultModelID = &def
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, res)
}

// GenerateRequest is the body of POST /api/generate.
//
// Time is kept verbatim so the signature covers exactly what the client sent.
type GenerateRequest struct {
	Messages []chat.Message `json:"messages"`
	Time     json.Number    `json:"time"`
	Pass     string         `json:"pass,omitempty"`
	ModelID  string         `json:"modelId,omitempty"`
	Sign     string         `json:"sign,omitempty"`
}

// Sign computes the request signature: hex(sha256("{time}:{lastUserText}:{secret}")).
func Sign(timestamp string, lastUserText string, secret string) string {
	sum := sha256.Sum256([]byte(timestamp + ":" + lastUserText + ":" + secret))
	return hex.EncodeToString(sum[:])
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	entry := requestlog.Entry{Remote: r.RemoteAddr}
	defer func() {
		if s.requests == nil {
			return
		}
		entry.DurationMs = time.Since(started).Milliseconds()
		s.requests.Append(entry)
	}()
	reject := func(status int, err error) {
		entry.Status = status
		entry.Outcome = requestlog.OutcomeRejected
		entry.ErrorKind = string(chat.KindOf(err))
		entry.Error = chat.PublicMessage(err)
	}

	var req GenerateRequest
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reject(http.StatusRequestEntityTooLarge, chat.InvalidRequest("request body too large"))
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		reject(http.StatusBadRequest, chat.InvalidRequest("invalid json"))
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	entry.ModelID = strings.TrimSpace(req.ModelID)
	entry.Turns = len(req.Messages)

	history, last, err := splitTurns(req.Messages)
	if err != nil {
		reject(writeChatError(w, err), err)
		return
	}
	for _, p := range last.Parts {
		if p.Image != nil {
			entry.Images++
		}
	}
	if err := s.authorize(req, last); err != nil {
		s.log.Info("generate rejected", "reason", err.Error(), "remote", r.RemoteAddr)
		reject(writeChatError(w, err), err)
		return
	}
	if m, ok := s.gw.Registry().Resolve(req.ModelID); ok {
		entry.ModelID = m.ID
		entry.Provider = string(m.Provider)
	}

	stream, err := s.gw.StartStream(r.Context(), history, last.Parts, req.ModelID)
	if err != nil {
		entry.ErrorKind = string(chat.KindOf(err))
		entry.Error = chat.PublicMessage(err)
		if chat.IsCanceled(err) {
			entry.Outcome = requestlog.OutcomeCanceled
		} else {
			entry.Outcome = requestlog.OutcomeFailed
			s.log.Warn("generate failed", "model_id", req.ModelID, "error", err)
		}
		entry.Status = writeChatError(w, err)
		return
	}
	defer func() { _ = stream.Close() }()

	s.pipe(w, r, stream, &entry)
}

// splitTurns separates the prior turns from the new user turn.
func splitTurns(msgs []chat.Message) ([]chat.Message, chat.Message, error) {
	if len(msgs) == 0 {
		return nil, chat.Message{}, chat.InvalidRequest("messages must not be empty")
	}
	for i, m := range msgs {
		if !m.Role.Valid() {
			return nil, chat.Message{}, chat.InvalidRequest("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	last := msgs[len(msgs)-1]
	if last.Role != chat.RoleUser {
		return nil, chat.Message{}, chat.InvalidRequest("last message must have role user")
	}
	return msgs[:len(msgs)-1], last, nil
}

func (s *Server) authorize(req GenerateRequest, last chat.Message) error {
	if len(s.passwords) > 0 {
		ok := false
		for _, p := range s.passwords {
			if subtle.ConstantTimeCompare([]byte(req.Pass), []byte(p)) == 1 {
				ok = true
			}
		}
		if !ok {
			return chat.AuthError("invalid password")
		}
	}
	if s.secret != "" {
		want := Sign(req.Time.String(), last.JoinText(), s.secret)
		got := strings.ToLower(strings.TrimSpace(req.Sign))
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return chat.AuthError("invalid signature")
		}
	}
	return nil
}

// pipe copies fragments to the response as they arrive. The status line is
// committed with the first fragment so early failures still get a JSON error.
func (s *Server) pipe(w http.ResponseWriter, r *http.Request, stream chat.Stream, entry *requestlog.Entry) {
	flusher, _ := w.(http.Flusher)
	wrote := false
	commit := func() {
		h := w.Header()
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("Cache-Control", "no-cache, no-transform")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		entry.Status = http.StatusOK
		wrote = true
	}

	for stream.Next() {
		if !wrote {
			commit()
		}
		n, err := io.WriteString(w, stream.Text())
		entry.Bytes += int64(n)
		if err != nil {
			s.log.Debug("generate client went away", "error", err)
			entry.Outcome = requestlog.OutcomeCanceled
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	err := stream.Err()
	if err != nil {
		entry.ErrorKind = string(chat.KindOf(err))
		entry.Error = chat.PublicMessage(err)
	}
	switch {
	case err == nil:
		if !wrote {
			commit()
		}
		entry.Outcome = requestlog.OutcomeOK
	case chat.IsCanceled(err) || r.Context().Err() != nil:
		s.log.Debug("generate canceled", "model_id", entry.ModelID)
		entry.Outcome = requestlog.OutcomeCanceled
	case !wrote:
		s.log.Warn("generate failed", "model_id", entry.ModelID, "error", err)
		entry.Outcome = requestlog.OutcomeFailed
		entry.Status = writeChatError(w, err)
	default:
		// Headers are out; the client sees a truncated body.
		s.log.Warn("generate stream ended with error", "model_id", entry.ModelID, "error", err)
		entry.Outcome = requestlog.OutcomeTruncated
	}
}
