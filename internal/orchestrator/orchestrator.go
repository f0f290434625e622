package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/floegence/flowerchat/internal/chat"
	"github.com/floegence/flowerchat/internal/sessionstore"
)

// Streamer starts a reply stream. gateway.Gateway (in process) and
// gateway.Client (remote) both implement it.
type Streamer interface {
	StartStream(ctx context.Context, history []chat.Message, parts []chat.Part, modelID string) (chat.Stream, error)
}

var (
	ErrBusy           = errors.New("a request is already in flight")
	ErrUnknownSession = errors.New("unknown session")
)

type Options struct {
	Store    *sessionstore.Store
	Streamer Streamer
	Logger   *slog.Logger
	// HistoryWindow caps the turns sent upstream. Defaults to 99.
	HistoryWindow int
	// ModelID overrides the persisted model selection.
	ModelID string
	// OnFragment observes every accepted fragment. It runs on the goroutine
	// that called Send or Retry and must not call back into the Orchestrator.
	OnFragment func(sessionID string, text string)
}

// Snapshot is a consistent copy of the orchestrator state.
type Snapshot struct {
	Sessions  []sessionstore.Session
	ActiveID  string
	Messages  []chat.Message
	Pending   string
	Busy      bool
	ModelID   string
	LastError error
}

// request is the single in-flight reply.
type request struct {
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	pending   strings.Builder
	aborted   bool
}

// Orchestrator owns the active session and the request lifecycle. At most one
// request is in flight; session lifecycle operations abort it first and its
// partial reply is kept in the session that started it.
type Orchestrator struct {
	store      *sessionstore.Store
	streamer   Streamer
	log        *slog.Logger
	window     int
	onFragment func(string, string)

	mu       sync.Mutex
	sessions []sessionstore.Session
	activeID string
	messages []chat.Message
	modelID  string
	inflight *request
	lastErr  error
}

// New loads the stored sessions, migrates legacy history once, guarantees at
// least one session and activates the most recent one.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	if opts.Streamer == nil {
		return nil, errors.New("missing Streamer")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	window := opts.HistoryWindow
	if window <= 0 {
		window = DefaultHistoryWindow
	}

	st := opts.Store
	sessions := st.Load(ctx)
	if migrated := st.MigrateLegacy(ctx); migrated != nil {
		sessions = st.Load(ctx)
	}
	sessions, created := st.EnsureNonEmpty(sessions)
	if created {
		st.Save(ctx, sessions)
	}

	modelID := strings.TrimSpace(opts.ModelID)
	if modelID == "" {
		modelID = st.SelectedModelID(ctx)
	}

	o := &Orchestrator{
		store:      st,
		streamer:   opts.Streamer,
		log:        logger,
		window:     window,
		onFragment: opts.OnFragment,
		sessions:   sessions,
		modelID:    modelID,
	}
	o.activate(sessions[0])
	return o, nil
}

func (o *Orchestrator) activate(s sessionstore.Session) {
	o.activeID = s.ID
	o.messages = chat.CloneMessages(s.Messages)
	if o.messages == nil {
		o.messages = []chat.Message{}
	}
	o.lastErr = nil
}

// persistLocked writes the active messages and derived title into the list
// and saves it. Caller holds o.mu.
func (o *Orchestrator) persistLocked(ctx context.Context) {
	title := sessionstore.DeriveTitle(o.messages)
	o.sessions = o.store.Update(o.sessions, o.activeID, sessionstore.Patch{Title: &title, Messages: o.messages})
	sessionstore.SortByRecent(o.sessions)
	o.store.Save(ctx, o.sessions)
}

// snapshotLocked saves the active session before the active id changes.
// Caller holds o.mu.
func (o *Orchestrator) snapshotLocked(ctx context.Context) {
	if cur, ok := sessionstore.Find(o.sessions, o.activeID); ok && !sameMessages(cur.Messages, o.messages) {
		o.persistLocked(ctx)
		return
	}
	o.store.Save(ctx, o.sessions)
}

func sameMessages(a, b []chat.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Role != b[i].Role || len(a[i].Parts) != len(b[i].Parts) {
			return false
		}
		for j := range a[i].Parts {
			pa, pb := a[i].Parts[j], b[i].Parts[j]
			if pa.Text != pb.Text || (pa.Image == nil) != (pb.Image == nil) {
				return false
			}
			if pa.Image != nil && *pa.Image != *pb.Image {
				return false
			}
		}
	}
	return true
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		Sessions:  append([]sessionstore.Session(nil), o.sessions...),
		ActiveID:  o.activeID,
		Messages:  chat.CloneMessages(o.messages),
		Busy:      o.inflight != nil,
		ModelID:   o.modelID,
		LastError: o.lastErr,
	}
	if o.inflight != nil {
		snap.Pending = o.inflight.pending.String()
	}
	return snap
}

func (o *Orchestrator) SetModelID(ctx context.Context, id string) {
	id = strings.TrimSpace(id)
	o.mu.Lock()
	o.modelID = id
	o.mu.Unlock()
	o.store.SetSelectedModelID(ctx, id)
}

// Abort cancels the in-flight request and waits until its partial reply has
// been finalized. It is a no-op when idle.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	req := o.inflight
	if req == nil {
		o.mu.Unlock()
		return
	}
	req.aborted = true
	req.cancel()
	o.mu.Unlock()
	<-req.done
}

// lockIdle aborts any in-flight request and returns holding o.mu with no
// request in flight.
func (o *Orchestrator) lockIdle() {
	for {
		o.Abort()
		o.mu.Lock()
		if o.inflight == nil {
			return
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) SwitchTo(ctx context.Context, id string) error {
	o.lockIdle()
	defer o.mu.Unlock()
	if _, ok := sessionstore.Find(o.sessions, id); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	o.snapshotLocked(ctx)
	target, _ := sessionstore.Find(o.sessions, id)
	o.activate(target)
	return nil
}

func (o *Orchestrator) CreateNew(ctx context.Context) sessionstore.Session {
	o.lockIdle()
	defer o.mu.Unlock()
	o.snapshotLocked(ctx)
	s := o.store.Create()
	o.sessions = append([]sessionstore.Session{s}, o.sessions...)
	o.activate(s)
	o.store.Save(ctx, o.sessions)
	return s
}

// Delete removes a session. Deleting the active session activates the most
// recent remaining one, creating a fresh session when none remain.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	o.lockIdle()
	defer o.mu.Unlock()
	if _, ok := sessionstore.Find(o.sessions, id); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	o.snapshotLocked(ctx)
	o.sessions = sessionstore.Delete(o.sessions, id)
	o.sessions, _ = o.store.EnsureNonEmpty(o.sessions)
	if id == o.activeID {
		o.activate(o.sessions[0])
	}
	o.store.Save(ctx, o.sessions)
	return nil
}

// Close aborts the in-flight request and saves the active session.
func (o *Orchestrator) Close(ctx context.Context) {
	o.lockIdle()
	defer o.mu.Unlock()
	o.snapshotLocked(ctx)
}

// Send appends a user turn and streams the reply into the active session.
// A turn without text or images is ignored. Cancellation through Abort is
// not an error.
func (o *Orchestrator) Send(ctx context.Context, parts []chat.Part) error {
	if !chat.HasContent(parts) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	o.mu.Lock()
	if o.inflight != nil {
		o.mu.Unlock()
		return ErrBusy
	}
	o.messages = append(o.messages, chat.Message{Role: chat.RoleUser, Parts: append([]chat.Part(nil), parts...)})
	o.persistLocked(context.WithoutCancel(ctx))
	req, history, turn, modelID := o.beginLocked(ctx)
	o.mu.Unlock()

	return o.run(ctx, req, history, turn, modelID)
}

// Retry regenerates the last reply: a trailing model turn is discarded and the
// remaining conversation is sent again.
func (o *Orchestrator) Retry(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o.mu.Lock()
	if o.inflight != nil {
		o.mu.Unlock()
		return ErrBusy
	}
	if n := len(o.messages); n > 0 && o.messages[n-1].Role == chat.RoleModel {
		o.messages = o.messages[:n-1]
		o.persistLocked(context.WithoutCancel(ctx))
	}
	if n := len(o.messages); n == 0 || o.messages[n-1].Role != chat.RoleUser {
		o.mu.Unlock()
		return nil
	}
	req, history, turn, modelID := o.beginLocked(ctx)
	o.mu.Unlock()

	return o.run(ctx, req, history, turn, modelID)
}

// beginLocked registers a request for the active session and builds the
// outbound history. The active list ends on a user turn. Caller holds o.mu.
func (o *Orchestrator) beginLocked(ctx context.Context) (*request, []chat.Message, []chat.Part, string) {
	collapsed := BuildHistory(o.messages, o.window)
	last := collapsed[len(collapsed)-1]

	reqCtx, cancel := context.WithCancel(ctx)
	req := &request{sessionID: o.activeID, ctx: reqCtx, cancel: cancel, done: make(chan struct{})}
	o.inflight = req
	o.lastErr = nil
	return req, collapsed[:len(collapsed)-1], last.Parts, o.modelID
}

func (o *Orchestrator) run(ctx context.Context, req *request, history []chat.Message, parts []chat.Part, modelID string) error {
	stream, err := o.streamer.StartStream(req.ctx, history, parts, modelID)
	if err != nil {
		return o.finish(ctx, req, err)
	}
	for stream.Next() {
		frag := stream.Text()
		o.mu.Lock()
		if frag == "\n" && strings.HasSuffix(req.pending.String(), "\n") {
			o.mu.Unlock()
			continue
		}
		req.pending.WriteString(frag)
		o.mu.Unlock()
		if o.onFragment != nil {
			o.onFragment(req.sessionID, frag)
		}
	}
	err = stream.Err()
	_ = stream.Close()
	return o.finish(ctx, req, err)
}

// finish turns the accumulator into a model turn of the session that started
// the request, persists it, and clears the busy state.
func (o *Orchestrator) finish(ctx context.Context, req *request, err error) error {
	o.mu.Lock()
	defer func() {
		o.mu.Unlock()
		req.cancel()
		close(req.done)
	}()

	// Switch, create and delete wait in lockIdle for this to return, so the
	// request's session is still the active one here.
	if text := req.pending.String(); text != "" {
		o.messages = append(o.messages, chat.Message{Role: chat.RoleModel, Parts: []chat.Part{chat.TextPart(text)}})
		o.persistLocked(context.WithoutCancel(ctx))
	}
	o.inflight = nil

	if err == nil || req.aborted {
		return nil
	}
	if chat.IsCanceled(err) {
		return err
	}
	o.lastErr = err
	o.log.Warn("reply failed", "session_id", req.sessionID, "model_id", o.modelID, "error", err)
	return err
}
