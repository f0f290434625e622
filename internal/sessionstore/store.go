package sessionstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/flowerchat/internal/chat"
)

// Storage keys.
const (
	KeySessions        = "chat_sessions"
	KeySelectedModelID = "selected_model_id"
	KeyStickToBottom   = "stick_to_bottom"
	KeyLegacyHistory   = "chat_history"
)

const (
	DefaultTitle = "New Chat"
	titleRunes   = 30
)

// Session is one persisted conversation thread. Timestamps are epoch ms.
type Session struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Messages  []chat.Message `json:"messages"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
}

// Patch is merged into a session by Update. A nil field is left unchanged;
// a non-nil empty Messages clears the thread.
type Patch struct {
	Title    *string
	Messages []chat.Message
}

type Options struct {
	Storage Storage
	Logger  *slog.Logger
	Now     func() time.Time
}

// Store reads and writes the session list as one document.
//
// Writers are not coordinated: two processes saving concurrently race and
// the last write wins.
type Store struct {
	st  Storage
	log *slog.Logger
	now func() time.Time
}

func New(opts Options) (*Store, error) {
	if opts.Storage == nil {
		return nil, errors.New("missing Storage")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{st: opts.Storage, log: logger, now: now}, nil
}

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

// Load returns the stored sessions sorted by UpdatedAt descending. Missing or
// corrupt data yields an empty list.
func (s *Store) Load(ctx context.Context) []Session {
	raw, ok, err := s.st.Get(ctx, KeySessions)
	if err != nil {
		s.log.Warn("load sessions failed", "error", err)
		return []Session{}
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return []Session{}
	}
	var list []Session
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		s.log.Warn("stored sessions are corrupt; starting empty", "error", err)
		return []Session{}
	}
	out := make([]Session, 0, len(list))
	for _, sess := range list {
		if strings.TrimSpace(sess.ID) == "" {
			continue
		}
		if sess.Messages == nil {
			sess.Messages = []chat.Message{}
		}
		out = append(out, sess)
	}
	SortByRecent(out)
	return out
}

// SortByRecent orders sessions by UpdatedAt, newest first. Ties keep their order.
func SortByRecent(list []Session) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].UpdatedAt > list[j].UpdatedAt })
}

// Save writes the whole list in a single storage write. Failures are logged.
func (s *Store) Save(ctx context.Context, sessions []Session) {
	if err := s.save(ctx, sessions); err != nil {
		s.log.Warn("save sessions failed", "sessions", len(sessions), "error", err)
	}
}

func (s *Store) save(ctx context.Context, sessions []Session) error {
	if sessions == nil {
		sessions = []Session{}
	}
	b, err := json.Marshal(sessions)
	if err != nil {
		return err
	}
	return s.st.Set(ctx, KeySessions, string(b))
}

// Create returns a new empty session. It is not persisted.
func (s *Store) Create() Session {
	now := s.nowMs()
	return Session{
		ID:        newSessionID(now),
		Title:     DefaultTitle,
		Messages:  []chat.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// newSessionID is a base-36 millisecond prefix plus a random suffix.
func newSessionID(ms int64) string {
	u := uuid.New()
	return strconv.FormatInt(ms, 36) + hex.EncodeToString(u[:5])
}

// Update returns a copy of sessions with patch merged into the session id.
// Its UpdatedAt never moves backwards. Other sessions are returned as is.
func (s *Store) Update(sessions []Session, id string, patch Patch) []Session {
	now := s.nowMs()
	out := make([]Session, len(sessions))
	for i, sess := range sessions {
		if sess.ID == id {
			if patch.Title != nil {
				sess.Title = *patch.Title
			}
			if patch.Messages != nil {
				sess.Messages = chat.CloneMessages(patch.Messages)
			}
			if now > sess.UpdatedAt {
				sess.UpdatedAt = now
			}
		}
		out[i] = sess
	}
	return out
}

// Delete returns a copy of sessions without id.
func Delete(sessions []Session, id string) []Session {
	out := make([]Session, 0, len(sessions))
	for _, sess := range sessions {
		if sess.ID != id {
			out = append(out, sess)
		}
	}
	return out
}

// EnsureNonEmpty adds a fresh session when the list is empty.
func (s *Store) EnsureNonEmpty(sessions []Session) ([]Session, bool) {
	if len(sessions) > 0 {
		return sessions, false
	}
	return []Session{s.Create()}, true
}

// Find returns the session with id.
func Find(sessions []Session, id string) (Session, bool) {
	for _, sess := range sessions {
		if sess.ID == id {
			return sess, true
		}
	}
	return Session{}, false
}

// DeriveTitle is the first user turn's text cut to 30 runes, or DefaultTitle.
func DeriveTitle(messages []chat.Message) string {
	for _, m := range messages {
		if m.Role != chat.RoleUser {
			continue
		}
		text := strings.TrimSpace(m.JoinText())
		if text == "" {
			return DefaultTitle
		}
		r := []rune(text)
		if len(r) > titleRunes {
			return string(r[:titleRunes]) + "..."
		}
		return text
	}
	return DefaultTitle
}

type legacyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MigrateLegacy converts the single-thread history left by older versions into
// a session, prepends it to the stored list and removes the legacy key.
//
// It returns nil when there is nothing to migrate or the legacy data cannot be
// parsed; unparsable data is left in place.
func (s *Store) MigrateLegacy(ctx context.Context) *Session {
	raw, ok, err := s.st.Get(ctx, KeyLegacyHistory)
	if err != nil {
		s.log.Warn("read legacy history failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var legacy []legacyMessage
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		s.log.Warn("legacy history is not parsable; leaving it untouched", "error", err)
		return nil
	}

	msgs := make([]chat.Message, 0, len(legacy))
	for _, m := range legacy {
		var role chat.Role
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "assistant", "model":
			role = chat.RoleModel
		case "user":
			role = chat.RoleUser
		default:
			continue
		}
		if m.Content == "" {
			continue
		}
		msgs = append(msgs, chat.Message{Role: role, Parts: []chat.Part{chat.TextPart(m.Content)}})
	}
	if len(msgs) == 0 {
		if err := s.st.Delete(ctx, KeyLegacyHistory); err != nil {
			s.log.Warn("clear empty legacy history failed", "error", err)
		}
		return nil
	}

	sess := s.Create()
	sess.Messages = msgs
	sess.Title = DeriveTitle(msgs)

	list := append([]Session{sess}, s.Load(ctx)...)
	if err := s.save(ctx, list); err != nil {
		s.log.Warn("save migrated session failed", "error", err)
		return nil
	}
	if err := s.st.Delete(ctx, KeyLegacyHistory); err != nil {
		s.log.Warn("clear legacy history failed", "error", err)
	}
	s.log.Info("migrated legacy chat history", "session_id", sess.ID, "messages", len(msgs))
	return &sess
}

// SelectedModelID is the last model the user picked, or "".
func (s *Store) SelectedModelID(ctx context.Context) string {
	v, _, err := s.st.Get(ctx, KeySelectedModelID)
	if err != nil {
		s.log.Warn("read selected model failed", "error", err)
		return ""
	}
	return strings.TrimSpace(v)
}

func (s *Store) SetSelectedModelID(ctx context.Context, id string) {
	id = strings.TrimSpace(id)
	var err error
	if id == "" {
		err = s.st.Delete(ctx, KeySelectedModelID)
	} else {
		err = s.st.Set(ctx, KeySelectedModelID, id)
	}
	if err != nil {
		s.log.Warn("save selected model failed", "error", err)
	}
}

// StickToBottom reports the auto-scroll preference. Defaults to true.
func (s *Store) StickToBottom(ctx context.Context) bool {
	v, ok, err := s.st.Get(ctx, KeyStickToBottom)
	if err != nil || !ok {
		return true
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return true
	}
	return b
}

func (s *Store) SetStickToBottom(ctx context.Context, on bool) {
	if err := s.st.Set(ctx, KeyStickToBottom, strconv.FormatBool(on)); err != nil {
		s.log.Warn("save stick-to-bottom failed", "error", err)
	}
}
