package sessionstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/floegence/flowerchat/internal/chat"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

// fakeClock advances one millisecond per reading.
type fakeClock struct{ ms int64 }

func (c *fakeClock) now() time.Time {
	c.ms++
	return time.UnixMilli(c.ms)
}

func newTestStore(t *testing.T, st Storage, clock *fakeClock) *Store {
	t.Helper()
	opts := Options{Storage: st, Logger: discardLogger()}
	if clock != nil {
		opts.Now = clock.now
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func text(role chat.Role, s string) chat.Message {
	return chat.Message{Role: role, Parts: []chat.Part{chat.TextPart(s)}}
}

func TestSQLiteStorage_RoundTrip(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "sessions.sqlite")
	st, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	ctx := context.Background()

	if _, ok, err := st.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get missing ok=%v err=%v", ok, err)
	}
	if err := st.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := st.Set(ctx, "k", "v2"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	if v, ok, err := st.Get(ctx, "k"); err != nil || !ok || v != "v2" {
		t.Fatalf("Get=%q ok=%v err=%v, want v2", v, ok, err)
	}
	_ = st.Close()

	// Reopen: schema migration is a no-op and data survives.
	st, err = OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = st.Close() }()
	if v, _, _ := st.Get(ctx, "k"); v != "v2" {
		t.Fatalf("after reopen Get=%q, want v2", v)
	}
	if err := st.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "k"); ok {
		t.Fatalf("key still present after Delete")
	}
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLite("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestStore_LoadSortsAndToleratesCorruption(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewMemoryStorage()
	s := newTestStore(t, st, nil)

	if got := s.Load(ctx); len(got) != 0 {
		t.Fatalf("Load on empty storage=%v", got)
	}
	_ = st.Set(ctx, KeySessions, "{not json")
	if got := s.Load(ctx); got == nil || len(got) != 0 {
		t.Fatalf("Load on corrupt data=%v, want empty non-nil", got)
	}

	_ = st.Set(ctx, KeySessions, `[{"id":"a","title":"A","messages":[],"createdAt":1,"updatedAt":5},{"id":"b","title":"B","createdAt":1,"updatedAt":9},{"id":"","title":"x"}]`)
	got := s.Load(ctx)
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("Load=%+v, want b then a", got)
	}
	if got[0].Messages == nil {
		t.Fatalf("Messages should be normalized to an empty list")
	}
}

func TestStore_SaveLoadIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewMemoryStorage()
	s := newTestStore(t, st, &fakeClock{ms: 1000})

	a := s.Create()
	b := s.Create()
	b = s.Update([]Session{b}, b.ID, Patch{Messages: []chat.Message{text(chat.RoleUser, "héllo"), text(chat.RoleModel, "hi")}})[0]
	s.Save(ctx, []Session{a, b})

	s.Save(ctx, s.Load(ctx))
	first, _, _ := st.Get(ctx, KeySessions)
	s.Save(ctx, s.Load(ctx))
	second, _, _ := st.Get(ctx, KeySessions)
	if first != second {
		t.Fatalf("save(load()) not idempotent:\n%s\n%s", first, second)
	}
}

type failingStorage struct{ MemoryStorage }

func (f *failingStorage) Set(context.Context, string, string) error { return errors.New("disk full") }

func TestStore_SaveSwallowsErrors(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &failingStorage{}, nil)
	// Must not panic or block; failures are only logged.
	s.Save(context.Background(), []Session{s.Create()})
}

func TestStore_CreateAndIDs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, NewMemoryStorage(), &fakeClock{ms: 1_700_000_000_000})
	a, b := s.Create(), s.Create()
	if a.ID == b.ID || a.ID == "" {
		t.Fatalf("ids not unique: %q %q", a.ID, b.ID)
	}
	if a.Title != DefaultTitle || len(a.Messages) != 0 || a.CreatedAt != a.UpdatedAt {
		t.Fatalf("Create=%+v", a)
	}
	if !strings.HasPrefix(a.ID, "loyw3v2") {
		t.Fatalf("id %q should start with the base-36 timestamp", a.ID)
	}
}

func TestStore_UpdateIsPureAndMonotonic(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{ms: 100}
	s := newTestStore(t, NewMemoryStorage(), clock)
	a, b := s.Create(), s.Create()
	// b was touched in the future relative to the clock.
	b.UpdatedAt = 10_000
	in := []Session{a, b}

	title := "Renamed"
	out := s.Update(in, b.ID, Patch{Title: &title})
	if in[1].Title != DefaultTitle {
		t.Fatalf("input was mutated")
	}
	if out[0].UpdatedAt != a.UpdatedAt || out[0].Title != a.Title {
		t.Fatalf("non-matching session changed: %+v", out[0])
	}
	if out[1].Title != "Renamed" || out[1].UpdatedAt < 10_000 {
		t.Fatalf("matching session=%+v", out[1])
	}

	out = s.Update(in, a.ID, Patch{Messages: []chat.Message{text(chat.RoleUser, "x")}})
	if out[0].UpdatedAt <= a.UpdatedAt || len(out[0].Messages) != 1 || out[0].Title != DefaultTitle {
		t.Fatalf("messages patch=%+v", out[0])
	}
	if out[1].UpdatedAt != b.UpdatedAt {
		t.Fatalf("other session UpdatedAt changed")
	}
}

func TestDeleteAndEnsureNonEmpty(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, NewMemoryStorage(), &fakeClock{})
	only := s.Create()
	list := Delete([]Session{only}, only.ID)
	if len(list) != 0 {
		t.Fatalf("Delete left %d sessions", len(list))
	}
	list, created := s.EnsureNonEmpty(list)
	if !created || len(list) != 1 || len(list[0].Messages) != 0 || list[0].ID == only.ID {
		t.Fatalf("EnsureNonEmpty=%+v created=%v", list, created)
	}
	same, created := s.EnsureNonEmpty(list)
	if created || len(same) != 1 {
		t.Fatalf("EnsureNonEmpty on non-empty list created a session")
	}
}

func TestDeriveTitle(t *testing.T) {
	t.Parallel()

	if got := DeriveTitle(nil); got != "New Chat" {
		t.Fatalf("DeriveTitle(nil)=%q", got)
	}
	msgs := []chat.Message{
		text(chat.RoleModel, "greeting"),
		text(chat.RoleUser, "Explain quantum tunneling in simple terms"),
	}
	if got := DeriveTitle(msgs); got != "Explain quantum tunneling in s..." {
		t.Fatalf("DeriveTitle=%q", got)
	}
	if got := DeriveTitle([]chat.Message{text(chat.RoleUser, "short")}); got != "short" {
		t.Fatalf("DeriveTitle short=%q", got)
	}
	if got := DeriveTitle([]chat.Message{text(chat.RoleUser, strings.Repeat("ü", 31))}); got != strings.Repeat("ü", 30)+"..." {
		t.Fatalf("DeriveTitle should count runes, got %q", got)
	}
}

func TestMigrateLegacy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewMemoryStorage()
	s := newTestStore(t, st, &fakeClock{ms: 50})

	existing := s.Create()
	s.Save(ctx, []Session{existing})
	_ = st.Set(ctx, KeyLegacyHistory, `[{"role":"user","content":"hello there"},{"role":"assistant","content":"hi!"},{"role":"system","content":"ignored"}]`)

	sess := s.MigrateLegacy(ctx)
	if sess == nil {
		t.Fatalf("MigrateLegacy returned nil")
	}
	if len(sess.Messages) != 2 || sess.Messages[0].Role != chat.RoleUser || sess.Messages[1].Role != chat.RoleModel {
		t.Fatalf("migrated messages=%+v", sess.Messages)
	}
	if sess.Title != "hello there" {
		t.Fatalf("Title=%q", sess.Title)
	}
	if _, ok, _ := st.Get(ctx, KeyLegacyHistory); ok {
		t.Fatalf("legacy key not removed")
	}
	list := s.Load(ctx)
	if len(list) != 2 {
		t.Fatalf("stored sessions=%d, want 2", len(list))
	}
	if _, ok := Find(list, sess.ID); !ok {
		t.Fatalf("migrated session not stored")
	}

	// Runs at most once.
	if again := s.MigrateLegacy(ctx); again != nil {
		t.Fatalf("second migration=%+v, want nil", again)
	}
}

func TestMigrateLegacy_ParseFailureLeavesDataUntouched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewMemoryStorage()
	s := newTestStore(t, st, nil)
	_ = st.Set(ctx, KeyLegacyHistory, `{"oops":`)

	if sess := s.MigrateLegacy(ctx); sess != nil {
		t.Fatalf("MigrateLegacy=%+v, want nil", sess)
	}
	if v, ok, _ := st.Get(ctx, KeyLegacyHistory); !ok || v != `{"oops":` {
		t.Fatalf("legacy data changed: %q ok=%v", v, ok)
	}
	if list := s.Load(ctx); len(list) != 0 {
		t.Fatalf("sessions=%d, want 0", len(list))
	}
}

func TestPreferences(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t, NewMemoryStorage(), nil)

	if s.SelectedModelID(ctx) != "" {
		t.Fatalf("SelectedModelID should default to empty")
	}
	s.SetSelectedModelID(ctx, " flash ")
	if got := s.SelectedModelID(ctx); got != "flash" {
		t.Fatalf("SelectedModelID=%q", got)
	}
	s.SetSelectedModelID(ctx, "")
	if got := s.SelectedModelID(ctx); got != "" {
		t.Fatalf("SelectedModelID after clear=%q", got)
	}

	if !s.StickToBottom(ctx) {
		t.Fatalf("StickToBottom should default to true")
	}
	s.SetStickToBottom(ctx, false)
	if s.StickToBottom(ctx) {
		t.Fatalf("StickToBottom=true after disabling")
	}
}
