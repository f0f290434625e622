package requestlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestStore_AppendAndListNewestFirst(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "requests")
	s, err := New(Options{Logger: discardLogger(), Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Append(Entry{ModelID: "gpt", Status: 200})
	s.Append(Entry{ModelID: "flash", Status: 429, Outcome: OutcomeFailed, ErrorKind: "upstream"})

	got, err := s.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ModelID != "flash" || got[1].ModelID != "gpt" {
		t.Fatalf("List=%+v", got)
	}
	if got[1].Outcome != OutcomeOK || got[1].CreatedAt == "" {
		t.Fatalf("defaults not applied: %+v", got[1])
	}
	if st, err := os.Stat(filepath.Join(dir, activeName)); err != nil || st.Mode().Perm() != 0o600 {
		t.Fatalf("active file stat=%v err=%v", st, err)
	}
}

func TestStore_RotatesAndPrunes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ms := int64(1_700_000_000_000)
	s, err := New(Options{
		Logger:     discardLogger(),
		Dir:        dir,
		MaxBytes:   1,
		MaxBackups: 2,
		Now: func() time.Time {
			ms++
			return time.UnixMilli(ms)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		s.Append(Entry{ModelID: id, Status: 200})
	}

	ents, _ := os.ReadDir(dir)
	var rotated int
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), rotatedPrefix) {
			rotated++
		}
	}
	if rotated != 2 {
		t.Fatalf("rotated files=%d, want 2", rotated)
	}

	got, _ := s.List(10)
	if len(got) != 2 || got[0].ModelID != "d" || got[1].ModelID != "c" {
		t.Fatalf("List=%+v, want d then c", got)
	}
}

func TestStore_ListSkipsCorruptLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, _ := New(Options{Logger: discardLogger(), Dir: dir})
	s.Append(Entry{ModelID: "gpt"})
	f, _ := os.OpenFile(filepath.Join(dir, activeName), os.O_APPEND|os.O_WRONLY, 0o600)
	_, _ = f.WriteString("{not json\n\n")
	_ = f.Close()
	s.Append(Entry{ModelID: "flash"})

	got, _ := s.List(1)
	if len(got) != 1 || got[0].ModelID != "flash" {
		t.Fatalf("List(1)=%+v", got)
	}
	if all, _ := s.List(0); len(all) != 2 {
		t.Fatalf("List(0)=%d entries, want 2", len(all))
	}
}

func TestNew_RequiresDir(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error")
	}
	var s *Store
	s.Append(Entry{})
	if got, err := s.List(5); got != nil || err != nil {
		t.Fatalf("nil store List=%v,%v", got, err)
	}
}
