package requestlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes   = int64(4 << 20) // 4 MiB
	defaultMaxBackups = 3

	activeName    = "requests.jsonl"
	rotatedPrefix = "requests-"
	rotatedSuffix = ".jsonl"
)

// Outcomes of a generate call.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
	OutcomeTruncated = "truncated"
)

// Entry is one served /api/generate call. It never carries message text,
// passwords or signatures.
type Entry struct {
	CreatedAt string `json:"created_at"`

	ModelID  string `json:"model_id,omitempty"`
	Provider string `json:"provider,omitempty"`

	// Status is the HTTP status sent to the client.
	Status  int    `json:"status"`
	Outcome string `json:"outcome"`

	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	Turns      int    `json:"turns"`
	Images     int    `json:"images,omitempty"`
	Bytes      int64  `json:"bytes"`
	DurationMs int64  `json:"duration_ms"`
	Remote     string `json:"remote,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// Dir holds the active file and its rotated backups.
	Dir string
	// MaxBytes is the rotation threshold of the active file. Defaults to 4 MiB.
	MaxBytes int64
	// MaxBackups is the number of rotated files kept. Defaults to 3.
	MaxBackups int
	Now        func() time.Time
}

// Store appends entries to a size-rotated JSONL file.
type Store struct {
	log *slog.Logger
	now func() time.Time

	dir        string
	activePath string
	maxBytes   int64
	maxBackups int

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("missing Dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	activePath := filepath.Join(dir, activeName)
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return &Store{
		log:        logger,
		now:        now,
		dir:        dir,
		activePath: activePath,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
	}, nil
}

// Append writes e. Failures are logged and dropped.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = s.now().UTC().Format(time.RFC3339Nano)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeOK
	}

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Warn("request log append failed", "error", err)
		return
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	err = enc.Encode(&e)
	_ = f.Close()
	if err != nil {
		s.log.Warn("request log encode failed", "error", err)
		return
	}
	s.rotateLocked()
}

// List returns up to limit entries, newest first.
func (s *Store) List(limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	files := append([]string{s.activePath}, s.rotatedLocked(true)...)
	s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, path := range files {
		if len(out) >= limit {
			break
		}
		entries, err := readNewestFirst(path, limit-len(out))
		if err != nil {
			s.log.Warn("request log read failed", "path", path, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// rotatedLocked lists rotated files by name. Names embed epoch ms, so the
// lexical order is chronological.
func (s *Store) rotatedLocked(newestFirst bool) []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, ent := range ents {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, rotatedPrefix) || !strings.HasSuffix(name, rotatedSuffix) {
			continue
		}
		names = append(names, filepath.Join(s.dir, name))
	}
	if newestFirst {
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
	} else {
		sort.Strings(names)
	}
	return names
}

func (s *Store) rotateLocked() {
	st, err := os.Stat(s.activePath)
	if err != nil || st.Size() <= s.maxBytes {
		return
	}
	dst := filepath.Join(s.dir, fmt.Sprintf("%s%d%s", rotatedPrefix, s.now().UnixMilli(), rotatedSuffix))
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn("request log rotate failed", "error", err)
		return
	}
	if f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}

	old := s.rotatedLocked(false)
	if len(old) <= s.maxBackups {
		return
	}
	for _, path := range old[:len(old)-s.maxBackups] {
		_ = os.Remove(path)
	}
}

func readNewestFirst(path string, limit int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if json.Unmarshal([]byte(line), &e) != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
