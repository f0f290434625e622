//go:build !windows

package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAcquireStateDir_Exclusive(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "state")
	lk, err := AcquireStateDir(dir)
	if err != nil {
		t.Fatalf("AcquireStateDir: %v", err)
	}
	if lk.Path() != filepath.Join(dir, FileName) {
		t.Fatalf("Path=%q", lk.Path())
	}
	if pid, ok := Owner(lk.Path()); !ok || pid != os.Getpid() {
		t.Fatalf("Owner=%d,%v, want %d", pid, ok, os.Getpid())
	}

	// flock locks are per open file description, so a second open in the same
	// process conflicts.
	if _, err := AcquireStateDir(dir); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second acquire err=%v, want ErrAlreadyLocked", err)
	}

	if err := lk.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := AcquireStateDir(dir)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = again.Release()
	if err := again.Release(); err != nil {
		t.Fatalf("double Release=%v", err)
	}
}

func TestAcquireStateDir_RequiresDir(t *testing.T) {
	t.Parallel()

	if _, err := AcquireStateDir("  "); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}

func TestAcquire_LockFDIsCloseOnExec(t *testing.T) {
	t.Parallel()

	lk, err := Acquire(filepath.Join(t.TempDir(), FileName))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = lk.Release() }()

	flags, err := unix.FcntlInt(lk.f.Fd(), unix.F_GETFD, 0)
	if err != nil {
		t.Fatalf("F_GETFD: %v", err)
	}
	if flags&unix.FD_CLOEXEC == 0 {
		t.Fatalf("lock fd flags=%#x, want FD_CLOEXEC", flags)
	}
}
