package lock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coffer-backup/coffer/util"
)

func init() {
	SetLogger(util.NewLogger(false, false))
}

func TestAcquireExclusiveThenRelease(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "host-a")
	if err := l.AcquireExclusive(false); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	l2 := New(dir, "host-a")
	if err := l2.AcquireExclusive(false); err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	l2.Release()
}

func TestAcquireExclusiveRejectsLiveHolder(t *testing.T) {
	dir := t.TempDir()
	l1 := New(dir, "host-a")
	if err := l1.AcquireExclusive(false); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer l1.Release()

	l2 := New(dir, "host-a")
	if err := l2.AcquireExclusive(false); err == nil {
		t.Fatalf("expected second acquire to fail while first holder's pid (this test process) is alive")
	}
}

func TestAcquireExclusiveBreaksStaleLock(t *testing.T) {
	dir := t.TempDir()
	exclusivePath := filepath.Join(dir, "lock.exclusive")
	if err := os.Mkdir(exclusivePath, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := Holder{HostID: "host-a", PID: unlikelyPID(), SessionID: "stale-session", Acquired: time.Now()}
	if err := writeHolder(exclusivePath, stale); err != nil {
		t.Fatalf("write stale holder: %v", err)
	}

	l := New(dir, "host-a")
	if err := l.AcquireExclusive(true); err != nil {
		t.Fatalf("expected stale lock to be broken: %v", err)
	}
	l.Release()
}

func TestAcquireExclusiveRefusesStaleWithoutBreakFlag(t *testing.T) {
	dir := t.TempDir()
	exclusivePath := filepath.Join(dir, "lock.exclusive")
	if err := os.Mkdir(exclusivePath, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := Holder{HostID: "host-a", PID: unlikelyPID(), SessionID: "stale-session", Acquired: time.Now()}
	if err := writeHolder(exclusivePath, stale); err != nil {
		t.Fatalf("write stale holder: %v", err)
	}

	l := New(dir, "host-a")
	if err := l.AcquireExclusive(false); err == nil {
		t.Fatalf("expected error when stale lock found and breakStale is false")
	}
}

func TestIsStaleForeignHostNeverStale(t *testing.T) {
	h := Holder{HostID: "other-host", PID: unlikelyPID()}
	if IsStale(h, "this-host") {
		t.Fatalf("a foreign host's lock should never be considered stale locally")
	}
}

func TestWithExclusiveReleasesOnReturn(t *testing.T) {
	dir := t.TempDir()
	called := false
	if err := WithExclusive(dir, "host-a", false, func() error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("WithExclusive: %v", err)
	}
	if !called {
		t.Fatalf("fn was not called")
	}

	l := New(dir, "host-a")
	if err := l.AcquireExclusive(false); err != nil {
		t.Fatalf("expected lock to be free after WithExclusive returned: %v", err)
	}
	l.Release()
}

func TestBreakStaleClearsStaleLock(t *testing.T) {
	dir := t.TempDir()
	exclusivePath := filepath.Join(dir, "lock.exclusive")
	if err := os.Mkdir(exclusivePath, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := Holder{HostID: "host-a", PID: unlikelyPID(), SessionID: "stale-session", Acquired: time.Now()}
	if err := writeHolder(exclusivePath, stale); err != nil {
		t.Fatalf("write stale holder: %v", err)
	}

	if err := BreakStale(dir, "host-a"); err != nil {
		t.Fatalf("break stale: %v", err)
	}
	if _, err := os.Stat(exclusivePath); !os.IsNotExist(err) {
		t.Fatalf("expected lock directory to be removed, stat err = %v", err)
	}
}

func TestBreakStaleRefusesLiveLock(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "host-a")
	if err := l.AcquireExclusive(false); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release()

	if err := BreakStale(dir, "host-a"); err == nil {
		t.Fatalf("expected BreakStale to refuse a lock held by a live process")
	}
}

func TestBreakStaleNoLockIsNoop(t *testing.T) {
	dir := t.TempDir()
	if err := BreakStale(dir, "host-a"); err != nil {
		t.Fatalf("expected no error clearing a nonexistent lock: %v", err)
	}
}

func TestHostIDOverride(t *testing.T) {
	if got := HostID("custom-id"); got != "custom-id" {
		t.Fatalf("HostID override = %q", got)
	}
}

func TestEncodeDecodeHolderRoundtrip(t *testing.T) {
	h := Holder{HostID: "host-a", PID: 1234, SessionID: "abc-def", Acquired: time.Unix(1700000000, 0)}
	got, err := decodeHolder(encodeHolder(h))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.HostID != h.HostID || got.PID != h.PID || got.SessionID != h.SessionID || !got.Acquired.Equal(h.Acquired) {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, h)
	}
}

// unlikelyPID returns a pid almost certainly not held by a live process,
// for constructing a stale-lock fixture without racing the real process table.
func unlikelyPID() int {
	return 1 << 30
}
