package lock

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireSharedThenRelease(t *testing.T) {
	dir := t.TempDir()
	s, err := AcquireShared(dir, "host-a")
	if err != nil {
		t.Fatalf("acquire shared: %v", err)
	}
	roster, err := Roster(dir, "host-a")
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 1 || roster[0].HostID != "host-a" {
		t.Fatalf("roster = %+v, want one entry for host-a", roster)
	}

	if err := s.ReleaseShared(); err != nil {
		t.Fatalf("release shared: %v", err)
	}
	roster, err = Roster(dir, "host-a")
	if err != nil {
		t.Fatalf("roster after release: %v", err)
	}
	if len(roster) != 0 {
		t.Fatalf("expected empty roster after release, got %+v", roster)
	}
}

func TestAcquireSharedAllowsMultipleConcurrentHolders(t *testing.T) {
	dir := t.TempDir()
	s1, err := AcquireShared(dir, "host-a")
	if err != nil {
		t.Fatalf("acquire shared 1: %v", err)
	}
	defer s1.ReleaseShared()
	s2, err := AcquireShared(dir, "host-b")
	if err != nil {
		t.Fatalf("acquire shared 2: %v", err)
	}
	defer s2.ReleaseShared()

	roster, err := Roster(dir, "host-a")
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("roster = %+v, want two concurrent holders", roster)
	}
}

func TestRosterPrunesStaleEntries(t *testing.T) {
	dir := t.TempDir()
	d := rosterDir(dir)
	if err := os.MkdirAll(d, 0700); err != nil {
		t.Fatalf("mkdir roster dir: %v", err)
	}
	stale := Holder{HostID: "host-a", PID: unlikelyPID(), SessionID: "dead-reader", Acquired: time.Now()}
	if err := os.WriteFile(filepath.Join(d, stale.SessionID), encodeHolder(stale), 0600); err != nil {
		t.Fatalf("seed stale reader: %v", err)
	}

	roster, err := Roster(dir, "host-a")
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 0 {
		t.Fatalf("expected a dead reader's entry to be pruned, got %+v", roster)
	}
	if _, err := os.Stat(filepath.Join(d, stale.SessionID)); !os.IsNotExist(err) {
		t.Fatalf("expected stale roster entry file to be removed, stat err = %v", err)
	}
}

func TestWithExclusiveObservesActiveRoster(t *testing.T) {
	dir := t.TempDir()
	s, err := AcquireShared(dir, "host-a")
	if err != nil {
		t.Fatalf("acquire shared: %v", err)
	}
	defer s.ReleaseShared()

	// An exclusive acquisition must still succeed with readers present;
	// the roster is advisory, not a blocking mechanism.
	l := New(dir, "host-a")
	if err := l.AcquireExclusive(false); err != nil {
		t.Fatalf("acquire exclusive while shared lock held: %v", err)
	}
	l.Release()
}

func TestWithSharedReleasesOnReturn(t *testing.T) {
	dir := t.TempDir()
	called := false
	if err := WithShared(dir, "host-a", func() error {
		called = true
		roster, err := Roster(dir, "host-a")
		if err != nil {
			t.Fatalf("roster: %v", err)
		}
		if len(roster) != 1 {
			t.Fatalf("expected this session to appear in the roster while fn runs, got %+v", roster)
		}
		return nil
	}); err != nil {
		t.Fatalf("WithShared: %v", err)
	}
	if !called {
		t.Fatalf("fn was not called")
	}
	roster, err := Roster(dir, "host-a")
	if err != nil {
		t.Fatalf("roster after return: %v", err)
	}
	if len(roster) != 0 {
		t.Fatalf("expected roster to be empty after WithShared returns, got %+v", roster)
	}
}
