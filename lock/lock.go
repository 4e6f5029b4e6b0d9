// Package lock implements the repository's exclusive/shared on-disk
// lock and the persisted nonce counter, per spec.md §4.4 Locking and
// §5 Shared-resource policy.
//
// The teacher never needed a lock (storage.Backend callers are
// single-process and don't contend), but it does establish the idiom
// this package generalizes: "fail fatally if something that should be
// unique already exists" (storage.errorIfExists, and the
// already-exists checks in storage/gcs.go's CreateFile/upload). A lock
// acquisition here is exactly that idiom applied to directory creation
// (os.Mkdir), which is atomic on any filesystem the teacher targets.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/util"
)

var log *util.Logger

// SetLogger installs the logger used by this package, mirroring
// storage.SetLogger in the teacher.
func SetLogger(l *util.Logger) { log = l }

// Holder identifies who is holding (or wants to hold) a lock, so a
// contending process can diagnose contention per spec.md §5: "The lock
// encodes host id, process id, and timestamp so other holders can
// diagnose contention."
type Holder struct {
	HostID    string
	PID       int
	SessionID string
	Acquired  time.Time
}

func newHolder(hostID string) Holder {
	return Holder{
		HostID:    hostID,
		PID:       os.Getpid(),
		SessionID: uuid.New().String(),
		Acquired:  time.Now(),
	}
}

// Lock guards a repository directory. Exactly one process may hold the
// exclusive lock at a time; any number may hold a shared (roster) lock
// concurrently, for readers.
type Lock struct {
	dir    string // repository root
	hostID string

	exclusivePath string
	held          bool
	holder        Holder
}

// rosterDir is where shared-lock holders register themselves, one file
// per holder, per spec.md §4.4/§5: a writer about to take the exclusive
// lock can list this directory to see who's currently reading, even
// though it doesn't have to wait for them.
func rosterDir(repoDir string) string { return filepath.Join(repoDir, "lock.roster") }

// SharedLock is one registered roster entry. Any number of SharedLocks
// may be held against the same repository concurrently.
type SharedLock struct {
	path string
}

// AcquireShared registers holder in dir's roster, so a concurrent
// exclusive-lock acquisition can see it. Shared locks never conflict
// with each other or block an exclusive acquisition outright; they are
// advisory bookkeeping for spec.md §5's "writers can detect active
// readers," not mutual exclusion.
func AcquireShared(repoDir, hostID string) (*SharedLock, error) {
	holder := newHolder(hostID)
	dir := rosterDir(repoDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, cerrors.Wrap(cerrors.Lock, err, "create roster directory")
	}
	path := filepath.Join(dir, holder.SessionID)
	if err := os.WriteFile(path, encodeHolder(holder), 0600); err != nil {
		return nil, cerrors.Wrap(cerrors.Lock, err, "write roster entry")
	}
	return &SharedLock{path: path}, nil
}

// ReleaseShared removes s's roster entry. It is a no-op on a nil
// receiver, so a deferred release after a failed AcquireShared is safe.
func (s *SharedLock) ReleaseShared() error {
	if s == nil {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return cerrors.Wrap(cerrors.Lock, err, "remove roster entry")
	}
	return nil
}

// WithShared runs fn while registered on dir's roster, the read-only
// counterpart to WithExclusive.
func WithShared(repoDir, hostID string, fn func() error) error {
	s, err := AcquireShared(repoDir, hostID)
	if err != nil {
		return err
	}
	defer s.ReleaseShared()
	return fn()
}

// Roster lists dir's currently-registered shared-lock holders, pruning
// any entry whose holder is confidently gone (per IsStale against
// ourHostID) as it goes, so readers that crashed without releasing
// don't linger in the listing forever.
func Roster(repoDir, ourHostID string) ([]Holder, error) {
	entries, err := os.ReadDir(rosterDir(repoDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cerrors.Wrap(cerrors.Lock, err, "list roster directory")
	}
	var holders []Holder
	for _, e := range entries {
		path := filepath.Join(rosterDir(repoDir), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		h, err := decodeHolder(data)
		if err != nil {
			continue
		}
		if IsStale(h, ourHostID) {
			os.Remove(path)
			continue
		}
		holders = append(holders, h)
	}
	return holders, nil
}

// HostID returns a stable identifier for the current host: its FQDN (or
// best-available hostname) plus a node identifier read from
// /etc/machine-id when present, per spec.md §4.4's "host id (FQDN plus
// a stable node identifier; overridable)". Config.HostID overrides this
// outright when set.
func HostID(override string) string {
	if override != "" {
		return override
	}
	name, err := os.Hostname()
	if err != nil {
		name = "unknown-host"
	}
	if id, err := os.ReadFile("/etc/machine-id"); err == nil {
		return name + "/" + string(trimNewline(id))
	}
	return name
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func New(repoDir, hostID string) *Lock {
	return &Lock{
		dir:           repoDir,
		hostID:        hostID,
		exclusivePath: filepath.Join(repoDir, "lock.exclusive"),
	}
}

// AcquireExclusive takes the exclusive lock, failing with a
// cerrors.Lock error if another live holder has it. A confidently
// stale lock (held from this host by a pid that is no longer running,
// per IsStale) is broken automatically unless breakStale is false.
func (l *Lock) AcquireExclusive(breakStale bool) error {
	holder := newHolder(l.hostID)

	if err := os.Mkdir(l.exclusivePath, 0700); err != nil {
		if !os.IsExist(err) {
			return cerrors.Wrap(cerrors.Lock, err, "create exclusive lock directory")
		}

		existing, rerr := readHolder(l.exclusivePath)
		if rerr != nil {
			return cerrors.Wrap(cerrors.Lock, rerr, "read existing lock holder")
		}

		if !IsStale(existing, l.hostID) {
			return cerrors.New(cerrors.Lock, fmt.Sprintf(
				"repository locked by %s (pid %d) since %s",
				existing.HostID, existing.PID, existing.Acquired))
		}
		if !breakStale {
			return cerrors.New(cerrors.Lock, fmt.Sprintf(
				"stale lock held by %s (pid %d); pass breakStale to clear it",
				existing.HostID, existing.PID))
		}

		log.Warning("%s: breaking stale exclusive lock held by %s (pid %d)",
			l.dir, existing.HostID, existing.PID)
		if err := os.RemoveAll(l.exclusivePath); err != nil {
			return cerrors.Wrap(cerrors.Lock, err, "remove stale lock")
		}
		if err := os.Mkdir(l.exclusivePath, 0700); err != nil {
			return cerrors.Wrap(cerrors.Lock, err, "recreate exclusive lock directory")
		}
	}

	if err := writeHolder(l.exclusivePath, holder); err != nil {
		os.RemoveAll(l.exclusivePath)
		return cerrors.Wrap(cerrors.Lock, err, "write lock holder info")
	}

	if readers, rerr := Roster(l.dir, l.hostID); rerr == nil && len(readers) > 0 {
		log.Warning("%s: %d reader(s) active while taking exclusive lock", l.dir, len(readers))
	}

	l.held = true
	l.holder = holder
	return nil
}

// Release drops the exclusive lock. It is a no-op if the lock isn't
// held by this Lock value.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	return os.RemoveAll(l.exclusivePath)
}

// WithExclusive runs fn while holding the exclusive lock, releasing it
// (even on panic-free error return) when fn returns. This is the
// library entry point behind `coffer with-lock`, grounded on
// archiver.py's do_with_lock (SPEC_FULL.md §3).
func WithExclusive(repoDir, hostID string, breakStale bool, fn func() error) error {
	l := New(repoDir, hostID)
	if err := l.AcquireExclusive(breakStale); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// BreakStale forcibly clears dir's exclusive lock after confirming the
// holder is gone, generalizing archiver.py's do_break_lock
// (SPEC_FULL.md §3). Unlike AcquireExclusive(breakStale=true), it does
// not then acquire the lock itself — it just clears the way for a later
// acquisition.
func BreakStale(repoDir, hostID string) error {
	exclusivePath := filepath.Join(repoDir, "lock.exclusive")
	existing, err := readHolder(exclusivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cerrors.Wrap(cerrors.Lock, err, "read lock holder")
	}
	if !IsStale(existing, hostID) {
		return cerrors.New(cerrors.Lock, fmt.Sprintf(
			"lock held by %s (pid %d) is not stale", existing.HostID, existing.PID))
	}
	return os.RemoveAll(exclusivePath)
}

// IsStale reports whether a recorded holder is confidently gone: it is
// our own host and the pid is no longer running. A holder on another
// host is never reported stale, since we can't check liveness of
// another host's pid without an agent there.
func IsStale(h Holder, ourHostID string) bool {
	if h.HostID != ourHostID {
		return false
	}
	return !processAlive(h.PID)
}

// processAlive probes liveness with signal 0, which unix.Kill delivers
// to no one but still fails with ESRCH if pid doesn't exist — the
// standard best-effort liveness check, not a guarantee against pid
// reuse by an unrelated process.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func readHolder(lockDir string) (Holder, error) {
	var h Holder
	data, err := os.ReadFile(filepath.Join(lockDir, "holder"))
	if err != nil {
		return h, err
	}
	return decodeHolder(data)
}

func writeHolder(lockDir string, h Holder) error {
	return os.WriteFile(filepath.Join(lockDir, "holder"), encodeHolder(h), 0600)
}

func encodeHolder(h Holder) []byte {
	return []byte(fmt.Sprintf("%s\n%d\n%s\n%d\n", h.HostID, h.PID, h.SessionID, h.Acquired.UnixNano()))
}

func decodeHolder(data []byte) (Holder, error) {
	var h Holder
	var nanos int64
	n, err := fmt.Sscanf(string(data), "%s\n%d\n%s\n%d\n", &h.HostID, &h.PID, &h.SessionID, &nanos)
	if err != nil || n != 4 {
		return h, cerrors.New(cerrors.Lock, "malformed lock holder file")
	}
	h.Acquired = time.Unix(0, nanos)
	return h, nil
}
