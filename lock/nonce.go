package lock

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/coffer-backup/coffer/cerrors"
)

// NonceCounter is a process-wide, repository-scoped monotonic counter
// persisted in the security directory, implementing crypto.NonceSource.
// spec.md §9 calls out the nonce counter as the one piece of genuinely
// global mutable state in the design and says to "isolate behind a
// guarded handle acquired with the repository lock" — that's this type.
type NonceCounter struct {
	mu   sync.Mutex
	path string
	next uint64
}

// OpenNonceCounter loads (or creates) the persisted counter for a
// repository identified by repoID, inside securityDir. highestObserved
// is the largest nonce the caller has seen in the repository's objects,
// or 0 if it has observed none; a nonzero value advances the counter
// past it, guarding against a counter file that lagged a crash. A
// fresh counter opened with 0 starts at 0.
func OpenNonceCounter(securityDir, repoID string, highestObserved uint64) (*NonceCounter, error) {
	if err := os.MkdirAll(securityDir, 0700); err != nil {
		return nil, cerrors.Wrap(cerrors.Security, err, "create security directory")
	}
	path := filepath.Join(securityDir, repoID+".nonce")

	var stored uint64
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != 8 {
			return nil, cerrors.New(cerrors.Security, "corrupt nonce counter file")
		}
		stored = binary.BigEndian.Uint64(data)
	} else if !os.IsNotExist(err) {
		return nil, cerrors.Wrap(cerrors.Security, err, "read nonce counter")
	}

	start := stored
	if highestObserved > 0 && highestObserved+1 > start {
		start = highestObserved + 1
	}

	nc := &NonceCounter{path: path, next: start}
	if err := nc.persist(nc.next); err != nil {
		return nil, err
	}
	return nc, nil
}

// Next returns the next nonce and durably records that it has been
// handed out before returning, so a crash between Next and the
// ciphertext becoming durable can never cause reuse (spec.md §5:
// "Persistent nonce counter is updated under the exclusive lock and
// fsynced before any ciphertext using it becomes durable").
func (nc *NonceCounter) Next() (uint64, error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	n := nc.next
	if err := nc.persist(n + 1); err != nil {
		return 0, err
	}
	nc.next = n + 1
	return n, nil
}

func (nc *NonceCounter) persist(value uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)

	tmp := nc.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return cerrors.Wrap(cerrors.Security, err, "create nonce counter temp file")
	}
	if _, err := f.Write(buf[:]); err != nil {
		f.Close()
		return cerrors.Wrap(cerrors.Security, err, "write nonce counter")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return cerrors.Wrap(cerrors.Security, err, "fsync nonce counter")
	}
	if err := f.Close(); err != nil {
		return cerrors.Wrap(cerrors.Security, err, "close nonce counter")
	}
	return os.Rename(tmp, nc.path)
}
