package repository

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/util"
)

func init() {
	SetLogger(util.NewLogger(false, false))
}

func idFor(payload []byte) crypto.ID {
	return crypto.UnkeyedID(payload)
}

func TestPutGetRoundtrip(t *testing.T) {
	storage := NewMemoryStorage()
	repo, err := Open(storage)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	payload := []byte("hello, repository")
	id := idFor(payload)

	tx := repo.Begin()
	tx.Put(id, payload)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if !repo.Exists(id) {
		t.Fatalf("expected id to exist after commit")
	}
	got, err := repo.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestUncommittedTransactionInvisible(t *testing.T) {
	storage := NewMemoryStorage()
	repo, err := Open(storage)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	payload := []byte("never committed")
	id := idFor(payload)

	tx := repo.Begin()
	tx.Put(id, payload)
	// Deliberately don't commit.

	if repo.Exists(id) {
		t.Fatalf("uncommitted entry should not be visible")
	}

	// Reopening from the same storage must also not see it, simulating
	// a crash before Commit wrote its COMMIT frame.
	repo2, err := Open(storage)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if repo2.Exists(id) {
		t.Fatalf("uncommitted entry should not survive reopen")
	}
}

func TestDeleteRemovesObject(t *testing.T) {
	storage := NewMemoryStorage()
	repo, err := Open(storage)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	payload := []byte("to be deleted")
	id := idFor(payload)

	tx := repo.Begin()
	tx.Put(id, payload)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit put: %v", err)
	}

	tx2 := repo.Begin()
	tx2.Delete(id)
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit delete: %v", err)
	}

	if repo.Exists(id) {
		t.Fatalf("expected id to be gone after delete")
	}
}

func TestReopenRebuildsIndex(t *testing.T) {
	storage := NewMemoryStorage()
	repo, err := Open(storage)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	var ids []crypto.ID
	for i := 0; i < 20; i++ {
		payload := make([]byte, 128)
		rng.Read(payload)
		id := idFor(payload)
		tx := repo.Begin()
		tx.Put(id, payload)
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	repo2, err := Open(storage)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for _, id := range ids {
		if !repo2.Exists(id) {
			t.Fatalf("id %s missing after reopen", id)
		}
	}
}

func TestDeduplicatesRepeatedPut(t *testing.T) {
	storage := NewMemoryStorage()
	repo, err := Open(storage)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	payload := []byte("same bytes twice")
	id := idFor(payload)

	for i := 0; i < 2; i++ {
		tx := repo.Begin()
		tx.Put(id, payload)
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	got, err := repo.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestCompactReclaimsDeadSpace(t *testing.T) {
	storage := NewMemoryStorage()
	repo, err := Open(storage)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	rng := rand.New(rand.NewSource(9))
	var ids []crypto.ID
	for i := 0; i < 10; i++ {
		payload := make([]byte, 256)
		rng.Read(payload)
		id := idFor(payload)
		tx := repo.Begin()
		tx.Put(id, payload)
		if err := tx.Commit(); err != nil {
			t.Fatalf("put commit %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Delete most of them so the segment is mostly dead, then reopen so
	// the active segment isn't skipped by Compact.
	tx := repo.Begin()
	for _, id := range ids[:8] {
		tx.Delete(id)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("delete commit: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	repo2, err := Open(storage)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := repo2.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}

	for _, id := range ids[:8] {
		if repo2.Exists(id) {
			t.Fatalf("deleted id %s survived compaction", id)
		}
	}
	for _, id := range ids[8:] {
		if !repo2.Exists(id) {
			t.Fatalf("live id %s lost during compaction", id)
		}
		if _, err := repo2.Get(id); err != nil {
			t.Fatalf("get after compaction: %v", err)
		}
	}
}

func TestCheckReportsNoCorruptionOnCleanRepository(t *testing.T) {
	storage := NewMemoryStorage()
	repo, err := Open(storage)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	payload := []byte("clean data")
	id := idFor(payload)
	tx := repo.Begin()
	tx.Put(id, payload)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	report, err := repo.Check(true, 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(report.Corrupt) != 0 {
		t.Fatalf("expected no corruption, got %v", report.Corrupt)
	}
	if report.EntriesChecked == 0 {
		t.Fatalf("expected at least one entry checked")
	}
}
