package repository

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func commitPayload(t *testing.T, repo *Repository, payload []byte) string {
	t.Helper()
	id := idFor(payload)
	tx := repo.Begin()
	tx.Put(id, payload)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	names, err := repo.storage.ListSegments()
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected exactly one segment, got %d", len(names))
	}
	return names[0]
}

func TestRedundancyRoundtrip(t *testing.T) {
	storage := NewMemoryStorage()
	repo, err := Open(storage)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	seed := time.Now().UnixNano()
	t.Logf("seed = %d", seed)
	r := rand.New(rand.NewSource(seed))
	payload := make([]byte, 64*1024)
	r.Read(payload)

	segment := commitPayload(t, repo, payload)

	if err := EncodeRedundancy(storage, segment, 4, 2, 1024); err != nil {
		t.Fatalf("encode redundancy: %v", err)
	}

	ok, err := CheckRedundancy(storage, segment)
	if err != nil {
		t.Fatalf("check redundancy: %v", err)
	}
	if !ok {
		t.Fatalf("expected clean segment to check out")
	}

	mem := storage.(*memoryStorage)
	raw := mem.segments[segment].Bytes()
	// Flip one byte per 4096-byte window (4 data shards * 1024-byte hash
	// rate each): well within the 2-parity-shard recovery budget per
	// window.
	const windowSize = 4096
	for off := 0; off+windowSize <= len(raw); off += windowSize {
		raw[off+r.Intn(windowSize)] ^= 0xff
	}
	mem.segments[segment] = bytes.NewBuffer(raw)

	ok, err = CheckRedundancy(storage, segment)
	if err != nil {
		t.Fatalf("check redundancy after corruption: %v", err)
	}
	if ok {
		t.Fatalf("expected corrupted segment to fail check")
	}

	recovered, err := RestoreRedundancy(storage, segment)
	if err != nil {
		t.Fatalf("restore redundancy: %v", err)
	}
	ok, err = CheckRedundancy(storage, recovered)
	if err != nil {
		t.Fatalf("check recovered segment: %v", err)
	}
	if !ok {
		t.Fatalf("expected recovered segment to check out")
	}
}

func TestCheckRedundancyWithoutSideFile(t *testing.T) {
	storage := NewMemoryStorage()
	repo, err := Open(storage)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	segment := commitPayload(t, repo, []byte("no side file for this one"))

	ok, err := CheckRedundancy(storage, segment)
	if err != nil {
		t.Fatalf("check redundancy: %v", err)
	}
	if ok {
		t.Fatalf("expected a segment with no side file to report not-ok")
	}
}
