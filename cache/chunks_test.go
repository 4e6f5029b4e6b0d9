package cache

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/coffer-backup/coffer/crypto"
)

func randID(t *testing.T, r *rand.Rand) crypto.ID {
	t.Helper()
	var id crypto.ID
	if _, err := r.Read(id[:]); err != nil {
		t.Fatalf("rand read: %v", err)
	}
	return id
}

func TestChunksIndexIncrementDecrement(t *testing.T) {
	idx := NewChunksIndex()
	r := rand.New(rand.NewSource(1))
	id := randID(t, r)

	info := idx.Increment(id, 100, 40)
	if info.Refcount != 1 || info.Size != 100 || info.CSize != 40 {
		t.Fatalf("unexpected info after first increment: %+v", info)
	}

	info = idx.Increment(id, 999, 999) // size/csize ignored on 2nd ref
	if info.Refcount != 2 || info.Size != 100 || info.CSize != 40 {
		t.Fatalf("unexpected info after second increment: %+v", info)
	}

	refcount, zero := idx.Decrement(id)
	if zero || refcount != 1 {
		t.Fatalf("unexpected decrement result: refcount=%d zero=%v", refcount, zero)
	}

	refcount, zero = idx.Decrement(id)
	if !zero || refcount != 0 {
		t.Fatalf("expected zero refcount, got refcount=%d zero=%v", refcount, zero)
	}

	if _, ok := idx.Lookup(id); ok {
		t.Fatalf("chunk should have been removed once refcount hit zero")
	}
}

func TestChunksIndexDecrementUnknown(t *testing.T) {
	idx := NewChunksIndex()
	r := rand.New(rand.NewSource(2))
	id := randID(t, r)

	if refcount, zero := idx.Decrement(id); !zero || refcount != 0 {
		t.Fatalf("decrementing an unknown id should report zero: refcount=%d zero=%v", refcount, zero)
	}
}

func TestChunksIndexSaveLoadRoundtrip(t *testing.T) {
	idx := NewChunksIndex()
	r := rand.New(rand.NewSource(3))
	ids := make([]crypto.ID, 8)
	for i := range ids {
		ids[i] = randID(t, r)
		idx.Increment(ids[i], uint32(100+i), uint32(50+i))
	}
	idx.ManifestID = randID(t, r)

	dir := t.TempDir()
	path := filepath.Join(dir, "chunks.idx")
	if err := idx.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadChunksIndex(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ManifestID != idx.ManifestID {
		t.Fatalf("manifest id mismatch after reload")
	}
	if loaded.Len() != idx.Len() {
		t.Fatalf("entry count mismatch: got %d, want %d", loaded.Len(), idx.Len())
	}
	for i, id := range ids {
		info, ok := loaded.Lookup(id)
		if !ok {
			t.Fatalf("missing id %d after reload", i)
		}
		if info.Size != uint32(100+i) || info.CSize != uint32(50+i) {
			t.Fatalf("info mismatch for id %d: %+v", i, info)
		}
	}
}

func TestLoadChunksIndexMissingFile(t *testing.T) {
	dir := t.TempDir()
	idx, err := LoadChunksIndex(filepath.Join(dir, "does-not-exist"))
	if err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
	if idx.Len() != 0 {
		t.Fatalf("expected empty index, got %d entries", idx.Len())
	}
}

func TestResyncSumsRefcountsAcrossArchives(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	shared := randID(t, r)
	onlyInFirst := randID(t, r)
	onlyInSecond := randID(t, r)

	archives := []ArchiveChunkRefs{
		{Refs: map[crypto.ID]uint32{shared: 2, onlyInFirst: 1}},
		{Refs: map[crypto.ID]uint32{shared: 3, onlyInSecond: 5}},
	}

	sizeCalls := 0
	sizeOf := func(id crypto.ID) (uint32, uint32, error) {
		sizeCalls++
		return 1000, 400, nil
	}

	manifestID := randID(t, r)
	idx, err := Resync(manifestID, archives, sizeOf)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if idx.ManifestID != manifestID {
		t.Fatalf("manifest id not recorded")
	}

	if info, ok := idx.Lookup(shared); !ok || info.Refcount != 5 {
		t.Fatalf("shared chunk refcount wrong: %+v ok=%v", info, ok)
	}
	if info, ok := idx.Lookup(onlyInFirst); !ok || info.Refcount != 1 {
		t.Fatalf("onlyInFirst refcount wrong: %+v ok=%v", info, ok)
	}
	if info, ok := idx.Lookup(onlyInSecond); !ok || info.Refcount != 5 {
		t.Fatalf("onlyInSecond refcount wrong: %+v ok=%v", info, ok)
	}
	if sizeCalls != 3 {
		t.Fatalf("sizeOf should be called once per distinct chunk id, got %d calls", sizeCalls)
	}
}

func TestResyncPropagatesSizeOfError(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	id := randID(t, r)
	archives := []ArchiveChunkRefs{{Refs: map[crypto.ID]uint32{id: 1}}}

	_, err := Resync(randID(t, r), archives, func(crypto.ID) (uint32, uint32, error) {
		return 0, 0, os.ErrNotExist
	})
	if err == nil {
		t.Fatalf("expected error to propagate from sizeOf")
	}
}
