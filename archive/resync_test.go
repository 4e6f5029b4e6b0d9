package archive

import (
	"testing"

	"github.com/coffer-backup/coffer/cache"
	"github.com/coffer-backup/coffer/crypto"
)

func TestManifestVersionIDChangesWithArchiveSet(t *testing.T) {
	keys := testKeys(t)
	m := NewManifest()
	empty := m.VersionID(keys)

	m.Archives["a"] = ArchiveRef{ID: crypto.ID{1, 2, 3}}
	withA := m.VersionID(keys)
	if withA == empty {
		t.Fatalf("expected VersionID to change after adding an archive")
	}

	m.Archives["b"] = ArchiveRef{ID: crypto.ID{4, 5, 6}}
	withAB := m.VersionID(keys)
	if withAB == withA {
		t.Fatalf("expected VersionID to change after adding a second archive")
	}

	// Order of insertion into the map must not affect the result.
	m2 := NewManifest()
	m2.Archives["b"] = ArchiveRef{ID: crypto.ID{4, 5, 6}}
	m2.Archives["a"] = ArchiveRef{ID: crypto.ID{1, 2, 3}}
	if m2.VersionID(keys) != withAB {
		t.Fatalf("VersionID should be independent of map iteration order")
	}
}

func TestRebuildChunksIndexMatchesLiveCreate(t *testing.T) {
	keys := testKeys(t)
	repo := newTestRepo(t)

	if err := SaveManifest(repo, keys, &testNonces{}, NewManifest(), false); err != nil {
		t.Fatalf("init manifest: %v", err)
	}

	srcDir := t.TempDir()
	writeTree(t, srcDir)

	liveChunks := cache.NewChunksIndex()
	opts := CreateOptions{
		Name:   "test-archive",
		Root:   srcDir,
		Chunks: liveChunks,
		Files:  cache.NewFilesIndex(),
		Nonces: &testNonces{},
	}
	if err := Create(repo, keys, opts); err != nil {
		t.Fatalf("create: %v", err)
	}

	manifest, err := LoadManifest(repo, keys, false)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}

	rebuilt, err := RebuildChunksIndex(repo, keys, manifest)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.ManifestID != manifest.VersionID(keys) {
		t.Fatalf("rebuilt index's ManifestID = %v, want %v", rebuilt.ManifestID, manifest.VersionID(keys))
	}
	if rebuilt.Len() != liveChunks.Len() {
		t.Fatalf("rebuilt index has %d chunks, live index tracked %d", rebuilt.Len(), liveChunks.Len())
	}
	for _, id := range liveChunks.Ids() {
		liveInfo, _ := liveChunks.Lookup(id)
		rebuiltInfo, ok := rebuilt.Lookup(id)
		if !ok {
			t.Fatalf("rebuilt index missing chunk %v present in live index", id)
		}
		if rebuiltInfo.Refcount != liveInfo.Refcount {
			t.Fatalf("chunk %v refcount mismatch: rebuilt=%d live=%d", id, rebuiltInfo.Refcount, liveInfo.Refcount)
		}
	}
}
