package archive

import (
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coffer-backup/coffer/cache"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/repository"
)

// testNonces is a trivial in-memory crypto.NonceSource for tests,
// standing in for lock.NonceCounter's disk-persisted counter.
type testNonces struct {
	mu   sync.Mutex
	next uint64
}

func (n *testNonces) Next() (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	return n.next, nil
}

func testKeys(t *testing.T) crypto.Keys {
	t.Helper()
	r := rand.New(rand.NewSource(42))
	var k crypto.Keys
	r.Read(k.EncryptionKey[:])
	r.Read(k.IDHashKey[:])
	r.Read(k.ChunkSeed[:])
	r.Read(k.TAMKey[:])
	return k
}

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	repo, err := repository.Open(repository.NewMemoryStorage())
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	return repo
}

func writeTree(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "top.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested contents, a bit longer this time"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCreateAndRestoreRoundtrip(t *testing.T) {
	keys := testKeys(t)
	repo := newTestRepo(t)

	if err := SaveManifest(repo, keys, &testNonces{}, NewManifest(), false); err != nil {
		t.Fatalf("init manifest: %v", err)
	}

	srcDir := t.TempDir()
	writeTree(t, srcDir)

	opts := CreateOptions{
		Name:   "test-archive",
		Root:   srcDir,
		Chunks: cache.NewChunksIndex(),
		Files:  cache.NewFilesIndex(),
		Nonces: &testNonces{},
	}
	if err := Create(repo, keys, opts); err != nil {
		t.Fatalf("create: %v", err)
	}

	entries, err := List(repo, keys, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "test-archive" {
		t.Fatalf("unexpected archive list: %v", entries)
	}

	destDir := t.TempDir()
	if err := Restore(repo, keys, RestoreOptions{ArchiveName: "test-archive", Destination: destDir}); err != nil {
		t.Fatalf("restore: %v", err)
	}

	top, err := os.ReadFile(filepath.Join(destDir, "top.txt"))
	if err != nil {
		t.Fatalf("read restored top.txt: %v", err)
	}
	if string(top) != "hello world" {
		t.Fatalf("top.txt contents mismatch: %q", top)
	}
	nested, err := os.ReadFile(filepath.Join(destDir, "sub", "nested.txt"))
	if err != nil {
		t.Fatalf("read restored nested.txt: %v", err)
	}
	if string(nested) != "nested contents, a bit longer this time" {
		t.Fatalf("nested.txt contents mismatch: %q", nested)
	}
}

func TestCreateDeduplicatesUnchangedFiles(t *testing.T) {
	keys := testKeys(t)
	repo := newTestRepo(t)
	if err := SaveManifest(repo, keys, &testNonces{}, NewManifest(), false); err != nil {
		t.Fatalf("init manifest: %v", err)
	}

	srcDir := t.TempDir()
	writeTree(t, srcDir)

	chunks := cache.NewChunksIndex()
	files := cache.NewFilesIndex()

	for i, name := range []string{"first", "second"} {
		opts := CreateOptions{
			Name:   name,
			Root:   srcDir,
			Chunks: chunks,
			Files:  files,
			Nonces: &testNonces{},
		}
		if err := Create(repo, keys, opts); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	dumpA, err := DumpArchive(repo, keys, "first")
	if err != nil {
		t.Fatalf("dump first: %v", err)
	}
	dumpB, err := DumpArchive(repo, keys, "second")
	if err != nil {
		t.Fatalf("dump second: %v", err)
	}

	chunkIDs := func(items []Item) map[crypto.ID]bool {
		m := make(map[crypto.ID]bool)
		for _, it := range items {
			for _, c := range it.Chunks {
				m[c.ID] = true
			}
		}
		return m
	}
	idsA := chunkIDs(dumpA.Items)
	idsB := chunkIDs(dumpB.Items)
	if len(idsA) == 0 {
		t.Fatalf("expected at least one chunk in first archive")
	}
	for id := range idsA {
		if !idsB[id] {
			t.Fatalf("second archive should reuse all of first's chunk ids, missing %v", id)
		}
	}
}

func TestDeleteDecrementsRefcounts(t *testing.T) {
	keys := testKeys(t)
	repo := newTestRepo(t)
	if err := SaveManifest(repo, keys, &testNonces{}, NewManifest(), false); err != nil {
		t.Fatalf("init manifest: %v", err)
	}

	srcDir := t.TempDir()
	writeTree(t, srcDir)

	chunks := cache.NewChunksIndex()
	opts := CreateOptions{
		Name:   "only",
		Root:   srcDir,
		Chunks: chunks,
		Files:  cache.NewFilesIndex(),
		Nonces: &testNonces{},
	}
	if err := Create(repo, keys, opts); err != nil {
		t.Fatalf("create: %v", err)
	}
	if chunks.Len() == 0 {
		t.Fatalf("expected some chunks tracked after create")
	}

	if err := Delete(repo, keys, chunks, &testNonces{}, "only", false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if chunks.Len() != 0 {
		t.Fatalf("expected all chunks freed after deleting the only archive referencing them, got %d", chunks.Len())
	}

	entries, err := List(repo, keys, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no archives after delete, got %v", entries)
	}
}

func TestArchiveNameRejectsSlash(t *testing.T) {
	if err := validateArchiveName("bad/name"); err == nil {
		t.Fatalf("expected error for archive name containing '/'")
	}
	if err := validateArchiveName("fine-name"); err != nil {
		t.Fatalf("unexpected error for valid name: %v", err)
	}
}

func TestResolvePlaceholdersEscaping(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	got, err := ResolvePlaceholders("literal {{ and }} braces", now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "literal { and } braces" {
		t.Fatalf("got %q", got)
	}
}

func TestResolvePlaceholdersPid(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	got, err := ResolvePlaceholders("backup-{pid}", now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got == "backup-{pid}" || got == "backup-" {
		t.Fatalf("pid placeholder not substituted: %q", got)
	}
}

func TestResolvePlaceholdersUnterminated(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	if _, err := ResolvePlaceholders("backup-{pid", now); err == nil {
		t.Fatalf("expected error for unterminated placeholder")
	}
}
