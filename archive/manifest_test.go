package archive

import (
	"testing"

	"github.com/coffer-backup/coffer/crypto"
)

func TestSaveLoadManifestRoundtrip(t *testing.T) {
	keys := testKeys(t)
	repo := newTestRepo(t)

	m := NewManifest()
	m.Archives["a"] = ArchiveRef{ID: crypto.ID{}}
	if err := SaveManifest(repo, keys, &testNonces{}, m, false); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := LoadManifest(repo, keys, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := got.Archives["a"]; !ok {
		t.Fatalf("archives not preserved across save/load: %v", got.Archives)
	}
	if len(got.TAM) != 0 {
		t.Fatalf("expected no TAM when attachTAM=false")
	}
}

func TestLoadManifestRequiresTAMWhenMissing(t *testing.T) {
	keys := testKeys(t)
	repo := newTestRepo(t)
	if err := SaveManifest(repo, keys, &testNonces{}, NewManifest(), false); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := LoadManifest(repo, keys, true); err == nil {
		t.Fatalf("expected error loading a TAM-less manifest with requireTAM=true")
	}
}

func TestUpgradeTAMPreservesArchives(t *testing.T) {
	keys := testKeys(t)
	repo := newTestRepo(t)
	m := NewManifest()
	m.Archives["a"] = ArchiveRef{ID: crypto.ID{}}
	if err := SaveManifest(repo, keys, &testNonces{}, m, false); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := UpgradeTAM(repo, keys, &testNonces{}); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	got, err := LoadManifest(repo, keys, true)
	if err != nil {
		t.Fatalf("load after upgrade: %v", err)
	}
	if _, ok := got.Archives["a"]; !ok {
		t.Fatalf("archives lost across TAM upgrade: %v", got.Archives)
	}
	if len(got.TAM) == 0 {
		t.Fatalf("expected a TAM to be attached after upgrade")
	}
}

func TestLoadManifestRejectsTamperedTAM(t *testing.T) {
	keys := testKeys(t)
	repo := newTestRepo(t)
	if err := SaveManifest(repo, keys, &testNonces{}, NewManifest(), true); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Flipping a ciphertext byte is caught by DecryptObject's MAC check
	// before LoadManifest ever gets to inspect the TAM itself.
	ciphertext, err := repo.Get(ManifestID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	// A Put of a live id only lands after a Delete of it in the same
	// transaction, the same way SaveManifest replaces the manifest.
	tx := repo.Begin()
	tx.Delete(ManifestID)
	tx.Put(ManifestID, tampered)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := LoadManifest(repo, keys, false); err == nil {
		t.Fatalf("expected tampered manifest object to be rejected")
	}
}
