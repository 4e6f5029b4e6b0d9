package keymgr

import (
	"testing"
)

func TestGenerateUnlockRoundtrip(t *testing.T) {
	keys, wrapped, err := Generate(ModeRepokey, "correct horse battery staple")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	got, err := Unlock(wrapped, "correct horse battery staple")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if got != keys {
		t.Fatalf("unlocked keys don't match generated keys")
	}
}

func TestUnlockWrongPassphrase(t *testing.T) {
	_, wrapped, err := Generate(ModeKeyfile, "the right one")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Unlock(wrapped, "the wrong one"); err == nil {
		t.Fatalf("expected error unlocking with wrong passphrase")
	}
}

func TestChangePassphrase(t *testing.T) {
	keys, wrapped, err := Generate(ModeRepokey, "old-pass")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	rewrapped, err := ChangePassphrase(wrapped, "old-pass", "new-pass")
	if err != nil {
		t.Fatalf("change passphrase: %v", err)
	}

	if _, err := Unlock(rewrapped, "old-pass"); err == nil {
		t.Fatalf("old passphrase should no longer unlock")
	}
	got, err := Unlock(rewrapped, "new-pass")
	if err != nil {
		t.Fatalf("unlock with new passphrase: %v", err)
	}
	if got != keys {
		t.Fatalf("rewrapped keys don't match original")
	}
}

func TestExportImportRoundtrip(t *testing.T) {
	_, wrapped, err := Generate(ModeKeyfile, "export-me")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	text := Export(wrapped)
	got, err := Import(text)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	if _, err := Unlock(got, "export-me"); err != nil {
		t.Fatalf("unlock imported key: %v", err)
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	if _, err := Import("not a key export"); err == nil {
		t.Fatalf("expected error importing garbage text")
	}
}
