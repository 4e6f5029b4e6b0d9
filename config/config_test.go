package config

import (
	"os"
	"testing"
)

func TestLoadDefaultsWhenUnset(t *testing.T) {
	clearEnv(t)
	c := Load()
	if c.PassphraseFD != -1 {
		t.Fatalf("PassphraseFD default = %d, want -1", c.PassphraseFD)
	}
	if c.CacheDir == "" || c.ConfigDir == "" || c.SecurityDir == "" {
		t.Fatalf("expected default dirs to be non-empty: %+v", c)
	}
}

func TestLoadReadsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envRepositoryURL, "ssh://example/repo")
	t.Setenv(envPassphrase, "hunter2")
	t.Setenv(envPassphraseFD, "3")

	c := Load()
	if c.RepositoryURL != "ssh://example/repo" {
		t.Fatalf("RepositoryURL = %q", c.RepositoryURL)
	}
	if c.Passphrase != "hunter2" {
		t.Fatalf("Passphrase = %q", c.Passphrase)
	}
	if c.PassphraseFD != 3 {
		t.Fatalf("PassphraseFD = %d, want 3", c.PassphraseFD)
	}
}

func TestLoadParsesWorkarounds(t *testing.T) {
	clearEnv(t)
	t.Setenv(envWorkarounds, "basesyncfile, no-fsync")

	c := Load()
	if !c.Workarounds["basesyncfile"] || !c.Workarounds["no-fsync"] {
		t.Fatalf("Workarounds = %v", c.Workarounds)
	}
	if len(c.Workarounds) != 2 {
		t.Fatalf("unexpected extra workarounds: %v", c.Workarounds)
	}
}

func TestLoadParsesFUSEBackends(t *testing.T) {
	clearEnv(t)
	t.Setenv(envFUSEBackends, "llfuse,pyfuse3")

	c := Load()
	if len(c.FUSEBackends) != 2 || c.FUSEBackends[0] != "llfuse" || c.FUSEBackends[1] != "pyfuse3" {
		t.Fatalf("FUSEBackends = %v", c.FUSEBackends)
	}
}

func TestPassphrasePriorityPrefersNewPassphrase(t *testing.T) {
	c := Config{NewPassphrase: "new", Passphrase: "old", PassphraseFD: -1}
	got, ok, err := c.PassphrasePriority()
	if err != nil || !ok || got != "new" {
		t.Fatalf("got %q, %v, %v; want %q, true, nil", got, ok, err, "new")
	}
}

func TestPassphrasePriorityFallsBackToFixed(t *testing.T) {
	c := Config{Passphrase: "old", PassphraseFD: -1}
	got, ok, err := c.PassphrasePriority()
	if err != nil || !ok || got != "old" {
		t.Fatalf("got %q, %v, %v; want %q, true, nil", got, ok, err, "old")
	}
}

func TestPassphrasePriorityFallsBackToCommand(t *testing.T) {
	c := Config{PassphraseCommand: "echo hunter2", PassphraseFD: -1}
	got, ok, err := c.PassphrasePriority()
	if err != nil || !ok || got != "hunter2" {
		t.Fatalf("got %q, %v, %v; want %q, true, nil", got, ok, err, "hunter2")
	}
}

func TestPassphrasePriorityCommandErrorPropagates(t *testing.T) {
	c := Config{PassphraseCommand: "false", PassphraseFD: -1}
	if _, ok, err := c.PassphrasePriority(); ok || err == nil {
		t.Fatalf("expected an error from a failing passphrase command, got ok=%v err=%v", ok, err)
	}
}

func TestPassphrasePriorityFallsBackToFD(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	if _, err := w.WriteString("fromfd\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	c := Config{PassphraseFD: int(r.Fd())}
	got, ok, err := c.PassphrasePriority()
	if err != nil || !ok || got != "fromfd" {
		t.Fatalf("got %q, %v, %v; want %q, true, nil", got, ok, err, "fromfd")
	}
}

func TestPassphrasePriorityNoneConfigured(t *testing.T) {
	c := Config{PassphraseFD: -1}
	if _, ok, err := c.PassphrasePriority(); ok || err != nil {
		t.Fatalf("expected ok=false, err=nil with no passphrase configured, got ok=%v err=%v", ok, err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		envRepositoryURL, envNewPassphrase, envPassphrase, envPassphraseCommand,
		envPassphraseFD, envRemoteProgram, envRemoteBinaryPath, envCacheDir,
		envConfigDir, envSecurityDir, envKeyFile, envHostID, envSelfTest,
		envWorkarounds, envFUSEBackends,
	} {
		t.Setenv(name, "")
	}
}
