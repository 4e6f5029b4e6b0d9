// Package config collects the environment-derived configuration that the
// rest of coffer treats as an immutable record, per spec.md §9's note
// that "Environment-derived configuration is collected once at startup
// into an immutable config record." The teacher (mmp-bk) reads a
// handful of these ad hoc at the point of use (BK_DIR, BK_PASSPHRASE,
// BK_GCS_FSCK in storage/gcs.go and cmd/bk_e2etest/main.go); coffer
// gathers the full set named in spec.md §6 up front.
package config

import (
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/coffer-backup/coffer/cerrors"
)

// Config is an immutable snapshot of process configuration. Build one
// with Load and pass it down; nothing in coffer re-reads the
// environment after startup.
type Config struct {
	// RepositoryURL is the default repository location, used when no
	// explicit location is given on the command line.
	RepositoryURL string

	// Passphrase sources, in the priority order spec.md §4.3 specifies:
	// explicit new passphrase > fixed passphrase > passphrase command >
	// passphrase file descriptor > interactive prompt. The first four
	// are read by PassphrasePriority; the interactive prompt is
	// cmd/coffer's promptPassphrase fallback.
	NewPassphrase     string
	Passphrase        string
	PassphraseCommand string
	PassphraseFD      int // -1 if unset

	// RemoteProgram and RemoteBinaryPath hold the remote-invocation
	// program override and the remote binary path. They are loaded from
	// the environment only; nothing in this module reads them, since
	// coffer never spawns a remote helper itself.
	RemoteProgram    string
	RemoteBinaryPath string

	CacheDir    string
	ConfigDir   string
	SecurityDir string
	KeyFilePath string

	// HostID overrides the FQDN+node-identifier pair used in lock
	// diagnostics (spec.md §5).
	HostID string

	SelfTestDisabled bool
	Workarounds      map[string]bool

	// FUSEBackends is accepted for compatibility with spec.md §6's
	// configurable-behaviour table but unused: FUSE mounting is an
	// explicit Non-goal collaborator (spec.md §1).
	FUSEBackends []string
}

const (
	envRepositoryURL     = "COFFER_REPO"
	envNewPassphrase     = "COFFER_NEW_PASSPHRASE"
	envPassphrase        = "COFFER_PASSPHRASE"
	envPassphraseCommand = "COFFER_PASSCOMMAND"
	envPassphraseFD      = "COFFER_PASSPHRASE_FD"
	envRemoteProgram     = "COFFER_RSH"
	envRemoteBinaryPath  = "COFFER_REMOTE_PATH"
	envCacheDir          = "COFFER_CACHE_DIR"
	envConfigDir         = "COFFER_CONFIG_DIR"
	envSecurityDir       = "COFFER_SECURITY_DIR"
	envKeyFile           = "COFFER_KEY_FILE"
	envHostID            = "COFFER_HOSTID"
	envSelfTest          = "COFFER_SELFTEST"
	envWorkarounds       = "COFFER_WORKAROUNDS"
	envFUSEBackends      = "COFFER_FUSE_IMPL"
)

// Load collects a Config from the process environment. It never prompts
// and never fails: missing values simply leave their field at the zero
// value, to be resolved (or rejected) by the package that needs them.
func Load() Config {
	fd := -1
	if v := os.Getenv(envPassphraseFD); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			fd = n
		}
	}

	c := Config{
		RepositoryURL:     os.Getenv(envRepositoryURL),
		NewPassphrase:     os.Getenv(envNewPassphrase),
		Passphrase:        os.Getenv(envPassphrase),
		PassphraseCommand: os.Getenv(envPassphraseCommand),
		PassphraseFD:      fd,
		RemoteProgram:     os.Getenv(envRemoteProgram),
		RemoteBinaryPath:  os.Getenv(envRemoteBinaryPath),
		CacheDir:          defaultDir(os.Getenv(envCacheDir), ".cache/coffer"),
		ConfigDir:         defaultDir(os.Getenv(envConfigDir), ".config/coffer"),
		SecurityDir:       defaultDir(os.Getenv(envSecurityDir), ".config/coffer/security"),
		KeyFilePath:       os.Getenv(envKeyFile),
		HostID:            os.Getenv(envHostID),
		SelfTestDisabled:  os.Getenv(envSelfTest) == "disabled",
		Workarounds:       parseWorkarounds(os.Getenv(envWorkarounds)),
	}
	if v := os.Getenv(envFUSEBackends); v != "" {
		c.FUSEBackends = strings.Split(v, ",")
	}
	return c
}

func defaultDir(v, suffix string) string {
	if v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return suffix
	}
	return home + "/" + suffix
}

func parseWorkarounds(v string) map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Split(v, ",") {
		w = strings.TrimSpace(w)
		if w != "" {
			m[w] = true
		}
	}
	return m
}

// PassphrasePriority resolves the passphrase to use for key unlock,
// honoring the priority order in spec.md §4.3: explicit new passphrase,
// then fixed passphrase, then passphrase command, then passphrase file
// descriptor. The interactive-prompt fallback is the caller's
// responsibility: this function returns ok=false when none of the four
// non-interactive sources is configured.
func (c Config) PassphrasePriority() (passphrase string, ok bool, err error) {
	if c.NewPassphrase != "" {
		return c.NewPassphrase, true, nil
	}
	if c.Passphrase != "" {
		return c.Passphrase, true, nil
	}
	if c.PassphraseCommand != "" {
		out, err := exec.Command("sh", "-c", c.PassphraseCommand).Output()
		if err != nil {
			return "", false, cerrors.Wrap(cerrors.User, err, "run passphrase command")
		}
		return strings.TrimRight(string(out), "\n"), true, nil
	}
	if c.PassphraseFD >= 0 {
		f := os.NewFile(uintptr(c.PassphraseFD), "passphrase-fd")
		if f == nil {
			return "", false, cerrors.New(cerrors.User, "invalid passphrase file descriptor")
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return "", false, cerrors.Wrap(cerrors.User, err, "read passphrase file descriptor")
		}
		return strings.TrimRight(string(data), "\n"), true, nil
	}
	return "", false, nil
}
