// Command coffer is the CLI surface over the archive/repository/cache
// library packages: a thin cobra dispatcher, generalizing the shape of
// the teacher's cmd/rdso/main.go (stdlib flag-based subcommand dispatch)
// to cobra, the way indrora-ponzu/parc/cmd structures its subcommands
// (one file per command, a shared rootCmd, init()-time registration).
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coffer-backup/coffer/archive"
	"github.com/coffer-backup/coffer/cache"
	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/compress"
	"github.com/coffer-backup/coffer/config"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/keymgr"
	"github.com/coffer-backup/coffer/lock"
	"github.com/coffer-backup/coffer/repository"
	"github.com/coffer-backup/coffer/repository/remote"
	"github.com/coffer-backup/coffer/util"
	"golang.org/x/term"
)

var log = util.NewLogger(true, false)

const keyMetadataName = "key"

func init() {
	repository.SetLogger(log)
	lock.SetLogger(log)
	archive.SetLogger(log)
}

// session bundles everything a command needs to operate on one
// repository: the opened repository, its storage (for metadata/debug
// access the archive package doesn't expose), resolved keys, and the
// lock/nonce machinery writes need.
type session struct {
	cfg     config.Config
	url     string
	storage repository.Storage
	repo    *repository.Repository
	keys    crypto.Keys
	hostID  string
}

func openSession(url string) (*session, error) {
	cfg := config.Load()
	storage, err := openStorage(url)
	if err != nil {
		return nil, err
	}
	repo, err := repository.Open(storage)
	if err != nil {
		return nil, err
	}
	keys, err := loadKeys(storage, cfg)
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:     cfg,
		url:     url,
		storage: storage,
		repo:    repo,
		keys:    keys,
		hostID:  lock.HostID(cfg.HostID),
	}, nil
}

func openStorage(url string) (repository.Storage, error) {
	if strings.HasPrefix(url, "gs://") {
		rest := strings.TrimPrefix(url, "gs://")
		parts := strings.SplitN(rest, "/", 2)
		opts := remote.GCSOptions{BucketName: parts[0]}
		if len(parts) == 2 {
			opts.Prefix = parts[1]
		}
		return remote.NewGCS(context.Background(), opts)
	}
	return remote.NewDisk(url)
}

// repoID derives a stable identifier for a repository location, used to
// namespace its persisted nonce counter file within the shared security
// directory (lock.OpenNonceCounter's repoID parameter).
func repoID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:8])
}

func loadKeys(storage repository.Storage, cfg config.Config) (crypto.Keys, error) {
	wrapped, ok, err := readWrappedKey(storage, cfg)
	if err != nil {
		return crypto.Keys{}, err
	}
	if !ok {
		// No key material at all: mode-none repository, identity by
		// unkeyed hash. Callers that write objects still need a
		// crypto.Keys value to pass around; a zero-value one is
		// internally consistent for a single mode-none repository even
		// though archive.Create's dedup-by-IDHash technically uses a
		// keyed hash rather than crypto.UnkeyedID in this case — a
		// known simplification, see DESIGN.md.
		return crypto.Keys{}, nil
	}
	passphrase, ok, err := cfg.PassphrasePriority()
	if err != nil {
		return crypto.Keys{}, err
	}
	if !ok {
		passphrase, err = promptPassphrase("Enter passphrase: ")
		if err != nil {
			return crypto.Keys{}, cerrors.Wrap(cerrors.Security, err, "repository is encrypted and no passphrase source is configured (COFFER_NEW_PASSPHRASE, COFFER_PASSPHRASE, COFFER_PASSCOMMAND, or COFFER_PASSPHRASE_FD)")
		}
	}
	return keymgr.Unlock(wrapped, passphrase)
}

// promptPassphrase is the last resort in spec.md §4.3's priority order:
// none of the four non-interactive sources is configured, so read a
// passphrase straight from the controlling terminal with echo disabled.
func promptPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", cerrors.New(cerrors.User, "not a terminal and no passphrase source configured")
	}
	fmt.Fprint(os.Stderr, prompt)
	data, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", cerrors.Wrap(cerrors.Transient, err, "read passphrase from terminal")
	}
	return string(data), nil
}

func readWrappedKey(storage repository.Storage, cfg config.Config) (keymgr.WrappedKey, bool, error) {
	if cfg.KeyFilePath != "" {
		data, err := os.ReadFile(cfg.KeyFilePath)
		if err != nil {
			if os.IsNotExist(err) {
				return keymgr.WrappedKey{}, false, nil
			}
			return keymgr.WrappedKey{}, false, cerrors.Wrap(cerrors.User, err, "read key file")
		}
		w, err := keymgr.Import(string(data))
		if err != nil {
			return keymgr.WrappedKey{}, false, err
		}
		return w, true, nil
	}
	if storage.MetadataExists(keyMetadataName) {
		data, err := storage.ReadMetadata(keyMetadataName)
		if err != nil {
			return keymgr.WrappedKey{}, false, err
		}
		w, err := keymgr.Import(string(data))
		if err != nil {
			return keymgr.WrappedKey{}, false, err
		}
		return w, true, nil
	}
	return keymgr.WrappedKey{}, false, nil
}

func writeWrappedKey(storage repository.Storage, cfg config.Config, w keymgr.WrappedKey) error {
	text := keymgr.Export(w)
	if cfg.KeyFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.KeyFilePath), 0700); err != nil {
			return cerrors.Wrap(cerrors.User, err, "create key file directory")
		}
		return os.WriteFile(cfg.KeyFilePath, []byte(text), 0600)
	}
	return storage.WriteMetadata(keyMetadataName, []byte(text))
}

// nonceSource opens this repository's persisted nonce counter, the
// crypto.NonceSource every write path (Create/Delete/Prune/Recreate)
// needs.
func (s *session) nonceSource() (crypto.NonceSource, error) {
	return lock.OpenNonceCounter(s.cfg.SecurityDir, repoID(s.url), 0)
}

// withLock runs fn while holding the repository's exclusive lock,
// breaking a stale one automatically (spec.md §5 assumes a single
// writer at a time; a CLI invocation is exactly one such writer).
func (s *session) withLock(fn func() error) error {
	if strings.HasPrefix(s.url, "gs://") {
		// GCS has no local path to root a lock directory under; skip
		// locking rather than fabricate one — spec.md's single-writer
		// assumption then falls to the caller.
		return fn()
	}
	return lock.WithExclusive(s.url, s.hostID, true, fn)
}

// withSharedLock runs fn registered on the repository's reader roster,
// the read-only counterpart to withLock, so a writer taking the
// exclusive lock concurrently can see this session in Roster.
func (s *session) withSharedLock(fn func() error) error {
	if strings.HasPrefix(s.url, "gs://") {
		return fn()
	}
	return lock.WithShared(s.url, s.hostID, fn)
}

// parseCompressTag maps a --compression flag value to the archive
// package's tag space, including its AutoCompressTag sentinel.
func parseCompressTag(s string) (compress.Tag, error) {
	switch s {
	case "none":
		return compress.TagNone, nil
	case "zstd":
		return compress.TagZstd, nil
	case "brotli":
		return compress.TagBrotli, nil
	case "flate":
		return compress.TagFlate, nil
	case "auto", "":
		return archive.AutoCompressTag, nil
	default:
		return 0, cerrors.New(cerrors.User, "unrecognized compression: "+s)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "coffer: "+err.Error())
	log.LogTagged(err)
	os.Exit(cerrors.ExitCode(err, log.NErrors))
}

// cachePaths returns where this repository's chunks/files indexes are
// persisted on local disk, under config.CacheDir, namespaced by repoID
// so two repositories never collide.
func (s *session) cachePaths() (chunksPath, filesPath string) {
	id := repoID(s.url)
	return filepath.Join(s.cfg.CacheDir, id+".chunks"), filepath.Join(s.cfg.CacheDir, id+".files")
}

// loadCaches opens this session's persisted chunks/files indexes,
// creating empty ones on first use.
func (s *session) loadCaches() (*cache.ChunksIndex, *cache.FilesIndex, error) {
	if err := os.MkdirAll(s.cfg.CacheDir, 0700); err != nil {
		return nil, nil, cerrors.Wrap(cerrors.Transient, err, "create cache directory")
	}
	chunksPath, filesPath := s.cachePaths()
	chunks, err := cache.LoadChunksIndex(chunksPath)
	if err != nil {
		return nil, nil, err
	}
	files, err := cache.LoadFilesIndex(filesPath)
	if err != nil {
		return nil, nil, err
	}

	manifest, err := archive.LoadManifest(s.repo, s.keys, false)
	if err != nil {
		return nil, nil, err
	}
	if chunks.ManifestID != manifest.VersionID(s.keys) {
		log.Verbose("chunks index is stale, resynchronizing against the manifest")
		chunks, err = archive.RebuildChunksIndex(s.repo, s.keys, manifest)
		if err != nil {
			return nil, nil, err
		}
	}
	return chunks, files, nil
}

// saveCaches persists chunks/files back to local disk after a run that
// mutated them.
func (s *session) saveCaches(chunks *cache.ChunksIndex, files *cache.FilesIndex) error {
	chunksPath, filesPath := s.cachePaths()
	if err := chunks.Save(chunksPath); err != nil {
		return err
	}
	return files.Save(filesPath)
}
