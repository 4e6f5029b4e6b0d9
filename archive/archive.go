package archive

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/coffer-backup/coffer/cache"
	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/chunker"
	"github.com/coffer-backup/coffer/compress"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/repository"
	"github.com/coffer-backup/coffer/walker"
)

// checkpointSuffix names the periodic partial-commit archives spec.md
// §4.6 describes: "Checkpoint archives (periodic partial commits named
// <archive>.checkpoint) protect long-running backups from
// interruption; they are hidden from normal listings."
const checkpointSuffix = ".checkpoint"

// Metadata is the gob-serialised payload of the archive object itself,
// per spec.md §3 Archive.
type Metadata struct {
	Name        string
	Comment     string
	Start       time.Time
	End         time.Time
	Hostname    string
	Username    string
	CommandLine []string

	ItemStreamChunks []crypto.ID

	ChunkerParams chunker.Params
	Compression   string
}

// CreateOptions configures one Create run.
type CreateOptions struct {
	// Name is the archive's name, possibly containing placeholders
	// (spec.md §4.7), resolved before the archive object is written.
	Name    string
	Comment string
	Root    string
	Matcher walker.Matcher

	CommandLine []string

	Chunks *cache.ChunksIndex
	Files  *cache.FilesIndex

	Nonces crypto.NonceSource

	// CheckpointEvery, if > 0, flushes a checkpoint archive named
	// "<name>.checkpoint" every time that many items have been
	// processed since the last checkpoint, per spec.md §4.6/§5.
	CheckpointEvery int

	// RequireTAM controls whether the manifest load/save path enforces
	// TAM, mirroring spec.md §4.3's policy knob.
	RequireTAM bool
	AttachTAM  bool
}

// Create walks opts.Root, building a new archive per spec.md §4.6's
// Create algorithm, and read-modify-writes the manifest to add it.
func Create(repo *repository.Repository, keys crypto.Keys, opts CreateOptions) error {
	name, err := ResolvePlaceholders(opts.Name, time.Now())
	if err != nil {
		return err
	}
	if err := validateArchiveName(name); err != nil {
		return err
	}

	manifest, err := LoadManifest(repo, keys, opts.RequireTAM)
	if err != nil {
		return err
	}

	params := chunkerParamsFromConfig(manifest)
	compressTag := compressTagFromConfig(manifest)

	tx := repo.Begin()
	store := newObjectStore(repo, tx, keys, opts.Nonces, opts.Chunks, compressTag)
	iw := newItemWriter(store, params)

	opts.Files.AgeAll()

	start := time.Now()
	hostname, _ := os.Hostname()

	processed := 0
	walkErr := walker.Walk(opts.Root, matcherOrAll(opts.Matcher), func(path string, fi os.FileInfo, linkTarget string) error {
		it, err := buildItem(path, fi, linkTarget)
		if err != nil {
			log.Error("%s: %s", path, err)
			return nil // skip un-backupable entries, mirroring backupDirContents's "log and continue"
		}

		if it.Type == ItemFile && it.Size > 0 {
			absPath := filepath.Join(opts.Root, path)
			if err := fillFileChunks(store, opts.Files, params, absPath, fi, &it); err != nil {
				log.Error("%s: %s", path, err)
				return nil
			}
		}

		if err := iw.Append(it); err != nil {
			return err
		}

		processed++
		if opts.CheckpointEvery > 0 && processed%opts.CheckpointEvery == 0 {
			if err := writeCheckpoint(repo, keys, opts.Nonces, manifest, name, opts.Comment, hostname, opts.CommandLine, start, params, iw, opts.AttachTAM); err != nil {
				return err
			}
		}
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	streamIDs, err := iw.Finish()
	if err != nil {
		return err
	}

	meta := Metadata{
		Name:             name,
		Comment:          opts.Comment,
		Start:            start,
		End:              time.Now(),
		Hostname:         hostname,
		Username:         currentUsername(),
		CommandLine:      opts.CommandLine,
		ItemStreamChunks: streamIDs,
		ChunkerParams:    params,
		Compression:      compressionName(compressTag),
	}
	metaBytes, err := encodeObject(typeArchive, meta)
	if err != nil {
		return err
	}
	archiveID := crypto.IDHash(keys, metaBytes)
	ciphertext, err := encryptObject(keys, opts.Nonces, metaBytes)
	if err != nil {
		return err
	}
	tx.Put(archiveID, ciphertext)

	if err := tx.Commit(); err != nil {
		return err
	}

	manifest.Archives[name] = ArchiveRef{ID: archiveID, Timestamp: meta.End}
	delete(manifest.Archives, name+checkpointSuffix)
	return SaveManifest(repo, keys, opts.Nonces, manifest, opts.AttachTAM || len(manifest.TAM) > 0)
}

// writeCheckpoint commits everything staged so far under a visible
// "<name>.checkpoint" archive entry, without finishing the item writer
// (the caller keeps appending to it afterward) — a best-effort partial
// commit, not a final archive.
func writeCheckpoint(repo *repository.Repository, keys crypto.Keys, nonces crypto.NonceSource, manifest Manifest, name, comment, hostname string, cmdline []string, start time.Time, params chunker.Params, iw *itemWriter, attachTAM bool) error {
	// A checkpoint reuses the item writer's already-flushed chunk ids;
	// it does not call Finish (which would reset the chunker state),
	// so any bytes still buffered in iw since the last cut are not yet
	// part of the checkpoint — acceptable for a best-effort snapshot.
	ids := append([]crypto.ID(nil), iw.streamIDs...)
	meta := Metadata{
		Name:             name + checkpointSuffix,
		Comment:          comment,
		Start:            start,
		End:              time.Now(),
		Hostname:         hostname,
		CommandLine:      cmdline,
		ItemStreamChunks: ids,
		ChunkerParams:    params,
	}
	metaBytes, err := encodeObject(typeArchive, meta)
	if err != nil {
		return err
	}
	archiveID := crypto.IDHash(keys, metaBytes)
	ciphertext, err := encryptObject(keys, nonces, metaBytes)
	if err != nil {
		return err
	}

	tx := repo.Begin()
	tx.Put(archiveID, ciphertext)
	if err := tx.Commit(); err != nil {
		return err
	}

	manifest.Archives[name+checkpointSuffix] = ArchiveRef{ID: archiveID, Timestamp: meta.End}
	return SaveManifest(repo, keys, nonces, manifest, attachTAM || len(manifest.TAM) > 0)
}

// RestoreOptions configures one Restore run.
type RestoreOptions struct {
	ArchiveName string
	Destination string
	RequireTAM  bool
}

// Restore recreates opts.ArchiveName's file tree under opts.Destination,
// per spec.md §4.6's Restore algorithm.
func Restore(repo *repository.Repository, keys crypto.Keys, opts RestoreOptions) error {
	manifest, err := LoadManifest(repo, keys, opts.RequireTAM)
	if err != nil {
		return err
	}
	ref, ok := manifest.Archives[opts.ArchiveName]
	if !ok {
		return cerrors.New(cerrors.User, "no such archive: "+opts.ArchiveName)
	}

	meta, err := loadArchiveMetadata(repo, keys, ref.ID)
	if err != nil {
		return err
	}

	store := &objectStore{repo: repo, keys: keys}
	items, err := readItemStream(store, meta.ItemStreamChunks)
	if err != nil {
		return err
	}

	for _, it := range items {
		if err := restoreItem(store, opts.Destination, it); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes an archive from the manifest and decrements refcounts
// for every chunk it transitively referenced, issuing DELETE entries
// for any that reach zero, per spec.md §4.6.
func Delete(repo *repository.Repository, keys crypto.Keys, chunks *cache.ChunksIndex, nonces crypto.NonceSource, name string, attachTAM bool) error {
	manifest, err := LoadManifest(repo, keys, false)
	if err != nil {
		return err
	}
	ref, ok := manifest.Archives[name]
	if !ok {
		return cerrors.New(cerrors.User, "no such archive: "+name)
	}

	meta, err := loadArchiveMetadata(repo, keys, ref.ID)
	if err != nil {
		return err
	}

	tx := repo.Begin()
	store := newObjectStore(repo, tx, keys, nonces, chunks, AutoCompressTag)
	if err := decrefArchive(store, meta); err != nil {
		return err
	}
	store.DecrefChunk(ref.ID) // the archive metadata object is not in the chunks index, so this always stages its DELETE

	if err := tx.Commit(); err != nil {
		return err
	}

	delete(manifest.Archives, name)
	return SaveManifest(repo, keys, nonces, manifest, attachTAM || len(manifest.TAM) > 0)
}

func decrefArchive(store *objectStore, meta Metadata) error {
	items, err := readItemStream(&objectStore{repo: store.repo, keys: store.keys}, meta.ItemStreamChunks)
	if err != nil {
		return err
	}
	for _, it := range items {
		for _, c := range it.Chunks {
			store.DecrefChunk(c.ID)
		}
	}
	for _, id := range meta.ItemStreamChunks {
		store.DecrefChunk(id)
	}
	return nil
}

func loadArchiveMetadata(repo *repository.Repository, keys crypto.Keys, id crypto.ID) (Metadata, error) {
	ciphertext, err := repo.Get(id)
	if err != nil {
		return Metadata{}, err
	}
	plaintext, err := crypto.DecryptObject(keys, ciphertext)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := decodeObject(typeArchive, plaintext, &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func matcherOrAll(m walker.Matcher) walker.Matcher {
	if m == nil {
		return walker.MatchAll{}
	}
	return m
}

func validateArchiveName(name string) error {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return cerrors.New(cerrors.User, "archive name must not contain '/'")
		}
	}
	if name == "" {
		return cerrors.New(cerrors.User, "archive name must not be empty")
	}
	return nil
}

func chunkerParamsFromConfig(m Manifest) chunker.Params {
	min, err1 := requireConfigInt(m, configChunkerMin)
	max, err2 := requireConfigInt(m, configChunkerMax)
	maskBits, err3 := requireConfigInt(m, configChunkerMaskBits)
	if err1 != nil || err2 != nil || err3 != nil {
		return chunker.DefaultParams
	}
	return chunker.Params{Min: uint32(min), Max: uint32(max), MaskBits: uint(maskBits), Window: 64}
}

func requireConfigInt(m Manifest, key string) (int, error) {
	v, err := requireConfig(m, key)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

func compressTagFromConfig(m Manifest) compress.Tag {
	switch m.Config[configCompression] {
	case "none":
		return compress.TagNone
	case "zstd":
		return compress.TagZstd
	case "brotli":
		return compress.TagBrotli
	case "flate":
		return compress.TagFlate
	case "auto":
		return AutoCompressTag
	default:
		return AutoCompressTag
	}
}

func compressionName(tag compress.Tag) string {
	switch tag {
	case compress.TagNone:
		return "none"
	case compress.TagZstd:
		return "zstd"
	case compress.TagBrotli:
		return "brotli"
	case compress.TagFlate:
		return "flate"
	default:
		return "auto"
	}
}

func currentUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
