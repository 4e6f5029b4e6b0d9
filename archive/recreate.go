package archive

import (
	"github.com/coffer-backup/coffer/cache"
	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/chunker"
	"github.com/coffer-backup/coffer/compress"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/repository"
)

// RecreateOptions configures Recreate, generalizing archiver.py's
// do_recreate per SPEC_FULL.md §3: re-chunking with different chunker
// params and/or changing compression, operating archive-by-archive and
// preserving item identity (each item keeps its Path/metadata; only
// its Chunks list is rebuilt).
type RecreateOptions struct {
	ArchiveName string
	NewParams   chunker.Params
	NewCompress compress.Tag
	Chunks      *cache.ChunksIndex
	Nonces      crypto.NonceSource
	AttachTAM   bool
}

// Recreate streams an existing archive's file content back out (via
// GetChunk on its current chunk list) and re-chunks/re-stores it under
// opts.NewParams/opts.NewCompress, writing a new archive object and
// manifest entry under the same name — the old archive-id becomes
// unreferenced and is swept by the next Delete/Compact cycle once its
// refcounts are decremented here.
func Recreate(repo *repository.Repository, keys crypto.Keys, opts RecreateOptions) error {
	manifest, err := LoadManifest(repo, keys, false)
	if err != nil {
		return err
	}
	ref, ok := manifest.Archives[opts.ArchiveName]
	if !ok {
		return cerrors.New(cerrors.User, "no such archive: "+opts.ArchiveName)
	}

	oldMeta, err := loadArchiveMetadata(repo, keys, ref.ID)
	if err != nil {
		return err
	}
	readStore := &objectStore{repo: repo, keys: keys}
	oldItems, err := readItemStream(readStore, oldMeta.ItemStreamChunks)
	if err != nil {
		return err
	}

	tx := repo.Begin()
	writeStore := newObjectStore(repo, tx, keys, opts.Nonces, opts.Chunks, opts.NewCompress)
	iw := newItemWriter(writeStore, opts.NewParams)

	for _, it := range oldItems {
		if it.Type == ItemFile && len(it.Chunks) > 0 {
			newChunks, err := rechunkItem(readStore, writeStore, opts.NewParams, it)
			if err != nil {
				return err
			}
			for _, c := range it.Chunks {
				writeStore.DecrefChunk(c.ID)
			}
			it.Chunks = newChunks
		}
		if err := iw.Append(it); err != nil {
			return err
		}
	}

	streamIDs, err := iw.Finish()
	if err != nil {
		return err
	}
	for _, id := range oldMeta.ItemStreamChunks {
		writeStore.DecrefChunk(id)
	}

	newMeta := oldMeta
	newMeta.ItemStreamChunks = streamIDs
	newMeta.ChunkerParams = opts.NewParams
	newMeta.Compression = compressionName(opts.NewCompress)

	metaBytes, err := encodeObject(typeArchive, newMeta)
	if err != nil {
		return err
	}
	newArchiveID := crypto.IDHash(keys, metaBytes)
	ciphertext, err := encryptObject(keys, opts.Nonces, metaBytes)
	if err != nil {
		return err
	}
	tx.Put(newArchiveID, ciphertext)
	writeStore.DecrefChunk(ref.ID)

	if err := tx.Commit(); err != nil {
		return err
	}

	manifest.Archives[opts.ArchiveName] = ArchiveRef{ID: newArchiveID, Timestamp: oldMeta.End}
	return SaveManifest(repo, keys, opts.Nonces, manifest, opts.AttachTAM || len(manifest.TAM) > 0)
}

// rechunkItem reassembles it's file content from its current chunk
// list and re-splits it under newParams, storing fresh chunks via
// writeStore.
func rechunkItem(readStore, writeStore *objectStore, newParams chunker.Params, it Item) ([]ChunkRef, error) {
	c := chunker.New(newParams)
	var refs []ChunkRef

	for _, old := range it.Chunks {
		plain, err := readStore.GetChunk(old.ID)
		if err != nil {
			return nil, err
		}
		for _, chunk := range c.Write(plain) {
			id, size, csize, err := writeStore.PutChunk(chunk)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ChunkRef{ID: id, Size: size, CSize: csize})
		}
	}
	if final := c.Flush(); final != nil {
		id, size, csize, err := writeStore.PutChunk(final)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ChunkRef{ID: id, Size: size, CSize: csize})
	}
	return refs, nil
}
