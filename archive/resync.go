package archive

import (
	"github.com/coffer-backup/coffer/cache"
	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/compress"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/repository"
)

// RebuildChunksIndex recomputes a fresh chunks index from the
// manifest's archives, per spec.md §4.5's "resynchronised by merging
// per-archive chunk-id sets derived from the manifest." cmd/coffer's
// loadCaches calls this when a persisted ChunksIndex.ManifestID no
// longer matches manifest.VersionID, which happens whenever the cache
// was written against a different archive set than the one on disk
// now (a concurrent writer ran, or the cache file predates this
// repository state).
func RebuildChunksIndex(repo *repository.Repository, keys crypto.Keys, manifest Manifest) (*cache.ChunksIndex, error) {
	store := &objectStore{repo: repo, keys: keys}

	var archives []cache.ArchiveChunkRefs
	for name, ref := range manifest.Archives {
		meta, err := loadArchiveMetadata(repo, keys, ref.ID)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.Consistency, err, "load archive metadata for "+name)
		}

		refs := cache.ArchiveChunkRefs{Refs: make(map[crypto.ID]uint32)}
		for _, id := range meta.ItemStreamChunks {
			refs.Refs[id]++
		}

		items, err := readItemStream(store, meta.ItemStreamChunks)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.Consistency, err, "read item stream for "+name)
		}
		for _, it := range items {
			for _, c := range it.Chunks {
				refs.Refs[c.ID]++
			}
		}

		archives = append(archives, refs)
	}

	return cache.Resync(manifest.VersionID(keys), archives, func(id crypto.ID) (size, csize uint32, err error) {
		ciphertext, err := repo.Get(id)
		if err != nil {
			return 0, 0, err
		}
		plaintext, err := crypto.DecryptObject(keys, ciphertext)
		if err != nil {
			return 0, 0, err
		}
		decompressed, err := compress.Decompress(plaintext)
		if err != nil {
			return 0, 0, err
		}
		return uint32(len(decompressed)), uint32(len(ciphertext)), nil
	})
}
