package archive

import (
	"github.com/coffer-backup/coffer/cache"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/repository"
)

// RepairResult summarizes what Repair changed, per spec.md §4.4/§7's
// consistency-error handling: data that couldn't be recovered is
// zeroed out and the items that referenced it marked broken rather
// than left dangling; archives whose own metadata object or item
// stream didn't survive are dropped from the manifest outright, since
// there's nothing left in them to repair.
type RepairResult struct {
	RemovedArchives []string
	BrokenItems     int
	ZeroedChunks    int
}

// Repair runs repository.Repair against report (dropping corrupt
// segments from the live index), then walks every surviving archive:
// any data chunk that just became unreachable is replaced with an
// all-zero stand-in of the same plaintext size under its original id,
// and the item that referenced it is marked Broken; an archive whose
// metadata object or item stream itself didn't survive is removed
// from the manifest. A checkpoint archive is repaired the same way as
// any other — it's just a manifest entry with a different name.
//
// Zeroed chunk ids are evicted from chunks, not just overwritten, so a
// later Create that re-encounters the same real plaintext recomputes
// the same id, finds it no longer in the local chunks index, and
// genuinely re-stores the recovered content — the reconvergence
// spec.md §8 describes ("a subsequent create that re-encounters the
// same plaintext restores the chunk and check becomes clean").
func Repair(repo *repository.Repository, keys crypto.Keys, chunks *cache.ChunksIndex, nonces crypto.NonceSource, report repository.Report, attachTAM bool) (RepairResult, error) {
	lost, err := repo.Repair(report)
	if err != nil {
		return RepairResult{}, err
	}

	var result RepairResult
	if len(lost) == 0 {
		return result, nil
	}

	lostSet := make(map[crypto.ID]bool, len(lost))
	for _, id := range lost {
		lostSet[id] = true
		chunks.Evict(id)
	}

	manifest, err := LoadManifest(repo, keys, false)
	if err != nil {
		return result, err
	}

	tx := repo.Begin()
	store := newObjectStore(repo, tx, keys, nonces, chunks, AutoCompressTag)
	readStore := &objectStore{repo: repo, keys: keys}

	manifestChanged := false

	for name, ref := range manifest.Archives {
		meta, err := loadArchiveMetadata(repo, keys, ref.ID)
		if err != nil {
			log.Warning("%s: metadata object missing after repair, removing archive", name)
			delete(manifest.Archives, name)
			result.RemovedArchives = append(result.RemovedArchives, name)
			manifestChanged = true
			continue
		}

		streamLost := false
		for _, id := range meta.ItemStreamChunks {
			if lostSet[id] {
				streamLost = true
				break
			}
		}
		if streamLost {
			log.Warning("%s: item stream unreadable after repair, removing archive", name)
			delete(manifest.Archives, name)
			result.RemovedArchives = append(result.RemovedArchives, name)
			manifestChanged = true
			continue
		}

		items, err := readItemStream(readStore, meta.ItemStreamChunks)
		if err != nil {
			log.Warning("%s: item stream undecodable after repair, removing archive", name)
			delete(manifest.Archives, name)
			result.RemovedArchives = append(result.RemovedArchives, name)
			manifestChanged = true
			continue
		}

		archiveChanged := false
		for i := range items {
			it := &items[i]
			for j := range it.Chunks {
				if !lostSet[it.Chunks[j].ID] {
					continue
				}
				csize, err := zeroChunk(store, it.Chunks[j].ID, it.Chunks[j].Size)
				if err != nil {
					return result, err
				}
				it.Chunks[j].CSize = csize
				it.Broken = true
				archiveChanged = true
				result.ZeroedChunks++
			}
			if it.Broken {
				result.BrokenItems++
			}
		}
		if !archiveChanged {
			continue
		}

		iw := newItemWriter(store, meta.ChunkerParams)
		for _, it := range items {
			if err := iw.Append(it); err != nil {
				return result, err
			}
		}
		streamIDs, err := iw.Finish()
		if err != nil {
			return result, err
		}
		for _, id := range meta.ItemStreamChunks {
			store.DecrefChunk(id)
		}
		meta.ItemStreamChunks = streamIDs

		metaBytes, err := encodeObject(typeArchive, meta)
		if err != nil {
			return result, err
		}
		newArchiveID := crypto.IDHash(keys, metaBytes)
		archiveCiphertext, err := encryptObject(keys, nonces, metaBytes)
		if err != nil {
			return result, err
		}
		tx.Put(newArchiveID, archiveCiphertext)
		store.DecrefChunk(ref.ID)

		manifest.Archives[name] = ArchiveRef{ID: newArchiveID, Timestamp: ref.Timestamp}
		manifestChanged = true
	}

	if err := tx.Commit(); err != nil {
		return result, err
	}
	if !manifestChanged {
		return result, nil
	}
	return result, SaveManifest(repo, keys, nonces, manifest, attachTAM || len(manifest.TAM) > 0)
}

// zeroChunk re-stores id with all-zero plaintext of the given size so
// restoring the archive later doesn't fail outright — the real data is
// gone, but the archive's shape survives, matching spec.md §7's
// "substitute a recognizable placeholder and mark the referencing item
// broken" instead of refusing the whole archive. It writes directly
// under the original id rather than through PutChunk, since the id no
// longer matches its content by construction.
func zeroChunk(store *objectStore, id crypto.ID, size uint32) (csize uint32, err error) {
	plaintext := make([]byte, size)
	compressed, err := store.compress(plaintext)
	if err != nil {
		return 0, err
	}
	nonce, err := store.nonces.Next()
	if err != nil {
		return 0, err
	}
	ciphertext, err := crypto.EncryptObject(store.keys, nonce, compressed)
	if err != nil {
		return 0, err
	}
	store.tx.Put(id, ciphertext)
	return uint32(len(ciphertext)), nil
}
