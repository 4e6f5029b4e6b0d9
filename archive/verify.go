package archive

import (
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/repository"
)

// VerifyReport summarizes what VerifyData found.
type VerifyReport struct {
	ArchivesChecked int
	ChunksChecked   int
	Corrupt         []crypto.ID // chunk ids that failed to decrypt/decompress
}

// VerifyData decrypts and decompresses every chunk reachable from the
// manifest's archives, per spec.md §4.4/§8's "check --verify-data
// decrypts every referenced object." repository.Check only confirms a
// segment's frames parse and checksum; it has no keys and can't tell a
// CRC-clean frame from one whose encrypted content is garbage, so this
// lives here instead, one layer up, where the manifest and keys both
// are.
func VerifyData(repo *repository.Repository, keys crypto.Keys, requireTAM bool) (VerifyReport, error) {
	manifest, err := LoadManifest(repo, keys, requireTAM)
	if err != nil {
		return VerifyReport{}, err
	}

	store := &objectStore{repo: repo, keys: keys}
	var report VerifyReport
	seen := make(map[crypto.ID]bool)

	for name, ref := range manifest.Archives {
		report.ArchivesChecked++

		meta, err := loadArchiveMetadata(repo, keys, ref.ID)
		if err != nil {
			log.Warning("%s: archive metadata unreadable: %s", name, err)
			report.Corrupt = append(report.Corrupt, ref.ID)
			continue
		}

		items, err := readItemStream(store, meta.ItemStreamChunks)
		if err != nil {
			log.Warning("%s: item stream unreadable: %s", name, err)
			verifyChunks(store, meta.ItemStreamChunks, seen, &report)
			continue
		}
		// readItemStream already decrypted every one of these
		// successfully; count them without paying for a second decrypt.
		for _, id := range meta.ItemStreamChunks {
			if !seen[id] {
				seen[id] = true
				report.ChunksChecked++
			}
		}

		for _, it := range items {
			ids := make([]crypto.ID, len(it.Chunks))
			for i, c := range it.Chunks {
				ids[i] = c.ID
			}
			verifyChunks(store, ids, seen, &report)
		}
	}

	return report, nil
}

func verifyChunks(store *objectStore, ids []crypto.ID, seen map[crypto.ID]bool, report *VerifyReport) {
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := store.GetChunk(id); err != nil {
			report.Corrupt = append(report.Corrupt, id)
			continue
		}
		report.ChunksChecked++
	}
}
