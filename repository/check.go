package repository

import (
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/crypto"
)

// checkCursorMetadataName persists the partial-check cursor: the name
// of the last fully-checked segment, gob-encoded as a string. This
// resolves spec.md §9's Open Question on partial-check cursor format
// (see DESIGN.md). A partial Check resumes at the first segment whose
// name sorts after the cursor. Compact does not touch the cursor and
// never renumbers segments: it rewrites a segment's live entries under
// name+".compact", which sorts right after the original name, so a
// cursor that had not yet reached the original still reaches its
// replacement.
const checkCursorMetadataName = "check-cursor"

// Report summarizes what Check found.
type Report struct {
	SegmentsChecked int
	EntriesChecked  int
	Corrupt         []string // segment names that failed CRC/structural checks
}

// Check verifies every frame's structural integrity (magic byte, kind,
// CRC32) across the segments named by cursor advancement rules: full
// wipes any existing cursor and starts from the first segment; partial
// resumes from the persisted cursor and advances it as it goes,
// stopping after budget segments (0 means "no limit, check everything
// remaining").
func (r *Repository) Check(full bool, budget int) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names, err := r.storage.ListSegments()
	if err != nil {
		return Report{}, err
	}
	sort.Strings(names)

	start := 0
	if !full {
		if cur, ok, cerr := loadCheckCursor(r.storage); cerr != nil {
			return Report{}, cerr
		} else if ok {
			for i, n := range names {
				if n > cur {
					start = i
					break
				}
				start = i + 1
			}
		}
	} else if r.storage.MetadataExists(checkCursorMetadataName) {
		if err := r.storage.RemoveMetadata(checkCursorMetadataName); err != nil {
			return Report{}, err
		}
	}

	end := len(names)
	if budget > 0 && start+budget < end {
		end = start + budget
	}

	var report Report
	lastChecked := ""
	for _, name := range names[start:end] {
		entries, err := checkSegment(r.storage, name)
		report.SegmentsChecked++
		report.EntriesChecked += entries
		if err != nil {
			log.Warning("%s: %s", name, err)
			report.Corrupt = append(report.Corrupt, name)
			continue
		}
		lastChecked = name
	}

	if lastChecked != "" {
		if err := saveCheckCursor(r.storage, lastChecked); err != nil {
			return report, err
		}
	}

	return report, nil
}

func checkSegment(storage Storage, name string) (int, error) {
	rc, err := storage.OpenSegment(name)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	count := 0
	err = replaySegment(rc, func(offset int64, e decodedEntry) {
		count++
	})
	return count, err
}

func loadCheckCursor(storage Storage) (string, bool, error) {
	if !storage.MetadataExists(checkCursorMetadataName) {
		return "", false, nil
	}
	data, err := storage.ReadMetadata(checkCursorMetadataName)
	if err != nil {
		return "", false, err
	}
	var cursor string
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cursor); err != nil {
		return "", false, cerrors.Wrap(cerrors.Integrity, err, "decode check cursor")
	}
	return cursor, true, nil
}

func saveCheckCursor(storage Storage, segment string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(segment); err != nil {
		return cerrors.Wrap(cerrors.Integrity, err, "encode check cursor")
	}
	if storage.MetadataExists(checkCursorMetadataName) {
		if err := storage.RemoveMetadata(checkCursorMetadataName); err != nil {
			return err
		}
	}
	return storage.WriteMetadata(checkCursorMetadataName, buf.Bytes())
}

// Repair rewrites the repository's index by replaying everything
// except the segments report.Corrupt named, dropping any entries that
// lived only in a corrupt segment. It does not attempt byte-level
// repair of a corrupt segment itself (spec.md's Non-goals rule out
// random-access overwrite, and a segment is only ever appended to, so
// there's nothing to patch in place); the corrupt segment is left on
// disk for forensics but excluded from the live index.
//
// It returns every id that was live before the corrupt segments were
// dropped and isn't anymore, so a higher layer (archive.Repair) can
// decide what to do about objects that just became unreachable —
// substituting placeholders, marking referencing items broken,
// dropping archives whose own metadata went missing — none of which
// this package knows enough about the object model to do itself.
func (r *Repository) Repair(report Report) ([]crypto.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	corrupt := make(map[string]bool, len(report.Corrupt))
	for _, n := range report.Corrupt {
		corrupt[n] = true
	}

	names, err := r.storage.ListSegments()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var usable []string
	for _, n := range names {
		if !corrupt[n] {
			usable = append(usable, n)
		}
	}

	index, sizes, err := buildIndex(r.storage, usable)
	if err != nil {
		return nil, err
	}

	var lost []crypto.ID
	for id := range r.index {
		if _, ok := index[id]; !ok {
			lost = append(lost, id)
		}
	}

	r.index = index
	r.sizes = sizes
	r.segmentOrder = usable

	hints, err := RecomputeHints(r.storage)
	if err != nil {
		return lost, err
	}
	if err := SaveHints(r.storage, hints); err != nil {
		return lost, err
	}
	return lost, nil
}
