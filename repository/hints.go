package repository

import (
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/coffer-backup/coffer/cerrors"
)

// hintsMetadataName is the well-known metadata key the hints file is
// stored under, generalizing the teacher's per-index-file convention
// (storage/disk.go rebuilds its ChunkIndex by scanning every *.idx file
// on open) into a single per-segment liveness summary. Open does not
// read it (it replays every segment); Compact and Repair write it and
// DumpHints reads it back.
const hintsMetadataName = "hints"

// SegmentStats summarizes one segment's liveness. Compact recomputes
// these by replaying every segment (RecomputeHints) and rewrites the
// segments whose dead share is above CompactThreshold.
type SegmentStats struct {
	LiveEntries int
	DeadEntries int
	LiveBytes   int64
	DeadBytes   int64
}

// Hints is the decoded form of the hints metadata blob: per-segment
// liveness stats as of the last time they were recomputed and saved
// (by Compact or Repair).
type Hints struct {
	Segments map[string]SegmentStats
}

// LoadHints reads the persisted hints file, returning an empty Hints
// (not an error) if none has been written yet — a brand new repository
// has no hints and that's expected.
func LoadHints(storage Storage) (Hints, error) {
	if !storage.MetadataExists(hintsMetadataName) {
		return Hints{Segments: make(map[string]SegmentStats)}, nil
	}
	data, err := storage.ReadMetadata(hintsMetadataName)
	if err != nil {
		return Hints{}, err
	}
	var h Hints
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&h); err != nil {
		return Hints{}, cerrors.Wrap(cerrors.Integrity, err, "decode hints file")
	}
	if h.Segments == nil {
		h.Segments = make(map[string]SegmentStats)
	}
	return h, nil
}

// SaveHints overwrites the persisted hints file.
func SaveHints(storage Storage, h Hints) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h); err != nil {
		return cerrors.Wrap(cerrors.Integrity, err, "encode hints file")
	}
	if storage.MetadataExists(hintsMetadataName) {
		if err := storage.RemoveMetadata(hintsMetadataName); err != nil {
			return err
		}
	}
	return storage.WriteMetadata(hintsMetadataName, buf.Bytes())
}

// DumpHints returns the persisted hints file for introspection,
// generalizing archiver.py's do_debug_dump_hints (SPEC_FULL.md §3).
func DumpHints(storage Storage) (Hints, error) {
	return LoadHints(storage)
}

// RecomputeHints replays every segment to rebuild exact liveness stats
// from scratch. Compact calls this to pick candidates and again after
// rewriting segments; Repair calls it after dropping corrupt segments.
func RecomputeHints(storage Storage) (Hints, error) {
	names, err := storage.ListSegments()
	if err != nil {
		return Hints{}, err
	}
	sort.Strings(names)

	live, _, err := buildIndex(storage, names)
	if err != nil {
		return Hints{}, err
	}

	h := Hints{Segments: make(map[string]SegmentStats)}
	for _, name := range names {
		stats := SegmentStats{}
		r, err := storage.OpenSegment(name)
		if err != nil {
			return Hints{}, err
		}
		err = replaySegment(r, func(offset int64, e decodedEntry) {
			if e.kind != entryPut {
				return
			}
			loc, ok := live[e.id]
			if ok && loc.segment == name && loc.offset == offset {
				stats.LiveEntries++
				stats.LiveBytes += int64(len(e.payload))
			} else {
				stats.DeadEntries++
				stats.DeadBytes += int64(len(e.payload))
			}
		})
		r.Close()
		if err != nil {
			return Hints{}, err
		}
		h.Segments[name] = stats
	}

	return h, nil
}
