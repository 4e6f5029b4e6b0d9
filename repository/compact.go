package repository

import (
	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/crypto"
)

// CompactThreshold is the fraction of dead bytes in a segment (dead /
// (live+dead)) above which Compact considers it worth rewriting.
// spec.md's Non-goals rule out a global rewrite-everything compaction
// pass; this threshold is what keeps Compact incremental.
const CompactThreshold = 0.5

// Compact rewrites segments whose hints show more than CompactThreshold
// of their bytes are dead, dropping the dead entries and writing the
// rest (plus a fresh COMMIT) into new segments, then removing the old
// ones. It is the explicit, on-demand form spec.md §4.4 and
// archiver.py's do_compact describe (SPEC_FULL.md §3), distinct from
// whatever automatic reclamation a future commit path might add.
//
// Compact must run under the repository's exclusive lock: it is not
// safe to run concurrently with a Transaction.Commit against the same
// Repository.
func (r *Repository) Compact() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hints, err := RecomputeHints(r.storage)
	if err != nil {
		return err
	}

	var candidates []string
	for name, stats := range hints.Segments {
		if name == r.activeSegment {
			continue // never rewrite the segment still being appended to
		}
		total := stats.LiveBytes + stats.DeadBytes
		if total == 0 {
			continue
		}
		if float64(stats.DeadBytes)/float64(total) > CompactThreshold {
			candidates = append(candidates, name)
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	order := append([]string{}, r.segmentOrder...)
	if r.activeSegment != "" {
		order = append(order, r.activeSegment) // indexed, though never rewritten
	}
	live, sizes, err := buildIndex(r.storage, order)
	if err != nil {
		return err
	}

	for _, name := range candidates {
		if err := r.compactOne(name, live); err != nil {
			return err
		}
	}

	r.index = live
	r.sizes = sizes

	newHints, err := RecomputeHints(r.storage)
	if err != nil {
		return err
	}
	return SaveHints(r.storage, newHints)
}

func (r *Repository) compactOne(name string, live map[crypto.ID]entryLoc) error {
	rc, err := r.storage.OpenSegment(name)
	if err != nil {
		return err
	}

	type keep struct {
		id      crypto.ID
		payload []byte
	}
	var kept []keep

	replayErr := replaySegment(rc, func(offset int64, e decodedEntry) {
		if e.kind != entryPut {
			return
		}
		loc, ok := live[e.id]
		if ok && loc.segment == name && loc.offset == offset {
			kept = append(kept, keep{id: e.id, payload: e.payload})
		}
	})
	rc.Close()
	if replayErr != nil {
		return replayErr
	}

	newName := name + ".compact"
	w, err := r.storage.CreateSegment(newName)
	if err != nil {
		return err
	}

	header := encodeSegmentHeader()
	if _, err := w.Write(header); err != nil {
		w.Close()
		return cerrors.Wrap(cerrors.Transient, err, "write compacted segment header")
	}
	newOffset := int64(len(header))
	for _, k := range kept {
		frame := encodeEntry(entryPut, k.id, k.payload)
		if _, err := w.Write(frame); err != nil {
			w.Close()
			return cerrors.Wrap(cerrors.Transient, err, "write compacted entry")
		}
		live[k.id] = entryLoc{segment: newName, offset: newOffset}
		newOffset += int64(len(frame))
	}
	commitFrame := encodeEntry(entryCommit, crypto.ID{}, nil)
	if _, err := w.Write(commitFrame); err != nil {
		w.Close()
		return cerrors.Wrap(cerrors.Transient, err, "write compacted commit")
	}
	if err := w.Close(); err != nil {
		return cerrors.Wrap(cerrors.Transient, err, "close compacted segment")
	}

	if err := r.storage.RemoveSegment(name); err != nil {
		return err
	}

	for i, n := range r.segmentOrder {
		if n == name {
			r.segmentOrder[i] = newName
		}
	}

	return nil
}
