package repository

import (
	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/crypto"
)

// Transaction batches PUT and DELETE operations and makes them visible
// atomically on Commit, per spec.md §4.4's transaction/commit protocol:
// a crash before Commit writes its COMMIT frame leaves every staged
// entry invisible to the next Open, exactly as if the transaction had
// never been attempted.
type Transaction struct {
	repo *Repository
	ops  []stagedOp
	done bool
}

type stagedOp struct {
	kind    entryKind
	id      crypto.ID
	payload []byte
}

// syncer is implemented by active-segment writers that can fsync
// without closing, e.g. remote/disk.go's syncOnCloseFile. Not every
// Storage backend needs one: memoryStorage has nothing to sync, and
// remote/gcs.go's segment writer only goes durable on Close (GCS has
// no partial-object fsync primitive), so Commit treats its absence as
// "this backend has no mid-segment durability point," not an error.
type syncer interface {
	Sync() error
}

// Begin starts a new Transaction. Only one Transaction should be open
// against a Repository at a time (spec.md's Non-goals rule out
// multi-writer concurrency within one repository); Begin does not
// itself enforce that — callers coordinate via lock.Lock.
func (r *Repository) Begin() *Transaction {
	return &Transaction{repo: r}
}

// Put stages an object for storage under id. If id is already live,
// Put is a harmless no-op at Commit time (spec.md §4.4's
// deduplication: a chunk that's already present is never rewritten) —
// unless a Delete for the same id was staged earlier in this same
// transaction, in which case the Put really does replace it. That's
// how a fixed, content-independent id like the manifest's gets
// overwritten instead of silently deduplicated away.
func (t *Transaction) Put(id crypto.ID, payload []byte) {
	t.ops = append(t.ops, stagedOp{kind: entryPut, id: id, payload: payload})
}

// Delete stages removal of id.
func (t *Transaction) Delete(id crypto.ID) {
	t.ops = append(t.ops, stagedOp{kind: entryDelete, id: id})
}

// Commit writes every staged op to the repository's active segment
// followed by a COMMIT frame, then — and only then — updates the
// in-memory index, so a reader never observes a partially-applied
// transaction.
func (t *Transaction) Commit() error {
	if t.done {
		return cerrors.New(cerrors.Consistency, "transaction already committed")
	}
	t.done = true

	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(t.ops) == 0 {
		return nil
	}

	if err := r.ensureActiveSegment(); err != nil {
		return err
	}

	type applied struct {
		kind    entryKind
		id      crypto.ID
		offset  int64
		size    int64
	}
	var toApply []applied

	// deletedInTx tracks ids a Delete earlier in this same transaction
	// has already staged for removal, so a Put for that id later in the
	// same Commit is not mistaken for the redundant-chunk case: a Delete
	// immediately followed by a Put on one id is how a caller overwrites
	// a fixed, content-independent id (the manifest's ManifestID isn't
	// derived from its content, so "id already live" doesn't mean "same
	// content" the way it does for a chunk).
	deletedInTx := make(map[crypto.ID]bool)

	for _, op := range t.ops {
		if op.kind == entryDelete {
			deletedInTx[op.id] = true
		}
		if op.kind == entryPut {
			if _, exists := r.index[op.id]; exists && !deletedInTx[op.id] {
				continue
			}
		}

		frame := encodeEntry(op.kind, op.id, op.payload)
		if r.activeOffset+int64(len(frame)) > MaxSegmentSize {
			if err := r.rollSegment(); err != nil {
				return err
			}
		}

		offset := r.activeOffset
		if _, err := r.activeWriter.Write(frame); err != nil {
			return cerrors.Wrap(cerrors.Transient, err, "write segment entry")
		}
		r.activeOffset += int64(len(frame))

		toApply = append(toApply, applied{kind: op.kind, id: op.id, offset: offset, size: int64(len(op.payload))})
	}

	// The COMMIT frame always lands in the same segment as the entries
	// it closes out, even if that pushes the segment slightly past
	// MaxSegmentSize: a COMMIT's size is fixed and tiny, and splitting
	// it from its entries across a segment boundary would break the
	// invariant that a transaction's visibility marker lives alongside
	// what it marks visible.
	segmentAtCommit := r.activeSegment
	commitFrame := encodeEntry(entryCommit, crypto.ID{}, nil)
	if _, err := r.activeWriter.Write(commitFrame); err != nil {
		return cerrors.Wrap(cerrors.Transient, err, "write commit entry")
	}
	r.activeOffset += int64(len(commitFrame))

	// The COMMIT frame is what makes everything since the last one
	// visible; per spec.md §4.4 it must be durable the moment Commit
	// returns, not just whenever the segment happens to close or roll
	// over next.
	if s, ok := r.activeWriter.(syncer); ok {
		if err := s.Sync(); err != nil {
			return err
		}
	}

	for _, a := range toApply {
		switch a.kind {
		case entryPut:
			r.index[a.id] = entryLoc{segment: segmentAtCommit, offset: a.offset}
			r.sizes[a.id] = a.size
		case entryDelete:
			delete(r.index, a.id)
			delete(r.sizes, a.id)
		}
	}

	return nil
}
