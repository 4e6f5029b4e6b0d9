package repository

import (
	"io"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/crypto"
)

// entryLoc records where a live object's payload lives: which segment,
// and how many bytes into that segment's frame stream its entry starts.
// Generalizes the teacher's blobLoc (storage/packidx.go), which records
// (packId, offset, length) into a single pack file; here the "pack
// file" is a segment and length isn't needed separately since each
// frame carries its own length.
type entryLoc struct {
	segment string
	offset  int64
}

// replaySegment reads every frame in a segment and calls visit, in
// order, for each PUT or DELETE frame that a later COMMIT seals, along
// with the byte offset at which that frame started (pending frames
// after the last COMMIT in a segment are never visited: an unclean
// shutdown mid-write must not resurrect a half-written transaction).
func replaySegment(r io.Reader, visit func(offset int64, e decodedEntry)) error {
	header := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return cerrors.New(cerrors.Integrity, "segment too short to contain a header")
		}
		return cerrors.Wrap(cerrors.Transient, err, "read segment header")
	}
	if err := checkSegmentHeader(header); err != nil {
		return err
	}

	var buf []byte
	offset := int64(segmentHeaderSize)
	var pending []decodedEntry
	var pendingStart int64

	readMore := func() (bool, error) {
		chunk := make([]byte, 64*1024)
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			return n > 0, nil
		}
		if err != nil {
			return false, cerrors.Wrap(cerrors.Transient, err, "read segment")
		}
		return true, nil
	}

	for {
		e, err, needMore := decodeEntry(buf)
		if err != nil {
			// A corrupt frame past the last COMMIT is the torn-write
			// case; a corrupt frame before it is real corruption. We
			// can't tell which until we know where the last COMMIT
			// was, so surface it as Integrity and let the caller (Open,
			// via Check) decide how to handle a corrupt segment.
			return err
		}
		if needMore {
			gotMore, rerr := readMore()
			if rerr != nil {
				return rerr
			}
			if !gotMore {
				// Clean EOF with a partial trailing frame: torn write,
				// ignore whatever is left unconsumed.
				break
			}
			continue
		}

		if len(pending) == 0 {
			pendingStart = offset
		}
		if e.kind == entryCommit {
			for i, pe := range pending {
				_ = i
				visit(pendingStart, pe)
				pendingStart += int64(pe.frameLen)
			}
			pending = pending[:0]
		} else {
			pending = append(pending, e)
		}

		offset += int64(e.frameLen)
		buf = buf[e.frameLen:]
	}

	return nil
}

// buildIndex replays every segment (in ascending name order, which is
// also creation order given the zero-padded segment-numbering scheme in
// repository.go) and returns the resulting live object index.
func buildIndex(storage Storage, segmentOrder []string) (map[crypto.ID]entryLoc, map[crypto.ID]int64, error) {
	index := make(map[crypto.ID]entryLoc)
	sizes := make(map[crypto.ID]int64)

	for _, name := range segmentOrder {
		r, err := storage.OpenSegment(name)
		if err != nil {
			return nil, nil, err
		}
		err = replaySegment(r, func(offset int64, e decodedEntry) {
			switch e.kind {
			case entryPut:
				index[e.id] = entryLoc{segment: name, offset: offset}
				sizes[e.id] = int64(len(e.payload))
			case entryDelete:
				delete(index, e.id)
				delete(sizes, e.id)
			}
		})
		r.Close()
		if err != nil {
			return nil, nil, err
		}
	}

	return index, sizes, nil
}
