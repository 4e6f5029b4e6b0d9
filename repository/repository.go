package repository

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/util"
)

var log *util.Logger

// SetLogger installs the logger used by this package, mirroring
// storage.SetLogger in the teacher.
func SetLogger(l *util.Logger) { log = l }

// MaxSegmentSize bounds how large a single segment is allowed to grow
// before Commit rolls over to a new one, generalizing the teacher's
// MaxDiskPackFileSize (storage/disk.go) from "big enough that
// Reed-Solomon encoding stays cheap" to the same concern applied to
// segments.
const MaxSegmentSize = 1 << 31

// Repository is a deduplicating, segmented append-only object store:
// spec.md §4.4's core data structure. All writes happen inside a
// Transaction; Get and Exists are safe to call at any time and always
// see the most recently committed state.
type Repository struct {
	storage Storage

	mu           sync.Mutex
	index        map[crypto.ID]entryLoc
	sizes        map[crypto.ID]int64
	segmentOrder []string

	activeSegment string
	activeWriter  io.WriteCloser
	activeOffset  int64
	nextSegmentID int
}

// Open replays every segment in storage to rebuild the live index and
// returns a ready-to-use Repository. There is deliberately no "create
// new repository" distinction at this layer — an empty Storage simply
// replays to an empty index, matching how storage.NewDisk treats an
// empty backupDir.
func Open(storage Storage) (*Repository, error) {
	names, err := storage.ListSegments()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	index, sizes, err := buildIndex(storage, names)
	if err != nil {
		return nil, err
	}

	maxID := 0
	for _, name := range names {
		var n int
		if _, serr := fmt.Sscanf(name, "%08d.seg", &n); serr == nil && n >= maxID {
			maxID = n + 1
		}
	}

	return &Repository{
		storage:       storage,
		index:         index,
		sizes:         sizes,
		segmentOrder:  names,
		nextSegmentID: maxID,
	}, nil
}

// Exists reports whether id is live (committed, and not since deleted).
func (r *Repository) Exists(id crypto.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[id]
	return ok
}

// Size returns the stored (post-compress/encrypt) size of id's payload
// as recorded in the index, without reading the segment.
func (r *Repository) Size(id crypto.ID) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.sizes[id]
	return n, ok
}

// Get reads back the payload stored under id, returning
// cerrors.Transient if it isn't present (the caller, not this layer,
// decides whether a missing object during a restore is fatal).
func (r *Repository) Get(id crypto.ID) ([]byte, error) {
	r.mu.Lock()
	loc, ok := r.index[id]
	r.mu.Unlock()
	if !ok {
		return nil, cerrors.New(cerrors.Transient, "object not found in repository")
	}

	rc, err := r.storage.OpenSegment(loc.segment)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if loc.offset > 0 {
		if _, err := io.CopyN(io.Discard, rc, loc.offset); err != nil {
			return nil, cerrors.Wrap(cerrors.Integrity, err, "seek to object offset")
		}
	}

	// Read enough bytes to decode one frame. The frame header bounds
	// how much we need, but the payload length is only known once the
	// header is parsed, so read incrementally the same way replay does.
	var buf []byte
	chunk := make([]byte, 64*1024)
	for {
		e, derr, needMore := decodeEntry(buf)
		if derr != nil {
			return nil, derr
		}
		if !needMore {
			if e.kind != entryPut || e.id != id {
				return nil, cerrors.New(cerrors.Integrity, "object offset does not point at expected PUT entry")
			}
			return e.payload, nil
		}
		n, rerr := rc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr == io.EOF && n == 0 {
			return nil, cerrors.New(cerrors.Integrity, "segment ended before object's entry could be read")
		}
		if rerr != nil && rerr != io.EOF {
			return nil, cerrors.Wrap(cerrors.Transient, rerr, "read segment")
		}
	}
}

// Ids returns every live object id in the repository.
func (r *Repository) Ids() []crypto.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]crypto.ID, 0, len(r.index))
	for id := range r.index {
		ids = append(ids, id)
	}
	return ids
}

func (r *Repository) segmentName(n int) string {
	return fmt.Sprintf("%08d.seg", n)
}

// ensureActiveSegment opens (creating if necessary) the segment that
// the next Transaction.Commit should append to.
func (r *Repository) ensureActiveSegment() error {
	if r.activeWriter != nil {
		return nil
	}
	name := r.segmentName(r.nextSegmentID)
	w, err := r.storage.CreateSegment(name)
	if err != nil {
		return err
	}
	header := encodeSegmentHeader()
	if _, err := w.Write(header); err != nil {
		w.Close()
		return cerrors.Wrap(cerrors.Transient, err, "write segment header")
	}
	r.activeSegment = name
	r.activeWriter = w
	r.activeOffset = int64(len(header))
	return nil
}

func (r *Repository) rollSegment() error {
	if r.activeWriter != nil {
		if err := r.activeWriter.Close(); err != nil {
			return cerrors.Wrap(cerrors.Transient, err, "close segment")
		}
		r.segmentOrder = append(r.segmentOrder, r.activeSegment)
		r.activeWriter = nil
	}
	r.nextSegmentID++
	return r.ensureActiveSegment()
}

// WriteMetadata, ReadMetadata, and friends pass through to the
// underlying Storage for small named blobs that don't participate in
// deduplication — hints, the partial-check cursor, and redundancy side
// files, per spec.md §4.4 and §9's Open Question on cursor format.
func (r *Repository) WriteMetadata(name string, data []byte) error { return r.storage.WriteMetadata(name, data) }
func (r *Repository) ReadMetadata(name string) ([]byte, error)     { return r.storage.ReadMetadata(name) }
func (r *Repository) MetadataExists(name string) bool              { return r.storage.MetadataExists(name) }
func (r *Repository) RemoveMetadata(name string) error             { return r.storage.RemoveMetadata(name) }

// Close rolls over (closes) any open active segment. It does not sync
// storage itself — callers that need a guaranteed-durable close should
// ensure their Storage implementation's Close semantics fsync, as
// remote/disk.go's does.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeWriter != nil {
		err := r.activeWriter.Close()
		r.activeWriter = nil
		r.segmentOrder = append(r.segmentOrder, r.activeSegment)
		r.activeSegment = ""
		r.nextSegmentID++
		if err != nil {
			return cerrors.Wrap(cerrors.Transient, err, "close active segment")
		}
	}
	return nil
}
