// Package repository implements the segmented, append-only object
// store of spec.md §4.4: segments of PUT/DELETE/COMMIT-framed entries,
// a repository-wide index from object id to (segment, offset), a hints
// file of per-segment liveness stats, explicit compaction (Compact),
// and check/repair. Open rebuilds the index by replaying every segment;
// it does not read the hints file, and compaction never runs on its
// own.
//
// It generalizes the teacher's pack+index split (storage/packidx.go,
// storage/disk.go): where the teacher writes one index file per pack
// file and never deletes or rewrites either, this package's segments
// are themselves the log of truth — the index is a derived, rebuildable
// cache over segment contents, and segments accumulate DELETE and
// COMMIT entries so the store supports the transactional create/delete
// semantics spec.md requires.
package repository

import (
	"io"
	"time"
)

// Storage is the low-level, untrusted-identity byte store a Repository
// runs on top of: an ordered collection of named segment files plus a
// flat namespace of small named metadata blobs (hints, check-cursor,
// redundancy side files, a repokey-mode key). It generalizes storage.Backend's split between pack
// files and WriteMetadata/ReadMetadata, dropping the teacher's implicit
// hashing/deduplication (the Repository above this layer owns that) in
// favor of plain named-file semantics so remote implementations (disk,
// GCS) stay simple.
type Storage interface {
	String() string

	// CreateSegment opens a brand new segment for appending; it fails
	// if a segment with that name already exists, mirroring the
	// teacher's "error if exists" idiom for new pack files.
	CreateSegment(name string) (io.WriteCloser, error)

	// OpenSegment opens an existing segment for reading from the start.
	OpenSegment(name string) (io.ReadCloser, error)

	// ListSegments returns the names of all segments currently present,
	// in no particular order.
	ListSegments() ([]string, error)

	// RemoveSegment deletes a segment file outright; used by
	// compaction once a rewritten replacement has been durably
	// written.
	RemoveSegment(name string) error

	WriteMetadata(name string, data []byte) error
	ReadMetadata(name string) ([]byte, error)
	MetadataExists(name string) bool
	ListMetadata() (map[string]time.Time, error)
	RemoveMetadata(name string) error
}
