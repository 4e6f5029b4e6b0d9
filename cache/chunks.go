// Package cache implements the client-side chunks index and files
// index of spec.md §4.5: the two caches that let a backup run skip
// re-reading unchanged files and re-storing chunks the repository
// already has.
//
// ChunksIndex generalizes the teacher's storage/packidx.go ChunkIndex
// from "hash -> pack file location" (an index into someone else's
// storage) to "id -> (refcount, size, csize)" (a client-owned count of
// how many live references a chunk has), which is the shape spec.md
// §4.5 requires for deciding when a chunk's refcount has dropped to
// zero and it can be issued a DELETE entry.
package cache

import (
	"bytes"
	"encoding/gob"
	"os"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/crypto"
)

// ChunkInfo is the value half of the chunks index.
type ChunkInfo struct {
	Refcount uint32
	Size     uint32 // plaintext size
	CSize    uint32 // stored (compressed+encrypted) size
}

// ChunksIndex is authoritative for local "does this chunk already
// exist" decisions during a backup, per spec.md §4.5.
type ChunksIndex struct {
	// ManifestID is the manifest version (archive.Manifest.VersionID)
	// this index was last resynchronized against; cmd/coffer's
	// loadCaches compares it to the current manifest's VersionID and
	// rebuilds the index (archive.RebuildChunksIndex) on a mismatch.
	ManifestID crypto.ID
	entries    map[crypto.ID]ChunkInfo
}

// NewChunksIndex returns an empty index, used both for a brand new
// repository and as the starting point for Resync.
func NewChunksIndex() *ChunksIndex {
	return &ChunksIndex{entries: make(map[crypto.ID]ChunkInfo)}
}

// Lookup reports whether id is known locally and its info if so.
func (c *ChunksIndex) Lookup(id crypto.ID) (ChunkInfo, bool) {
	info, ok := c.entries[id]
	return info, ok
}

// Increment records a new reference to id, inserting it with the given
// size/csize if this is the first reference seen locally (e.g. because
// the chunk was just freshly stored) and bumping the refcount either
// way.
func (c *ChunksIndex) Increment(id crypto.ID, size, csize uint32) ChunkInfo {
	info := c.entries[id]
	if info.Refcount == 0 {
		info.Size = size
		info.CSize = csize
	}
	info.Refcount++
	c.entries[id] = info
	return info
}

// Decrement drops one reference to id, returning the chunk's refcount
// after the decrement and whether it reached zero (in which case the
// caller should stage a DELETE entry for id at the next commit).
func (c *ChunksIndex) Decrement(id crypto.ID) (refcount uint32, zero bool) {
	info, ok := c.entries[id]
	if !ok || info.Refcount == 0 {
		return 0, true
	}
	info.Refcount--
	if info.Refcount == 0 {
		delete(c.entries, id)
		return 0, true
	}
	c.entries[id] = info
	return info.Refcount, false
}

// Evict drops any knowledge of id outright, regardless of refcount.
// Repair uses this on chunk ids it just substituted with an all-zero
// placeholder, so a later backup that re-encounters the same real
// plaintext doesn't mistake the placeholder for "already stored" and
// skip writing the recovered content back — spec.md §8's repair/
// reconvergence scenario depends on this index forgetting the chunk
// entirely, not just leaving a stale refcount on it.
func (c *ChunksIndex) Evict(id crypto.ID) {
	delete(c.entries, id)
}

// Len returns the number of distinct chunk ids tracked.
func (c *ChunksIndex) Len() int { return len(c.entries) }

// Ids returns every tracked chunk id, for Resync/Check callers that
// need to enumerate the whole index.
func (c *ChunksIndex) Ids() []crypto.ID {
	ids := make([]crypto.ID, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// ArchiveChunkRefs is the minimal view of one archive's chunk
// references that Resync needs: every chunk id it references, with a
// multiplicity (almost always 1, but a file can legitimately reference
// the same chunk more than once, e.g. a run of identical zero blocks
// that each hashed into separate chunker cuts only coincidentally
// landing on the same plaintext).
type ArchiveChunkRefs struct {
	Refs map[crypto.ID]uint32
}

// Resync rebuilds the chunks index from scratch by summing reference
// counts across every archive's chunk-id set, per spec.md §4.5's
// "resynchronised by merging per-archive chunk-id sets derived from the
// manifest." sizeOf supplies each chunk's (size, csize), typically by
// asking the repository once per newly-discovered id.
func Resync(manifestID crypto.ID, archives []ArchiveChunkRefs, sizeOf func(crypto.ID) (size, csize uint32, err error)) (*ChunksIndex, error) {
	idx := NewChunksIndex()
	idx.ManifestID = manifestID

	for _, a := range archives {
		for id, n := range a.Refs {
			info, ok := idx.entries[id]
			if !ok {
				size, csize, err := sizeOf(id)
				if err != nil {
					return nil, err
				}
				info = ChunkInfo{Size: size, CSize: csize}
			}
			info.Refcount += n
			idx.entries[id] = info
		}
	}

	return idx, nil
}

///////////////////////////////////////////////////////////////////////////
// persistence

type chunksIndexFile struct {
	ManifestID crypto.ID
	Entries    map[crypto.ID]ChunkInfo
}

// Save persists the index to path, via the usual write-temp-then-rename
// pattern used throughout this module for crash-safe metadata writes.
func (c *ChunksIndex) Save(path string) error {
	var buf bytes.Buffer
	f := chunksIndexFile{ManifestID: c.ManifestID, Entries: c.entries}
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return cerrors.Wrap(cerrors.Integrity, err, "encode chunks index")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return cerrors.Wrap(cerrors.Transient, err, "write chunks index temp file")
	}
	return os.Rename(tmp, path)
}

// LoadChunksIndex reads a persisted index, returning a fresh empty one
// (not an error) if path doesn't exist yet.
func LoadChunksIndex(path string) (*ChunksIndex, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewChunksIndex(), nil
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Transient, err, "read chunks index")
	}

	var f chunksIndexFile
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, cerrors.Wrap(cerrors.Integrity, err, "decode chunks index")
	}
	if f.Entries == nil {
		f.Entries = make(map[crypto.ID]ChunkInfo)
	}
	return &ChunksIndex{ManifestID: f.ManifestID, entries: f.Entries}, nil
}
