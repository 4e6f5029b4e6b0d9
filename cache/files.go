package cache

import (
	"bytes"
	"encoding/gob"
	"os"
	"syscall"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/crypto"
)

// FileEntry is the value half of the files index: everything recorded
// about a path's last backed-up state, per spec.md §4.5.
type FileEntry struct {
	// Age counts how many Create runs have passed since this entry was
	// last confirmed to still match the file on disk; EvictOld drops
	// entries whose Age exceeds a caller-supplied TTL, since a file
	// nobody has looked at in many backups is unlikely to help dedup
	// the next one and is just cache bloat.
	Age uint8

	Inode uint64
	Size  int64

	// ModNanos and ChangeNanos are the file's mtime and ctime in
	// nanoseconds since the Unix epoch. Comparing both, not just mtime,
	// is what lets the "unchanged file" check catch a metadata-only
	// change (permissions, owner) that some backup tools miss by only
	// looking at mtime.
	ModNanos    int64
	ChangeNanos int64

	ChunkIDs []crypto.ID
}

// FilesIndex implements the "unchanged file" lookup of spec.md §4.5:
// given a path and its current stat info, decide whether the file can
// be assumed unchanged since the last backup (and its chunk list reused
// without rereading the file) or must be re-chunked.
type FilesIndex struct {
	entries map[string]FileEntry
}

// NewFilesIndex returns an empty index.
func NewFilesIndex() *FilesIndex {
	return &FilesIndex{entries: make(map[string]FileEntry)}
}

// StatOf extracts the comparable fields from a os.FileInfo, using the
// platform syscall.Stat_t the way the teacher's backupDirContents reads
// inode numbers directly off the raw stat result rather than going
// through a portability shim.
func StatOf(fi os.FileInfo) (inode uint64, modNanos, changeNanos int64) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fi.ModTime().UnixNano(), fi.ModTime().UnixNano()
	}
	return st.Ino, st.Mtim.Nano(), st.Ctim.Nano()
}

// Unchanged reports whether path's indexed entry still matches the
// given live stat info, per spec.md §4.5's "unchanged file" policy:
// size, inode, mtime, and ctime must all match exactly. A match resets
// the entry's Age to zero (it's been confirmed current this run) and
// returns its recorded chunk ids so the caller can skip re-chunking.
func (f *FilesIndex) Unchanged(path string, size int64, inode uint64, modNanos, changeNanos int64) ([]crypto.ID, bool) {
	e, ok := f.entries[path]
	if !ok {
		return nil, false
	}
	if e.Size != size || e.Inode != inode || e.ModNanos != modNanos || e.ChangeNanos != changeNanos {
		return nil, false
	}
	e.Age = 0
	f.entries[path] = e
	return e.ChunkIDs, true
}

// Update records path's current stat info and chunk ids after it has
// been (re-)read and chunked, overwriting any prior entry.
func (f *FilesIndex) Update(path string, size int64, inode uint64, modNanos, changeNanos int64, chunkIDs []crypto.ID) {
	f.entries[path] = FileEntry{
		Inode:       inode,
		Size:        size,
		ModNanos:    modNanos,
		ChangeNanos: changeNanos,
		ChunkIDs:    chunkIDs,
	}
}

// Lookup returns the raw entry for path, for callers (e.g. `debug
// files-cache`) that want the full record rather than just a yes/no.
func (f *FilesIndex) Lookup(path string) (FileEntry, bool) {
	e, ok := f.entries[path]
	return e, ok
}

// Delete removes path's entry, e.g. when a file is found to no longer
// exist during enumeration.
func (f *FilesIndex) Delete(path string) { delete(f.entries, path) }

// Len returns the number of tracked paths.
func (f *FilesIndex) Len() int { return len(f.entries) }

// AgeAll increments every entry's Age by one. Create calls this once at
// the start of a run, before any Unchanged lookups reset the ages of
// the files actually revisited, so that files no longer present in this
// run's tree still age normally instead of freezing at their last-seen
// Age.
func (f *FilesIndex) AgeAll() {
	for path, e := range f.entries {
		if e.Age < 255 {
			e.Age++
		}
		f.entries[path] = e
	}
}

// EvictOld removes every entry whose Age exceeds ttl, per spec.md
// §4.5's TTL-based eviction: a file that hasn't been seen in ttl
// consecutive runs is assumed gone or irrelevant and its cache slot is
// reclaimed.
func (f *FilesIndex) EvictOld(ttl uint8) (evicted int) {
	for path, e := range f.entries {
		if e.Age > ttl {
			delete(f.entries, path)
			evicted++
		}
	}
	return evicted
}

///////////////////////////////////////////////////////////////////////////
// persistence

// Save persists the index to path using the same crash-safe
// write-temp-then-rename pattern as ChunksIndex.Save.
func (f *FilesIndex) Save(path string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f.entries); err != nil {
		return cerrors.Wrap(cerrors.Integrity, err, "encode files index")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return cerrors.Wrap(cerrors.Transient, err, "write files index temp file")
	}
	return os.Rename(tmp, path)
}

// LoadFilesIndex reads a persisted index, returning a fresh empty one
// (not an error) if path doesn't exist yet.
func LoadFilesIndex(path string) (*FilesIndex, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewFilesIndex(), nil
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Transient, err, "read files index")
	}

	entries := make(map[string]FileEntry)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return nil, cerrors.Wrap(cerrors.Integrity, err, "decode files index")
	}
	return &FilesIndex{entries: entries}, nil
}
