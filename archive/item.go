package archive

import (
	"github.com/coffer-backup/coffer/crypto"
)

// ItemType distinguishes the kinds of filesystem object spec.md §3
// Item names: files, directories, symlinks, devices, FIFOs, and
// hardlinks.
type ItemType byte

const (
	ItemFile ItemType = iota
	ItemDir
	ItemSymlink
	ItemDevice
	ItemFIFO
	ItemHardlink
)

// ChunkRef is one (chunk-id, size, csize) triple in a file item's chunk
// list, per spec.md §3 Item.
type ChunkRef struct {
	ID    crypto.ID
	Size  uint32
	CSize uint32
}

// Item is one filesystem entry's metadata record, per spec.md §3.
// Xattrs/ACLs/flags fields exist so a richer platform layer could
// populate them, but per SPEC_FULL.md §4 Non-goals nothing in this
// module sets or applies them beyond what os.Lstat already gives.
type Item struct {
	Path string
	Type ItemType
	Mode uint32

	UID, GID   int
	User, Group string

	ModNanos    int64
	AccessNanos int64
	ChangeNanos int64
	BirthNanos  int64

	Size int64

	// LinkTarget holds the symlink target for ItemSymlink, or the
	// referenced path for ItemHardlink.
	LinkTarget string

	// Device holds the major/minor device numbers, packed, for
	// ItemDevice; unused otherwise.
	Device uint64

	Xattrs map[string][]byte
	ACL    []byte
	Flags  uint32

	Chunks []ChunkRef

	// Broken is set by Repair when a referenced data chunk could not be
	// recovered and was substituted with an all-zero replacement, per
	// spec.md §7 Consistency errors.
	Broken bool
}

// TotalSize returns the sum of an item's chunk plaintext sizes, which
// should equal Size for a well-formed file item.
func (it Item) TotalSize() int64 {
	var n int64
	for _, c := range it.Chunks {
		n += int64(c.Size)
	}
	return n
}
