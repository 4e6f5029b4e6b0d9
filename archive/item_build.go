package archive

import (
	"io"
	"os"
	"syscall"

	"github.com/coffer-backup/coffer/cache"
	"github.com/coffer-backup/coffer/chunker"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/util"
)

// buildItem captures fi's metadata into an Item, the way
// cmd/bk/backup.go's NewDirEntry captures a DirEntry — generalized here
// to the richer Item record and to classify devices and FIFOs as well
// as files, dirs and symlinks. Hardlinks are not detected: a file with
// several links is recorded as a regular ItemFile under each path.
func buildItem(path string, fi os.FileInfo, linkTarget string) (Item, error) {
	it := Item{
		Path: path,
		Mode: uint32(fi.Mode()),
		Size: fi.Size(),
	}

	switch {
	case fi.Mode().IsDir():
		it.Type = ItemDir
	case fi.Mode()&os.ModeSymlink != 0:
		it.Type = ItemSymlink
		it.LinkTarget = linkTarget
	case fi.Mode()&os.ModeDevice != 0:
		it.Type = ItemDevice
	case fi.Mode()&os.ModeNamedPipe != 0:
		it.Type = ItemFIFO
	case fi.Mode().IsRegular():
		it.Type = ItemFile
	default:
		return Item{}, errUnhandledType
	}

	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		it.UID = int(st.Uid)
		it.GID = int(st.Gid)
		it.ModNanos = st.Mtim.Nano()
		it.AccessNanos = st.Atim.Nano()
		it.ChangeNanos = st.Ctim.Nano()
	} else {
		it.ModNanos = fi.ModTime().UnixNano()
	}

	return it, nil
}

type unhandledTypeError struct{}

func (*unhandledTypeError) Error() string { return "unhandled file type" }

var errUnhandledType = &unhandledTypeError{}

// fillFileChunks populates it.Chunks for a regular file, reusing the
// files-index's cached chunk list when the file is unchanged (spec.md
// §4.5's "unchanged file" policy, including its "referenced chunks
// still exist" clause, checked here against the chunks index) and
// otherwise streaming the file through the chunker and through store,
// per spec.md §4.6 Create.
func fillFileChunks(store *objectStore, files *cache.FilesIndex, params chunker.Params, path string, fi os.FileInfo, it *Item) error {
	inode, modNanos, changeNanos := cache.StatOf(fi)

	if ids, ok := files.Unchanged(path, fi.Size(), inode, modNanos, changeNanos); ok {
		if refs, ok := reuseChunks(store, ids); ok {
			it.Chunks = refs
			return nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}

	// Large files get progress reporting on the way through the
	// chunker, the same periodic-rate reporting the teacher's
	// ReportingReader gives any long-running read. Closing r (rather
	// than f directly) lets ReportingReader.Close emit its "Finished."
	// report before closing the underlying file.
	var r io.ReadCloser = f
	if fi.Size() >= util.ReportFrequency {
		r = &util.ReportingReader{R: f, Msg: path, Log: log}
	}
	defer r.Close()

	c := chunker.New(params)
	var ids []crypto.ID
	buf := make([]byte, 256*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, chunk := range c.Write(buf[:n]) {
				id, size, csize, perr := store.PutChunk(chunk)
				if perr != nil {
					return perr
				}
				it.Chunks = append(it.Chunks, ChunkRef{ID: id, Size: size, CSize: csize})
				ids = append(ids, id)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if final := c.Flush(); final != nil {
		id, size, csize, err := store.PutChunk(final)
		if err != nil {
			return err
		}
		it.Chunks = append(it.Chunks, ChunkRef{ID: id, Size: size, CSize: csize})
		ids = append(ids, id)
	}

	files.Update(path, fi.Size(), inode, modNanos, changeNanos, ids)
	return nil
}

// reuseChunks looks up every id's info in the chunks index, bumping
// each one's refcount (the file's new item is a fresh reference even
// though the bytes weren't re-read) and returning false if any id is
// no longer known — per spec.md §4.5, an unchanged-file hit is only
// trusted when "the referenced chunks still exist."
func reuseChunks(store *objectStore, ids []crypto.ID) ([]ChunkRef, bool) {
	refs := make([]ChunkRef, 0, len(ids))
	for _, id := range ids {
		info, ok := store.chunks.Lookup(id)
		if !ok {
			return nil, false
		}
		store.chunks.Increment(id, info.Size, info.CSize)
		refs = append(refs, ChunkRef{ID: id, Size: info.Size, CSize: info.CSize})
	}
	return refs, true
}
