package archive

import (
	"os"
	"path/filepath"

	"github.com/coffer-backup/coffer/cerrors"
)

// restoreItem recreates one item under destination, per spec.md §4.6
// Restore: "recreate the filesystem object, restore metadata, and for
// regular files fetch each chunk-id's object, decrypt, decompress, and
// write in order."
func restoreItem(store *objectStore, destination string, it Item) error {
	target := filepath.Join(destination, filepath.FromSlash(it.Path))
	if it.Path == "" {
		target = destination
	}

	switch it.Type {
	case ItemDir:
		if err := os.MkdirAll(target, os.FileMode(it.Mode).Perm()|0700); err != nil {
			return err
		}

	case ItemSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		os.Remove(target)
		if err := os.Symlink(it.LinkTarget, target); err != nil {
			return err
		}

	case ItemFile:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(it.Mode).Perm()|0600)
		if err != nil {
			return err
		}
		for _, c := range it.Chunks {
			plain, err := store.GetChunk(c.ID)
			if err != nil {
				f.Close()
				return err
			}
			if _, err := f.Write(plain); err != nil {
				f.Close()
				return err
			}
		}
		if err := f.Close(); err != nil {
			return err
		}

	case ItemFIFO, ItemDevice, ItemHardlink:
		// Creating fifos/devices/hardlinks requires privileges or
		// platform calls (mkfifo, mknod, link) this module doesn't
		// wrap; per SPEC_FULL.md's ambient-only metadata scope these
		// are recorded but not recreated. Logged and skipped, the same
		// "log and continue" idiom backupDirContents uses for entries
		// it can't handle, rather than aborting the whole restore.
		log.Error("%s: skipping unsupported item type on restore", it.Path)
		return nil

	default:
		return cerrors.New(cerrors.Integrity, "unrecognised item type for "+it.Path)
	}

	if it.ModNanos != 0 {
		modTime := nanosToTime(it.ModNanos)
		os.Chtimes(target, modTime, modTime)
	}
	return nil
}
