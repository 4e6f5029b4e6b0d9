package archive

import (
	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/repository"
)

// DiffKind classifies one path's status between two archives.
type DiffKind int

const (
	DiffAdded DiffKind = iota
	DiffRemoved
	DiffChanged
)

// DiffEntry is one path's difference between two archives.
type DiffEntry struct {
	Path string
	Kind DiffKind
}

// Diff compares two archives' item lists by path, reporting
// added/removed/changed items without touching file content,
// generalizing archiver.py's do_diff (SPEC_FULL.md §3). A file is
// "changed" if its size or chunk-id list differs; metadata-only
// differences (mode, owner, timestamps) are not reported, matching
// archiver.py's content-focused diff.
func Diff(repo *repository.Repository, keys crypto.Keys, nameA, nameB string) ([]DiffEntry, error) {
	m, err := LoadManifest(repo, keys, false)
	if err != nil {
		return nil, err
	}

	itemsA, err := loadItemsByName(repo, keys, m, nameA)
	if err != nil {
		return nil, err
	}
	itemsB, err := loadItemsByName(repo, keys, m, nameB)
	if err != nil {
		return nil, err
	}

	byPathA := make(map[string]Item, len(itemsA))
	for _, it := range itemsA {
		byPathA[it.Path] = it
	}
	byPathB := make(map[string]Item, len(itemsB))
	for _, it := range itemsB {
		byPathB[it.Path] = it
	}

	var diffs []DiffEntry
	for path, a := range byPathA {
		b, ok := byPathB[path]
		if !ok {
			diffs = append(diffs, DiffEntry{Path: path, Kind: DiffRemoved})
			continue
		}
		if itemsDiffer(a, b) {
			diffs = append(diffs, DiffEntry{Path: path, Kind: DiffChanged})
		}
	}
	for path := range byPathB {
		if _, ok := byPathA[path]; !ok {
			diffs = append(diffs, DiffEntry{Path: path, Kind: DiffAdded})
		}
	}
	return diffs, nil
}

func itemsDiffer(a, b Item) bool {
	if a.Type != b.Type || a.Size != b.Size || len(a.Chunks) != len(b.Chunks) {
		return true
	}
	for i := range a.Chunks {
		if a.Chunks[i].ID != b.Chunks[i].ID {
			return true
		}
	}
	return false
}

func loadItemsByName(repo *repository.Repository, keys crypto.Keys, m Manifest, name string) ([]Item, error) {
	ref, ok := m.Archives[name]
	if !ok {
		return nil, cerrors.New(cerrors.User, "no such archive: "+name)
	}
	meta, err := loadArchiveMetadata(repo, keys, ref.ID)
	if err != nil {
		return nil, err
	}
	store := &objectStore{repo: repo, keys: keys}
	return readItemStream(store, meta.ItemStreamChunks)
}
