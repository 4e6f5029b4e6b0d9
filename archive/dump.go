package archive

import (
	"sort"
	"time"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/repository"
)

// ManifestDump is the structured introspection view DumpManifest
// returns, generalizing archiver.py's do_debug_dump_manifest
// (SPEC_FULL.md §3) into a typed Go value rather than a printed blob,
// leaving formatting to cmd/coffer.
type ManifestDump struct {
	Version  int
	Archives map[string]ArchiveRef
	Config   map[string]string
	HasTAM   bool
}

// DumpManifest returns a read-only structured view of the current
// manifest.
func DumpManifest(repo *repository.Repository, keys crypto.Keys) (ManifestDump, error) {
	m, err := LoadManifest(repo, keys, false)
	if err != nil {
		return ManifestDump{}, err
	}
	return ManifestDump{Version: m.Version, Archives: m.Archives, Config: m.Config, HasTAM: len(m.TAM) > 0}, nil
}

// ArchiveDump is the structured introspection view DumpArchive returns.
type ArchiveDump struct {
	Metadata Metadata
	Items    []Item
}

// DumpArchive returns name's metadata record plus its fully decoded
// item list, generalizing archiver.py's do_debug_dump_archive.
func DumpArchive(repo *repository.Repository, keys crypto.Keys, name string) (ArchiveDump, error) {
	m, err := LoadManifest(repo, keys, false)
	if err != nil {
		return ArchiveDump{}, err
	}
	ref, ok := m.Archives[name]
	if !ok {
		return ArchiveDump{}, cerrors.New(cerrors.User, "no such archive: "+name)
	}

	meta, err := loadArchiveMetadata(repo, keys, ref.ID)
	if err != nil {
		return ArchiveDump{}, err
	}

	store := &objectStore{repo: repo, keys: keys}
	items, err := readItemStream(store, meta.ItemStreamChunks)
	if err != nil {
		return ArchiveDump{}, err
	}

	return ArchiveDump{Metadata: meta, Items: items}, nil
}

// List returns one entry per archive in the manifest, sorted by
// timestamp, for `cmd/coffer list`. Checkpoint archives are included
// only when includeCheckpoints is set.
func List(repo *repository.Repository, keys crypto.Keys, includeCheckpoints bool) ([]ArchiveListEntry, error) {
	m, err := LoadManifest(repo, keys, false)
	if err != nil {
		return nil, err
	}
	var out []ArchiveListEntry
	for name, ref := range m.Archives {
		if !includeCheckpoints && isCheckpointName(name) {
			continue
		}
		out = append(out, ArchiveListEntry{Name: name, ID: ref.ID, Timestamp: ref.Timestamp})
	}
	sortArchiveListEntries(out)
	return out, nil
}

// ArchiveListEntry is one row of List's output.
type ArchiveListEntry struct {
	Name      string
	ID        crypto.ID
	Timestamp time.Time
}

func sortArchiveListEntries(entries []ArchiveListEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
}
