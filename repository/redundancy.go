package repository

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/rdso"
)

// redundancyMetadataPrefix namespaces a segment's Reed-Solomon side
// file within Storage's flat metadata namespace, generalizing the
// teacher's convention of a sibling "<packfile>.rs" file (storage/disk.go,
// rdso/rdso.go) to one metadata entry per segment.
const redundancyMetadataPrefix = "rs:"

// EncodeRedundancy builds a Reed-Solomon side file for the named
// segment and stores it as repository metadata, so a later
// CheckRedundancy/RestoreRedundancy can detect and recover bit rot in
// that segment without needing any other copy of it. It is never
// called automatically; a caller (cmd/coffer) decides which segments
// are worth protecting this way, typically right after Commit seals
// one.
func EncodeRedundancy(storage Storage, name string, nDataShards, nParityShards, hashRate int) error {
	data, err := readSegment(storage, name)
	if err != nil {
		return err
	}

	var rs bytes.Buffer
	if err := rdso.Encode(bytes.NewReader(data), int64(len(data)), &rs, nDataShards, nParityShards, hashRate); err != nil {
		return cerrors.Wrap(cerrors.Integrity, err, "encode segment redundancy")
	}
	return storage.WriteMetadata(redundancyMetadataPrefix+name, rs.Bytes())
}

// CheckRedundancy reports whether the named segment still matches its
// stored side file. It returns (false, nil) when the segment has no
// side file at all, rather than an error, since redundancy is opt-in
// per segment.
func CheckRedundancy(storage Storage, name string) (bool, error) {
	rsData, ok, err := readRedundancy(storage, name)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	data, err := readSegment(storage, name)
	if err != nil {
		return false, err
	}
	if err := rdso.Check(bytes.NewReader(data), bytes.NewReader(rsData), log); err != nil {
		if err == rdso.ErrFileCorrupt {
			return false, nil
		}
		return false, cerrors.Wrap(cerrors.Integrity, err, "check segment redundancy")
	}
	return true, nil
}

// RestoreRedundancy reconstructs the named segment from its side file
// and writes the result as a new segment named name+".recovered",
// along with a recomputed side file for it. It does not touch the
// original segment or the repository's live index; folding the
// recovered segment back in (renaming it over the corrupt one and
// re-running Repair) is left to the caller, since that decision
// belongs with whoever is driving a repair, not with this helper.
func RestoreRedundancy(storage Storage, name string) (recoveredName string, err error) {
	rsData, ok, err := readRedundancy(storage, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", cerrors.New(cerrors.User, "segment "+name+" has no redundancy side file")
	}
	data, err := readSegment(storage, name)
	if err != nil {
		return "", err
	}

	var restoredData, restoredRs bytes.Buffer
	size, err := redundancyFileSize(rsData)
	if err != nil {
		return "", err
	}
	if err := rdso.Restore(bytes.NewReader(data), bytes.NewReader(rsData), size, &restoredData, &restoredRs, log); err != nil {
		return "", cerrors.Wrap(cerrors.Integrity, err, "restore segment")
	}

	recoveredName = name + ".recovered"
	w, err := storage.CreateSegment(recoveredName)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(restoredData.Bytes()); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	if err := storage.WriteMetadata(redundancyMetadataPrefix+recoveredName, restoredRs.Bytes()); err != nil {
		return "", err
	}
	return recoveredName, nil
}

func readSegment(storage Storage, name string) ([]byte, error) {
	rc, err := storage.OpenSegment(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func readRedundancy(storage Storage, name string) ([]byte, bool, error) {
	if !storage.MetadataExists(redundancyMetadataPrefix + name) {
		return nil, false, nil
	}
	data, err := storage.ReadMetadata(redundancyMetadataPrefix + name)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// redundancyFileSize decodes just the FileSize field recorded in a
// side file's header, so RestoreRedundancy knows where to truncate the
// recovered stream.
func redundancyFileSize(rsData []byte) (int64, error) {
	var header rsFileHeaderView
	if err := gob.NewDecoder(bytes.NewReader(rsData)).Decode(&header); err != nil {
		return 0, cerrors.Wrap(cerrors.Integrity, err, "decode redundancy header")
	}
	return header.FileSize, nil
}

// rsFileHeaderView mirrors the leading fields of rdso's unexported
// rsFileHeader so this package can read just the FileSize without
// rdso needing to export its side-file layout.
type rsFileHeaderView struct {
	NDataShards, NParityShards int
	HashRate                   int
	FileSize                   int64
}
