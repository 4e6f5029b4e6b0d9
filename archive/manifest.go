package archive

import (
	"bytes"
	"sort"
	"time"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/chunker"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/repository"
)

// ArchiveRef is one entry in the manifest's archive-name map, per
// spec.md §3 Manifest.
type ArchiveRef struct {
	ID        crypto.ID
	Timestamp time.Time
}

// manifestBody is the gob-serialised payload of the manifest object,
// everything except the TAM (which is carried alongside the object,
// not inside its canonical bytes, since the TAM authenticates those
// bytes).
type manifestBody struct {
	Version  int
	Archives map[string]ArchiveRef
	Config   map[string]string
}

// Manifest is the decoded, in-memory form of the repository-root
// metadata object listing archives (spec.md §3, §4.6).
type Manifest struct {
	Version  int
	Archives map[string]ArchiveRef
	Config   map[string]string

	// TAM is the keyed MAC over the canonical manifest bytes, absent on
	// a manifest created before TAM upgrade or with TAM disabled.
	TAM []byte
}

const manifestFormatVersion = 1

// manifestWire is what's actually stored: the gob body plus its TAM,
// so loading a manifest and verifying its TAM don't require
// re-deriving the canonical bytes by some other means than "the exact
// bytes that were signed."
type manifestWire struct {
	Body []byte
	TAM  []byte
}

// NewManifest returns an empty manifest for a freshly initialised
// repository, with default chunker parameters recorded in Config.
func NewManifest() Manifest {
	return Manifest{
		Version:  manifestFormatVersion,
		Archives: make(map[string]ArchiveRef),
		Config: map[string]string{
			configChunkerMin:      itoa(int(chunker.DefaultParams.Min)),
			configChunkerMax:      itoa(int(chunker.DefaultParams.Max)),
			configChunkerMaskBits: itoa(int(chunker.DefaultParams.MaskBits)),
			configCompression:     "zstd",
		},
	}
}

// LoadManifest reads and decodes the manifest object from repo,
// verifying its TAM when requireTAM is set, per spec.md §4.3: "clients
// refuse manifests lacking or failing TAM when TAM is enabled."
func LoadManifest(repo *repository.Repository, keys crypto.Keys, requireTAM bool) (Manifest, error) {
	ciphertext, err := repo.Get(ManifestID)
	if err != nil {
		return Manifest{}, err
	}
	plaintext, err := crypto.DecryptObject(keys, ciphertext)
	if err != nil {
		return Manifest{}, err
	}

	if len(plaintext) == 0 || objectType(plaintext[0]) != typeManifest {
		return Manifest{}, cerrors.New(cerrors.Integrity, "manifest object has wrong type tag")
	}

	var wire manifestWire
	if err := decodeObject(typeManifest, plaintext, &wire); err != nil {
		return Manifest{}, err
	}

	if len(wire.TAM) == 0 {
		if requireTAM {
			return Manifest{}, cerrors.New(cerrors.Security, "manifest has no TAM and TAM is required")
		}
	} else if !crypto.VerifyTAM(keys, wire.Body, wire.TAM) {
		return Manifest{}, cerrors.New(cerrors.Security, "manifest TAM verification failed")
	}

	var body manifestBody
	if err := decodeGob(wire.Body, &body); err != nil {
		return Manifest{}, err
	}

	return Manifest{
		Version:  body.Version,
		Archives: body.Archives,
		Config:   body.Config,
		TAM:      wire.TAM,
	}, nil
}

// SaveManifest writes m as the new manifest object, attaching a TAM
// when attachTAM is set, and commits the transaction. This is the
// manifest's read-modify-write path spec.md §3 and §4.6 describe: the
// manifest always lives at ManifestID, so the prior object is deleted
// and the new one put in the same transaction.
func SaveManifest(repo *repository.Repository, keys crypto.Keys, nonces crypto.NonceSource, m Manifest, attachTAM bool) error {
	body := manifestBody{Version: m.Version, Archives: m.Archives, Config: m.Config}
	bodyBytes, err := encodeGob(body)
	if err != nil {
		return err
	}

	var tam []byte
	if attachTAM {
		tam = crypto.TAM(keys, bodyBytes)
	}

	wire := manifestWire{Body: bodyBytes, TAM: tam}
	plaintext, err := encodeObject(typeManifest, wire)
	if err != nil {
		return err
	}
	ciphertext, err := encryptObject(keys, nonces, plaintext)
	if err != nil {
		return err
	}

	tx := repo.Begin()
	// ManifestID is fixed, not content-addressed, so a later SaveManifest
	// must actually replace what's there rather than be skipped by the
	// chunk-dedup rule: stage the overwrite as Delete-then-Put.
	tx.Delete(ManifestID)
	tx.Put(ManifestID, ciphertext)
	return tx.Commit()
}

// UpgradeTAM attaches a TAM to an existing manifest without altering
// its archive contents, per spec.md §4.6/§8's one-shot TAM upgrade.
func UpgradeTAM(repo *repository.Repository, keys crypto.Keys, nonces crypto.NonceSource) error {
	m, err := LoadManifest(repo, keys, false)
	if err != nil {
		return err
	}
	return SaveManifest(repo, keys, nonces, m, true)
}

// VersionID identifies m's archive set for cache.ChunksIndex staleness
// checks (cmd/coffer's loadCaches). ManifestID itself is the manifest
// object's fixed well-known key (archive/object.go), not a version
// marker, since the manifest is overwritten in place rather than
// content-addressed; VersionID instead hashes the sorted archive-name
// to-id mapping, so it changes exactly when the archive set a chunks
// index would need to resync against changes.
func (m Manifest) VersionID(keys crypto.Keys) crypto.ID {
	names := make([]string, 0, len(m.Archives))
	for name := range m.Archives {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		ref := m.Archives[name]
		buf.WriteString(name)
		buf.Write(ref.ID[:])
	}
	return crypto.IDHash(keys, buf.Bytes())
}

func encodeGob(v interface{}) ([]byte, error) {
	return gobEncode(v)
}

func decodeGob(data []byte, v interface{}) error {
	return gobDecode(data, v)
}
