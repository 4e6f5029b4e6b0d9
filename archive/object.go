// Package archive implements spec.md §4.6's archive layer: the
// manifest, archive metadata objects, item streams, and the
// create/restore/delete/prune/recreate operations that turn a
// filesystem walk into a stored snapshot and back.
//
// It generalizes the teacher's cmd/bk/backup.go, which serializes a
// tree of DirEntry values per directory via gob and stores each
// directory's serialization as one Merkle-split blob. This package
// keeps the "gob-encode a batch of records, then hand the bytes to the
// chunker/store layer" idiom but flattens the per-directory tree into
// a single ordered item stream per archive, since spec.md's item model
// has no directory-local grouping: every item (file, dir, symlink, ...)
// is a peer record identified by its normalised path.
package archive

import (
	"bytes"
	"encoding/gob"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/crypto"
)

// objectType is the one-byte type tag every object's plaintext carries
// in its prefix, per spec.md §3 Object.
type objectType byte

const (
	typeManifest objectType = 'M'
	typeArchive  objectType = 'A'
	typeItems    objectType = 'I'
	typeChunk    objectType = 'C'
)

// ManifestID is the manifest's fixed well-known id, per spec.md §3: a
// distinguished object, not derived from any content hash, so it can
// always be located without first reading anything else.
var ManifestID = crypto.ID{'c', 'o', 'f', 'f', 'e', 'r', '-', 'm', 'a', 'n', 'i', 'f', 'e', 's', 't'}

func encodeObject(typ objectType, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(typ))
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, cerrors.Wrap(cerrors.Integrity, err, "encode object")
	}
	return buf.Bytes(), nil
}

func decodeObject(typ objectType, plaintext []byte, v interface{}) error {
	if len(plaintext) == 0 || objectType(plaintext[0]) != typ {
		return cerrors.New(cerrors.Integrity, "object has wrong type tag")
	}
	if err := gob.NewDecoder(bytes.NewReader(plaintext[1:])).Decode(v); err != nil {
		return cerrors.Wrap(cerrors.Integrity, err, "decode object")
	}
	return nil
}

// encryptObject draws a fresh nonce and authenticated-encrypts plaintext,
// the same step PutChunk applies to chunk payloads (archive/store.go),
// applied here to the manifest and archive-metadata objects so every
// persisted object is authenticated and, when keys are non-zero,
// encrypted — not only chunk content.
func encryptObject(keys crypto.Keys, nonces crypto.NonceSource, plaintext []byte) ([]byte, error) {
	nonce, err := nonces.Next()
	if err != nil {
		return nil, err
	}
	return crypto.EncryptObject(keys, nonce, plaintext)
}
