package archive

import (
	"github.com/coffer-backup/coffer/cache"
	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/compress"
	"github.com/coffer-backup/coffer/crypto"
	"github.com/coffer-backup/coffer/repository"
)

// AutoCompressTag is a sentinel objectStore.compressTag value meaning
// "pick per-chunk via compress.SelectAuto" rather than naming one
// fixed wire tag; it is never itself written to disk.
const AutoCompressTag compress.Tag = 0xFE

// objectStore is the glue between the chunks index cache and the
// repository that spec.md §4.6 Create describes: "for each produced
// chunk compute id, consult chunks-index, and either increment its
// refcount or compress+encrypt+PUT it." It batches every object write
// of one Create/Delete/Recreate run onto a single
// repository.Transaction, so those objects commit together; the
// manifest update that follows is committed separately by
// SaveManifest, and Prune runs one Delete (and so one transaction) per
// archive.
type objectStore struct {
	repo   *repository.Repository
	tx     *repository.Transaction
	keys   crypto.Keys
	nonces crypto.NonceSource
	chunks *cache.ChunksIndex

	// compressTag selects which codec new chunks are compressed with;
	// "auto" is resolved once per PutChunk call via compress.SelectAuto
	// rather than stored as a fixed tag, since auto's decision depends
	// on each chunk's own compressibility.
	compressTag compress.Tag
}

func newObjectStore(repo *repository.Repository, tx *repository.Transaction, keys crypto.Keys, nonces crypto.NonceSource, chunks *cache.ChunksIndex, compressTag compress.Tag) *objectStore {
	return &objectStore{repo: repo, tx: tx, keys: keys, nonces: nonces, chunks: chunks, compressTag: compressTag}
}

// PutChunk stores plaintext as a new object if its id isn't already
// known to the chunks index, otherwise just bumps its refcount. It
// returns the chunk's id and its plaintext/stored sizes either way.
func (s *objectStore) PutChunk(plaintext []byte) (id crypto.ID, size, csize uint32, err error) {
	id = crypto.IDHash(s.keys, plaintext)

	if info, ok := s.chunks.Lookup(id); ok {
		s.chunks.Increment(id, info.Size, info.CSize)
		return id, info.Size, info.CSize, nil
	}

	compressed, err := s.compress(plaintext)
	if err != nil {
		return id, 0, 0, err
	}

	nonce, err := s.nonces.Next()
	if err != nil {
		return id, 0, 0, err
	}
	ciphertext, err := crypto.EncryptObject(s.keys, nonce, compressed)
	if err != nil {
		return id, 0, 0, err
	}

	s.tx.Put(id, ciphertext)

	size = uint32(len(plaintext))
	csize = uint32(len(ciphertext))
	s.chunks.Increment(id, size, csize)
	return id, size, csize, nil
}

func (s *objectStore) compress(plaintext []byte) ([]byte, error) {
	if s.compressTag == AutoCompressTag {
		return compress.SelectAuto(plaintext)
	}
	codec, ok := compress.ByTag(s.compressTag)
	if !ok {
		return nil, cerrors.New(cerrors.User, "unrecognised compression tag")
	}
	return codec.Compress(plaintext)
}

// GetChunk fetches, decrypts, and decompresses one stored chunk,
// reading directly from the repository rather than the chunks index
// (which holds only sizes, not content).
func (s *objectStore) GetChunk(id crypto.ID) ([]byte, error) {
	ciphertext, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.DecryptObject(s.keys, ciphertext)
	if err != nil {
		return nil, err
	}
	return compress.Decompress(plaintext)
}

// DecrefChunk drops one reference to id, staging a DELETE entry on the
// transaction if the refcount reaches zero, per spec.md §4.6 Delete.
func (s *objectStore) DecrefChunk(id crypto.ID) {
	if _, zero := s.chunks.Decrement(id); zero {
		s.tx.Delete(id)
	}
}
