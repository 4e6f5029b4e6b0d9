// Package keymgr implements the key file formats and passphrase
// handling of spec.md §4.3 Crypto & Key Manager and §6 Key files,
// generalizing the teacher's storage/encrypted.go generateKey/
// getEncryptionKey pair (which wraps a single 32-byte chunk key) into a
// format that wraps the repository's full crypto.Keys bundle under a
// passphrase-derived key-encrypting key.
package keymgr

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/coffer-backup/coffer/cerrors"
	"github.com/coffer-backup/coffer/crypto"
)

// Mode selects where key material lives, per spec.md §4.3: `none` (no
// crypto at all; identity is a plain content hash), `repokey` (key
// material lives inside the repository itself, wrapped under the
// passphrase), and `keyfile` (key material lives in a file outside the
// repository, under config.KeyFilePath, also wrapped under the
// passphrase).
type Mode int

const (
	ModeNone Mode = iota
	ModeRepokey
	ModeKeyfile
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeRepokey:
		return "repokey"
	case ModeKeyfile:
		return "keyfile"
	default:
		return "unknown"
	}
}

const (
	pbkdf2Iterations = 65536
	pbkdf2KeyLen      = 64 // 32 bytes to confirm passphrase, 32 bytes KEK
	kekSize           = 32
)

// keysPlaintextSize is the length of the serialized crypto.Keys bundle
// that gets AES-GCM sealed under the KEK: four 32-byte fields.
const keysPlaintextSize = 4 * crypto.KeySize

// WrappedKey is the on-disk (or in-repository-metadata) representation
// of a repokey/keyfile key: a passphrase-derived KEK wraps the actual
// crypto.Keys bundle, with a confirmation hash to detect a wrong
// passphrase before attempting to decrypt (same two-half-of-PBKDF2-
// output split the teacher uses).
type WrappedKey struct {
	Mode           Mode
	Salt           []byte
	PassphraseHash []byte
	EncryptedKeys  []byte
	Nonce          []byte
}

// Generate creates fresh key material for a new repository and wraps
// it under passphrase. mode must be ModeRepokey or ModeKeyfile;
// ModeNone repositories never call Generate.
func Generate(mode Mode, passphrase string) (crypto.Keys, WrappedKey, error) {
	var keys crypto.Keys
	if err := randomFill(keys.EncryptionKey[:], keys.IDHashKey[:], keys.ChunkSeed[:], keys.TAMKey[:]); err != nil {
		return keys, WrappedKey{}, err
	}

	wrapped, err := wrap(mode, passphrase, keys)
	if err != nil {
		return keys, WrappedKey{}, err
	}
	return keys, wrapped, nil
}

func randomFill(bufs ...[]byte) error {
	for _, b := range bufs {
		if _, err := io.ReadFull(rand.Reader, b); err != nil {
			return cerrors.Wrap(cerrors.Security, err, "generate key material")
		}
	}
	return nil
}

func wrap(mode Mode, passphrase string, keys crypto.Keys) (WrappedKey, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return WrappedKey{}, cerrors.Wrap(cerrors.Security, err, "generate salt")
	}

	derived := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	passHash, kek := derived[:32], derived[32:]

	plain := serializeKeys(keys)
	ciphertext, nonce, err := aeadSeal(kek, plain)
	if err != nil {
		return WrappedKey{}, err
	}

	return WrappedKey{
		Mode:           mode,
		Salt:           salt,
		PassphraseHash: passHash,
		EncryptedKeys:  ciphertext,
		Nonce:          nonce,
	}, nil
}

// Unlock recovers crypto.Keys from a WrappedKey given the passphrase
// the caller believes is correct, returning cerrors.Security if it's
// wrong (detected via the stored passphrase-hash half of the PBKDF2
// output, as in the teacher).
func Unlock(w WrappedKey, passphrase string) (crypto.Keys, error) {
	derived := pbkdf2.Key([]byte(passphrase), w.Salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	passHash, kek := derived[:32], derived[32:]

	if !bytes.Equal(passHash, w.PassphraseHash) {
		return crypto.Keys{}, cerrors.New(cerrors.Security, "incorrect passphrase")
	}

	plain, err := aeadOpen(kek, w.Nonce, w.EncryptedKeys)
	if err != nil {
		return crypto.Keys{}, cerrors.Wrap(cerrors.Security, err, "unwrap key material")
	}
	return deserializeKeys(plain)
}

// ChangePassphrase rewraps keys under a new passphrase without
// regenerating or touching any key material, grounded on archiver.py's
// do_change_passphrase (SPEC_FULL.md §3).
func ChangePassphrase(w WrappedKey, oldPassphrase, newPassphrase string) (WrappedKey, error) {
	keys, err := Unlock(w, oldPassphrase)
	if err != nil {
		return WrappedKey{}, err
	}
	return wrap(w.Mode, newPassphrase, keys)
}

// Export serializes a WrappedKey to a portable, hex-encoded text block
// suitable for printing or writing to a file outside the repository,
// grounded on archiver.py's do_key_export (SPEC_FULL.md §3) and on the
// teacher's own hex-encoded encrypt.txt metadata format.
func Export(w WrappedKey) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "coffer-key-v1 %s\n", w.Mode)
	fmt.Fprintf(&sb, "%s\n", hex.EncodeToString(w.Salt))
	fmt.Fprintf(&sb, "%s\n", hex.EncodeToString(w.PassphraseHash))
	fmt.Fprintf(&sb, "%s\n", hex.EncodeToString(w.Nonce))
	fmt.Fprintf(&sb, "%s\n", hex.EncodeToString(w.EncryptedKeys))
	return sb.String()
}

// Import parses the text Export produces.
func Import(text string) (WrappedKey, error) {
	var modeStr string
	var saltHex, passHashHex, nonceHex, encHex string
	n, err := fmt.Sscanf(text, "coffer-key-v1 %s\n%s\n%s\n%s\n%s\n",
		&modeStr, &saltHex, &passHashHex, &nonceHex, &encHex)
	if err != nil || n != 5 {
		return WrappedKey{}, cerrors.New(cerrors.User, "malformed key export text")
	}

	var mode Mode
	switch modeStr {
	case "repokey":
		mode = ModeRepokey
	case "keyfile":
		mode = ModeKeyfile
	default:
		return WrappedKey{}, cerrors.New(cerrors.User, "unrecognized key mode in export text")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return WrappedKey{}, cerrors.Wrap(cerrors.User, err, "decode salt")
	}
	passHash, err := hex.DecodeString(passHashHex)
	if err != nil {
		return WrappedKey{}, cerrors.Wrap(cerrors.User, err, "decode passphrase hash")
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return WrappedKey{}, cerrors.Wrap(cerrors.User, err, "decode nonce")
	}
	enc, err := hex.DecodeString(encHex)
	if err != nil {
		return WrappedKey{}, cerrors.Wrap(cerrors.User, err, "decode encrypted key material")
	}

	return WrappedKey{Mode: mode, Salt: salt, PassphraseHash: passHash, EncryptedKeys: enc, Nonce: nonce}, nil
}

///////////////////////////////////////////////////////////////////////////
// serialization and the KEK-layer AEAD (a smaller, self-contained
// sibling of crypto.EncryptObject/DecryptObject: it uses a random
// per-call nonce rather than the repository's persisted monotonic
// counter, since key wrapping happens far too rarely to need a counter
// and must work before the repository's nonce counter even exists).

func serializeKeys(k crypto.Keys) []byte {
	out := make([]byte, 0, keysPlaintextSize)
	out = append(out, k.EncryptionKey[:]...)
	out = append(out, k.IDHashKey[:]...)
	out = append(out, k.ChunkSeed[:]...)
	out = append(out, k.TAMKey[:]...)
	return out
}

func deserializeKeys(plain []byte) (crypto.Keys, error) {
	var k crypto.Keys
	if len(plain) != keysPlaintextSize {
		return k, cerrors.New(cerrors.Integrity, "corrupt key bundle length")
	}
	copy(k.EncryptionKey[:], plain[0:32])
	copy(k.IDHashKey[:], plain[32:64])
	copy(k.ChunkSeed[:], plain[64:96])
	copy(k.TAMKey[:], plain[96:128])
	return k, nil
}

func aeadSeal(kek, plain []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(kek[:kekSize])
	if err != nil {
		return nil, nil, cerrors.Wrap(cerrors.Security, err, "aes.NewCipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, cerrors.Wrap(cerrors.Security, err, "cipher.NewGCM")
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, cerrors.Wrap(cerrors.Security, err, "generate KEK nonce")
	}
	return gcm.Seal(nil, nonce, plain, nil), nonce, nil
}

func aeadOpen(kek, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek[:kekSize])
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Security, err, "aes.NewCipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Security, err, "cipher.NewGCM")
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
