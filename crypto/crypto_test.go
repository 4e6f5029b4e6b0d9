package crypto

import (
	"bytes"
	"math/rand"
	"testing"
)

func testKeys(seed int64) Keys {
	r := rand.New(rand.NewSource(seed))
	var k Keys
	r.Read(k.EncryptionKey[:])
	r.Read(k.IDHashKey[:])
	r.Read(k.ChunkSeed[:])
	r.Read(k.TAMKey[:])
	return k
}

func TestIDHashStableAcrossCalls(t *testing.T) {
	k := testKeys(1)
	a := IDHash(k, []byte("hello world"))
	b := IDHash(k, []byte("hello world"))
	if a != b {
		t.Fatalf("IDHash not stable: %v != %v", a, b)
	}
}

func TestIDHashDiffersAcrossKeys(t *testing.T) {
	plaintext := []byte("hello world")
	a := IDHash(testKeys(1), plaintext)
	b := IDHash(testKeys(2), plaintext)
	if a == b {
		t.Fatalf("IDHash should differ across repositories with different keys")
	}
}

func TestUnkeyedIDStable(t *testing.T) {
	a := UnkeyedID([]byte("hello world"))
	b := UnkeyedID([]byte("hello world"))
	if a != b {
		t.Fatalf("UnkeyedID not stable")
	}
	if a == UnkeyedID([]byte("hello worlD")) {
		t.Fatalf("UnkeyedID collided on different input")
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	k := testKeys(3)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	blob, err := EncryptObject(k, 1, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptObject(k, blob)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptObjectRejectsTampering(t *testing.T) {
	k := testKeys(4)
	blob, err := EncryptObject(k, 1, []byte("secret payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	blob[len(blob)-1] ^= 0xFF
	if _, err := DecryptObject(k, blob); err == nil {
		t.Fatalf("expected error decrypting tampered ciphertext")
	}
}

func TestDecryptObjectRejectsShortInput(t *testing.T) {
	if _, err := DecryptObject(testKeys(5), []byte("short")); err == nil {
		t.Fatalf("expected error for too-short ciphertext")
	}
}

func TestDifferentNoncesProduceDifferentCiphertext(t *testing.T) {
	k := testKeys(6)
	plaintext := []byte("identical plaintext")
	a, err := EncryptObject(k, 1, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := EncryptObject(k, 2, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("ciphertexts with different nonces should differ")
	}
}

func TestTAMRoundtrip(t *testing.T) {
	k := testKeys(7)
	body := []byte("canonical manifest bytes")
	tag := TAM(k, body)
	if !VerifyTAM(k, body, tag) {
		t.Fatalf("VerifyTAM rejected a valid tag")
	}
}

func TestVerifyTAMRejectsWrongKey(t *testing.T) {
	body := []byte("canonical manifest bytes")
	tag := TAM(testKeys(8), body)
	if VerifyTAM(testKeys(9), body, tag) {
		t.Fatalf("VerifyTAM accepted a tag produced under a different key")
	}
}

func TestVerifyTAMRejectsModifiedBody(t *testing.T) {
	k := testKeys(10)
	tag := TAM(k, []byte("original body"))
	if VerifyTAM(k, []byte("modified body"), tag) {
		t.Fatalf("VerifyTAM accepted a tag for a different body")
	}
}
