package compress

import (
	"bytes"
	"math/rand"
	"testing"
)

func roundtrip(t *testing.T, c Codec, plain []byte) {
	t.Helper()
	tagged, err := c.Compress(plain)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if Tag(tagged[0]) != c.Tag() {
		t.Fatalf("tag byte %d, want %d", tagged[0], c.Tag())
	}
	got, err := Decompress(tagged)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("roundtrip mismatch: got %d bytes, want %d", len(got), len(plain))
	}
}

func TestCodecRoundtrips(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	plain := make([]byte, 64*1024)
	rng.Read(plain)
	// Make it compressible by repeating a block.
	copy(plain[32*1024:], plain[:32*1024])

	for _, tag := range []Tag{TagNone, TagZstd, TagBrotli, TagFlate} {
		c, ok := ByTag(tag)
		if !ok {
			t.Fatalf("no codec registered for tag %d", tag)
		}
		roundtrip(t, c, plain)
	}
}

func TestDecompressUnknownTag(t *testing.T) {
	if _, err := Decompress([]byte{0x7f, 1, 2, 3}); err == nil {
		t.Fatalf("expected error for unknown tag")
	}
}

func TestDecompressEmpty(t *testing.T) {
	if _, err := Decompress(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestObfuscateRoundtripRelative(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	plain := make([]byte, 16*1024)
	rng.Read(plain)

	tagged, err := CompressObfuscated(TagZstd, Relative(4), plain)
	if err != nil {
		t.Fatalf("compress obfuscated: %v", err)
	}
	if Tag(tagged[0]) != TagObfuscated {
		t.Fatalf("expected obfuscated tag")
	}
	got, err := Decompress(tagged)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestObfuscateAbsoluteBucketing(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	plain := make([]byte, 500)
	rng.Read(plain)

	tagged, err := CompressObfuscated(TagNone, Absolute(110), plain)
	if err != nil {
		t.Fatalf("compress obfuscated: %v", err)
	}
	// With TagNone the inner blob is len(plain)+1, well under the first
	// bucket (1KiB); the padded inner+padding portion should land
	// exactly on that boundary, with a few bytes of envelope overhead
	// (tag byte + padding-length varint) on top.
	innerLen := len(plain) + 1
	const firstBucket = 1024
	if len(tagged) < firstBucket || len(tagged) > firstBucket+8 {
		t.Fatalf("stored size %d, want close to bucket boundary %d (inner %d)", len(tagged), firstBucket, innerLen)
	}
	got, err := Decompress(tagged)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestSelectAutoFallsBackToNoneForIncompressible(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	plain := make([]byte, 8192)
	rng.Read(plain) // random bytes don't compress

	tagged, err := SelectAuto(plain)
	if err != nil {
		t.Fatalf("select auto: %v", err)
	}
	if Tag(tagged[0]) != TagNone {
		t.Fatalf("expected none tag for incompressible data, got %d", tagged[0])
	}
}
