package compress

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/coffer-backup/coffer/cerrors"
)

// ObfuscateSpec selects how much random padding Obfuscate adds to a
// compressed object's on-disk size, resolving the Open Question spec.md
// §9 leaves unanswered (see DESIGN.md). Exactly one of the two
// constructors below should be used to build a value.
type ObfuscateSpec struct {
	relative bool
	level    int
}

// Relative pads by a random percentage of the compressed size, scaled
// by level (1..6, low to high): up to level*10 percent, so level 6 adds
// at most 60% to the compressed size.
func Relative(level int) ObfuscateSpec {
	if level < 1 {
		level = 1
	}
	if level > 6 {
		level = 6
	}
	return ObfuscateSpec{relative: true, level: level}
}

// Absolute pads the object up to the next entry in a fixed ladder of
// size buckets selected by level (110..123, lowest to highest
// granularity); unlike Relative this hides the object's size class
// rather than merely blurring it.
func Absolute(level int) ObfuscateSpec {
	if level < 110 {
		level = 110
	}
	if level > 123 {
		level = 123
	}
	return ObfuscateSpec{relative: false, level: level}
}

// absoluteBuckets is the fixed size ladder Absolute pads up to; level
// selects how many of the smallest buckets are used (coarser ladders at
// low levels, finer at high ones), matching the "small number of fixed
// size classes vs. many" framing in spec.md §4.2.
var absoluteBuckets = []int{
	1 << 10, 1 << 12, 1 << 14, 1 << 16, 1 << 18, 1 << 20,
	1 << 22, 1 << 24, 1 << 26, 1 << 28,
}

func (s ObfuscateSpec) paddingLen(compressedLen int) (int, error) {
	if s.level == 0 {
		return 0, nil // zero-value spec: no padding
	}
	if s.relative {
		maxPct := s.level * 10 // level 1 -> up to 10%, level 6 -> up to 60%
		n, err := randInt(maxPct + 1)
		if err != nil {
			return 0, err
		}
		return compressedLen * n / 100, nil
	}

	nBuckets := s.level - 109 // 110 -> 1 bucket, 123 -> 14 (clamped below)
	if nBuckets > len(absoluteBuckets) {
		nBuckets = len(absoluteBuckets)
	}
	for _, bucket := range absoluteBuckets[:nBuckets] {
		if compressedLen <= bucket {
			return bucket - compressedLen, nil
		}
	}
	// Larger than every bucket: pad to the next power-of-two-ish multiple
	// of the largest bucket.
	largest := absoluteBuckets[nBuckets-1]
	over := compressedLen % largest
	if over == 0 {
		return 0, nil
	}
	return largest - over, nil
}

func randInt(n int) (int, error) {
	if n <= 1 {
		return 0, nil
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, cerrors.Wrap(cerrors.Security, err, "read randomness for padding")
	}
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n)), nil
}

// obfuscateCodec wraps an already-tagged payload (produced by any other
// codec in the registry) with random padding, so two objects with very
// different plaintext sizes can end up with overlapping stored sizes.
// Wire format: TagObfuscated, varint(padding length), inner tagged
// bytes, padding bytes.
type obfuscateCodec struct {
	// spec chooses the padding amount at Compress time; a zero value
	// here just means "no padding," used only when the registry's
	// default is queried directly rather than through CompressObfuscated.
	spec ObfuscateSpec
}

func (obfuscateCodec) Tag() Tag { return TagObfuscated }

func (c obfuscateCodec) Compress(plain []byte) ([]byte, error) {
	return CompressObfuscated(TagZstd, c.spec, plain)
}

// CompressObfuscated compresses plain with the codec named by innerTag,
// then pads the result per spec. Use this instead of calling a
// registered Codec's Compress directly when obfuscation is desired.
func CompressObfuscated(innerTag Tag, spec ObfuscateSpec, plain []byte) ([]byte, error) {
	inner, ok := ByTag(innerTag)
	if !ok {
		return nil, cerrors.New(cerrors.User, "unknown inner compression tag for obfuscation")
	}
	innerBlob, err := inner.Compress(plain)
	if err != nil {
		return nil, err
	}

	padLen, err := spec.paddingLen(len(innerBlob))
	if err != nil {
		return nil, err
	}
	padding := make([]byte, padLen)
	if padLen > 0 {
		if _, err := rand.Read(padding); err != nil {
			return nil, cerrors.Wrap(cerrors.Security, err, "read randomness for padding bytes")
		}
	}

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(padLen))

	out := make([]byte, 0, 1+n+len(innerBlob)+padLen)
	out = append(out, byte(TagObfuscated))
	out = append(out, lenBuf[:n]...)
	out = append(out, innerBlob...)
	out = append(out, padding...)
	return out, nil
}

func (obfuscateCodec) Decompress(tagged []byte) ([]byte, error) {
	if len(tagged) == 0 || Tag(tagged[0]) != TagObfuscated {
		return nil, cerrors.New(cerrors.Integrity, "not an obfuscated-tagged payload")
	}
	rest := tagged[1:]
	padLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, cerrors.New(cerrors.Integrity, "malformed obfuscation padding length")
	}
	rest = rest[n:]
	if uint64(len(rest)) < padLen {
		return nil, cerrors.New(cerrors.Integrity, "obfuscated payload shorter than declared padding")
	}
	inner := rest[:uint64(len(rest))-padLen]
	return Decompress(inner)
}

// SelectAuto picks a codec for plain based on a cheap compressibility
// heuristic (spec.md §4.2's "auto" mode): it tries zstd and falls back
// to storing the plaintext uncompressed if zstd doesn't shrink it by at
// least 5%, avoiding paying the decompression cost for data that's
// already compressed or encrypted upstream.
func SelectAuto(plain []byte) ([]byte, error) {
	zstdCodec, _ := ByTag(TagZstd)
	compressed, err := zstdCodec.Compress(plain)
	if err != nil {
		return nil, err
	}
	if len(compressed) > len(plain)*95/100 {
		noneCodec, _ := ByTag(TagNone)
		return noneCodec.Compress(plain)
	}
	return compressed, nil
}
