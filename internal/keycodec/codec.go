package keycodec

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// The index store sorts keys bytewise, so every value encoding here must
// preserve the natural order of its source type under lexicographic
// comparison. Range scans then become plain prefix seeks.

const (
	// DigestSize is the width of every identity digest (SHA-1).
	DigestSize = 20

	// MaxStringValueBytes bounds the raw bytes of a string value that
	// participate in ordering. Longer strings are truncated before encoding.
	MaxStringValueBytes = 128

	int64Size = 8

	// stringTerminator closes a string encoding. Every content byte is
	// shifted +2, so 0x01 can never appear inside the payload and shorter
	// strings sort before their extensions.
	stringTerminator byte = 0x01
)

var (
	// ErrCorruptIndex is returned when a stored key or value fails its
	// length or tag check on decode. The index is not repaired automatically.
	ErrCorruptIndex = errors.New("corrupt index entry")

	// ErrUnsupportedValue is returned when a value has no order-preserving
	// encoding and cannot be canonically serialized either.
	ErrUnsupportedValue = errors.New("unsupported value type")
)

// Digest is a fixed-width identity: either an entity id or a content hash.
type Digest [DigestSize]byte

// ZeroDigest is the nil sentinel: the id of the absent value.
var ZeroDigest = Digest{}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the nil sentinel.
func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

// NewDigest copies b into a Digest. The input must be exactly DigestSize bytes.
func NewDigest(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("%w: digest length %d, want %d", ErrCorruptIndex, len(b), DigestSize)
	}
	copy(d[:], b)
	return d, nil
}

// Sum returns the SHA-1 digest of data.
func Sum(data []byte) Digest {
	return sha1.Sum(data)
}

var canonicalEnc cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("keycodec: canonical cbor mode: %v", err))
	}
	canonicalEnc = em
}

// CanonicalSum serializes v deterministically (canonical CBOR: sorted map
// keys, shortest-form integers) and returns the SHA-1 of the result. Two
// structurally equal values always hash the same.
func CanonicalSum(v any) (Digest, error) {
	data, err := canonicalEnc.Marshal(v)
	if err != nil {
		return Digest{}, fmt.Errorf("canonical serialize: %w", err)
	}
	return Sum(data), nil
}

// EncodeInt64 encodes v big-endian with the sign bit flipped, so negative
// values sort before positive ones.
func EncodeInt64(v int64) []byte {
	b := make([]byte, int64Size)
	PutInt64(b, v)
	return b
}

// PutInt64 writes the order-preserving encoding of v into dst[:8].
func PutInt64(dst []byte, v int64) {
	binary.BigEndian.PutUint64(dst, uint64(v)^(1<<63))
}

// DecodeInt64 reverses EncodeInt64.
func DecodeInt64(b []byte) (int64, error) {
	if len(b) != int64Size {
		return 0, fmt.Errorf("%w: int64 length %d", ErrCorruptIndex, len(b))
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), nil
}

// PutDescInt64 writes the descending encoding of v: complement first, then
// the usual sign-bit flip. Larger values sort earlier, which makes the most
// recent version of an entity the first key under its prefix.
func PutDescInt64(dst []byte, v int64) {
	PutInt64(dst, ^v)
}

// EncodeDescInt64 is PutDescInt64 into a fresh slice.
func EncodeDescInt64(v int64) []byte {
	return EncodeInt64(^v)
}

// DecodeDescInt64 reverses PutDescInt64.
func DecodeDescInt64(b []byte) (int64, error) {
	v, err := DecodeInt64(b)
	if err != nil {
		return 0, err
	}
	return ^v, nil
}

// EncodeFloat64 encodes an IEEE-754 double so that byte order matches
// numeric order: negative values have all bits inverted, non-negative
// values have the sign bit flipped, and the result is incremented by one.
func EncodeFloat64(f float64) []byte {
	u := math.Float64bits(f)
	if f < 0 || (f == 0 && math.Signbit(f)) {
		u = ^u
	} else {
		u ^= 1 << 63
	}
	u++
	b := make([]byte, int64Size)
	binary.BigEndian.PutUint64(b, u)
	return b
}

// DecodeFloat64 reverses EncodeFloat64.
func DecodeFloat64(b []byte) (float64, error) {
	if len(b) != int64Size {
		return 0, fmt.Errorf("%w: float64 length %d", ErrCorruptIndex, len(b))
	}
	u := binary.BigEndian.Uint64(b) - 1
	if u&(1<<63) != 0 {
		u ^= 1 << 63
	} else {
		u = ^u
	}
	return math.Float64frombits(u), nil
}

// EncodeTime encodes t as its millisecond instant.
func EncodeTime(t time.Time) []byte {
	return EncodeInt64(t.UnixMilli())
}

// DecodeTime reverses EncodeTime. The result is UTC with millisecond
// precision, which is also the stored precision.
func DecodeTime(b []byte) (time.Time, error) {
	ms, err := DecodeInt64(b)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// EncodeString shifts every UTF-8 byte by +2 to keep the terminator and the
// zero byte out of the payload, truncates to MaxStringValueBytes of input,
// and closes with the terminator so prefixes sort before extensions.
func EncodeString(s string) []byte {
	raw := []byte(s)
	if len(raw) > MaxStringValueBytes {
		raw = raw[:MaxStringValueBytes]
	}
	out := make([]byte, 0, len(raw)+1)
	for _, c := range raw {
		out = append(out, c+2)
	}
	return append(out, stringTerminator)
}

// ValueBytes encodes a document attribute value for the attribute+value
// index. The dispatch is a closed sum: integers, doubles, times and short
// strings keep their natural order under byte comparison; everything else
// collapses to an identity digest and supports only point lookups.
func ValueBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return ZeroDigest[:], nil
	case int:
		return EncodeInt64(int64(x)), nil
	case int32:
		return EncodeInt64(int64(x)), nil
	case int64:
		return EncodeInt64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: uint64 %d overflows int64", ErrUnsupportedValue, x)
		}
		return EncodeInt64(int64(x)), nil
	case float64:
		return EncodeFloat64(x), nil
	case float32:
		return EncodeFloat64(float64(x)), nil
	case time.Time:
		return EncodeTime(x), nil
	case string:
		return EncodeString(x), nil
	case []byte:
		if len(x) == 0 {
			return ZeroDigest[:], nil
		}
		d := Sum(x)
		return d[:], nil
	case Digest:
		return x[:], nil
	default:
		d, err := CanonicalSum(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %T: %v", ErrUnsupportedValue, v, err)
		}
		return d[:], nil
	}
}
