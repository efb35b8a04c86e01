package logcodec

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ankur-anand/chronostore/internal/keycodec"
	"github.com/google/uuid"
)

// ID is an entity identifier, always reduced to a fixed-width digest.
// ContentHash is the digest of a canonically serialized document. Both share
// the digest representation; the distinction is which space they index.
type (
	ID          = keycodec.Digest
	ContentHash = keycodec.Digest
)

// ErrMalformedID is returned when an input cannot be canonicalized into an
// entity id, e.g. a hex string that is not exactly the digest width.
var ErrMalformedID = errors.New("malformed entity id")

const hexIDLen = keycodec.DigestSize * 2

// NewID canonicalizes v into an entity id.
//
// Accepted forms: an ID, a hex string of exactly the digest width, any other
// string (hashed), a uuid.UUID (hashed), a raw byte slice (digest-width used
// verbatim, anything else hashed), and arbitrary maps, which are hashed after
// canonical serialization.
func NewID(v any) (ID, error) {
	switch x := v.(type) {
	case ID:
		return x, nil
	case string:
		if isHexString(x) {
			if len(x) != hexIDLen {
				return ID{}, fmt.Errorf("%w: hex string length %d, want %d", ErrMalformedID, len(x), hexIDLen)
			}
			raw, err := hex.DecodeString(x)
			if err != nil {
				return ID{}, fmt.Errorf("%w: %v", ErrMalformedID, err)
			}
			id, err := keycodec.NewDigest(raw)
			if err != nil {
				return ID{}, fmt.Errorf("%w: %v", ErrMalformedID, err)
			}
			return id, nil
		}
		return hashID(x)
	case uuid.UUID:
		return hashID(x.String())
	case []byte:
		if len(x) == keycodec.DigestSize {
			id, err := keycodec.NewDigest(x)
			if err != nil {
				return ID{}, fmt.Errorf("%w: %v", ErrMalformedID, err)
			}
			return id, nil
		}
		if len(x) == 0 {
			return ID{}, fmt.Errorf("%w: empty byte id", ErrMalformedID)
		}
		return keycodec.Sum(x), nil
	case map[string]any:
		return hashID(x)
	case nil:
		return ID{}, fmt.Errorf("%w: nil id", ErrMalformedID)
	default:
		return hashID(x)
	}
}

// MustNewID is NewID for inputs known valid at compile time, e.g. fixture
// keywords in tests.
func MustNewID(v any) ID {
	id, err := NewID(v)
	if err != nil {
		panic(err)
	}
	return id
}

func hashID(v any) (ID, error) {
	d, err := keycodec.CanonicalSum(v)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrMalformedID, err)
	}
	return d, nil
}

// a string is treated as a hex id only when every rune is a hex digit and
// the length is even; keyword-like ids such as ":person/picasso" fall
// through to hashing.
func isHexString(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
