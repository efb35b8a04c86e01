package keycodec_test

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/ankur-anand/chronostore/internal/keycodec"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeInt64_OrderPreservation(t *testing.T) {
	fixed := []int64{math.MinInt64, -1 << 32, -255, -1, 0, 1, 255, 1 << 32, math.MaxInt64}
	values := append([]int64{}, fixed...)
	for i := 0; i < 500; i++ {
		values = append(values, gofakeit.Int64())
	}

	for i, a := range values {
		for _, b := range values[i+1:] {
			ea, eb := keycodec.EncodeInt64(a), keycodec.EncodeInt64(b)
			switch {
			case a < b:
				assert.Negative(t, bytes.Compare(ea, eb), "encode(%d) should sort before encode(%d)", a, b)
			case a > b:
				assert.Positive(t, bytes.Compare(ea, eb), "encode(%d) should sort after encode(%d)", a, b)
			default:
				assert.Equal(t, ea, eb)
			}
		}
	}
}

func TestEncodeInt64_RoundTrip(t *testing.T) {
	for i := 0; i < 1000; i++ {
		v := gofakeit.Int64()
		got, err := keycodec.DecodeInt64(keycodec.EncodeInt64(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	_, err := keycodec.DecodeInt64([]byte{1, 2, 3})
	assert.ErrorIs(t, err, keycodec.ErrCorruptIndex)
}

func TestEncodeDescInt64_ReversesOrder(t *testing.T) {
	values := []int64{math.MinInt64 + 1, -42, 0, 7, 1_700_000_000_000, math.MaxInt64 - 1}
	for i := 0; i < len(values)-1; i++ {
		a, b := values[i], values[i+1]
		ea, eb := keycodec.EncodeDescInt64(a), keycodec.EncodeDescInt64(b)
		assert.Positive(t, bytes.Compare(ea, eb), "desc(%d) should sort after desc(%d)", a, b)
	}

	for i := 0; i < 1000; i++ {
		v := gofakeit.Int64()
		got, err := keycodec.DecodeDescInt64(keycodec.EncodeDescInt64(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestEncodeFloat64_OrderPreservation(t *testing.T) {
	fixed := []float64{math.Inf(-1), -math.MaxFloat64, -1e9, -1.5, -math.SmallestNonzeroFloat64,
		0, math.SmallestNonzeroFloat64, 0.5, 1.0, 1e9, math.MaxFloat64, math.Inf(1)}
	values := append([]float64{}, fixed...)
	for i := 0; i < 500; i++ {
		values = append(values, gofakeit.Float64Range(-1e12, 1e12))
	}

	for i, a := range values {
		for _, b := range values[i+1:] {
			ea, eb := keycodec.EncodeFloat64(a), keycodec.EncodeFloat64(b)
			switch {
			case a < b:
				assert.Negative(t, bytes.Compare(ea, eb), "encode(%g) should sort before encode(%g)", a, b)
			case a > b:
				assert.Positive(t, bytes.Compare(ea, eb), "encode(%g) should sort after encode(%g)", a, b)
			}
		}
	}
}

func TestEncodeFloat64_RoundTrip(t *testing.T) {
	values := []float64{math.Inf(-1), -1e9, -1.5, 0, 2.75, 1e9, math.Inf(1)}
	for i := 0; i < 500; i++ {
		values = append(values, gofakeit.Float64Range(-1e12, 1e12))
	}
	for _, v := range values {
		got, err := keycodec.DecodeFloat64(keycodec.EncodeFloat64(v))
		require.NoError(t, err)
		assert.Equal(t, v, got) //nolint:testifylint
	}
}

func TestEncodeTime_OrderAndRoundTrip(t *testing.T) {
	base := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(-100 * 24 * time.Hour),
		base,
		base.Add(time.Millisecond),
		base.Add(time.Hour),
		base.AddDate(5, 0, 0),
	}
	for i := 0; i < len(times)-1; i++ {
		ea, eb := keycodec.EncodeTime(times[i]), keycodec.EncodeTime(times[i+1])
		assert.Negative(t, bytes.Compare(ea, eb))
	}
	got, err := keycodec.DecodeTime(keycodec.EncodeTime(base))
	require.NoError(t, err)
	assert.True(t, got.Equal(base))
}

func TestEncodeString_OrderPreservation(t *testing.T) {
	values := []string{"", "a", "aa", "ab", "b", "ba", "hello", "hello world", "z"}
	for i := 0; i < len(values)-1; i++ {
		ea, eb := keycodec.EncodeString(values[i]), keycodec.EncodeString(values[i+1])
		assert.Negative(t, bytes.Compare(ea, eb), "%q should sort before %q", values[i], values[i+1])
	}

	for i := 0; i < 500; i++ {
		a, b := gofakeit.LetterN(12), gofakeit.LetterN(12)
		ea, eb := keycodec.EncodeString(a), keycodec.EncodeString(b)
		switch {
		case a < b:
			assert.Negative(t, bytes.Compare(ea, eb))
		case a > b:
			assert.Positive(t, bytes.Compare(ea, eb))
		}
	}
}

func TestEncodeString_Truncation(t *testing.T) {
	long := gofakeit.LetterN(400)
	encoded := keycodec.EncodeString(long)
	// content capped at the truncation limit plus one terminator byte.
	assert.Len(t, encoded, keycodec.MaxStringValueBytes+1)

	same := keycodec.EncodeString(long[:keycodec.MaxStringValueBytes])
	assert.Equal(t, same, encoded)
}

func TestValueBytes_Dispatch(t *testing.T) {
	t.Run("nil is the zero digest", func(t *testing.T) {
		got, err := keycodec.ValueBytes(nil)
		require.NoError(t, err)
		assert.Equal(t, keycodec.ZeroDigest[:], got)
	})

	t.Run("bytes collapse to digest", func(t *testing.T) {
		got, err := keycodec.ValueBytes([]byte("payload"))
		require.NoError(t, err)
		assert.Len(t, got, keycodec.DigestSize)
	})

	t.Run("empty bytes are the zero digest", func(t *testing.T) {
		got, err := keycodec.ValueBytes([]byte{})
		require.NoError(t, err)
		assert.Equal(t, keycodec.ZeroDigest[:], got)
	})

	t.Run("composite values hash deterministically", func(t *testing.T) {
		a, err := keycodec.ValueBytes(map[string]any{"x": int64(1), "y": "two"})
		require.NoError(t, err)
		b, err := keycodec.ValueBytes(map[string]any{"y": "two", "x": int64(1)})
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, keycodec.DigestSize)
	})

	t.Run("ints normalize to int64 encoding", func(t *testing.T) {
		a, err := keycodec.ValueBytes(int(42))
		require.NoError(t, err)
		b, err := keycodec.ValueBytes(int64(42))
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})
}

func TestCanonicalSum_Stability(t *testing.T) {
	for i := 0; i < 100; i++ {
		m := map[string]any{
			"name": gofakeit.Name(),
			"age":  int64(gofakeit.Number(1, 99)),
		}
		a, err := keycodec.CanonicalSum(m)
		require.NoError(t, err)
		b, err := keycodec.CanonicalSum(m)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestNewDigest_LengthCheck(t *testing.T) {
	_, err := keycodec.NewDigest(make([]byte, 19))
	assert.ErrorIs(t, err, keycodec.ErrCorruptIndex)

	d, err := keycodec.NewDigest(make([]byte, 20))
	require.NoError(t, err)
	assert.True(t, d.IsZero())
}
