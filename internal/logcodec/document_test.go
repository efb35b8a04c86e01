package logcodec_test

import (
	"testing"

	"github.com/ankur-anand/chronostore/internal/keycodec"
	"github.com/ankur-anand/chronostore/internal/logcodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalFreeze_Deterministic(t *testing.T) {
	doc := logcodec.Document{
		logcodec.AttrID: ":person/picasso",
		"firstName":     "Pablo",
		"surname":       "Picasso",
		"born":          int64(1881),
	}

	a, err := logcodec.CanonicalFreeze(doc)
	require.NoError(t, err)

	// structurally equal content freezes to identical bytes regardless of
	// how the map was built.
	rebuilt := logcodec.Document{}
	rebuilt["born"] = int64(1881)
	rebuilt["surname"] = "Picasso"
	rebuilt[logcodec.AttrID] = ":person/picasso"
	rebuilt["firstName"] = "Pablo"
	b, err := logcodec.CanonicalFreeze(rebuilt)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	hashA, _, err := logcodec.NewContentHash(doc)
	require.NoError(t, err)
	hashB, _, err := logcodec.NewContentHash(rebuilt)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
}

func TestCanonicalFreeze_RequiresID(t *testing.T) {
	_, err := logcodec.CanonicalFreeze(logcodec.Document{"name": "nobody"})
	assert.Error(t, err)
}

func TestDecodeDocument_RoundTrip(t *testing.T) {
	doc := logcodec.Document{
		logcodec.AttrID: ":thing/one",
		"count":         int64(3),
		"tags":          []any{"a", "b"},
	}
	data, err := logcodec.CanonicalFreeze(doc)
	require.NoError(t, err)

	got, err := logcodec.DecodeDocument(data)
	require.NoError(t, err)
	assert.Equal(t, ":thing/one", got[logcodec.AttrID])
	assert.EqualValues(t, 3, got["count"])

	_, err = logcodec.DecodeDocument([]byte{0xff, 0x00, 0x13})
	assert.Error(t, err)
}

func TestContentHash_ChangesWithContent(t *testing.T) {
	a, _, err := logcodec.NewContentHash(logcodec.Document{logcodec.AttrID: ":e/1", "v": int64(1)})
	require.NoError(t, err)
	b, _, err := logcodec.NewContentHash(logcodec.Document{logcodec.AttrID: ":e/1", "v": int64(2)})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, keycodec.DigestSize)
}

func TestTombstoneDocument(t *testing.T) {
	eid := logcodec.MustNewID(":person/picasso")
	tomb := logcodec.TombstoneDocument(eid)
	assert.True(t, tomb.IsTombstone())

	data, err := logcodec.CanonicalFreeze(tomb)
	require.NoError(t, err)
	assert.True(t, logcodec.IsTombstoneBytes(data))

	normal := logcodec.Document{logcodec.AttrID: ":person/picasso", "firstName": "Pablo"}
	assert.False(t, normal.IsTombstone())
	frozen, err := logcodec.CanonicalFreeze(normal)
	require.NoError(t, err)
	assert.False(t, logcodec.IsTombstoneBytes(frozen))
}

func TestDocument_EntityID(t *testing.T) {
	doc := logcodec.Document{logcodec.AttrID: ":e/42", "v": int64(1)}
	eid, err := doc.EntityID()
	require.NoError(t, err)
	assert.Equal(t, logcodec.MustNewID(":e/42"), eid)

	_, err = logcodec.Document{"v": int64(1)}.EntityID()
	assert.ErrorIs(t, err, logcodec.ErrMalformedID)
}
