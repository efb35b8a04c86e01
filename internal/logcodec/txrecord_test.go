package logcodec_test

import (
	"testing"
	"time"

	"github.com/ankur-anand/chronostore/internal/logcodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxRecord_RoundTrip(t *testing.T) {
	eid := logcodec.MustNewID(":person/picasso")
	docHash, _, err := logcodec.NewContentHash(logcodec.Document{
		logcodec.AttrID: ":person/picasso",
		"firstName":     "Pablo",
	})
	require.NoError(t, err)
	oldHash, _, err := logcodec.NewContentHash(logcodec.Document{
		logcodec.AttrID: ":person/picasso",
		"firstName":     "P.",
	})
	require.NoError(t, err)

	validTime := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	ops := []logcodec.Operation{
		{Kind: logcodec.OpPut, Entity: eid, Hash: docHash, ValidTime: &validTime},
		{Kind: logcodec.OpDelete, Entity: eid},
		{Kind: logcodec.OpCas, Entity: eid, OldHash: oldHash, Hash: docHash},
		{Kind: logcodec.OpEvict, Entity: eid},
	}

	data, err := logcodec.SerializeTxRecord(ops)
	require.NoError(t, err)

	got, err := logcodec.DeserializeTxRecord(data)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, logcodec.OpPut, got[0].Kind)
	assert.Equal(t, eid, got[0].Entity)
	assert.Equal(t, docHash, got[0].Hash)
	require.NotNil(t, got[0].ValidTime)
	assert.True(t, got[0].ValidTime.Equal(validTime))

	assert.Equal(t, logcodec.OpDelete, got[1].Kind)
	assert.True(t, got[1].Hash.IsZero())
	assert.Nil(t, got[1].ValidTime)

	assert.Equal(t, logcodec.OpCas, got[2].Kind)
	assert.Equal(t, oldHash, got[2].OldHash)
	assert.Equal(t, docHash, got[2].Hash)

	assert.Equal(t, logcodec.OpEvict, got[3].Kind)
}

// Documents never travel inside a transaction record: an unresolved put is a
// programming error, not a silent inline document.
func TestTxRecord_RejectsUnresolvedPut(t *testing.T) {
	op := logcodec.Put(logcodec.Document{logcodec.AttrID: ":e/1"}, nil)
	op.Entity = logcodec.MustNewID(":e/1")
	_, err := logcodec.SerializeTxRecord([]logcodec.Operation{op})
	assert.Error(t, err)
}

func TestTxRecord_RejectsMissingEntity(t *testing.T) {
	_, err := logcodec.SerializeTxRecord([]logcodec.Operation{{Kind: logcodec.OpDelete}})
	assert.Error(t, err)
}

func TestOpKind_String(t *testing.T) {
	assert.Equal(t, "put", logcodec.OpPut.String())
	assert.Equal(t, "delete", logcodec.OpDelete.String())
	assert.Equal(t, "cas", logcodec.OpCas.String())
	assert.Equal(t, "evict", logcodec.OpEvict.String())
}
