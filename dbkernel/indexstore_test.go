package dbkernel

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ankur-anand/chronostore/dbkernel/internal/kvdrivers"
	"github.com/ankur-anand/chronostore/internal/logcodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIndexTestStore(t *testing.T) kvdrivers.Store {
	t.Helper()
	store, err := kvdrivers.NewBoltdb(filepath.Join(t.TempDir(), "index_test.db"), kvdrivers.Config{
		Namespace: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, store.Close())
	})
	return store
}

func stageVersions(t *testing.T, store kvdrivers.Store, versions []EntityTx) {
	t.Helper()
	var idx indexStore
	batch := kvdrivers.NewBatch()
	for _, etx := range versions {
		idx.StageEntityTx(batch, etx)
	}
	require.NoError(t, store.WriteBatch(batch))
}

func at(milli int64) time.Time {
	return time.UnixMilli(milli).UTC()
}

func TestEntityAt_TieBreaks(t *testing.T) {
	store := newIndexTestStore(t)
	eid := logcodec.MustNewID(":e/tie")

	h := func(n int64) logcodec.ContentHash {
		hash, _, err := logcodec.NewContentHash(logcodec.Document{logcodec.AttrID: ":e/tie", "n": n})
		require.NoError(t, err)
		return hash
	}

	stageVersions(t, store, []EntityTx{
		{Entity: eid, BusinessTime: at(100), TxTime: at(100), TxID: 1, Hash: h(1)},
		// same business time, later transaction time wins.
		{Entity: eid, BusinessTime: at(100), TxTime: at(200), TxID: 2, Hash: h(2)},
		// identical (bt, tt): the higher tx-id wins.
		{Entity: eid, BusinessTime: at(100), TxTime: at(200), TxID: 3, Hash: h(3)},
		{Entity: eid, BusinessTime: at(300), TxTime: at(300), TxID: 4, Hash: h(4)},
	})

	snap, err := store.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	var idx indexStore

	etx, err := idx.entityAt(snap, eid, at(100), at(100))
	require.NoError(t, err)
	require.NotNil(t, etx)
	assert.Equal(t, h(1), etx.Hash, "tt bound excludes the later transactions")

	etx, err = idx.entityAt(snap, eid, at(100), at(250))
	require.NoError(t, err)
	require.NotNil(t, etx)
	assert.Equal(t, h(3), etx.Hash, "highest tx-id wins an exact (bt, tt) tie")
	assert.Equal(t, int64(3), etx.TxID)

	etx, err = idx.entityAt(snap, eid, at(500), at(500))
	require.NoError(t, err)
	require.NotNil(t, etx)
	assert.Equal(t, h(4), etx.Hash)

	etx, err = idx.entityAt(snap, eid, at(50), at(500))
	require.NoError(t, err)
	assert.Nil(t, etx, "no version asserted at or before bt=50")

	// a different entity's history is invisible under this prefix.
	other, err := idx.entityAt(snap, logcodec.MustNewID(":e/other"), at(500), at(500))
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestStageDoc_IndexesCollectionValues(t *testing.T) {
	store := newIndexTestStore(t)

	doc := logcodec.Document{
		logcodec.AttrID: ":e/coll",
		"tags":          []any{"alpha", "beta", "gamma"},
	}
	hash, frozen, err := logcodec.NewContentHash(doc)
	require.NoError(t, err)

	var idx indexStore
	batch := kvdrivers.NewBatch()
	require.NoError(t, idx.StageDoc(batch, hash, frozen, doc))
	require.NoError(t, store.WriteBatch(batch))

	snap, err := store.NewSnapshot()
	require.NoError(t, err)
	cursor, err := newAttrCursor(snap, "tags", nil, nil)
	require.NoError(t, err)
	defer cursor.Close()

	count := 0
	for {
		entry, err := cursor.Next()
		require.NoError(t, err)
		if entry == nil {
			break
		}
		assert.Equal(t, hash, entry.Hash)
		count++
	}
	assert.Equal(t, 3, count, "every element of a collection value is indexed")
}

func TestStageUnindexDoc_RemovesSecondaryEntries(t *testing.T) {
	store := newIndexTestStore(t)

	doc := logcodec.Document{logcodec.AttrID: ":e/un", "name": "thing"}
	hash, frozen, err := logcodec.NewContentHash(doc)
	require.NoError(t, err)

	var idx indexStore
	batch := kvdrivers.NewBatch()
	require.NoError(t, idx.StageDoc(batch, hash, frozen, doc))
	require.NoError(t, store.WriteBatch(batch))

	batch.Reset()
	require.NoError(t, idx.StageUnindexDoc(batch, hash, doc))
	require.NoError(t, store.WriteBatch(batch))

	snap, err := store.NewSnapshot()
	require.NoError(t, err)
	cursor, err := newAttrCursor(snap, "name", nil, nil)
	require.NoError(t, err)
	defer cursor.Close()

	entry, err := cursor.Next()
	require.NoError(t, err)
	assert.Nil(t, entry, "unindex removes the attribute entries")
}
