package kvdrivers_test

import (
	"testing"

	"github.com/ankur-anand/chronostore/dbkernel/internal/kvdrivers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// the same behavioral suite runs against every driver; the index store must
// be able to swap backends without observable differences.
type suiteCase struct {
	name    string
	runFunc func(t *testing.T, store kvdrivers.Store)
}

func getTestSuites() []suiteCase {
	return []suiteCase{
		{"put_get_delete", testPutGetDelete},
		{"get_missing_key", testGetMissingKey},
		{"write_batch_atomic_order", testWriteBatchOrder},
		{"snapshot_isolation", testSnapshotIsolation},
		{"iterator_seek_next_prev", testIteratorSeekNextPrev},
		{"iterator_prefix_scan", testIteratorPrefixScan},
	}
}

func runSuite(t *testing.T, store kvdrivers.Store) {
	for _, tc := range getTestSuites() {
		t.Run(tc.name, func(t *testing.T) {
			tc.runFunc(t, store)
		})
	}
}

func testPutGetDelete(t *testing.T, store kvdrivers.Store) {
	key := []byte("suite/put-get/key")
	require.NoError(t, store.Put(key, []byte("v1")))

	got, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// overwrite wins
	require.NoError(t, store.Put(key, []byte("v2")))
	got, err = store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, store.Delete(key))
	_, err = store.Get(key)
	assert.ErrorIs(t, err, kvdrivers.ErrKeyNotFound)

	// deleting an absent key is a no-op
	assert.NoError(t, store.Delete(key))
}

func testGetMissingKey(t *testing.T, store kvdrivers.Store) {
	_, err := store.Get([]byte("suite/never-written"))
	assert.ErrorIs(t, err, kvdrivers.ErrKeyNotFound)
}

func testWriteBatchOrder(t *testing.T, store kvdrivers.Store) {
	batch := kvdrivers.NewBatch()
	batch.Put([]byte("suite/batch/a"), []byte("1"))
	batch.Put([]byte("suite/batch/b"), []byte("2"))
	batch.Put([]byte("suite/batch/a"), []byte("3"))
	batch.Delete([]byte("suite/batch/b"))
	batch.Delete([]byte("suite/batch/absent"))
	require.Equal(t, 5, batch.Len())

	require.NoError(t, store.WriteBatch(batch))

	got, err := store.Get([]byte("suite/batch/a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), got, "later put of the same key wins within one batch")

	_, err = store.Get([]byte("suite/batch/b"))
	assert.ErrorIs(t, err, kvdrivers.ErrKeyNotFound)

	batch.Reset()
	assert.Equal(t, 0, batch.Len())
}

func testSnapshotIsolation(t *testing.T, store kvdrivers.Store) {
	key := []byte("suite/snapshot/key")
	require.NoError(t, store.Put(key, []byte("before")))

	snap, err := store.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	require.NoError(t, store.Put(key, []byte("after")))

	got, err := snap.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), got, "snapshot must not observe writes after its creation")

	got, err = store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), got)
}

func testIteratorSeekNextPrev(t *testing.T, store kvdrivers.Store) {
	keys := []string{"suite/iter/a", "suite/iter/c", "suite/iter/e"}
	for _, k := range keys {
		require.NoError(t, store.Put([]byte(k), []byte("v")))
	}

	snap, err := store.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	it, err := snap.NewIterator()
	require.NoError(t, err)
	defer it.Close()

	// seek positions at the first key >= target
	require.True(t, it.Seek([]byte("suite/iter/b")))
	assert.Equal(t, []byte("suite/iter/c"), it.Key())

	require.True(t, it.Next())
	assert.Equal(t, []byte("suite/iter/e"), it.Key())

	require.True(t, it.Prev())
	assert.Equal(t, []byte("suite/iter/c"), it.Key())

	require.True(t, it.Seek([]byte("suite/iter/a")))
	assert.Equal(t, []byte("suite/iter/a"), it.Key())
}

func testIteratorPrefixScan(t *testing.T, store kvdrivers.Store) {
	for _, k := range []string{"suite/scan/00", "suite/scan/01", "suite/scan/02", "suite/zcan/00"} {
		require.NoError(t, store.Put([]byte(k), []byte(k)))
	}

	snap, err := store.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	it, err := snap.NewIterator()
	require.NoError(t, err)
	defer it.Close()

	var seen []string
	prefix := []byte("suite/scan/")
	for ok := it.Seek(prefix); ok; ok = it.Next() {
		key := it.Key()
		if len(key) < len(prefix) || string(key[:len(prefix)]) != string(prefix) {
			break
		}
		seen = append(seen, string(key))
	}
	assert.Equal(t, []string{"suite/scan/00", "suite/scan/01", "suite/scan/02"}, seen)
}
