package dbkernel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ankur-anand/chronostore/dbkernel/internal/kvdrivers"
	"github.com/ankur-anand/chronostore/internal/keycodec"
	"github.com/ankur-anand/chronostore/internal/logcodec"
)

var (
	tombstoneOnce sync.Once
	tombstoneHash logcodec.ContentHash
)

// TombstoneHash is the sentinel content hash an evicted entity version
// points at. It is the hash of the anonymous tombstone document, so it is
// stable across processes.
func TombstoneHash() logcodec.ContentHash {
	tombstoneOnce.Do(func() {
		var err error
		tombstoneHash, _, err = logcodec.NewContentHash(logcodec.Document{
			logcodec.AttrID:      "db/tombstone",
			logcodec.AttrEvicted: true,
		})
		if err != nil {
			panic(fmt.Sprintf("dbkernel: tombstone document: %v", err))
		}
	})
	return tombstoneHash
}

// objectStore maps content hashes to frozen document bytes inside the
// content index space.
type objectStore struct {
	store kvdrivers.Store
}

// Get returns the frozen bytes at hash, or nil when the hash is absent,
// which is a legitimate state after compaction has evicted a stale version.
func (o *objectStore) Get(hash logcodec.ContentHash) ([]byte, error) {
	data, err := o.store.Get(keycodec.ContentKey(hash))
	if errors.Is(err, kvdrivers.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("object store get %s: %w", hash, err)
	}
	return data, nil
}

// StagePut stages an idempotent write of the frozen bytes at hash.
// Overwriting an existing entry with the same bytes is semantically a no-op.
func (o *objectStore) StagePut(batch *kvdrivers.Batch, hash logcodec.ContentHash, data []byte) {
	batch.Put(keycodec.ContentKey(hash), data)
}

// StageDelete stages removal of the document bytes for the given hashes.
func (o *objectStore) StageDelete(batch *kvdrivers.Batch, hashes ...logcodec.ContentHash) {
	for _, h := range hashes {
		batch.Delete(keycodec.ContentKey(h))
	}
}
