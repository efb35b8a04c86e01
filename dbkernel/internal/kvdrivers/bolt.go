package kvdrivers

import (
	"bytes"
	"time"

	"go.etcd.io/bbolt"
)

// BoltStore wraps an initialized BoltDB (bbolt) database.
type BoltStore struct {
	db        *bbolt.DB
	namespace []byte
	mt        *MetricsTracker
}

// NewBoltdb opens (or creates) a BoltDB database at the given file path and
// initializes the namespace bucket.
func NewBoltdb(path string, conf Config) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{NoSync: conf.NoSync})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(conf.Namespace))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{
		db:        db,
		namespace: []byte(conf.Namespace),
		mt:        NewMetricsTracker("bolt", conf.Namespace),
	}, nil
}

// Get returns the value stored at key.
func (b *BoltStore) Get(key []byte) ([]byte, error) {
	defer b.mt.observe("get", time.Now())
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.namespace)
		if bucket == nil {
			return ErrBucketNotFound
		}
		v := bucket.Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Put associates value with key.
func (b *BoltStore) Put(key, value []byte) error {
	defer b.mt.observe("put", time.Now())
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.namespace)
		if bucket == nil {
			return ErrBucketNotFound
		}
		return bucket.Put(key, value)
	})
}

// Delete removes key. Removing an absent key is a no-op.
func (b *BoltStore) Delete(key []byte) error {
	defer b.mt.observe("delete", time.Now())
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.namespace)
		if bucket == nil {
			return ErrBucketNotFound
		}
		return bucket.Delete(key)
	})
}

// WriteBatch applies all staged operations in one bolt write transaction.
func (b *BoltStore) WriteBatch(batch *Batch) error {
	start := time.Now()
	defer b.mt.observeBatch(batch.Len(), start)
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.namespace)
		if bucket == nil {
			return ErrBucketNotFound
		}
		for _, op := range batch.ops {
			switch op.kind {
			case batchOpPut:
				if err := bucket.Put(op.key, op.value); err != nil {
					return err
				}
			case batchOpDelete:
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// NewSnapshot opens a read transaction pinning a consistent view until
// Close.
func (b *BoltStore) NewSnapshot() (Snapshot, error) {
	tx, err := b.db.Begin(false)
	if err != nil {
		return nil, err
	}
	bucket := tx.Bucket(b.namespace)
	if bucket == nil {
		_ = tx.Rollback()
		return nil, ErrBucketNotFound
	}
	return &boltSnapshot{tx: tx, bucket: bucket}, nil
}

// FSync ensures all database pages are flushed to disk.
func (b *BoltStore) FSync() error {
	return b.db.Sync()
}

// Close closes the underlying BoltDB database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

type boltSnapshot struct {
	tx     *bbolt.Tx
	bucket *bbolt.Bucket
	closed bool
}

func (s *boltSnapshot) Get(key []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrSnapshotClosed
	}
	v := s.bucket.Get(key)
	if v == nil {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *boltSnapshot) NewIterator() (Iterator, error) {
	if s.closed {
		return nil, ErrSnapshotClosed
	}
	return &boltIterator{cur: s.bucket.Cursor()}, nil
}

func (s *boltSnapshot) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.tx.Rollback()
}

type boltIterator struct {
	cur *bbolt.Cursor
	// last positioned key, kept so Prev can recover after the cursor runs
	// off the end of the bucket.
	key   []byte
	value []byte
	valid bool
}

func (it *boltIterator) set(k, v []byte) bool {
	if k == nil {
		it.valid = false
		return false
	}
	it.key, it.value = k, v
	it.valid = true
	return true
}

func (it *boltIterator) Seek(key []byte) bool {
	return it.set(it.cur.Seek(key))
}

func (it *boltIterator) Next() bool {
	if !it.valid {
		return false
	}
	return it.set(it.cur.Next())
}

func (it *boltIterator) Prev() bool {
	if !it.valid {
		// the cursor ran past the last key; re-position at the previous
		// valid location relative to the last seen key.
		if it.key == nil {
			return it.set(it.cur.Last())
		}
		k, v := it.cur.Seek(it.key)
		if k != nil && bytes.Equal(k, it.key) {
			return it.set(it.cur.Prev())
		}
		return it.set(k, v)
	}
	return it.set(it.cur.Prev())
}

func (it *boltIterator) Valid() bool { return it.valid }

func (it *boltIterator) Key() []byte { return it.key }

func (it *boltIterator) Value() []byte { return it.value }

func (it *boltIterator) Close() error {
	it.valid = false
	return nil
}
