package kvdrivers

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// LmdbStore stores an initialized lmdb environment.
// http://www.lmdb.tech/doc/group__mdb.html
type LmdbStore struct {
	env    *lmdb.Env
	dataDB lmdb.DBI
	mt     *MetricsTracker
}

// NewLmdb returns an initialized LMDB environment with the provided
// configuration.
func NewLmdb(path string, conf Config) (*LmdbStore, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, err
	}

	if err := env.SetMaxDBs(1); err != nil {
		return nil, fmt.Errorf("failed to set max DBs: %w", err)
	}
	if err := env.SetMapSize(conf.MmapSize); err != nil {
		return nil, fmt.Errorf("failed to set map size: %w", err)
	}
	if err := env.Open(path, lmdb.Create|lmdb.NoReadahead, 0644); err != nil {
		return nil, fmt.Errorf("failed to open environment: %w", err)
	}
	if conf.NoSync {
		if err := env.SetFlags(lmdb.NoSync); err != nil {
			return nil, fmt.Errorf("failed to set NoSync: %w", err)
		}
	}

	staleReaders, err := env.ReaderCheck()
	if err != nil {
		return nil, fmt.Errorf("failed to check for stale readers: %w", err)
	}
	if staleReaders > 0 {
		slog.Warn("[chronostore.kvdrivers]", slog.String("message", "cleared reader slots from dead processes"),
			slog.Int("stale_readers", staleReaders))
	}

	var dataDB lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) error {
		var err error
		dataDB, err = txn.OpenDBI(conf.Namespace, lmdb.Create)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &LmdbStore{
		env:    env,
		dataDB: dataDB,
		mt:     NewMetricsTracker("lmdb", conf.Namespace),
	}, nil
}

// Get returns the value stored at key.
func (l *LmdbStore) Get(key []byte) ([]byte, error) {
	defer l.mt.observe("get", time.Now())
	var out []byte
	err := l.env.View(func(txn *lmdb.Txn) error {
		v, err := txn.Get(l.dataDB, key)
		if lmdb.IsNotFound(err) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Put associates value with key.
func (l *LmdbStore) Put(key, value []byte) error {
	defer l.mt.observe("put", time.Now())
	return l.env.Update(func(txn *lmdb.Txn) error {
		return txn.Put(l.dataDB, key, value, 0)
	})
}

// Delete removes key. Removing an absent key is a no-op.
func (l *LmdbStore) Delete(key []byte) error {
	defer l.mt.observe("delete", time.Now())
	return l.env.Update(func(txn *lmdb.Txn) error {
		err := txn.Del(l.dataDB, key, nil)
		if lmdb.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// WriteBatch applies all staged operations in one LMDB write transaction.
func (l *LmdbStore) WriteBatch(batch *Batch) error {
	start := time.Now()
	defer l.mt.observeBatch(batch.Len(), start)
	return l.env.Update(func(txn *lmdb.Txn) error {
		for _, op := range batch.ops {
			switch op.kind {
			case batchOpPut:
				if err := txn.Put(l.dataDB, op.key, op.value, 0); err != nil {
					return err
				}
			case batchOpDelete:
				if err := txn.Del(l.dataDB, op.key, nil); err != nil && !lmdb.IsNotFound(err) {
					return err
				}
			}
		}
		return nil
	})
}

// NewSnapshot opens a read-only transaction that pins a consistent view of
// the environment until Close.
func (l *LmdbStore) NewSnapshot() (Snapshot, error) {
	txn, err := l.env.BeginTxn(nil, lmdb.Readonly)
	if err != nil {
		return nil, fmt.Errorf("begin read txn: %w", err)
	}
	txn.RawRead = true
	return &lmdbSnapshot{txn: txn, dataDB: l.dataDB}, nil
}

// FSync calls the underlying fsync.
func (l *LmdbStore) FSync() error {
	return l.env.Sync(true)
}

// Close the underlying lmdb env.
func (l *LmdbStore) Close() error {
	return l.env.Close()
}

type lmdbSnapshot struct {
	txn    *lmdb.Txn
	dataDB lmdb.DBI
	closed bool
}

func (s *lmdbSnapshot) Get(key []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrSnapshotClosed
	}
	v, err := s.txn.Get(s.dataDB, key)
	if lmdb.IsNotFound(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

func (s *lmdbSnapshot) NewIterator() (Iterator, error) {
	if s.closed {
		return nil, ErrSnapshotClosed
	}
	cur, err := s.txn.OpenCursor(s.dataDB)
	if err != nil {
		return nil, fmt.Errorf("open cursor: %w", err)
	}
	return &lmdbIterator{cur: cur}, nil
}

func (s *lmdbSnapshot) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.txn.Abort()
	return nil
}

type lmdbIterator struct {
	cur   *lmdb.Cursor
	key   []byte
	value []byte
	valid bool
}

func (it *lmdbIterator) position(setKey []byte, op uint) bool {
	k, v, err := it.cur.Get(setKey, nil, op)
	if err != nil {
		it.valid = false
		it.key, it.value = nil, nil
		return false
	}
	it.key, it.value = k, v
	it.valid = true
	return true
}

func (it *lmdbIterator) Seek(key []byte) bool {
	return it.position(key, lmdb.SetRange)
}

func (it *lmdbIterator) Next() bool {
	return it.position(nil, lmdb.Next)
}

func (it *lmdbIterator) Prev() bool {
	return it.position(nil, lmdb.Prev)
}

func (it *lmdbIterator) Valid() bool { return it.valid }

func (it *lmdbIterator) Key() []byte { return it.key }

func (it *lmdbIterator) Value() []byte { return it.value }

func (it *lmdbIterator) Close() error {
	it.cur.Close()
	it.valid = false
	return nil
}
