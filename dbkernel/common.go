// Package dbkernel is the bitemporal document engine: it owns the ordered KV
// index, consumes the transaction and document topics, and answers as-of and
// history queries over entities.
package dbkernel

import (
	"errors"
	"time"

	"github.com/ankur-anand/chronostore/dbkernel/internal/kvdrivers"
	"github.com/ankur-anand/chronostore/internal/keycodec"
	"github.com/ankur-anand/chronostore/internal/logcodec"
	"github.com/ankur-anand/chronostore/pkg/txlog"
)

const (
	kvDirName   = "kv"
	logDirName  = "log"
	pidLockName = "pid.lock"

	// DefaultTxTopic is the ordered, never-compacted transaction topic.
	DefaultTxTopic = "tx-topic"
	// DefaultDocTopic is the compacted document topic, keyed by content hash.
	DefaultDocTopic = "doc-topic"
)

var (
	// ErrKeyNotFound is a sentinel error for missing keys.
	ErrKeyNotFound = kvdrivers.ErrKeyNotFound
	// ErrCorruptIndex reports a stored key or value failing its decode check.
	ErrCorruptIndex = keycodec.ErrCorruptIndex
	// ErrMalformedID reports an id that cannot be canonicalized.
	ErrMalformedID = logcodec.ErrMalformedID
	// ErrLogPolicyMismatch reports a subscribed topic whose cleanup or
	// retention policy does not match what the indexer requires.
	ErrLogPolicyMismatch = txlog.ErrPolicyMismatch

	ErrInCloseProcess   = errors.New("in-Close process")
	ErrDatabaseDirInUse = errors.New("pid.lock is held by another process")
)

var packageKey = []string{"chronostore", "dbkernel"}

// DBEngine selects the ordered KV backend for the index store.
type DBEngine string

const (
	BoltDBEngine DBEngine = "BOLT"
	LMDBEngine   DBEngine = "LMDB"
)

// EngineConfig embeds all the config needed for Engine.
type EngineConfig struct {
	DBEngine       DBEngine         `toml:"db_engine"`
	KVConfig       kvdrivers.Config `toml:"kv_config"`
	TxTopic        string           `toml:"tx_topic"`
	DocTopic       string           `toml:"doc_topic"`
	SegmentSize    int64            `toml:"segment_size"`
	BytesPerSync   int64            `toml:"bytes_per_sync"`
	SyncEveryWrite bool             `toml:"sync_every_write"`
	MaxPollRecords int              `toml:"max_poll_records"`
	PollTimeout    time.Duration    `toml:"poll_timeout"`
}

// NewDefaultEngineConfig returns an initialized default config for Engine.
func NewDefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		DBEngine: LMDBEngine,
		KVConfig: kvdrivers.Config{
			Namespace: "kv.chronostore.sys.default",
			NoSync:    true,
			MmapSize:  4 << 30,
		},
		TxTopic:        DefaultTxTopic,
		DocTopic:       DefaultDocTopic,
		SegmentSize:    16 << 20,
		MaxPollRecords: 500,
		PollTimeout:    50 * time.Millisecond,
	}
}

// EntityTx is one indexed entity version: the coordinate of a document
// assertion along both time axes.
type EntityTx struct {
	Entity       logcodec.ID
	BusinessTime time.Time
	TxTime       time.Time
	// TxID is the log offset of the owning transaction; Seq is the
	// operation's position inside it. Together they break (bt, tt) ties:
	// later transactions win, and within one transaction later operations
	// shadow earlier ones.
	TxID int64
	Seq  int
	Hash logcodec.ContentHash
}

// opIndexBits is the width reserved for the operation index inside the
// stored tx-id field of an entity-time key.
const opIndexBits = 16

func (e EntityTx) rawTxID() int64 {
	return e.TxID<<opIndexBits | int64(e.Seq)
}

func splitRawTxID(raw int64) (txID int64, seq int) {
	return raw >> opIndexBits, int(raw & (1<<opIndexBits - 1))
}

// Absent reports whether this version means "entity has no content": a
// delete marker or an eviction tombstone.
func (e EntityTx) Absent() bool {
	return e.Hash.IsZero() || e.Hash == TombstoneHash()
}

// TxReceipt is the outcome of a submitted transaction.
type TxReceipt struct {
	TxID   int64
	TxTime time.Time
}

// Counts reports what one ConsumeAndIndex call processed.
type Counts struct {
	Txs  int
	Docs int
}
