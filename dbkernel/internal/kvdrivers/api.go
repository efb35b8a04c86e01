// Package kvdrivers provides the ordered key/value backends the index store
// runs on. Keys sort lexicographically; every driver supports atomic write
// batches, point reads, and snapshot-scoped bidirectional iterators.
package kvdrivers

import (
	"errors"
	"time"

	"github.com/hashicorp/go-metrics"
)

var (
	// ErrKeyNotFound is a sentinel error for missing keys.
	ErrKeyNotFound = errors.New("key not found")
	// ErrBucketNotFound indicates a corrupted or uninitialized database file.
	ErrBucketNotFound = errors.New("namespace bucket not found")
	// ErrSnapshotClosed is returned when reading through a released snapshot.
	ErrSnapshotClosed = errors.New("snapshot is closed")
)

// Config holds the common driver configuration.
type Config struct {
	Namespace string `toml:"namespace"`
	NoSync    bool   `toml:"no_sync"`
	MmapSize  int64  `toml:"mmap_size"`
}

// Store is an ordered KV database. Writes go through Put/Delete for single
// keys or WriteBatch for an atomic group; reads at a consistent point in
// time go through NewSnapshot.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	WriteBatch(batch *Batch) error
	NewSnapshot() (Snapshot, error)
	FSync() error
	Close() error
}

// Snapshot is a consistent read view. Iterators opened from a snapshot
// observe exactly the state at snapshot creation; Close releases the
// underlying read transaction.
type Snapshot interface {
	Get(key []byte) ([]byte, error)
	NewIterator() (Iterator, error)
	Close() error
}

// Iterator walks keys in lexicographic order. Seek positions at the first
// key >= the argument. Key and Value are valid only until the next
// positioning call; callers that retain them must copy.
type Iterator interface {
	Seek(key []byte) bool
	Next() bool
	Prev() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Close() error
}

// compile time checks.
var (
	_ Store = (*LmdbStore)(nil)
	_ Store = (*BoltStore)(nil)
)

// MetricsTracker reports per-driver operation metrics.
type MetricsTracker struct {
	labels []metrics.Label
}

// NewMetricsTracker returns a tracker tagged with the driver engine and
// namespace.
func NewMetricsTracker(engine, namespace string) *MetricsTracker {
	return &MetricsTracker{
		labels: []metrics.Label{
			{Name: "engine", Value: engine},
			{Name: "namespace", Value: namespace},
		},
	}
}

var (
	mKeyOpsTotal      = []string{"chronostore", "kvdrivers", "ops", "total"}
	mKeyOpDuration    = []string{"chronostore", "kvdrivers", "op", "durations", "seconds"}
	mKeyBatchOpsTotal = []string{"chronostore", "kvdrivers", "batch", "ops", "total"}
)

func (mt *MetricsTracker) observe(op string, start time.Time) {
	labels := append([]metrics.Label{{Name: "op", Value: op}}, mt.labels...)
	metrics.IncrCounterWithLabels(mKeyOpsTotal, 1, labels)
	metrics.MeasureSinceWithLabels(mKeyOpDuration, start, labels)
}

func (mt *MetricsTracker) observeBatch(n int, start time.Time) {
	labels := append([]metrics.Label{{Name: "op", Value: "write_batch"}}, mt.labels...)
	metrics.IncrCounterWithLabels(mKeyBatchOpsTotal, float32(n), labels)
	metrics.MeasureSinceWithLabels(mKeyOpDuration, start, labels)
}
