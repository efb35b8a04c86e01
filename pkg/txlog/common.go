// Package txlog is an embedded, single-partition topic log. A topic is a
// directory of fixed-capacity segment files appended in order; records carry
// their logical offset so compacted topics replay with the original offsets
// preserved (with gaps). The transaction topic keeps everything forever; the
// document topic is compacted down to the newest record per key.
package txlog

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CleanupPolicy controls what a topic retains.
type CleanupPolicy string

const (
	// CleanupDelete retains every record; with unlimited retention the topic
	// is an infinite ordered log.
	CleanupDelete CleanupPolicy = "delete"
	// CleanupCompact retains the newest record per key.
	CleanupCompact CleanupPolicy = "compact"
)

// RetentionUnlimited disables time-based retention.
const RetentionUnlimited int64 = -1

var (
	ErrTopicNotFound   = errors.New("topic not found")
	ErrTopicExists     = errors.New("topic already exists")
	ErrPolicyMismatch  = errors.New("topic cleanup policy does not match required policy")
	ErrNotSubscribed   = errors.New("consumer is not subscribed to topic")
	ErrOffsetOutOfLog  = errors.New("offset is beyond the end of the topic")
	ErrRecordTooLarge  = errors.New("record exceeds maximum segment capacity")
	ErrLogClosed       = errors.New("log is closed")
	ErrCompactionNoop  = errors.New("topic is not configured for compaction")
	ErrCursorExclusive = errors.New("compaction requires no open cursors on the topic")
)

// TopicConfig is persisted as topic.toml inside the topic directory and
// validated every time the topic is opened with a required policy.
type TopicConfig struct {
	CleanupPolicy CleanupPolicy `toml:"cleanup_policy"`
	RetentionMS   int64         `toml:"retention_ms"`
	Partitions    int           `toml:"partitions"`
}

// Record is one consumed entry.
type Record struct {
	Topic  string
	Offset int64
	Key    []byte
	Value  []byte
	Time   time.Time
}

const (
	promNamespace = "chronostore"
	promSubsystem = "txlog"
)

var (
	producedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promSubsystem,
			Name:      "produced_records_total",
			Help:      "Total records produced per topic",
		},
		[]string{"topic"},
	)

	produceRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promSubsystem,
			Name:      "produce_retries_total",
			Help:      "Total transient produce failures that were retried",
		},
		[]string{"topic"},
	)

	produceFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promSubsystem,
			Name:      "produce_failures_total",
			Help:      "Total produce calls that failed after retry exhaustion",
		},
		[]string{"topic"},
	)

	compactionRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promSubsystem,
			Name:      "compaction_removed_records_total",
			Help:      "Total superseded records dropped by compaction",
		},
		[]string{"topic"},
	)
)
