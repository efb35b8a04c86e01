package txlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Options configure a Log.
type Options func(*Log)

// WithMaxSegmentSize sets the per-segment file capacity.
func WithMaxSegmentSize(size int64) Options {
	return func(l *Log) {
		l.maxSegmentSize = size
	}
}

// WithBytesPerSync sets the number of bytes written before an msync is
// triggered on the active segment. 0 disables the feature.
func WithBytesPerSync(bytes int64) Options {
	return func(l *Log) {
		l.bytesPerSync = bytes
	}
}

// WithSyncEveryWrite enables msync after every produced record.
func WithSyncEveryWrite(enabled bool) Options {
	return func(l *Log) {
		l.syncEveryWrite = enabled
	}
}

// Log manages the topics under one directory.
type Log struct {
	dir            string
	maxSegmentSize int64
	bytesPerSync   int64
	syncEveryWrite bool

	mu     sync.RWMutex
	topics map[string]*Topic
	closed bool
}

// Open initializes a Log rooted at dir. Existing topics are recovered;
// missing ones are created on demand with CreateTopic.
func Open(dir string, opts ...Options) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	l := &Log{
		dir:            dir,
		maxSegmentSize: defaultSegmentSize,
		topics:         make(map[string]*Topic),
	}
	for _, opt := range opts {
		opt(l)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read log directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if _, err := os.Stat(filepath.Join(dir, name, topicConfigFile)); err != nil {
			continue
		}
		t, err := openTopic(filepath.Join(dir, name), name, l.maxSegmentSize, l.bytesPerSync, l.syncEveryWrite)
		if err != nil {
			return nil, fmt.Errorf("recover topic %s: %w", name, err)
		}
		l.topics[name] = t
	}
	return l, nil
}

// CreateTopic creates a single-partition topic with the given configuration.
// Creating an existing topic returns ErrTopicExists.
func (l *Log) CreateTopic(name string, cfg TopicConfig) (*Topic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLogClosed
	}
	if _, ok := l.topics[name]; ok {
		return nil, ErrTopicExists
	}
	if cfg.Partitions == 0 {
		cfg.Partitions = 1
	}
	if cfg.Partitions != 1 {
		return nil, fmt.Errorf("topic %s: only single-partition topics are supported", name)
	}
	if cfg.CleanupPolicy == "" {
		cfg.CleanupPolicy = CleanupDelete
	}
	t, err := createTopic(filepath.Join(l.dir, name), name, cfg, l.maxSegmentSize, l.bytesPerSync, l.syncEveryWrite)
	if err != nil {
		return nil, err
	}
	l.topics[name] = t
	return t, nil
}

// Topic returns an opened topic by name.
func (l *Log) Topic(name string) (*Topic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.topics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}
	return t, nil
}

// ValidateTopic checks the persisted policy of a topic against the policy a
// subscriber requires. A mismatch is fatal at startup: it would silently
// break the compaction semantics the consumer depends on.
func (l *Log) ValidateTopic(name string, required CleanupPolicy) error {
	t, err := l.Topic(name)
	if err != nil {
		return err
	}
	if t.config.CleanupPolicy != required {
		return fmt.Errorf("%w: topic %s has policy %q, requires %q",
			ErrPolicyMismatch, name, t.config.CleanupPolicy, required)
	}
	if required == CleanupDelete && t.config.RetentionMS != RetentionUnlimited {
		return fmt.Errorf("%w: topic %s has retention %d ms, requires unlimited",
			ErrPolicyMismatch, name, t.config.RetentionMS)
	}
	return nil
}

// Sync flushes every topic's active segment.
func (l *Log) Sync() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sErr error
	for _, t := range l.topics {
		if err := t.Sync(); err != nil {
			sErr = errors.Join(sErr, err)
		}
	}
	return sErr
}

// Close closes every topic.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var cErr error
	for _, t := range l.topics {
		if err := t.close(); err != nil {
			cErr = errors.Join(cErr, err)
		}
	}
	return cErr
}
