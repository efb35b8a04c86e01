package txlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	defaultMaxPollRecords = 500
	pollIdleInterval      = 5 * time.Millisecond
)

// ConsumerOptions configure a Consumer.
type ConsumerOptions func(*Consumer)

// WithMaxPollRecords bounds the records one Poll call returns across all
// subscribed topics.
func WithMaxPollRecords(n int) ConsumerOptions {
	return func(c *Consumer) {
		if n > 0 {
			c.maxPollRecords = n
		}
	}
}

// Consumer reads subscribed topics in offset order. It does not commit
// offsets anywhere: the caller persists positions (atomically with whatever
// state it derives from the records) and seeks on restart.
type Consumer struct {
	log            *Log
	maxPollRecords int

	topics  []string
	cursors map[string]*Cursor
	// rotates every poll so one topic cannot starve the others when
	// maxPollRecords is small.
	nextTopic int
}

// NewConsumer returns a consumer over the given log.
func NewConsumer(l *Log, opts ...ConsumerOptions) *Consumer {
	c := &Consumer{
		log:            l,
		maxPollRecords: defaultMaxPollRecords,
		cursors:        make(map[string]*Cursor),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe opens cursors on the given topics, positioned at offset 0.
// Use Seek afterwards to restore persisted positions.
func (c *Consumer) Subscribe(topics ...string) error {
	for _, name := range topics {
		t, err := c.log.Topic(name)
		if err != nil {
			return err
		}
		if old, ok := c.cursors[name]; ok {
			old.Close()
		} else {
			c.topics = append(c.topics, name)
		}
		c.cursors[name] = t.NewCursor(0)
	}
	return nil
}

// Seek repositions a subscribed topic to the given logical offset.
func (c *Consumer) Seek(topic string, offset int64) error {
	cur, ok := c.cursors[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, topic)
	}
	t, err := c.log.Topic(topic)
	if err != nil {
		return err
	}
	cur.Close()
	c.cursors[topic] = t.NewCursor(offset)
	return nil
}

// Poll returns up to MaxPollRecords records across the subscribed topics,
// blocking up to timeout when nothing is immediately available. An empty
// slice with a nil error means the timeout elapsed with no new records.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]Record, error) {
	if len(c.topics) == 0 {
		return nil, errors.New("poll before subscribe")
	}

	deadline := time.Now().Add(timeout)
	for {
		recs, err := c.pollOnce()
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			return recs, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollIdleInterval):
		}
	}
}

func (c *Consumer) pollOnce() ([]Record, error) {
	var out []Record
	n := len(c.topics)
	start := c.nextTopic % n
	c.nextTopic++

	for i := 0; i < n && len(out) < c.maxPollRecords; i++ {
		name := c.topics[(start+i)%n]
		cur := c.cursors[name]
		for len(out) < c.maxPollRecords {
			rec, err := cur.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("poll topic %s: %w", name, err)
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// Position returns the next offset the consumer will read for a topic.
func (c *Consumer) Position(topic string) (int64, error) {
	cur, ok := c.cursors[topic]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotSubscribed, topic)
	}
	return cur.next, nil
}

// Close releases all cursors.
func (c *Consumer) Close() {
	for _, cur := range c.cursors {
		cur.Close()
	}
	c.cursors = make(map[string]*Cursor)
	c.topics = nil
}
