package txlog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const defaultMaxProduceRetries = 8

// Producer appends records to topics. It is safe for concurrent use by
// multiple writers; ordering between concurrent producers is whatever the
// topic's single partition assigns.
type Producer struct {
	log        *Log
	maxRetries int
}

// NewProducer returns a producer over the given log.
func NewProducer(l *Log) *Producer {
	return &Producer{log: l, maxRetries: defaultMaxProduceRetries}
}

// Produce appends one record and returns its assigned offset and timestamp.
// Transient I/O failures are retried with exponential backoff until the
// context is cancelled or the attempts are exhausted; permanent failures
// (unknown topic, oversized record) are returned immediately.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) (int64, time.Time, error) {
	t, err := p.log.Topic(topic)
	if err != nil {
		return 0, time.Time{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, time.Time{}, err
		}

		offset, ts, err := t.append(key, value)
		if err == nil {
			producedTotal.WithLabelValues(topic).Inc()
			return offset, ts, nil
		}
		if isPermanentProduceErr(err) {
			produceFailuresTotal.WithLabelValues(topic).Inc()
			return 0, time.Time{}, err
		}

		lastErr = err
		produceRetriesTotal.WithLabelValues(topic).Inc()
		wait := bo.NextBackOff()
		slog.Warn("[chronostore.txlog] transient produce failure",
			"topic", topic, "attempt", attempt+1, "backoff", wait, "error", err)

		select {
		case <-ctx.Done():
			return 0, time.Time{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	produceFailuresTotal.WithLabelValues(topic).Inc()
	return 0, time.Time{}, lastErr
}

func isPermanentProduceErr(err error) bool {
	return errors.Is(err, ErrRecordTooLarge) ||
		errors.Is(err, ErrTopicNotFound) ||
		errors.Is(err, ErrSegmentClosed)
}
