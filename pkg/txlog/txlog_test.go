package txlog_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ankur-anand/chronostore/pkg/txlog"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, opts ...txlog.Options) *txlog.Log {
	t.Helper()
	l, err := txlog.Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, l.Close())
	})
	return l
}

func TestProduceConsume_SingleRecord(t *testing.T) {
	l := newTestLog(t)
	_, err := l.CreateTopic("events", txlog.TopicConfig{CleanupPolicy: txlog.CleanupDelete, RetentionMS: txlog.RetentionUnlimited})
	require.NoError(t, err)

	producer := txlog.NewProducer(l)
	key, value := []byte("some-key"), []byte("some-value")
	offset, ts, err := producer.Produce(context.Background(), "events", key, value)
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)
	assert.False(t, ts.IsZero())

	consumer := txlog.NewConsumer(l)
	require.NoError(t, consumer.Subscribe("events"))
	defer consumer.Close()

	recs, err := consumer.Poll(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "events", recs[0].Topic)
	assert.Equal(t, int64(0), recs[0].Offset)
	assert.Equal(t, key, recs[0].Key)
	assert.Equal(t, value, recs[0].Value)
	assert.True(t, recs[0].Time.Equal(ts))
}

func TestProduce_OffsetsMonotonic(t *testing.T) {
	l := newTestLog(t)
	_, err := l.CreateTopic("events", txlog.TopicConfig{})
	require.NoError(t, err)

	producer := txlog.NewProducer(l)
	for i := 0; i < 100; i++ {
		offset, _, err := producer.Produce(context.Background(), "events", nil, []byte(gofakeit.Sentence(3)))
		require.NoError(t, err)
		assert.Equal(t, int64(i), offset)
	}
}

func TestCreateTopic_Validation(t *testing.T) {
	l := newTestLog(t)
	_, err := l.CreateTopic("tx", txlog.TopicConfig{CleanupPolicy: txlog.CleanupDelete, RetentionMS: txlog.RetentionUnlimited})
	require.NoError(t, err)
	_, err = l.CreateTopic("docs", txlog.TopicConfig{CleanupPolicy: txlog.CleanupCompact})
	require.NoError(t, err)

	_, err = l.CreateTopic("tx", txlog.TopicConfig{})
	assert.ErrorIs(t, err, txlog.ErrTopicExists)

	_, err = l.CreateTopic("sharded", txlog.TopicConfig{Partitions: 4})
	assert.Error(t, err, "multi-partition topics are unsupported")

	assert.NoError(t, l.ValidateTopic("tx", txlog.CleanupDelete))
	assert.NoError(t, l.ValidateTopic("docs", txlog.CleanupCompact))
	assert.ErrorIs(t, l.ValidateTopic("tx", txlog.CleanupCompact), txlog.ErrPolicyMismatch)
	assert.ErrorIs(t, l.ValidateTopic("docs", txlog.CleanupDelete), txlog.ErrPolicyMismatch)
	assert.ErrorIs(t, l.ValidateTopic("missing", txlog.CleanupDelete), txlog.ErrTopicNotFound)
}

// a delete topic with finite retention breaks the replayable-log contract.
func TestValidateTopic_RetentionPolicy(t *testing.T) {
	l := newTestLog(t)
	_, err := l.CreateTopic("bounded", txlog.TopicConfig{CleanupPolicy: txlog.CleanupDelete, RetentionMS: 60_000})
	require.NoError(t, err)
	assert.ErrorIs(t, l.ValidateTopic("bounded", txlog.CleanupDelete), txlog.ErrPolicyMismatch)
}

func TestLog_ReopenRecovers(t *testing.T) {
	dir := t.TempDir()

	l, err := txlog.Open(dir)
	require.NoError(t, err)
	_, err = l.CreateTopic("events", txlog.TopicConfig{CleanupPolicy: txlog.CleanupDelete, RetentionMS: txlog.RetentionUnlimited})
	require.NoError(t, err)

	producer := txlog.NewProducer(l)
	for i := 0; i < 10; i++ {
		_, _, err := producer.Produce(context.Background(), "events", nil, []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	reopened, err := txlog.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	topic, err := reopened.Topic("events")
	require.NoError(t, err)
	assert.Equal(t, int64(10), topic.NextOffset())

	consumer := txlog.NewConsumer(reopened)
	require.NoError(t, consumer.Subscribe("events"))
	defer consumer.Close()

	recs, err := consumer.Poll(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recs, 10)
	for i, rec := range recs {
		assert.Equal(t, int64(i), rec.Offset)
		assert.Equal(t, []byte(fmt.Sprintf("value-%d", i)), rec.Value)
	}
}

func TestSegmentRotation(t *testing.T) {
	// tiny segments force rotation quickly.
	l := newTestLog(t, txlog.WithMaxSegmentSize(4096))
	_, err := l.CreateTopic("events", txlog.TopicConfig{})
	require.NoError(t, err)

	producer := txlog.NewProducer(l)
	payload := make([]byte, 512)
	const total = 50
	for i := 0; i < total; i++ {
		offset, _, err := producer.Produce(context.Background(), "events", nil, payload)
		require.NoError(t, err)
		assert.Equal(t, int64(i), offset)
	}

	consumer := txlog.NewConsumer(l, txlog.WithMaxPollRecords(total))
	require.NoError(t, consumer.Subscribe("events"))
	defer consumer.Close()

	recs, err := consumer.Poll(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, recs, total, "all records must survive rotation")
}

func TestProduce_RecordTooLarge(t *testing.T) {
	l := newTestLog(t, txlog.WithMaxSegmentSize(1024))
	_, err := l.CreateTopic("events", txlog.TopicConfig{})
	require.NoError(t, err)

	producer := txlog.NewProducer(l)
	_, _, err = producer.Produce(context.Background(), "events", nil, make([]byte, 4096))
	assert.ErrorIs(t, err, txlog.ErrRecordTooLarge)
}

func TestConsumer_SeekAndPosition(t *testing.T) {
	l := newTestLog(t)
	_, err := l.CreateTopic("events", txlog.TopicConfig{})
	require.NoError(t, err)

	producer := txlog.NewProducer(l)
	for i := 0; i < 20; i++ {
		_, _, err := producer.Produce(context.Background(), "events", nil, []byte{byte(i)})
		require.NoError(t, err)
	}

	consumer := txlog.NewConsumer(l)
	require.NoError(t, consumer.Subscribe("events"))
	defer consumer.Close()
	require.NoError(t, consumer.Seek("events", 15))

	recs, err := consumer.Poll(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	assert.Equal(t, int64(15), recs[0].Offset)

	pos, err := consumer.Position("events")
	require.NoError(t, err)
	assert.Equal(t, int64(20), pos)

	assert.ErrorIs(t, consumer.Seek("missing", 0), txlog.ErrNotSubscribed)
}

func TestConsumer_MaxPollRecordsRoundRobin(t *testing.T) {
	l := newTestLog(t)
	_, err := l.CreateTopic("a", txlog.TopicConfig{})
	require.NoError(t, err)
	_, err = l.CreateTopic("b", txlog.TopicConfig{})
	require.NoError(t, err)

	producer := txlog.NewProducer(l)
	for i := 0; i < 3; i++ {
		_, _, err = producer.Produce(context.Background(), "a", nil, []byte("va"))
		require.NoError(t, err)
		_, _, err = producer.Produce(context.Background(), "b", nil, []byte("vb"))
		require.NoError(t, err)
	}

	consumer := txlog.NewConsumer(l, txlog.WithMaxPollRecords(1))
	require.NoError(t, consumer.Subscribe("a", "b"))
	defer consumer.Close()

	// with max.poll.records=1 both topics must still make progress.
	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		recs, err := consumer.Poll(context.Background(), 100*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		seen[recs[0].Topic]++
	}
	assert.Equal(t, 3, seen["a"])
	assert.Equal(t, 3, seen["b"])
}

func TestCompact_KeepsNewestPerKey(t *testing.T) {
	// small segments so sealed segments exist for the compactor.
	l := newTestLog(t, txlog.WithMaxSegmentSize(2048))
	_, err := l.CreateTopic("docs", txlog.TopicConfig{CleanupPolicy: txlog.CleanupCompact})
	require.NoError(t, err)

	producer := txlog.NewProducer(l)
	// three generations per key; only the last must survive compaction.
	for gen := 0; gen < 3; gen++ {
		for k := 0; k < 8; k++ {
			key := []byte(fmt.Sprintf("key-%d", k))
			value := make([]byte, 128)
			copy(value, fmt.Sprintf("gen-%d", gen))
			_, _, err := producer.Produce(context.Background(), "docs", key, value)
			require.NoError(t, err)
		}
	}

	topic, err := l.Topic("docs")
	require.NoError(t, err)
	removed, err := topic.Compact()
	require.NoError(t, err)
	assert.Positive(t, removed)

	consumer := txlog.NewConsumer(l)
	require.NoError(t, consumer.Subscribe("docs"))
	defer consumer.Close()

	recs, err := consumer.Poll(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)

	lastOffset := map[string]int64{}
	lastValue := map[string]string{}
	for _, rec := range recs {
		// offsets of survivors are the original offsets, strictly increasing.
		if prev, ok := lastOffset[string(rec.Key)]; ok {
			assert.Greater(t, rec.Offset, prev)
		}
		lastOffset[string(rec.Key)] = rec.Offset
		lastValue[string(rec.Key)] = string(rec.Value[:5])
	}
	require.Len(t, lastValue, 8)
	for key, value := range lastValue {
		assert.Equal(t, "gen-2", value, "newest record for %s must win", key)
	}
	assert.Less(t, len(recs), 24, "superseded records in sealed segments are dropped")
}

func TestCompact_RequiresCompactPolicy(t *testing.T) {
	l := newTestLog(t)
	_, err := l.CreateTopic("tx", txlog.TopicConfig{CleanupPolicy: txlog.CleanupDelete, RetentionMS: txlog.RetentionUnlimited})
	require.NoError(t, err)

	topic, err := l.Topic("tx")
	require.NoError(t, err)
	_, err = topic.Compact()
	assert.ErrorIs(t, err, txlog.ErrCompactionNoop)
}

func TestCompact_RefusesOpenCursors(t *testing.T) {
	l := newTestLog(t)
	_, err := l.CreateTopic("docs", txlog.TopicConfig{CleanupPolicy: txlog.CleanupCompact})
	require.NoError(t, err)

	topic, err := l.Topic("docs")
	require.NoError(t, err)

	cur := topic.NewCursor(0)
	_, err = topic.Compact()
	assert.ErrorIs(t, err, txlog.ErrCursorExclusive)

	cur.Close()
	_, err = topic.Compact()
	assert.NoError(t, err)
}

func TestCursor_SeesRecordsAppendedAfterCreation(t *testing.T) {
	l := newTestLog(t)
	_, err := l.CreateTopic("events", txlog.TopicConfig{})
	require.NoError(t, err)

	consumer := txlog.NewConsumer(l)
	require.NoError(t, consumer.Subscribe("events"))
	defer consumer.Close()

	recs, err := consumer.Poll(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, recs)

	producer := txlog.NewProducer(l)
	_, _, err = producer.Produce(context.Background(), "events", nil, []byte("late"))
	require.NoError(t, err)

	recs, err = consumer.Poll(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("late"), recs[0].Value)
}
