package dbkernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ankur-anand/chronostore/dbkernel/internal/kvdrivers"
	"github.com/ankur-anand/chronostore/internal/keycodec"
	"github.com/ankur-anand/chronostore/internal/logcodec"
	"github.com/ankur-anand/chronostore/pkg/txlog"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/gofrs/flock"
	"github.com/hashicorp/go-metrics"
	"github.com/segmentio/ksuid"
)

var (
	mKeyTxSubmittedTotal  = append(packageKey, "txs", "submitted", "total")
	mKeyTxSubmitDurations = append(packageKey, "txs", "submit", "durations", "seconds")
)

// Engine owns one index replica: the ordered KV store, the embedded topic
// log, the indexer that folds the latter into the former, and the query
// surface the as-of reads go through.
type Engine struct {
	namespace    string
	instanceID   string
	config       *EngineConfig
	store        kvdrivers.Store
	log          *txlog.Log
	producer     *txlog.Producer
	indexer      *Indexer
	fileLock     *flock.Flock
	metricsLabel []metrics.Label

	txSeenCounter atomic.Uint64
	shutdown      atomic.Bool
	wg            sync.WaitGroup
}

// Open initializes the engine under dataDir. The pid lock guarantees a
// single engine per directory; the topic policies are validated before the
// indexer subscribes, and the consumer is seeked to the offsets committed in
// the meta index.
func Open(dataDir string, conf *EngineConfig) (*Engine, error) {
	if conf == nil {
		conf = NewDefaultEngineConfig()
	}
	if conf.TxTopic == "" {
		conf.TxTopic = DefaultTxTopic
	}
	if conf.DocTopic == "" {
		conf.DocTopic = DefaultDocTopic
	}

	if err := os.MkdirAll(dataDir, os.ModePerm); err != nil {
		return nil, err
	}

	fileLock := flock.New(filepath.Join(dataDir, pidLockName))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrDatabaseDirInUse
	}

	e := &Engine{
		namespace:  conf.KVConfig.Namespace,
		instanceID: ksuid.New().String(),
		config:     conf,
		fileLock:   fileLock,
		metricsLabel: []metrics.Label{
			{Name: "namespace", Value: conf.KVConfig.Namespace},
		},
	}
	if err := e.initStorage(dataDir, conf); err != nil {
		if e.store != nil {
			_ = e.store.Close()
		}
		if e.log != nil {
			_ = e.log.Close()
		}
		_ = fileLock.Unlock()
		return nil, err
	}
	if err := e.initIndexer(conf); err != nil {
		_ = e.store.Close()
		_ = e.log.Close()
		_ = fileLock.Unlock()
		return nil, err
	}
	return e, nil
}

func (e *Engine) initStorage(dataDir string, conf *EngineConfig) error {
	kvPath := filepath.Join(dataDir, kvDirName)

	switch conf.DBEngine {
	case BoltDBEngine:
		store, err := kvdrivers.NewBoltdb(filepath.Join(dataDir, "chrono.db"), conf.KVConfig)
		if err != nil {
			return err
		}
		e.store = store
	case LMDBEngine:
		store, err := kvdrivers.NewLmdb(kvPath, conf.KVConfig)
		if err != nil {
			return err
		}
		e.store = store
	default:
		return fmt.Errorf("unsupported database engine %s", conf.DBEngine)
	}

	logOpts := []txlog.Options{
		txlog.WithMaxSegmentSize(conf.SegmentSize),
		txlog.WithBytesPerSync(conf.BytesPerSync),
		txlog.WithSyncEveryWrite(conf.SyncEveryWrite),
	}
	l, err := txlog.Open(filepath.Join(dataDir, logDirName), logOpts...)
	if err != nil {
		return err
	}
	e.log = l

	// the tx topic keeps every record forever; the doc topic compacts down
	// to one record per content hash.
	if _, err := l.CreateTopic(conf.TxTopic, txlog.TopicConfig{
		CleanupPolicy: txlog.CleanupDelete,
		RetentionMS:   txlog.RetentionUnlimited,
		Partitions:    1,
	}); err != nil && !errors.Is(err, txlog.ErrTopicExists) {
		return err
	}
	if _, err := l.CreateTopic(conf.DocTopic, txlog.TopicConfig{
		CleanupPolicy: txlog.CleanupCompact,
		Partitions:    1,
	}); err != nil && !errors.Is(err, txlog.ErrTopicExists) {
		return err
	}

	if err := l.ValidateTopic(conf.TxTopic, txlog.CleanupDelete); err != nil {
		return err
	}
	if err := l.ValidateTopic(conf.DocTopic, txlog.CleanupCompact); err != nil {
		return err
	}

	e.producer = txlog.NewProducer(l)
	return nil
}

func (e *Engine) initIndexer(conf *EngineConfig) error {
	consumer := txlog.NewConsumer(e.log, txlog.WithMaxPollRecords(conf.MaxPollRecords))
	if err := consumer.Subscribe(conf.DocTopic, conf.TxTopic); err != nil {
		return err
	}

	ix := &Indexer{
		store:        e.store,
		consumer:     consumer,
		producer:     e.producer,
		objects:      &objectStore{store: e.store},
		txTopic:      conf.TxTopic,
		docTopic:     conf.DocTopic,
		pollTimeout:  conf.PollTimeout,
		docFilter:    bloom.NewWithEstimates(1_000_000, 0.0001),
		metricsLabel: e.metricsLabel,
	}

	// restore the committed consumer positions; they are persisted in the
	// meta index atomically with the index state they correspond to.
	for _, topic := range []string{conf.TxTopic, conf.DocTopic} {
		offset, err := e.loadOffset(topic)
		if err != nil {
			return err
		}
		if err := consumer.Seek(topic, offset); err != nil {
			return err
		}
		if topic == conf.TxTopic {
			ix.txOffset = offset
		} else {
			ix.docOffset = offset
		}
	}

	if err := ix.rebuildDocFilter(); err != nil {
		return err
	}

	e.indexer = ix
	slog.Info("[chronostore.dbkernel] engine opened",
		"namespace", e.namespace,
		"instance_id", e.instanceID,
		"kv_engine", conf.DBEngine,
		"tx_offset", ix.txOffset,
		"doc_offset", ix.docOffset,
	)
	return nil
}

func (e *Engine) loadOffset(topic string) (int64, error) {
	data, err := e.store.Get(keycodec.MetaKey(offsetMetaName(topic)))
	if errors.Is(err, kvdrivers.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeOffset(data)
}

// Namespace returns the engine's configured namespace.
func (e *Engine) Namespace() string { return e.namespace }

// InstanceID identifies this engine process in logs and metrics.
func (e *Engine) InstanceID() string { return e.instanceID }

// TxSubmittedCount reports how many transactions this engine produced over
// its lifetime.
func (e *Engine) TxSubmittedCount() uint64 { return e.txSeenCounter.Load() }

// Indexer exposes the consume loop for manual stepping; production callers
// use RunIndexer.
func (e *Engine) Indexer() *Indexer { return e.indexer }

// TxTopicHead returns the offset the next submitted transaction would get.
func (e *Engine) TxTopicHead() (int64, error) {
	t, err := e.log.Topic(e.config.TxTopic)
	if err != nil {
		return 0, err
	}
	return t.NextOffset(), nil
}

// SubmitTx submits a transaction: every operation document is frozen and
// produced to the doc topic first, and only after all document records are
// acknowledged is the transaction record produced. The returned future
// resolves with the transaction's log offset and timestamp.
//
// SubmitTx is safe for concurrent use; ordering between concurrent
// submitters is whatever the log's single partition assigns.
func (e *Engine) SubmitTx(ctx context.Context, ops []logcodec.Operation) (*TxFuture, error) {
	if e.shutdown.Load() {
		return nil, ErrInCloseProcess
	}

	type docRecord struct {
		hash logcodec.ContentHash
		data []byte
	}
	var docs []docRecord
	seen := make(map[logcodec.ContentHash]struct{})

	resolved := make([]logcodec.Operation, len(ops))
	for i, op := range ops {
		if op.Doc != nil {
			hash, frozen, err := logcodec.NewContentHash(op.Doc)
			if err != nil {
				return nil, fmt.Errorf("op %d: %w", i, err)
			}
			op.Hash = hash
			if op.Kind == logcodec.OpPut {
				eid, err := op.Doc.EntityID()
				if err != nil {
					return nil, fmt.Errorf("op %d: %w", i, err)
				}
				op.Entity = eid
			}
			if _, dup := seen[hash]; !dup {
				seen[hash] = struct{}{}
				docs = append(docs, docRecord{hash: hash, data: frozen})
			}
		}
		resolved[i] = op
	}

	txRecord, err := logcodec.SerializeTxRecord(resolved)
	if err != nil {
		return nil, err
	}

	future := newTxFuture()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		start := time.Now()

		// all document acknowledgements precede the transaction record, so
		// a consumer that sees the transaction can always make progress.
		for _, d := range docs {
			if _, _, err := e.producer.Produce(ctx, e.config.DocTopic, d.hash[:], d.data); err != nil {
				future.fail(fmt.Errorf("produce doc %s: %w", d.hash, err))
				return
			}
		}
		offset, ts, err := e.producer.Produce(ctx, e.config.TxTopic, nil, txRecord)
		if err != nil {
			future.fail(fmt.Errorf("produce tx: %w", err))
			return
		}

		e.txSeenCounter.Add(1)
		metrics.IncrCounterWithLabels(mKeyTxSubmittedTotal, 1, e.metricsLabel)
		metrics.MeasureSinceWithLabels(mKeyTxSubmitDurations, start, e.metricsLabel)
		future.complete(TxReceipt{TxID: offset, TxTime: ts})
	}()
	return future, nil
}

// ConsumeAndIndex runs one step of the consume loop. See
// Indexer.ConsumeAndIndex.
func (e *Engine) ConsumeAndIndex(ctx context.Context) (Counts, error) {
	if e.shutdown.Load() {
		return Counts{}, ErrInCloseProcess
	}
	return e.indexer.ConsumeAndIndex(ctx)
}

// RunIndexer drives the consume loop until ctx is cancelled. Only fatal
// errors terminate the loop; a transaction waiting on documents is not an
// error, it simply stays pending.
func (e *Engine) RunIndexer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if _, err := e.indexer.ConsumeAndIndex(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("consume loop: %w", err)
		}
	}
}

// EntityTxAt returns the indexed coordinate of eid visible at the given
// business and transaction time, or nil when no version is visible.
func (e *Engine) EntityTxAt(eid logcodec.ID, businessTime, txTime time.Time) (*EntityTx, error) {
	snap, err := e.store.NewSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	etx, err := e.indexer.idx.entityAt(snap, eid, businessTime, txTime)
	if err != nil {
		return nil, err
	}
	if etx == nil || etx.Absent() {
		return nil, nil
	}
	return etx, nil
}

// EntityAsOf resolves the document of eid visible at (businessTime, txTime).
// Absent, deleted and evicted entities all read as nil.
func (e *Engine) EntityAsOf(eid logcodec.ID, businessTime, txTime time.Time) (logcodec.Document, error) {
	etx, err := e.EntityTxAt(eid, businessTime, txTime)
	if err != nil || etx == nil {
		return nil, err
	}
	data, err := e.indexer.objects.Get(etx.Hash)
	if err != nil {
		return nil, err
	}
	if data == nil {
		// the document body was compacted or evicted from under the index;
		// the entity reads as absent rather than dangling.
		return nil, nil
	}
	doc, err := logcodec.DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	if doc.IsTombstone() {
		return nil, nil
	}
	return doc, nil
}

// History returns the full reverse-chronological version history of eid.
// The caller must Close the cursor.
func (e *Engine) History(eid logcodec.ID) (*HistoryCursor, error) {
	snap, err := e.store.NewSnapshot()
	if err != nil {
		return nil, err
	}
	return newHistoryCursor(snap, eid)
}

// AttrRange scans one attribute between two values, both inclusive; nil
// bounds are open. The caller must Close the cursor.
func (e *Engine) AttrRange(attr string, lower, upper any) (*AttrCursor, error) {
	snap, err := e.store.NewSnapshot()
	if err != nil {
		return nil, err
	}
	return newAttrCursor(snap, attr, lower, upper)
}

// GetDocument returns the document stored at hash, nil when absent or
// tombstoned.
func (e *Engine) GetDocument(hash logcodec.ContentHash) (logcodec.Document, error) {
	data, err := e.indexer.objects.Get(hash)
	if err != nil || data == nil {
		return nil, err
	}
	doc, err := logcodec.DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	if doc.IsTombstone() {
		return nil, nil
	}
	return doc, nil
}

// TxEntry is one transaction in the log view.
type TxEntry struct {
	TxID   int64
	TxTime time.Time
	Ops    []logcodec.Operation
}

// TxCursor lazily iterates the transaction log from a given tx-id.
type TxCursor struct {
	cur *txlog.Cursor
}

// Next returns the next transaction, or nil at the head of the log.
func (c *TxCursor) Next() (*TxEntry, error) {
	rec, err := c.cur.Next()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ops, err := logcodec.DeserializeTxRecord(rec.Value)
	if err != nil {
		return nil, err
	}
	return &TxEntry{TxID: rec.Offset, TxTime: rec.Time, Ops: ops}, nil
}

// Close releases the cursor.
func (c *TxCursor) Close() { c.cur.Close() }

// TxLog returns a lazy cursor over the transaction log starting at
// fromTxID. The caller must Close it.
func (e *Engine) TxLog(fromTxID int64) (*TxCursor, error) {
	t, err := e.log.Topic(e.config.TxTopic)
	if err != nil {
		return nil, err
	}
	return &TxCursor{cur: t.NewCursor(fromTxID)}, nil
}

// CompactDocTopic runs one compaction pass over the document topic. The
// consume loop must not run concurrently: the indexer's cursors are released
// for the duration of the pass and restored to their exact positions after,
// so consumed-but-pending transactions are not re-delivered.
func (e *Engine) CompactDocTopic() (int, error) {
	t, err := e.log.Topic(e.config.DocTopic)
	if err != nil {
		return 0, err
	}

	consumer := e.indexer.consumer
	txPos, err := consumer.Position(e.config.TxTopic)
	if err != nil {
		return 0, err
	}
	docPos, err := consumer.Position(e.config.DocTopic)
	if err != nil {
		return 0, err
	}
	consumer.Close()

	removed, cErr := t.Compact()

	if err := consumer.Subscribe(e.config.DocTopic, e.config.TxTopic); err != nil {
		return removed, errors.Join(cErr, err)
	}
	if err := consumer.Seek(e.config.TxTopic, txPos); err != nil {
		return removed, errors.Join(cErr, err)
	}
	if err := consumer.Seek(e.config.DocTopic, docPos); err != nil {
		return removed, errors.Join(cErr, err)
	}
	return removed, cErr
}

// Close flushes and closes the log, the KV store, and releases the pid
// lock. In-flight SubmitTx goroutines are waited for up to ctx's deadline.
func (e *Engine) Close(ctx context.Context) error {
	if !e.shutdown.CompareAndSwap(false, true) {
		return ErrInCloseProcess
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Error("[chronostore.dbkernel] timeout waiting for in-flight submits during close",
			"namespace", e.namespace)
	}

	e.indexer.consumer.Close()

	var errs []error
	if err := e.log.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := e.log.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.FSync(); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.fileLock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
