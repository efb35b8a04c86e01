package dbkernel

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ankur-anand/chronostore/dbkernel/internal/kvdrivers"
	"github.com/ankur-anand/chronostore/internal/keycodec"
	"github.com/ankur-anand/chronostore/internal/logcodec"
	"github.com/ankur-anand/chronostore/pkg/txlog"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/hashicorp/go-metrics"
)

var (
	mKeyDocsIndexedTotal   = append(packageKey, "docs", "indexed", "total")
	mKeyTxsAppliedTotal    = append(packageKey, "txs", "applied", "total")
	mKeyTxsFailedTotal     = append(packageKey, "txs", "failed", "total")
	mKeyPendingTxs         = append(packageKey, "pending", "txs", "total")
	mKeyCommitDurations    = append(packageKey, "commit", "durations", "seconds")
	mKeyEvictedDocsTotal   = append(packageKey, "evicted", "docs", "total")
	mKeyConsumePollRecords = append(packageKey, "consume", "poll", "records")
)

type pendingState uint8

const (
	pendingWaiting pendingState = iota
	pendingApplying
	pendingApplied
	pendingFailed
)

// pendingTx is a consumed but not yet applied transaction. It stays Waiting
// until every content hash it references is present in the object store or
// tombstoned.
type pendingTx struct {
	rec   txlog.Record
	ops   []logcodec.Operation
	state pendingState
}

// Indexer consumes the transaction and document topics and folds them into
// the index store. One indexer owns its store exclusively; replicas each run
// their own indexer over the shared log and converge.
type Indexer struct {
	store    kvdrivers.Store
	consumer *txlog.Consumer
	producer *txlog.Producer
	idx      indexStore
	objects  *objectStore

	txTopic     string
	docTopic    string
	pollTimeout time.Duration

	// docFilter answers "definitely not present" without a store read; the
	// store lookup stays authoritative on a positive.
	docFilter *bloom.BloomFilter

	pending []*pendingTx
	// next offsets to consume, mirroring the committed meta entries plus
	// any progress already committed this process lifetime.
	txOffset  int64
	docOffset int64

	metricsLabel []metrics.Label
}

func offsetMetaName(topic string) string {
	// offsets are stored per (topic, partition); the log is single-partition.
	return fmt.Sprintf("offset/%s/0", topic)
}

func encodeOffset(offset int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(offset))
	return b
}

func decodeOffset(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: offset value length %d", keycodec.ErrCorruptIndex, len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// staged accumulates everything one ConsumeAndIndex call will commit: the KV
// batch plus overlays that make uncommitted docs and entity versions visible
// to availability checks, cas lookups and eviction within the same call.
type staged struct {
	batch      *kvdrivers.Batch
	docs       map[logcodec.ContentHash][]byte
	entityTime map[logcodec.ID][]EntityTx
}

func newStaged() *staged {
	return &staged{
		batch:      kvdrivers.NewBatch(),
		docs:       make(map[logcodec.ContentHash][]byte),
		entityTime: make(map[logcodec.ID][]EntityTx),
	}
}

// ConsumeAndIndex polls both topics once, indexes the document records,
// applies every head-of-line transaction whose referenced documents are all
// available, and commits index mutations plus both consumer offsets in one
// atomic KV batch. An interrupted call commits nothing: the consumer is
// rewound to the committed offsets and the next call re-polls the same
// records.
func (ix *Indexer) ConsumeAndIndex(ctx context.Context) (Counts, error) {
	counts, err := ix.consumeAndIndex(ctx)
	if err != nil {
		ix.resetToCommitted()
		return Counts{}, err
	}
	return counts, nil
}

// resetToCommitted drops all uncommitted consumer progress: the pending list
// is rebuilt from the log on the next poll.
func (ix *Indexer) resetToCommitted() {
	ix.pending = nil
	if err := ix.consumer.Seek(ix.txTopic, ix.txOffset); err != nil {
		slog.Error("[chronostore.dbkernel] failed to rewind tx consumer", "error", err)
	}
	if err := ix.consumer.Seek(ix.docTopic, ix.docOffset); err != nil {
		slog.Error("[chronostore.dbkernel] failed to rewind doc consumer", "error", err)
	}
}

func (ix *Indexer) consumeAndIndex(ctx context.Context) (Counts, error) {
	var counts Counts

	recs, err := ix.consumer.Poll(ctx, ix.pollTimeout)
	if err != nil {
		return counts, err
	}
	metrics.SetGaugeWithLabels(mKeyConsumePollRecords, float32(len(recs)), ix.metricsLabel)

	st := newStaged()
	stagedTxOffset := ix.txOffset
	stagedDocOffset := ix.docOffset

	snap, err := ix.store.NewSnapshot()
	if err != nil {
		return counts, err
	}
	defer snap.Close()

	var consumed []*pendingTx
	for _, rec := range recs {
		switch rec.Topic {
		case ix.docTopic:
			if err := ix.stageDocRecord(st, rec); err != nil {
				return counts, err
			}
			stagedDocOffset = rec.Offset + 1
			counts.Docs++
		case ix.txTopic:
			ops, err := logcodec.DeserializeTxRecord(rec.Value)
			if err != nil {
				return counts, fmt.Errorf("tx record at offset %d: %w", rec.Offset, err)
			}
			consumed = append(consumed, &pendingTx{rec: rec, ops: ops})
		}
	}
	ix.pending = append(ix.pending, consumed...)

	applied, failed := 0, 0
	for len(ix.pending) > 0 {
		head := ix.pending[0]
		if !ix.docsAvailable(st, head) {
			break
		}
		head.state = pendingApplying
		ok, err := ix.applyTx(ctx, st, snap, head)
		if err != nil {
			return counts, err
		}
		if ok {
			head.state = pendingApplied
			applied++
		} else {
			head.state = pendingFailed
			failed++
		}
		// the offset advances regardless of a cas failure; the failed
		// transaction simply writes no entity-time entries.
		stagedTxOffset = head.rec.Offset + 1
		counts.Txs++
		ix.pending = ix.pending[1:]
	}
	metrics.SetGaugeWithLabels(mKeyPendingTxs, float32(len(ix.pending)), ix.metricsLabel)

	if st.batch.Len() == 0 && stagedTxOffset == ix.txOffset && stagedDocOffset == ix.docOffset {
		return counts, nil
	}

	st.batch.Put(keycodec.MetaKey(offsetMetaName(ix.txTopic)), encodeOffset(stagedTxOffset))
	st.batch.Put(keycodec.MetaKey(offsetMetaName(ix.docTopic)), encodeOffset(stagedDocOffset))

	// release the read snapshot before committing: a bolt write that grows
	// the file remaps it and waits for every open read transaction.
	_ = snap.Close()

	start := time.Now()
	if err := ix.store.WriteBatch(st.batch); err != nil {
		return Counts{}, fmt.Errorf("commit consume batch: %w", err)
	}
	metrics.MeasureSinceWithLabels(mKeyCommitDurations, start, ix.metricsLabel)
	metrics.IncrCounterWithLabels(mKeyDocsIndexedTotal, float32(counts.Docs), ix.metricsLabel)
	metrics.IncrCounterWithLabels(mKeyTxsAppliedTotal, float32(applied), ix.metricsLabel)
	metrics.IncrCounterWithLabels(mKeyTxsFailedTotal, float32(failed), ix.metricsLabel)

	ix.txOffset = stagedTxOffset
	ix.docOffset = stagedDocOffset
	return counts, nil
}

// stageDocRecord indexes one document topic record: the content record, the
// secondary entries, and the presence filter. A tombstone record replaces
// the stored content and unindexes the previous document version.
func (ix *Indexer) stageDocRecord(st *staged, rec txlog.Record) error {
	hash, err := keycodec.NewDigest(rec.Key)
	if err != nil {
		return fmt.Errorf("doc record at offset %d: %w", rec.Offset, err)
	}
	doc, err := logcodec.DecodeDocument(rec.Value)
	if err != nil {
		return fmt.Errorf("doc record %s: %w", hash, err)
	}

	if doc.IsTombstone() {
		prev, err := ix.docBytes(st, hash)
		if err != nil {
			return err
		}
		if prev != nil && !logcodec.IsTombstoneBytes(prev) {
			prevDoc, err := logcodec.DecodeDocument(prev)
			if err != nil {
				return fmt.Errorf("unindex doc %s: %w", hash, err)
			}
			if err := ix.idx.StageUnindexDoc(st.batch, hash, prevDoc); err != nil {
				return err
			}
		}
		ix.objects.StagePut(st.batch, hash, rec.Value)
	} else {
		if err := ix.idx.StageDoc(st.batch, hash, rec.Value, doc); err != nil {
			return fmt.Errorf("index doc %s: %w", hash, err)
		}
	}

	st.docs[hash] = rec.Value
	ix.docFilter.Add(hash[:])
	return nil
}

// docBytes reads through the overlay first, then the committed store.
func (ix *Indexer) docBytes(st *staged, hash logcodec.ContentHash) ([]byte, error) {
	if data, ok := st.docs[hash]; ok {
		return data, nil
	}
	if !ix.docFilter.Test(hash[:]) {
		return nil, nil
	}
	return ix.objects.Get(hash)
}

// docsAvailable reports whether every content hash the transaction
// references is present locally or already tombstoned.
func (ix *Indexer) docsAvailable(st *staged, p *pendingTx) bool {
	for _, op := range p.ops {
		switch op.Kind {
		case logcodec.OpPut, logcodec.OpCas:
			data, err := ix.docBytes(st, op.Hash)
			if err != nil || data == nil {
				return false
			}
		}
	}
	return true
}

// currentHash resolves the entity's visible content hash at the given
// instant, considering the committed snapshot, the overlay staged earlier in
// this call, and entries staged by earlier operations of the same
// transaction. Delete markers and tombstones read as absent (zero).
func (ix *Indexer) currentHash(st *staged, snap kvdrivers.Snapshot, txLocal []EntityTx, eid logcodec.ID, at time.Time) (logcodec.ContentHash, error) {
	atMilli := at.UnixMilli()
	var best *EntityTx

	committed, err := ix.idx.entityAt(snap, eid, at, at)
	if err != nil {
		return logcodec.ContentHash{}, err
	}
	best = committed

	// on exactly equal coordinates the later staged entry wins: an eviction
	// rewrites versions in place, and the rewrite shadows the original.
	consider := func(etx EntityTx) {
		if etx.Entity != eid {
			return
		}
		if etx.BusinessTime.UnixMilli() > atMilli || etx.TxTime.UnixMilli() > atMilli {
			return
		}
		if best == nil || laterVersion(etx, *best) || !laterVersion(*best, etx) {
			cp := etx
			best = &cp
		}
	}
	for _, etx := range st.entityTime[eid] {
		consider(etx)
	}
	for _, etx := range txLocal {
		consider(etx)
	}

	if best == nil || best.Absent() {
		return logcodec.ContentHash{}, nil
	}
	return best.Hash, nil
}

// laterVersion orders two entity versions by (bt, tt, txid) — the same
// ordering the descending key encoding yields.
func laterVersion(a, b EntityTx) bool {
	if !a.BusinessTime.Equal(b.BusinessTime) {
		return a.BusinessTime.After(b.BusinessTime)
	}
	if !a.TxTime.Equal(b.TxTime) {
		return a.TxTime.After(b.TxTime)
	}
	return a.rawTxID() > b.rawTxID()
}

// applyTx applies one transaction. It first simulates all operations against
// the overlay to evaluate cas preconditions; a single mismatch fails the
// whole transaction and nothing is staged, though its offset still advances.
// Returns whether the transaction applied.
func (ix *Indexer) applyTx(ctx context.Context, st *staged, snap kvdrivers.Snapshot, p *pendingTx) (bool, error) {
	txTime := p.rec.Time
	var txLocal []EntityTx
	var evictions []logcodec.ID

	for seq, op := range p.ops {
		businessTime := txTime
		if op.ValidTime != nil {
			businessTime = *op.ValidTime
		}
		etx := EntityTx{
			Entity:       op.Entity,
			BusinessTime: businessTime,
			TxTime:       txTime,
			TxID:         p.rec.Offset,
			Seq:          seq,
		}

		switch op.Kind {
		case logcodec.OpPut:
			etx.Hash = op.Hash
			txLocal = append(txLocal, etx)
		case logcodec.OpDelete:
			etx.Hash = keycodec.ZeroDigest
			txLocal = append(txLocal, etx)
		case logcodec.OpCas:
			current, err := ix.currentHash(st, snap, txLocal, op.Entity, txTime)
			if err != nil {
				return false, err
			}
			if current != op.OldHash {
				slog.Debug("[chronostore.dbkernel] cas mismatch",
					"tx_id", p.rec.Offset, "entity", op.Entity,
					"expected", op.OldHash, "current", current)
				return false, nil
			}
			etx.Hash = op.Hash
			txLocal = append(txLocal, etx)
		case logcodec.OpEvict:
			evictions = append(evictions, op.Entity)
		default:
			return false, fmt.Errorf("tx %d op %d: unknown kind %d", p.rec.Offset, seq, op.Kind)
		}
	}

	for _, etx := range txLocal {
		ix.idx.StageEntityTx(st.batch, etx)
		st.entityTime[etx.Entity] = append(st.entityTime[etx.Entity], etx)
	}
	for _, eid := range evictions {
		if err := ix.evictEntity(ctx, st, snap, eid); err != nil {
			return false, err
		}
	}
	return true, nil
}

// evictEntity rewrites every historical version of eid to point at the
// tombstone hash, removes the document bytes and secondary entries for the
// evicted content, and produces tombstone records so log compaction drops
// the document bodies too.
func (ix *Indexer) evictEntity(ctx context.Context, st *staged, snap kvdrivers.Snapshot, eid logcodec.ID) error {
	versions, err := ix.entityVersions(st, snap, eid)
	if err != nil {
		return err
	}

	evictHashes := make(map[logcodec.ContentHash]struct{})
	for _, etx := range versions {
		if !etx.Absent() {
			evictHashes[etx.Hash] = struct{}{}
		}
		etx.Hash = TombstoneHash()
		ix.idx.StageEntityTx(st.batch, etx)
		st.entityTime[eid] = append(st.entityTime[eid], etx)
	}

	// deterministic eviction order keeps replays byte-identical.
	ordered := make([]logcodec.ContentHash, 0, len(evictHashes))
	for h := range evictHashes {
		ordered = append(ordered, h)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return string(ordered[i][:]) < string(ordered[j][:])
	})

	for _, hash := range ordered {
		data, err := ix.docBytes(st, hash)
		if err != nil {
			return err
		}
		if data != nil && !logcodec.IsTombstoneBytes(data) {
			doc, err := logcodec.DecodeDocument(data)
			if err != nil {
				return fmt.Errorf("evict %s: %w", hash, err)
			}
			if err := ix.idx.StageUnindexDoc(st.batch, hash, doc); err != nil {
				return err
			}
		}

		_, frozen, err := logcodec.NewContentHash(logcodec.TombstoneDocument(eid))
		if err != nil {
			return err
		}
		ix.objects.StagePut(st.batch, hash, frozen)
		st.docs[hash] = frozen

		// the tombstone record flows through the compacted topic so the
		// compactor eventually drops the original document bytes everywhere.
		if _, _, err := ix.producer.Produce(ctx, ix.docTopic, hash[:], frozen); err != nil {
			return fmt.Errorf("produce tombstone for %s: %w", hash, err)
		}
		metrics.IncrCounterWithLabels(mKeyEvictedDocsTotal, 1, ix.metricsLabel)
	}
	return nil
}

// entityVersions merges the committed history with overlay entries staged in
// this call.
func (ix *Indexer) entityVersions(st *staged, snap kvdrivers.Snapshot, eid logcodec.ID) ([]EntityTx, error) {
	var versions []EntityTx

	it, err := snap.NewIterator()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	prefix := keycodec.EntityTimePrefix(eid)
	for ok := it.Seek(prefix); ok; ok = it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			break
		}
		etx, err := decodeEntityTimeEntry(it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		versions = append(versions, etx)
	}
	versions = append(versions, st.entityTime[eid]...)
	return versions, nil
}

// rebuildDocFilter loads every indexed content hash into the presence
// filter. Runs once at open; the filter only answers definite negatives.
func (ix *Indexer) rebuildDocFilter() error {
	snap, err := ix.store.NewSnapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	it, err := snap.NewIterator()
	if err != nil {
		return err
	}
	defer it.Close()

	prefix := keycodec.TagPrefix(keycodec.IndexContent)
	for ok := it.Seek(prefix); ok; ok = it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			break
		}
		hash, err := keycodec.DecodeContentKey(it.Key())
		if err != nil {
			return err
		}
		ix.docFilter.Add(hash[:])
	}
	return nil
}
