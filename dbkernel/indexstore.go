package dbkernel

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ankur-anand/chronostore/dbkernel/internal/kvdrivers"
	"github.com/ankur-anand/chronostore/internal/keycodec"
	"github.com/ankur-anand/chronostore/internal/logcodec"
)

// indexStore derives index entries from documents and transactions. All
// writes are staged onto a batch; nothing here touches the store directly,
// which is what keeps a consume-and-index call atomic.
type indexStore struct{}

// avcEntries expands a document into its attribute+value index keys.
// Collection values index every element under the same attribute.
func (indexStore) avcEntries(hash logcodec.ContentHash, doc logcodec.Document) ([][]byte, error) {
	var keys [][]byte
	for attr, value := range doc {
		attrDigest := keycodec.AttrDigest(attr)
		elems, ok := value.([]any)
		if !ok {
			elems = []any{value}
		}
		for _, elem := range elems {
			vb, err := keycodec.ValueBytes(elem)
			if err != nil {
				return nil, fmt.Errorf("attribute %q: %w", attr, err)
			}
			keys = append(keys, keycodec.AVCKey(attrDigest, vb, hash))
		}
	}
	return keys, nil
}

// StageDoc stages the content record, the attribute+value entries and the
// content-hash to entity entry for one document. Re-staging the same
// document writes the same keys, so replay is idempotent.
func (ix indexStore) StageDoc(batch *kvdrivers.Batch, hash logcodec.ContentHash, data []byte, doc logcodec.Document) error {
	eid, err := doc.EntityID()
	if err != nil {
		return err
	}
	batch.Put(keycodec.ContentKey(hash), data)
	keys, err := ix.avcEntries(hash, doc)
	if err != nil {
		return err
	}
	for _, k := range keys {
		batch.Put(k, nil)
	}
	batch.Put(keycodec.HashEntityKey(hash, eid), nil)
	return nil
}

// StageUnindexDoc stages removal of every secondary entry of a document, as
// eviction requires. The content record itself is handled by the caller,
// which replaces it with the tombstone sentinel.
func (ix indexStore) StageUnindexDoc(batch *kvdrivers.Batch, hash logcodec.ContentHash, doc logcodec.Document) error {
	eid, err := doc.EntityID()
	if err != nil {
		return err
	}
	keys, err := ix.avcEntries(hash, doc)
	if err != nil {
		return err
	}
	for _, k := range keys {
		batch.Delete(k)
	}
	batch.Delete(keycodec.HashEntityKey(hash, eid))
	return nil
}

// StageEntityTx stages one entity-time entry.
func (indexStore) StageEntityTx(batch *kvdrivers.Batch, etx EntityTx) {
	key := keycodec.EntityTimeKey(etx.Entity, etx.BusinessTime.UnixMilli(), etx.TxTime.UnixMilli(), etx.rawTxID())
	batch.Put(key, etx.Hash[:])
}

func decodeEntityTimeEntry(key, value []byte) (EntityTx, error) {
	eid, btMilli, ttMilli, rawTxID, err := keycodec.DecodeEntityTimeKey(key)
	if err != nil {
		return EntityTx{}, err
	}
	hash, err := keycodec.NewDigest(value)
	if err != nil {
		return EntityTx{}, err
	}
	txID, seq := splitRawTxID(rawTxID)
	return EntityTx{
		Entity:       eid,
		BusinessTime: time.UnixMilli(btMilli).UTC(),
		TxTime:       time.UnixMilli(ttMilli).UTC(),
		TxID:         txID,
		Seq:          seq,
		Hash:         hash,
	}, nil
}

// entityAt is the as-of lookup: seek to (eid, ~bt, ~tt, ~maxTxID) and take
// the first subsequent entry under the entity prefix whose decoded bt and tt
// both lie at or before the bounds. Returns nil when the entity has no
// version visible at that coordinate.
func (indexStore) entityAt(snap kvdrivers.Snapshot, eid logcodec.ID, bt, tt time.Time) (*EntityTx, error) {
	it, err := snap.NewIterator()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	btMilli, ttMilli := bt.UnixMilli(), tt.UnixMilli()
	prefix := keycodec.EntityTimePrefix(eid)
	ok := it.Seek(keycodec.EntityTimeSeekKey(eid, btMilli, ttMilli))
	for ; ok; ok = it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			return nil, nil
		}
		etx, err := decodeEntityTimeEntry(it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		if etx.BusinessTime.UnixMilli() <= btMilli && etx.TxTime.UnixMilli() <= ttMilli {
			return &etx, nil
		}
	}
	return nil, nil
}

// HistoryCursor yields the versions of one entity in reverse chronological
// order. The cursor owns its snapshot; callers must Close it.
type HistoryCursor struct {
	snap   kvdrivers.Snapshot
	it     kvdrivers.Iterator
	prefix []byte
	next   bool
	closed bool
}

func newHistoryCursor(snap kvdrivers.Snapshot, eid logcodec.ID) (*HistoryCursor, error) {
	it, err := snap.NewIterator()
	if err != nil {
		snap.Close()
		return nil, err
	}
	prefix := keycodec.EntityTimePrefix(eid)
	return &HistoryCursor{
		snap:   snap,
		it:     it,
		prefix: prefix,
		next:   it.Seek(prefix),
	}, nil
}

// Next returns the next version, or nil when the history is exhausted.
func (h *HistoryCursor) Next() (*EntityTx, error) {
	if h.closed || !h.next {
		return nil, nil
	}
	if !bytes.HasPrefix(h.it.Key(), h.prefix) {
		return nil, nil
	}
	etx, err := decodeEntityTimeEntry(h.it.Key(), h.it.Value())
	if err != nil {
		return nil, err
	}
	h.next = h.it.Next()
	return &etx, nil
}

// Close releases the cursor's iterator and snapshot.
func (h *HistoryCursor) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	_ = h.it.Close()
	return h.snap.Close()
}

// AttrEntry is one hit of an attribute range scan: the encoded value bytes
// and the content hash of the document carrying it.
type AttrEntry struct {
	ValueBytes []byte
	Hash       logcodec.ContentHash
}

// AttrCursor yields attribute index entries in value order.
type AttrCursor struct {
	snap   kvdrivers.Snapshot
	it     kvdrivers.Iterator
	attr   keycodec.Digest
	prefix []byte
	upper  []byte
	next   bool
	closed bool
}

func newAttrCursor(snap kvdrivers.Snapshot, attr string, lower, upper any) (*AttrCursor, error) {
	attrDigest := keycodec.AttrDigest(attr)
	var lowerBytes, upperBytes []byte
	var err error
	if lower != nil {
		if lowerBytes, err = keycodec.ValueBytes(lower); err != nil {
			snap.Close()
			return nil, err
		}
	}
	if upper != nil {
		if upperBytes, err = keycodec.ValueBytes(upper); err != nil {
			snap.Close()
			return nil, err
		}
	}

	it, err := snap.NewIterator()
	if err != nil {
		snap.Close()
		return nil, err
	}
	c := &AttrCursor{
		snap:   snap,
		it:     it,
		attr:   attrDigest,
		prefix: keycodec.AVCPrefix(attrDigest),
		upper:  upperBytes,
	}
	c.next = it.Seek(keycodec.AVCSeekKey(attrDigest, lowerBytes))
	return c, nil
}

// Next returns the next entry in value order, or nil past the upper bound.
func (c *AttrCursor) Next() (*AttrEntry, error) {
	if c.closed || !c.next {
		return nil, nil
	}
	if !bytes.HasPrefix(c.it.Key(), c.prefix) {
		return nil, nil
	}
	value, hash, err := keycodec.SplitAVCKey(c.it.Key(), c.attr)
	if err != nil {
		return nil, err
	}
	if c.upper != nil && bytes.Compare(value, c.upper) > 0 {
		return nil, nil
	}
	entry := &AttrEntry{
		ValueBytes: append([]byte(nil), value...),
		Hash:       hash,
	}
	c.next = c.it.Next()
	return entry, nil
}

// Close releases the cursor's iterator and snapshot.
func (c *AttrCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.it.Close()
	return c.snap.Close()
}
