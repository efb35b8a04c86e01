package kvdrivers

type batchOpKind uint8

const (
	batchOpPut batchOpKind = iota
	batchOpDelete
)

type batchOp struct {
	kind  batchOpKind
	key   []byte
	value []byte
}

// Batch is an ordered group of mutations applied atomically by
// Store.WriteBatch. Operations apply in insertion order, so a later put of
// the same key wins within one batch.
type Batch struct {
	ops []batchOp
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put stages a key write. The batch retains its own copies.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{
		kind:  batchOpPut,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

// Delete stages a key removal. Deleting an absent key is a no-op at apply
// time.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{
		kind: batchOpDelete,
		key:  append([]byte(nil), key...),
	})
}

// Len reports the number of staged operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Reset empties the batch for reuse.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
}
