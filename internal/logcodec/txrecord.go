package logcodec

import (
	"fmt"
	"time"

	"github.com/ankur-anand/chronostore/internal/keycodec"
)

// OpKind enumerates the transaction operations.
type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpDelete
	OpCas
	OpEvict
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpCas:
		return "cas"
	case OpEvict:
		return "evict"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Operation is one step of a transaction. On the wire put and cas carry
// content hashes only; Doc is the writer-side input that the producer
// freezes onto the doc-topic before the tx record is produced.
type Operation struct {
	Kind    OpKind
	Entity  ID
	Hash    ContentHash // put: new content; cas: proposed content
	OldHash ContentHash // cas: expected current content; zero means "absent"
	Doc     Document    // writer side only, never serialized
	// ValidTime is the optional business time of the assertion. Nil means
	// "use the transaction time".
	ValidTime *time.Time
}

// Put asserts doc for its entity at the given business time.
func Put(doc Document, validTime *time.Time) Operation {
	return Operation{Kind: OpPut, Doc: doc, ValidTime: validTime}
}

// Delete retracts the entity at the given business time.
func Delete(eid ID, validTime *time.Time) Operation {
	return Operation{Kind: OpDelete, Entity: eid, ValidTime: validTime}
}

// Cas asserts doc only if the entity's current content hash equals expected.
// A zero expected hash means the entity must be absent.
func Cas(eid ID, expected ContentHash, doc Document, validTime *time.Time) Operation {
	return Operation{Kind: OpCas, Entity: eid, OldHash: expected, Doc: doc, ValidTime: validTime}
}

// Evict removes every version of the entity and replaces the content with
// tombstones.
func Evict(eid ID) Operation {
	return Operation{Kind: OpEvict, Entity: eid}
}

type opWire struct {
	Kind      uint8  `cbor:"1,keyasint"`
	Entity    []byte `cbor:"2,keyasint,omitempty"`
	Hash      []byte `cbor:"3,keyasint,omitempty"`
	OldHash   []byte `cbor:"4,keyasint,omitempty"`
	ValidTime *int64 `cbor:"5,keyasint,omitempty"`
}

type txWire struct {
	Ops []opWire `cbor:"1,keyasint"`
}

// SerializeTxRecord encodes ops for the tx-topic. Documents must already be
// resolved to content hashes; a put carrying no hash is a programming error.
func SerializeTxRecord(ops []Operation) ([]byte, error) {
	w := txWire{Ops: make([]opWire, 0, len(ops))}
	for i, op := range ops {
		ow := opWire{Kind: uint8(op.Kind)}
		switch op.Kind {
		case OpPut, OpCas:
			if op.Hash.IsZero() {
				return nil, fmt.Errorf("op %d (%s): content hash not resolved", i, op.Kind)
			}
		case OpDelete, OpEvict:
		default:
			return nil, fmt.Errorf("op %d: unknown kind %d", i, op.Kind)
		}
		if op.Entity.IsZero() {
			return nil, fmt.Errorf("op %d (%s): missing entity id", i, op.Kind)
		}
		ow.Entity = op.Entity[:]
		if !op.Hash.IsZero() {
			ow.Hash = op.Hash[:]
		}
		if !op.OldHash.IsZero() {
			ow.OldHash = op.OldHash[:]
		}
		if op.ValidTime != nil {
			ms := op.ValidTime.UnixMilli()
			ow.ValidTime = &ms
		}
		w.Ops = append(w.Ops, ow)
	}
	data, err := docEnc.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("serialize tx record: %w", err)
	}
	return data, nil
}

// DeserializeTxRecord reverses SerializeTxRecord.
func DeserializeTxRecord(data []byte) ([]Operation, error) {
	var w txWire
	if err := docDec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("deserialize tx record: %w", err)
	}
	ops := make([]Operation, 0, len(w.Ops))
	for i, ow := range w.Ops {
		op := Operation{Kind: OpKind(ow.Kind)}
		var err error
		if op.Entity, err = keycodec.NewDigest(ow.Entity); err != nil {
			return nil, fmt.Errorf("tx record op %d entity: %w", i, err)
		}
		if len(ow.Hash) > 0 {
			if op.Hash, err = keycodec.NewDigest(ow.Hash); err != nil {
				return nil, fmt.Errorf("tx record op %d hash: %w", i, err)
			}
		}
		if len(ow.OldHash) > 0 {
			if op.OldHash, err = keycodec.NewDigest(ow.OldHash); err != nil {
				return nil, fmt.Errorf("tx record op %d old hash: %w", i, err)
			}
		}
		if ow.ValidTime != nil {
			t := time.UnixMilli(*ow.ValidTime).UTC()
			op.ValidTime = &t
		}
		ops = append(ops, op)
	}
	return ops, nil
}
