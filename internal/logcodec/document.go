package logcodec

import (
	"fmt"
	"reflect"

	"github.com/ankur-anand/chronostore/internal/keycodec"
	"github.com/fxamacker/cbor/v2"
)

// Reserved attribute names. AttrID carries the entity id inside every
// document; AttrEvicted marks the tombstone sentinel that replaces evicted
// content on the compacted topic.
const (
	AttrID      = "db/id"
	AttrEvicted = "db/evicted"
)

// Document is an immutable attribute map. Mutation happens by writing a new
// document with a new content hash under the same entity id.
type Document map[string]any

var (
	docEnc cbor.EncMode
	docDec cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("logcodec: canonical cbor enc mode: %v", err))
	}
	docEnc = em

	// nested maps decode as map[string]any so documents survive a
	// freeze/decode round trip with their Go shape intact.
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("logcodec: cbor dec mode: %v", err))
	}
	docDec = dm
}

// CanonicalFreeze serializes a document deterministically: canonical CBOR
// with sorted map keys. Two documents with equal content always freeze to
// identical bytes, which is what makes content addressing work.
func CanonicalFreeze(doc Document) ([]byte, error) {
	if _, ok := doc[AttrID]; !ok {
		return nil, fmt.Errorf("document missing %q attribute", AttrID)
	}
	data, err := docEnc.Marshal(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("freeze document: %w", err)
	}
	return data, nil
}

// DecodeDocument reverses CanonicalFreeze.
func DecodeDocument(data []byte) (Document, error) {
	var m map[string]any
	if err := docDec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return Document(m), nil
}

// NewContentHash freezes doc and returns its identity together with the
// frozen bytes, so callers never hash one serialization and ship another.
func NewContentHash(doc Document) (ContentHash, []byte, error) {
	data, err := CanonicalFreeze(doc)
	if err != nil {
		return ContentHash{}, nil, err
	}
	return keycodec.Sum(data), data, nil
}

// EntityID extracts and canonicalizes the document's entity id.
func (d Document) EntityID() (ID, error) {
	v, ok := d[AttrID]
	if !ok {
		return ID{}, fmt.Errorf("%w: document missing %q", ErrMalformedID, AttrID)
	}
	return NewID(v)
}

// TombstoneDocument is the sentinel written to the doc-topic for an evicted
// content hash. Compaction retains only this record; queries treat it as
// "entity absent".
func TombstoneDocument(eid ID) Document {
	return Document{
		AttrID:      eid.String(),
		AttrEvicted: true,
	}
}

// IsTombstone reports whether doc is an eviction sentinel.
func (d Document) IsTombstone() bool {
	evicted, ok := d[AttrEvicted].(bool)
	return ok && evicted
}

// IsTombstoneBytes reports whether frozen document bytes decode to an
// eviction sentinel. Undecodable bytes are not tombstones.
func IsTombstoneBytes(data []byte) bool {
	doc, err := DecodeDocument(data)
	if err != nil {
		return false
	}
	return doc.IsTombstone()
}
