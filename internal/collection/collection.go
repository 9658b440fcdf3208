// Package collection implements §4.3 of the design spec: per-collection
// mutation serialization, the generation state machine of §4.3.1, and the
// reader bookkeeping of §3/§4.5 as seen from the owning collection's side.
//
// A Collection owns three independent storage engines rather than three
// key prefixes in one flat keyspace: records, the generation index, and a
// small control namespace (collection metadata plus the reader table).
// Real ordered-KV engines offer column families for exactly this reason;
// splitting them here keeps the record-key codec's reserved byte free of
// any cross-purpose collisions without inventing a fourth prefix.
package collection

import (
	"bytes"
	"sync"

	"github.com/calvinalkan/diffbelt/internal/codec"
	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
	"github.com/calvinalkan/diffbelt/internal/storage"
)

// Item is one entry in a PutMany batch (§4.3).
type Item struct {
	Key          []byte
	Value        []byte // nil means tombstone
	IfNotPresent bool
}

// ReaderRecord mirrors codec.ReaderValue with the owning reader's name
// attached, as returned by ListReaders.
type ReaderRecord struct {
	Name             string
	TargetCollection string
	Generation       []byte
}

// Stats is the read-only introspection surface of SPEC_FULL §C3.
type Stats struct {
	LiveKeyCount        int
	CurrentGeneration   []byte
	NextGeneration      []byte // nil if no generation in progress
	MinimumGeneration   []byte
}

// Collection is a single generation-versioned key space.
type Collection struct {
	name     string
	isManual bool

	records  storage.Engine
	genIndex storage.Engine
	control  storage.Engine

	// mu serializes every mutating operation (§4.3.2's "single logical
	// writer"). Reads take it only to copy the generation id they resolve
	// against, so they wait for an in-progress write; the lookup itself
	// runs against a Snapshot without it.
	mu sync.Mutex

	generationID     []byte
	nextGenerationID []byte

	readers map[string]codec.ReaderValue

	autoCounter uint64
}

const (
	controlKeyMeta        = "meta"
	controlReaderPrefix   = "reader:"
)

// New constructs a Collection backed by the three given engines, loading
// any persisted metadata and reader table from control.
func New(name string, isManual bool, records, genIndex, control storage.Engine) (*Collection, error) {
	records.RegisterMergeOperator(storage.MetaFullMerge)

	c := &Collection{
		name:     name,
		isManual: isManual,
		records:  records,
		genIndex: genIndex,
		control:  control,
		readers:  map[string]codec.ReaderValue{},
	}

	if err := c.loadMeta(); err != nil {
		return nil, err
	}

	if err := c.loadReaders(); err != nil {
		return nil, err
	}

	return c, nil
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// IsManual reports whether generations advance only via explicit
// start/commit calls.
func (c *Collection) IsManual() bool { return c.isManual }

// CurrentGeneration returns the last committed generation id.
func (c *Collection) CurrentGeneration() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]byte(nil), c.generationID...)
}

// NextGeneration returns the in-progress generation id, or nil if none.
func (c *Collection) NextGeneration() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nextGenerationID == nil {
		return nil
	}

	return append([]byte(nil), c.nextGenerationID...)
}

// MinimumGeneration returns the minimum over all readers pointing at this
// collection, or the current generation if there are none (§3).
func (c *Collection) MinimumGeneration() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.minimumGenerationLocked()
}

func (c *Collection) minimumGenerationLocked() []byte {
	min := c.generationID

	for _, r := range c.readers {
		if r.TargetCollection != "" {
			continue
		}

		if bytes.Compare(r.Generation, min) < 0 {
			min = r.Generation
		}
	}

	return append([]byte(nil), min...)
}

// highWaterGeneration returns the largest generation id any record could
// possibly have been written at: the in-progress generation if one is
// open, otherwise the current committed one.
func (c *Collection) highWaterGeneration() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nextGenerationID != nil {
		return append([]byte(nil), c.nextGenerationID...)
	}

	return append([]byte(nil), c.generationID...)
}

// Stats returns a read-only snapshot of collection bookkeeping.
func (c *Collection) Stats() Stats {
	c.mu.Lock()
	gen := append([]byte(nil), c.generationID...)

	var next []byte
	if c.nextGenerationID != nil {
		next = append([]byte(nil), c.nextGenerationID...)
	}

	min := c.minimumGenerationLocked()
	c.mu.Unlock()

	snap := c.records.Snapshot()
	defer snap.Release()

	count := 0
	it := snap.Iter(storage.KeyRange{}, storage.Forward)

	defer it.Close()

	var (
		lastKey  []byte
		lastLive bool
	)

	for it.Next() {
		rk, err := codec.DecodeRecordKey(it.KV().Key)
		if err != nil || len(rk.Phantom) != 0 || bytes.Compare(rk.Generation, gen) > 0 {
			continue
		}

		if lastKey != nil && !bytes.Equal(lastKey, rk.UserKey) && lastLive {
			count++
		}

		// Versions of a key arrive oldest first; the last one seen decides.
		lastKey = append([]byte(nil), rk.UserKey...)
		lastLive = !codec.IsTombstone(it.KV().Value)
	}

	if lastKey != nil && lastLive {
		count++
	}

	return Stats{LiveKeyCount: count, CurrentGeneration: gen, NextGeneration: next, MinimumGeneration: min}
}

// --- control-namespace persistence ---

func (c *Collection) loadMeta() error {
	v, ok, err := c.control.Get([]byte(controlKeyMeta))
	if err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrStorage, diffbelterr.WithCause(err), diffbelterr.WithCollection(c.name))
	}

	if !ok {
		c.generationID = []byte{}

		return c.saveMeta()
	}

	gen, next, err := decodeMeta(v)
	if err != nil {
		return err
	}

	c.generationID = gen
	c.nextGenerationID = next

	return nil
}

func (c *Collection) saveMeta() error {
	v := encodeMeta(c.generationID, c.nextGenerationID)

	err := c.control.PutBatch([]storage.Op{{Kind: storage.OpSet, Key: []byte(controlKeyMeta), Value: v}})
	if err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrStorage, diffbelterr.WithCause(err), diffbelterr.WithCollection(c.name))
	}

	return nil
}

func encodeMeta(gen, next []byte) []byte {
	buf := make([]byte, 0, 2+len(gen)+len(next))
	buf = append(buf, byte(len(gen)))
	buf = append(buf, gen...)

	if next == nil {
		buf = append(buf, 0xff) // sentinel: no in-progress generation
		return buf
	}

	buf = append(buf, byte(len(next)))
	buf = append(buf, next...)

	return buf
}

func decodeMeta(b []byte) (gen, next []byte, err error) {
	if len(b) < 1 {
		return nil, nil, diffbelterr.Wrap(diffbelterr.ErrMalformedValue)
	}

	genLen := int(b[0])

	if len(b) < 1+genLen+1 {
		return nil, nil, diffbelterr.Wrap(diffbelterr.ErrMalformedValue)
	}

	gen = b[1 : 1+genLen]

	marker := b[1+genLen]
	if marker == 0xff {
		return gen, nil, nil
	}

	nextLen := int(marker)
	off := 1 + genLen + 1

	if len(b) < off+nextLen {
		return nil, nil, diffbelterr.Wrap(diffbelterr.ErrMalformedValue)
	}

	next = b[off : off+nextLen]

	return gen, next, nil
}

func (c *Collection) loadReaders() error {
	snap := c.control.Snapshot()
	defer snap.Release()

	it := snap.Iter(storage.KeyRange{
		Lower: []byte(controlReaderPrefix),
		Upper: codec.PrefixUpperBound([]byte(controlReaderPrefix)),
	}, storage.Forward)
	defer it.Close()

	for it.Next() {
		kv := it.KV()
		name := string(kv.Key[len(controlReaderPrefix):])

		rv, err := codec.DecodeReaderValue(kv.Value)
		if err != nil {
			return diffbelterr.Wrap(diffbelterr.ErrMalformedValue, diffbelterr.WithCollection(c.name))
		}

		c.readers[name] = rv
	}

	return nil
}
