package collection

import (
	"bytes"

	"github.com/calvinalkan/diffbelt/internal/codec"
	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
	"github.com/calvinalkan/diffbelt/internal/storage"
)

// Get returns the value visible at generationID (defaults to the current
// committed generation when nil), or diffbelterr.ErrNotFound.
func (c *Collection) Get(key, generationID []byte) ([]byte, error) {
	if generationID == nil {
		generationID = c.CurrentGeneration()
	}

	v, ok, err := c.latestValueAsOf(key, generationID)
	if err != nil {
		return nil, err
	}

	if !ok || codec.IsTombstone(v) {
		return nil, diffbelterr.Wrap(diffbelterr.ErrNotFound, diffbelterr.WithCollection(c.name), diffbelterr.WithKey(key))
	}

	return codec.DecodeValue(v)
}

func (c *Collection) latestValueAsOf(key, generationID []byte) ([]byte, bool, error) {
	lower, err := codec.RecordKeyLowerBound(key)
	if err != nil {
		return nil, false, err
	}

	upper, err := codec.RecordKeyUpperBoundForGeneration(key, generationID)
	if err != nil {
		return nil, false, err
	}

	snap := c.records.Snapshot()
	defer snap.Release()

	it := snap.Iter(storage.KeyRange{Lower: lower, Upper: upper}, storage.Backward)
	defer it.Close()

	if !it.Next() {
		return nil, false, nil
	}

	rk, err := codec.DecodeRecordKey(it.KV().Key)
	if err != nil {
		return nil, false, diffbelterr.Wrap(diffbelterr.ErrMalformedKey, diffbelterr.WithCollection(c.name), diffbelterr.WithCause(err))
	}

	if !bytes.Equal(rk.UserKey, key) {
		return nil, false, nil
	}

	return it.KV().Value, true, nil
}

// PutMany writes a batch of items under the given generation and phantom
// scope (both default to the collection's in-progress generation / empty
// phantom when nil). Writes to a manual collection outside of an
// in-progress generation are rejected.
func (c *Collection) PutMany(items []Item, generationID, phantomID []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	gen := generationID
	if gen == nil {
		gen = c.nextGenerationID
	}

	if gen == nil {
		if c.isManual {
			return diffbelterr.Wrap(diffbelterr.ErrGenerationMismatch,
				diffbelterr.WithCollection(c.name),
				diffbelterr.WithCause(errStr("no generation in progress")))
		}

		gen = c.allocateGenerationLocked()
		c.nextGenerationID = append([]byte(nil), gen...)

		if err := c.saveMeta(); err != nil {
			return err
		}
	}

	if c.isManual && (c.nextGenerationID == nil || !bytes.Equal(gen, c.nextGenerationID)) {
		return diffbelterr.Wrap(diffbelterr.ErrGenerationMismatch,
			diffbelterr.WithCollection(c.name),
			diffbelterr.WithGeneration(gen),
			diffbelterr.WithCause(errStr("generation is not the in-progress generation")))
	}

	ops := make([]storage.Op, 0, len(items))
	touched := make([][]byte, 0, len(items))

	for _, item := range items {
		if item.IfNotPresent {
			v, ok, err := c.latestValueAsOf(item.Key, gen)
			if err != nil {
				return err
			}

			if ok && !codec.IsTombstone(v) {
				continue
			}
		}

		rk, err := codec.EncodeRecordKey(item.Key, gen, phantomID)
		if err != nil {
			return err
		}

		ops = append(ops, storage.Op{Kind: storage.OpSet, Key: rk, Value: codec.EncodeValue(item.Value)})
		touched = append(touched, append([]byte(nil), item.Key...))
	}

	if err := c.records.PutBatch(ops); err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrStorage, diffbelterr.WithCollection(c.name), diffbelterr.WithCause(err))
	}

	if !c.isManual {
		if err := c.writeGenerationIndexLocked(gen, touched); err != nil {
			return err
		}

		c.generationID = gen
		c.nextGenerationID = nil

		return c.saveMeta()
	}

	return c.recordPendingTouchesLocked(gen, touched)
}

// Delete writes a tombstone for key, equivalent to PutMany with a nil value.
func (c *Collection) Delete(key, generationID, phantomID []byte) error {
	return c.PutMany([]Item{{Key: key, Value: nil}}, generationID, phantomID)
}

// pendingTouches accumulates user keys written within the currently
// in-progress generation of a manual collection so CommitGeneration can
// populate the generation index without re-scanning every record.
var pendingTouchesKeyPrefix = "pending:"

func (c *Collection) recordPendingTouchesLocked(gen []byte, touched [][]byte) error {
	ops := make([]storage.Op, 0, len(touched))

	for _, k := range touched {
		ck := append([]byte(pendingTouchesKeyPrefix), append(append([]byte(nil), gen...), k...)...)
		ops = append(ops, storage.Op{Kind: storage.OpSet, Key: ck, Value: k})
	}

	if err := c.control.PutBatch(ops); err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrStorage, diffbelterr.WithCollection(c.name), diffbelterr.WithCause(err))
	}

	return nil
}

func (c *Collection) pendingTouchesLocked(gen []byte) ([][]byte, error) {
	prefix := append([]byte(pendingTouchesKeyPrefix), gen...)

	snap := c.control.Snapshot()
	defer snap.Release()

	it := snap.Iter(storage.KeyRange{Lower: prefix, Upper: codec.PrefixUpperBound(prefix)}, storage.Forward)
	defer it.Close()

	var keys [][]byte

	var dels []storage.Op

	for it.Next() {
		keys = append(keys, append([]byte(nil), it.KV().Value...))
		dels = append(dels, storage.Op{Kind: storage.OpDelete, Key: append([]byte(nil), it.KV().Key...)})
	}

	if len(dels) > 0 {
		if err := c.control.PutBatch(dels); err != nil {
			return nil, diffbelterr.Wrap(diffbelterr.ErrStorage, diffbelterr.WithCollection(c.name), diffbelterr.WithCause(err))
		}
	}

	return keys, nil
}

func (c *Collection) writeGenerationIndexLocked(gen []byte, touched [][]byte) error {
	seen := map[string]bool{}

	ops := make([]storage.Op, 0, len(touched))

	for _, k := range touched {
		sk := string(k)
		if seen[sk] {
			continue
		}

		seen[sk] = true

		gk, err := codec.EncodeGenerationKey(gen, k)
		if err != nil {
			return err
		}

		ops = append(ops, storage.Op{Kind: storage.OpSet, Key: gk, Value: []byte{}})
	}

	if len(ops) == 0 {
		return nil
	}

	if err := c.genIndex.PutBatch(ops); err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrStorage, diffbelterr.WithCollection(c.name), diffbelterr.WithCause(err))
	}

	return nil
}

// QueryResult is one page of a range query.
type QueryResult struct {
	Items      []Item
	NextCursor []byte // nil when exhausted
}

// Query lists live keys in [lowerKey, upperKey) as of generationID, starting
// after cursor (the last returned key), up to limit items.
func (c *Collection) Query(lowerKey, upperKey, generationID, cursor []byte, limit int) (QueryResult, error) {
	if generationID == nil {
		generationID = c.CurrentGeneration()
	}

	if limit <= 0 {
		limit = 1000
	}

	snap := c.records.Snapshot()
	defer snap.Release()

	var (
		lb  []byte
		err error
	)

	if cursor != nil {
		// Skip past every version of the cursor's key, regardless of
		// generation, without crossing into a shorter/longer user key's
		// bucket: the record-key encoding orders primarily by the
		// length-prefixed user key, so "append a byte" does not produce
		// the next key in this space the way it would for a plain
		// lexicographic encoding.
		lb, err = codec.RecordKeyUpperBoundForGeneration(cursor, c.highWaterGeneration())
	} else {
		lb, err = codec.RecordKeyLowerBound(lowerKey)
	}

	if err != nil {
		return QueryResult{}, err
	}

	var ub []byte

	if upperKey != nil {
		ub, err = codec.RecordKeyLowerBound(upperKey)
		if err != nil {
			return QueryResult{}, err
		}
	}

	it := snap.Iter(storage.KeyRange{Lower: lb, Upper: ub}, storage.Forward)
	defer it.Close()

	var (
		result  QueryResult
		lastKey []byte
	)

	for it.Next() {
		rk, err := codec.DecodeRecordKey(it.KV().Key)
		if err != nil {
			continue
		}

		if lastKey != nil && bytes.Equal(lastKey, rk.UserKey) {
			continue // already resolved this user key's latest version below
		}

		lastKey = append([]byte(nil), rk.UserKey...)

		v, ok, err := c.latestValueAsOf(rk.UserKey, generationID)
		if err != nil {
			return QueryResult{}, err
		}

		if !ok || codec.IsTombstone(v) {
			continue
		}

		val, err := codec.DecodeValue(v)
		if err != nil {
			return QueryResult{}, err
		}

		result.Items = append(result.Items, Item{Key: append([]byte(nil), rk.UserKey...), Value: val})

		// Fetch one extra item past the page boundary so we can tell
		// whether anything remains, rather than guessing from the limit
		// alone (which would set a cursor even when the page was the
		// last one).
		if len(result.Items) > limit {
			result.Items = result.Items[:limit]
			result.NextCursor = append([]byte(nil), result.Items[limit-1].Key...)

			return result, nil
		}
	}

	return result, nil
}
