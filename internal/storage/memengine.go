package storage

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// kvItem is the btree.Item stored in the tree: ordinary byte-string key
// ordering, exactly the ordering the codec's record-key encoding is
// designed to produce.
type kvItem struct {
	key   []byte
	value []byte
}

func (a kvItem) Less(than btree.Item) bool {
	return bytes.Compare(a.key, than.(kvItem).key) < 0
}

const btreeDegree = 32

// memEngine is an in-process ordered-KV engine backed by google/btree.
//
// It is a reference implementation of the storage-adapter contract (§4.2),
// standing in for the production ordered-KV engine that the design spec
// treats as an external collaborator (§1). Snapshots use btree's
// copy-on-write Clone, so Snapshot() is O(1) and later writes never
// mutate a previously taken snapshot's view.
type memEngine struct {
	mu    sync.RWMutex
	tree  *btree.BTree
	merge MergeOperator
}

// NewMemEngine creates an empty in-memory engine.
func NewMemEngine() Engine {
	return &memEngine{tree: btree.New(btreeDegree)}
}

func (e *memEngine) RegisterMergeOperator(fn MergeOperator) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.merge = fn
}

func (e *memEngine) Get(key []byte) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	item := e.tree.Get(kvItem{key: key})
	if item == nil {
		return nil, false, nil
	}

	v := item.(kvItem).value

	return append([]byte(nil), v...), true, nil
}

func (e *memEngine) PutBatch(ops []Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Group merge operands per key so the merge operator sees all pending
	// operands for a key in one call, matching §4.2's "merge(key, value)".
	merges := map[string][][]byte{}
	order := make([]string, 0)

	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			e.tree.ReplaceOrInsert(kvItem{key: cloneBytes(op.Key), value: cloneBytes(op.Value)})
		case OpDelete:
			e.tree.Delete(kvItem{key: op.Key})
		case OpMerge:
			k := string(op.Key)
			if _, ok := merges[k]; !ok {
				order = append(order, k)
			}

			merges[k] = append(merges[k], op.Value)
		default:
			return storageErr("put_batch", fmt.Errorf("unknown op kind %d", op.Kind))
		}
	}

	if len(merges) > 0 && e.merge == nil {
		return storageErr("put_batch", fmt.Errorf("merge operator not registered"))
	}

	for _, k := range order {
		key := []byte(k)

		var existing []byte
		if item := e.tree.Get(kvItem{key: key}); item != nil {
			existing = item.(kvItem).value
		}

		newVal := e.merge(key, existing, merges[k])
		e.tree.ReplaceOrInsert(kvItem{key: cloneBytes(key), value: cloneBytes(newVal)})
	}

	return nil
}

func (e *memEngine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return &memSnapshot{tree: e.tree.Clone()}
}

func (e *memEngine) Close() error { return nil }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	return append([]byte(nil), b...)
}

type memSnapshot struct {
	tree *btree.BTree
}

func (s *memSnapshot) Get(key []byte) ([]byte, bool, error) {
	item := s.tree.Get(kvItem{key: key})
	if item == nil {
		return nil, false, nil
	}

	return item.(kvItem).value, true, nil
}

func (s *memSnapshot) Iter(r KeyRange, dir Direction) Iterator {
	var items []KV

	collect := func(i btree.Item) bool {
		kv := i.(kvItem)
		items = append(items, KV{Key: kv.key, Value: kv.value})

		return true
	}

	switch {
	case dir == Forward && r.Lower != nil && r.Upper != nil:
		s.tree.AscendRange(kvItem{key: r.Lower}, kvItem{key: r.Upper}, collect)
	case dir == Forward && r.Lower != nil:
		s.tree.AscendGreaterOrEqual(kvItem{key: r.Lower}, collect)
	case dir == Forward && r.Upper != nil:
		s.tree.AscendLessThan(kvItem{key: r.Upper}, collect)
	case dir == Forward:
		s.tree.Ascend(collect)
	case r.Lower != nil && r.Upper != nil:
		// Backward over [Lower, Upper): descend from the item just below
		// Upper down to Lower, inclusive. DescendRange excludes Lower
		// itself, so the item exactly at Lower is appended separately.
		s.tree.DescendRange(kvItem{key: r.Upper}, kvItem{key: r.Lower}, collect)
		items = excludeExactUpper(items, r.Upper)

		if bytes.Compare(r.Lower, r.Upper) < 0 {
			items = append(items, lastAtOrAbove(s, r.Lower)...)
		}
	case r.Upper != nil:
		s.tree.DescendRange(kvItem{key: r.Upper}, nil, collectAll(&items))
		items = excludeExactUpper(items, r.Upper)
	case r.Lower != nil:
		s.tree.DescendGreaterThan(kvItem{key: r.Lower}, collect)
		items = append(items, lastAtOrAbove(s, r.Lower)...)
	default:
		s.tree.Descend(collect)
	}

	return &sliceIterator{items: items}
}

// collectAll builds a collector that appends into items regardless of the
// backing btree.Item concrete type (used when DescendRange's lower bound is
// nil, which google/btree treats as "no lower bound").
func collectAll(items *[]KV) btree.ItemIterator {
	return func(i btree.Item) bool {
		kv := i.(kvItem)
		*items = append(*items, KV{Key: kv.key, Value: kv.value})

		return true
	}
}

// excludeExactUpper drops a leading element equal to upper; DescendRange's
// lessOrEqual bound is inclusive but our KeyRange.Upper is exclusive.
func excludeExactUpper(items []KV, upper []byte) []KV {
	if len(items) > 0 && bytes.Equal(items[0].Key, upper) {
		return items[1:]
	}

	return items
}

// lastAtOrAbove returns the single item exactly at lower, if present, since
// DescendGreaterThan excludes it.
func lastAtOrAbove(s *memSnapshot, lower []byte) []KV {
	if item := s.tree.Get(kvItem{key: lower}); item != nil {
		kv := item.(kvItem)

		return []KV{{Key: kv.key, Value: kv.value}}
	}

	return nil
}

func (s *memSnapshot) Release() {}

type sliceIterator struct {
	items []KV
	pos   int
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.items) {
		return false
	}

	it.pos++

	return true
}

func (it *sliceIterator) KV() KV {
	return it.items[it.pos-1]
}

func (it *sliceIterator) Err() error  { return nil }
func (it *sliceIterator) Close() error { return nil }
