// Package storage implements the storage adapter contract of design spec
// §4.2: the minimal surface the rest of the core needs from an ordered-KV
// engine — get, atomic batch writes, range iteration, a pluggable merge
// operator, and consistent snapshots.
//
// The concrete engine (memEngine in memengine.go, wrapped by fileEngine
// for durability) is backed by
// github.com/google/btree, exercising exactly the ordered-scan contract
// this codebase's slotcache package specified for a fixed-slot table, but
// over the variable-length keys the record/generation-index encodings
// produce.
package storage

import (
	"fmt"

	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
)

// Direction controls iteration order for Iter.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// KeyRange bounds a range scan. Either bound may be nil for "unbounded".
// Lower is inclusive, Upper is exclusive, matching the diff engine's and
// collection's range semantics throughout.
type KeyRange struct {
	Lower []byte
	Upper []byte
}

// OpKind distinguishes the three batch operation kinds of §4.2.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
	OpMerge
)

// Op is one operation within an atomic batch.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte // operand for OpSet/OpMerge, ignored for OpDelete
}

// MergeOperator combines a stored value with one or more pending merge
// operands. Supplied by the core; the engine never interprets operand
// bytes itself.
type MergeOperator func(key, existing []byte, operands [][]byte) []byte

// KV is one key/value pair yielded by an iterator.
type KV struct {
	Key   []byte
	Value []byte
}

// Iterator yields key/value pairs from a Snapshot in key order. Not safe
// for concurrent use by multiple goroutines, and not restartable — callers
// that need resumability encode their own cursor over the keys observed
// (see internal/diffengine).
type Iterator interface {
	// Next advances to the next pair. Returns false when exhausted or on
	// error; callers must check Err after a false return.
	Next() bool

	// KV returns the current pair. Only valid after Next returns true.
	KV() KV

	// Err returns the first error encountered, if any.
	Err() error

	// Close releases iterator resources.
	Close() error
}

// Snapshot is a read view consistent for its lifetime: iterators derived
// from it never observe writes committed after the snapshot was taken.
type Snapshot interface {
	// Get returns the value at key, or (nil, false) if absent.
	Get(key []byte) ([]byte, bool, error)

	// Iter returns a lazy iterator over r in the given direction.
	Iter(r KeyRange, dir Direction) Iterator

	// Release frees resources held by the snapshot. Idempotent.
	Release()
}

// Engine is the storage adapter surface the rest of the core depends on.
type Engine interface {
	// Get reads the current value at key.
	Get(key []byte) ([]byte, bool, error)

	// PutBatch applies ops atomically: either all apply, or (on error)
	// none do.
	PutBatch(ops []Op) error

	// Snapshot takes a consistent read view of the engine's current state.
	Snapshot() Snapshot

	// RegisterMergeOperator installs the function OpMerge operations use.
	// Must be called before any OpMerge is issued; installing twice
	// replaces the previous operator.
	RegisterMergeOperator(fn MergeOperator)

	// Close releases engine resources (e.g. the WAL file).
	Close() error
}

func storageErr(op string, err error) error {
	return diffbelterr.Wrap(diffbelterr.ErrStorage, diffbelterr.WithCause(fmt.Errorf("%s: %w", op, err)))
}
