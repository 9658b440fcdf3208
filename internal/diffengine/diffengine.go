// Package diffengine implements §4.4 of the design spec: given two
// generations and a key range, stream the net change per user key,
// resumable across calls via an opaque cursor.
//
// It reads directly against a storage.Engine's record keyspace (the same
// one internal/collection writes to) rather than going through
// *collection.Collection, so it can do a single forward range scan and
// group consecutive record-key versions by user key itself instead of
// re-resolving each key independently the way Collection.Get does.
package diffengine

import (
	"bytes"
	"time"

	"github.com/calvinalkan/diffbelt/internal/codec"
	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
	"github.com/calvinalkan/diffbelt/internal/storage"
)

// KeyDiff is one user key's net change across (from_gen, to_gen].
//
// FromValue/ToValue are nil for "absent" (never written, or a tombstone)
// — the same convention collection.Item uses. Intermediate holds every
// distinct value strictly after from_gen up to and including to_gen, in
// generation order, with consecutive duplicates collapsed; its last
// element always equals ToValue. When the request sets
// OmitIntermediateValues, Intermediate holds only that final element.
type KeyDiff struct {
	Key          []byte
	FromValue    []byte
	ToValue      []byte
	Intermediate [][]byte
}

// Cursor is the opaque, resumable diff position (§4.4 step 4). It pins
// ToGen so a concatenated sequence of calls never observes a moving
// target, and stores every other request parameter so a resumed call is
// self-contained.
type Cursor struct {
	ID                     string
	LastEmittedRecordKey   []byte
	NextRecordKey          []byte
	FromGen                []byte
	ToGen                  []byte
	LowerKey               []byte
	UpperKey               []byte
	OmitIntermediateValues bool
	PhantomID              []byte
	IssuedAt               time.Time
}

// Request describes one diff call (§4.4).
type Request struct {
	FromGen                []byte
	ToGenLoose             []byte
	LowerKey               []byte
	UpperKey               []byte
	OmitIntermediateValues bool
	PhantomID              []byte
	Limit                  int
	Cursor                 *Cursor
}

// Result is the outcome of one diff call.
type Result struct {
	FromGen []byte
	ToGen   []byte
	Items   []KeyDiff
	Cursor  *Cursor // nil when the range is exhausted
}

const defaultLimit = 1000

// Diff executes one page of the algorithm in §4.4 against records, binding
// ToGen to at most committedGeneration on a fresh (non-resumed) call.
func Diff(records storage.Engine, committedGeneration []byte, req Request) (Result, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	fromGen, toGen, lowerKey, upperKey, omit, phantom, startKey, err := resolveParams(req, committedGeneration)
	if err != nil {
		return Result{}, err
	}

	var upperBound []byte

	if upperKey != nil {
		upperBound, err = codec.RecordKeyLowerBound(upperKey)
		if err != nil {
			return Result{}, err
		}
	}

	snap := records.Snapshot()
	defer snap.Release()

	it := snap.Iter(storage.KeyRange{Lower: startKey, Upper: upperBound}, storage.Forward)
	defer it.Close()

	result := Result{FromGen: fromGen, ToGen: toGen}

	var (
		group       []codec.RecordKey
		groupValues [][]byte
		lastEmitted []byte
	)

	flushGroup := func() {
		if len(group) == 0 {
			return
		}

		kd, changed := computeKeyDiff(group[0].UserKey, group, groupValues, fromGen, toGen, omit)
		if changed {
			result.Items = append(result.Items, kd)
			lastEmitted = kd.Key
		}

		group = group[:0]
		groupValues = groupValues[:0]
	}

	for it.Next() {
		kv := it.KV()

		rk, decErr := codec.DecodeRecordKey(kv.Key)
		if decErr != nil {
			return Result{}, diffbelterr.Wrap(diffbelterr.ErrMalformedKey, diffbelterr.WithCause(decErr))
		}

		if !phantomVisible(rk.Phantom, phantom) {
			continue
		}

		if len(group) > 0 && !bytes.Equal(group[0].UserKey, rk.UserKey) {
			flushGroup()

			if len(result.Items) >= limit {
				result.Cursor = &Cursor{
					LastEmittedRecordKey:   lastEmitted,
					NextRecordKey:          append([]byte(nil), kv.Key...),
					FromGen:                fromGen,
					ToGen:                  toGen,
					LowerKey:               lowerKey,
					UpperKey:               upperKey,
					OmitIntermediateValues: omit,
					PhantomID:              phantom,
					IssuedAt:               time.Now(),
				}

				return result, nil
			}
		}

		group = append(group, rk)
		groupValues = append(groupValues, append([]byte(nil), kv.Value...))
	}

	flushGroup()

	return result, nil
}

func resolveParams(req Request, committedGeneration []byte) (fromGen, toGen, lowerKey, upperKey []byte, omit bool, phantom, startKey []byte, err error) {
	if req.Cursor != nil {
		c := req.Cursor

		return c.FromGen, c.ToGen, c.LowerKey, c.UpperKey, c.OmitIntermediateValues, c.PhantomID, c.NextRecordKey, nil
	}

	toGen = req.ToGenLoose
	if toGen == nil || bytes.Compare(toGen, committedGeneration) > 0 {
		toGen = committedGeneration
	}

	lb, err := codec.RecordKeyLowerBound(req.LowerKey)
	if err != nil {
		return nil, nil, nil, nil, false, nil, nil, err
	}

	return req.FromGen, toGen, req.LowerKey, req.UpperKey, req.OmitIntermediateValues, req.PhantomID, lb, nil
}

func phantomVisible(recordPhantom, wantPhantom []byte) bool {
	if len(wantPhantom) == 0 {
		return len(recordPhantom) == 0
	}

	return bytes.Equal(recordPhantom, wantPhantom)
}

// computeKeyDiff implements §4.4 step 3 for one user key's full version
// history (versions and values are parallel slices, ascending generation
// order because the record-key encoding sorts that way).
func computeKeyDiff(userKey []byte, versions []codec.RecordKey, values [][]byte, fromGen, toGen []byte, omit bool) (KeyDiff, bool) {
	var fromValue, toValue []byte

	var intermediate [][]byte

	var lastSeen []byte

	haveLastSeen := false

	for i, v := range versions {
		if bytes.Compare(v.Generation, fromGen) <= 0 {
			fromValue = decodeOrNil(values[i])
		}

		if bytes.Compare(v.Generation, toGen) > 0 {
			continue
		}

		toValue = decodeOrNil(values[i])

		if bytes.Compare(v.Generation, fromGen) > 0 {
			if !haveLastSeen || !valuesEqualAbsolute(lastSeen, toValue) {
				intermediate = append(intermediate, toValue)
				lastSeen = toValue
				haveLastSeen = true
			}
		}
	}

	if valuesEqualAbsolute(fromValue, toValue) {
		return KeyDiff{}, false
	}

	if omit {
		intermediate = [][]byte{toValue}
	}

	return KeyDiff{
		Key:          append([]byte(nil), userKey...),
		FromValue:    fromValue,
		ToValue:      toValue,
		Intermediate: intermediate,
	}, true
}

func decodeOrNil(raw []byte) []byte {
	v, err := codec.DecodeValue(raw)
	if err != nil {
		return nil
	}

	return v
}

func valuesEqualAbsolute(a, b []byte) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return bytes.Equal(a, b)
}
