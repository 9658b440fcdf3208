package codec

// Generation ids are compared by their encoded byte form, which only
// matches true byte-lexicographic order of the raw id when every id used
// in a collection has the same length (auto-allocated generations already
// satisfy this; manual collections are expected to use fixed-width ids
// too, e.g. zero-padded counters or UUIDs).

// RecordKeyLowerBound returns the smallest record key for userKey (the
// empty generation and phantom sort first).
func RecordKeyLowerBound(userKey []byte) ([]byte, error) {
	return EncodeRecordKey(userKey, nil, nil)
}

// RecordKeyUpperBoundForGeneration returns the smallest record key, for
// the given user key, that sorts after every record version with
// Generation <= gen. The bound is exclusive. Because the encoding orders
// primarily by the length-prefixed user key, this bumps the generation
// field rather than appending to the user key, which would jump into a
// different user-key-length bucket instead of the next version of the
// same key.
func RecordKeyUpperBoundForGeneration(userKey, gen []byte) ([]byte, error) {
	if len(gen) == 0 {
		return RecordKeyLowerBound(userKey)
	}

	// Unlike IncrementBytes, this must not shorten gen: the record-key
	// encoding compares the u8 genLen prefix before the generation bytes
	// themselves, so a bumped value with a shorter encoded length can sort
	// *before* a real record whose generation equals gen (e.g. gen's last
	// byte is 0xff but not every byte is). Carrying zeroes through instead
	// of truncating keeps the bumped value's length, and therefore its
	// genLen byte, equal to gen's.
	bumped := incrementFixedWidth(gen)
	if bumped != nil {
		return EncodeRecordKey(userKey, bumped, nil)
	}

	// gen is all 0xff: no generation value can exceed it, so the upper
	// bound is the start of the next user key's range. The next key must
	// keep userKey's length for the same reason gen must above.
	nextKey := incrementFixedWidth(userKey)
	if nextKey == nil {
		return nil, nil // userKey is also all 0xff; no upper bound at all
	}

	return RecordKeyLowerBound(nextKey)
}

// IncrementBytes returns the smallest byte string that sorts after every
// string having b as a prefix (trailing 0xff bytes are dropped and the last
// remaining byte is incremented), or nil if b is empty or consists entirely
// of 0xff bytes.
func IncrementBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	out := append([]byte(nil), b...)

	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}

	return nil
}

// incrementFixedWidth returns the smallest same-length byte string greater
// than b, carrying zeroes through any trailing 0xff run instead of dropping
// them, or nil if b is empty or entirely 0xff (no same-length successor
// exists).
func incrementFixedWidth(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	out := append([]byte(nil), b...)

	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out
		}

		out[i] = 0
	}

	return nil
}

// PrefixUpperBound returns the smallest byte string that sorts after every
// string with the given prefix, or nil if the prefix is all 0xff (no
// upper bound exists).
func PrefixUpperBound(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)

	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xff {
			up[i]++
			return up[:i+1]
		}
	}

	return nil
}
