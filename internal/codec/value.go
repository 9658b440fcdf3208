package codec

// Record values are stored as a one-byte flag followed by the literal bytes
// (§3: "Either the literal byte string, or a tombstone marker"). The flag
// byte keeps tombstones distinguishable from an empty, zero-length value.
const (
	valueFlagPresent byte = 0x01
	valueFlagAbsent  byte = 0x00
)

// EncodeValue serializes an optional value. val == nil encodes a tombstone;
// a non-nil, possibly empty, slice encodes a present value.
func EncodeValue(val []byte) []byte {
	if val == nil {
		return []byte{valueFlagAbsent}
	}

	buf := make([]byte, 0, 1+len(val))
	buf = append(buf, valueFlagPresent)
	buf = append(buf, val...)

	return buf
}

// DecodeValue parses a stored record value back into an optional value.
// A nil return means "tombstone".
func DecodeValue(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, malformed("empty value record")
	}

	switch b[0] {
	case valueFlagAbsent:
		return nil, nil
	case valueFlagPresent:
		return b[1:], nil
	default:
		return nil, malformed("unknown value flag")
	}
}

// IsTombstone reports whether a raw stored value represents a tombstone.
func IsTombstone(b []byte) bool {
	return len(b) > 0 && b[0] == valueFlagAbsent
}
