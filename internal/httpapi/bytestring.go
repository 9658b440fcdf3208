package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"unicode/utf8"
)

var errInvalidByteStringEncoding = errors.New("invalid byte string encoding")

// byteStringWire is the wire shape of an opaque byte string (§6):
// {value, encoding?}. Default encoding is UTF-8; non-printable bytes
// force base64.
type byteStringWire struct {
	Value    string `json:"value"`
	Encoding string `json:"encoding,omitempty"`
}

func encodeByteString(b []byte) byteStringWire {
	if isPrintableUTF8(b) {
		return byteStringWire{Value: string(b)}
	}

	return byteStringWire{Value: base64.StdEncoding.EncodeToString(b), Encoding: "base64"}
}

func decodeByteStringWire(w byteStringWire) ([]byte, error) {
	switch w.Encoding {
	case "", "utf8":
		return []byte(w.Value), nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(w.Value)
		if err != nil {
			return nil, errInvalidByteStringEncoding
		}

		return b, nil
	default:
		return nil, errInvalidByteStringEncoding
	}
}

func isPrintableUTF8(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}

	for _, r := range string(b) {
		if r == utf8.RuneError {
			return false
		}

		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}

	return true
}

// ByteString is a required opaque byte string field — a user key, a
// generation id, a phantom id — encoded per §6's {value, encoding?}
// rule. Its underlying type is []byte, so it's directly assignable to
// and from plain []byte parameters throughout the core packages.
type ByteString []byte

// MarshalJSON implements json.Marshaler.
func (b ByteString) MarshalJSON() ([]byte, error) {
	return json.Marshal(encodeByteString(b))
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteString) UnmarshalJSON(data []byte) error {
	var w byteStringWire

	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	v, err := decodeByteStringWire(w)
	if err != nil {
		return err
	}

	*b = v

	return nil
}

// OptionalValue distinguishes the three wire states a value field can be
// in: absent (Present=false — "leave the default"), explicit null
// (Present=true, Null=true — a tombstone), and an explicit byte string.
// encoding/json only special-cases this for pointer-typed fields (which
// collapses "absent" and "null" into the same nil), so OptionalValue is
// a value type: its UnmarshalJSON runs for any key present in the
// object, including one whose value is the null literal.
type OptionalValue struct {
	Present bool
	Null    bool
	Bytes   []byte
}

// PresentValue wraps an explicit byte string.
func PresentValue(b []byte) OptionalValue { return OptionalValue{Present: true, Bytes: b} }

// NullValue represents an explicit tombstone.
func NullValue() OptionalValue { return OptionalValue{Present: true, Null: true} }

// optionalFromBytes follows internal/collection and internal/diffengine's
// own convention: nil means "absent" (tombstone or never written).
func optionalFromBytes(b []byte) OptionalValue {
	if b == nil {
		return NullValue()
	}

	return PresentValue(b)
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OptionalValue) UnmarshalJSON(data []byte) error {
	o.Present = true

	if string(data) == "null" {
		o.Null = true
		o.Bytes = nil

		return nil
	}

	var w byteStringWire

	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	v, err := decodeByteStringWire(w)
	if err != nil {
		return err
	}

	o.Bytes = v

	return nil
}

// MarshalJSON implements json.Marshaler.
func (o OptionalValue) MarshalJSON() ([]byte, error) {
	if !o.Present || o.Null {
		return []byte("null"), nil
	}

	return json.Marshal(encodeByteString(o.Bytes))
}
