// Package codec implements the on-disk key encoding of the design spec §3/§4.1:
// a total, bijective encoding of record keys, generation-index keys, and
// reader records, with the exact byte layouts the diff engine's ordering
// guarantees depend on.
//
// Layouts mirror the fixed-width header encoding style of this codebase's
// slotcache format (explicit offsets, big-endian length prefixes, no
// reflection), adapted to variable-length, length-prefixed fields instead
// of a fixed slot schema.
package codec

import (
	"fmt"
	"unicode/utf8"

	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
)

// Limits from §3 of the design spec.
const (
	MaxUserKeyLen    = (1 << 24) - 1
	MaxGenerationLen = 255
	MaxPhantomLen    = 255
	MaxCollectionLen = 255
)

// Reserved prefix bytes. 0x00 distinguishes the record-key/generation-key
// format in use today from any future on-disk format; 0x01 is reserved for
// the storage adapter's own checkpoint records (SPEC_FULL §C1) and is
// guaranteed to sort after every record key, so it is never seen by the
// diff engine's record-key range scans.
const (
	PrefixRecordKey     byte = 0x00
	PrefixGenerationKey byte = 0x00 // distinguished by a different key shape, see below
	PrefixCheckpoint    byte = 0x01
)

// RecordKey is the decoded form of an on-disk record key:
//
//	0x00 | u24_be(len(UserKey)) | UserKey | u8(len(Gen)) | Gen | u8(len(Phantom)) | Phantom
//
// Lexicographic order of the encoding sorts first by UserKey, then by Gen,
// then by Phantom — the ordering the diff engine's key-grouping relies on.
type RecordKey struct {
	UserKey    []byte
	Generation []byte
	Phantom    []byte
}

// GenerationKey is the decoded form of an on-disk generation-index key:
//
//	0x00 | u8(len(Gen)) | Gen | u24_be(len(UserKey)) | UserKey
//
// Used to enumerate keys touched within a generation (GC, some diff paths).
type GenerationKey struct {
	Generation []byte
	UserKey    []byte
}

// ReaderValue is the decoded form of a reader record's value:
//
//	u8(len(TargetCollection)) | TargetCollection | u8(len(Gen)) | Gen
//
// An empty TargetCollection means "this same collection" (§3).
type ReaderValue struct {
	TargetCollection string
	Generation       []byte
}

func tooLarge(field string) error {
	return diffbelterr.Wrap(diffbelterr.ErrInputTooLarge, diffbelterr.WithCause(fmt.Errorf("%s exceeds size limit", field)))
}

func malformed(reason string) error {
	return diffbelterr.Wrap(diffbelterr.ErrMalformedKey, diffbelterr.WithCause(fmt.Errorf("%s", reason)))
}

// EncodeRecordKey serializes a RecordKey to its on-disk form.
func EncodeRecordKey(userKey, gen, phantom []byte) ([]byte, error) {
	if len(userKey) > MaxUserKeyLen {
		return nil, tooLarge("user_key")
	}

	if len(gen) > MaxGenerationLen {
		return nil, tooLarge("generation_id")
	}

	if len(phantom) > MaxPhantomLen {
		return nil, tooLarge("phantom_id")
	}

	buf := make([]byte, 0, 1+3+len(userKey)+1+len(gen)+1+len(phantom))
	buf = append(buf, PrefixRecordKey)
	buf = appendU24(buf, uint32(len(userKey)))
	buf = append(buf, userKey...)
	buf = append(buf, byte(len(gen)))
	buf = append(buf, gen...)
	buf = append(buf, byte(len(phantom)))
	buf = append(buf, phantom...)

	return buf, nil
}

// DecodeRecordKey parses an on-disk record key.
func DecodeRecordKey(b []byte) (RecordKey, error) {
	if len(b) < 1+3+1 {
		return RecordKey{}, malformed("record key too short")
	}

	if b[0] != PrefixRecordKey {
		return RecordKey{}, malformed("unexpected reserved byte")
	}

	off := 1

	ukLen := int(readU24(b[off:]))
	off += 3

	if off+ukLen+1 > len(b) {
		return RecordKey{}, malformed("user key length exceeds buffer")
	}

	userKey := b[off : off+ukLen]
	off += ukLen

	genLen := int(b[off])
	off++

	if off+genLen+1 > len(b) {
		return RecordKey{}, malformed("generation id length exceeds buffer")
	}

	gen := b[off : off+genLen]
	off += genLen

	phLen := int(b[off])
	off++

	if off+phLen != len(b) {
		return RecordKey{}, malformed("phantom id length inconsistent with buffer")
	}

	phantom := b[off : off+phLen]

	return RecordKey{UserKey: userKey, Generation: gen, Phantom: phantom}, nil
}

// EncodeGenerationKey serializes a GenerationKey to its on-disk form.
func EncodeGenerationKey(gen, userKey []byte) ([]byte, error) {
	if len(gen) > MaxGenerationLen {
		return nil, tooLarge("generation_id")
	}

	if len(userKey) > MaxUserKeyLen {
		return nil, tooLarge("user_key")
	}

	buf := make([]byte, 0, 1+1+len(gen)+3+len(userKey))
	buf = append(buf, PrefixGenerationKey)
	buf = append(buf, byte(len(gen)))
	buf = append(buf, gen...)
	buf = appendU24(buf, uint32(len(userKey)))
	buf = append(buf, userKey...)

	return buf, nil
}

// DecodeGenerationKey parses an on-disk generation-index key.
func DecodeGenerationKey(b []byte) (GenerationKey, error) {
	if len(b) < 1+1+3 {
		return GenerationKey{}, malformed("generation key too short")
	}

	if b[0] != PrefixGenerationKey {
		return GenerationKey{}, malformed("unexpected reserved byte")
	}

	off := 1

	genLen := int(b[off])
	off++

	if off+genLen+3 > len(b) {
		return GenerationKey{}, malformed("generation id length exceeds buffer")
	}

	gen := b[off : off+genLen]
	off += genLen

	ukLen := int(readU24(b[off:]))
	off += 3

	if off+ukLen != len(b) {
		return GenerationKey{}, malformed("user key length inconsistent with buffer")
	}

	userKey := b[off : off+ukLen]

	return GenerationKey{Generation: gen, UserKey: userKey}, nil
}

// EncodeReaderValue serializes a ReaderValue to its on-disk form.
func EncodeReaderValue(targetCollection string, gen []byte) ([]byte, error) {
	if len(targetCollection) > MaxCollectionLen {
		return nil, tooLarge("target_collection_name")
	}

	if !utf8.ValidString(targetCollection) {
		return nil, malformed("target collection name is not valid utf8")
	}

	if len(gen) > MaxGenerationLen {
		return nil, tooLarge("generation_id")
	}

	buf := make([]byte, 0, 1+len(targetCollection)+1+len(gen))
	buf = append(buf, byte(len(targetCollection)))
	buf = append(buf, targetCollection...)
	buf = append(buf, byte(len(gen)))
	buf = append(buf, gen...)

	return buf, nil
}

// DecodeReaderValue parses a reader record's value.
func DecodeReaderValue(b []byte) (ReaderValue, error) {
	if len(b) < 1+1 {
		return ReaderValue{}, malformed("reader value too short")
	}

	off := 0

	nameLen := int(b[off])
	off++

	if off+nameLen+1 > len(b) {
		return ReaderValue{}, malformed("target collection name length exceeds buffer")
	}

	name := b[off : off+nameLen]
	off += nameLen

	if !utf8.Valid(name) {
		return ReaderValue{}, malformed("target collection name is not valid utf8")
	}

	genLen := int(b[off])
	off++

	if off+genLen != len(b) {
		return ReaderValue{}, malformed("generation id length inconsistent with buffer")
	}

	gen := b[off : off+genLen]

	return ReaderValue{TargetCollection: string(name), Generation: gen}, nil
}

func appendU24(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>16), byte(v>>8), byte(v))
}

func readU24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
