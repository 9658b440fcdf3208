package codec_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/diffbelt/internal/codec"
)

func mustEncodeRecordKey(t *testing.T, uk, gen, ph []byte) []byte {
	t.Helper()

	b, err := codec.EncodeRecordKey(uk, gen, ph)
	if err != nil {
		t.Fatalf("EncodeRecordKey(%q,%q,%q): %v", uk, gen, ph, err)
	}

	return b
}

// P1: decode(encode(x)) == x for record keys.
func TestRecordKeyRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		uk, gen, ph []byte
	}{
		{"all empty", []byte{}, []byte{}, []byte{}},
		{"typical", []byte("user-key-1"), []byte("g1"), nil},
		{"with phantom", []byte("k"), []byte("gen"), []byte("trial-1")},
		{"binary key", []byte{0x00, 0xff, 0x10}, []byte{0x01}, []byte{0x02}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			enc := mustEncodeRecordKey(t, tc.uk, tc.gen, tc.ph)

			dec, err := codec.DecodeRecordKey(enc)
			if err != nil {
				t.Fatalf("DecodeRecordKey: %v", err)
			}

			want := codec.RecordKey{UserKey: tc.uk, Generation: tc.gen, Phantom: tc.ph}
			if diff := cmp.Diff(normalizeRK(want), normalizeRK(dec)); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func normalizeRK(k codec.RecordKey) codec.RecordKey {
	if k.UserKey == nil {
		k.UserKey = []byte{}
	}

	if k.Generation == nil {
		k.Generation = []byte{}
	}

	if k.Phantom == nil {
		k.Phantom = []byte{}
	}

	return k
}

// P2: lexicographic order of the encoding matches tuple order of
// (user_key, generation, phantom).
func TestRecordKeyOrderingMatchesTupleOrder(t *testing.T) {
	t.Parallel()

	type triple struct{ uk, gen, ph []byte }

	triples := []triple{
		{[]byte("a"), []byte(""), []byte("")},
		{[]byte("a"), []byte("g1"), []byte("")},
		{[]byte("a"), []byte("g1"), []byte("p1")},
		{[]byte("a"), []byte("g2"), []byte("")},
		{[]byte("aa"), []byte(""), []byte("")},
		{[]byte("b"), []byte(""), []byte("")},
	}

	// Triples above are listed in ascending tuple order; verify the encoding
	// preserves that for every pair.
	for i := range triples {
		for j := range triples {
			a := mustEncodeRecordKey(t, triples[i].uk, triples[i].gen, triples[i].ph)
			b := mustEncodeRecordKey(t, triples[j].uk, triples[j].gen, triples[j].ph)

			wantCmp := compareTuple(triples[i], triples[j])
			gotCmp := bytes.Compare(a, b)

			if sign(wantCmp) != sign(gotCmp) {
				t.Errorf("tuple[%d] vs tuple[%d]: tuple cmp=%d encoded cmp=%d", i, j, wantCmp, gotCmp)
			}
		}
	}
}

func compareTuple(a, b struct{ uk, gen, ph []byte }) int {
	if c := bytes.Compare(a.uk, b.uk); c != 0 {
		return c
	}

	if c := bytes.Compare(a.gen, b.gen); c != 0 {
		return c
	}

	return bytes.Compare(a.ph, b.ph)
}

func sign(x int) int {
	switch {
	case x < 0:
		return -1
	case x > 0:
		return 1
	default:
		return 0
	}
}

func TestDecodeRecordKeyRejectsBadReservedByte(t *testing.T) {
	t.Parallel()

	enc := mustEncodeRecordKey(t, []byte("k"), []byte("g"), nil)
	enc[0] = 0x7f

	if _, err := codec.DecodeRecordKey(enc); err == nil {
		t.Fatal("expected error for non-zero reserved byte")
	}
}

func TestDecodeRecordKeyRejectsTruncatedBuffer(t *testing.T) {
	t.Parallel()

	enc := mustEncodeRecordKey(t, []byte("key"), []byte("gen"), []byte("ph"))

	for i := range enc {
		if _, err := codec.DecodeRecordKey(enc[:i]); err == nil {
			t.Fatalf("expected error decoding truncated buffer of length %d", i)
		}
	}
}

func TestGenerationKeyRoundTrip(t *testing.T) {
	t.Parallel()

	enc, err := codec.EncodeGenerationKey([]byte("gen-1"), []byte("user-key"))
	if err != nil {
		t.Fatalf("EncodeGenerationKey: %v", err)
	}

	dec, err := codec.DecodeGenerationKey(enc)
	if err != nil {
		t.Fatalf("DecodeGenerationKey: %v", err)
	}

	if !bytes.Equal(dec.Generation, []byte("gen-1")) || !bytes.Equal(dec.UserKey, []byte("user-key")) {
		t.Fatalf("got %+v", dec)
	}
}

func TestReaderValueRoundTrip(t *testing.T) {
	t.Parallel()

	enc, err := codec.EncodeReaderValue("target", []byte("g9"))
	if err != nil {
		t.Fatalf("EncodeReaderValue: %v", err)
	}

	dec, err := codec.DecodeReaderValue(enc)
	if err != nil {
		t.Fatalf("DecodeReaderValue: %v", err)
	}

	if dec.TargetCollection != "target" || !bytes.Equal(dec.Generation, []byte("g9")) {
		t.Fatalf("got %+v", dec)
	}
}

func TestReaderValueEmptyTargetMeansSelf(t *testing.T) {
	t.Parallel()

	enc, err := codec.EncodeReaderValue("", []byte("g1"))
	if err != nil {
		t.Fatalf("EncodeReaderValue: %v", err)
	}

	dec, err := codec.DecodeReaderValue(enc)
	if err != nil {
		t.Fatalf("DecodeReaderValue: %v", err)
	}

	if dec.TargetCollection != "" {
		t.Fatalf("expected empty target collection, got %q", dec.TargetCollection)
	}
}

func TestEncodeReaderValueRejectsOversizedTargetCollection(t *testing.T) {
	t.Parallel()

	// The target collection name has a u8 length prefix, so anything above
	// 255 bytes must be rejected, not silently truncated by byte(len(...)).
	name := string(make([]byte, 300))

	if _, err := codec.EncodeReaderValue(name, []byte("g1")); err == nil {
		t.Fatal("expected error for target collection name over 255 bytes")
	}
}

func TestEncodeRecordKeyRejectsOversizedComponents(t *testing.T) {
	t.Parallel()

	big := make([]byte, codec.MaxGenerationLen+1)

	if _, err := codec.EncodeRecordKey([]byte("k"), big, nil); err == nil {
		t.Fatal("expected error for oversized generation id")
	}
}

func TestValueRoundTrip(t *testing.T) {
	t.Parallel()

	present := codec.EncodeValue([]byte("hello"))

	got, err := codec.DecodeValue(present)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}

	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q", got)
	}

	tomb := codec.EncodeValue(nil)

	got, err = codec.DecodeValue(tomb)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}

	if got != nil {
		t.Fatalf("expected tombstone to decode to nil, got %q", got)
	}

	if !codec.IsTombstone(tomb) {
		t.Fatal("expected IsTombstone to report true")
	}

	if codec.IsTombstone(present) {
		t.Fatal("expected IsTombstone to report false for present value")
	}
}
