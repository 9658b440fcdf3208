package reader_test

import (
	"testing"
	"time"

	"github.com/calvinalkan/diffbelt/internal/reader"
)

type fakeSource struct {
	gens map[string][]byte
}

func (f fakeSource) CurrentGeneration(name string) ([]byte, bool) {
	g, ok := f.gens[name]

	return g, ok
}

func TestMinimumGenerationFallsBackToCollectionCurrentGen(t *testing.T) {
	t.Parallel()

	src := fakeSource{gens: map[string][]byte{"events": {0, 0, 0, 1}}}

	s := reader.New()
	s.NewCollection("events", src)

	if got := s.MinimumGeneration("events"); string(got) != string([]byte{0, 0, 0, 1}) {
		t.Fatalf("got %x, want fallback to current generation", got)
	}
}

func TestMinimumGenerationPinnedByReader(t *testing.T) {
	t.Parallel()

	src := fakeSource{gens: map[string][]byte{"events": {0, 0, 0, 5}}}

	s := reader.New()
	sub, _ := s.NewCollection("events", src)

	if err := s.UpdateReader("projector", "r1", "events", []byte{0, 0, 0, 2}); err != nil {
		t.Fatalf("UpdateReader: %v", err)
	}

	select {
	case <-sub.Changed:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}

	if got := s.MinimumGeneration("events"); string(got) != string([]byte{0, 0, 0, 2}) {
		t.Fatalf("got %x, want reader's pinned generation", got)
	}
}

func TestMinimumGenerationIsMinAcrossMultipleReaders(t *testing.T) {
	t.Parallel()

	src := fakeSource{gens: map[string][]byte{"events": {0, 0, 0, 9}}}

	s := reader.New()
	s.NewCollection("events", src)

	must := func(err error) {
		t.Helper()

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	must(s.UpdateReader("a", "r", "events", []byte{0, 0, 0, 5}))
	must(s.UpdateReader("b", "r", "events", []byte{0, 0, 0, 3}))
	must(s.UpdateReader("c", "r", "events", []byte{0, 0, 0, 7}))

	if got := s.MinimumGeneration("events"); string(got) != string([]byte{0, 0, 0, 3}) {
		t.Fatalf("got %x, want min across readers (3)", got)
	}

	must(s.DeleteReader("b", "r"))

	if got := s.MinimumGeneration("events"); string(got) != string([]byte{0, 0, 0, 5}) {
		t.Fatalf("got %x, want min to advance to 5 after deleting the lowest pin", got)
	}
}

func TestReadersPointingToExcludesSelf(t *testing.T) {
	t.Parallel()

	s := reader.New()
	s.NewCollection("base", fakeSource{gens: map[string][]byte{}})

	must := func(err error) {
		t.Helper()

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	must(s.UpdateReader("base", "self", "", []byte{1}))
	must(s.UpdateReader("projector", "r1", "base", []byte{1}))

	pointing := s.ReadersPointingTo("base", "base")
	if len(pointing) != 1 || pointing[0].Owner != "projector" {
		t.Fatalf("expected only the external reader, got %+v", pointing)
	}
}

func TestAcquireMinimumGenLocksSnapshotsAndUnlocks(t *testing.T) {
	t.Parallel()

	s := reader.New()
	s.NewCollection("events", fakeSource{gens: map[string][]byte{}})

	if err := s.UpdateReader("projector", "r1", "events", []byte{0, 0, 0, 4}); err != nil {
		t.Fatalf("UpdateReader: %v", err)
	}

	locks, err := s.AcquireMinimumGenLocks("projector", []string{"r1"})
	if err != nil {
		t.Fatalf("AcquireMinimumGenLocks: %v", err)
	}

	l, ok := locks["r1"]
	if !ok {
		t.Fatal("expected r1 in the result")
	}

	if string(l.Generation) != string([]byte{0, 0, 0, 4}) {
		t.Fatalf("got %x", l.Generation)
	}

	l.Unlock()
}

func TestUpdateReadersBatchAppliesAtomically(t *testing.T) {
	t.Parallel()

	s := reader.New()
	s.NewCollection("events", fakeSource{gens: map[string][]byte{"events": {9}}})

	err := s.UpdateReaders([]reader.State{
		{Owner: "a", Name: "r", Target: "events", Generation: []byte{2}},
		{Owner: "b", Name: "r", Target: "events", Generation: []byte{4}},
	})
	if err != nil {
		t.Fatalf("UpdateReaders: %v", err)
	}

	if got := s.MinimumGeneration("events"); string(got) != string([]byte{2}) {
		t.Fatalf("got %x, want 2", got)
	}
}
