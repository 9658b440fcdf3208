package collection_test

import (
	"errors"
	"testing"

	"github.com/calvinalkan/diffbelt/internal/collection"
	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
	"github.com/calvinalkan/diffbelt/internal/storage"
)

func newTestCollection(t *testing.T, isManual bool) *collection.Collection {
	t.Helper()

	c, err := collection.New("test", isManual, storage.NewMemEngine(), storage.NewMemEngine(), storage.NewMemEngine())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return c
}

func TestAutoCollectionPutManyCommitsImmediately(t *testing.T) {
	t.Parallel()

	c := newTestCollection(t, false)

	err := c.PutMany([]collection.Item{{Key: []byte("k"), Value: []byte("v")}}, nil, nil)
	if err != nil {
		t.Fatalf("PutMany: %v", err)
	}

	v, err := c.Get([]byte("k"), nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if string(v) != "v" {
		t.Fatalf("got %q want %q", v, "v")
	}

	if len(c.CurrentGeneration()) == 0 {
		t.Fatal("expected a generation to have been allocated")
	}
}

func TestManualCollectionGenerationLifecycle(t *testing.T) {
	t.Parallel()

	c := newTestCollection(t, true)

	if _, err := c.Get([]byte("k"), nil); !diffbelterr.Is(err, diffbelterr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any generation, got %v", err)
	}

	next, err := c.StartGeneration([]byte{0, 0, 0, 0, 0, 0, 0, 1})
	if err != nil {
		t.Fatalf("StartGeneration: %v", err)
	}

	err = c.PutMany([]collection.Item{{Key: []byte("k"), Value: []byte("v")}}, next, nil)
	if err != nil {
		t.Fatalf("PutMany: %v", err)
	}

	// Not visible yet: the generation hasn't committed.
	if _, err := c.Get([]byte("k"), nil); !diffbelterr.Is(err, diffbelterr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound pre-commit, got %v", err)
	}

	if err := c.CommitGeneration(nil); err != nil {
		t.Fatalf("CommitGeneration: %v", err)
	}

	v, err := c.Get([]byte("k"), nil)
	if err != nil || string(v) != "v" {
		t.Fatalf("got v=%q err=%v", v, err)
	}
}

func TestManualCollectionAbortGenerationLeavesCommittedUnchanged(t *testing.T) {
	t.Parallel()

	c := newTestCollection(t, true)

	next, err := c.StartGeneration([]byte{0, 0, 0, 0, 0, 0, 0, 1})
	if err != nil {
		t.Fatalf("StartGeneration: %v", err)
	}

	if err := c.PutMany([]collection.Item{{Key: []byte("k"), Value: []byte("v")}}, next, nil); err != nil {
		t.Fatalf("PutMany: %v", err)
	}

	if err := c.AbortGeneration(); err != nil {
		t.Fatalf("AbortGeneration: %v", err)
	}

	if c.NextGeneration() != nil {
		t.Fatal("expected no generation in progress after abort")
	}

	if _, err := c.Get([]byte("k"), nil); !diffbelterr.Is(err, diffbelterr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after abort, got %v", err)
	}
}

func TestPutManyIfNotPresentSkipsExistingKey(t *testing.T) {
	t.Parallel()

	c := newTestCollection(t, false)

	must := func(err error) {
		t.Helper()

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	must(c.PutMany([]collection.Item{{Key: []byte("k"), Value: []byte("first")}}, nil, nil))
	must(c.PutMany([]collection.Item{{Key: []byte("k"), Value: []byte("second"), IfNotPresent: true}}, nil, nil))

	v, err := c.Get([]byte("k"), nil)
	must(err)

	if string(v) != "first" {
		t.Fatalf("expected if_not_present to skip overwrite, got %q", v)
	}
}

func TestDeleteWritesTombstone(t *testing.T) {
	t.Parallel()

	c := newTestCollection(t, false)

	if err := c.PutMany([]collection.Item{{Key: []byte("k"), Value: []byte("v")}}, nil, nil); err != nil {
		t.Fatalf("PutMany: %v", err)
	}

	if err := c.Delete([]byte("k"), nil, nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := c.Get([]byte("k"), nil); !diffbelterr.Is(err, diffbelterr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestReaderPinsMinimumGeneration(t *testing.T) {
	t.Parallel()

	c := newTestCollection(t, false)

	must := func(err error) {
		t.Helper()

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	must(c.PutMany([]collection.Item{{Key: []byte("a"), Value: []byte("1")}}, nil, nil))
	gen1 := c.CurrentGeneration()

	must(c.CreateReader("r1", "", gen1))

	must(c.PutMany([]collection.Item{{Key: []byte("b"), Value: []byte("2")}}, nil, nil))
	gen2 := c.CurrentGeneration()

	if string(c.MinimumGeneration()) != string(gen1) {
		t.Fatalf("expected minimum generation pinned at reader, got %x want %x", c.MinimumGeneration(), gen1)
	}

	must(c.UpdateReader("r1", gen2))

	if string(c.MinimumGeneration()) != string(gen2) {
		t.Fatalf("expected minimum generation to advance after UpdateReader")
	}

	must(c.DeleteReader("r1"))

	readers := c.ListReaders()
	if len(readers) != 0 {
		t.Fatalf("expected no readers after delete, got %v", readers)
	}
}

func TestQueryPaginatesLiveKeys(t *testing.T) {
	t.Parallel()

	c := newTestCollection(t, false)

	for _, k := range []string{"a", "b", "c", "d"} {
		if err := c.PutMany([]collection.Item{{Key: []byte(k), Value: []byte(k)}}, nil, nil); err != nil {
			t.Fatalf("PutMany(%s): %v", k, err)
		}
	}

	page1, err := c.Query(nil, nil, nil, nil, 2)
	if err != nil {
		t.Fatalf("Query page1: %v", err)
	}

	if len(page1.Items) != 2 || page1.NextCursor == nil {
		t.Fatalf("unexpected page1: %+v", page1)
	}

	page2, err := c.Query(nil, nil, nil, page1.NextCursor, 2)
	if err != nil {
		t.Fatalf("Query page2: %v", err)
	}

	if len(page2.Items) != 2 || page2.NextCursor != nil {
		t.Fatalf("unexpected page2: %+v", page2)
	}
}

func TestStartGenerationRejectsDoubleStart(t *testing.T) {
	t.Parallel()

	c := newTestCollection(t, true)

	if _, err := c.StartGeneration([]byte{0, 0, 0, 0, 0, 0, 0, 1}); err != nil {
		t.Fatalf("StartGeneration: %v", err)
	}

	_, err := c.StartGeneration([]byte{0, 0, 0, 0, 0, 0, 0, 2})
	if !diffbelterr.Is(err, diffbelterr.ErrGenerationMismatch) {
		t.Fatalf("expected ErrGenerationMismatch, got %v", err)
	}
}

func TestCommitGenerationWithoutStartFails(t *testing.T) {
	t.Parallel()

	c := newTestCollection(t, true)

	err := c.CommitGeneration(nil)
	if !errors.Is(err, diffbelterr.ErrGenerationMismatch) {
		t.Fatalf("expected ErrGenerationMismatch, got %v", err)
	}
}
