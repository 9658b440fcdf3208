package diffengine_test

import (
	"testing"
	"time"

	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
	"github.com/calvinalkan/diffbelt/internal/diffengine"
)

func TestCursorStorePutGetRoundTrip(t *testing.T) {
	t.Parallel()

	s := diffengine.NewCursorStore(0, 0)

	id := s.Put(&diffengine.Cursor{FromGen: g1, ToGen: g2})

	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if string(got.FromGen) != string(g1) || string(got.ToGen) != string(g2) {
		t.Fatalf("unexpected cursor: %+v", got)
	}
}

func TestCursorStoreGetUnknownIDExpired(t *testing.T) {
	t.Parallel()

	s := diffengine.NewCursorStore(0, 0)

	_, err := s.Get("does-not-exist")
	if !diffbelterr.Is(err, diffbelterr.ErrCursorExpired) {
		t.Fatalf("expected ErrCursorExpired, got %v", err)
	}
}

func TestCursorStoreDelete(t *testing.T) {
	t.Parallel()

	s := diffengine.NewCursorStore(0, 0)

	id := s.Put(&diffengine.Cursor{})
	s.Delete(id)

	_, err := s.Get(id)
	if !diffbelterr.Is(err, diffbelterr.ErrCursorExpired) {
		t.Fatalf("expected ErrCursorExpired after delete, got %v", err)
	}
}

func TestCursorStoreExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	s := diffengine.NewCursorStore(0, 10*time.Millisecond)

	id := s.Put(&diffengine.Cursor{})

	time.Sleep(30 * time.Millisecond)

	_, err := s.Get(id)
	if !diffbelterr.Is(err, diffbelterr.ErrCursorExpired) {
		t.Fatalf("expected ErrCursorExpired after TTL, got %v", err)
	}
}
