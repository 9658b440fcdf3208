package diffengine

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
)

// CursorStore holds resumable diff cursors (SPEC_FULL §C2) with a TTL
// eviction policy, so an abandoned cursor doesn't pin storage state (or
// memory) forever. Backed by an expirable LRU instead of a hand-rolled
// sweep goroutine: the library already does the "evict past TTL, cap
// total size" bookkeeping this needs.
type CursorStore struct {
	cache *lru.LRU[string, *Cursor]
}

const defaultCursorTTL = 15 * time.Minute

// NewCursorStore creates a store holding up to maxCursors live cursors,
// each expiring ttl after it was last put (zero values fall back to the
// spec's defaults: unbounded-ish capacity of 10000, 15 minute TTL).
func NewCursorStore(maxCursors int, ttl time.Duration) *CursorStore {
	if maxCursors <= 0 {
		maxCursors = 10000
	}

	if ttl <= 0 {
		ttl = defaultCursorTTL
	}

	return &CursorStore{cache: lru.NewLRU[string, *Cursor](maxCursors, nil, ttl)}
}

// Put stores a cursor and returns its id, stamping IssuedAt if unset.
func (s *CursorStore) Put(c *Cursor) string {
	if c.IssuedAt.IsZero() {
		c.IssuedAt = time.Now()
	}

	if c.ID == "" {
		c.ID = newCursorID()
	}

	s.cache.Add(c.ID, c)

	return c.ID
}

// Get retrieves a cursor by id, or diffbelterr.ErrCursorExpired if it was
// never stored or has since been evicted.
func (s *CursorStore) Get(id string) (*Cursor, error) {
	c, ok := s.cache.Get(id)
	if !ok {
		return nil, diffbelterr.Wrap(diffbelterr.ErrCursorExpired, diffbelterr.WithKey([]byte(id)))
	}

	return c, nil
}

// Delete discards a cursor early (§4.4: "cursors ... may be discarded
// freely").
func (s *CursorStore) Delete(id string) {
	s.cache.Remove(id)
}

func newCursorID() string {
	var b [16]byte

	_, _ = rand.Read(b[:])

	return hex.EncodeToString(b[:])
}
