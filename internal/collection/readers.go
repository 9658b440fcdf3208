package collection

import (
	"sort"

	"github.com/calvinalkan/diffbelt/internal/codec"
	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
	"github.com/calvinalkan/diffbelt/internal/storage"
)

// CreateReader registers a new reader pinned at generation (defaults to the
// current committed generation). targetCollection empty means "this
// collection" (§3).
func (c *Collection) CreateReader(name, targetCollection string, generation []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.readers[name]; exists {
		return diffbelterr.Wrap(diffbelterr.ErrAlreadyExists, diffbelterr.WithCollection(c.name), diffbelterr.WithKey([]byte(name)))
	}

	if generation == nil {
		generation = c.generationID
	}

	rv := codec.ReaderValue{TargetCollection: targetCollection, Generation: generation}

	return c.putReaderLocked(name, rv)
}

// UpdateReader advances (or rewinds) an existing reader's pinned generation.
func (c *Collection) UpdateReader(name string, generation []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rv, ok := c.readers[name]
	if !ok {
		return diffbelterr.Wrap(diffbelterr.ErrNotFound, diffbelterr.WithCollection(c.name), diffbelterr.WithKey([]byte(name)))
	}

	rv.Generation = generation

	return c.putReaderLocked(name, rv)
}

// DeleteReader removes a reader, releasing its hold on the minimum
// generation watermark.
func (c *Collection) DeleteReader(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.readers[name]; !ok {
		return diffbelterr.Wrap(diffbelterr.ErrNotFound, diffbelterr.WithCollection(c.name), diffbelterr.WithKey([]byte(name)))
	}

	delete(c.readers, name)

	key := append([]byte(controlReaderPrefix), name...)

	err := c.control.PutBatch([]storage.Op{{Kind: storage.OpDelete, Key: key}})
	if err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrStorage, diffbelterr.WithCollection(c.name), diffbelterr.WithCause(err))
	}

	return nil
}

// ListReaders returns every reader pointing at this collection's storage,
// sorted by name for stable pagination.
func (c *Collection) ListReaders() []ReaderRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ReaderRecord, 0, len(c.readers))

	for name, rv := range c.readers {
		out = append(out, ReaderRecord{Name: name, TargetCollection: rv.TargetCollection, Generation: append([]byte(nil), rv.Generation...)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

func (c *Collection) putReaderLocked(name string, rv codec.ReaderValue) error {
	v, err := codec.EncodeReaderValue(rv.TargetCollection, rv.Generation)
	if err != nil {
		return err
	}

	key := append([]byte(controlReaderPrefix), name...)

	if err := c.control.PutBatch([]storage.Op{{Kind: storage.OpSet, Key: key, Value: v}}); err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrStorage, diffbelterr.WithCollection(c.name), diffbelterr.WithCause(err))
	}

	c.readers[name] = rv

	return nil
}
