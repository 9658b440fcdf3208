package collection

import (
	"bytes"
	"encoding/binary"

	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
)

// StartGeneration moves a manual collection from Committed{gen} to
// InProgress{gen,next} (§4.3.1). For non-manual collections the driver
// calls this with an empty nextGen to request auto-allocation.
func (c *Collection) StartGeneration(nextGen []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nextGenerationID != nil {
		return nil, diffbelterr.Wrap(diffbelterr.ErrGenerationMismatch,
			diffbelterr.WithCollection(c.name),
			diffbelterr.WithCause(errStr("generation already in progress")))
	}

	if len(nextGen) == 0 {
		nextGen = c.allocateGenerationLocked()
	}

	if bytes.Compare(nextGen, c.generationID) <= 0 {
		return nil, diffbelterr.Wrap(diffbelterr.ErrGenerationMismatch,
			diffbelterr.WithCollection(c.name),
			diffbelterr.WithGeneration(nextGen),
			diffbelterr.WithCause(errStr("next generation must exceed current generation")))
	}

	c.nextGenerationID = append([]byte(nil), nextGen...)

	if err := c.saveMeta(); err != nil {
		c.nextGenerationID = nil
		return nil, err
	}

	return append([]byte(nil), c.nextGenerationID...), nil
}

// CommitGeneration moves InProgress{gen,next} to Committed{next}, updating
// the generation index so the diff engine and GC can find every key
// touched in the generation that just closed. Every key touched by a
// PutMany call made under this generation while it was in progress is
// picked up automatically; extraKeys lets a caller add keys it tracked
// itself (e.g. the transform driver's own bookkeeping).
func (c *Collection) CommitGeneration(extraKeys [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nextGenerationID == nil {
		return diffbelterr.Wrap(diffbelterr.ErrGenerationMismatch,
			diffbelterr.WithCollection(c.name),
			diffbelterr.WithCause(errStr("no generation in progress")))
	}

	pending, err := c.pendingTouchesLocked(c.nextGenerationID)
	if err != nil {
		return err
	}

	if err := c.writeGenerationIndexLocked(c.nextGenerationID, append(pending, extraKeys...)); err != nil {
		return err
	}

	c.generationID = c.nextGenerationID
	c.nextGenerationID = nil

	return c.saveMeta()
}

// AbortGeneration discards an in-progress generation (InProgress{gen,next}
// -> Aborted -> Committed{gen}); record versions already written under next
// are left in place as orphans for the GC to reclaim once no reader can
// reach them, matching the "GC reclaims superseded versions" model (§4.6)
// rather than requiring a synchronous rollback scan.
func (c *Collection) AbortGeneration() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nextGenerationID == nil {
		return diffbelterr.Wrap(diffbelterr.ErrGenerationMismatch,
			diffbelterr.WithCollection(c.name),
			diffbelterr.WithCause(errStr("no generation in progress")))
	}

	if _, err := c.pendingTouchesLocked(c.nextGenerationID); err != nil {
		return err
	}

	c.nextGenerationID = nil

	return c.saveMeta()
}

func (c *Collection) allocateGenerationLocked() []byte {
	c.autoCounter++

	if c.autoCounter == 1 && len(c.generationID) == 8 {
		c.autoCounter = binary.BigEndian.Uint64(c.generationID) + 1
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, c.autoCounter)

	return buf
}

type stringError string

func (e stringError) Error() string { return string(e) }

func errStr(s string) error { return stringError(s) }
