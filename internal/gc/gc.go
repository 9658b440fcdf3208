// Package gc implements §4.6 of the design spec: the per-collection
// background task that deletes record versions once no reader can
// possibly need them anymore.
package gc

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/calvinalkan/diffbelt/internal/codec"
	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
	"github.com/calvinalkan/diffbelt/internal/storage"
)

// MinGenSource reports the current minimum live generation for a
// collection (normally backed by *reader.Service).
type MinGenSource interface {
	MinimumGeneration(collection string) []byte
}

// Options configures a Task's batching and backoff behavior.
type Options struct {
	// BatchSize caps the number of delete operations per PutBatch call.
	// Defaults to 500.
	BatchSize int

	// InitialBackoff/MaxBackoff bound the exponential backoff applied
	// after a storage error (§4.6: "storage errors pause the GC with
	// exponential backoff"). Default 100ms / 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Logger receives one warning per backoff pause and one debug line
	// per sweep. Defaults to slog.Default() if nil.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}

	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 100 * time.Millisecond
	}

	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return o
}

// Task is the per-collection GC of §4.6: it subscribes to a
// minimum-generation watch, and on each advance deletes every record
// version strictly before the new minimum that is superseded by a
// later version of the same key. The advisory lock is held exclusively
// for the duration of one sweep, so a concurrent reader-advance
// snapshot (internal/reader.Service.AcquireMinimumGenLocks) never
// observes a partially completed delete.
type Task struct {
	collection string
	records    storage.Engine
	genIndex   storage.Engine
	minGen     MinGenSource
	watch      <-chan struct{}
	lock       *sync.RWMutex
	opts       Options
}

// NewTask constructs a GC task for one collection. lock is the same
// advisory *sync.RWMutex handed out by reader.Service.NewCollection for
// this collection, and watch is that call's returned
// Subscription.Changed channel.
func NewTask(collection string, records, genIndex storage.Engine, minGen MinGenSource, watch <-chan struct{}, lock *sync.RWMutex, opts Options) *Task {
	return &Task{
		collection: collection,
		records:    records,
		genIndex:   genIndex,
		minGen:     minGen,
		watch:      watch,
		lock:       lock,
		opts:       opts.withDefaults(),
	}
}

// Run blocks, sweeping once immediately and again every time the watch
// fires, until ctx is cancelled.
func (t *Task) Run(ctx context.Context) error {
	if err := t.sweepWithBackoff(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.watch:
			if err := t.sweepWithBackoff(ctx); err != nil {
				return err
			}
		}
	}
}

func (t *Task) sweepWithBackoff(ctx context.Context) error {
	backoff := t.opts.InitialBackoff

	for {
		err := t.sweep()
		if err == nil {
			return nil
		}

		if !diffbelterr.Is(err, diffbelterr.ErrStorage) {
			return err
		}

		t.opts.Logger.Warn("gc sweep paused after storage error", "collection", t.collection, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > t.opts.MaxBackoff {
			backoff = t.opts.MaxBackoff
		}
	}
}

// sweep performs one pass: find every key with at least one version at
// or before the current minimum generation, keep the latest such
// version (it may still be the key's live value), and delete the rest.
func (t *Task) sweep() error {
	gMin := t.minGen.MinimumGeneration(t.collection)
	if gMin == nil {
		return nil
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	superseded, err := t.findSupersededLocked(gMin)
	if err != nil {
		return err
	}

	if err := t.deleteLocked(superseded); err != nil {
		return err
	}

	t.opts.Logger.Debug("gc sweep completed", "collection", t.collection, "versions_deleted", len(superseded))

	return nil
}

type versionRef struct {
	key []byte
	gen []byte
}

// findSupersededLocked scans the generation index for every (gen, key)
// pair with gen <= gMin and returns, per key, every such version except
// the one with the largest generation (the value a read at gMin sees).
func (t *Task) findSupersededLocked(gMin []byte) ([]versionRef, error) {
	atMin, err := codec.EncodeGenerationKey(gMin, nil)
	if err != nil {
		return nil, err
	}

	// Bound the scan just past every entry of generation gMin itself,
	// i.e. past the 0x00|len|gMin prefix.
	upper := codec.PrefixUpperBound(atMin[:2+len(gMin)])

	snap := t.genIndex.Snapshot()
	defer snap.Release()

	it := snap.Iter(storage.KeyRange{Upper: upper}, storage.Forward)
	defer it.Close()

	type seen struct {
		gens [][]byte
	}

	byKey := map[string]*seen{}

	var order []string

	for it.Next() {
		gk, decErr := codec.DecodeGenerationKey(it.KV().Key)
		if decErr != nil {
			continue
		}

		sk := string(gk.UserKey)

		s, ok := byKey[sk]
		if !ok {
			s = &seen{}
			byKey[sk] = s
			order = append(order, sk)
		}

		s.gens = append(s.gens, append([]byte(nil), gk.Generation...))
	}

	var result []versionRef

	for _, sk := range order {
		gens := byKey[sk].gens
		if len(gens) <= 1 {
			continue
		}

		maxIdx := 0

		for i, g := range gens {
			if bytes.Compare(g, gens[maxIdx]) > 0 {
				maxIdx = i
			}
		}

		for i, g := range gens {
			if i == maxIdx {
				continue
			}

			result = append(result, versionRef{key: []byte(sk), gen: g})
		}
	}

	return result, nil
}

// deleteLocked removes every record-key variant (across phantom scopes)
// for each superseded (key, gen) pair, plus its generation-index entry,
// batched to bound write amplification.
func (t *Task) deleteLocked(superseded []versionRef) error {
	var ops []storage.Op

	var genIndexOps []storage.Op

	flush := func() error {
		if len(ops) == 0 {
			return nil
		}

		if err := t.records.PutBatch(ops); err != nil {
			return diffbelterr.Wrap(diffbelterr.ErrStorage, diffbelterr.WithCollection(t.collection), diffbelterr.WithCause(err))
		}

		ops = ops[:0]

		return nil
	}

	for _, v := range superseded {
		recordKeys, err := t.recordKeysFor(v.key, v.gen)
		if err != nil {
			return err
		}

		for _, rk := range recordKeys {
			ops = append(ops, storage.Op{Kind: storage.OpDelete, Key: rk})

			if len(ops) >= t.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}

		gk, err := codec.EncodeGenerationKey(v.gen, v.key)
		if err != nil {
			return err
		}

		genIndexOps = append(genIndexOps, storage.Op{Kind: storage.OpDelete, Key: gk})
	}

	if err := flush(); err != nil {
		return err
	}

	for start := 0; start < len(genIndexOps); start += t.opts.BatchSize {
		end := start + t.opts.BatchSize
		if end > len(genIndexOps) {
			end = len(genIndexOps)
		}

		if err := t.genIndex.PutBatch(genIndexOps[start:end]); err != nil {
			return diffbelterr.Wrap(diffbelterr.ErrStorage, diffbelterr.WithCollection(t.collection), diffbelterr.WithCause(err))
		}
	}

	return nil
}

func (t *Task) recordKeysFor(userKey, gen []byte) ([][]byte, error) {
	lower, err := codec.EncodeRecordKey(userKey, gen, nil)
	if err != nil {
		return nil, err
	}

	upper, err := codec.RecordKeyUpperBoundForGeneration(userKey, gen)
	if err != nil {
		return nil, err
	}

	snap := t.records.Snapshot()
	defer snap.Release()

	it := snap.Iter(storage.KeyRange{Lower: lower, Upper: upper}, storage.Forward)
	defer it.Close()

	var out [][]byte

	for it.Next() {
		out = append(out, append([]byte(nil), it.KV().Key...))
	}

	return out, nil
}
