// Package diffbeltstore wires the per-package building blocks
// (internal/collection, internal/diffengine, internal/reader,
// internal/gc) into the single registry internal/httpapi binds routes
// against: a named set of collections, the process-wide reader
// service, one GC task per collection, and the diff cursor table.
package diffbeltstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/calvinalkan/diffbelt/internal/collection"
	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
	"github.com/calvinalkan/diffbelt/internal/diffengine"
	"github.com/calvinalkan/diffbelt/internal/gc"
	"github.com/calvinalkan/diffbelt/internal/reader"
	"github.com/calvinalkan/diffbelt/internal/storage"
)

// EngineFactory creates the three storage engines a new collection
// needs (records, generation index, control). Exists so Store doesn't
// hardcode storage.NewMemEngine and a future on-disk engine can be
// substituted without touching this package.
type EngineFactory func(collectionName string) (records, genIndex, control storage.Engine)

// GCOptions configures every collection's garbage collector task,
// mirroring internal/config.GCConfig.
type GCOptions = gc.Options

// CursorOptions configures the shared diff cursor table, mirroring
// internal/config.Config's CursorTTL/MaxCursors fields. Zero values
// fall back to diffengine.NewCursorStore's own defaults.
type CursorOptions struct {
	MaxCursors int
	TTL        time.Duration
}

// entry bundles one collection with its supporting actors and the raw
// engines backing it, so Diff can scan records directly the way
// internal/diffengine is designed to (bypassing Collection's own
// per-key resolution) without Collection needing to expose its
// internal engines.
type entry struct {
	col      *collection.Collection
	records  storage.Engine
	sub      *reader.Subscription
	lock     *sync.RWMutex
	gcCtx    context.Context
	gcCancel context.CancelFunc
}

// Store is the process-wide registry of collections.
type Store struct {
	mu       sync.RWMutex
	engines  EngineFactory
	gcOpts   GCOptions
	readers  *reader.Service
	cursors  *diffengine.CursorStore
	byName   map[string]*entry
	onChange func()
}

// SetOnChange registers a hook invoked after every successful
// CreateCollection or DropCollection, so a caller that persists the set
// of collection names across restarts (cmd/diffbeltd's manifest file)
// can stay current without polling List.
func (s *Store) SetOnChange(fn func()) { s.onChange = fn }

// New constructs an empty Store.
func New(engines EngineFactory, gcOpts GCOptions, cursorOpts CursorOptions) *Store {
	return &Store{
		engines: engines,
		gcOpts:  gcOpts,
		readers: reader.New(),
		cursors: diffengine.NewCursorStore(cursorOpts.MaxCursors, cursorOpts.TTL),
		byName:  map[string]*entry{},
	}
}

// Cursors exposes the shared cursor table for the HTTP layer's diff
// continuation endpoint.
func (s *Store) Cursors() *diffengine.CursorStore { return s.cursors }

// ListInfo is one row of GET /collections/.
type ListInfo struct {
	Name     string
	IsManual bool
}

// CreateCollection registers a new named collection, starts its GC
// task, and subscribes it to the reader service.
func (s *Store) CreateCollection(name string, isManual bool) (*collection.Collection, error) {
	col, err := s.createCollection(name, isManual)
	if err != nil {
		return nil, err
	}

	if s.onChange != nil {
		s.onChange()
	}

	return col, nil
}

func (s *Store) createCollection(name string, isManual bool) (*collection.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[name]; exists {
		return nil, diffbelterr.Wrap(diffbelterr.ErrAlreadyExists, diffbelterr.WithCollection(name))
	}

	records, genIndex, control := s.engines(name)

	col, err := collection.New(name, isManual, records, genIndex, control)
	if err != nil {
		return nil, err
	}

	sub, lock := s.readers.NewCollection(name, collectionGenerationSource{col})

	ctx, cancel := context.WithCancel(context.Background())

	task := gc.NewTask(name, records, genIndex, s.readers, sub.Changed, lock, s.gcOpts)

	go func() {
		_ = task.Run(ctx)
	}()

	s.byName[name] = &entry{col: col, records: records, sub: sub, lock: lock, gcCtx: ctx, gcCancel: cancel}

	return col, nil
}

// DropCollection refuses to delete a collection any other collection's
// reader still points at, matching §5's cancellation rule.
func (s *Store) DropCollection(name string) error {
	if err := s.dropCollection(name); err != nil {
		return err
	}

	if s.onChange != nil {
		s.onChange()
	}

	return nil
}

func (s *Store) dropCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byName[name]
	if !ok {
		return diffbelterr.Wrap(diffbelterr.ErrNotFound, diffbelterr.WithCollection(name))
	}

	if others := s.readers.ReadersPointingTo(name, name); len(others) > 0 {
		return diffbelterr.Wrap(diffbelterr.ErrCollectionInUse, diffbelterr.WithCollection(name))
	}

	e.gcCancel()
	delete(s.byName, name)

	return nil
}

// Get returns the named collection, or ErrNotFound.
func (s *Store) Get(name string) (*collection.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byName[name]
	if !ok {
		return nil, diffbelterr.Wrap(diffbelterr.ErrNotFound, diffbelterr.WithCollection(name))
	}

	return e.col, nil
}

// List returns every registered collection, sorted by name.
func (s *Store) List() []ListInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ListInfo, 0, len(s.byName))

	for name, e := range s.byName {
		out = append(out, ListInfo{Name: name, IsManual: e.col.IsManual()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Diff runs one page of the diff algorithm against the named
// collection's record engine, binding to_gen to the collection's
// current committed generation on a fresh call.
func (s *Store) Diff(name string, req diffengine.Request) (diffengine.Result, error) {
	s.mu.RLock()
	e, ok := s.byName[name]
	s.mu.RUnlock()

	if !ok {
		return diffengine.Result{}, diffbelterr.Wrap(diffbelterr.ErrNotFound, diffbelterr.WithCollection(name))
	}

	return diffengine.Diff(e.records, e.col.CurrentGeneration(), req)
}

// Readers exposes the shared reader service, e.g. for an HTTP
// GET /collections/{name}/readers route aggregating both the
// collection's own durable reader table and the service's live view.
func (s *Store) Readers() *reader.Service { return s.readers }

// CreateReader registers a reader durably on its owning collection and
// publishes the pin to the cross-collection reader service in the same
// call, keeping the two views (§4.3's per-collection control namespace,
// §4.5's process-wide watch) from ever disagreeing about a freshly
// created reader.
func (s *Store) CreateReader(owner, name, target string, generation []byte) error {
	e, err := s.entry(owner)
	if err != nil {
		return err
	}

	if err := e.col.CreateReader(name, target, generation); err != nil {
		return err
	}

	rec, ok := readerRecordByName(e.col, name)
	if !ok {
		return diffbelterr.Wrap(diffbelterr.ErrInternal, diffbelterr.WithCollection(owner), diffbelterr.WithKey([]byte(name)))
	}

	return s.readers.UpdateReader(owner, name, rec.TargetCollection, rec.Generation)
}

// UpdateReader advances a reader's pin on both the owning collection and
// the cross-collection reader service.
func (s *Store) UpdateReader(owner, name string, generation []byte) error {
	e, err := s.entry(owner)
	if err != nil {
		return err
	}

	if err := e.col.UpdateReader(name, generation); err != nil {
		return err
	}

	rec, ok := readerRecordByName(e.col, name)
	if !ok {
		return diffbelterr.Wrap(diffbelterr.ErrInternal, diffbelterr.WithCollection(owner), diffbelterr.WithKey([]byte(name)))
	}

	return s.readers.UpdateReader(owner, name, rec.TargetCollection, rec.Generation)
}

// DeleteReader removes a reader from both its owning collection and the
// cross-collection reader service.
func (s *Store) DeleteReader(owner, name string) error {
	e, err := s.entry(owner)
	if err != nil {
		return err
	}

	if err := e.col.DeleteReader(name); err != nil {
		return err
	}

	return s.readers.DeleteReader(owner, name)
}

// ReaderGeneration returns the pinned generation of the named reader
// owned by owner, resolving the "from_reader" field of a diff request
// (§6).
func (s *Store) ReaderGeneration(owner, name string) ([]byte, error) {
	e, err := s.entry(owner)
	if err != nil {
		return nil, err
	}

	rec, ok := readerRecordByName(e.col, name)
	if !ok {
		return nil, diffbelterr.Wrap(diffbelterr.ErrNotFound, diffbelterr.WithCollection(owner), diffbelterr.WithKey([]byte(name)))
	}

	return rec.Generation, nil
}

func readerRecordByName(col *collection.Collection, name string) (collection.ReaderRecord, bool) {
	for _, rec := range col.ListReaders() {
		if rec.Name == name {
			return rec, true
		}
	}

	return collection.ReaderRecord{}, false
}

func (s *Store) entry(name string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byName[name]
	if !ok {
		return nil, diffbelterr.Wrap(diffbelterr.ErrNotFound, diffbelterr.WithCollection(name))
	}

	return e, nil
}

type collectionGenerationSource struct {
	col *collection.Collection
}

func (g collectionGenerationSource) CurrentGeneration(collectionName string) ([]byte, bool) {
	if collectionName != g.col.Name() {
		return nil, false
	}

	return g.col.CurrentGeneration(), true
}
