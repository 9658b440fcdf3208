package transform

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
)

// Kind selects which of the two pipeline flavors a Driver runs.
type Kind int

const (
	KindMapFilter Kind = iota
	KindAggregate
)

// AggregateOptions configures the aggregate pipeline. Decided at
// construction per the design spec's Open Question resolution:
// supports_accumulator_merge is a constructor-time bool, not a
// per-call decision, so mixed modes within one driver are impossible
// by construction.
type AggregateOptions struct {
	SupportsMerge bool

	// MaxChunkMappedValues caps how many mapped values a single
	// Collecting chunk absorbs before it is handed to AggregateReduce.
	// Defaults to 64.
	MaxChunkMappedValues int
}

// Config parameterizes a Driver.
type Config struct {
	Kind Kind

	SourceCollection string
	TargetCollection string
	ReaderName       string

	Limits           Limits
	AggregateOptions AggregateOptions

	// DryRun performs the full diff/eval cycle but replaces put_many and
	// commit_generation with a no-op summary (Stats only), per SPEC_FULL
	// C4 — useful for estimating transform cost before committing.
	DryRun bool
}

// Stats exposes the bounded-work counters of §4.7.2 for operational
// visibility (SPEC_FULL C4), grounded on pkg/slotcache's introspection
// accessors the way that package exposes Len() without exposing
// internal layout.
type Stats struct {
	PendingEvalMapBytes int
	TargetDataBytes     int
	ApplyingBytes       int
	PendingAppliesCount int
	PendingPutsCount    int
	PendingDiffsCount   int
	KeysUpdated         int
	KeysDeleted         int
}

type pendingKind int

const (
	pendingDiff pendingKind = iota
	pendingMapFilterEval
	pendingPutMany
	pendingCommit
	pendingAggregateMap
	pendingAggregateTargetInfo
	pendingAggregateInitialAccumulator
	pendingAggregateReduce
	pendingAggregateMerge
	pendingAggregateApply
)

type pendingAction struct {
	kind      pendingKind
	byteSize  int    // bytes this action holds against a limit, released on completion
	targetKey string // set for per-target-key aggregate actions
	chunkIdx  int    // left chunk index, for a pending merge
	chunkIdx2 int    // right chunk index, for a pending merge
}

// Driver implements §4.7's shared state machine for one source/target
// pair. Not safe for concurrent use; Run is expected to be called
// serially by the transform's own single driving loop.
type Driver struct {
	cfg   Config
	state State
	err   error

	nextID  uint64
	pending map[string]pendingAction

	sourceReaderGen   []byte
	lastCommittedTo   []byte
	diffCursor        string
	diffExhausted     bool
	startedFirstDiff  bool

	cur usage

	// map/filter coalescing buffer: last write per target key wins.
	pendingPuts      map[string]PutItem
	pendingOrder     []string
	mfQueue          [][]DiffItem
	mfEvalsInFlight  int

	aggregate *aggregateState

	stats Stats
}

// New constructs a Driver ready to run. fromGeneration is the source
// reader's current generation; the driver advances from there.
func New(cfg Config, fromGeneration []byte) *Driver {
	cfg.Limits = cfg.Limits.withDefaults()

	if cfg.AggregateOptions.MaxChunkMappedValues <= 0 {
		cfg.AggregateOptions.MaxChunkMappedValues = 64
	}

	d := &Driver{
		cfg:             cfg,
		state:           StateUninitialized,
		pending:         map[string]pendingAction{},
		sourceReaderGen: append([]byte(nil), fromGeneration...),
		pendingPuts:     map[string]PutItem{},
	}

	if cfg.Kind == KindAggregate {
		d.aggregate = newAggregateState()
	}

	return d
}

// State returns the driver's current state node, mainly for tests and
// operational logging.
func (d *Driver) State() State { return d.state }

// Stats returns a snapshot of the bounded-work counters.
func (d *Driver) Stats() Stats {
	s := d.stats
	s.PendingEvalMapBytes = d.cur.pendingEvalMapBytes
	s.TargetDataBytes = d.cur.targetDataBytes
	s.ApplyingBytes = d.cur.applyingBytes
	s.PendingAppliesCount = d.cur.pendingAppliesCount
	s.PendingPutsCount = len(d.pendingPuts)
	s.PendingDiffsCount = d.cur.pendingDiffsCount

	return s
}

func (d *Driver) newActionID() string {
	d.nextID++

	return fmt.Sprintf("a%d", d.nextID)
}

// Run advances the state machine given the responses to previously
// emitted actions (empty on the very first call), and returns the next
// batch of actions to execute, or Finished once the driver has fully
// caught up to the generation that was committed when the diff was
// first pinned.
func (d *Driver) Run(inputs []Input) (Result, error) {
	if d.state == StateInvalid {
		return Result{}, diffbelterr.Wrap(diffbelterr.ErrInternal, diffbelterr.WithCause(d.err))
	}

	if d.state == StateFinish {
		return Result{Finished: true}, nil
	}

	for _, in := range inputs {
		if err := d.handleInput(in); err != nil {
			d.state = StateInvalid
			d.err = err

			return Result{}, err
		}
	}

	var actions []Action

	if d.cfg.Kind == KindMapFilter {
		actions = append(actions, d.mapFilterStep()...)
	} else {
		actions = append(actions, d.aggregateStep()...)
	}

	// The next diff page is considered only after this round's eval work
	// is counted, so the backpressure limits see it.
	actions = append(actions, d.maybeStartDiff()...)

	if d.readyToFinish() {
		d.state = StateFinish

		return Result{Finished: true}, nil
	}

	return Result{Actions: actions}, nil
}

// ReturnBuffers releases the driver's bookkeeping hold on eval outputs
// the caller has finished consuming. Go's GC reclaims the underlying
// memory on its own; this call only decrements the same byte counters
// Stats reports, per §4.7's return_buffers operation.
func (d *Driver) ReturnBuffers(actionIDs []string) {
	for _, id := range actionIDs {
		if p, ok := d.pending[id]; ok {
			d.cur.applyingBytes -= p.byteSize
			if d.cur.applyingBytes < 0 {
				d.cur.applyingBytes = 0
			}
		}
	}
}

func (d *Driver) readyToFinish() bool {
	if !d.diffExhausted {
		return false
	}

	if len(d.pending) > 0 {
		return false
	}

	if len(d.pendingPuts) > 0 {
		return false
	}

	if d.cfg.Kind == KindMapFilter && (d.mfEvalsInFlight > 0 || len(d.mfQueue) > 0) {
		return false
	}

	if d.cfg.Kind == KindAggregate && !d.aggregate.drained() {
		return false
	}

	return true
}

func (d *Driver) maybeStartDiff() []Action {
	if d.startedFirstDiff && d.diffCursor == "" {
		return nil // no more pages to request; already consumed the exhausted signal
	}

	if d.diffExhausted {
		return nil
	}

	if d.cur.pendingDiffsCount > 0 {
		return nil
	}

	if !canRequestDiff(d.cfg.Limits, d.cur) {
		return nil
	}

	d.startedFirstDiff = true
	d.state = StateAwaitingDiff

	id := d.newActionID()
	d.pending[id] = pendingAction{kind: pendingDiff}
	d.cur.pendingDiffsCount++

	q := map[string]string{
		"from_generation_id":      hex.EncodeToString(d.sourceReaderGen),
		"to_generation_id_loose":  "latest",
	}

	if d.diffCursor != "" {
		q["cursor"] = d.diffCursor
	}

	return []Action{{
		ID:   id,
		Kind: ActionDiffbeltCall,
		DiffbeltCall: &DiffbeltCall{
			Method: "GET",
			Path:   "/collections/" + d.cfg.SourceCollection + "/diff",
			Query:  q,
		},
	}}
}

func (d *Driver) handleInput(in Input) error {
	p, ok := d.pending[in.ID]
	if !ok {
		return diffbelterr.Wrap(diffbelterr.ErrProtocol, diffbelterr.WithCause(fmt.Errorf("input for unknown action id %q", in.ID)))
	}

	delete(d.pending, in.ID)

	if in.Err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrEval, diffbelterr.WithCause(in.Err))
	}

	switch p.kind {
	case pendingDiff:
		d.cur.pendingDiffsCount--

		return d.handleDiffResult(in)
	case pendingMapFilterEval:
		d.cur.pendingEvalMapBytes -= p.byteSize

		return d.handleMapFilterEvalResult(in)
	case pendingPutMany:
		d.cur.pendingApplyingBytes -= p.byteSize

		return nil
	case pendingCommit:
		d.lastCommittedTo = d.sourceReaderGen

		return nil
	default:
		return d.handleAggregateInput(p, in)
	}
}

func (d *Driver) handleDiffResult(in Input) error {
	if in.DiffbeltResult == nil {
		return diffbelterr.Wrap(diffbelterr.ErrProtocol, diffbelterr.WithCause(fmt.Errorf("diff action missing result")))
	}

	var page DiffPageResponse

	if err := json.Unmarshal(in.DiffbeltResult.Body, &page); err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrMalformedValue, diffbelterr.WithCause(err))
	}

	d.diffCursor = page.Cursor
	if page.Cursor == "" {
		d.diffExhausted = true

		if gen, err := hex.DecodeString(page.ToGenerationID); err == nil && len(gen) > 0 {
			d.sourceReaderGen = gen
		}
	}

	d.state = StateProcessing

	if d.cfg.Kind == KindMapFilter {
		d.queueMapFilterEval(page.Items)
	} else {
		d.queueAggregateMap(page.Items)
	}

	return nil
}
