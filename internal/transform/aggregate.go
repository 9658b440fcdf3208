package transform

import (
	"encoding/json"
	"fmt"

	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
)

// chunkState is a chunk's state. There are four: Collecting, Reducing,
// Reduced and Merging; no Tombstone state exists, so no chunk is ever
// marked or swept as one. Merging is transient: a chunk enters Merging
// only while its AggregateMerge action is in flight and is replaced by
// the merged result on completion.
type chunkState int

const (
	chunkCollecting chunkState = iota
	chunkReducing
	chunkReduced
	chunkMerging
)

type chunk struct {
	state       chunkState
	accumulator []byte
}

// targetKeyState is one target key's aggregation progress: §4.7.2's
// Processing{target_info?, chunks, info_pending} collapsed into a
// single struct (Applying is represented by applyInFlight instead of a
// separate type, since this implementation never buffers further
// mapped values once Apply has been requested).
type targetKeyState struct {
	targetKey []byte

	haveTargetInfo      bool
	targetInfoRequested bool
	targetInfo          []byte

	haveInitialAccumulator      bool
	initialAccumulatorRequested bool
	initialAccumulator          []byte

	// currentValue would carry the target record's existing value into
	// AggregateTargetInfoInput; left nil here since this driver doesn't
	// issue a get-record DiffbeltCall before requesting target info, so
	// target_info functions for this transform must treat a nil
	// TargetValue as "not yet known" rather than "absent". A get-record
	// round trip ahead of the first AggregateTargetInfo request would
	// remove this restriction.
	currentValue []byte

	collecting []byte // raw queued mapped values, JSON-array-of-[]byte encoded lazily

	collectingValues [][]byte

	chunks []*chunk

	reduceInFlight bool
	mergeInFlight  bool
	applyInFlight  bool
}

type aggregateState struct {
	keys  map[string]*targetKeyState
	order []string
}

func newAggregateState() *aggregateState {
	return &aggregateState{keys: map[string]*targetKeyState{}}
}

func (a *aggregateState) drained() bool { return len(a.keys) == 0 }

func (a *aggregateState) getOrCreate(key []byte) (*targetKeyState, bool) {
	sk := string(key)

	st, ok := a.keys[sk]
	if ok {
		return st, false
	}

	st = &targetKeyState{targetKey: append([]byte(nil), key...)}
	a.keys[sk] = st
	a.order = append(a.order, sk)

	return st, true
}

// queueAggregateMap stages one diff page for the AggregateMap
// projection step, reusing the same batching queue field used by the
// map/filter pipeline (mfQueue): it is the same "queued diff page
// awaiting an eval action" concept at a different projection kind.
func (d *Driver) queueAggregateMap(items []DiffItem) {
	if len(items) == 0 {
		return
	}

	d.mfQueue = append(d.mfQueue, items)
}

func (d *Driver) aggregateStep() []Action {
	var actions []Action

	actions = append(actions, d.emitAggregateMapEvals()...)
	actions = append(actions, d.emitTargetInfoAndInitialAccumulator()...)
	actions = append(actions, d.emitAggregateReduces()...)
	actions = append(actions, d.emitAggregateMerges()...)
	actions = append(actions, d.emitAggregateApplies()...)

	if d.shouldFlushPuts() {
		if a := d.flushPutsAction(); a != nil {
			actions = append(actions, *a)
		}
	}

	if d.diffExhausted && d.aggregate.drained() && len(d.pendingPuts) == 0 && d.mfEvalsInFlight == 0 && len(d.mfQueue) == 0 {
		if a := d.commitAction(); a != nil {
			actions = append(actions, *a)
		}
	}

	return actions
}

func (d *Driver) emitAggregateMapEvals() []Action {
	var actions []Action

	for len(d.mfQueue) > 0 {
		if d.cur.pendingEvalMapBytes > 0 && d.cur.pendingEvalMapBytes >= d.cfg.Limits.PendingEvalMapBytes {
			break
		}

		batch := d.mfQueue[0]
		d.mfQueue = d.mfQueue[1:]

		payload := make([]AggregateMapEvalInput, len(batch))
		for i, it := range batch {
			payload[i] = AggregateMapEvalInput{SourceKey: it.Key, SourceOldValue: it.FromValue, SourceNewValue: it.ToValue}
		}

		body, err := json.Marshal(payload)
		if err != nil {
			continue
		}

		id := d.newActionID()
		d.pending[id] = pendingAction{kind: pendingAggregateMap, byteSize: len(body)}
		d.cur.pendingEvalMapBytes += len(body)
		d.mfEvalsInFlight++

		actions = append(actions, Action{ID: id, Kind: ActionFunctionEval, FunctionEval: &FunctionEval{Kind: EvalAggregateMap, Payload: body}})
	}

	return actions
}

func (d *Driver) emitTargetInfoAndInitialAccumulator() []Action {
	var actions []Action

	for _, sk := range d.aggregate.order {
		st := d.aggregate.keys[sk]
		if st == nil {
			continue
		}

		if !st.targetInfoRequested {
			st.targetInfoRequested = true

			body, err := json.Marshal(AggregateTargetInfoInput{TargetKey: st.targetKey, TargetValue: st.currentValue})
			if err == nil {
				id := d.newActionID()
				d.pending[id] = pendingAction{kind: pendingAggregateTargetInfo, targetKey: sk}
				actions = append(actions, Action{ID: id, Kind: ActionFunctionEval, FunctionEval: &FunctionEval{Kind: EvalAggregateTargetInfo, Payload: body}})
			}
		}

		if !st.initialAccumulatorRequested {
			st.initialAccumulatorRequested = true

			body, err := json.Marshal(AggregateTargetInfoInput{TargetKey: st.targetKey, TargetValue: st.currentValue})
			if err == nil {
				id := d.newActionID()
				d.pending[id] = pendingAction{kind: pendingAggregateInitialAccumulator, targetKey: sk}
				actions = append(actions, Action{ID: id, Kind: ActionFunctionEval, FunctionEval: &FunctionEval{Kind: EvalAggregateInitialAccumulator, Payload: body}})
			}
		}
	}

	return actions
}

func (d *Driver) emitAggregateReduces() []Action {
	var actions []Action

	for _, sk := range d.aggregate.order {
		st := d.aggregate.keys[sk]
		if st == nil || st.reduceInFlight || !st.haveInitialAccumulator || !st.haveTargetInfo {
			continue
		}

		full := len(st.collectingValues) >= d.cfg.AggregateOptions.MaxChunkMappedValues
		finalFlush := d.diffExhausted && len(st.collectingValues) > 0

		if !full && !finalFlush {
			continue
		}

		base := st.initialAccumulator
		if !d.cfg.AggregateOptions.SupportsMerge && len(st.chunks) > 0 {
			// Without merge support, chunks chain sequentially: the next
			// chunk folds starting from the previous chunk's result
			// instead of starting fresh, since there is no later step
			// that could combine two independent accumulators.
			base = st.chunks[len(st.chunks)-1].accumulator
		}

		body, err := json.Marshal(AggregateReduceInput{Accumulator: base, MappedValues: st.collectingValues, TargetInfo: st.targetInfo})
		if err != nil {
			continue
		}

		if !d.cfg.AggregateOptions.SupportsMerge && len(st.chunks) > 0 {
			st.chunks = st.chunks[:len(st.chunks)-1]
		}

		st.collectingValues = nil
		st.reduceInFlight = true

		id := d.newActionID()
		d.pending[id] = pendingAction{kind: pendingAggregateReduce, targetKey: sk}
		actions = append(actions, Action{ID: id, Kind: ActionFunctionEval, FunctionEval: &FunctionEval{Kind: EvalAggregateReduce, Payload: body}})
	}

	return actions
}

func (d *Driver) emitAggregateMerges() []Action {
	if !d.cfg.AggregateOptions.SupportsMerge {
		return nil
	}

	var actions []Action

	for _, sk := range d.aggregate.order {
		st := d.aggregate.keys[sk]
		if st == nil || st.mergeInFlight {
			continue
		}

		reducedCount := 0

		for _, c := range st.chunks {
			if c.state == chunkReduced {
				reducedCount++
			}
		}

		if reducedCount < 2 {
			continue
		}

		var left, right *chunk

		leftIdx, rightIdx := -1, -1

		for i, c := range st.chunks {
			if c.state != chunkReduced {
				continue
			}

			if left == nil {
				left, leftIdx = c, i

				continue
			}

			right, rightIdx = c, i

			break
		}

		if left == nil || right == nil {
			continue
		}

		body, err := json.Marshal(AggregateMergeInput{Left: left.accumulator, Right: right.accumulator, TargetInfo: st.targetInfo})
		if err != nil {
			continue
		}

		left.state = chunkMerging
		right.state = chunkMerging
		st.mergeInFlight = true

		id := d.newActionID()
		d.pending[id] = pendingAction{kind: pendingAggregateMerge, targetKey: sk, chunkIdx: leftIdx, chunkIdx2: rightIdx}
		actions = append(actions, Action{ID: id, Kind: ActionFunctionEval, FunctionEval: &FunctionEval{Kind: EvalAggregateMerge, Payload: body}})
	}

	return actions
}

func (d *Driver) emitAggregateApplies() []Action {
	var actions []Action

	if !d.diffExhausted {
		return nil
	}

	for _, sk := range d.aggregate.order {
		st := d.aggregate.keys[sk]
		if st == nil || st.applyInFlight || st.reduceInFlight || st.mergeInFlight {
			continue
		}

		if len(st.collectingValues) > 0 {
			continue
		}

		if len(st.chunks) != 1 || st.chunks[0].state != chunkReduced || !st.haveTargetInfo {
			continue
		}

		body, err := json.Marshal(AggregateApplyInput{Accumulator: st.chunks[0].accumulator, TargetInfo: st.targetInfo})
		if err != nil {
			continue
		}

		st.applyInFlight = true

		id := d.newActionID()
		d.pending[id] = pendingAction{kind: pendingAggregateApply, targetKey: sk}
		actions = append(actions, Action{ID: id, Kind: ActionFunctionEval, FunctionEval: &FunctionEval{Kind: EvalAggregateApply, Payload: body}})
	}

	return actions
}

func (d *Driver) handleAggregateInput(p pendingAction, in Input) error {
	switch p.kind {
	case pendingAggregateMap:
		d.cur.pendingEvalMapBytes -= p.byteSize

		return d.handleAggregateMapResult(in)
	case pendingAggregateTargetInfo:
		return d.handleAggregateTargetInfoResult(p.targetKey, in)
	case pendingAggregateInitialAccumulator:
		return d.handleAggregateInitialAccumulatorResult(p.targetKey, in)
	case pendingAggregateReduce:
		return d.handleAggregateReduceResult(p.targetKey, in)
	case pendingAggregateMerge:
		return d.handleAggregateMergeResult(p.targetKey, p.chunkIdx, p.chunkIdx2, in)
	case pendingAggregateApply:
		return d.handleAggregateApplyResult(p.targetKey, in)
	default:
		return diffbelterr.Wrap(diffbelterr.ErrInternal, diffbelterr.WithCause(fmt.Errorf("unhandled pending kind %d", p.kind)))
	}
}

func (d *Driver) handleAggregateMapResult(in Input) error {
	d.mfEvalsInFlight--

	if in.EvalResult == nil {
		return diffbelterr.Wrap(diffbelterr.ErrProtocol, diffbelterr.WithCause(fmt.Errorf("aggregate_map eval missing result")))
	}

	var outputs []AggregateMapEvalOutput

	if err := json.Unmarshal(in.EvalResult.Payload, &outputs); err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrMalformedValue, diffbelterr.WithCause(err))
	}

	for _, o := range outputs {
		st, _ := d.aggregate.getOrCreate(o.TargetKey)
		st.collectingValues = append(st.collectingValues, o.MappedValue)
	}

	return nil
}

func (d *Driver) handleAggregateTargetInfoResult(sk string, in Input) error {
	st := d.aggregate.keys[sk]
	if st == nil {
		return nil
	}

	if in.EvalResult == nil {
		return diffbelterr.Wrap(diffbelterr.ErrProtocol, diffbelterr.WithCause(fmt.Errorf("aggregate_target_info eval missing result")))
	}

	var out AggregateTargetInfoOutput

	if err := json.Unmarshal(in.EvalResult.Payload, &out); err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrMalformedValue, diffbelterr.WithCause(err))
	}

	st.targetInfo = out.TargetInfo
	st.haveTargetInfo = true

	return nil
}

func (d *Driver) handleAggregateInitialAccumulatorResult(sk string, in Input) error {
	st := d.aggregate.keys[sk]
	if st == nil {
		return nil
	}

	if in.EvalResult == nil {
		return diffbelterr.Wrap(diffbelterr.ErrProtocol, diffbelterr.WithCause(fmt.Errorf("aggregate_initial_accumulator eval missing result")))
	}

	var out AggregateInitialAccumulatorOutput

	if err := json.Unmarshal(in.EvalResult.Payload, &out); err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrMalformedValue, diffbelterr.WithCause(err))
	}

	st.initialAccumulator = out.Accumulator
	st.haveInitialAccumulator = true

	return nil
}

func (d *Driver) handleAggregateReduceResult(sk string, in Input) error {
	st := d.aggregate.keys[sk]
	if st == nil {
		return nil
	}

	st.reduceInFlight = false

	if in.EvalResult == nil {
		return diffbelterr.Wrap(diffbelterr.ErrProtocol, diffbelterr.WithCause(fmt.Errorf("aggregate_reduce eval missing result")))
	}

	var out AggregateReduceOutput

	if err := json.Unmarshal(in.EvalResult.Payload, &out); err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrMalformedValue, diffbelterr.WithCause(err))
	}

	st.chunks = append(st.chunks, &chunk{state: chunkReduced, accumulator: out.Accumulator})
	d.cur.targetDataBytes += len(out.Accumulator)

	return nil
}

func (d *Driver) handleAggregateMergeResult(sk string, leftIdx, rightIdx int, in Input) error {
	st := d.aggregate.keys[sk]
	if st == nil {
		return nil
	}

	st.mergeInFlight = false

	if in.EvalResult == nil {
		return diffbelterr.Wrap(diffbelterr.ErrProtocol, diffbelterr.WithCause(fmt.Errorf("aggregate_merge eval missing result")))
	}

	var out AggregateMergeOutput

	if err := json.Unmarshal(in.EvalResult.Payload, &out); err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrMalformedValue, diffbelterr.WithCause(err))
	}

	merged := &chunk{state: chunkReduced, accumulator: out.Accumulator}

	kept := make([]*chunk, 0, len(st.chunks)-1)

	for i, c := range st.chunks {
		if i == leftIdx || i == rightIdx {
			continue
		}

		kept = append(kept, c)
	}

	kept = append(kept, merged)
	st.chunks = kept

	return nil
}

func (d *Driver) handleAggregateApplyResult(sk string, in Input) error {
	st := d.aggregate.keys[sk]
	if st == nil {
		return nil
	}

	if in.EvalResult == nil {
		return diffbelterr.Wrap(diffbelterr.ErrProtocol, diffbelterr.WithCause(fmt.Errorf("aggregate_apply eval missing result")))
	}

	var out AggregateApplyOutput

	if err := json.Unmarshal(in.EvalResult.Payload, &out); err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrMalformedValue, diffbelterr.WithCause(err))
	}

	d.stageTargetPut(st.targetKey, out.TargetValue, out.IsDelete)

	delete(d.aggregate.keys, sk)

	for i, k := range d.aggregate.order {
		if k == sk {
			d.aggregate.order = append(d.aggregate.order[:i], d.aggregate.order[i+1:]...)

			break
		}
	}

	return nil
}
