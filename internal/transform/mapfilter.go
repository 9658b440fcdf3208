package transform

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
)

// queueMapFilterEval buffers one diff page's items for evaluation;
// mapFilterStep turns queued batches into actions as budget allows.
func (d *Driver) queueMapFilterEval(items []DiffItem) {
	if len(items) == 0 {
		return
	}

	d.mfQueue = append(d.mfQueue, items)
}

func (d *Driver) mapFilterStep() []Action {
	var actions []Action

	for len(d.mfQueue) > 0 {
		if d.cur.pendingEvalMapBytes > 0 && d.cur.pendingEvalMapBytes >= d.cfg.Limits.PendingEvalMapBytes {
			break // backpressure: stop emitting further eval work while over the cap
		}

		batch := d.mfQueue[0]
		d.mfQueue = d.mfQueue[1:]

		payload := make([]MapFilterEvalInput, len(batch))
		for i, it := range batch {
			payload[i] = MapFilterEvalInput{SourceKey: it.Key, SourceOldValue: it.FromValue, SourceNewValue: it.ToValue}
		}

		body, err := json.Marshal(payload)
		if err != nil {
			continue
		}

		id := d.newActionID()
		d.pending[id] = pendingAction{kind: pendingMapFilterEval, byteSize: len(body)}
		d.cur.pendingEvalMapBytes += len(body)
		d.mfEvalsInFlight++

		actions = append(actions, Action{
			ID:           id,
			Kind:         ActionFunctionEval,
			FunctionEval: &FunctionEval{Kind: EvalMapFilter, Payload: body},
		})
	}

	if d.shouldFlushPuts() {
		if a := d.flushPutsAction(); a != nil {
			actions = append(actions, *a)
		}
	}

	if d.diffExhausted && len(d.pendingPuts) == 0 && d.mfEvalsInFlight == 0 && len(d.mfQueue) == 0 {
		if a := d.commitAction(); a != nil {
			actions = append(actions, *a)
		}
	}

	return actions
}

func (d *Driver) handleMapFilterEvalResult(in Input) error {
	d.mfEvalsInFlight--

	if in.EvalResult == nil {
		return diffbelterr.Wrap(diffbelterr.ErrProtocol, diffbelterr.WithCause(fmt.Errorf("map_filter eval missing result")))
	}

	var outputs []MapFilterEvalOutput

	if err := json.Unmarshal(in.EvalResult.Payload, &outputs); err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrMalformedValue, diffbelterr.WithCause(err))
	}

	for _, o := range outputs {
		d.stageTargetPut(o.TargetKey, o.TargetValue, o.IsDelete)
	}

	return nil
}

func (d *Driver) stageTargetPut(key, value []byte, isDelete bool) {
	sk := string(key)

	if _, existed := d.pendingPuts[sk]; !existed {
		d.pendingOrder = append(d.pendingOrder, sk)
	}

	d.pendingPuts[sk] = PutItem{Key: key, Value: value, IsDelete: isDelete}
}

func (d *Driver) shouldFlushPuts() bool {
	if len(d.pendingPuts) == 0 {
		return false
	}

	if len(d.pendingPuts) >= d.cfg.Limits.PendingPutsCount {
		return true
	}

	return d.mfEvalsInFlight == 0 && len(d.mfQueue) == 0
}

func (d *Driver) flushPutsAction() *Action {
	items := make([]PutItem, 0, len(d.pendingOrder))

	for _, sk := range d.pendingOrder {
		if it, ok := d.pendingPuts[sk]; ok {
			items = append(items, it)

			if it.IsDelete {
				d.stats.KeysDeleted++
			} else {
				d.stats.KeysUpdated++
			}
		}
	}

	d.pendingPuts = map[string]PutItem{}
	d.pendingOrder = nil

	if d.cfg.DryRun {
		return nil // dry run: counted into Stats above, no action emitted
	}

	body, err := json.Marshal(PutManyBody{Items: items})
	if err != nil {
		return nil
	}

	id := d.newActionID()
	d.pending[id] = pendingAction{kind: pendingPutMany, byteSize: len(body)}
	d.cur.pendingApplyingBytes += len(body)

	return &Action{
		ID:   id,
		Kind: ActionDiffbeltCall,
		DiffbeltCall: &DiffbeltCall{
			Method: "POST",
			Path:   "/collections/" + d.cfg.TargetCollection + "/put-many",
			Body:   body,
		},
	}
}

func (d *Driver) commitAction() *Action {
	// One commit per run, issued only once no put_many is in flight.
	if d.cfg.DryRun || d.state == StateAwaitingCommitGeneration {
		return nil
	}

	for _, p := range d.pending {
		if p.kind == pendingPutMany {
			return nil
		}
	}

	body, err := json.Marshal(CommitGenerationBody{
		ReaderUpdates: []ReaderUpdate{{
			Collection:   d.cfg.SourceCollection,
			Name:         d.cfg.ReaderName,
			GenerationID: hex.EncodeToString(d.sourceReaderGen),
		}},
	})
	if err != nil {
		return nil
	}

	id := d.newActionID()
	d.pending[id] = pendingAction{kind: pendingCommit}
	d.state = StateAwaitingCommitGeneration

	return &Action{
		ID:   id,
		Kind: ActionDiffbeltCall,
		DiffbeltCall: &DiffbeltCall{
			Method: "POST",
			Path:   "/collections/" + d.cfg.TargetCollection + "/commit-generation",
			Body:   body,
		},
	}
}
