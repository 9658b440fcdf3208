package transform

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func firstDiffbeltAction(t *testing.T, res Result) Action {
	t.Helper()

	for _, a := range res.Actions {
		if a.Kind == ActionDiffbeltCall {
			return a
		}
	}

	t.Fatalf("no diffbelt call action in %+v", res.Actions)

	return Action{}
}

func findAction(res Result, kind ActionKind) (Action, bool) {
	for _, a := range res.Actions {
		if a.Kind == kind {
			return a, true
		}
	}

	return Action{}, false
}

func diffPageBody(t *testing.T, page DiffPageResponse) json.RawMessage {
	t.Helper()

	b, err := json.Marshal(page)
	require.NoError(t, err)

	return b
}

func TestMapFilterFullCycleEndsInFinish(t *testing.T) {
	d := New(Config{
		Kind:             KindMapFilter,
		SourceCollection: "src",
		TargetCollection: "dst",
		ReaderName:       "transform-reader",
	}, []byte{0, 0, 0, 0, 0, 0, 0, 1})

	res, err := d.Run(nil)
	require.NoError(t, err)
	diffAction := firstDiffbeltAction(t, res)
	require.Equal(t, "GET", diffAction.DiffbeltCall.Method)

	page := DiffPageResponse{
		ToGenerationID: hex.EncodeToString([]byte{0, 0, 0, 0, 0, 0, 0, 2}),
		Items: []DiffItem{
			{Key: []byte("k1"), FromValue: nil, ToValue: []byte("v1")},
		},
	}

	res, err = d.Run([]Input{{ID: diffAction.ID, DiffbeltResult: &DiffbeltResult{StatusCode: 200, Body: diffPageBody(t, page)}}})
	require.NoError(t, err)

	evalAction, ok := findAction(res, ActionFunctionEval)
	require.True(t, ok)
	require.Equal(t, EvalMapFilter, evalAction.FunctionEval.Kind)

	outputs := []MapFilterEvalOutput{{TargetKey: []byte("k1"), TargetValue: []byte("v1")}}
	outBody, err := json.Marshal(outputs)
	require.NoError(t, err)

	res, err = d.Run([]Input{{ID: evalAction.ID, EvalResult: &EvalResult{Payload: outBody}}})
	require.NoError(t, err)

	putAction, ok := findAction(res, ActionDiffbeltCall)
	require.True(t, ok)
	require.Contains(t, putAction.DiffbeltCall.Path, "put-many")

	var putBody PutManyBody
	require.NoError(t, json.Unmarshal(putAction.DiffbeltCall.Body, &putBody))
	require.Len(t, putBody.Items, 1)
	require.Equal(t, "k1", string(putBody.Items[0].Key))

	res, err = d.Run([]Input{{ID: putAction.ID, DiffbeltResult: &DiffbeltResult{StatusCode: 200}}})
	require.NoError(t, err)

	commitAction, ok := findAction(res, ActionDiffbeltCall)
	require.True(t, ok)
	require.Contains(t, commitAction.DiffbeltCall.Path, "commit-generation")

	res, err = d.Run([]Input{{ID: commitAction.ID, DiffbeltResult: &DiffbeltResult{StatusCode: 200}}})
	require.NoError(t, err)
	require.True(t, res.Finished)
	require.Equal(t, StateFinish, d.State())

	stats := d.Stats()
	require.Equal(t, 1, stats.KeysUpdated)
	require.Equal(t, 0, stats.KeysDeleted)
}

func TestMapFilterDryRunSkipsStoreCalls(t *testing.T) {
	d := New(Config{
		Kind:             KindMapFilter,
		SourceCollection: "src",
		TargetCollection: "dst",
		ReaderName:       "transform-reader",
		DryRun:           true,
	}, []byte{0, 0, 0, 0, 0, 0, 0, 1})

	res, err := d.Run(nil)
	require.NoError(t, err)
	diffAction := firstDiffbeltAction(t, res)

	page := DiffPageResponse{
		ToGenerationID: hex.EncodeToString([]byte{0, 0, 0, 0, 0, 0, 0, 2}),
		Items:          []DiffItem{{Key: []byte("k1"), ToValue: []byte("v1")}},
	}

	res, err = d.Run([]Input{{ID: diffAction.ID, DiffbeltResult: &DiffbeltResult{StatusCode: 200, Body: diffPageBody(t, page)}}})
	require.NoError(t, err)

	evalAction, ok := findAction(res, ActionFunctionEval)
	require.True(t, ok)

	outBody, err := json.Marshal([]MapFilterEvalOutput{{TargetKey: []byte("k1"), TargetValue: []byte("v1")}})
	require.NoError(t, err)

	res, err = d.Run([]Input{{ID: evalAction.ID, EvalResult: &EvalResult{Payload: outBody}}})
	require.NoError(t, err)

	require.True(t, res.Finished)

	for _, a := range res.Actions {
		require.NotEqual(t, ActionDiffbeltCall, a.Kind)
	}

	require.Equal(t, 1, d.Stats().KeysUpdated)
}

func TestMapFilterEvalErrorInvalidatesDriver(t *testing.T) {
	d := New(Config{Kind: KindMapFilter, SourceCollection: "src", TargetCollection: "dst", ReaderName: "r"}, nil)

	res, err := d.Run(nil)
	require.NoError(t, err)
	diffAction := firstDiffbeltAction(t, res)

	page := DiffPageResponse{ToGenerationID: hex.EncodeToString([]byte{0, 0, 0, 1}), Items: []DiffItem{{Key: []byte("k1"), ToValue: []byte("v1")}}}

	res, err = d.Run([]Input{{ID: diffAction.ID, DiffbeltResult: &DiffbeltResult{Body: diffPageBody(t, page)}}})
	require.NoError(t, err)

	evalAction, ok := findAction(res, ActionFunctionEval)
	require.True(t, ok)

	_, err = d.Run([]Input{{ID: evalAction.ID, Err: errBoom}})
	require.Error(t, err)
	require.Equal(t, StateInvalid, d.State())

	_, err = d.Run(nil)
	require.Error(t, err)
}

func TestAggregateSingleChunkAppliesDirectly(t *testing.T) {
	d := New(Config{
		Kind:             KindAggregate,
		SourceCollection: "src",
		TargetCollection: "dst",
		ReaderName:       "r",
		AggregateOptions: AggregateOptions{SupportsMerge: false, MaxChunkMappedValues: 64},
	}, []byte{0, 0, 0, 1})

	res, err := d.Run(nil)
	require.NoError(t, err)
	diffAction := firstDiffbeltAction(t, res)

	page := DiffPageResponse{
		ToGenerationID: hex.EncodeToString([]byte{0, 0, 0, 2}),
		Items:          []DiffItem{{Key: []byte("src1"), ToValue: []byte("1")}},
	}

	res, err = d.Run([]Input{{ID: diffAction.ID, DiffbeltResult: &DiffbeltResult{Body: diffPageBody(t, page)}}})
	require.NoError(t, err)

	mapAction, ok := findAction(res, ActionFunctionEval)
	require.True(t, ok)
	require.Equal(t, EvalAggregateMap, mapAction.FunctionEval.Kind)

	mapOut, err := json.Marshal([]AggregateMapEvalOutput{{TargetKey: []byte("agg1"), MappedValue: []byte("1")}})
	require.NoError(t, err)

	res, err = d.Run([]Input{{ID: mapAction.ID, EvalResult: &EvalResult{Payload: mapOut}}})
	require.NoError(t, err)

	var targetInfoID, initAccID string

	for _, a := range res.Actions {
		if a.Kind != ActionFunctionEval {
			continue
		}

		switch a.FunctionEval.Kind {
		case EvalAggregateTargetInfo:
			targetInfoID = a.ID
		case EvalAggregateInitialAccumulator:
			initAccID = a.ID
		}
	}

	require.NotEmpty(t, targetInfoID)
	require.NotEmpty(t, initAccID)

	tiBody, err := json.Marshal(AggregateTargetInfoOutput{TargetInfo: []byte("info")})
	require.NoError(t, err)
	iaBody, err := json.Marshal(AggregateInitialAccumulatorOutput{Accumulator: []byte("0")})
	require.NoError(t, err)

	res, err = d.Run([]Input{
		{ID: targetInfoID, EvalResult: &EvalResult{Payload: tiBody}},
		{ID: initAccID, EvalResult: &EvalResult{Payload: iaBody}},
	})
	require.NoError(t, err)

	reduceAction, ok := findAction(res, ActionFunctionEval)
	require.True(t, ok)
	require.Equal(t, EvalAggregateReduce, reduceAction.FunctionEval.Kind)

	var reduceIn AggregateReduceInput
	require.NoError(t, json.Unmarshal(reduceAction.FunctionEval.Payload, &reduceIn))
	require.Equal(t, [][]byte{[]byte("1")}, reduceIn.MappedValues)

	reduceOut, err := json.Marshal(AggregateReduceOutput{Accumulator: []byte("1")})
	require.NoError(t, err)

	res, err = d.Run([]Input{{ID: reduceAction.ID, EvalResult: &EvalResult{Payload: reduceOut}}})
	require.NoError(t, err)

	applyAction, ok := findAction(res, ActionFunctionEval)
	require.True(t, ok)
	require.Equal(t, EvalAggregateApply, applyAction.FunctionEval.Kind)

	applyOut, err := json.Marshal(AggregateApplyOutput{TargetValue: []byte("final:1")})
	require.NoError(t, err)

	res, err = d.Run([]Input{{ID: applyAction.ID, EvalResult: &EvalResult{Payload: applyOut}}})
	require.NoError(t, err)

	putAction, ok := findAction(res, ActionDiffbeltCall)
	require.True(t, ok)

	var putBody PutManyBody
	require.NoError(t, json.Unmarshal(putAction.DiffbeltCall.Body, &putBody))
	require.Len(t, putBody.Items, 1)
	require.Equal(t, "agg1", string(putBody.Items[0].Key))
	require.Equal(t, "final:1", string(putBody.Items[0].Value))

	res, err = d.Run([]Input{{ID: putAction.ID, DiffbeltResult: &DiffbeltResult{}}})
	require.NoError(t, err)

	commitAction, ok := findAction(res, ActionDiffbeltCall)
	require.True(t, ok)
	require.Contains(t, commitAction.DiffbeltCall.Path, "commit-generation")

	res, err = d.Run([]Input{{ID: commitAction.ID, DiffbeltResult: &DiffbeltResult{}}})
	require.NoError(t, err)
	require.True(t, res.Finished)
}

func TestAggregateMergesTwoChunksWhenSupportsMerge(t *testing.T) {
	d := New(Config{
		Kind:             KindAggregate,
		SourceCollection: "src",
		TargetCollection: "dst",
		ReaderName:       "r",
		AggregateOptions: AggregateOptions{SupportsMerge: true, MaxChunkMappedValues: 1},
	}, []byte{0, 0, 0, 1})

	res, err := d.Run(nil)
	require.NoError(t, err)
	diffAction := firstDiffbeltAction(t, res)

	page := DiffPageResponse{
		ToGenerationID: hex.EncodeToString([]byte{0, 0, 0, 2}),
		Items: []DiffItem{
			{Key: []byte("s1"), ToValue: []byte("1")},
			{Key: []byte("s2"), ToValue: []byte("2")},
		},
	}

	res, err = d.Run([]Input{{ID: diffAction.ID, DiffbeltResult: &DiffbeltResult{Body: diffPageBody(t, page)}}})
	require.NoError(t, err)

	mapAction, ok := findAction(res, ActionFunctionEval)
	require.True(t, ok)

	mapOut, err := json.Marshal([]AggregateMapEvalOutput{
		{TargetKey: []byte("agg1"), MappedValue: []byte("1")},
		{TargetKey: []byte("agg1"), MappedValue: []byte("2")},
	})
	require.NoError(t, err)

	res, err = d.Run([]Input{{ID: mapAction.ID, EvalResult: &EvalResult{Payload: mapOut}}})
	require.NoError(t, err)

	var targetInfoID, initAccID string

	for _, a := range res.Actions {
		if a.Kind != ActionFunctionEval {
			continue
		}

		switch a.FunctionEval.Kind {
		case EvalAggregateTargetInfo:
			targetInfoID = a.ID
		case EvalAggregateInitialAccumulator:
			initAccID = a.ID
		}
	}

	tiBody, _ := json.Marshal(AggregateTargetInfoOutput{TargetInfo: []byte("info")})
	iaBody, _ := json.Marshal(AggregateInitialAccumulatorOutput{Accumulator: []byte("0")})

	res, err = d.Run([]Input{
		{ID: targetInfoID, EvalResult: &EvalResult{Payload: tiBody}},
		{ID: initAccID, EvalResult: &EvalResult{Payload: iaBody}},
	})
	require.NoError(t, err)

	var reduceIDs []string

	for _, a := range res.Actions {
		if a.Kind == ActionFunctionEval && a.FunctionEval.Kind == EvalAggregateReduce {
			reduceIDs = append(reduceIDs, a.ID)
		}
	}

	require.Len(t, reduceIDs, 2)

	reduceOut1, _ := json.Marshal(AggregateReduceOutput{Accumulator: []byte("1")})
	reduceOut2, _ := json.Marshal(AggregateReduceOutput{Accumulator: []byte("2")})

	res, err = d.Run([]Input{
		{ID: reduceIDs[0], EvalResult: &EvalResult{Payload: reduceOut1}},
		{ID: reduceIDs[1], EvalResult: &EvalResult{Payload: reduceOut2}},
	})
	require.NoError(t, err)

	mergeAction, ok := findAction(res, ActionFunctionEval)
	require.True(t, ok)
	require.Equal(t, EvalAggregateMerge, mergeAction.FunctionEval.Kind)

	mergeOut, _ := json.Marshal(AggregateMergeOutput{Accumulator: []byte("3")})

	res, err = d.Run([]Input{{ID: mergeAction.ID, EvalResult: &EvalResult{Payload: mergeOut}}})
	require.NoError(t, err)

	applyAction, ok := findAction(res, ActionFunctionEval)
	require.True(t, ok)
	require.Equal(t, EvalAggregateApply, applyAction.FunctionEval.Kind)

	var applyIn AggregateApplyInput
	require.NoError(t, json.Unmarshal(applyAction.FunctionEval.Payload, &applyIn))
	require.Equal(t, "3", string(applyIn.Accumulator))
}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}
