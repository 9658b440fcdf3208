package transform

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapFilterLastWriteWinsPerTargetKey(t *testing.T) {
	d := New(Config{Kind: KindMapFilter, SourceCollection: "src", TargetCollection: "dst", ReaderName: "r"}, nil)

	res, err := d.Run(nil)
	require.NoError(t, err)
	diffAction := firstDiffbeltAction(t, res)

	page := DiffPageResponse{
		ToGenerationID: hex.EncodeToString([]byte{0, 0, 0, 1}),
		Items:          []DiffItem{{Key: []byte("k1"), ToValue: []byte("v1")}},
	}

	res, err = d.Run([]Input{{ID: diffAction.ID, DiffbeltResult: &DiffbeltResult{Body: diffPageBody(t, page)}}})
	require.NoError(t, err)

	evalAction, ok := findAction(res, ActionFunctionEval)
	require.True(t, ok)

	outBody, err := json.Marshal([]MapFilterEvalOutput{
		{TargetKey: []byte("t1"), TargetValue: []byte("first")},
		{TargetKey: []byte("t1"), TargetValue: []byte("second")},
	})
	require.NoError(t, err)

	res, err = d.Run([]Input{{ID: evalAction.ID, EvalResult: &EvalResult{Payload: outBody}}})
	require.NoError(t, err)

	putAction, ok := findAction(res, ActionDiffbeltCall)
	require.True(t, ok)

	var putBody PutManyBody
	require.NoError(t, json.Unmarshal(putAction.DiffbeltCall.Body, &putBody))
	require.Len(t, putBody.Items, 1)
	require.Equal(t, "second", string(putBody.Items[0].Value))
	require.Equal(t, 1, d.Stats().KeysUpdated)
}

func TestMapFilterDeleteTallyTracksStats(t *testing.T) {
	d := New(Config{Kind: KindMapFilter, SourceCollection: "src", TargetCollection: "dst", ReaderName: "r"}, nil)

	res, err := d.Run(nil)
	require.NoError(t, err)
	diffAction := firstDiffbeltAction(t, res)

	page := DiffPageResponse{
		ToGenerationID: hex.EncodeToString([]byte{0, 0, 0, 1}),
		Items:          []DiffItem{{Key: []byte("k1"), FromValue: []byte("old"), ToValue: nil}},
	}

	res, err = d.Run([]Input{{ID: diffAction.ID, DiffbeltResult: &DiffbeltResult{Body: diffPageBody(t, page)}}})
	require.NoError(t, err)

	evalAction, ok := findAction(res, ActionFunctionEval)
	require.True(t, ok)

	outBody, err := json.Marshal([]MapFilterEvalOutput{{TargetKey: []byte("t1"), IsDelete: true}})
	require.NoError(t, err)

	res, err = d.Run([]Input{{ID: evalAction.ID, EvalResult: &EvalResult{Payload: outBody}}})
	require.NoError(t, err)

	putAction, ok := findAction(res, ActionDiffbeltCall)
	require.True(t, ok)

	var putBody PutManyBody
	require.NoError(t, json.Unmarshal(putAction.DiffbeltCall.Body, &putBody))
	require.True(t, putBody.Items[0].IsDelete)
	require.Equal(t, 1, d.Stats().KeysDeleted)
	require.Equal(t, 0, d.Stats().KeysUpdated)
}

func TestMapFilterBackpressureDefersSecondEvalBatch(t *testing.T) {
	d := New(Config{
		Kind:             KindMapFilter,
		SourceCollection: "src",
		TargetCollection: "dst",
		ReaderName:       "r",
		Limits:           Limits{PendingEvalMapBytes: 1},
	}, nil)

	res, err := d.Run(nil)
	require.NoError(t, err)
	diffAction := firstDiffbeltAction(t, res)

	page := DiffPageResponse{
		Cursor: "more",
		Items:  []DiffItem{{Key: []byte("k1"), ToValue: []byte("v1")}},
	}

	res, err = d.Run([]Input{{ID: diffAction.ID, DiffbeltResult: &DiffbeltResult{Body: diffPageBody(t, page)}}})
	require.NoError(t, err)

	evalAction, ok := findAction(res, ActionFunctionEval)
	require.True(t, ok)

	// Diff isn't exhausted and backpressure is maxed, so no new diff page
	// is requested until the in-flight eval drains.
	_, gotDiff := findAction(res, ActionDiffbeltCall)
	require.False(t, gotDiff)

	outBody, err := json.Marshal([]MapFilterEvalOutput{{TargetKey: []byte("t1"), TargetValue: []byte("v1")}})
	require.NoError(t, err)

	res, err = d.Run([]Input{{ID: evalAction.ID, EvalResult: &EvalResult{Payload: outBody}}})
	require.NoError(t, err)

	_, gotNextDiff := findAction(res, ActionDiffbeltCall)
	require.True(t, gotNextDiff)
}
