package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/calvinalkan/diffbelt/internal/transform"
)

var errUnknownEncoding = errors.New("unknown byte string encoding")

// storeClient translates transform.Action values into real HTTP calls
// against a running diffbeltd, and real responses back into
// transform.Input values. internal/transform's own DiffbeltCall paths
// and payload shapes (internal/transform/payloads.go) predate
// internal/httpapi's route names and {value, encoding?} wire rule, so
// this client's job is exactly that translation layer — the concrete
// "caller" the Driver's doc comment says executes its delegated work.
type storeClient struct {
	baseURL string
	http    *http.Client
}

func newStoreClient(baseURL string) *storeClient {
	return &storeClient{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{}}
}

func (c *storeClient) execute(ctx context.Context, action transform.Action) transform.Input {
	switch action.Kind {
	case transform.ActionFunctionEval:
		return transform.Input{ID: action.ID, Err: fmt.Errorf("function eval actions must be executed by the wasm runner, not storeClient")}
	case transform.ActionDiffbeltCall:
		result, err := c.call(ctx, action.DiffbeltCall)
		if err != nil {
			return transform.Input{ID: action.ID, Err: err}
		}

		return transform.Input{ID: action.ID, DiffbeltResult: result}
	default:
		return transform.Input{ID: action.ID, Err: fmt.Errorf("unknown action kind %d", action.Kind)}
	}
}

func (c *storeClient) call(ctx context.Context, call *transform.DiffbeltCall) (*transform.DiffbeltResult, error) {
	switch {
	case strings.HasSuffix(call.Path, "/diff"):
		return c.diff(ctx, call)
	case strings.HasSuffix(call.Path, "/put-many"):
		return c.putMany(ctx, call)
	case strings.HasSuffix(call.Path, "/commit-generation"):
		return c.commitGeneration(ctx, call)
	default:
		return nil, fmt.Errorf("storeClient: unrecognized diffbelt call path %q", call.Path)
	}
}

func (c *storeClient) diff(ctx context.Context, call *transform.DiffbeltCall) (*transform.DiffbeltResult, error) {
	collection := strings.TrimSuffix(strings.TrimPrefix(call.Path, "/collections/"), "/diff")

	if cursor := call.Query["cursor"]; cursor != "" {
		status, body, err := c.doJSON(ctx, http.MethodGet,
			fmt.Sprintf("/collections/%s/diff/%s", collection, cursor), nil)
		if err != nil {
			return nil, err
		}

		return c.toDiffPage(status, body)
	}

	fromGen, err := hex.DecodeString(call.Query["from_generation_id"])
	if err != nil {
		return nil, fmt.Errorf("decode from_generation_id: %w", err)
	}

	reqBody := map[string]any{"from_generation_id": wrapBytes(fromGen)}

	if loose := call.Query["to_generation_id_loose"]; loose != "" && loose != "latest" {
		toGen, err := hex.DecodeString(loose)
		if err != nil {
			return nil, fmt.Errorf("decode to_generation_id_loose: %w", err)
		}

		reqBody["to_generation_id"] = wrapBytes(toGen)
	}

	status, body, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/diff/", collection), reqBody)
	if err != nil {
		return nil, err
	}

	return c.toDiffPage(status, body)
}

func (c *storeClient) toDiffPage(status int, body []byte) (*transform.DiffbeltResult, error) {
	if status != http.StatusOK {
		return nil, fmt.Errorf("diff request failed: status %d: %s", status, body)
	}

	var wire struct {
		FromGenerationID *wireByteString `json:"from_generation_id"`
		ToGenerationID   *wireByteString `json:"to_generation_id"`
		CursorID         string          `json:"cursor_id"`
		Items            []struct {
			Key          wireByteString    `json:"key"`
			FromValue    json.RawMessage   `json:"from_value"`
			ToValue      json.RawMessage   `json:"to_value"`
			Intermediate []json.RawMessage `json:"intermediate_values"`
		} `json:"items"`
	}

	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse diff response: %w", err)
	}

	fromGen, err := unwrapBytes(wire.FromGenerationID)
	if err != nil {
		return nil, err
	}

	toGen, err := unwrapBytes(wire.ToGenerationID)
	if err != nil {
		return nil, err
	}

	page := transform.DiffPageResponse{
		FromGenerationID: hex.EncodeToString(fromGen),
		ToGenerationID:   hex.EncodeToString(toGen),
		Cursor:           wire.CursorID,
		Items:            make([]transform.DiffItem, len(wire.Items)),
	}

	for i, it := range wire.Items {
		key, err := unwrapBytes(&it.Key)
		if err != nil {
			return nil, err
		}

		fromValue, err := decodeOptional(it.FromValue)
		if err != nil {
			return nil, err
		}

		toValue, err := decodeOptional(it.ToValue)
		if err != nil {
			return nil, err
		}

		intermediate := make([][]byte, len(it.Intermediate))

		for j, raw := range it.Intermediate {
			v, err := decodeOptional(raw)
			if err != nil {
				return nil, err
			}

			intermediate[j] = v
		}

		page.Items[i] = transform.DiffItem{Key: key, FromValue: fromValue, ToValue: toValue, Intermediate: intermediate}
	}

	out, err := json.Marshal(page)
	if err != nil {
		return nil, err
	}

	return &transform.DiffbeltResult{StatusCode: status, Body: out}, nil
}

func (c *storeClient) putMany(ctx context.Context, call *transform.DiffbeltCall) (*transform.DiffbeltResult, error) {
	collection := strings.TrimSuffix(strings.TrimPrefix(call.Path, "/collections/"), "/put-many")

	var body transform.PutManyBody
	if err := json.Unmarshal(call.Body, &body); err != nil {
		return nil, fmt.Errorf("decode put-many action body: %w", err)
	}

	items := make([]map[string]any, len(body.Items))

	for i, it := range body.Items {
		item := map[string]any{
			"key":   wrapBytes(it.Key),
			"value": json.RawMessage(optionalJSON(it.Value, it.IsDelete)),
		}

		if it.IfNotPresent {
			item["if_not_present"] = true
		}

		items[i] = item
	}

	reqBody := map[string]any{"items": items}

	status, respBody, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/putMany", collection), reqBody)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("put-many failed: status %d: %s", status, respBody)
	}

	return &transform.DiffbeltResult{StatusCode: status, Body: respBody}, nil
}

func (c *storeClient) commitGeneration(ctx context.Context, call *transform.DiffbeltCall) (*transform.DiffbeltResult, error) {
	target := strings.TrimSuffix(strings.TrimPrefix(call.Path, "/collections/"), "/commit-generation")

	var body transform.CommitGenerationBody
	if err := json.Unmarshal(call.Body, &body); err != nil {
		return nil, fmt.Errorf("decode commit-generation action body: %w", err)
	}

	status, respBody, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/generation/commit", target), map[string]any{})
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("commit-generation failed: status %d: %s", status, respBody)
	}

	// Advance each reader the driver tracked separately from the commit
	// itself, since §4.3's reader-update routes live under the owning
	// collection, not the committing one.
	for _, ru := range body.ReaderUpdates {
		gen, err := hex.DecodeString(ru.GenerationID)
		if err != nil {
			return nil, fmt.Errorf("decode reader update generation: %w", err)
		}

		status, respBody, err := c.doJSON(ctx, http.MethodPut,
			fmt.Sprintf("/collections/%s/readers/%s", ru.Collection, ru.Name),
			map[string]any{"generation_id": wrapBytes(gen)})
		if err != nil {
			return nil, err
		}

		if status != http.StatusOK {
			return nil, fmt.Errorf("update reader %s/%s failed: status %d: %s", ru.Collection, ru.Name, status, respBody)
		}
	}

	return &transform.DiffbeltResult{StatusCode: status, Body: respBody}, nil
}

func (c *storeClient) doJSON(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}

	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	return resp.StatusCode, respBody, nil
}

// getReaderGeneration looks up name's current generation on owner via
// the reader list route, returning nil if the reader doesn't exist
// yet (the caller then creates it from generation zero).
func (c *storeClient) getReaderGeneration(ctx context.Context, owner, name string) ([]byte, bool, error) {
	status, body, err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/collections/%s/readers", owner), nil)
	if err != nil {
		return nil, false, err
	}

	if status != http.StatusOK {
		return nil, false, fmt.Errorf("list readers failed: status %d: %s", status, body)
	}

	var wire struct {
		Items []struct {
			Name         string          `json:"name"`
			GenerationID *wireByteString `json:"generation_id"`
		} `json:"items"`
	}

	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, false, err
	}

	for _, item := range wire.Items {
		if item.Name == name {
			gen, err := unwrapBytes(item.GenerationID)
			if err != nil {
				return nil, false, err
			}

			return gen, true, nil
		}
	}

	return nil, false, nil
}

// createReader creates name on owner pointing at target, starting from
// generation zero.
func (c *storeClient) createReader(ctx context.Context, owner, name, target string) error {
	status, body, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/readers/%s", owner, name),
		map[string]any{"target_collection": target, "generation_id": wrapBytes([]byte{})})
	if err != nil {
		return err
	}

	if status != http.StatusOK {
		return fmt.Errorf("create reader failed: status %d: %s", status, body)
	}

	return nil
}

// ensureCollection creates name if it doesn't already exist,
// tolerating the AlreadyExists conflict on a re-run.
func (c *storeClient) ensureCollection(ctx context.Context, name string, isManual bool) error {
	status, body, err := c.doJSON(ctx, http.MethodPost, "/collections/"+name, map[string]any{"is_manual": isManual})
	if err != nil {
		return err
	}

	if status == http.StatusOK || status == http.StatusConflict {
		return nil
	}

	return fmt.Errorf("create collection %q failed: status %d: %s", name, status, body)
}
