package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/calvinalkan/diffbelt/internal/diffengine"
)

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req diffRequestWire
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	fromGen := []byte(req.FromGenerationID)

	if req.FromReader != nil {
		readerCollection := req.FromReader.CollectionName
		if readerCollection == "" {
			readerCollection = name
		}

		gen, err := s.store.ReaderGeneration(readerCollection, req.FromReader.ReaderName)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		fromGen = gen
	}

	s.runDiff(w, r, name, diffengine.Request{
		FromGen:                fromGen,
		ToGenLoose:             req.ToGenerationID,
		LowerKey:               req.LowerKey,
		UpperKey:               req.UpperKey,
		OmitIntermediateValues: req.OmitIntermediateValues,
		PhantomID:              req.PhantomID,
		Limit:                  req.Limit,
	})
}

func (s *Server) handleDiffCursor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, cursorID := vars["name"], vars["cursor_id"]

	cursor, err := s.store.Cursors().Get(cursorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil {
			limit = n
		}
	}

	s.runDiff(w, r, name, diffengine.Request{Cursor: cursor, Limit: limit})
}

func (s *Server) runDiff(w http.ResponseWriter, r *http.Request, name string, req diffengine.Request) {
	result, err := s.store.Diff(name, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := make([]keyValueDiffWire, len(result.Items))

	for i, kd := range result.Items {
		intermediate := make([]OptionalValue, len(kd.Intermediate))
		for j, v := range kd.Intermediate {
			intermediate[j] = optionalFromBytes(v)
		}

		items[i] = keyValueDiffWire{
			Key:                kd.Key,
			FromValue:          optionalFromBytes(kd.FromValue),
			ToValue:            optionalFromBytes(kd.ToValue),
			IntermediateValues: intermediate,
		}
	}

	resp := diffResponseWire{
		FromGenerationID: result.FromGen,
		ToGenerationID:   result.ToGen,
		Items:            items,
	}

	if result.Cursor != nil {
		resp.CursorID = s.store.Cursors().Put(result.Cursor)
	}

	writeJSON(w, http.StatusOK, resp)
}
