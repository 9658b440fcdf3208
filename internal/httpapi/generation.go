package httpapi

import (
	"bytes"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
)

func (s *Server) handleGenerationStart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req startGenerationRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	col, err := s.store.Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.AbortOutdated && col.NextGeneration() != nil {
		if err := col.AbortGeneration(); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if _, err := col.StartGeneration(req.GenerationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleGenerationCommit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req commitGenerationRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	col, err := s.store.Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if len(req.GenerationID) > 0 {
		if next := col.NextGeneration(); !bytes.Equal(next, req.GenerationID) {
			s.writeError(w, r, diffbelterr.Wrap(diffbelterr.ErrGenerationMismatch,
				diffbelterr.WithCollection(name), diffbelterr.WithGeneration(req.GenerationID)))

			return
		}
	}

	if err := col.CommitGeneration(nil); err != nil {
		s.writeError(w, r, err)
		return
	}

	for _, ur := range req.UpdateReaders {
		if err := s.store.UpdateReader(name, ur.ReaderName, ur.GenerationID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, struct{}{})
}
