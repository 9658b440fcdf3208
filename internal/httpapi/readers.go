package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	col, err := s.store.Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	recs := col.ListReaders()

	items := make([]readerRecordWire, len(recs))
	for i, rec := range recs {
		items[i] = readerRecordToWire(rec)
	}

	writeJSON(w, http.StatusOK, listReadersResponse{Items: items})
}

func (s *Server) handleCreateReader(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, readerName := vars["name"], vars["reader_name"]

	var req createReaderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.store.CreateReader(name, readerName, req.TargetCollection, req.GenerationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleUpdateReader(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, readerName := vars["name"], vars["reader_name"]

	var req updateReaderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.store.UpdateReader(name, readerName, req.GenerationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleDeleteReader(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, readerName := vars["name"], vars["reader_name"]

	if err := s.store.DeleteReader(name, readerName); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}
