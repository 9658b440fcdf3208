package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleListCollections(w http.ResponseWriter, _ *http.Request) {
	list := s.store.List()

	items := make([]collectionSummaryWire, len(list))
	for i, c := range list {
		items[i] = collectionSummaryWire{Name: c.Name, IsManual: c.IsManual}
	}

	writeJSON(w, http.StatusOK, listCollectionsResponse{Items: items})
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	col, err := s.store.Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	stats := col.Stats()

	writeJSON(w, http.StatusOK, collectionInfoResponse{
		IsManual:         col.IsManual(),
		GenerationID:     stats.CurrentGeneration,
		NextGenerationID: optionalFromBytes(stats.NextGeneration),
	})
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req createCollectionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.store.CreateCollection(name, req.IsManual); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleDropCollection(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := s.store.DropCollection(name); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}
