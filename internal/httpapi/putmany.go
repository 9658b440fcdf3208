package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calvinalkan/diffbelt/internal/collection"
)

func (s *Server) handlePutMany(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req putManyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	col, err := s.store.Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := make([]collection.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = collection.Item{Key: it.Key, Value: it.Value.Bytes, IfNotPresent: it.IfNotPresent}
	}

	if err := col.PutMany(items, req.GenerationID, req.PhantomID); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, putManyResponse{GenerationID: col.CurrentGeneration()})
}
