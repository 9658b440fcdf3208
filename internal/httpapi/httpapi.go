// Package httpapi implements §6's external HTTP surface: the route
// parsing, JSON transcoding, and byte-string encoding rule sitting in
// front of internal/diffbeltstore. §1 names the HTTP transport an
// out-of-scope collaborator; this package is the thin, concrete adapter
// a real deployment still needs to exercise the hard core end to end.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/calvinalkan/diffbelt/internal/diffbeltstore"
)

// Server holds the dependencies every route handler needs.
type Server struct {
	store  *diffbeltstore.Store
	logger *slog.Logger
}

// NewServer builds an http.Server ready to ListenAndServe, wiring every
// route of §6 plus the SPEC_FULL additions against store.
func NewServer(addr string, store *diffbeltstore.Store, logger *slog.Logger) *http.Server {
	s := NewServerHandler(store, logger)

	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewServerHandler builds a Server without binding it to an address, for
// tests that drive it through httptest.NewServer(s.Router()).
func NewServerHandler(store *diffbeltstore.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{store: store, logger: logger}
}

// Router builds the gorilla/mux router for every route this package
// serves.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	r.HandleFunc("/collections/", s.handleListCollections).Methods(http.MethodGet)
	r.HandleFunc("/collections/{name}", s.handleGetCollection).Methods(http.MethodGet)
	r.HandleFunc("/collections/{name}", s.handleCreateCollection).Methods(http.MethodPost)
	r.HandleFunc("/collections/{name}", s.handleDropCollection).Methods(http.MethodDelete)

	r.HandleFunc("/collections/{name}/diff/", s.handleDiff).Methods(http.MethodPost)
	r.HandleFunc("/collections/{name}/diff/{cursor_id}", s.handleDiffCursor).Methods(http.MethodGet)

	r.HandleFunc("/collections/{name}/generation/start", s.handleGenerationStart).Methods(http.MethodPost)
	r.HandleFunc("/collections/{name}/generation/commit", s.handleGenerationCommit).Methods(http.MethodPost)

	r.HandleFunc("/collections/{name}/putMany", s.handlePutMany).Methods(http.MethodPost)

	r.HandleFunc("/collections/{name}/readers", s.handleListReaders).Methods(http.MethodGet)
	r.HandleFunc("/collections/{name}/readers/{reader_name}", s.handleCreateReader).Methods(http.MethodPost)
	r.HandleFunc("/collections/{name}/readers/{reader_name}", s.handleUpdateReader).Methods(http.MethodPut)
	r.HandleFunc("/collections/{name}/readers/{reader_name}", s.handleDeleteReader).Methods(http.MethodDelete)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
