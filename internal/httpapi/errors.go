package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
)

type errorResponseWire struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusForError maps §7's error taxonomy onto HTTP status codes.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, diffbelterr.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, diffbelterr.ErrAlreadyExists):
		return http.StatusConflict, "AlreadyExists"
	case errors.Is(err, diffbelterr.ErrCollectionInUse):
		return http.StatusConflict, "CollectionInUse"
	case errors.Is(err, diffbelterr.ErrGenerationMismatch):
		return http.StatusConflict, "GenerationMismatch"
	case errors.Is(err, diffbelterr.ErrCursorExpired):
		return http.StatusGone, "CursorExpired"
	case errors.Is(err, diffbelterr.ErrInputTooLarge):
		return http.StatusRequestEntityTooLarge, "InputTooLarge"
	case errors.Is(err, diffbelterr.ErrMalformedKey), errors.Is(err, diffbelterr.ErrMalformedValue):
		return http.StatusBadRequest, "MalformedRequest"
	case errors.Is(err, diffbelterr.ErrProtocol):
		return http.StatusBadRequest, "ProtocolError"
	case errors.Is(err, diffbelterr.ErrEval):
		return http.StatusBadGateway, "EvalError"
	case errors.Is(err, diffbelterr.ErrTimeout):
		return http.StatusGatewayTimeout, "Timeout"
	case errors.Is(err, diffbelterr.ErrCancelled):
		return http.StatusServiceUnavailable, "Cancelled"
	case errors.Is(err, diffbelterr.ErrStorage):
		return http.StatusInternalServerError, "StorageError"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusForError(err)

	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)

	writeJSON(w, status, errorResponseWire{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSONBody decodes r's body into v, tolerating an empty body (every
// §6 request with all-optional fields may be sent with none set).
func decodeJSONBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrProtocol, diffbelterr.WithCause(err))
	}

	return nil
}
