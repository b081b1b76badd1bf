package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/vsrinivas/crashd/internal/domain"
	"github.com/vsrinivas/crashd/internal/register"
)

// writeError writes a JSON error body with given status code.
func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
}

// mapServiceError maps domain/register errors to HTTP responses.
func (h *Handler) mapServiceError(w http.ResponseWriter, r *http.Request, err error) {
	cid, _ := GetCorrelationID(r.Context())
	switch {
	case errors.Is(err, domain.ErrNoProgramName):
		slog.Warn("service error", "cid", cid, "code", "no_program_name")
		h.writeError(w, http.StatusBadRequest, "program name required")
	case errors.Is(err, domain.ErrBadProgramName):
		slog.Warn("service error", "cid", cid, "code", "bad_program_name")
		h.writeError(w, http.StatusBadRequest, "invalid program name")
	case errors.Is(err, domain.ErrReservedKey):
		slog.Warn("service error", "cid", cid, "code", "reserved_key")
		h.writeError(w, http.StatusBadRequest, "reserved attachment key")
	case errors.Is(err, register.ErrUnknownComponent):
		slog.Info("service error", "cid", cid, "code", "unknown_component")
		h.writeError(w, http.StatusNotFound, "component not registered")
	default:
		// Internal / unexpected: do not leak the raw error string.
		slog.Error("unhandled service error", "cid", cid, "code", "unhandled")
		h.writeError(w, http.StatusInternalServerError, "internal")
	}
}
