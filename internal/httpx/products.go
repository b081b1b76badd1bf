package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vsrinivas/crashd/internal/register"
)

// handleProducts implements PUT and GET on /api/products/{component}.
func (h *Handler) handleProducts(w http.ResponseWriter, r *http.Request) {
	component := strings.TrimPrefix(r.URL.Path, "/api/products/")
	if component == "" || strings.Contains(component, "/") {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodPut:
		h.upsertProduct(w, r, component)
	case http.MethodGet:
		h.getProduct(w, r, component)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) upsertProduct(w http.ResponseWriter, r *http.Request, component string) {
	defer r.Body.Close()
	var p register.Product
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&p); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid product body")
		return
	}
	if err := h.Products.Upsert(component, p); err != nil {
		cid, _ := GetCorrelationID(r.Context())
		slog.Warn("product upsert rejected", "cid", cid, "component", component)
		h.writeError(w, http.StatusBadRequest, "invalid product")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request, component string) {
	p, err := h.Products.Get(component)
	if err != nil {
		h.mapServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p)
}
