// Package httpx contains the HTTP delivery layer for the crashd service. It
// maps HTTP requests to the queue and the product register while enforcing
// body limits and error translation. Handlers are split across files
// (report.go, products.go, health.go, errors.go).
package httpx

import (
	"context"
	"net/http"

	"github.com/vsrinivas/crashd/internal/domain"
	"github.com/vsrinivas/crashd/internal/register"
)

// ReportFiler accepts crash reports for asynchronous processing. Satisfied by
// *queue.Queue.
type ReportFiler interface {
	Add(r *domain.Report) error
}

// ProductRegister is the control surface for component-to-product mappings.
// Satisfied by *register.Register.
type ProductRegister interface {
	Upsert(component string, p register.Product) error
	Get(component string) (register.Product, error)
}

// Handler wires HTTP endpoints to the crash-report pipeline. Safe for
// concurrent use. Zero value is not valid; construct via New.
type Handler struct {
	Filer     ReportFiler
	Products  ProductRegister
	MaxBody   int64                       // request body cap for report ingestion
	Readiness func(context.Context) error // optional readiness probe
	Metrics   http.Handler                // optional /metrics endpoint
}

// New returns a configured Handler.
func New(filer ReportFiler, products ProductRegister, maxBody int64) *Handler {
	return &Handler{Filer: filer, Products: products, MaxBody: maxBody}
}

// Router constructs an http.Handler with all routes mounted and the
// correlation-id middleware applied.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/report", h.handleFileReport)
	mux.HandleFunc("/api/products/", h.handleProducts) // expect /api/products/{component}
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/readyz", h.handleReady)
	if h.Metrics != nil {
		mux.Handle("/metrics", h.Metrics)
	}
	return CorrelationIdMiddleware(mux)
}
