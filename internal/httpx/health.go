package httpx

import "net/http"

// handleHealth answers liveness probes. It reports only that the process is
// serving requests; pipeline health is the readiness endpoint's job.
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady answers readiness probes by running the configured probe
// (in production a ping of the telemetry database). A nil probe means always
// ready; a failing probe answers 503 so load balancers hold traffic until the
// pipeline's dependencies are back.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Readiness == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	if err := h.Readiness(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
