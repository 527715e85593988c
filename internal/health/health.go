// Package health serves the liveness and readiness probes for the relay
// process.
//
//   - GET /healthz answers 200 whenever the process can serve HTTP.
//   - GET /readyz answers 200 only while every registered [Checker] passes,
//     503 otherwise.
//
// Both endpoints reply with a JSON body carrying a "status" field and, for
// readiness, a per-checker "checks" map so an operator can see which
// dependency failed without reading logs.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// A single readiness check may not hold up the probe longer than this.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil while the dependency is
// usable and must honor context cancellation; Name keys the probe's entry in
// the /readyz response.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers /healthz and /readyz. The checker set is frozen at
// construction, so the handler needs no locking.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] over the given checkers. Readiness evaluates them
// one at a time in the order given.
func New(checkers ...Checker) *Handler {
	h := &Handler{checkers: make([]Checker, len(checkers))}
	copy(h.checkers, checkers)
	return h
}

// Register mounts both probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness. It never fails: if this handler runs, the
// process is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz reports readiness. Every checker runs under its own
// [checkTimeout]-bounded context derived from the request; one failure turns
// the whole response into a 503 while still reporting the other checks.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res, status := h.evaluate(r.Context())
	writeJSON(w, status, res)
}

func (h *Handler) evaluate(ctx context.Context) (result, int) {
	res := result{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	status := http.StatusOK

	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	return res, status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
