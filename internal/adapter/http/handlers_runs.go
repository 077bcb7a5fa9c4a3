package http

import (
	"net/http"
	"strings"

	"github.com/dispatchd/dispatchd/internal/domain/run"
	"github.com/dispatchd/dispatchd/internal/port/messagequeue"
	"github.com/dispatchd/dispatchd/internal/port/runstore"
	"github.com/dispatchd/dispatchd/internal/service"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Handlers bundles the HTTP handler dependencies.
type Handlers struct {
	Runs     *service.RunService
	Streamer *service.Streamer
	Queue    messagequeue.Queue // nil when NATS is disabled
	Version  string
}

// StartRun handles POST /api/runs.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[run.StartRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}

	created, err := h.Runs.Launch(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "run launch failed")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetRun handles GET /api/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	rec, err := h.Runs.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListRuns handles GET /api/runs with an optional comma-separated
// ?status= filter.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	var f runstore.Filter
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, run.Status(strings.TrimSpace(s)))
		}
	}
	if c := r.URL.Query().Get("category"); c != "" {
		f.Category = run.Category(c)
	}

	runs, err := h.Runs.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, "run list failed")
		return
	}
	if runs == nil {
		runs = []run.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// CancelRun handles POST /api/runs/{id}/cancel.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	type cancelRequest struct {
		Reason string `json:"reason"`
	}
	req, ok := readJSON[cancelRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}

	rec, err := h.Runs.Cancel(r.Context(), urlParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CancelActiveRuns handles POST /api/runs/cancel: batch cancellation over
// every active run, collecting per-run errors.
func (h *Handlers) CancelActiveRuns(w http.ResponseWriter, r *http.Request) {
	type cancelRequest struct {
		Reason string `json:"reason"`
	}
	req, ok := readJSON[cancelRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}

	cancelled, errs := h.Runs.CancelActive(r.Context(), req.Reason)

	resp := struct {
		Cancelled int      `json:"cancelled"`
		Errors    []string `json:"errors,omitempty"`
	}{Cancelled: cancelled}
	for _, err := range errs {
		resp.Errors = append(resp.Errors, err.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": h.Version,
	}
	if h.Queue != nil {
		resp["nats"] = h.Queue.IsConnected()
	}
	writeJSON(w, http.StatusOK, resp)
}
