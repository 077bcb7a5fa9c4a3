package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dispatchd/dispatchd/internal/domain/event"
)

// StreamRunEvents handles GET /api/runs/{id}/events: a server-sent-events
// stream of the run's event log, resumable via ?after=N or the standard
// Last-Event-ID header. The stream closes after the done event.
func (h *Handlers) StreamRunEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	afterID, err := resumeCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resume cursor")
		return
	}

	runID := urlParam(r, "id")
	if _, err := h.Runs.Get(r.Context(), runID); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev event.RunEvent) error {
		if err := writeSSE(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	keepAlive := func() error {
		if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := h.Streamer.Stream(r.Context(), runID, afterID, send, keepAlive); err != nil {
		// The response is already committed; the error can only be logged.
		slog.Debug("run stream ended with error", "run_id", runID, "error", err)
	}
}

// resumeCursor reads the resume position: ?after= wins over Last-Event-ID.
func resumeCursor(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// writeSSE frames one event. Synthetic events carry no log identifier and
// are sent without an id line so they never disturb the client's cursor.
func writeSSE(w http.ResponseWriter, ev event.RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
