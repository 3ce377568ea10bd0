package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shivamAmrutia/orchestration/internal/events"
	"github.com/shivamAmrutia/orchestration/internal/store"
)

// handleStreamEvents streams an execution's events as server-sent events
// until the execution finishes or the client goes away.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	if s.broker == nil {
		s.writeError(w, http.StatusNotImplemented, "event streaming is disabled")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// A finished execution gets its final status and nothing else.
	if exec.Status.Terminal() {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, events.Event{
			Type:        events.ExecutionFinished,
			ExecutionID: exec.ID,
			Status:      exec.Status,
			Time:        time.Now().UTC(),
		})
		_ = writeSSEDone(w)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing to a topic that closed after the status check above returns
	// a closed channel, so the loop ends at once.
	ch, unsub := s.broker.Subscribe(id)
	defer unsub()
	eventStreamsOpen.Inc()
	defer eventStreamsOpen.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEDone(w)
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			recordStreamedEvent(ev.Type)
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes ev as a named SSE event with a JSON payload.
func writeSSEEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func writeSSEDone(w http.ResponseWriter) error {
	_, err := fmt.Fprint(w, "event: done\ndata: stream complete\n\n")
	return err
}
