package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cloudflyer/internal/store"
)

// handleStreamEvents streams solver progress for a task as Server-Sent
// Events and ends with a "done" event carrying the task's status.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireClientKey(w, r) {
		return
	}
	id := chi.URLParam(r, "id")

	task, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task for events", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if task.Status.Terminal() {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", string(task.Status))
		flush()
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe on a finished task returns a closed channel, so a task that
	// finished after the status check above still ends the loop.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flush()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				status := "finished"
				if t, err := s.store.Get(r.Context(), id); err == nil {
					status = string(t.Status)
				}
				_ = writeSSEEvent(w, "done", status)
				flush()
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEData writes a line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
