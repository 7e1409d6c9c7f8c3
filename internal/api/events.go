package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/taskgrid/internal/model"
	"github.com/seantiz/taskgrid/internal/store"
)

// eventStreamHeartbeat is how often an idle stream sends a keep-alive
// comment and re-checks the task state.
const eventStreamHeartbeat = 15 * time.Second

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view := s.managedTask(id)
	if view == nil {
		// Not managed: replay the stored state, if any.
		task, err := s.store.Load(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			s.logger.Error("load task for events", "task_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get task")
			return
		}
		v := newTaskView(task)
		view = &v
	}

	setSSEHeaders(w)

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if view.State == model.StateTerminated {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", string(view.State))
		flush()
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	ch, unsub := s.engine.Events().Subscribe(id)
	defer unsub()
	eventStreamsActive.Inc()
	defer eventStreamsActive.Dec()

	w.WriteHeader(http.StatusOK)
	if err := writeSSEEvent(w, "state", string(view.State)); err != nil {
		return
	}
	flush()

	heartbeat := time.NewTicker(eventStreamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Task left the engine.
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode task event", "task_id", id, "error", err)
				continue
			}
			if err := writeSSEData(w, string(data)); err != nil {
				return // Write failed (e.g. client gone).
			}
			if ev.State == model.StateTerminated {
				_ = writeSSEEvent(w, "done", string(ev.State))
				flush()
				return
			}
			flush()
		case <-heartbeat.C:
			if v := s.managedTask(id); v == nil || v.State == model.StateTerminated {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEData writes a payload as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix as SSE requires.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
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
