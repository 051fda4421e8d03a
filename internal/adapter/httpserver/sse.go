package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
	"github.com/rendiffdev/ffmpeg-api-sub000/internal/observability"
)

const (
	sseHeartbeat = 15 * time.Second
	// sseReplayGrace bounds the wait for a finished job's ring replay
	// before the stream falls back to the store record.
	sseReplayGrace = time.Second
)

// EventsHandler streams a job's progress as Server-Sent Events. The
// event id is the per-job sequence number, so a reconnect with
// Last-Event-ID replays exactly what the client missed. For a job that
// already finished, the ring replay ends with the terminal event and the
// stream closes; if the ring expired, the terminal event is synthesized
// from the store record.
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, _ := KeyFrom(r.Context())
		id := chi.URLParam(r, "id")

		// Ownership first; streams leak nothing about foreign jobs.
		j, err := s.Jobs.Get(r.Context(), key.ID, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, domain.Codef(domain.CodeInternal, domain.ErrInternal,
				"op=http.events: streaming unsupported"), nil)
			return
		}

		afterSeq := int64(0)
		if v := r.Header.Get("Last-Event-ID"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				afterSeq = n
			}
		}

		ch, err := s.Bus.Subscribe(r.Context(), j.ID, afterSeq)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		observability.SSESubscribers.Inc()
		defer observability.SSESubscribers.Dec()

		if j.Status.IsTerminal() {
			streamFinished(w, r, flusher, j, ch)
			return
		}

		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				// Comment line keeps proxies from timing the stream out.
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, open := <-ch:
				if !open {
					// Terminal event delivered, subscriber dropped, or bus
					// gone; either way the stream is over.
					return
				}
				if err := writeSSE(w, ev); err != nil {
					return
				}
				flusher.Flush()
				if ev.Terminal {
					return
				}
			}
		}
	}
}

// streamFinished serves a subscriber attaching after the job already
// ended. The ring replay normally closes the stream with its terminal
// frame; when the ring has expired, the store record still knows the
// outcome, so the stream synthesizes the terminal event instead of
// idling on heartbeats forever.
func streamFinished(w http.ResponseWriter, r *http.Request, flusher http.Flusher, j domain.Job, ch <-chan domain.ProgressEvent) {
	grace := time.NewTimer(sseReplayGrace)
	defer grace.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal {
				return
			}
		case <-grace.C:
			_ = writeSSE(w, domain.ProgressEvent{
				JobID:     j.ID,
				Timestamp: time.Now().UTC(),
				Progress:  j.Progress,
				Stage:     string(j.Status),
				Terminal:  true,
				Status:    j.Status,
				Error:     j.Error,
			})
			flusher.Flush()
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev domain.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	name := "progress"
	if ev.Terminal {
		name = "terminal"
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, name, data)
	return err
}
