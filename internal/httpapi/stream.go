package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/petrijr/reviewflow/pkg/api"
)

// resumeFrom reads the replay cursor from Last-Event-ID or ?after=.
func resumeFrom(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	field := "Last-Event-ID"
	if raw == "" {
		raw = r.URL.Query().Get("after")
		field = "after"
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, &api.ValidationError{Field: field, Message: "must be a non-negative integer"}
	}
	return n, nil
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	sess, err := s.orch.Session(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	after, err := resumeFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.New("streaming unsupported"))
		return
	}

	// A finished session with nothing left to replay has no live stream to
	// attach to.
	if sess.Status.Terminal() {
		last, err := s.broker.LastSequence(ctx, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if after >= last {
			writeStreamHeaders(w)
			flusher.Flush()
			return
		}
	}

	sub, err := s.broker.Subscribe(ctx, id, after)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	writeStreamHeaders(w)
	flusher.Flush()

	for {
		next, cancel := context.WithTimeout(ctx, s.keepAlive)
		ev, err := sub.Next(next)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		default:
			return
		}

		if err := writeFrame(w, ev); err != nil {
			s.logger.WarnContext(ctx, "sse_write_failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
		flusher.Flush()
	}
}

func writeStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// writeFrame writes one event. Drop markers carry no sequence and so no
// id line, which leaves the client's resume cursor untouched.
func writeFrame(w io.Writer, ev api.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if ev.Sequence > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Sequence); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
