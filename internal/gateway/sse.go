package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/interview-live/internal/domain"
	"github.com/ashureev/interview-live/internal/interview"
	"github.com/go-chi/chi/v5"
)

const (
	defaultKeepalive  = 15 * time.Second
	defaultRetryDelay = 3 * time.Second
)

// StreamHandler serves the read-only observer stream
// GET /api/interviews/{id}/events as server-sent events.
type StreamHandler struct {
	reg        *interview.Registry
	keepalive  time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewStreamHandler creates an observer stream handler. retryDelay is
// advertised to EventSource clients.
func NewStreamHandler(reg *interview.Registry, retryDelay time.Duration, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &StreamHandler{
		reg:        reg,
		keepalive:  defaultKeepalive,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// ServeHTTP streams history and then live events. Message events carry the
// message id as the SSE id, so a reconnect with Last-Event-ID replays only
// the messages after it.
//
//nolint:gocognit // SSE lifecycle handling intentionally keeps branches together.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	interviewID := chi.URLParam(r, "id")
	sess, err := h.reg.Get(interviewID)
	if err != nil {
		http.Error(w, `{"error": "interview not found"}`, http.StatusNotFound)
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil && parsed > 0 {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	sub, err := sess.Attach(r.Context())
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, domain.ErrSessionClosed) {
			status = http.StatusGone
		}
		http.Error(w, `{"error": "interview unavailable"}`, status)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.retryDelay.Milliseconds()); err != nil {
		return
	}

	if err := h.replay(w, sub, lastEventID); err != nil {
		h.logger.Warn("Failed to write SSE replay", "error", err, "interview_id", interviewID)
		return
	}
	flusher.Flush()
	h.logger.Info("Observer stream connected", "interview_id", interviewID, "last_event_id", lastEventID)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("Observer stream disconnected", "interview_id", interviewID)
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev.Type, ev); err != nil {
				h.logger.Warn("Failed to write SSE event", "error", err, "interview_id", interviewID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *StreamHandler) replay(w io.Writer, sub *interview.Subscription, lastEventID int64) error {
	if lastEventID == 0 {
		data, err := json.Marshal(Frame{Type: FrameHistory, Data: HistoryPayload{Messages: sub.History}})
		if err != nil {
			return err
		}
		if err := writeSSE(w, FrameHistory, string(data)); err != nil {
			return err
		}
	} else {
		for _, m := range sub.History {
			if m.ID <= lastEventID {
				continue
			}
			if err := writeEvent(w, interview.EventMessage, interview.Event{Type: interview.EventMessage, Data: m}); err != nil {
				return err
			}
		}
	}
	if err := writeEvent(w, interview.EventStatus, interview.Event{Type: interview.EventStatus, Data: sub.Status}); err != nil {
		return err
	}
	if sub.Final != nil {
		return writeEvent(w, interview.EventEnded, interview.Event{Type: interview.EventEnded, Data: *sub.Final})
	}
	return nil
}

// writeEvent writes ev, using the message id as the SSE id for messages.
func writeEvent(w io.Writer, name string, ev interview.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if m, ok := ev.Data.(domain.Message); ok {
		return writeSSEWithID(w, m.ID, name, string(data))
	}
	return writeSSE(w, name, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

// RegisterRoutes mounts the observer stream.
func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/interviews/{id}/events", h.ServeHTTP)
}
