package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/interview-live/internal/domain"
	"github.com/ashureev/interview-live/internal/identity"
	"github.com/ashureev/interview-live/internal/interview"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// StatusSessionNotFound closes a socket whose interview does not exist.
const StatusSessionNotFound websocket.StatusCode = 4404

const (
	readLimit    = 64 << 10
	writeTimeout = 10 * time.Second
	pendingOps   = 8
)

// WebSocketHandler serves /ws/interviews/{id}.
type WebSocketHandler struct {
	reg            *interview.Registry
	hub            *Hub
	allowedOrigins []string
	isDev          bool
	logger         *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(reg *interview.Registry, hub *Hub, allowedOrigins []string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		reg:            reg,
		hub:            hub,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		logger:         logger,
	}
}

// conn serializes writes to one socket.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for WebSocket upgrade. The interview
// must exist unless the request carries create=1.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	interviewID := chi.URLParam(r, "id")
	candidateID := identity.CandidateIDFromContext(r.Context())
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	logger := h.logger.With("interview_id", interviewID, "client_id", clientID)
	logger.Info("WebSocket connection request", "candidate_id", candidateID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(readLimit)
	c := &conn{ws: ws}

	sess, err := h.session(r, interviewID, candidateID)
	if err != nil && (sess == nil || !errors.Is(err, domain.ErrSessionClosed)) {
		logger.Warn("Interview not available", "error", err)
		_ = c.writeJSON(ErrorFrame(err))
		code := websocket.StatusPolicyViolation
		if errors.Is(err, domain.ErrSessionNotFound) {
			code = StatusSessionNotFound
		}
		_ = ws.Close(code, domain.ErrorCode(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := sess.Attach(ctx)
	if err != nil {
		_ = c.writeJSON(ErrorFrame(err))
		_ = ws.Close(websocket.StatusGoingAway, domain.ErrorCode(err))
		return
	}
	defer sub.Close()

	reconnects := h.hub.Connect(sess.ID(), clientID, ws)
	defer func() { h.hub.Disconnect(sess.ID(), clientID, ws, sess.Terminal()) }()

	if err := h.sendSnapshot(c, sub); err != nil {
		logger.Debug("Failed to send history", "error", err)
		_ = ws.Close(websocket.StatusInternalError, "history")
		return
	}
	h.hub.Attached(sess.ID(), clientID, ws)
	logger.Info("WebSocket attached", "reconnects", reconnects, "history", len(sub.History))

	var wg sync.WaitGroup
	wg.Add(2)
	q := newCommandQueue(c, sess, logger)

	go func() {
		defer wg.Done()
		q.run(ctx)
	}()

	// Session events -> socket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, c, sub)
	}()

	h.inputLoop(ctx, c, q, logger)
	close(q.frames)
	cancel()
	wg.Wait()

	if err := ws.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
		logger.Debug("Failed to close websocket", "error", err)
	}
	logger.Info("WebSocket connection ended", "interview_ended", sess.Terminal())
}

func (h *WebSocketHandler) session(r *http.Request, interviewID, candidateID string) (*interview.Session, error) {
	sess, err := h.reg.Get(interviewID)
	if err == nil {
		return sess, nil
	}
	if r.URL.Query().Get("create") != "1" {
		return nil, err
	}
	return h.reg.Open(r.Context(), interviewID, interview.OpenOptions{CandidateID: candidateID})
}

func (h *WebSocketHandler) sendSnapshot(c *conn, sub *interview.Subscription) error {
	if err := c.writeJSON(Frame{Type: FrameHistory, Data: HistoryPayload{Messages: sub.History}}); err != nil {
		return err
	}
	if err := c.writeJSON(Frame{Type: interview.EventStatus, Data: sub.Status}); err != nil {
		return err
	}
	if sub.Final != nil {
		return c.writeJSON(Frame{Type: interview.EventEnded, Data: *sub.Final})
	}
	return nil
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

// inputLoop reads client frames until the socket closes. Pings are answered
// directly; every other frame goes through q in the order it was read. An
// ended interview keeps the socket open read-only.
func (h *WebSocketHandler) inputLoop(ctx context.Context, c *conn, q *commandQueue, logger *slog.Logger) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("WebSocket closed by client")
			} else {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		frame, err := DecodeClientFrame(data)
		if err != nil {
			_ = c.writeJSON(ErrorFrame(err))
			continue
		}

		if _, ok := frame.(ClientPing); ok {
			if err := c.writeJSON(Frame{Type: FramePong, Data: struct{}{}}); err != nil {
				logger.Debug("Failed to send pong", "error", err)
			}
			continue
		}
		select {
		case q.frames <- frame:
		default:
			_ = c.writeJSON(ErrorFrame(&DecodeError{Code: CodeBusy, Message: "too many commands in flight"}))
		}
	}
}

// commandQueue hands one socket's commands to the session strictly in the
// order they were read. A message only has to be queued by the session
// before the next command runs, so next_stage sees it as awaiting a reply
// and end_interview never waits behind a pending reply.
type commandQueue struct {
	c      *conn
	sess   *interview.Session
	logger *slog.Logger

	frames chan any
	// One slot per message still waiting for its persona reply.
	replies chan struct{}
	wg      sync.WaitGroup
}

func newCommandQueue(c *conn, sess *interview.Session, logger *slog.Logger) *commandQueue {
	return &commandQueue{
		c:       c,
		sess:    sess,
		logger:  logger,
		frames:  make(chan any, pendingOps),
		replies: make(chan struct{}, pendingOps),
	}
}

// run executes commands until frames is closed, then waits for outstanding
// replies.
func (q *commandQueue) run(ctx context.Context) {
	defer q.wg.Wait()
	for frame := range q.frames {
		switch f := frame.(type) {
		case ClientMessage:
			q.submit(ctx, f.Content)
		case ClientNextStage:
			if _, err := q.sess.RequestStageAdvance(ctx); err != nil {
				q.fail(ctx, err)
			}
		case ClientEndInterview:
			if _, err := q.sess.RequestEnd(ctx, "ended by candidate"); err != nil {
				q.fail(ctx, err)
				continue
			}
			q.logger.Info("Interview ended by client")
		}
	}
}

func (q *commandQueue) submit(ctx context.Context, content string) {
	select {
	case q.replies <- struct{}{}:
	default:
		q.fail(ctx, &DecodeError{Code: CodeBusy, Message: "too many messages awaiting a reply"})
		return
	}
	pending, err := q.sess.Submit(ctx, content)
	if err != nil {
		<-q.replies
		q.fail(ctx, err)
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() { <-q.replies }()
		// A reply dropped because the interview ended is reported by interview_ended.
		if _, err := pending.Wait(ctx); err != nil && !errors.Is(err, domain.ErrSessionClosed) {
			q.fail(ctx, err)
		}
	}()
}

func (q *commandQueue) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if werr := q.c.writeJSON(ErrorFrame(err)); werr != nil {
		q.logger.Debug("Failed to send error frame", "error", werr)
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, c *conn, sub *interview.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				// Evicted or fell behind. The client reconnects and gets history.
				_ = c.ws.Close(websocket.StatusGoingAway, "resync")
				return
			}
			if err := c.writeJSON(ev); err != nil {
				h.logger.Debug("WebSocket write error", "error", err)
				return
			}
		}
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/interviews/{id}", h.ServeHTTP)
}
