package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// client is one logical client of an interview, identified across
// reconnects by the id it sends on connect.
type client struct {
	id         string
	conn       *websocket.Conn
	machine    *ConnMachine
	reconnects int
}

// Hub tracks websocket clients per interview.
type Hub struct {
	policy ReconnectPolicy
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	clients map[string]map[string]*client
}

// NewHub creates a hub that forgets detached clients after policy.Window().
func NewHub(policy ReconnectPolicy, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		policy:  policy,
		logger:  logger,
		now:     time.Now,
		clients: make(map[string]map[string]*client),
	}
}

// Connect records a new socket for clientID. A detached client moves through
// reconnecting; a client that is still attached has its old socket closed.
// It returns how many times the client has reconnected.
func (h *Hub) Connect(interviewID, clientID string, conn *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if _, ok := h.clients[interviewID]; !ok {
		h.clients[interviewID] = make(map[string]*client)
	}
	c, ok := h.clients[interviewID][clientID]
	if !ok || c.machine.State() == StateClosed {
		c = &client{id: clientID, machine: NewConnMachine(now)}
		h.clients[interviewID][clientID] = c
	} else {
		if c.machine.State() == StateAttached {
			if c.conn != nil && c.conn != conn {
				_ = c.conn.Close(websocket.StatusNormalClosure, "session replaced")
			}
			_ = c.machine.Transition(StateDetached, now)
		}
		_ = c.machine.Transition(StateReconnecting, now)
		c.reconnects++
	}
	c.conn = conn
	h.logger.Info("Interview client connecting",
		"interview_id", interviewID,
		"client_id", clientID,
		"state", c.machine.State(),
		"reconnects", c.reconnects,
	)
	return c.reconnects
}

// Attached marks the client as attached once history has been sent.
func (h *Hub) Attached(interviewID, clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.lookup(interviewID, clientID)
	if c == nil || c.conn != conn {
		return
	}
	if err := c.machine.Transition(StateAttached, h.now()); err != nil {
		h.logger.Warn("Interview client state", "interview_id", interviewID, "client_id", clientID, "error", err)
		return
	}
	h.logger.Info("Interview client attached", "interview_id", interviewID, "client_id", clientID)
}

// Disconnect records that conn went away. final closes the client for good,
// otherwise it is kept as detached so it can reconnect.
func (h *Hub) Disconnect(interviewID, clientID string, conn *websocket.Conn, final bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.lookup(interviewID, clientID)
	if c == nil || c.conn != conn {
		return
	}
	c.conn = nil
	next := StateDetached
	if final || c.machine.State() != StateAttached {
		next = StateClosed
	}
	if err := c.machine.Transition(next, h.now()); err != nil {
		h.logger.Warn("Interview client state", "interview_id", interviewID, "client_id", clientID, "error", err)
		return
	}
	h.logger.Info("Interview client disconnected", "interview_id", interviewID, "client_id", clientID, "state", next)
	if next == StateClosed {
		h.remove(interviewID, clientID)
	}
}

// State returns the client's state.
func (h *Hub) State(interviewID, clientID string) (ConnState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.lookup(interviewID, clientID)
	if c == nil {
		return "", false
	}
	return c.machine.State(), true
}

// CloseInterview closes every socket attached to an interview and forgets
// its clients. It is called when the interview is evicted.
func (h *Hub) CloseInterview(interviewID, reason string) {
	h.mu.Lock()
	clients := h.clients[interviewID]
	delete(h.clients, interviewID)
	h.mu.Unlock()

	for id, c := range clients {
		if c.conn == nil {
			continue
		}
		if err := c.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
			h.logger.Debug("Failed to close interview client", "interview_id", interviewID, "client_id", id, "error", err)
		}
		h.logger.Info("Interview client closed", "interview_id", interviewID, "client_id", id, "reason", reason)
	}
}

// Expire closes clients detached for longer than the reconnect window.
func (h *Hub) Expire(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	window := h.policy.Window()
	n := 0
	for interviewID, clients := range h.clients {
		for id, c := range clients {
			if c.machine.State() != StateDetached || now.Sub(c.machine.Since()) < window {
				continue
			}
			_ = c.machine.Transition(StateClosed, now)
			h.remove(interviewID, id)
			n++
		}
	}
	return n
}

// Run expires detached clients until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	interval := h.policy.Window()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	h.logger.Info("Hub expiry worker started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			if n := h.Expire(h.now()); n > 0 {
				h.logger.Info("Hub expired detached clients", "count", n)
			}
		case <-ctx.Done():
			h.logger.Info("Hub expiry worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func (h *Hub) lookup(interviewID, clientID string) *client {
	if clients, ok := h.clients[interviewID]; ok {
		return clients[clientID]
	}
	return nil
}

func (h *Hub) remove(interviewID, clientID string) {
	if clients, ok := h.clients[interviewID]; ok {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(h.clients, interviewID)
		}
	}
}
