package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConnState is the lifecycle of one client connection across reconnects.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateAttached     ConnState = "attached"
	StateDetached     ConnState = "detached"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

var legalTransitions = map[ConnState][]ConnState{
	StateConnecting:   {StateAttached, StateClosed},
	StateAttached:     {StateDetached, StateClosed},
	StateDetached:     {StateReconnecting, StateClosed},
	StateReconnecting: {StateAttached, StateClosed},
	StateClosed:       nil,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to ConnState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError rejects an illegal state change.
type TransitionError struct {
	From ConnState
	To   ConnState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal connection transition %s -> %s", e.From, e.To)
}

// ConnMachine tracks the state of one client connection. It is not safe for
// concurrent use; the Hub guards it.
type ConnMachine struct {
	state   ConnState
	since   time.Time
	history []ConnState
}

// NewConnMachine starts in StateConnecting.
func NewConnMachine(now time.Time) *ConnMachine {
	return &ConnMachine{state: StateConnecting, since: now, history: []ConnState{StateConnecting}}
}

// State returns the current state.
func (m *ConnMachine) State() ConnState { return m.state }

// Since returns when the current state was entered.
func (m *ConnMachine) Since() time.Time { return m.since }

// History returns every state visited, in order.
func (m *ConnMachine) History() []ConnState {
	out := make([]ConnState, len(m.history))
	copy(out, m.history)
	return out
}

// Transition moves to next or returns a *TransitionError.
func (m *ConnMachine) Transition(next ConnState, now time.Time) error {
	if !CanTransition(m.state, next) {
		return &TransitionError{From: m.state, To: next}
	}
	m.state = next
	m.since = now
	m.history = append(m.history, next)
	return nil
}

// ReconnectPolicy is the client's retry schedule. The server advertises it
// and uses it to forget detached clients.
type ReconnectPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// MarshalJSON renders the policy for clients with the backoff in milliseconds.
func (p ReconnectPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		MaxAttempts int   `json:"maxAttempts"`
		BackoffMs   int64 `json:"backoffMs"`
	}{p.MaxAttempts, p.Backoff.Milliseconds()})
}

// DefaultReconnectPolicy is 5 attempts 3 seconds apart.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: 5, Backoff: 3 * time.Second}
}

// Next returns the delay before attempt (1-based) and false once attempts
// are exhausted.
func (p ReconnectPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}
	return p.Backoff, true
}

// Window is how long a client may keep retrying.
func (p ReconnectPolicy) Window() time.Duration {
	return time.Duration(p.MaxAttempts) * p.Backoff
}
