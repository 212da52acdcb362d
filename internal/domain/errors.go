package domain

import (
	"errors"
	"fmt"
	"time"
)

// Wire error codes carried in "error" frames and JSON error bodies.
const (
	CodeSessionNotFound = "session_not_found"
	CodeSessionClosed   = "session_closed"
	CodeValidation      = "validation_error"
	CodeStageNotReady   = "stage_not_ready"
	CodeAgentTimeout    = "agent_timeout"
	CodeUnknownPersona  = "unknown_persona"
	CodeInternal        = "internal_error"
)

var (
	// ErrSessionNotFound means the referenced interview id has no session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed means the session is completed or cancelled.
	ErrSessionClosed = errors.New("session closed")
)

// ValidationError rejects a malformed, empty, or oversized client message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// StageNotReadyError rejects a stage advance whose gate is not satisfied.
type StageNotReadyError struct {
	Stage    Stage
	Have     int
	Required int
	Terminal bool
	// AwaitingReply is set when a persona reply for the stage is in flight.
	AwaitingReply bool
}

func (e *StageNotReadyError) Error() string {
	if e.Terminal {
		if e.Stage.Terminal() {
			return fmt.Sprintf("stage %s is terminal", e.Stage)
		}
		return fmt.Sprintf("stage %s is the last stage: end the interview to move to feedback", e.Stage)
	}
	if e.AwaitingReply {
		return fmt.Sprintf("stage %s not ready: awaiting persona reply", e.Stage)
	}
	return fmt.Sprintf("stage %s not ready: %d of %d persona messages", e.Stage, e.Have, e.Required)
}

// AgentResponseTimeoutError reports that the agent responder did not answer
// within its budget. It is recoverable.
type AgentResponseTimeoutError struct {
	PersonaID string
	Attempts  int
	Elapsed   time.Duration
	Err       error
}

func (e *AgentResponseTimeoutError) Error() string {
	return fmt.Sprintf("agent %s did not respond after %d attempts (%s): %v", e.PersonaID, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *AgentResponseTimeoutError) Unwrap() error { return e.Err }

// UnknownPersonaError is a catalog/configuration error.
type UnknownPersonaError struct {
	PersonaID string
	Stage     Stage
}

func (e *UnknownPersonaError) Error() string {
	if e.PersonaID == "" {
		return fmt.Sprintf("no persona registered for stage %q", e.Stage)
	}
	return fmt.Sprintf("unknown persona %q", e.PersonaID)
}

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	var (
		validation *ValidationError
		notReady   *StageNotReadyError
		timeout    *AgentResponseTimeoutError
		unknown    *UnknownPersonaError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrSessionClosed):
		return CodeSessionClosed
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &notReady):
		return CodeStageNotReady
	case errors.As(err, &timeout):
		return CodeAgentTimeout
	case errors.As(err, &unknown):
		return CodeUnknownPersona
	default:
		return CodeInternal
	}
}
