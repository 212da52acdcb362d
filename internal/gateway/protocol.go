// Package gateway terminates interview client connections and maps wire
// frames to session operations.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/interview-live/internal/domain"
)

// Frame types.
const (
	FrameHistory      = "history"
	FrameError        = "error"
	FramePong         = "pong"
	FrameMessage      = "message"
	FrameNextStage    = "next_stage"
	FrameEndInterview = "end_interview"
	FramePing         = "ping"
)

// Codes used only by the gateway.
const (
	CodeBadFrame    = "bad_frame"
	CodeUnsupported = "unsupported"
	CodeBusy        = "busy"
)

// DecodeError rejects a client frame that cannot be dispatched.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadFrame, Message: message, Param: param}
}

// Frame is the server-to-client envelope.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// HistoryPayload is the data of a "history" frame.
type HistoryPayload struct {
	Messages []domain.Message `json:"messages"`
}

// ErrorPayload is the data of an "error" frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClientMessage carries a user utterance.
type ClientMessage struct {
	Content string `json:"content"`
}

// ClientNextStage requests a stage advance.
type ClientNextStage struct{}

// ClientEndInterview requests the end of the interview.
type ClientEndInterview struct{}

// ClientPing is answered with a pong frame.
type ClientPing struct{}

// DecodeClientFrame parses one client frame into one of the Client* types.
func DecodeClientFrame(data []byte) (any, error) {
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case FrameMessage:
		var msg ClientMessage
		if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
			return nil, badFrame("message.data is required", "data")
		}
		if err := json.Unmarshal(envelope.Data, &msg); err != nil {
			return nil, badFrame("invalid message frame", "data")
		}
		return msg, nil
	case FrameNextStage:
		return ClientNextStage{}, nil
	case FrameEndInterview:
		return ClientEndInterview{}, nil
	case FramePing:
		return ClientPing{}, nil
	default:
		return nil, &DecodeError{Code: CodeUnsupported, Message: "unsupported frame type", Param: typ}
	}
}

// ErrorFrame maps err to an "error" frame.
func ErrorFrame(err error) Frame {
	var de *DecodeError
	if errors.As(err, &de) {
		return Frame{Type: FrameError, Data: ErrorPayload{Code: de.Code, Message: de.Error()}}
	}
	return Frame{Type: FrameError, Data: ErrorPayload{Code: domain.ErrorCode(err), Message: err.Error()}}
}
