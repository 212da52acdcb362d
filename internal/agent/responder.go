// Package agent routes interview turns to the active persona's responder.
package agent

import (
	"context"

	"github.com/ashureev/interview-live/internal/domain"
	"github.com/ashureev/interview-live/internal/persona"
)

// Role tags a transcript turn for the responder.
type Role string

const (
	RoleCandidate   Role = "candidate"
	RoleInterviewer Role = "interviewer"
	RoleSystem      Role = "system"
)

// Turn is one role-tagged line of the transcript sent to a responder.
type Turn struct {
	Role    Role   `json:"role"`
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

// Request is everything a responder needs to produce one persona turn.
type Request struct {
	InterviewID    string
	Persona        persona.Descriptor
	Stage          domain.Stage
	InitialContext string
	Transcript     []Turn
}

// Responder produces the next persona utterance for a transcript.
// Implementations must honor ctx cancellation.
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, req Request) (string, error)

// Respond calls f.
func (f ResponderFunc) Respond(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// BuildTranscript converts the message log into role-tagged turns, keeping at
// most the last maxTurns entries. maxTurns <= 0 keeps everything.
func BuildTranscript(catalog *persona.Catalog, messages []domain.Message, maxTurns int) []Turn {
	if maxTurns > 0 && len(messages) > maxTurns {
		messages = messages[len(messages)-maxTurns:]
	}
	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		t := Turn{Content: m.Content}
		switch m.SenderKind {
		case domain.SenderUser:
			t.Role = RoleCandidate
			t.Speaker = "Candidate"
		case domain.SenderPersona:
			t.Role = RoleInterviewer
			t.Speaker = m.PersonaID
			if d, err := catalog.Get(persona.ID(m.PersonaID)); err == nil {
				t.Speaker = d.DisplayName
			}
		default:
			t.Role = RoleSystem
			t.Speaker = "System"
		}
		turns = append(turns, t)
	}
	return turns
}
