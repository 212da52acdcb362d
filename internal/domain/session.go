// Package domain contains core domain types for the interview orchestrator.
package domain

import (
	"time"
)

// Stage is an interview phase. Stages are ordered and only move forward.
type Stage string

const (
	StageTechnical  Stage = "technical"
	StageHR         Stage = "hr"
	StageBehavioral Stage = "behavioral"
	StageFeedback   Stage = "feedback"
)

// Stages lists every stage in interview order. StageFeedback is terminal.
var Stages = []Stage{StageTechnical, StageHR, StageBehavioral, StageFeedback}

// Index returns the position of s in Stages, or -1 for an unknown stage.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Terminal reports whether no further stage follows s.
func (s Stage) Terminal() bool {
	return s == StageFeedback
}

// Status is the lifecycle status of an interview session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the session no longer accepts mutations.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// SenderKind identifies who authored a message.
type SenderKind string

const (
	SenderUser    SenderKind = "user"
	SenderPersona SenderKind = "persona"
	SenderSystem  SenderKind = "system"
)

// Message is a single immutable entry in the interview transcript.
// IDs start at 1 and are gapless within a session.
type Message struct {
	ID         int64      `json:"id"`
	SenderKind SenderKind `json:"senderKind"`
	PersonaID  string     `json:"personaId,omitempty"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
}

// SessionView is a read-only snapshot of a session's live state.
type SessionView struct {
	ID              string    `json:"id"`
	CandidateID     string    `json:"candidateId,omitempty"`
	Status          Status    `json:"status"`
	Stage           Stage     `json:"stage"`
	ActivePersonaID string    `json:"activePersonaId,omitempty"`
	Messages        []Message `json:"messages"`
	CreatedAt       time.Time `json:"createdAt"`
	EndedAt         time.Time `json:"endedAt,omitzero"`
}
