package interview

import (
	"time"

	"github.com/ashureev/interview-live/internal/assessment"
	"github.com/ashureev/interview-live/internal/domain"
)

// Event types emitted by a session.
const (
	EventMessage    = "message"
	EventStatus     = "status"
	EventNewStage   = "new_stage"
	EventAssessment = "assessment"
	EventFeedback   = "feedback"
	EventEnded      = "interview_ended"
)

// Event is one session-originated notification. Its JSON form is the wire
// frame sent to attached connections.
type Event struct {
	Seq  int64  `json:"-"`
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StatusPayload is the data of a "status" event.
type StatusPayload struct {
	InterviewID     string        `json:"interviewId"`
	Status          domain.Status `json:"status"`
	Stage           domain.Stage  `json:"stage"`
	ActivePersonaID string        `json:"activePersonaId,omitempty"`
	Progress        float64       `json:"progress"`
	PersonaTurns    int           `json:"personaTurns"`
	Threshold       int           `json:"threshold"`
	CanAdvance      bool          `json:"canAdvance"`
}

// StagePayload is the data of a "new_stage" event. Message is the new
// persona's welcome.
type StagePayload struct {
	Message     domain.Message `json:"message"`
	Stage       domain.Stage   `json:"stage"`
	PersonaID   string         `json:"personaId"`
	PersonaName string         `json:"personaName"`
	Progress    float64        `json:"progress"`
}

// AssessmentPayload is the data of an "assessment" event.
type AssessmentPayload struct {
	Overall    float64                     `json:"overall"`
	Trend      assessment.Trend            `json:"trend"`
	Scores     []assessment.DimensionScore `json:"scores"`
	Engagement float64                     `json:"engagement"`
	Timestamp  time.Time                   `json:"timestamp"`
}

// Summary condenses a finished interview.
type Summary struct {
	OverallScore    float64                     `json:"overallScore"`
	Trend           assessment.Trend            `json:"trend"`
	Scores          []assessment.DimensionScore `json:"scores"`
	Progress        float64                     `json:"progress"`
	MessageCount    int                         `json:"messageCount"`
	UserMessages    int                         `json:"userMessages"`
	PersonaMessages int                         `json:"personaMessages"`
	FeedbackCount   int                         `json:"feedbackCount"`
}

// FinalState is the data of an "interview_ended" event and the result of
// RequestEnd.
type FinalState struct {
	InterviewID string        `json:"interviewId"`
	FinalStatus domain.Status `json:"finalStatus"`
	Stage       domain.Stage  `json:"stage"`
	Reason      string        `json:"reason,omitempty"`
	EndedAt     time.Time     `json:"endedAt"`
	Summary     *Summary      `json:"summary,omitempty"`
}

// State is the full read-only view handed to report generation.
type State struct {
	InterviewID       string                     `json:"interviewId"`
	CandidateID       string                     `json:"candidateId,omitempty"`
	Status            domain.Status              `json:"status"`
	Stage             domain.Stage               `json:"stage"`
	ActivePersonaID   string                     `json:"activePersonaId,omitempty"`
	Messages          []domain.Message           `json:"messages"`
	AssessmentHistory []assessment.Snapshot      `json:"assessmentHistory"`
	FeedbackHistory   []assessment.FeedbackEvent `json:"feedbackHistory"`
	Summary           *Summary                   `json:"summary,omitempty"`
	CreatedAt         time.Time                  `json:"createdAt"`
	EndedAt           time.Time                  `json:"endedAt,omitzero"`
	Archived          bool                       `json:"archived,omitempty"`
}
