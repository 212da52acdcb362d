// Package store persists finished interviews for report generation.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashureev/interview-live/internal/assessment"
	"github.com/ashureev/interview-live/internal/domain"
)

// InterviewRecord is the archived final state of one interview.
type InterviewRecord struct {
	InterviewID string                     `json:"interviewId"`
	CandidateID string                     `json:"candidateId,omitempty"`
	Status      domain.Status              `json:"status"`
	Stage       domain.Stage               `json:"stage"`
	EndReason   string                     `json:"endReason,omitempty"`
	Messages    []domain.Message           `json:"messages"`
	Assessments []assessment.Snapshot      `json:"assessmentHistory"`
	Feedback    []assessment.FeedbackEvent `json:"feedbackHistory"`
	Summary     json.RawMessage            `json:"summary,omitempty"`
	CreatedAt   time.Time                  `json:"createdAt"`
	EndedAt     time.Time                  `json:"endedAt"`
	ArchivedAt  time.Time                  `json:"archivedAt"`
}

// InterviewListing is a lightweight row for listing a candidate's interviews.
type InterviewListing struct {
	InterviewID  string        `json:"interviewId"`
	Status       domain.Status `json:"status"`
	Stage        domain.Stage  `json:"stage"`
	MessageCount int           `json:"messageCount"`
	OverallScore float64       `json:"overallScore"`
	CreatedAt    time.Time     `json:"createdAt"`
	EndedAt      time.Time     `json:"endedAt"`
}

// Repository defines the interface for archiving interviews.
type Repository interface {
	// SaveInterview creates or replaces the archive row for rec.InterviewID.
	SaveInterview(ctx context.Context, rec *InterviewRecord) error

	// GetInterview returns the archived interview, or nil when none exists.
	GetInterview(ctx context.Context, interviewID string) (*InterviewRecord, error)

	// ListByCandidate returns a candidate's archived interviews, newest first.
	ListByCandidate(ctx context.Context, candidateID string, limit int) ([]InterviewListing, error)

	// PruneArchived removes archives older than retention.
	PruneArchived(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
