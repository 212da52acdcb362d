package interview

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashureev/interview-live/internal/store"
)

const archiveTimeout = 10 * time.Second

// Archive is the subset of store.Repository the registry uses.
type Archive interface {
	SaveInterview(ctx context.Context, rec *store.InterviewRecord) error
	GetInterview(ctx context.Context, interviewID string) (*store.InterviewRecord, error)
	PruneArchived(ctx context.Context, retention time.Duration) (int64, error)
}

func recordFromState(st State, reason string) *store.InterviewRecord {
	rec := &store.InterviewRecord{
		InterviewID: st.InterviewID,
		CandidateID: st.CandidateID,
		Status:      st.Status,
		Stage:       st.Stage,
		EndReason:   reason,
		Messages:    st.Messages,
		Assessments: st.AssessmentHistory,
		Feedback:    st.FeedbackHistory,
		CreatedAt:   st.CreatedAt,
		EndedAt:     st.EndedAt,
	}
	if st.Summary != nil {
		if raw, err := json.Marshal(st.Summary); err == nil {
			rec.Summary = raw
		}
	}
	return rec
}

func stateFromRecord(rec *store.InterviewRecord) State {
	st := State{
		InterviewID:       rec.InterviewID,
		CandidateID:       rec.CandidateID,
		Status:            rec.Status,
		Stage:             rec.Stage,
		Messages:          rec.Messages,
		AssessmentHistory: rec.Assessments,
		FeedbackHistory:   rec.Feedback,
		CreatedAt:         rec.CreatedAt,
		EndedAt:           rec.EndedAt,
		Archived:          true,
	}
	if len(rec.Summary) > 0 {
		var sum Summary
		if err := json.Unmarshal(rec.Summary, &sum); err == nil {
			st.Summary = &sum
		}
	}
	return st
}

// archiveAsync saves rec without blocking the session actor. Registry.Close
// waits for pending saves.
func (e *env) archiveAsync(rec *store.InterviewRecord) {
	if e.archive == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		rec.ArchivedAt = e.now()
		if err := e.archive.SaveInterview(ctx, rec); err != nil {
			e.logger.Error("[SESSION] failed to archive interview", "interview_id", rec.InterviewID, "error", err)
			return
		}
		e.logger.Info("[SESSION] interview archived", "interview_id", rec.InterviewID, "status", rec.Status)
	}()
}
