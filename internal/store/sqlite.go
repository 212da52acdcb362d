package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/interview-live/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if dbPath == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS interviews (
		interview_id TEXT PRIMARY KEY,
		candidate_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		stage TEXT NOT NULL,
		end_reason TEXT NOT NULL DEFAULT '',
		messages_json TEXT NOT NULL,
		assessments_json TEXT NOT NULL,
		feedback_json TEXT NOT NULL,
		summary_json TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		overall_score REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		archived_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interviews_candidate ON interviews(candidate_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_interviews_archived ON interviews(archived_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveInterview upserts rec. ArchivedAt is set to now when zero.
func (s *SQLiteStore) SaveInterview(ctx context.Context, rec *InterviewRecord) error {
	if rec == nil || rec.InterviewID == "" {
		return errors.New("save interview: missing interview id")
	}
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now().UTC()
	}

	messages, err := marshalList(rec.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	assessments, err := marshalList(rec.Assessments)
	if err != nil {
		return fmt.Errorf("encode assessments: %w", err)
	}
	feedback, err := marshalList(rec.Feedback)
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}
	var summary any
	if len(rec.Summary) > 0 {
		summary = string(rec.Summary)
	}
	overall := 0.0
	if n := len(rec.Assessments); n > 0 {
		overall = rec.Assessments[n-1].Overall
	}

	query := `
	INSERT INTO interviews (
		interview_id, candidate_id, status, stage, end_reason,
		messages_json, assessments_json, feedback_json, summary_json,
		message_count, overall_score, created_at, ended_at, archived_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(interview_id) DO UPDATE SET
		status = excluded.status,
		stage = excluded.stage,
		end_reason = excluded.end_reason,
		messages_json = excluded.messages_json,
		assessments_json = excluded.assessments_json,
		feedback_json = excluded.feedback_json,
		summary_json = excluded.summary_json,
		message_count = excluded.message_count,
		overall_score = excluded.overall_score,
		ended_at = excluded.ended_at,
		archived_at = excluded.archived_at`

	return withBusyRetry(ctx, "save interview "+rec.InterviewID, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, err := s.db.ExecContext(ctx, query,
			rec.InterviewID, rec.CandidateID, string(rec.Status), string(rec.Stage), rec.EndReason,
			messages, assessments, feedback, summary,
			len(rec.Messages), overall,
			rec.CreatedAt.UnixMilli(), rec.EndedAt.UnixMilli(), rec.ArchivedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert interview: %w", err)
		}
		return nil
	})
}

// GetInterview retrieves an archived interview.
func (s *SQLiteStore) GetInterview(ctx context.Context, interviewID string) (*InterviewRecord, error) {
	query := `
		SELECT interview_id, candidate_id, status, stage, end_reason,
		       messages_json, assessments_json, feedback_json, summary_json,
		       created_at, ended_at, archived_at
		FROM interviews WHERE interview_id = ?`

	row := s.db.QueryRowContext(ctx, query, interviewID)

	var (
		rec                             InterviewRecord
		status, stage                   string
		messages, assessments, feedback string
		summary                         sql.NullString
		createdAt, endedAt, archivedAt  int64
	)
	err := row.Scan(
		&rec.InterviewID, &rec.CandidateID, &status, &stage, &rec.EndReason,
		&messages, &assessments, &feedback, &summary,
		&createdAt, &endedAt, &archivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan interview row: %w", err)
	}

	rec.Status = domain.Status(status)
	rec.Stage = domain.Stage(stage)
	if err := json.Unmarshal([]byte(messages), &rec.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if err := json.Unmarshal([]byte(assessments), &rec.Assessments); err != nil {
		return nil, fmt.Errorf("decode assessments: %w", err)
	}
	if err := json.Unmarshal([]byte(feedback), &rec.Feedback); err != nil {
		return nil, fmt.Errorf("decode feedback: %w", err)
	}
	if summary.Valid {
		rec.Summary = json.RawMessage(summary.String)
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.EndedAt = time.UnixMilli(endedAt).UTC()
	rec.ArchivedAt = time.UnixMilli(archivedAt).UTC()

	return &rec, nil
}

// ListByCandidate returns a candidate's archived interviews, newest first.
func (s *SQLiteStore) ListByCandidate(ctx context.Context, candidateID string, limit int) ([]InterviewListing, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT interview_id, status, stage, message_count, overall_score, created_at, ended_at
		FROM interviews WHERE candidate_id = ?
		ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, candidateID, limit)
	if err != nil {
		return nil, fmt.Errorf("query candidate interviews: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close candidate interview rows", "error", closeErr)
		}
	}()

	var out []InterviewListing
	for rows.Next() {
		var (
			l                  InterviewListing
			status, stage      string
			createdAt, endedAt int64
		)
		if err := rows.Scan(&l.InterviewID, &status, &stage, &l.MessageCount, &l.OverallScore, &createdAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan candidate interview row: %w", err)
		}
		l.Status = domain.Status(status)
		l.Stage = domain.Stage(stage)
		l.CreatedAt = time.UnixMilli(createdAt).UTC()
		l.EndedAt = time.UnixMilli(endedAt).UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidate interviews: %w", err)
	}
	return out, nil
}

// PruneArchived removes archives older than retention.
func (s *SQLiteStore) PruneArchived(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	var n int64
	err := withBusyRetry(ctx, "prune archived interviews", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		result, err := s.db.ExecContext(ctx, `DELETE FROM interviews WHERE archived_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("prune archived interviews: %w", err)
		}
		n, err = result.RowsAffected()
		return err
	})
	return n, err
}

// withBusyRetry retries op with exponential backoff while SQLite reports
// lock contention: 100ms, 200ms, then gives up.
func withBusyRetry(ctx context.Context, what string, op func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isSQLiteConflict(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// isSQLiteConflict reports SQLITE_BUSY and "database is locked" errors.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func marshalList[T any](items []T) (string, error) {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
