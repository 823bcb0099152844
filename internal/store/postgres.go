package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"analysis-dispatch/internal/models"
)

// Store wraps pgxpool for the Supabase Postgres tables the job handlers touch.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveAnalysis inserts an analysis result. Re-running the same job is a no-op.
func (s *Store) SaveAnalysis(ctx context.Context, rec models.AnalysisRecord) error {
	params := nonNullJSON(rec.Parameters)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analyses (id, job_id, user_id, context_id, parameters, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (job_id) DO NOTHING
	`, uuid.New(), rec.JobID, rec.UserID, rec.ContextID, []byte(params), []byte(nonNullJSON(rec.Result)))
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// ListAnalyses returns the newest analyses for a user's context.
func (s *Store) ListAnalyses(ctx context.Context, userID, contextID string, limit int) ([]models.AnalysisRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, user_id, context_id, parameters, result, created_at
		FROM analyses
		WHERE user_id = $1 AND context_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, contextID, limit)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	var out []models.AnalysisRecord
	for rows.Next() {
		var (
			rec    models.AnalysisRecord
			id     uuid.UUID
			params []byte
			result []byte
		)
		if err := rows.Scan(&id, &rec.JobID, &rec.UserID, &rec.ContextID, &params, &result, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		rec.ID = id.String()
		rec.Parameters = json.RawMessage(params)
		rec.Result = json.RawMessage(result)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveRetrainingRun inserts a retraining outcome. Re-running the same job is a no-op.
func (s *Store) SaveRetrainingRun(ctx context.Context, run models.RetrainingRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO retraining_runs (id, job_id, user_id, context_id, model_version, metrics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (job_id) DO NOTHING
	`, uuid.New(), run.JobID, run.UserID, run.ContextID, run.ModelVersion, []byte(nonNullJSON(run.Metrics)))
	if err != nil {
		return fmt.Errorf("insert retraining run: %w", err)
	}
	return nil
}

// InsertNotification stores a notification and returns its id. When the job already
// produced one, the existing id is returned.
func (s *Store) InsertNotification(ctx context.Context, n models.Notification) (string, error) {
	id := uuid.New()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, job_id, user_id, kind, title, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (job_id) DO NOTHING
	`, id, n.JobID, n.UserID, n.Kind, n.Title, n.Body)
	if err != nil {
		return "", fmt.Errorf("insert notification: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return id.String(), nil
	}

	var existing uuid.UUID
	err = s.pool.QueryRow(ctx, `SELECT id FROM notifications WHERE job_id = $1`, n.JobID).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("notification for job %s vanished after conflict", n.JobID)
	}
	if err != nil {
		return "", fmt.Errorf("query notification: %w", err)
	}
	return existing.String(), nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_audit (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// ListAudit returns a job's audit trail, oldest first.
func (s *Store) ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM job_audit WHERE job_id = $1 ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var entry models.AuditLog
		var ts time.Time
		if err := rows.Scan(&entry.JobID, &entry.Event, &entry.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		entry.Recorded = ts
		out = append(out, entry)
	}
	return out, rows.Err()
}

func nonNullJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
