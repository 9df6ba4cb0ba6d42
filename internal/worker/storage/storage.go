package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/template-worker/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Storage persists job status transitions in the templates table
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type templateRow struct {
	ID         string         `db:"id"`
	ZipKey     string         `db:"zip_s3_key"`
	Status     string         `db:"status"`
	PreviewURL sql.NullString `db:"preview_url"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// GetJobByID retrieves the status record of a job
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.StatusRecord, error) {
	query := s.db.Rebind(`
		SELECT id, zip_s3_key, status, preview_url, updated_at
		FROM templates
		WHERE id = ?
	`)

	var row templateRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	record := &domain.StatusRecord{
		ID:               row.ID,
		SourceArchiveKey: row.ZipKey,
		Status:           row.Status,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.PreviewURL.Valid {
		url := row.PreviewURL.String
		record.PreviewURL = &url
	}

	return record, nil
}

// MarkReady records a successful build with its preview URL. Repeated calls
// overwrite the previous terminal state.
func (s *Storage) MarkReady(ctx context.Context, jobID, previewURL string) error {
	return s.setStatus(ctx, jobID, domain.JobStatusReady, sql.NullString{String: previewURL, Valid: true})
}

// MarkError records a failed build and clears any preview URL
func (s *Storage) MarkError(ctx context.Context, jobID string) error {
	return s.setStatus(ctx, jobID, domain.JobStatusError, sql.NullString{})
}

func (s *Storage) setStatus(ctx context.Context, jobID, status string, previewURL sql.NullString) error {
	query := s.db.Rebind(`
		UPDATE templates
		SET status = ?,
		    preview_url = ?,
		    updated_at = ?
		WHERE id = ?
	`)

	result, err := s.db.ExecContext(ctx, query, status, previewURL, s.now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job status update - no rows affected",
			slog.String("job_id", jobID),
			slog.String("status", status),
		)
		return domain.ErrJobNotFound
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)

	return nil
}

// ListPending returns every job still pending that has an archive to build
func (s *Storage) ListPending(ctx context.Context) ([]domain.Job, error) {
	query := s.db.Rebind(`
		SELECT id, zip_s3_key
		FROM templates
		WHERE status = ? AND zip_s3_key <> ''
		ORDER BY created_at, id
	`)

	rows, err := s.db.QueryxContext(ctx, query, domain.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var job domain.Job
		if err := rows.Scan(&job.ID, &job.SourceArchiveKey); err != nil {
			return nil, fmt.Errorf("failed to scan pending job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending jobs: %w", err)
	}

	return jobs, nil
}
