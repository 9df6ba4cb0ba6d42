package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/template-worker/internal/api/domain"
	"github.com/cuongbtq/template-worker/internal/api/model"
	"github.com/jmoiron/sqlx"
)

type Storage struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateTemplate registers an uploaded archive as a pending template
func (s *Storage) CreateTemplate(ctx context.Context, id, zipKey string) (*model.Template, error) {
	if _, err := s.GetTemplateByID(ctx, id); err == nil {
		return nil, domain.ErrTemplateExists
	} else if !errors.Is(err, domain.ErrTemplateNotFound) {
		return nil, err
	}

	now := s.now()
	tpl := &model.Template{
		ID:        id,
		ZipKey:    zipKey,
		Status:    domain.TemplateStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := s.db.Rebind(`
		INSERT INTO templates (id, zip_s3_key, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query, tpl.ID, tpl.ZipKey, tpl.Status, tpl.CreatedAt, tpl.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}

	return tpl, nil
}

func (s *Storage) GetTemplateByID(ctx context.Context, id string) (*model.Template, error) {
	var tpl model.Template
	query := s.db.Rebind(`
		SELECT id, zip_s3_key, status, preview_url, created_at, updated_at
		FROM templates
		WHERE id = ?
	`)

	err := s.db.GetContext(ctx, &tpl, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	return &tpl, nil
}

// ResetToPending moves a finished template back to pending so it is built
// again. Pending templates are left untouched and yield ErrNotTerminal.
func (s *Storage) ResetToPending(ctx context.Context, id string) (*model.Template, error) {
	query := s.db.Rebind(`
		UPDATE templates
		SET status = ?, preview_url = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`)

	result, err := s.db.ExecContext(ctx, query,
		domain.TemplateStatusPending, s.now(), id,
		domain.TemplateStatusReady, domain.TemplateStatusError,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reset template: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	tpl, err := s.GetTemplateByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return tpl, domain.ErrNotTerminal
	}
	return tpl, nil
}

type TemplateFilter struct {
	Status   string
	PageSize int
	Cursor   *TemplateCursor
}

type TemplateCursor struct {
	CreatedAt time.Time
	ID        string
}

func (s *Storage) ListTemplates(ctx context.Context, filter TemplateFilter) ([]model.Template, error) {
	query := `
        SELECT id, zip_s3_key, status, preview_url, created_at, updated_at
        FROM templates
        WHERE 1=1
    `
	args := []interface{}{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	if filter.Cursor != nil {
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.ID)
	}

	// Order by created_at DESC, id DESC for consistent pagination
	query += " ORDER BY created_at DESC, id DESC"

	// Fetch one extra to determine if there are more results
	query += " LIMIT ?"
	args = append(args, filter.PageSize+1)

	var templates []model.Template
	err := s.db.SelectContext(ctx, &templates, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	return templates, nil
}
