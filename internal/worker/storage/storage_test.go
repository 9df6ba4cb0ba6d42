package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuongbtq/template-worker/internal/worker/domain"
	"github.com/cuongbtq/template-worker/shared/database"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := database.NewClient(&database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "status.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.EnsureSchema(context.Background()))
	return client.GetDB()
}

func insertTemplate(t *testing.T, db *sqlx.DB, id, key, status string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO templates (id, zip_s3_key, status) VALUES (?, ?, ?)`, id, key, status)
	require.NoError(t, err)
}

func newTestStorage(t *testing.T) (*Storage, *sqlx.DB) {
	db := newTestDB(t)
	s := NewStorage(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, db
}

func TestStorage_MarkReady(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStorage(t)
	insertTemplate(t, db, "tpl1", "tpl1.zip", domain.JobStatusPending)

	require.NoError(t, s.MarkReady(ctx, "tpl1", "https://cdn/previews/tpl1/index.html?sig=1"))

	record, err := s.GetJobByID(ctx, "tpl1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusReady, record.Status)
	require.NotNil(t, record.PreviewURL)
	assert.Equal(t, "https://cdn/previews/tpl1/index.html?sig=1", *record.PreviewURL)

	// idempotent overwrite with a fresh URL
	require.NoError(t, s.MarkReady(ctx, "tpl1", "https://cdn/previews/tpl1/index.html?sig=2"))
	record, err = s.GetJobByID(ctx, "tpl1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/previews/tpl1/index.html?sig=2", *record.PreviewURL)
}

func TestStorage_MarkError(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStorage(t)
	insertTemplate(t, db, "tpl1", "tpl1.zip", domain.JobStatusPending)

	require.NoError(t, s.MarkReady(ctx, "tpl1", "https://cdn/x"))
	require.NoError(t, s.MarkError(ctx, "tpl1"))
	require.NoError(t, s.MarkError(ctx, "tpl1"))

	record, err := s.GetJobByID(ctx, "tpl1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusError, record.Status)
	assert.Nil(t, record.PreviewURL)
}

func TestStorage_UpdatesTimestamp(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStorage(t)
	insertTemplate(t, db, "tpl1", "tpl1.zip", domain.JobStatusPending)

	fixed := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.MarkError(ctx, "tpl1"))
	record, err := s.GetJobByID(ctx, "tpl1")
	require.NoError(t, err)
	assert.True(t, fixed.Equal(record.UpdatedAt), "got %s", record.UpdatedAt)
}

func TestStorage_UnknownJob(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	assert.ErrorIs(t, s.MarkReady(ctx, "missing", "https://cdn/x"), domain.ErrJobNotFound)
	assert.ErrorIs(t, s.MarkError(ctx, "missing"), domain.ErrJobNotFound)

	_, err := s.GetJobByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStorage_ListPending(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStorage(t)

	insertTemplate(t, db, "a", "a.zip", domain.JobStatusPending)
	insertTemplate(t, db, "b", "b.zip", domain.JobStatusReady)
	insertTemplate(t, db, "c", "", domain.JobStatusPending)
	insertTemplate(t, db, "d", "d.zip", domain.JobStatusError)
	insertTemplate(t, db, "e", "e.zip", domain.JobStatusPending)

	jobs, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Job{
		{ID: "a", SourceArchiveKey: "a.zip"},
		{ID: "e", SourceArchiveKey: "e.zip"},
	}, jobs)
}

func TestStorage_ListPending_Empty(t *testing.T) {
	s, _ := newTestStorage(t)

	jobs, err := s.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
