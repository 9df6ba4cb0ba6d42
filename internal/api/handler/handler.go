package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/template-worker/internal/api/storage"
	"github.com/cuongbtq/template-worker/shared/database"
)

// JobPublisher enqueues build messages for the worker
type JobPublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	DBClient  *database.Client
	Publisher JobPublisher
}

// TemplateHandler handles template-related HTTP requests
type TemplateHandler struct {
	logger    *slog.Logger
	storage   *storage.Storage
	publisher JobPublisher
}

// NewTemplateHandler creates a new TemplateHandler instance
func NewTemplateHandler(deps *Dependencies) *TemplateHandler {
	return &TemplateHandler{
		logger:    deps.Logger,
		storage:   storage.NewStorage(deps.DBClient.GetDB()),
		publisher: deps.Publisher,
	}
}
