package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/template-worker/internal/api/domain"
	"github.com/cuongbtq/template-worker/internal/api/dto"
	"github.com/cuongbtq/template-worker/internal/api/model"
	"github.com/cuongbtq/template-worker/internal/api/storage"
	workerdomain "github.com/cuongbtq/template-worker/internal/worker/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func toDTO(t *model.Template) dto.TemplateDTO {
	out := dto.TemplateDTO{
		TemplateID:       t.ID,
		SourceArchiveKey: t.ZipKey,
		Status:           t.Status,
		CreatedAt:        t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        t.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if t.PreviewURL.Valid {
		url := t.PreviewURL.String
		out.PreviewURL = &url
	}
	return out
}

// enqueue publishes the build message of a pending template
func (h *TemplateHandler) enqueue(ctx context.Context, t *model.Template) error {
	body, err := workerdomain.Job{ID: t.ID, SourceArchiveKey: t.ZipKey}.Encode()
	if err != nil {
		return err
	}
	return h.publisher.PublishWithRetry(ctx, body, "application/json")
}

// CreateTemplate handles POST /api/v1/templates
// Registers an uploaded archive and queues its build
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	var req dto.CreateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if req.TemplateID == "" {
		req.TemplateID = uuid.New().String()
	}
	if !workerdomain.ValidJobID(req.TemplateID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "template_id may only contain letters, digits, '-' and '_' (max 128)",
		})
		return
	}

	tpl, err := h.storage.CreateTemplate(c.Request.Context(), req.TemplateID, req.SourceArchiveKey)
	if err != nil {
		if errors.Is(err, domain.ErrTemplateExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "Template already exists",
			})
			return
		}
		h.logger.Error("Failed to create template", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create template",
		})
		return
	}

	if err := h.enqueue(c.Request.Context(), tpl); err != nil {
		h.logger.Error("Failed to enqueue template build",
			slog.String("template_id", tpl.ID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":    "Template registered but its build could not be queued; it will be built on the next worker restart",
			"template": toDTO(tpl),
		})
		return
	}

	h.logger.Info("Template build queued",
		slog.String("template_id", tpl.ID),
		slog.String("source_archive_key", tpl.ZipKey),
	)
	c.JSON(http.StatusAccepted, toDTO(tpl))
}

// GetTemplate handles GET /api/v1/templates/:template_id
// Returns the build status and preview URL of a template
func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	templateID := c.Param("template_id")
	if !workerdomain.ValidJobID(templateID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid template_id",
		})
		return
	}

	tpl, err := h.storage.GetTemplateByID(c.Request.Context(), templateID)
	if err != nil {
		if errors.Is(err, domain.ErrTemplateNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Template not found",
			})
			return
		}
		h.logger.Error("Failed to get template", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get template",
		})
		return
	}

	c.JSON(http.StatusOK, toDTO(tpl))
}

// ListTemplates handles GET /api/v1/templates
// Lists templates newest first with optional status filter and cursor pagination
func (h *TemplateHandler) ListTemplates(c *gin.Context) {
	var req dto.ListTemplatesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !domain.ValidStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "status must be one of pending, ready, error",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeTemplateCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	templates, err := h.storage.ListTemplates(c.Request.Context(), storage.TemplateFilter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list templates", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list templates",
		})
		return
	}

	hasMore := len(templates) > req.PageSize
	if hasMore {
		templates = templates[:req.PageSize]
	}

	resp := dto.ListTemplatesResponse{Templates: make([]dto.TemplateDTO, len(templates))}
	for i := range templates {
		resp.Templates[i] = toDTO(&templates[i])
	}

	if hasMore {
		last := templates[len(templates)-1]
		resp.NextCursor = EncodeTemplateCursor(&storage.TemplateCursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// ResubmitTemplate handles POST /api/v1/templates/:template_id/resubmit
// Queues a finished template for another build
func (h *TemplateHandler) ResubmitTemplate(c *gin.Context) {
	templateID := c.Param("template_id")
	if !workerdomain.ValidJobID(templateID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid template_id",
		})
		return
	}

	tpl, err := h.storage.ResetToPending(c.Request.Context(), templateID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTemplateNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Template not found",
			})
		case errors.Is(err, domain.ErrNotTerminal):
			c.JSON(http.StatusConflict, gin.H{
				"error":    "Template build is still pending",
				"template": toDTO(tpl),
			})
		default:
			h.logger.Error("Failed to resubmit template", slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to resubmit template",
			})
		}
		return
	}

	if err := h.enqueue(c.Request.Context(), tpl); err != nil {
		h.logger.Error("Failed to enqueue template build",
			slog.String("template_id", tpl.ID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":    "Template reset to pending but its build could not be queued; it will be built on the next worker restart",
			"template": toDTO(tpl),
		})
		return
	}

	h.logger.Info("Template resubmitted",
		slog.String("template_id", tpl.ID),
	)
	c.JSON(http.StatusAccepted, toDTO(tpl))
}
