package dto

type CreateTemplateRequest struct {
	TemplateID       string `json:"template_id"`
	SourceArchiveKey string `json:"source_archive_key" binding:"required"`
}

type ListTemplatesRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListTemplatesResponse struct {
	Templates  []TemplateDTO `json:"templates"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type TemplateDTO struct {
	TemplateID       string  `json:"template_id"`
	SourceArchiveKey string  `json:"source_archive_key"`
	Status           string  `json:"status"`
	PreviewURL       *string `json:"preview_url"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}
