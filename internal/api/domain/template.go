package domain

import (
	"errors"

	workerdomain "github.com/cuongbtq/template-worker/internal/worker/domain"
)

// Template statuses mirror the worker's job statuses
const (
	TemplateStatusPending = workerdomain.JobStatusPending
	TemplateStatusReady   = workerdomain.JobStatusReady
	TemplateStatusError   = workerdomain.JobStatusError
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateExists   = errors.New("template already exists")
	ErrNotTerminal      = errors.New("template build is still pending")
)

// ValidStatus reports whether s is a known template status
func ValidStatus(s string) bool {
	switch s {
	case TemplateStatusPending, TemplateStatusReady, TemplateStatusError:
		return true
	}
	return false
}
