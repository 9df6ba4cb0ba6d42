package domain

// Job status values stored in the templates table
const (
	JobStatusPending = "pending"
	JobStatusReady   = "ready"
	JobStatusError   = "error"
)

// IsTerminal reports whether status is ready or error
func IsTerminal(status string) bool {
	return status == JobStatusReady || status == JobStatusError
}
