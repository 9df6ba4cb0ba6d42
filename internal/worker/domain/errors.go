package domain

import "errors"

var (
	// ErrJobNotFound is returned when no status record exists for a job
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidMessage is returned when a queue message cannot be decoded into a job
	ErrInvalidMessage = errors.New("invalid job message")

	// ErrArchiveNotFound is returned when the source archive key does not exist
	ErrArchiveNotFound = errors.New("source archive not found")

	// ErrCorruptArchive is returned when the source archive cannot be extracted
	ErrCorruptArchive = errors.New("corrupt source archive")
)

// RetryableError wraps transient infrastructure errors that are worth retrying
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is or wraps a RetryableError
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// FailureKind classifies why a pipeline attempt ended in error
type FailureKind string

// Failure kinds
const (
	FailureArchive        FailureKind = "archive"
	FailureBuild          FailureKind = "build"
	FailureTimeout        FailureKind = "timeout"
	FailureOutput         FailureKind = "output"
	FailureInfrastructure FailureKind = "infrastructure"
	FailureUnexpected     FailureKind = "unexpected"
)
