package build

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoEntryDocument is returned when no output directory holds index.html
	ErrNoEntryDocument = errors.New("no entry document found in build output")

	// ErrMissingBuildScript is returned when a bundler project has no build script
	ErrMissingBuildScript = errors.New("manifest has no build script")
)

// CommandError is a subprocess that exited unsuccessfully
type CommandError struct {
	Phase    string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s command %q exited with code %d", e.Phase, e.Args, e.ExitCode)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// TimeoutError is a subprocess killed after exceeding its phase timeout
type TimeoutError struct {
	Phase   string
	Args    []string
	Timeout time.Duration
	Output  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s command %q timed out after %s", e.Phase, e.Args, e.Timeout)
}
