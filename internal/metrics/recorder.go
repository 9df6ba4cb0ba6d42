// Package metrics defines the worker's observability hooks.
package metrics

import "time"

// Outcome labels for finished jobs
const (
	OutcomeReady = "ready"
	OutcomeError = "error"
)

// Recorder receives worker measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveJobDuration(d time.Duration)
	IncJobOutcome(outcome, kind string) // kind is empty for ready jobs
	SetBuildsInFlight(n int)
	IncReceiveErrors()
	IncRecoveredJobs(n int)
	IncDeadLettered()
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured)
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveJobDuration(time.Duration)           {}
func (NoopRecorder) IncJobOutcome(string, string)               {}
func (NoopRecorder) SetBuildsInFlight(int)                      {}
func (NoopRecorder) IncReceiveErrors()                          {}
func (NoopRecorder) IncRecoveredJobs(int)                       {}
func (NoopRecorder) IncDeadLettered()                           {}
