package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/template-worker/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Governor caps the number of pipelines running at once. Every pipeline,
// whether started from the queue or by recovery, holds one permit.
type Governor struct {
	sem      *semaphore.Weighted
	limit    int
	inFlight atomic.Int64
	peak     atomic.Int64
	recorder metrics.Recorder
}

// NewGovernor creates a Governor with limit permits
func NewGovernor(limit int, recorder metrics.Recorder) *Governor {
	if limit < 1 {
		limit = 1
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Governor{
		sem:      semaphore.NewWeighted(int64(limit)),
		limit:    limit,
		recorder: recorder,
	}
}

// Acquire blocks until a permit is free or ctx ends. The returned release is
// safe to call more than once.
func (g *Governor) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire build permit: %w", err)
	}

	n := g.inFlight.Add(1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	g.recorder.SetBuildsInFlight(int(n))

	var once sync.Once
	return func() {
		once.Do(func() {
			n := g.inFlight.Add(-1)
			g.recorder.SetBuildsInFlight(int(n))
			g.sem.Release(1)
		})
	}, nil
}

// Limit returns the permit count
func (g *Governor) Limit() int {
	return g.limit
}

// InFlight returns the number of permits currently held
func (g *Governor) InFlight() int {
	return int(g.inFlight.Load())
}

// Peak returns the highest number of permits ever held at once
func (g *Governor) Peak() int {
	return int(g.peak.Load())
}
