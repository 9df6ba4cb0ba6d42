package worker

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/cuongbtq/template-worker/internal/retry"
	"github.com/cuongbtq/template-worker/internal/worker/domain"
	"golang.org/x/sync/errgroup"
)

// PendingLister lists jobs whose status is still pending
type PendingLister interface {
	ListPending(ctx context.Context) ([]domain.Job, error)
}

// RecoveryResult summarizes one recovery scan
type RecoveryResult struct {
	Found    int
	Ready    int
	Failed   int
	Skipped  int // not started because shutdown began
	Deferred int // terminal status could not be recorded
}

// Recover rebuilds every job left pending by a previous process. Jobs share
// the governor with the receive loop and Recover returns once all of them
// finished. A listing failure is logged and yields an empty result.
func (w *Worker) Recover(ctx context.Context) RecoveryResult {
	var jobs []domain.Job
	err := retry.Do(ctx, w.listPolicy, nil, func(ctx context.Context) error {
		var err error
		jobs, err = w.pending.ListPending(ctx)
		return err
	})
	if err != nil {
		w.logger.Error("Failed to list pending jobs, skipping recovery",
			slog.Any("error", err),
		)
		return RecoveryResult{}
	}

	result := RecoveryResult{Found: len(jobs)}
	if len(jobs) == 0 {
		w.logger.Info("No pending jobs to recover")
		return result
	}

	w.logger.Info("Recovering pending jobs",
		slog.Int("count", len(jobs)),
	)

	var ready, failed, deferred atomic.Int64
	var g errgroup.Group
	started := 0
	for _, job := range jobs {
		release, err := w.governor.Acquire(ctx)
		if err != nil {
			w.logger.Info("Recovery interrupted by shutdown",
				slog.Int("remaining", len(jobs)-started),
			)
			break
		}
		started++

		job := job
		g.Go(func() error {
			defer release()
			jobCtx, done := w.jobContext(ctx)
			defer done()
			outcome := w.pipeline.Run(jobCtx, job)
			switch {
			case !outcome.Recorded:
				deferred.Add(1)
			case outcome.Status == domain.JobStatusReady:
				ready.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Ready = int(ready.Load())
	result.Failed = int(failed.Load())
	result.Deferred = int(deferred.Load())
	result.Skipped = len(jobs) - started
	w.recorder.IncRecoveredJobs(started)

	w.logger.Info("Recovery completed",
		slog.Int("found", result.Found),
		slog.Int("ready", result.Ready),
		slog.Int("failed", result.Failed),
		slog.Int("deferred", result.Deferred),
		slog.Int("skipped", result.Skipped),
	)

	return result
}
