package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/template-worker/internal/metrics"
	"github.com/cuongbtq/template-worker/internal/retry"
	"github.com/cuongbtq/template-worker/internal/workspace"
)

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	WorkerID          string
	Source            Source
	Pipeline          *Pipeline
	Governor          *Governor
	Pending           PendingLister
	Workspaces        *workspace.Manager
	Recorder          metrics.Recorder // optional
	Receive           ReceiveOptions
	ReceiveBackoffMax time.Duration
	ListPolicy        retry.Policy
	SkipRecovery      bool
}

// Worker represents the template build worker
type Worker struct {
	logger            *slog.Logger
	workerID          string
	source            Source
	pipeline          *Pipeline
	governor          *Governor
	pending           PendingLister
	workspaces        *workspace.Manager
	recorder          metrics.Recorder
	receive           ReceiveOptions
	receiveBackoffMax time.Duration
	listPolicy        retry.Policy
	skipRecovery      bool
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once

	// builds outlives the receive context; canceling it kills running builds
	builds      context.Context
	abortBuilds context.CancelFunc
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	builds, abortBuilds := context.WithCancel(context.Background())
	return &Worker{
		builds:            builds,
		abortBuilds:       abortBuilds,
		logger:            cfg.Logger.With(slog.String("worker_id", cfg.WorkerID)),
		workerID:          cfg.WorkerID,
		source:            cfg.Source,
		pipeline:          cfg.Pipeline,
		governor:          cfg.Governor,
		pending:           cfg.Pending,
		workspaces:        cfg.Workspaces,
		recorder:          recorder,
		receive:           cfg.Receive,
		receiveBackoffMax: cfg.ReceiveBackoffMax,
		listPolicy:        cfg.ListPolicy,
		skipRecovery:      cfg.SkipRecovery,
		stopChan:          make(chan struct{}),
	}
}

// Start sweeps leftover workspaces, recovers pending jobs and then receives
// until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.wg.Add(1)
	defer w.wg.Done()

	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.governor.Limit()),
		slog.Duration("visibility_timeout", w.receive.VisibilityTimeout),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if w.workspaces != nil {
		removed, err := w.workspaces.Sweep()
		if err != nil {
			w.logger.Warn("Failed to sweep stale workspaces", slog.Any("error", err))
		} else if removed > 0 {
			w.logger.Info("Removed stale workspaces", slog.Int("count", removed))
		}
	}

	if !w.skipRecovery && w.pending != nil {
		w.Recover(ctx)
	}

	w.receiveLoop(ctx)
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop halts the receive loop and waits for in-flight jobs to finish
func (w *Worker) Stop() {
	_ = w.Shutdown(context.Background())
}

// Shutdown halts the receive loop and waits for in-flight jobs. If ctx ends
// first, running builds are killed and their jobs are left pending and
// requeued; Shutdown then waits for them to unwind and returns ctx.Err().
func (w *Worker) Shutdown(ctx context.Context) error {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped")
		return nil
	case <-ctx.Done():
	}

	w.logger.Warn("Shutdown deadline reached, killing running builds",
		slog.Int("builds_in_flight", w.governor.InFlight()),
	)
	w.abortBuilds()
	<-done
	w.logger.Info("Worker stopped after aborting builds")
	return ctx.Err()
}

// jobContext detaches a job from the receive context so shutdown does not
// interrupt it, while still ending it when builds are aborted
func (w *Worker) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(w.builds, cancel)
	return jobCtx, func() {
		stop()
		cancel()
	}
}

// Governor returns the worker's permit pool
func (w *Worker) Governor() *Governor {
	return w.governor
}
