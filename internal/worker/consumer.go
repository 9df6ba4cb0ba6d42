package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/template-worker/internal/retry"
	"github.com/cuongbtq/template-worker/internal/worker/domain"
)

const receiveBackoffInitial = time.Second

// receiveLoop pulls batches from the source until ctx ends. Receive errors are
// retried with capped exponential backoff and never stop the loop.
func (w *Worker) receiveLoop(ctx context.Context) {
	w.logger.Info("Receive loop started",
		slog.String("worker_id", w.workerID),
		slog.Int("max_messages", w.receive.MaxMessages),
		slog.Duration("wait_time", w.receive.WaitTime),
	)

	initial := receiveBackoffInitial
	if w.receiveBackoffMax > 0 && w.receiveBackoffMax < initial {
		initial = w.receiveBackoffMax
	}
	b := retry.NewBackOff(initial, w.receiveBackoffMax)
	for {
		if ctx.Err() != nil {
			w.logger.Info("Receive loop stopped - context canceled")
			return
		}

		msgs, err := w.source.Receive(ctx, w.receive)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Receive loop stopped - context canceled")
				return
			}

			w.recorder.IncReceiveErrors()
			delay := b.NextBackOff()
			w.logger.Warn("Failed to receive messages, backing off",
				slog.Any("error", err),
				slog.Duration("delay", delay),
			)
			if !retry.Sleep(ctx, delay) {
				w.logger.Info("Receive loop stopped - context canceled")
				return
			}
			continue
		}
		b.Reset()

		if len(msgs) == 0 {
			w.logger.Debug("No messages received")
			continue
		}

		w.dispatch(ctx, msgs)
	}
}

// dispatch hands each message of a batch to its own pipeline goroutine once a
// permit is free. Messages not yet dispatched when ctx ends are requeued.
func (w *Worker) dispatch(ctx context.Context, msgs []*domain.JobMessage) {
	for i, msg := range msgs {
		job, err := domain.DecodeJob(msg.Body)
		if err != nil {
			w.logger.Error("Failed to decode job message",
				slog.Any("error", err),
				slog.String("body", truncate(string(msg.Body), 256)),
			)
			// NACK without requeue - malformed messages go to the DLQ
			if rejectErr := w.source.Reject(msg); rejectErr != nil {
				w.logger.Error("Failed to reject malformed message",
					slog.Any("error", rejectErr),
				)
			}
			continue
		}

		release, err := w.governor.Acquire(ctx)
		if err != nil {
			w.logger.Info("Dispatcher stopped while waiting for a build permit")
			w.requeue(msgs[i:])
			return
		}

		w.logger.Debug("Job dispatched",
			slog.String("job_id", job.ID),
			slog.Uint64("delivery_tag", msg.DeliveryTag),
			slog.Bool("redelivered", msg.Redelivered),
		)

		w.wg.Add(1)
		go func(msg *domain.JobMessage, job domain.Job) {
			defer w.wg.Done()
			defer release()
			w.handle(ctx, msg, job)
		}(msg, job)
	}
}

// handle runs the pipeline detached from the receive loop and settles the
// message. A message is deleted only after its terminal status was recorded.
func (w *Worker) handle(ctx context.Context, msg *domain.JobMessage, job domain.Job) {
	jobCtx, done := w.jobContext(ctx)
	defer done()
	outcome := w.pipeline.Run(jobCtx, job)

	if !outcome.Recorded {
		if err := w.source.Requeue(msg); err != nil {
			w.logger.Error("Failed to requeue message",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
		return
	}

	if err := w.source.Ack(msg); err != nil {
		// redelivery rebuilds the job; the result is the same
		w.logger.Error("Failed to ACK message",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Debug("Message acknowledged",
		slog.String("job_id", job.ID),
		slog.String("status", outcome.Status),
	)
}

func (w *Worker) requeue(msgs []*domain.JobMessage) {
	for _, msg := range msgs {
		if err := w.source.Requeue(msg); err != nil {
			w.logger.Error("Failed to requeue message on shutdown",
				slog.Uint64("delivery_tag", msg.DeliveryTag),
				slog.Any("error", err),
			)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
