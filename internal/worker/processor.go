package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/template-worker/internal/artifact"
	"github.com/cuongbtq/template-worker/internal/build"
	"github.com/cuongbtq/template-worker/internal/metrics"
	"github.com/cuongbtq/template-worker/internal/retry"
	"github.com/cuongbtq/template-worker/internal/worker/domain"
	"github.com/cuongbtq/template-worker/internal/workspace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cuongbtq/template-worker/internal/worker"

// Pipeline stages
const (
	StageFetch   = "fetch"
	StageDetect  = "detect"
	StageBuild   = "build"
	StagePublish = "publish"
	StagePresign = "presign"
	StageReport  = "report"
)

// Fetcher downloads and unpacks a source archive
type Fetcher interface {
	Fetch(ctx context.Context, key, archivePath, destDir string) (string, error)
}

// Builder turns a detected project into a directory of static assets
type Builder interface {
	Build(ctx context.Context, root string, d build.Descriptor) (string, error)
}

// Publisher uploads build output and signs preview URLs
type Publisher interface {
	Publish(ctx context.Context, localDir, prefix string) (artifact.Result, error)
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// StatusReporter records terminal job states
type StatusReporter interface {
	MarkReady(ctx context.Context, jobID, previewURL string) error
	MarkError(ctx context.Context, jobID string) error
}

// DeadLetterPublisher forwards failed jobs for inspection
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, body []byte, contentType string) error
}

// PanicError is a panic recovered inside a pipeline
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// PipelineConfig holds the pipeline's collaborators
type PipelineConfig struct {
	Logger        *slog.Logger
	Workspaces    *workspace.Manager
	Fetcher       Fetcher
	Builder       Builder
	Publisher     Publisher
	Reporter      StatusReporter
	DeadLetter    DeadLetterPublisher // optional
	Recorder      metrics.Recorder    // optional
	PreviewPrefix string
	PresignTTL    time.Duration
	ReportPolicy  retry.Policy
}

// Pipeline runs one job from archive to recorded status
type Pipeline struct {
	logger        *slog.Logger
	workspaces    *workspace.Manager
	fetcher       Fetcher
	builder       Builder
	publisher     Publisher
	reporter      StatusReporter
	deadLetter    DeadLetterPublisher
	recorder      metrics.Recorder
	previewPrefix string
	presignTTL    time.Duration
	reportPolicy  retry.Policy
	tracer        trace.Tracer
}

// NewPipeline creates a Pipeline
func NewPipeline(cfg *PipelineConfig) *Pipeline {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Pipeline{
		logger:        cfg.Logger,
		workspaces:    cfg.Workspaces,
		fetcher:       cfg.Fetcher,
		builder:       cfg.Builder,
		publisher:     cfg.Publisher,
		reporter:      cfg.Reporter,
		deadLetter:    cfg.DeadLetter,
		recorder:      recorder,
		previewPrefix: cfg.PreviewPrefix,
		presignTTL:    cfg.PresignTTL,
		reportPolicy:  cfg.ReportPolicy,
		tracer:        otel.Tracer(tracerName),
	}
}

// Outcome is the result of one pipeline attempt
type Outcome struct {
	Status     string // ready or error; pending when the attempt was aborted
	PreviewURL string
	Kind       domain.FailureKind
	Err        error
	// Recorded is false when the terminal status could not be written; the
	// message must then stay on the queue for another attempt.
	Recorded bool
}

// PreviewPrefix returns the object key prefix of a job's published site
func (p *Pipeline) PreviewPrefix(jobID string) string {
	return path.Join(p.previewPrefix, jobID)
}

// Run executes every stage for job and records exactly one terminal status.
// It never panics and never leaves the workspace behind. When ctx is canceled
// mid-attempt the job is left pending and the outcome is unrecorded.
func (p *Pipeline) Run(ctx context.Context, job domain.Job) (outcome Outcome) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.source_archive_key", job.SourceArchiveKey),
	))
	defer span.End()

	logger := p.logger.With(slog.String("job_id", job.ID))

	// a panic after the stages keeps whatever was already recorded
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Value: r, Stack: debug.Stack()}
			logger.Error("Job pipeline panicked",
				slog.Bool("recorded", outcome.Recorded),
				slog.Any("error", pe),
				slog.String("stack", string(pe.Stack)),
			)
			span.RecordError(pe)
			span.SetStatus(codes.Error, string(domain.FailureUnexpected))
			if outcome.Status == "" {
				outcome.Status = domain.JobStatusError
			}
			outcome.Kind = domain.FailureUnexpected
			outcome.Err = pe
		}
	}()

	logger.Info("Processing job",
		slog.String("source_archive_key", job.SourceArchiveKey),
	)

	previewURL, err := p.execute(ctx, job, logger)

	if err != nil && ctx.Err() != nil {
		logger.Warn("Job aborted, leaving it pending",
			slog.Any("error", err),
			slog.Duration("duration", time.Since(start)),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "aborted")
		return Outcome{Status: domain.JobStatusPending, Kind: domain.FailureInfrastructure, Err: err}
	}

	if err == nil {
		outcome = Outcome{Status: domain.JobStatusReady, PreviewURL: previewURL}
		outcome.Recorded = p.report(ctx, logger, func(ctx context.Context) error {
			return p.reporter.MarkReady(ctx, job.ID, previewURL)
		})
		p.recorder.IncJobOutcome(metrics.OutcomeReady, "")
		logger.Info("Job completed successfully",
			slog.String("preview_url", previewURL),
			slog.Duration("duration", time.Since(start)),
		)
	} else {
		kind := Classify(err)
		outcome = Outcome{Status: domain.JobStatusError, Kind: kind, Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))

		attrs := []any{
			slog.String("kind", string(kind)),
			slog.Any("error", err),
			slog.Duration("duration", time.Since(start)),
		}
		var (
			pe *PanicError
			ce *build.CommandError
			te *build.TimeoutError
		)
		switch {
		case errors.As(err, &pe):
			attrs = append(attrs, slog.String("stack", string(pe.Stack)))
		case errors.As(err, &ce):
			attrs = append(attrs, slog.String("output", ce.Output))
		case errors.As(err, &te):
			attrs = append(attrs, slog.String("output", te.Output))
		}
		logger.Error("Job failed", attrs...)

		outcome.Recorded = p.report(ctx, logger, func(ctx context.Context) error {
			return p.reporter.MarkError(ctx, job.ID)
		})
		if outcome.Recorded {
			p.forwardDeadLetter(ctx, job, logger)
		}
		p.recorder.IncJobOutcome(metrics.OutcomeError, string(kind))
	}

	span.SetAttributes(attribute.String("job.status", outcome.Status))
	p.recorder.ObserveJobDuration(time.Since(start))
	return outcome
}

// execute runs fetch to presign inside a fresh workspace
func (p *Pipeline) execute(ctx context.Context, job domain.Job, logger *slog.Logger) (previewURL string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	ws, err := p.workspaces.Create(job.ID)
	if err != nil {
		return "", domain.NewRetryableError(err)
	}
	defer func() {
		if cleanupErr := ws.Cleanup(); cleanupErr != nil {
			logger.Warn("Failed to remove workspace",
				slog.String("path", ws.Root),
				slog.Any("error", cleanupErr),
			)
		}
	}()

	var root string
	if err := p.stage(ctx, StageFetch, func(ctx context.Context) (err error) {
		root, err = p.fetcher.Fetch(ctx, job.SourceArchiveKey, ws.ArchivePath(), ws.SourceDir())
		return err
	}); err != nil {
		return "", err
	}

	var descriptor build.Descriptor
	_ = p.stage(ctx, StageDetect, func(ctx context.Context) error {
		descriptor = build.Detect(root, logger)
		return nil
	})
	logger.Info("Project detected",
		slog.String("variant", string(descriptor.Variant)),
		slog.String("output_guess", descriptor.OutputGuess),
	)

	var outputDir string
	if err := p.stage(ctx, StageBuild, func(ctx context.Context) (err error) {
		outputDir, err = p.builder.Build(ctx, root, descriptor)
		return err
	}); err != nil {
		return "", err
	}

	prefix := p.PreviewPrefix(job.ID)
	if err := p.stage(ctx, StagePublish, func(ctx context.Context) error {
		res, err := p.publisher.Publish(ctx, outputDir, prefix)
		if err != nil {
			return err
		}
		logger.Info("Build output published",
			slog.String("prefix", prefix),
			slog.Int("files", res.Files),
			slog.Int64("bytes", res.Bytes),
		)
		return nil
	}); err != nil {
		return "", err
	}

	if err := p.stage(ctx, StagePresign, func(ctx context.Context) (err error) {
		previewURL, err = p.publisher.Presign(ctx, path.Join(prefix, build.EntryDocument), p.presignTTL)
		return err
	}); err != nil {
		return "", err
	}

	return previewURL, nil
}

// stage runs fn inside its own span and records how long it took
func (p *Pipeline) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.recorder.ObserveStageDuration(name, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// report writes a terminal status with retries. A missing status record can
// never be written, so it counts as recorded and the message is settled.
func (p *Pipeline) report(ctx context.Context, logger *slog.Logger, write func(ctx context.Context) error) bool {
	start := time.Now()
	err := retry.Do(ctx, p.reportPolicy, func(err error) bool {
		return !errors.Is(err, domain.ErrJobNotFound)
	}, write)
	p.recorder.ObserveStageDuration(StageReport, time.Since(start))

	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrJobNotFound):
		logger.Warn("No status record for job, dropping result")
		return true
	default:
		logger.Error("Failed to record job status",
			slog.Any("error", err),
		)
		return false
	}
}

// forwardDeadLetter copies a failed job to the dead-letter queue. Failures
// are logged only; the status record already holds the outcome.
func (p *Pipeline) forwardDeadLetter(ctx context.Context, job domain.Job, logger *slog.Logger) {
	if p.deadLetter == nil {
		return
	}

	body, err := job.Encode()
	if err != nil {
		logger.Error("Failed to encode dead-letter message", slog.Any("error", err))
		return
	}

	if err := p.deadLetter.PublishDeadLetter(ctx, body, "application/json"); err != nil {
		logger.Warn("Failed to forward job to dead-letter queue", slog.Any("error", err))
		return
	}
	p.recorder.IncDeadLettered()
}

// Classify maps a pipeline error to its failure kind
func Classify(err error) domain.FailureKind {
	var (
		pe  *PanicError
		te  *build.TimeoutError
		ce  *build.CommandError
		rte *domain.RetryableError
	)

	switch {
	case errors.As(err, &pe):
		return domain.FailureUnexpected
	case errors.As(err, &te):
		return domain.FailureTimeout
	case errors.As(err, &ce), errors.Is(err, build.ErrMissingBuildScript):
		return domain.FailureBuild
	case errors.Is(err, build.ErrNoEntryDocument):
		return domain.FailureOutput
	case errors.Is(err, domain.ErrArchiveNotFound), errors.Is(err, domain.ErrCorruptArchive):
		return domain.FailureArchive
	case errors.As(err, &rte):
		return domain.FailureInfrastructure
	default:
		return domain.FailureUnexpected
	}
}
