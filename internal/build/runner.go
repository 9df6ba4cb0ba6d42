package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cuongbtq/template-worker/internal/build"

// Command is one subprocess invocation
type Command struct {
	Phase   string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// Runner executes commands with a timeout and kills the whole process tree
// when it elapses
type Runner struct {
	terminator ProcessTerminator
	killGrace  time.Duration
	tailBytes  int
	env        []string
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewRunner creates a Runner. killGrace bounds how long Run waits for the
// process to exit after it was killed; tailBytes bounds captured output.
func NewRunner(terminator ProcessTerminator, killGrace time.Duration, tailBytes int, logger *slog.Logger) *Runner {
	if terminator == nil {
		terminator = NewProcessTerminator()
	}
	return &Runner{
		terminator: terminator,
		killGrace:  killGrace,
		tailBytes:  tailBytes,
		env:        []string{"CI=true", "NEXT_TELEMETRY_DISABLED=1"},
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
	}
}

// Run executes c and returns the tail of its combined output
func (r *Runner) Run(ctx context.Context, c Command) (string, error) {
	if len(c.Args) == 0 {
		return "", fmt.Errorf("empty %s command", c.Phase)
	}

	ctx, span := r.tracer.Start(ctx, "build."+c.Phase, trace.WithAttributes(
		attribute.String("build.phase", c.Phase),
		attribute.String("build.command", strings.Join(c.Args, " ")),
	))
	defer span.End()

	// a file, unlike a pipe, does not keep Wait blocked on descendants that
	// inherited the output descriptors
	logFile, err := os.CreateTemp("", "build-output-*.log")
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(logFile.Name())
	defer logFile.Close()

	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	r.terminator.Prepare(cmd)
	cmd.Cancel = func() error {
		return r.terminator.Terminate(cmd.Process)
	}
	cmd.WaitDelay = r.killGrace

	r.logger.Info("Running command",
		slog.String("phase", c.Phase),
		slog.String("command", strings.Join(c.Args, " ")),
		slog.Duration("timeout", c.Timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	// descendants that outlived a successful command are killed with the group
	if cmd.Process != nil {
		if err := r.terminator.Terminate(cmd.Process); err != nil {
			r.logger.Warn("Failed to terminate process group",
				slog.String("phase", c.Phase),
				slog.Any("error", err),
			)
		}
	}

	output := tail(logFile, r.tailBytes)

	switch {
	case runErr == nil:
		r.logger.Debug("Command finished",
			slog.String("phase", c.Phase),
			slog.Duration("elapsed", elapsed),
			slog.String("output", output),
		)
		return output, nil

	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		err := &TimeoutError{Phase: c.Phase, Args: c.Args, Timeout: c.Timeout, Output: output}
		r.logger.Error("Command timed out, process tree killed",
			slog.String("phase", c.Phase),
			slog.Duration("timeout", c.Timeout),
			slog.String("output", output),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return output, err

	case ctx.Err() != nil:
		span.SetStatus(codes.Error, "canceled")
		return output, fmt.Errorf("%s command canceled: %w", c.Phase, ctx.Err())
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	err = &CommandError{Phase: c.Phase, Args: c.Args, ExitCode: exitCode, Output: output, Err: runErr}
	r.logger.Error("Command failed",
		slog.String("phase", c.Phase),
		slog.Int("exit_code", exitCode),
		slog.Duration("elapsed", elapsed),
		slog.String("output", output),
	)
	span.SetAttributes(attribute.Int("build.exit_code", exitCode))
	span.RecordError(err)
	span.SetStatus(codes.Error, "command failed")
	return output, err
}

// tail returns at most n trailing bytes of f
func tail(f *os.File, n int) string {
	info, err := f.Stat()
	if err != nil {
		return ""
	}

	offset := int64(0)
	if n > 0 && info.Size() > int64(n) {
		offset = info.Size() - int64(n)
	}

	data, err := io.ReadAll(io.NewSectionReader(f, offset, info.Size()-offset))
	if err != nil {
		return ""
	}
	if offset > 0 {
		return "..." + string(data)
	}
	return string(data)
}
