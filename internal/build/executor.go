// Package build classifies uploaded projects and turns them into static
// sites ready to publish.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Build phases
const (
	PhaseInstall = "install"
	PhaseBuild   = "build"
	PhaseExport  = "export"
)

// Tools names the package manager binaries
type Tools struct {
	NPM  string
	NPX  string
	Yarn string
	PNPM string
}

// DefaultTools resolves binaries from PATH
func DefaultTools() Tools {
	return Tools{NPM: "npm", NPX: "npx", Yarn: "yarn", PNPM: "pnpm"}
}

// Timeouts bounds each phase
type Timeouts struct {
	Install time.Duration
	Build   time.Duration
	Export  time.Duration
}

// CommandRunner runs one subprocess
type CommandRunner interface {
	Run(ctx context.Context, c Command) (string, error)
}

// Executor runs the install and build chain for a detected project
type Executor struct {
	runner   CommandRunner
	tools    Tools
	timeouts Timeouts
	logger   *slog.Logger
}

// NewExecutor creates an Executor
func NewExecutor(runner CommandRunner, tools Tools, timeouts Timeouts, logger *slog.Logger) *Executor {
	return &Executor{
		runner:   runner,
		tools:    tools,
		timeouts: timeouts,
		logger:   logger,
	}
}

// Build turns the project at root into a directory of static assets and
// returns its path. It never retries.
func (e *Executor) Build(ctx context.Context, root string, d Descriptor) (string, error) {
	if d.Variant == VariantPlain {
		return ResolveOutput(root, d)
	}

	if d.Variant == VariantUnknown && !d.Manifest.HasScript("build") {
		e.logger.Info("No build script, publishing pre-built output",
			slog.String("output_guess", d.OutputGuess),
		)
		return ResolveOutput(root, d)
	}

	if (d.Variant == VariantVite || d.Variant == VariantReact) && !d.Manifest.HasScript("build") {
		return "", fmt.Errorf("%w (%s project)", ErrMissingBuildScript, d.Variant)
	}

	if _, err := e.runner.Run(ctx, Command{
		Phase:   PhaseInstall,
		Args:    InstallCommand(root, e.tools),
		Dir:     root,
		Timeout: e.timeouts.Install,
	}); err != nil {
		return "", err
	}

	if d.Manifest.HasScript("build") {
		if _, err := e.runner.Run(ctx, e.npmRun(root, PhaseBuild, e.timeouts.Build)); err != nil {
			return "", err
		}
	}

	if d.Variant == VariantNext {
		if err := e.export(ctx, root, d); err != nil {
			return "", err
		}
	}

	return ResolveOutput(root, d)
}

// export runs the static export step of a Next.js project. A declared export
// script must succeed; the implicit `next export` is best-effort since recent
// versions export during build.
func (e *Executor) export(ctx context.Context, root string, d Descriptor) error {
	if d.Manifest.HasScript("export") {
		_, err := e.runner.Run(ctx, e.npmRun(root, PhaseExport, e.timeouts.Export))
		return err
	}

	_, err := e.runner.Run(ctx, Command{
		Phase:   PhaseExport,
		Args:    []string{e.tools.NPX, "--no-install", "next", "export"},
		Dir:     root,
		Timeout: e.timeouts.Export,
	})
	if err != nil {
		e.logger.Warn("Best-effort next export failed, continuing",
			slog.Any("error", err),
		)
	}
	return nil
}

func (e *Executor) npmRun(root, script string, timeout time.Duration) Command {
	return Command{
		Phase:   script,
		Args:    []string{e.tools.NPM, "run", script},
		Dir:     root,
		Timeout: timeout,
	}
}

// ResolveOutput returns the first candidate directory holding the entry
// document: the detector's guess, then the conventional names. Plain
// projects try the root first.
func ResolveOutput(root string, d Descriptor) (string, error) {
	var candidates []string
	if d.Variant == VariantPlain {
		candidates = append(candidates, ".")
	}
	if d.OutputGuess != "" {
		candidates = append(candidates, d.OutputGuess)
	}
	candidates = append(candidates, "build", "dist", "out")

	for _, c := range candidates {
		dir := filepath.Join(root, c)
		info, err := os.Stat(filepath.Join(dir, EntryDocument))
		if err == nil && info.Mode().IsRegular() {
			return dir, nil
		}
	}

	return "", fmt.Errorf("%w (variant %s)", ErrNoEntryDocument, d.Variant)
}
