package build

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuongbtq/template-worker/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRunner records commands and runs an optional side effect per phase
type recordingRunner struct {
	commands []Command
	effects  map[string]func(c Command) error
}

func (r *recordingRunner) Run(_ context.Context, c Command) (string, error) {
	r.commands = append(r.commands, c)
	if fn, ok := r.effects[c.Args[len(c.Args)-1]]; ok {
		return "", fn(c)
	}
	if fn, ok := r.effects[c.Phase]; ok {
		return "", fn(c)
	}
	return "", nil
}

func (r *recordingRunner) args() [][]string {
	var out [][]string
	for _, c := range r.commands {
		out = append(out, c.Args)
	}
	return out
}

var testTimeouts = Timeouts{Install: time.Minute, Build: 2 * time.Minute, Export: 3 * time.Minute}

func newTestExecutor(r CommandRunner) *Executor {
	return NewExecutor(r, DefaultTools(), testTimeouts, testutil.Logger())
}

func emitIndex(dir string) func(c Command) error {
	return func(c Command) error {
		return writeIndex(filepath.Join(c.Dir, dir))
	}
}

func writeIndex(dir string) error {
	return writeFileErr(filepath.Join(dir, EntryDocument), "<html>")
}

func TestExecutor_Vite(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), `{"devDependencies":{"vite":"5"},"scripts":{"build":"vite build"}}`)
	writeFile(t, filepath.Join(root, "package-lock.json"), `{}`)

	runner := &recordingRunner{effects: map[string]func(Command) error{PhaseBuild: emitIndex("dist")}}
	d := Detect(root, testutil.Logger())

	out, err := newTestExecutor(runner).Build(context.Background(), root, d)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "dist"), out)
	assert.Equal(t, [][]string{{"npm", "ci"}, {"npm", "run", "build"}}, runner.args())

	assert.Equal(t, time.Minute, runner.commands[0].Timeout)
	assert.Equal(t, 2*time.Minute, runner.commands[1].Timeout)
	assert.Equal(t, root, runner.commands[0].Dir)
}

func TestExecutor_MissingBuildScript(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), `{"dependencies":{"react":"18"}}`)

	runner := &recordingRunner{}
	_, err := newTestExecutor(runner).Build(context.Background(), root, Detect(root, testutil.Logger()))
	assert.ErrorIs(t, err, ErrMissingBuildScript)
	assert.Empty(t, runner.commands, "nothing is installed")
}

func TestExecutor_InstallFailureStopsChain(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), `{"dependencies":{"vite":"5"},"scripts":{"build":"vite build"}}`)

	installErr := &CommandError{Phase: PhaseInstall, ExitCode: 1}
	runner := &recordingRunner{effects: map[string]func(Command) error{
		PhaseInstall: func(Command) error { return installErr },
	}}

	_, err := newTestExecutor(runner).Build(context.Background(), root, Detect(root, testutil.Logger()))
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 1, cmdErr.ExitCode)
	assert.Len(t, runner.commands, 1)
}

func TestExecutor_NextBestEffortExport(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), `{"dependencies":{"next":"14"},"scripts":{"build":"next build"}}`)

	runner := &recordingRunner{effects: map[string]func(Command) error{
		PhaseBuild: emitIndex("out"),
		"export":   func(Command) error { return errors.New("next export has been removed") },
	}}

	out, err := newTestExecutor(runner).Build(context.Background(), root, Detect(root, testutil.Logger()))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "out"), out)
	assert.Equal(t, [][]string{
		{"npm", "install", "--legacy-peer-deps"},
		{"npm", "run", "build"},
		{"npx", "--no-install", "next", "export"},
	}, runner.args())
	assert.Equal(t, 3*time.Minute, runner.commands[2].Timeout)
}

func TestExecutor_NextExportScriptMustSucceed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"),
		`{"dependencies":{"next":"13"},"scripts":{"build":"next build","export":"next export"}}`)

	exportErr := &CommandError{Phase: PhaseExport, ExitCode: 2}
	runner := &recordingRunner{effects: map[string]func(Command) error{
		"export": func(Command) error { return exportErr },
	}}

	_, err := newTestExecutor(runner).Build(context.Background(), root, Detect(root, testutil.Logger()))
	assert.ErrorIs(t, err, exportErr)
	assert.Equal(t, []string{"npm", "run", "export"}, runner.commands[2].Args)
}

func TestExecutor_BuildSucceedsWithoutOutput(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), `{"dependencies":{"vite":"5"},"scripts":{"build":"vite build"}}`)

	_, err := newTestExecutor(&recordingRunner{}).Build(context.Background(), root, Detect(root, testutil.Logger()))
	assert.ErrorIs(t, err, ErrNoEntryDocument)
}

func TestExecutor_UnknownPrebuilt(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), `{"dependencies":{"lodash":"4"}}`)
	writeFile(t, filepath.Join(root, "dist", "index.html"), "<html>")

	runner := &recordingRunner{}
	out, err := newTestExecutor(runner).Build(context.Background(), root, Detect(root, testutil.Logger()))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "dist"), out)
	assert.Empty(t, runner.commands)
}

func TestExecutor_Plain(t *testing.T) {
	t.Run("root entry document", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "index.html"), "<html>")
		writeFile(t, filepath.Join(root, "dist", "index.html"), "<html>")

		out, err := newTestExecutor(&recordingRunner{}).Build(context.Background(), root, Descriptor{Variant: VariantPlain})
		require.NoError(t, err)
		assert.Equal(t, root, out)
	})

	t.Run("probed subdirectory", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "build", "index.html"), "<html>")

		out, err := newTestExecutor(&recordingRunner{}).Build(context.Background(), root, Descriptor{Variant: VariantPlain})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "build"), out)
	})

	t.Run("no entry document fails", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "readme.md"), "hi")
		writeFile(t, filepath.Join(root, "dist", "app.js"), "x")

		_, err := newTestExecutor(&recordingRunner{}).Build(context.Background(), root, Descriptor{Variant: VariantPlain})
		assert.ErrorIs(t, err, ErrNoEntryDocument)
	})
}

func TestResolveOutput_GuessFirst(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "build", "index.html"), "<html>")
	writeFile(t, filepath.Join(root, "out", "index.html"), "<html>")

	out, err := ResolveOutput(root, Descriptor{Variant: VariantNext, OutputGuess: "out"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "out"), out)

	// a directory named index.html is not an entry document
	root = t.TempDir()
	writeFile(t, filepath.Join(root, "dist", "index.html", "x"), "")
	_, err = ResolveOutput(root, Descriptor{Variant: VariantVite, OutputGuess: "dist"})
	assert.ErrorIs(t, err, ErrNoEntryDocument)
}
