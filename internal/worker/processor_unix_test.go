//go:build linux

package worker

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cuongbtq/template-worker/internal/build"
	"github.com/cuongbtq/template-worker/internal/testutil"
	"github.com/cuongbtq/template-worker/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNPM writes an npm stand-in that installs nothing and builds into dist
func fakeNPM(t *testing.T, installExit int) string {
	t.Helper()
	script := `#!/bin/sh
case "$1" in
  ci|install)
    echo "installing"
    exit ` + strconv.Itoa(installExit) + `
    ;;
  run)
    mkdir -p dist
    echo "<html>vite build</html>" > dist/index.html
    echo "built"
    exit 0
    ;;
esac
exit 2
`
	path := filepath.Join(t.TempDir(), "npm")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func shellExecutor(npm string) *build.Executor {
	tools := build.DefaultTools()
	tools.NPM = npm
	return build.NewExecutor(
		build.NewRunner(nil, time.Second, 4096, testutil.Logger()),
		tools,
		build.Timeouts{Install: 10 * time.Second, Build: 10 * time.Second, Export: 10 * time.Second},
		testutil.Logger(),
	)
}

var viteProject = []testutil.ZipEntry{
	{Name: "app/package.json", Body: `{"devDependencies":{"vite":"5.0.0"},"scripts":{"build":"vite build"}}`},
	{Name: "app/package-lock.json", Body: `{}`},
	{Name: "app/src/main.js", Body: "console.log(1)"},
}

func TestPipeline_ViteBuildWithSubprocesses(t *testing.T) {
	h := newHarness(t, withBuilder(shellExecutor(fakeNPM(t, 0))))
	job := h.addJob(t, "vite1", viteProject...)

	outcome := h.pipeline.Run(context.Background(), job)

	require.NoError(t, outcome.Err)
	assert.Equal(t, domain.JobStatusReady, outcome.Status)
	assert.Equal(t, []string{"previews/vite1/index.html"}, h.previewKeys(t, "vite1"))

	published := filepath.Join(t.TempDir(), "index.html")
	require.NoError(t, h.store.Download(context.Background(), "previews/vite1/index.html", published))
	body, err := os.ReadFile(published)
	require.NoError(t, err)
	assert.Contains(t, string(body), "vite build")

	assert.Empty(t, h.workspaceEntries(t))
}

func TestPipeline_InstallFailureRecordsError(t *testing.T) {
	h := newHarness(t, withBuilder(shellExecutor(fakeNPM(t, 1))))
	job := h.addJob(t, "vite1", viteProject...)

	outcome := h.pipeline.Run(context.Background(), job)

	require.Error(t, outcome.Err)
	assert.Equal(t, domain.FailureBuild, outcome.Kind)
	assert.True(t, outcome.Recorded)
	assert.Equal(t, domain.JobStatusError, h.status(t, "vite1").Status)
	assert.Empty(t, h.previewKeys(t, "vite1"))
	assert.Equal(t, []domain.Job{job}, h.deadLetters.jobs(t))
	assert.Empty(t, h.workspaceEntries(t))
}
