package worker

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/template-worker/internal/archive"
	"github.com/cuongbtq/template-worker/internal/artifact"
	"github.com/cuongbtq/template-worker/internal/build"
	"github.com/cuongbtq/template-worker/internal/retry"
	"github.com/cuongbtq/template-worker/internal/testutil"
	"github.com/cuongbtq/template-worker/internal/worker/domain"
	"github.com/cuongbtq/template-worker/internal/worker/storage"
	"github.com/cuongbtq/template-worker/internal/workspace"
	"github.com/cuongbtq/template-worker/shared/database"
	"github.com/cuongbtq/template-worker/shared/objectstore"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxRetries: 2}

// recordingDeadLetter captures dead-letter forwards
type recordingDeadLetter struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (r *recordingDeadLetter) PublishDeadLetter(_ context.Context, body []byte, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, body)
	return nil
}

func (r *recordingDeadLetter) jobs(t *testing.T) []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []domain.Job
	for _, b := range r.bodies {
		job, err := domain.DecodeJob(b)
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	return jobs
}

// noopRunner succeeds without running anything
type noopRunner struct{}

func (noopRunner) Run(context.Context, build.Command) (string, error) { return "", nil }

type harness struct {
	store       *objectstore.FSStore
	db          *sqlx.DB
	statuses    *storage.Storage
	wsDir       string
	workspaces  *workspace.Manager
	deadLetters *recordingDeadLetter
	pipeline    *Pipeline
}

type harnessOption func(cfg *PipelineConfig)

func withBuilder(b Builder) harnessOption {
	return func(cfg *PipelineConfig) { cfg.Builder = b }
}

func withReporter(r StatusReporter) harnessOption {
	return func(cfg *PipelineConfig) { cfg.Reporter = r }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := testutil.Logger()

	store, err := objectstore.NewFSStore(t.TempDir(), "https://cdn.example.com")
	require.NoError(t, err)

	client, err := database.NewClient(&database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "status.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.EnsureSchema(context.Background()))

	h := &harness{
		store:       store,
		db:          client.GetDB(),
		statuses:    storage.NewStorage(client.GetDB(), logger),
		wsDir:       t.TempDir(),
		deadLetters: &recordingDeadLetter{},
	}
	h.workspaces = workspace.NewManager(h.wsDir, logger)

	cfg := &PipelineConfig{
		Logger:        logger,
		Workspaces:    h.workspaces,
		Fetcher:       archive.NewFetcher(store, 1<<20, fastRetry, logger),
		Builder:       build.NewExecutor(noopRunner{}, build.DefaultTools(), build.Timeouts{Install: time.Minute, Build: time.Minute, Export: time.Minute}, logger),
		Publisher:     artifact.NewPublisher(store, fastRetry, logger),
		Reporter:      h.statuses,
		DeadLetter:    h.deadLetters,
		PreviewPrefix: "previews",
		PresignTTL:    time.Hour,
		ReportPolicy:  fastRetry,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	h.pipeline = NewPipeline(cfg)
	return h
}

// addJob uploads an archive and inserts a pending status record
func (h *harness) addJob(t *testing.T, id string, entries ...testutil.ZipEntry) domain.Job {
	t.Helper()
	key := "uploads/" + id + ".zip"
	h.uploadArchive(t, key, entries...)

	_, err := h.db.Exec(`INSERT INTO templates (id, zip_s3_key, status) VALUES (?, ?, ?)`, id, key, domain.JobStatusPending)
	require.NoError(t, err)
	return domain.Job{ID: id, SourceArchiveKey: key}
}

func (h *harness) uploadArchive(t *testing.T, key string, entries ...testutil.ZipEntry) {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), "upload.zip")
	testutil.WriteZip(t, zipPath, entries...)
	require.NoError(t, h.store.Upload(context.Background(), key, zipPath, "application/zip"))
}

func (h *harness) status(t *testing.T, id string) *domain.StatusRecord {
	t.Helper()
	record, err := h.statuses.GetJobByID(context.Background(), id)
	require.NoError(t, err)
	return record
}

func (h *harness) previewKeys(t *testing.T, id string) []string {
	t.Helper()
	keys, err := h.store.List(context.Background(), "previews/"+id+"/")
	require.NoError(t, err)
	sort.Strings(keys)
	return keys
}

// workspaceEntries lists what is left in the workspace base directory
func (h *harness) workspaceEntries(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.wsDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func plainSite(extra ...testutil.ZipEntry) []testutil.ZipEntry {
	return append([]testutil.ZipEntry{
		{Name: "site/index.html", Body: "<html>hello</html>"},
		{Name: "site/css/style.css", Body: "body{}"},
	}, extra...)
}
