package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/template-worker/internal/retry"
	"github.com/cuongbtq/template-worker/internal/testutil"
	"github.com/cuongbtq/template-worker/internal/worker/domain"
	"github.com/cuongbtq/template-worker/shared/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxRetries: 3}

// flakyStore fails the first n downloads
type flakyStore struct {
	objectstore.Store
	failures int32
	calls    atomic.Int32
}

func (s *flakyStore) Download(ctx context.Context, key, dst string) error {
	if s.calls.Add(1) <= s.failures {
		return errors.New("connection reset by peer")
	}
	return s.Store.Download(ctx, key, dst)
}

func newStoreWithArchive(t *testing.T, key string, entries ...testutil.ZipEntry) *objectstore.FSStore {
	t.Helper()
	store, err := objectstore.NewFSStore(t.TempDir(), "")
	require.NoError(t, err)

	zipPath := filepath.Join(t.TempDir(), "upload.zip")
	testutil.WriteZip(t, zipPath, entries...)
	require.NoError(t, store.Upload(context.Background(), key, zipPath, "application/zip"))
	return store
}

func TestFetcher_Fetch(t *testing.T) {
	store := newStoreWithArchive(t, "uploads/tpl1.zip",
		testutil.ZipEntry{Name: "tpl1/package.json", Body: `{"name":"x"}`},
		testutil.ZipEntry{Name: "tpl1/index.html", Body: "<html>"},
	)
	ws := t.TempDir()
	f := NewFetcher(store, 1<<20, fastRetry, testutil.Logger())

	root, err := f.Fetch(context.Background(), "uploads/tpl1.zip", filepath.Join(ws, "source.zip"), filepath.Join(ws, "src"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "src", "tpl1"), root)
	assert.FileExists(t, filepath.Join(root, "package.json"))
	assert.NoFileExists(t, filepath.Join(ws, "source.zip"))
}

func TestFetcher_RetriesTransientDownloadErrors(t *testing.T) {
	store := &flakyStore{
		Store:    newStoreWithArchive(t, "a.zip", testutil.ZipEntry{Name: "index.html", Body: "ok"}),
		failures: 2,
	}
	ws := t.TempDir()
	f := NewFetcher(store, 1<<20, fastRetry, testutil.Logger())

	root, err := f.Fetch(context.Background(), "a.zip", filepath.Join(ws, "source.zip"), filepath.Join(ws, "src"))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "index.html"))
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestFetcher_PersistentDownloadErrorIsRetryable(t *testing.T) {
	store := &flakyStore{
		Store:    newStoreWithArchive(t, "a.zip", testutil.ZipEntry{Name: "index.html"}),
		failures: 100,
	}
	ws := t.TempDir()
	f := NewFetcher(store, 1<<20, fastRetry, testutil.Logger())

	_, err := f.Fetch(context.Background(), "a.zip", filepath.Join(ws, "source.zip"), filepath.Join(ws, "src"))
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, int32(4), store.calls.Load())
}

func TestFetcher_MissingArchive(t *testing.T) {
	store, err := objectstore.NewFSStore(t.TempDir(), "")
	require.NoError(t, err)
	ws := t.TempDir()
	f := NewFetcher(store, 1<<20, fastRetry, testutil.Logger())

	_, err = f.Fetch(context.Background(), "uploads/missing.zip", filepath.Join(ws, "source.zip"), filepath.Join(ws, "src"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrArchiveNotFound)
	assert.False(t, domain.IsRetryable(err))
}

func TestFetcher_CorruptArchive(t *testing.T) {
	store, err := objectstore.NewFSStore(t.TempDir(), "")
	require.NoError(t, err)
	bad := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(bad, []byte("PK garbage"), 0o644))
	require.NoError(t, store.Upload(context.Background(), "bad.zip", bad, ""))

	ws := t.TempDir()
	f := NewFetcher(store, 1<<20, fastRetry, testutil.Logger())

	_, err = f.Fetch(context.Background(), "bad.zip", filepath.Join(ws, "source.zip"), filepath.Join(ws, "src"))
	assert.ErrorIs(t, err, domain.ErrCorruptArchive)
}
