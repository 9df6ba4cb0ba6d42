// Package archive retrieves uploaded source archives into a workspace.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cuongbtq/template-worker/internal/retry"
	"github.com/cuongbtq/template-worker/internal/worker/domain"
	"github.com/cuongbtq/template-worker/shared/objectstore"
)

// Fetcher downloads and extracts source archives
type Fetcher struct {
	store    objectstore.Store
	maxBytes int64
	policy   retry.Policy
	logger   *slog.Logger
}

// NewFetcher creates a Fetcher; maxBytes caps the extracted size
func NewFetcher(store objectstore.Store, maxBytes int64, policy retry.Policy, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		store:    store,
		maxBytes: maxBytes,
		policy:   policy,
		logger:   logger,
	}
}

// Fetch downloads key to archivePath, extracts it into destDir, and returns
// the project root inside destDir
func (f *Fetcher) Fetch(ctx context.Context, key, archivePath, destDir string) (string, error) {
	err := retry.Do(ctx, f.policy, func(err error) bool {
		return !errors.Is(err, objectstore.ErrNotFound)
	}, func(ctx context.Context) error {
		err := f.store.Download(ctx, key, archivePath)
		if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			f.logger.Warn("Archive download failed",
				slog.String("key", key),
				slog.Any("error", err),
			)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", domain.ErrArchiveNotFound, key)
		}
		return "", domain.NewRetryableError(fmt.Errorf("failed to download archive: %w", err))
	}

	if info, err := os.Stat(archivePath); err == nil {
		f.logger.Debug("Archive downloaded",
			slog.String("key", key),
			slog.Int64("bytes", info.Size()),
		)
	}

	if err := Extract(archivePath, destDir, f.maxBytes); err != nil {
		return "", err
	}

	// the archive is no longer needed once extracted
	if err := os.Remove(archivePath); err != nil {
		f.logger.Warn("Failed to remove downloaded archive", slog.Any("error", err))
	}

	return ProjectRoot(destDir)
}
