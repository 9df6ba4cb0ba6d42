// Package artifact uploads build output to object storage and issues
// time-limited preview URLs.
package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/template-worker/internal/retry"
	"github.com/cuongbtq/template-worker/internal/worker/domain"
	"github.com/cuongbtq/template-worker/shared/objectstore"
	"github.com/gabriel-vasile/mimetype"
)

// Result summarizes one publish
type Result struct {
	Files int
	Bytes int64
}

// Publisher uploads directories under a key prefix
type Publisher struct {
	store  objectstore.Store
	policy retry.Policy
	logger *slog.Logger
}

// NewPublisher creates a Publisher
func NewPublisher(store objectstore.Store, policy retry.Policy, logger *slog.Logger) *Publisher {
	return &Publisher{store: store, policy: policy, logger: logger}
}

// Publish uploads every regular file under localDir to prefix/<relative path>.
// Existing keys are overwritten and nothing is deleted: an overlapping attempt
// for the same job may still be publishing under the same prefix, and its entry
// document must not lose the assets it references.
func (p *Publisher) Publish(ctx context.Context, localDir, prefix string) (Result, error) {
	prefix = strings.TrimRight(prefix, "/")
	var res Result

	err := filepath.WalkDir(localDir, func(fullPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(localDir, fullPath)
		if err != nil {
			return err
		}
		key := path.Join(prefix, filepath.ToSlash(rel))
		contentType := ContentType(fullPath)

		err = retry.Do(ctx, p.policy, nil, func(ctx context.Context) error {
			return p.store.Upload(ctx, key, fullPath, contentType)
		})
		if err != nil {
			return domain.NewRetryableError(fmt.Errorf("failed to upload artifact: %w", err))
		}

		if info, err := d.Info(); err == nil {
			res.Bytes += info.Size()
		}
		res.Files++
		return nil
	})
	if err != nil {
		return res, err
	}

	p.logger.Info("Artifacts published",
		slog.String("prefix", prefix),
		slog.Int("files", res.Files),
		slog.Int64("bytes", res.Bytes),
	)
	return res, nil
}

// Presign returns a time-limited URL for key
func (p *Publisher) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	var url string
	err := retry.Do(ctx, p.policy, nil, func(ctx context.Context) error {
		var err error
		url, err = p.store.PresignGet(ctx, key, ttl)
		return err
	})
	if err != nil {
		return "", domain.NewRetryableError(fmt.Errorf("failed to presign preview: %w", err))
	}
	return url, nil
}

// ContentType derives a MIME type from the file extension, sniffing the
// content when the extension is unknown
func ContentType(filePath string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filePath)); ct != "" {
		return ct
	}
	if m, err := mimetype.DetectFile(filePath); err == nil {
		return m.String()
	}
	return "application/octet-stream"
}
