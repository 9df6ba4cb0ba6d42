// Package objectstore abstracts the blob store holding source archives and
// published previews.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested object does not exist
var ErrNotFound = errors.New("object not found")

// Store is the subset of object storage operations the worker needs
type Store interface {
	// Download writes the object at key to the local file dst
	Download(ctx context.Context, key, dst string) error
	// Upload stores the local file src under key
	Upload(ctx context.Context, key, src, contentType string) error
	// List returns every key under prefix
	List(ctx context.Context, prefix string) ([]string, error)
	// Remove deletes the object at key; missing objects are not an error
	Remove(ctx context.Context, key string) error
	// PresignGet returns a time-limited GET URL for key
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config selects and configures a backend
type Config struct {
	Backend   string // minio or fs
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Root and BaseURL configure the fs backend
	Root    string
	BaseURL string
}

// Supported backends
const (
	BackendMinio = "minio"
	BackendFS    = "fs"
)
