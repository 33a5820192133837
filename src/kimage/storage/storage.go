// Package storage provides backends that receive published build artifacts.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/common/logs"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the storage package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Backend defines the interface for storage backends
type Backend interface {
	// Upload stores size bytes from reader under key
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// Delete deletes an object
	Delete(ctx context.Context, key string) error

	// List lists objects with the given prefix
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Type returns the storage backend type
	Type() string

	// Location returns a human-readable location description
	Location() string
}

// ObjectInfo holds metadata about a stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Config holds the storage configuration
type Config struct {
	// Type is the storage backend type: "s3" or "local"
	Type string `mapstructure:"type"`

	// Local storage configuration
	Local LocalConfig `mapstructure:"local"`

	// S3 storage configuration
	S3 S3Config `mapstructure:"s3"`
}

// DefaultConfig returns a default storage configuration (local filesystem)
func DefaultConfig() Config {
	return Config{
		Type: "local",
		Local: LocalConfig{
			BasePath: "~/.local/share/kimage/artifacts",
		},
		S3: S3Config{
			Region:       "us-east-1",
			UsePathStyle: true,
		},
	}
}

// New creates a storage backend based on configuration
func New(cfg Config) (Backend, error) {
	switch cfg.Type {
	case "s3":
		return NewS3(cfg.S3)
	case "local", "":
		return NewLocal(cfg.Local)
	default:
		return nil, errors.ErrConfig.WithMessagef("unknown storage type %q", cfg.Type)
	}
}
