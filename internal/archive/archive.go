// Package archive mirrors saved recordings to a storage provider.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/tabrelay/agent/internal/config"
	"github.com/tabrelay/agent/internal/logging"
)

var log = logging.L("archive")

// Provider stores recordings under slash-separated remote paths.
type Provider interface {
	Name() string
	Upload(ctx context.Context, localPath, remotePath string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, remotePath string) error
}

var errRemotePathRequired = errors.New("remote path is required")

// New builds the provider selected by cfg.Provider. An empty provider
// returns nil: archiving is disabled.
func New(ctx context.Context, cfg config.ArchiveConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, nil
	case "local":
		return NewLocalProvider(cfg.Path), nil
	case "s3":
		return NewS3Provider(ctx, cfg)
	case "gcs":
		return NewGCSProvider(ctx, cfg)
	case "azure":
		return NewAzureProvider(cfg)
	case "b2":
		return NewB2Provider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Provider)
	}
}

// RemotePath joins prefix and name into an object key.
func RemotePath(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
