package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/tabrelay/agent/internal/config"
)

// GCSProvider stores recordings in a Google Cloud Storage bucket.
type GCSProvider struct {
	bucket *storage.BucketHandle
}

// NewGCSProvider authenticates with credentials_file when set, otherwise
// with application default credentials.
func NewGCSProvider(ctx context.Context, cfg config.ArchiveConfig) (*GCSProvider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSProvider{bucket: client.Bucket(cfg.Bucket)}, nil
}

func (p *GCSProvider) Name() string { return "gcs" }

func (p *GCSProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	if remotePath == "" {
		return errRemotePathRequired
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	w := p.bucket.Object(remotePath).NewWriter(ctx)
	w.ContentType = "audio/webm"
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs upload %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload %s: %w", remotePath, err)
	}
	return nil
}

func (p *GCSProvider) List(ctx context.Context, prefix string) ([]string, error) {
	it := p.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list: %w", err)
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (p *GCSProvider) Delete(ctx context.Context, remotePath string) error {
	if remotePath == "" {
		return errRemotePathRequired
	}
	err := p.bucket.Object(remotePath).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", remotePath, err)
	}
	return nil
}
