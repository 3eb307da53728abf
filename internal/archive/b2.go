package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Backblaze/blazer/b2"

	"github.com/tabrelay/agent/internal/config"
)

// B2Provider stores recordings in a Backblaze B2 bucket. access_key_id is
// the key id and secret_access_key the application key.
type B2Provider struct {
	bucket *b2.Bucket
}

func NewB2Provider(ctx context.Context, cfg config.ArchiveConfig) (*B2Provider, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("b2 bucket, access_key_id and secret_access_key are required")
	}
	client, err := b2.NewClient(ctx, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		return nil, fmt.Errorf("b2 client: %w", err)
	}
	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("b2 bucket %s: %w", cfg.Bucket, err)
	}
	return &B2Provider{bucket: bucket}, nil
}

func (p *B2Provider) Name() string { return "b2" }

func (p *B2Provider) Upload(ctx context.Context, localPath, remotePath string) error {
	if remotePath == "" {
		return errRemotePathRequired
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	w := p.bucket.Object(remotePath).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("b2 upload %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 upload %s: %w", remotePath, err)
	}
	return nil
}

func (p *B2Provider) List(ctx context.Context, prefix string) ([]string, error) {
	iter := p.bucket.List(ctx, b2.ListPrefix(prefix))
	var out []string
	for iter.Next() {
		out = append(out, iter.Object().Name())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("b2 list: %w", err)
	}
	return out, nil
}

func (p *B2Provider) Delete(ctx context.Context, remotePath string) error {
	if remotePath == "" {
		return errRemotePathRequired
	}
	if err := p.bucket.Object(remotePath).Delete(ctx); err != nil && !b2.IsNotExist(err) {
		return fmt.Errorf("b2 delete %s: %w", remotePath, err)
	}
	return nil
}
