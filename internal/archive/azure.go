package archive

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/tabrelay/agent/internal/config"
)

// AzureProvider stores recordings as block blobs in one container.
type AzureProvider struct {
	container string
	client    *azblob.Client
}

func NewAzureProvider(cfg config.ArchiveConfig) (*AzureProvider, error) {
	if cfg.ConnectionString == "" || cfg.Container == "" {
		return nil, errors.New("azure connection_string and container are required")
	}
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &AzureProvider{container: cfg.Container, client: client}, nil
}

func (p *AzureProvider) Name() string { return "azure" }

func (p *AzureProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	if remotePath == "" {
		return errRemotePathRequired
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	if _, err := p.client.UploadFile(ctx, p.container, remotePath, f, nil); err != nil {
		return fmt.Errorf("azure upload %s: %w", remotePath, err)
	}
	return nil
}

func (p *AzureProvider) List(ctx context.Context, prefix string) ([]string, error) {
	pager := p.client.NewListBlobsFlatPager(p.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	var out []string
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure list: %w", err)
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name != nil {
				out = append(out, *item.Name)
			}
		}
	}
	return out, nil
}

func (p *AzureProvider) Delete(ctx context.Context, remotePath string) error {
	if remotePath == "" {
		return errRemotePathRequired
	}
	_, err := p.client.DeleteBlob(ctx, p.container, remotePath, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("azure delete %s: %w", remotePath, err)
	}
	return nil
}
