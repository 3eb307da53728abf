package archive

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tabrelay/agent/internal/config"
)

// S3Provider stores recordings in an S3 (or S3-compatible) bucket.
type S3Provider struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Provider uses static credentials when configured and otherwise the
// default AWS credential chain. A custom endpoint switches to path-style
// addressing for S3-compatible stores.
func NewS3Provider(ctx context.Context, cfg config.ArchiveConfig) (*S3Provider, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, errors.New("s3 bucket and region are required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Provider{
		bucket:   cfg.Bucket,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (p *S3Provider) Name() string { return "s3" }

func (p *S3Provider) Upload(ctx context.Context, localPath, remotePath string) error {
	if remotePath == "" {
		return errRemotePathRequired
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	_, err = p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(remotePath),
		Body:        f,
		ContentType: aws.String("audio/webm"),
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", remotePath, err)
	}
	return nil
}

func (p *S3Provider) List(ctx context.Context, prefix string) ([]string, error) {
	pager := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})
	var out []string
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			out = append(out, aws.ToString(obj.Key))
		}
	}
	return out, nil
}

func (p *S3Provider) Delete(ctx context.Context, remotePath string) error {
	if remotePath == "" {
		return errRemotePathRequired
	}
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", remotePath, err)
	}
	return nil
}
