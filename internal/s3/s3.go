package s3

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/orenshk/babyguard/internal/training"
)

// Client is the remote object storage for packaged datasets and trained
// model artifacts. It implements training.ArtifactStore.
type Client struct {
	client *minio.Client
	bucket string
}

// Config contains object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewClient connects to the object store and makes sure the bucket exists.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	c := &Client{client: mc, bucket: cfg.Bucket}
	if err := c.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Upload stores a local file under the given object key.
func (c *Client) Upload(ctx context.Context, object, localPath string) error {
	_, err := c.client.FPutObject(ctx, c.bucket, object, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", object, err)
	}
	return nil
}

// Stat returns the object's last modification time, or
// training.ErrArtifactNotFound when no such object exists.
func (c *Client) Stat(ctx context.Context, object string) (time.Time, error) {
	info, err := c.client.StatObject(ctx, c.bucket, object, minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return time.Time{}, training.ErrArtifactNotFound
		}
		return time.Time{}, fmt.Errorf("failed to stat %s: %w", object, err)
	}
	return info.LastModified, nil
}

// Download fetches an object into a local file.
func (c *Client) Download(ctx context.Context, object, localPath string) error {
	if err := c.client.FGetObject(ctx, c.bucket, object, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download %s: %w", object, err)
	}
	return nil
}
