package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/loopforge/exporter/internal/config"
)

// GCSClient implements StorageClient for Google Cloud Storage.
type GCSClient struct {
	client     *storage.Client
	bucketName string
	publicURL  string
}

// NewGCSClient uses the credentials file when set, else application default
// credentials.
func NewGCSClient(ctx context.Context, cfg *config.GCSConfig) (*GCSClient, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("GCS bucket not configured")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}

	return &GCSClient{
		client:     client,
		bucketName: cfg.BucketName,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

func (c *GCSClient) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	wc := c.client.Bucket(c.bucketName).Object(key).NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := io.Copy(wc, body); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	// Close completes the upload.
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return c.GetPublicURL(key), nil
}

func (c *GCSClient) Delete(ctx context.Context, key string) error {
	if err := c.client.Bucket(c.bucketName).Object(key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// GetSignedURL signs a V4 GET URL. Signing needs a service account key or
// the IAM signBlob permission.
func (c *GCSClient) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := c.client.Bucket(c.bucketName).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(expiry),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL: %w", err)
	}
	return url, nil
}

func (c *GCSClient) GetPublicURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", c.bucketName, key)
}

func (c *GCSClient) HasPublicURL() bool {
	return c.publicURL != ""
}

func (c *GCSClient) Close() error {
	return c.client.Close()
}
