package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/loopforge/exporter/internal/config"
)

// StorageClient is the object store an archived artifact is copied to.
type StorageClient interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	GetPublicURL(key string) string
}

// S3Client implements StorageClient for AWS S3 and S3-compatible stores
// such as Cloudflare R2. Uploads go through the multipart manager so large
// 4K renders are streamed in parts.
type S3Client struct {
	s3Client   *s3.Client
	uploader   *manager.Uploader
	presigner  *s3.PresignClient
	bucketName string
	publicURL  string
	endpoint   string
}

// NewR2Client creates a client for a Cloudflare R2 bucket.
func NewR2Client(cfg *config.R2Config) (*S3Client, error) {
	if cfg.AccountID == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}
	return newS3Client(s3Settings{
		region:    "auto",
		endpoint:  fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID),
		accessKey: cfg.AccessKeyID,
		secretKey: cfg.SecretAccessKey,
		bucket:    cfg.BucketName,
		publicURL: cfg.PublicURL,
	})
}

// NewS3Client creates a client for an S3 bucket. A custom endpoint switches
// to path-style addressing for S3-compatible servers.
func NewS3Client(cfg *config.S3Config) (*S3Client, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("S3 bucket not configured")
	}
	return newS3Client(s3Settings{
		region:    cfg.Region,
		endpoint:  cfg.Endpoint,
		accessKey: cfg.AccessKeyID,
		secretKey: cfg.SecretAccessKey,
		bucket:    cfg.BucketName,
		publicURL: cfg.PublicURL,
	})
}

type s3Settings struct {
	region    string
	endpoint  string
	accessKey string
	secretKey string
	bucket    string
	publicURL string
}

func newS3Client(s s3Settings) (*S3Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.region),
	}
	// Without static keys the default chain (env, shared config, IAM role) applies.
	if s.accessKey != "" && s.secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.accessKey, s.secretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		s3Client:   s3Client,
		uploader:   manager.NewUploader(s3Client),
		presigner:  s3.NewPresignClient(s3Client),
		bucketName: s.bucket,
		publicURL:  strings.TrimRight(s.publicURL, "/"),
		endpoint:   strings.TrimRight(s.endpoint, "/"),
	}, nil
}

// Upload streams body to key and returns the object's public URL.
func (c *S3Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object %s to bucket %s: %w", key, c.bucketName, err)
	}
	return c.GetPublicURL(key), nil
}

func (c *S3Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// GetSignedURL generates a presigned GET URL valid for expiry.
func (c *S3Client) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}

// GetPublicURL returns the CDN URL for key when one is configured.
func (c *S3Client) GetPublicURL(key string) string {
	switch {
	case c.publicURL != "":
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	case c.endpoint != "":
		return fmt.Sprintf("%s/%s/%s", c.endpoint, c.bucketName, key)
	default:
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", c.bucketName, key)
	}
}

// HasPublicURL reports whether GetPublicURL points at a public CDN.
func (c *S3Client) HasPublicURL() bool {
	return c.publicURL != ""
}
