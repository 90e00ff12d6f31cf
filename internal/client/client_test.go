package client

import (
	"testing"

	"github.com/loopforge/exporter/internal/config"
)

func TestNewR2ClientIncomplete(t *testing.T) {
	if _, err := NewR2Client(&config.R2Config{AccountID: "acc"}); err == nil {
		t.Fatal("expected error for incomplete R2 config")
	}
}

func TestNewS3ClientRequiresBucket(t *testing.T) {
	if _, err := NewS3Client(&config.S3Config{Region: "us-east-1"}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestS3PublicURL(t *testing.T) {
	tests := []struct {
		name   string
		client *S3Client
		want   string
	}{
		{"cdn", &S3Client{bucketName: "renders", publicURL: "https://cdn.example.com"}, "https://cdn.example.com/exports/a.mp4"},
		{"endpoint", &S3Client{bucketName: "renders", endpoint: "http://minio:9000"}, "http://minio:9000/renders/exports/a.mp4"},
		{"aws", &S3Client{bucketName: "renders"}, "https://renders.s3.amazonaws.com/exports/a.mp4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.client.GetPublicURL("exports/a.mp4"); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewS3ClientCustomEndpoint(t *testing.T) {
	c, err := NewS3Client(&config.S3Config{
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000/",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
		BucketName:      "renders",
	})
	if err != nil {
		t.Fatalf("NewS3Client: %v", err)
	}
	if got := c.GetPublicURL("a.mov"); got != "http://localhost:9000/renders/a.mov" {
		t.Errorf("unexpected url %q", got)
	}
	if c.HasPublicURL() {
		t.Error("no CDN configured")
	}
}

func TestGCSPublicURL(t *testing.T) {
	c := &GCSClient{bucketName: "renders"}
	if got := c.GetPublicURL("exports/a.mp4"); got != "https://storage.googleapis.com/renders/exports/a.mp4" {
		t.Errorf("unexpected url %q", got)
	}
	c.publicURL = "https://media.example.com"
	if got := c.GetPublicURL("exports/a.mp4"); got != "https://media.example.com/exports/a.mp4" {
		t.Errorf("unexpected url %q", got)
	}
}
