package delivery

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/loopforge/exporter/internal/client"
	"github.com/loopforge/exporter/internal/model"
	"github.com/loopforge/exporter/pkg/logger"
)

// ArchivePublisher uploads artifacts to an object store so they outlive a
// single download.
type ArchivePublisher struct {
	store  client.StorageClient
	prefix string
	urlTTL time.Duration
	log    *logger.Logger
}

// NewArchivePublisher stores objects under prefix. Stores without a public
// CDN URL hand out presigned links valid for urlTTL.
func NewArchivePublisher(store client.StorageClient, prefix string, urlTTL time.Duration, log *logger.Logger) *ArchivePublisher {
	if log == nil {
		log = logger.Discard()
	}
	return &ArchivePublisher{
		store:  store,
		prefix: prefix,
		urlTTL: urlTTL,
		log:    log.WithComponent("archive"),
	}
}

type publicURLer interface {
	HasPublicURL() bool
}

func (p *ArchivePublisher) Publish(ctx context.Context, jobID, srcPath string, format model.Format) (string, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	key := path.Join(p.prefix, ArtifactName(jobID, format))
	publicURL, err := p.store.Upload(ctx, key, f, format.ContentType())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}

	location := publicURL
	if pu, ok := p.store.(publicURLer); ok && !pu.HasPublicURL() && p.urlTTL > 0 {
		location, err = p.store.GetSignedURL(ctx, key, p.urlTTL)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUpload, err)
		}
	}

	p.log.Info("artifact archived", "job_id", jobID, "key", key)
	return location, nil
}
