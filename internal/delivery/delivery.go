// Package delivery hands finished videos to clients: once through a local
// one-shot download, or durably through an object store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/loopforge/exporter/internal/model"
	"github.com/loopforge/exporter/pkg/logger"
)

var (
	// ErrInvalidName rejects download names that could escape the export dir.
	ErrInvalidName = errors.New("invalid filename")
	// ErrNotFound means the file was never produced or was already served.
	ErrNotFound = errors.New("file not found or already downloaded")
	// ErrUpload marks an object store failure; it is worth retrying.
	ErrUpload = errors.New("artifact upload failed")
)

// Publisher takes ownership of an encoded file and returns where the client
// can fetch it.
type Publisher interface {
	Publish(ctx context.Context, jobID, srcPath string, format model.Format) (string, error)
}

// ArtifactName is the delivered file name for a job.
func ArtifactName(jobID string, format model.Format) string {
	return jobID + "." + string(format)
}

// ValidateName accepts only a bare file name.
func ValidateName(name string) error {
	if name == "" || name == "." ||
		strings.Contains(name, "/") ||
		strings.Contains(name, `\`) ||
		strings.Contains(name, "..") ||
		strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Suffixes of in-flight files in the export dir.
const (
	servingMarker = ".serving-"
	partialMarker = ".partial-"
)

// LocalPublisher keeps artifacts in a directory until they are downloaded
// once.
type LocalPublisher struct {
	dir       string
	publicURL string
	log       *logger.Logger
}

// NewLocalPublisher creates dir if needed. publicURL is the base of the
// returned download links.
func NewLocalPublisher(dir, publicURL string, log *logger.Logger) (*LocalPublisher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &LocalPublisher{
		dir:       dir,
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       log.WithComponent("delivery"),
	}, nil
}

func (p *LocalPublisher) Dir() string {
	return p.dir
}

// DownloadURL is the link a client uses to fetch name.
func (p *LocalPublisher) DownloadURL(name string) string {
	return p.publicURL + "/download/" + name
}

// Publish moves srcPath into the export dir as <jobID>.<format>.
func (p *LocalPublisher) Publish(ctx context.Context, jobID, srcPath string, format model.Format) (string, error) {
	name := ArtifactName(jobID, format)
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dst := filepath.Join(p.dir, name)

	if err := moveFile(srcPath, dst); err != nil {
		return "", fmt.Errorf("publish %s: %w", name, err)
	}
	p.log.Info("artifact ready", "job_id", jobID, "path", dst)
	return p.DownloadURL(name), nil
}

// moveFile renames, falling back to copy+remove across filesystems. The copy
// lands under a temp name first so a reader never sees a partial file.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + partialMarker + uuid.NewString()
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

// Download is a file claimed by exactly one client. Call Complete after a
// successful transfer or Release to make it downloadable again.
type Download struct {
	Name string
	Size int64
	File *os.File

	claimed  string
	original string
	log      *logger.Logger
}

// Claim reserves name for a single transfer. A concurrent second Claim of
// the same name gets ErrNotFound.
func (p *LocalPublisher) Claim(name string) (*Download, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	original := filepath.Join(p.dir, name)
	claimed := original + servingMarker + uuid.NewString()

	if err := os.Rename(original, claimed); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	f, err := os.Open(claimed)
	if err != nil {
		_ = os.Rename(claimed, original)
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		_ = os.Rename(claimed, original)
		return nil, err
	}

	return &Download{
		Name:     name,
		Size:     info.Size(),
		File:     f,
		claimed:  claimed,
		original: original,
		log:      p.log,
	}, nil
}

// Complete deletes the served file.
func (d *Download) Complete() error {
	d.File.Close()
	if err := os.Remove(d.claimed); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.log.Error("failed to delete served file", "file", d.Name, "error", err)
		return err
	}
	d.log.Info("download complete, file deleted", "file", d.Name)
	return nil
}

// Release puts the file back after a failed transfer.
func (d *Download) Release() error {
	d.File.Close()
	if err := os.Rename(d.claimed, d.original); err != nil {
		d.log.Error("failed to restore file", "file", d.Name, "error", err)
		return err
	}
	return nil
}

// Recover cleans up after a process that died mid-transfer: claimed files go
// back under their download name and partial copies are removed. Call it
// once before serving downloads.
func (p *LocalPublisher) Recover() (int, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 0, fmt.Errorf("scan export dir: %w", err)
	}

	restored := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(p.dir, name)

		if i := strings.Index(name, partialMarker); i > 0 {
			if err := os.Remove(path); err != nil {
				p.log.Warn("failed to remove partial file", "file", name, "error", err)
			}
			continue
		}

		i := strings.Index(name, servingMarker)
		if i <= 0 {
			continue
		}
		original := filepath.Join(p.dir, name[:i])
		if _, err := os.Stat(original); err == nil {
			// a newer copy is already waiting
			_ = os.Remove(path)
			continue
		}
		if err := os.Rename(path, original); err != nil {
			p.log.Warn("failed to restore interrupted download", "file", name, "error", err)
			continue
		}
		restored++
		p.log.Info("restored interrupted download", "file", name[:i])
	}
	return restored, nil
}

// Exists reports whether name is waiting to be downloaded.
func (p *LocalPublisher) Exists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(p.dir, name))
	return err == nil
}
