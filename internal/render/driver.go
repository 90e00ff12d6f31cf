package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loopforge/exporter/pkg/logger"
)

// ProgressFunc observes frame capture. done counts captured frames.
type ProgressFunc func(jobID string, done, total int)

// Driver renders jobs one frame at a time into a private scratch directory.
type Driver struct {
	launcher     Launcher
	scratchDir   string
	readyTimeout time.Duration
	frameTimeout time.Duration
	progress     ProgressFunc
	log          *logger.Logger
}

// DriverConfig holds the driver's timeouts and scratch location.
type DriverConfig struct {
	ScratchDir   string
	ReadyTimeout time.Duration
	FrameTimeout time.Duration
}

func NewDriver(launcher Launcher, cfg DriverConfig, log *logger.Logger) *Driver {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Driver{
		launcher:     launcher,
		scratchDir:   cfg.ScratchDir,
		readyTimeout: cfg.ReadyTimeout,
		frameTimeout: cfg.FrameTimeout,
		log:          log.WithComponent("render"),
	}
}

// OnProgress registers a frame progress observer.
func (d *Driver) OnProgress(fn ProgressFunc) {
	d.progress = fn
}

// Run renders spec and hands the finished sequence to use. The scratch
// directory and the host are released before Run returns, whatever the
// outcome, so use must copy out anything it wants to keep.
func (d *Driver) Run(ctx context.Context, spec Spec, use func(ctx context.Context, seq *FrameSequence) error) error {
	if spec.TotalFrames <= 0 {
		return fmt.Errorf("nothing to render: %d frames", spec.TotalFrames)
	}

	dir, err := os.MkdirTemp(d.scratchDir, "render-"+spec.JobID+"-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			d.log.Error("scratch cleanup failed", "job_id", spec.JobID, "dir", dir, "error", err)
		}
	}()

	seq := &FrameSequence{
		Dir:       dir,
		FramesDir: filepath.Join(dir, "frames"),
		Count:     spec.TotalFrames,
		FPS:       spec.FPS,
		Width:     spec.Width,
		Height:    spec.Height,
	}
	if err := os.Mkdir(seq.FramesDir, 0o755); err != nil {
		return fmt.Errorf("create frames dir: %w", err)
	}

	log := d.log.WithJobID(spec.JobID)
	log.Info("starting render",
		"width", spec.Width,
		"height", spec.Height,
		"frames", spec.TotalFrames,
		"fps", spec.FPS,
	)

	if err := d.capture(ctx, spec, seq); err != nil {
		return err
	}
	return use(ctx, seq)
}

// capture owns the host for exactly the duration of the frame loop.
func (d *Driver) capture(ctx context.Context, spec Spec, seq *FrameSequence) error {
	start := time.Now()

	host, err := d.launcher.Launch(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrHostLaunch, err)
	}
	defer host.Close()

	readyCtx, cancel := context.WithTimeout(ctx, d.readyTimeout)
	err = host.Init(readyCtx, spec.Width, spec.Height, spec.ShaderCode)
	readyErr := readyCtx.Err()
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrHostCrashed):
			return err
		case readyErr != nil:
			return fmt.Errorf("%w: no readiness signal after %s", ErrHostNotReady, d.readyTimeout)
		case errors.Is(err, ErrHostNotReady):
			return err
		default:
			return fmt.Errorf("%w: %v", ErrHostNotReady, err)
		}
	}

	for i := 0; i < spec.TotalFrames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.renderFrame(ctx, host, i, spec.FPS, seq.Path(i)); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if d.progress != nil {
			d.progress(spec.JobID, i+1, spec.TotalFrames)
		}
	}

	if err := host.Close(); err != nil {
		d.log.Warn("host close failed", "job_id", spec.JobID, "error", err)
	}

	d.log.Info("frames captured",
		"job_id", spec.JobID,
		"frames", spec.TotalFrames,
		"elapsed", time.Since(start).String(),
	)
	return nil
}

func (d *Driver) renderFrame(ctx context.Context, host Host, i, fps int, path string) error {
	if d.frameTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.frameTimeout)
		defer cancel()
	}
	if err := host.RenderFrame(ctx, FrameTime(i, fps), path); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("frame not written: %w", err)
	}
	return nil
}
