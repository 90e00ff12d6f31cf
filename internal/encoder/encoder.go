// Package encoder turns a captured frame sequence into a video container
// with ffmpeg.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loopforge/exporter/internal/model"
	"github.com/loopforge/exporter/internal/proc"
	"github.com/loopforge/exporter/internal/render"
	"github.com/loopforge/exporter/pkg/logger"
)

// ErrEncodeFailed wraps any ffmpeg failure. The error text carries ffmpeg's
// own diagnostics when it produced any.
var ErrEncodeFailed = errors.New("video encoding failed")

// CRF by quality tier; lower is better.
var crfByQuality = map[model.Quality]int{
	model.QualityHD:  18,
	model.QualityFHD: 16,
	model.Quality4K:  14,
}

// CRF returns the constant rate factor for a quality tier.
func CRF(q model.Quality) int {
	if crf, ok := crfByQuality[q]; ok {
		return crf
	}
	return crfByQuality[model.QualityHD]
}

// Encoder invokes ffmpeg.
type Encoder struct {
	ffmpegPath string
	preset     string
	log        *logger.Logger

	// leading args and environment for the process; tests use them to
	// re-exec the test binary as a fake ffmpeg
	baseArgs []string
	env      []string
}

func New(ffmpegPath, preset string, log *logger.Logger) *Encoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if preset == "" {
		preset = "fast"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Encoder{ffmpegPath: ffmpegPath, preset: preset, log: log.WithComponent("encoder")}
}

// Args builds the ffmpeg command line for seq.
func (e *Encoder) Args(seq *render.FrameSequence, quality model.Quality, output string) []string {
	fps := strconv.Itoa(seq.FPS)
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-framerate", fps,
		"-i", seq.InputPattern(),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-crf", strconv.Itoa(CRF(quality)),
		"-preset", e.preset,
		"-r", fps,
		"-movflags", "+faststart",
		output,
	}
}

// Encode writes <seq.Dir>/output.<format> and returns its path.
func (e *Encoder) Encode(ctx context.Context, jobID string, seq *render.FrameSequence, quality model.Quality, format model.Format) (string, error) {
	if format == "" {
		format = model.DefaultFormat
	}
	output := filepath.Join(seq.Dir, "output."+string(format))

	res, err := proc.Run(ctx, proc.Command{
		Path: e.ffmpegPath,
		Args: append(append([]string{}, e.baseArgs...), e.Args(seq, quality, output)...),
		Env:  e.env,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *proc.ExitError
		if errors.As(err, &exitErr) {
			detail := strings.TrimSpace(string(exitErr.Result.Stderr))
			if detail == "" {
				detail = exitErr.Error()
			}
			return "", fmt.Errorf("%w: %s", ErrEncodeFailed, detail)
		}
		return "", fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	e.log.Info("video encoded",
		"job_id", jobID,
		"output", output,
		"frames", seq.Count,
		"crf", CRF(quality),
		"elapsed", res.Elapsed.String(),
	)
	if len(res.Stderr) > 0 {
		e.log.Debug("ffmpeg stderr", "job_id", jobID, "output", string(res.Stderr))
	}
	return output, nil
}
