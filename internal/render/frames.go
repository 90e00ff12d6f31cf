package render

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/loopforge/exporter/internal/model"
)

// FramePattern names captured frames. Fixed-width numbering keeps lexical
// order equal to temporal order.
const FramePattern = "frame_%05d.jpg"

var baseResolutions = map[model.AspectRatio][2]int{
	model.AspectRatio16x9: {1280, 720},
	model.AspectRatio9x16: {720, 1280},
	model.AspectRatio1x1:  {720, 720},
}

var qualityScale = map[model.Quality]float64{
	model.QualityHD:  1,
	model.QualityFHD: 1.5,
	model.Quality4K:  3,
}

// Resolution maps an aspect ratio and quality tier to output pixels. Unknown
// values fall back to 16:9 and HD.
func Resolution(aspect model.AspectRatio, quality model.Quality) (width, height int) {
	base, ok := baseResolutions[aspect]
	if !ok {
		base = baseResolutions[model.AspectRatio16x9]
	}
	scale, ok := qualityScale[quality]
	if !ok {
		scale = 1
	}
	return int(math.Round(float64(base[0]) * scale)), int(math.Round(float64(base[1]) * scale))
}

// TotalFrames is floor(duration * fps).
func TotalFrames(duration float64, fps int) int {
	if duration <= 0 || fps <= 0 {
		return 0
	}
	return int(math.Floor(duration * float64(fps)))
}

// FrameTime is the sample time of frame i.
func FrameTime(i, fps int) float64 {
	return float64(i) / float64(fps)
}

// Spec is everything the driver needs to render one job.
type Spec struct {
	JobID       string
	ShaderCode  string
	Width       int
	Height      int
	FPS         int
	TotalFrames int
}

// NewSpec derives the render parameters from a job payload.
func NewSpec(jobID string, payload model.JobPayload) Spec {
	s := payload.Settings.WithDefaults(model.DefaultDuration)
	w, h := Resolution(s.AspectRatio, s.Quality)
	return Spec{
		JobID:       jobID,
		ShaderCode:  payload.ShaderCode,
		Width:       w,
		Height:      h,
		FPS:         s.FPS,
		TotalFrames: TotalFrames(s.Duration, s.FPS),
	}
}

// FrameSequence is the set of captured frames for one job. It lives inside
// the driver's scratch directory and is only valid during Driver.Run.
type FrameSequence struct {
	// Dir is the job's private scratch directory.
	Dir       string
	FramesDir string
	Count     int
	FPS       int
	Width     int
	Height    int
}

// Path returns the file for frame i.
func (s *FrameSequence) Path(i int) string {
	return filepath.Join(s.FramesDir, fmt.Sprintf(FramePattern, i))
}

// InputPattern is the printf-style path an encoder reads the sequence from.
func (s *FrameSequence) InputPattern() string {
	return filepath.Join(s.FramesDir, FramePattern)
}
