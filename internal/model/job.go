package model

import "time"

// Job is one render-and-encode request and its lifecycle state.
type Job struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	Status         JobStatus  `json:"status"`
	Payload        JobPayload `json:"payload"`
	OutputLocation string     `json:"outputLocation,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Attempts       int        `json:"attempts"`
}

// JobPayload is immutable after creation.
type JobPayload struct {
	ShaderCode string   `json:"shaderCode"`
	Settings   Settings `json:"settings"`
}

// Settings are the rendering parameters of a job.
type Settings struct {
	AspectRatio AspectRatio `json:"aspectRatio"`
	Quality     Quality     `json:"quality"`
	Duration    float64     `json:"duration"`
	FPS         int         `json:"fps"`
	Format      Format      `json:"format"`
}

// Default settings applied to fields a submission leaves empty.
const (
	DefaultAspectRatio      = AspectRatio16x9
	DefaultQuality          = QualityHD
	DefaultDuration         = 5.0
	DefaultBatchDuration    = 10.0
	DefaultFPS              = 30
	DefaultFormat           = FormatMP4
	MaxDurationSeconds      = 60.0
	MaxFPS                  = 60
	MaxErrorLength          = 2000
	QueueUnavailableMessage = "queue unavailable"
)

// WithDefaults returns a copy of s with zero fields replaced by defaults.
func (s Settings) WithDefaults(duration float64) Settings {
	if s.AspectRatio == "" {
		s.AspectRatio = DefaultAspectRatio
	}
	if s.Quality == "" {
		s.Quality = DefaultQuality
	}
	if s.Duration == 0 {
		s.Duration = duration
	}
	if s.FPS == 0 {
		s.FPS = DefaultFPS
	}
	if s.Format == "" {
		s.Format = DefaultFormat
	}
	return s
}

// JobFields carries the optional columns set alongside a status transition.
type JobFields struct {
	OutputLocation *string
	Error          *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	// IncrementAttempts bumps Job.Attempts by one.
	IncrementAttempts bool
}

// Apply copies the set fields onto job.
func (f JobFields) Apply(job *Job) {
	if f.OutputLocation != nil {
		job.OutputLocation = *f.OutputLocation
	}
	if f.Error != nil {
		job.Error = TruncateError(*f.Error)
	}
	if f.StartedAt != nil {
		t := *f.StartedAt
		job.StartedAt = &t
	}
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		job.CompletedAt = &t
	}
	if f.IncrementAttempts {
		job.Attempts++
	}
}

// TruncateError bounds a failure reason to MaxErrorLength bytes.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorLength {
		return msg[:MaxErrorLength]
	}
	return msg
}

// Task types
const (
	TaskTypeExport = "export:render"
)
