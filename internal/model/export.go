package model

import "time"

// ExportRequest is the body of POST /api/exports.
type ExportRequest struct {
	ShaderCode  string      `json:"shaderCode" validate:"required,max=200000"`
	AspectRatio AspectRatio `json:"aspectRatio" validate:"required,oneof=16:9 9:16 1:1"`
	Quality     Quality     `json:"quality" validate:"required,oneof=HD FHD 4K"`
	Duration    float64     `json:"duration" validate:"gt=0,lte=60"`
	FPS         int         `json:"fps" validate:"min=1,max=60"`
	Format      Format      `json:"format" validate:"required,oneof=mp4 mov"`
}

// Settings extracts the rendering settings of the request.
func (r *ExportRequest) Settings() Settings {
	return Settings{
		AspectRatio: r.AspectRatio,
		Quality:     r.Quality,
		Duration:    r.Duration,
		FPS:         r.FPS,
		Format:      r.Format,
	}
}

// ApplyDefaults fills empty fields with the single-export defaults.
func (r *ExportRequest) ApplyDefaults(duration float64) {
	s := r.Settings().WithDefaults(duration)
	r.AspectRatio = s.AspectRatio
	r.Quality = s.Quality
	r.Duration = s.Duration
	r.FPS = s.FPS
	r.Format = s.Format
}

// BatchExportRequest exports several saved artworks with shared encode settings.
type BatchExportRequest struct {
	Items   []BatchItem `json:"items" validate:"required,min=1,max=50,dive"`
	Quality Quality     `json:"quality" validate:"omitempty,oneof=HD FHD 4K"`
	FPS     int         `json:"fps" validate:"omitempty,min=1,max=60"`
	Format  Format      `json:"format" validate:"omitempty,oneof=mp4 mov"`
}

// BatchItem is one artwork of a batch export.
type BatchItem struct {
	// Ref is an optional caller-side identifier echoed back in the result.
	Ref         string      `json:"ref,omitempty" validate:"omitempty,max=128"`
	ShaderCode  string      `json:"shaderCode" validate:"required,max=200000"`
	AspectRatio AspectRatio `json:"aspectRatio" validate:"omitempty,oneof=16:9 9:16 1:1"`
	Duration    float64     `json:"duration" validate:"omitempty,gt=0,lte=60"`
}

// SubmitResult is returned for every created job.
type SubmitResult struct {
	JobID     string    `json:"jobId"`
	Ref       string    `json:"ref,omitempty"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// BatchExportResponse lists the jobs created by a batch export.
type BatchExportResponse struct {
	Jobs  []SubmitResult `json:"jobs"`
	Count int            `json:"count"`
}

// StatusResponse is the read-only projection served to polling clients.
type StatusResponse struct {
	JobID          string    `json:"jobId"`
	Status         JobStatus `json:"status"`
	OutputLocation string    `json:"outputLocation,omitempty"`
	Error          string    `json:"error,omitempty"`
	Format         Format    `json:"format"`
}

// QueueMessage is the body carried by the Work Queue.
type QueueMessage struct {
	JobID      string   `json:"jobId"`
	ShaderCode string   `json:"payload"`
	Settings   Settings `json:"settings"`
}
