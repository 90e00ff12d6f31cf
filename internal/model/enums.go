package model

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition may leave this status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		// pending -> failed is the queue-unavailable path
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		// processing -> pending hands a job back for a retriable redelivery
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusPending
	}
	return false
}

// Aspect ratios
type AspectRatio string

const (
	AspectRatio16x9 AspectRatio = "16:9"
	AspectRatio9x16 AspectRatio = "9:16"
	AspectRatio1x1  AspectRatio = "1:1"
)

var ValidAspectRatios = []AspectRatio{AspectRatio16x9, AspectRatio9x16, AspectRatio1x1}

// Quality tiers: standard, full and ultra definition.
type Quality string

const (
	QualityHD  Quality = "HD"
	QualityFHD Quality = "FHD"
	Quality4K  Quality = "4K"
)

var ValidQualities = []Quality{QualityHD, QualityFHD, Quality4K}

// Output containers
type Format string

const (
	FormatMP4 Format = "mp4"
	FormatMOV Format = "mov"
)

var ValidFormats = []Format{FormatMP4, FormatMOV}

// ContentType returns the MIME type served for a container.
func (f Format) ContentType() string {
	switch f {
	case FormatMOV:
		return "video/quicktime"
	default:
		return "video/mp4"
	}
}
