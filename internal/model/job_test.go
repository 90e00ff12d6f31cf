package model

import (
	"strings"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusPending, JobStatusProcessing, true},
		{JobStatusPending, JobStatusFailed, true},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusProcessing, JobStatusCompleted, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusPending, true},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusFailed, JobStatusPending, false},
		{JobStatusCompleted, JobStatusProcessing, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSettingsWithDefaults(t *testing.T) {
	s := Settings{Quality: Quality4K}.WithDefaults(DefaultDuration)

	if s.AspectRatio != AspectRatio16x9 || s.Quality != Quality4K || s.Duration != 5 ||
		s.FPS != 30 || s.Format != FormatMP4 {
		t.Errorf("unexpected defaults: %+v", s)
	}
}

func TestJobFieldsApply(t *testing.T) {
	now := time.Now()
	loc := "http://host/download/x.mp4"
	longErr := strings.Repeat("e", MaxErrorLength+50)

	job := &Job{}
	JobFields{OutputLocation: &loc, Error: &longErr, StartedAt: &now, IncrementAttempts: true}.Apply(job)

	if job.OutputLocation != loc {
		t.Errorf("expected output location %q, got %q", loc, job.OutputLocation)
	}
	if len(job.Error) != MaxErrorLength {
		t.Errorf("expected error truncated to %d, got %d", MaxErrorLength, len(job.Error))
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(now) {
		t.Error("expected startedAt to be set")
	}
	if job.Attempts != 1 {
		t.Errorf("expected attempts 1, got %d", job.Attempts)
	}
}
