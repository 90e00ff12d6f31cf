// Package jobstore persists export jobs. It is the single source of truth
// polled by clients, and its compare-and-swap Transition is what keeps two
// workers from executing the same job.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopforge/exporter/internal/model"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a transition's expected status does not
	// match the stored one. The caller lost a race and must abort.
	ErrConflict = errors.New("job status precondition failed")
	// ErrInvalidTransition rejects edges that are not part of the state machine.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store is the Job Store contract shared by every backend.
type Store interface {
	// Create persists a new pending job owned by owner.
	Create(ctx context.Context, owner string, payload model.JobPayload) (*model.Job, error)
	// Get returns the job or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Job, error)
	// Transition moves the job from -> to only if its current status is from,
	// applying fields in the same write. It returns the updated job.
	Transition(ctx context.Context, id string, from, to model.JobStatus, fields model.JobFields) (*model.Job, error)
	Ping(ctx context.Context) error
	Close() error
}

// newPendingJob builds the row every backend inserts on Create.
func newPendingJob(owner string, payload model.JobPayload) *model.Job {
	return &model.Job{
		ID:        uuid.New().String(),
		Owner:     owner,
		Status:    model.JobStatusPending,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

func checkTransition(from, to model.JobStatus) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// applyTransition performs the compare step on a loaded job and mutates it.
// Backends that load-modify-store under their own exclusion use it.
func applyTransition(job *model.Job, from, to model.JobStatus, fields model.JobFields) error {
	if job.Status != from {
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrConflict, job.ID, job.Status, from)
	}
	job.Status = to
	fields.Apply(job)
	return nil
}
