// Package storetest is a conformance suite run against every jobstore backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loopforge/exporter/internal/jobstore"
	"github.com/loopforge/exporter/internal/model"
)

func samplePayload() model.JobPayload {
	return model.JobPayload{
		ShaderCode: "void main() { gl_FragColor = vec4(1.0); }",
		Settings:   model.Settings{}.WithDefaults(model.DefaultDuration),
	}
}

// Run exercises store through the full job lifecycle.
func Run(t *testing.T, store jobstore.Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, store) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, store) })
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, store) })
	t.Run("StaleTransition", func(t *testing.T) { testStaleTransition(t, store) })
	t.Run("InvalidEdge", func(t *testing.T) { testInvalidEdge(t, store) })
	t.Run("TerminalIsFinal", func(t *testing.T) { testTerminalIsFinal(t, store) })
	t.Run("ErrorTruncated", func(t *testing.T) { testErrorTruncated(t, store) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, store) })
}

func testCreateAndGet(t *testing.T, store jobstore.Store) {
	ctx := context.Background()

	job, err := store.Create(ctx, "user-1", samplePayload())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected generated id")
	}
	if job.Status != model.JobStatusPending {
		t.Errorf("expected pending, got %s", job.Status)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Owner != "user-1" {
		t.Errorf("expected owner user-1, got %q", got.Owner)
	}
	if got.Payload.ShaderCode != job.Payload.ShaderCode {
		t.Errorf("shader code not persisted")
	}
	if got.Payload.Settings != job.Payload.Settings {
		t.Errorf("expected settings %+v, got %+v", job.Payload.Settings, got.Payload.Settings)
	}
	if got.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", got.Attempts)
	}
}

func testGetMissing(t *testing.T, store jobstore.Store) {
	_, err := store.Get(context.Background(), "does-not-exist")
	if !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testLifecycle(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	job, err := store.Create(ctx, "user-1", samplePayload())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	started := time.Now().UTC()
	claimed, err := store.Transition(ctx, job.ID, model.JobStatusPending, model.JobStatusProcessing, model.JobFields{
		StartedAt:         &started,
		IncrementAttempts: true,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != model.JobStatusProcessing {
		t.Errorf("expected processing, got %s", claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", claimed.Attempts)
	}
	if claimed.StartedAt == nil {
		t.Error("expected startedAt to be set")
	}

	location := "http://localhost:8080/download/" + job.ID + ".mp4"
	completed := time.Now().UTC()
	done, err := store.Transition(ctx, job.ID, model.JobStatusProcessing, model.JobStatusCompleted, model.JobFields{
		OutputLocation: &location,
		CompletedAt:    &completed,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.OutputLocation != location {
		t.Errorf("expected output %q, got %q", location, done.OutputLocation)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.JobStatusCompleted || got.OutputLocation != location {
		t.Errorf("unexpected stored job: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("expected completedAt to be set")
	}
}

func testStaleTransition(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	job, err := store.Create(ctx, "user-1", samplePayload())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = store.Transition(ctx, job.ID, model.JobStatusProcessing, model.JobStatusCompleted, model.JobFields{})
	if !errors.Is(err, jobstore.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.JobStatusPending {
		t.Errorf("rejected transition must not change status, got %s", got.Status)
	}

	_, err = store.Transition(ctx, "does-not-exist", model.JobStatusPending, model.JobStatusProcessing, model.JobFields{})
	if !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func testInvalidEdge(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	job, err := store.Create(ctx, "user-1", samplePayload())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = store.Transition(ctx, job.ID, model.JobStatusPending, model.JobStatusCompleted, model.JobFields{})
	if !errors.Is(err, jobstore.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func testTerminalIsFinal(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	job, err := store.Create(ctx, "user-1", samplePayload())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reason := model.QueueUnavailableMessage
	if _, err := store.Transition(ctx, job.ID, model.JobStatusPending, model.JobStatusFailed, model.JobFields{Error: &reason}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	for _, to := range []model.JobStatus{model.JobStatusProcessing, model.JobStatusCompleted, model.JobStatusPending} {
		_, err := store.Transition(ctx, job.ID, model.JobStatusFailed, to, model.JobFields{})
		if !errors.Is(err, jobstore.ErrInvalidTransition) {
			t.Errorf("failed -> %s: expected ErrInvalidTransition, got %v", to, err)
		}
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Error != reason {
		t.Errorf("expected error %q, got %q", reason, got.Error)
	}
}

func testErrorTruncated(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	job, err := store.Create(ctx, "user-1", samplePayload())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	long := make([]byte, model.MaxErrorLength+500)
	for i := range long {
		long[i] = 'x'
	}
	reason := string(long)
	got, err := store.Transition(ctx, job.ID, model.JobStatusPending, model.JobStatusFailed, model.JobFields{Error: &reason})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if len(got.Error) != model.MaxErrorLength {
		t.Errorf("expected error length %d, got %d", model.MaxErrorLength, len(got.Error))
	}
}

func testConcurrentClaim(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	job, err := store.Create(ctx, "user-1", samplePayload())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Transition(ctx, job.ID, model.JobStatusPending, model.JobStatusProcessing, model.JobFields{IncrementAttempts: true})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, jobstore.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one claim to win, got %d", wins)
	}
	if conflicts != workers-1 {
		t.Errorf("expected %d conflicts, got %d", workers-1, conflicts)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempts != 1 {
		t.Errorf("expected 1 attempt after a single claim, got %d", got.Attempts)
	}
}
