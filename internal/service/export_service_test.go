package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"

	"github.com/loopforge/exporter/internal/jobstore"
	"github.com/loopforge/exporter/internal/model"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	messages []model.QueueMessage
	err      error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, msg model.QueueMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func newTestService(t *testing.T, q *fakeEnqueuer) (*ExportService, jobstore.Store) {
	t.Helper()
	store, err := jobstore.OpenSQL("sqlite", "file:"+filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewExportService(store, q, validator.New(), nil), store
}

const shader = "void main() { gl_FragColor = vec4(1.0); }"

func TestSubmitAppliesDefaultsAndEnqueues(t *testing.T) {
	q := &fakeEnqueuer{}
	svc, store := newTestService(t, q)

	res, err := svc.Submit(context.Background(), "user-1", &model.ExportRequest{ShaderCode: shader})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != model.JobStatusPending {
		t.Errorf("expected pending, got %s", res.Status)
	}

	if len(q.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(q.messages))
	}
	msg := q.messages[0]
	if msg.JobID != res.JobID || msg.ShaderCode != shader {
		t.Errorf("unexpected message %+v", msg)
	}
	want := model.Settings{AspectRatio: "16:9", Quality: "HD", Duration: 5, FPS: 30, Format: "mp4"}
	if msg.Settings != want {
		t.Errorf("expected defaults %+v, got %+v", want, msg.Settings)
	}

	job, err := store.Get(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Owner != "user-1" || job.Status != model.JobStatusPending {
		t.Errorf("unexpected stored job %+v", job)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestService(t, &fakeEnqueuer{})

	tests := []struct {
		name string
		req  model.ExportRequest
	}{
		{"empty payload", model.ExportRequest{}},
		{"bad aspect", model.ExportRequest{ShaderCode: shader, AspectRatio: "4:3"}},
		{"bad quality", model.ExportRequest{ShaderCode: shader, Quality: "8K"}},
		{"too long", model.ExportRequest{ShaderCode: shader, Duration: 61}},
		{"negative duration", model.ExportRequest{ShaderCode: shader, Duration: -1}},
		{"fps too high", model.ExportRequest{ShaderCode: shader, FPS: 120}},
		{"bad format", model.ExportRequest{ShaderCode: shader, Format: "avi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := svc.Submit(context.Background(), "user-1", &req)
			var ve validator.ValidationErrors
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation errors, got %v", err)
			}
		})
	}
}

func TestSubmitQueueUnavailable(t *testing.T) {
	q := &fakeEnqueuer{err: errors.New("dial tcp: connection refused")}
	svc, store := newTestService(t, q)

	res, err := svc.Submit(context.Background(), "user-1", &model.ExportRequest{ShaderCode: shader})
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}
	if res == nil || res.Status != model.JobStatusFailed {
		t.Fatalf("expected failed result, got %+v", res)
	}

	job, err := store.Get(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != model.JobStatusFailed || job.Error != "queue unavailable" {
		t.Errorf("expected failed job with reason, got %s %q", job.Status, job.Error)
	}
}

func TestSubmitBatch(t *testing.T) {
	q := &fakeEnqueuer{}
	svc, _ := newTestService(t, q)

	resp, err := svc.SubmitBatch(context.Background(), "user-1", &model.BatchExportRequest{
		Items: []model.BatchItem{
			{Ref: "art-1", ShaderCode: shader},
			{Ref: "art-2", ShaderCode: shader + "//2", AspectRatio: "9:16", Duration: 3},
		},
		Quality: "FHD",
		Format:  "mov",
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if resp.Count != 2 || len(q.messages) != 2 {
		t.Fatalf("expected 2 jobs and 2 messages, got %d and %d", resp.Count, len(q.messages))
	}

	// each message carries the id of the job created for its own item
	for i, job := range resp.Jobs {
		msg := q.messages[i]
		if msg.JobID != job.JobID {
			t.Errorf("item %d: message for %s, job %s", i, msg.JobID, job.JobID)
		}
		if msg.Settings.Quality != "FHD" || msg.Settings.Format != "mov" {
			t.Errorf("item %d: shared settings not applied: %+v", i, msg.Settings)
		}
	}
	if resp.Jobs[0].Ref != "art-1" || resp.Jobs[1].Ref != "art-2" {
		t.Errorf("refs not echoed: %+v", resp.Jobs)
	}
	if q.messages[0].Settings.Duration != 10 {
		t.Errorf("batch items default to 10s, got %v", q.messages[0].Settings.Duration)
	}
	if q.messages[1].Settings.AspectRatio != "9:16" || q.messages[1].Settings.Duration != 3 {
		t.Errorf("item overrides lost: %+v", q.messages[1].Settings)
	}
}

func TestSubmitBatchValidation(t *testing.T) {
	q := &fakeEnqueuer{}
	svc, _ := newTestService(t, q)

	_, err := svc.SubmitBatch(context.Background(), "user-1", &model.BatchExportRequest{
		Items: []model.BatchItem{{ShaderCode: shader}, {ShaderCode: ""}},
	})
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation errors, got %v", err)
	}
	if len(q.messages) != 0 {
		t.Error("nothing may be enqueued when any item is invalid")
	}

	_, err = svc.SubmitBatch(context.Background(), "user-1", &model.BatchExportRequest{})
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation errors for empty batch, got %v", err)
	}
}

func TestStatusOwnership(t *testing.T) {
	svc, store := newTestService(t, &fakeEnqueuer{})

	res, err := svc.Submit(context.Background(), "user-1", &model.ExportRequest{ShaderCode: shader, Format: "mov"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	st, err := svc.Status(context.Background(), res.JobID, "user-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != model.JobStatusPending || st.Format != model.FormatMOV {
		t.Errorf("unexpected status %+v", st)
	}

	if _, err := svc.Status(context.Background(), res.JobID, "user-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other owners must not see the job, got %v", err)
	}
	if _, err := svc.Status(context.Background(), res.JobID, ""); err != nil {
		t.Errorf("anonymous lookup by id should work, got %v", err)
	}
	if _, err := svc.Status(context.Background(), "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	location := "http://localhost:8080/download/" + res.JobID + ".mov"
	if _, err := store.Transition(context.Background(), res.JobID, model.JobStatusPending, model.JobStatusProcessing, model.JobFields{}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(context.Background(), res.JobID, model.JobStatusProcessing, model.JobStatusCompleted, model.JobFields{OutputLocation: &location}); err != nil {
		t.Fatal(err)
	}
	st, err = svc.Status(context.Background(), res.JobID, "user-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != model.JobStatusCompleted || st.OutputLocation != location {
		t.Errorf("unexpected status %+v", st)
	}
}
