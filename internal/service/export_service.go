package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/loopforge/exporter/internal/jobstore"
	"github.com/loopforge/exporter/internal/model"
	"github.com/loopforge/exporter/internal/queue"
	"github.com/loopforge/exporter/pkg/logger"
)

var (
	// ErrQueueUnavailable means the job was created but could not be
	// enqueued; it has been marked failed.
	ErrQueueUnavailable = errors.New(model.QueueUnavailableMessage)
	// ErrNotFound hides both missing jobs and jobs owned by someone else.
	ErrNotFound = errors.New("job not found")
)

// ExportService is the submission and polling boundary of the pipeline.
type ExportService struct {
	store    jobstore.Store
	queue    queue.Enqueuer
	validate *validator.Validate
	log      *logger.Logger
}

func NewExportService(store jobstore.Store, q queue.Enqueuer, validate *validator.Validate, log *logger.Logger) *ExportService {
	if validate == nil {
		validate = validator.New()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &ExportService{
		store:    store,
		queue:    q,
		validate: validate,
		log:      log.WithComponent("export"),
	}
}

// Submit creates a pending job and enqueues it. Validation failures return
// validator.ValidationErrors. When the queue rejects the message the job is
// failed and ErrQueueUnavailable is returned together with the result.
func (s *ExportService) Submit(ctx context.Context, owner string, req *model.ExportRequest) (*model.SubmitResult, error) {
	req.ApplyDefaults(model.DefaultDuration)
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	return s.submit(ctx, owner, model.JobPayload{
		ShaderCode: req.ShaderCode,
		Settings:   req.Settings(),
	})
}

// SubmitBatch creates one job per item with the shared encode settings.
// Each created job id goes into its own queue message. Items that could not
// be enqueued are reported as failed; the rest still run.
func (s *ExportService) SubmitBatch(ctx context.Context, owner string, req *model.BatchExportRequest) (*model.BatchExportResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	requests := make([]*model.ExportRequest, 0, len(req.Items))
	for _, item := range req.Items {
		r := &model.ExportRequest{
			ShaderCode:  item.ShaderCode,
			AspectRatio: item.AspectRatio,
			Quality:     req.Quality,
			Duration:    item.Duration,
			FPS:         req.FPS,
			Format:      req.Format,
		}
		r.ApplyDefaults(model.DefaultBatchDuration)
		if err := s.validate.Struct(r); err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}

	resp := &model.BatchExportResponse{Jobs: make([]model.SubmitResult, 0, len(requests))}
	for i, r := range requests {
		result, err := s.submit(ctx, owner, model.JobPayload{
			ShaderCode: r.ShaderCode,
			Settings:   r.Settings(),
		})
		if err != nil && !errors.Is(err, ErrQueueUnavailable) {
			return nil, err
		}
		result.Ref = req.Items[i].Ref
		resp.Jobs = append(resp.Jobs, *result)
	}
	resp.Count = len(resp.Jobs)
	return resp, nil
}

func (s *ExportService) submit(ctx context.Context, owner string, payload model.JobPayload) (*model.SubmitResult, error) {
	job, err := s.store.Create(ctx, owner, payload)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	msg := model.QueueMessage{
		JobID:      job.ID,
		ShaderCode: payload.ShaderCode,
		Settings:   payload.Settings,
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		s.log.Error("enqueue failed", "job_id", job.ID, "error", err)

		reason := model.QueueUnavailableMessage
		failed, terr := s.store.Transition(ctx, job.ID, model.JobStatusPending, model.JobStatusFailed, model.JobFields{Error: &reason})
		if terr != nil {
			s.log.Error("failed to mark job failed", "job_id", job.ID, "error", terr)
			failed = job
			failed.Status = model.JobStatusFailed
			failed.Error = reason
		}
		return &model.SubmitResult{
			JobID:     job.ID,
			Status:    failed.Status,
			Error:     failed.Error,
			CreatedAt: job.CreatedAt,
		}, ErrQueueUnavailable
	}

	s.log.Info("export queued",
		"job_id", job.ID,
		"aspect_ratio", payload.Settings.AspectRatio,
		"quality", payload.Settings.Quality,
		"duration", payload.Settings.Duration,
		"fps", payload.Settings.FPS,
		"format", payload.Settings.Format,
	)
	return &model.SubmitResult{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}, nil
}

// Get returns the job if owner may see it. An empty owner skips the check.
func (s *ExportService) Get(ctx context.Context, id, owner string) (*model.Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if owner != "" && job.Owner != "" && job.Owner != owner {
		return nil, ErrNotFound
	}
	return job, nil
}

// Status is the read-only projection polled by clients.
func (s *ExportService) Status(ctx context.Context, id, owner string) (*model.StatusResponse, error) {
	job, err := s.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	return StatusOf(job), nil
}

// StatusOf projects a job onto the polling response.
func StatusOf(job *model.Job) *model.StatusResponse {
	return &model.StatusResponse{
		JobID:          job.ID,
		Status:         job.Status,
		OutputLocation: job.OutputLocation,
		Error:          job.Error,
		Format:         job.Payload.Settings.Format,
	}
}

// Ping checks the job store.
func (s *ExportService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
