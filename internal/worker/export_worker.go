package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loopforge/exporter/internal/delivery"
	"github.com/loopforge/exporter/internal/jobstore"
	"github.com/loopforge/exporter/internal/model"
	"github.com/loopforge/exporter/internal/queue"
	"github.com/loopforge/exporter/internal/render"
	"github.com/loopforge/exporter/internal/service"
	"github.com/loopforge/exporter/pkg/logger"
)

// ReasonWorkerLost is written to a job whose claim outlived the time limit.
const ReasonWorkerLost = "render worker lost"

// ErrTimeout fails a job that ran past its wall-clock ceiling.
var ErrTimeout = errors.New("export exceeded the job time limit")

const (
	DefaultJobTimeout = 15 * time.Minute
	DefaultStaleGrace = time.Minute

	// settleAttempts bounds in-place retries of a terminal store write.
	settleAttempts = 3
)

// Renderer captures a job's frames and hands them to use.
type Renderer interface {
	Run(ctx context.Context, spec render.Spec, use func(ctx context.Context, seq *render.FrameSequence) error) error
}

// Encoder turns a frame sequence into a video file and returns its path.
type Encoder interface {
	Encode(ctx context.Context, jobID string, seq *render.FrameSequence, quality model.Quality, format model.Format) (string, error)
}

// Notifier receives job lifecycle events. The websocket hub implements it.
type Notifier interface {
	BroadcastStep(jobID string, progress int, step string)
	BroadcastComplete(jobID string, result *model.StatusResponse)
	BroadcastError(jobID string, code, message string)
}

// ExportWorker executes queued export jobs.
type ExportWorker struct {
	store      jobstore.Store
	renderer   Renderer
	encoder    Encoder
	publisher  delivery.Publisher
	notifier   Notifier
	jobTimeout time.Duration
	staleGrace time.Duration
	log        *logger.Logger
	now        func() time.Time
	// settleDelay is the first pause between terminal write retries.
	settleDelay time.Duration
}

// Config tunes the worker's time limits.
type Config struct {
	JobTimeout time.Duration
	// StaleGrace is added to JobTimeout before another delivery may treat
	// a processing claim as abandoned.
	StaleGrace time.Duration
}

func NewExportWorker(store jobstore.Store, renderer Renderer, encoder Encoder, publisher delivery.Publisher, notifier Notifier, cfg Config, log *logger.Logger) *ExportWorker {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.StaleGrace <= 0 {
		cfg.StaleGrace = DefaultStaleGrace
	}
	if log == nil {
		log = logger.Discard()
	}
	return &ExportWorker{
		store:      store,
		renderer:   renderer,
		encoder:    encoder,
		publisher:  publisher,
		notifier:   notifier,
		jobTimeout: cfg.JobTimeout,
		staleGrace: cfg.StaleGrace,
		log:        log.WithComponent("worker"),
		now:        func() time.Time { return time.Now().UTC() },

		settleDelay: 500 * time.Millisecond,
	}
}

// Handle processes one delivery. It returns nil when the message should be
// acknowledged, a queue.Retriable error to have it redelivered, and any
// other error to drop it.
func (w *ExportWorker) Handle(ctx context.Context, d queue.Delivery) error {
	jobID := d.Message.JobID
	log := w.log.WithJobID(jobID)

	startedAt := w.now()
	job, err := w.store.Transition(ctx, jobID, model.JobStatusPending, model.JobStatusProcessing, model.JobFields{
		StartedAt:         &startedAt,
		IncrementAttempts: true,
	})
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		log.Warn("discarding message for unknown job")
		return nil
	case errors.Is(err, jobstore.ErrConflict):
		return w.handleConflict(ctx, d, log)
	case err != nil:
		return queue.Retriable(fmt.Errorf("claim job: %w", err))
	}

	log.Info("export started", "attempt", d.Attempt, "max_attempts", d.MaxAttempts, "job_attempts", job.Attempts)
	w.step(jobID, 0, "Starting renderer...")

	location, runErr := w.execute(ctx, job)
	if runErr == nil {
		return w.complete(ctx, job, location, log)
	}
	return w.fail(ctx, d, job, runErr, log)
}

// handleConflict decides what to do with a delivery that lost the claim.
func (w *ExportWorker) handleConflict(ctx context.Context, d queue.Delivery, log *logger.Logger) error {
	job, err := w.store.Get(ctx, d.Message.JobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return nil
		}
		return queue.Retriable(fmt.Errorf("load job: %w", err))
	}
	if job.Status != model.JobStatusProcessing {
		log.Info("discarding duplicate delivery", "status", job.Status)
		return nil
	}

	staleAfter := w.jobTimeout + w.staleGrace
	var held time.Duration
	if job.StartedAt != nil {
		held = w.now().Sub(*job.StartedAt)
	}
	if job.StartedAt == nil || held >= staleAfter {
		reason := ReasonWorkerLost
		completedAt := w.now()
		_, err := w.store.Transition(ctx, job.ID, model.JobStatusProcessing, model.JobStatusFailed, model.JobFields{
			Error:       &reason,
			CompletedAt: &completedAt,
		})
		if err != nil && !errors.Is(err, jobstore.ErrConflict) {
			return queue.Retriable(fmt.Errorf("recover stale job: %w", err))
		}
		if err == nil {
			log.Warn("recovered abandoned job", "held_for", held.String())
			w.notifyError(job.ID, "WORKER_LOST", reason)
		}
		return nil
	}

	// Another delivery holds a live claim. Come back once it would count as
	// abandoned, unless this was the last attempt.
	if d.Final() {
		log.Info("discarding duplicate delivery", "status", job.Status)
		return nil
	}
	wait := w.untilStale(job)
	log.Info("job claimed elsewhere, deferring", "retry_in", wait.String())
	return queue.RetryAfter(fmt.Errorf("job %s is being processed: %w", job.ID, jobstore.ErrConflict), wait)
}

// execute renders, encodes and publishes under the job time limit.
func (w *ExportWorker) execute(ctx context.Context, job *model.Job) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	settings := job.Payload.Settings.WithDefaults(model.DefaultDuration)
	spec := render.NewSpec(job.ID, job.Payload)

	var location string
	err := w.renderer.Run(ctx, spec, func(ctx context.Context, seq *render.FrameSequence) error {
		w.step(job.ID, 95, "Encoding video...")
		output, err := w.encoder.Encode(ctx, job.ID, seq, settings.Quality, settings.Format)
		if err != nil {
			return err
		}
		w.step(job.ID, 98, "Publishing...")
		location, err = w.publisher.Publish(ctx, job.ID, output, settings.Format)
		return err
	})
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w of %s: %v", ErrTimeout, w.jobTimeout, err)
	}
	return location, err
}

func (w *ExportWorker) complete(ctx context.Context, job *model.Job, location string, log *logger.Logger) error {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	completedAt := w.now()
	done, err := w.settle(storeCtx, job, model.JobStatusCompleted, model.JobFields{
		OutputLocation: &location,
		CompletedAt:    &completedAt,
	}, log)
	if err != nil {
		return w.unsettled(job, fmt.Errorf("complete job: %w", err), log)
	}

	elapsed := time.Duration(0)
	if job.StartedAt != nil {
		elapsed = completedAt.Sub(*job.StartedAt)
	}
	log.Info("export completed", "location", location, "elapsed", elapsed.String())
	if w.notifier != nil {
		w.notifier.BroadcastComplete(job.ID, service.StatusOf(done))
	}
	return nil
}

// fail converts a job execution error into a state transition. Retriable
// errors hand the job back to pending while attempts remain.
func (w *ExportWorker) fail(ctx context.Context, d queue.Delivery, job *model.Job, runErr error, log *logger.Logger) error {
	msg := runErr.Error()
	// The parent context is cancelled on shutdown; the row must still
	// leave processing.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if retriable(ctx, runErr) && !d.Final() {
		_, err := w.store.Transition(storeCtx, job.ID, model.JobStatusProcessing, model.JobStatusPending, model.JobFields{
			Error: &msg,
		})
		if err != nil {
			log.Error("failed to hand job back for retry", "error", err)
		}
		log.Warn("export attempt failed, will retry", "attempt", d.Attempt, "error", msg)
		return queue.Retriable(runErr)
	}

	completedAt := w.now()
	_, err := w.settle(storeCtx, job, model.JobStatusFailed, model.JobFields{
		Error:       &msg,
		CompletedAt: &completedAt,
	}, log)
	if err != nil {
		return w.unsettled(job, fmt.Errorf("fail job after %v: %w", runErr, err), log)
	}
	log.Error("export failed", "attempt", d.Attempt, "error", msg)
	w.notifyError(job.ID, errorCode(runErr), model.TruncateError(msg))
	return runErr
}

// settle moves a claimed job to a terminal status, retrying store errors in
// place. A conflict means the claim was already recovered elsewhere.
func (w *ExportWorker) settle(ctx context.Context, job *model.Job, to model.JobStatus, fields model.JobFields, log *logger.Logger) (*model.Job, error) {
	delay := w.settleDelay
	var err error
	for try := 1; ; try++ {
		var done *model.Job
		done, err = w.store.Transition(ctx, job.ID, model.JobStatusProcessing, to, fields)
		if err == nil || errors.Is(err, jobstore.ErrConflict) || errors.Is(err, jobstore.ErrNotFound) {
			return done, err
		}
		log.Warn("terminal write failed", "to", to, "try", try, "error", err)
		if try == settleAttempts {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// unsettled handles a job whose terminal write did not land. A conflict is
// acknowledged. Otherwise the message comes back once the claim counts as
// stale, and handleConflict takes the job out of processing.
func (w *ExportWorker) unsettled(job *model.Job, err error, log *logger.Logger) error {
	if errors.Is(err, jobstore.ErrConflict) || errors.Is(err, jobstore.ErrNotFound) {
		log.Warn("job left processing elsewhere", "error", err)
		return nil
	}
	log.Error("job stuck in processing, redelivering after the claim expires", "error", err)
	return queue.RetryAfter(err, w.untilStale(job))
}

// untilStale is how long until a claim on job counts as abandoned.
func (w *ExportWorker) untilStale(job *model.Job) time.Duration {
	wait := w.jobTimeout + w.staleGrace
	if job.StartedAt != nil {
		wait -= w.now().Sub(*job.StartedAt)
	}
	return max(wait, 0) + time.Second
}

// retriable reports whether an execution error is worth another attempt.
func retriable(ctx context.Context, err error) bool {
	switch {
	case queue.IsRetriable(err):
		return true
	case errors.Is(err, render.ErrHostLaunch):
		return true
	case errors.Is(err, delivery.ErrUpload):
		return true
	case ctx.Err() != nil:
		// shutdown interrupted the job
		return true
	}
	return false
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, render.ErrHostNotReady):
		return "SHADER_ERROR"
	case errors.Is(err, render.ErrHostCrashed):
		return "RENDER_ERROR"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	default:
		return "EXPORT_FAILED"
	}
}

func (w *ExportWorker) step(jobID string, progress int, step string) {
	if w.notifier != nil {
		w.notifier.BroadcastStep(jobID, progress, step)
	}
}

func (w *ExportWorker) notifyError(jobID, code, message string) {
	if w.notifier != nil {
		w.notifier.BroadcastError(jobID, code, message)
	}
}
