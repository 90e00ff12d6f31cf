package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/loopforge/exporter/internal/model"
)

// AsynqEnqueuer publishes export tasks to a Redis-backed asynq queue.
type AsynqEnqueuer struct {
	client *asynq.Client
	opts   Options
}

func NewAsynqEnqueuer(redisOpt asynq.RedisClientOpt, opts Options) *AsynqEnqueuer {
	return &AsynqEnqueuer{
		client: asynq.NewClient(redisOpt),
		opts:   opts.withDefaults(),
	}
}

func newExportTask(msg model.QueueMessage) (*asynq.Task, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(model.TaskTypeExport, payload), nil
}

// taskOptions maps Options onto asynq. MaxRetry counts redeliveries, so it is
// one less than the attempt budget. TaskID dedupes a double submit of one job.
func (o Options) taskOptions(jobID string) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(o.Name),
		asynq.MaxRetry(o.MaxAttempts - 1),
		asynq.TaskID(jobID),
	}
	if o.Timeout > 0 {
		opts = append(opts, asynq.Timeout(o.Timeout))
	}
	if o.Retention > 0 {
		opts = append(opts, asynq.Retention(o.Retention))
	}
	return opts
}

func (q *AsynqEnqueuer) Enqueue(ctx context.Context, msg model.QueueMessage) error {
	task, err := newExportTask(msg)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = q.client.EnqueueContext(ctx, task, q.opts.taskOptions(msg.JobID)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *AsynqEnqueuer) Close() error {
	return q.client.Close()
}

// AsynqConsumer runs an asynq server on the export queue.
type AsynqConsumer struct {
	srv  *asynq.Server
	opts Options
	log  *slog.Logger
}

// NewAsynqConsumer configures the server. logLevel follows the server's
// log_level setting.
func NewAsynqConsumer(redisOpt asynq.RedisClientOpt, opts Options, concurrency int, logLevel string, logger *slog.Logger) *AsynqConsumer {
	opts = opts.withDefaults()
	if concurrency <= 0 {
		concurrency = 1
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			opts.Name: 1,
		},
		// n is the number of times the task has already been retried.
		RetryDelayFunc: func(n int, err error, _ *asynq.Task) time.Duration {
			return opts.retryDelay(err, n+1)
		},
		Logger:   &asynqLogger{log: logger},
		LogLevel: asynqLogLevel(logLevel),
	})

	return &AsynqConsumer{srv: srv, opts: opts, log: logger}
}

// Start registers h and begins processing in the background.
func (c *AsynqConsumer) Start(h Handler) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(model.TaskTypeExport, c.adapt(h))
	return c.srv.Start(mux)
}

// Shutdown stops fetching and waits for in-flight tasks.
func (c *AsynqConsumer) Shutdown() {
	c.srv.Shutdown()
}

func (c *AsynqConsumer) adapt(h Handler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var msg model.QueueMessage
		if err := json.Unmarshal(t.Payload(), &msg); err != nil {
			return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
		}

		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, ok := asynq.GetMaxRetry(ctx)
		if !ok {
			maxRetry = c.opts.MaxAttempts - 1
		}

		err := h(ctx, Delivery{
			Message:     msg,
			Attempt:     retried + 1,
			MaxAttempts: maxRetry + 1,
		})
		if err != nil && !IsRetriable(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch level {
	case "debug":
		return asynq.DebugLevel
	case "warn", "warning":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	log *slog.Logger
}

func (l *asynqLogger) logger() *slog.Logger {
	if l.log == nil {
		return slog.Default()
	}
	return l.log
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger().Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger().Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger().Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger().Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger().Error(fmt.Sprint(args...))
	os.Exit(1)
}
