// Package queue delivers export jobs to workers at least once, with bounded
// retries and exponential backoff between attempts.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/loopforge/exporter/internal/model"
)

// ErrUnavailable wraps any failure to hand a message to the broker.
var ErrUnavailable = errors.New("queue unavailable")

// Options bound redelivery.
type Options struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout caps a single delivery's processing time. Zero means no cap.
	Timeout   time.Duration
	Retention time.Duration
}

// DefaultOptions matches the documented delivery contract: three attempts,
// two seconds doubling.
func DefaultOptions() Options {
	return Options{
		Name:        "video-export",
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
		Retention:   24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Name == "" {
		o.Name = d.Name
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	return o
}

// Delivery is one attempt at processing a message. Attempt is 1-based.
type Delivery struct {
	Message     model.QueueMessage
	Attempt     int
	MaxAttempts int
}

// Final reports whether a failure of this attempt will not be redelivered.
func (d Delivery) Final() bool {
	return d.Attempt >= d.MaxAttempts
}

// Handler processes a delivery. A nil return acknowledges it. An error marked
// with Retriable is redelivered after backoff while attempts remain; any other
// error dead-letters the message immediately.
type Handler func(ctx context.Context, d Delivery) error

// Enqueuer is the producer side used by the export service.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg model.QueueMessage) error
	Close() error
}

// Consumer is the worker side.
type Consumer interface {
	Start(h Handler) error
	Shutdown()
}

// Backoff returns the delay before the attempt following attempt n (1-based):
// base, 2*base, 4*base, ... capped at max when max > 0.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

type retriableError struct {
	err   error
	after time.Duration
}

func (e *retriableError) Error() string { return e.err.Error() }
func (e *retriableError) Unwrap() error { return e.err }

// Retriable marks err as transient so the queue redelivers it.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &retriableError{err: err}
}

// RetryAfter is Retriable with an explicit delay instead of the backoff
// schedule.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	return &retriableError{err: err, after: delay}
}

// IsRetriable reports whether err, or anything it wraps, was marked Retriable.
func IsRetriable(err error) bool {
	var re *retriableError
	return errors.As(err, &re)
}

// retryDelay picks the delay before redelivering after attempt failed with err.
func (o Options) retryDelay(err error, attempt int) time.Duration {
	var re *retriableError
	if errors.As(err, &re) && re.after > 0 {
		return re.after
	}
	return Backoff(o.BaseDelay, attempt, o.MaxDelay)
}
