package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/loopforge/exporter/internal/model"
)

const attemptHeader = "x-attempt"

// Rabbit is a RabbitMQ-backed queue. Topology per queue name q:
//
//	q              main queue, consumed by workers
//	q.retry.<N>s   holds redeliveries for N seconds (x-message-ttl), then
//	               dead-letters them back to q; one queue per delay so a
//	               long delay never blocks a short one behind it
//	q.dlq          exhausted or permanently failed messages, length-capped
type Rabbit struct {
	conn        *amqp.Connection
	opts        Options
	concurrency int
	log         *slog.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	consumeCh *amqp.Channel
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// DialRabbit connects and declares the queue topology. deadLetterLimit caps
// the DLQ length; zero leaves it unbounded.
func DialRabbit(url string, opts Options, concurrency, deadLetterLimit int, logger *slog.Logger) (*Rabbit, error) {
	opts = opts.withDefaults()
	if concurrency <= 0 {
		concurrency = 1
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := declareTopology(ch, opts.Name, deadLetterLimit); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Rabbit{conn: conn, opts: opts, concurrency: concurrency, log: logger, pubCh: ch}, nil
}

func declareTopology(ch *amqp.Channel, name string, deadLetterLimit int) error {
	dlqArgs := amqp.Table{}
	if deadLetterLimit > 0 {
		dlqArgs["x-max-length"] = int32(deadLetterLimit)
	}
	if _, err := ch.QueueDeclare(name+".dlq", true, false, false, false, dlqArgs); err != nil {
		return fmt.Errorf("declare dlq: %w", err)
	}

	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	return nil
}

// retryQueue declares the delay queue for d, rounded up to whole seconds.
// Idle delay queues expire a minute after their TTL.
func (r *Rabbit) retryQueue(d time.Duration) (string, error) {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	name := fmt.Sprintf("%s.retry.%ds", r.opts.Name, secs)

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	// Retry queue: message TTL -> dead-letter back to main queue
	_, err := r.pubCh.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": r.opts.Name,
		"x-message-ttl":             secs * 1000,
		"x-expires":                 (secs + 60) * 1000,
	})
	if err != nil {
		return "", fmt.Errorf("declare %s: %w", name, err)
	}
	return name, nil
}

func (r *Rabbit) publish(ctx context.Context, queue string, body []byte, msgID string, attempt int, extra amqp.Table) error {
	headers := amqp.Table{attemptHeader: int32(attempt)}
	for k, v := range extra {
		headers[k] = v
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msgID,
		Body:         body,
		Timestamp:    time.Now(),
		Headers:      headers,
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	return r.pubCh.PublishWithContext(cctx, "", queue, false, false, pub)
}

func (r *Rabbit) Enqueue(ctx context.Context, msg model.QueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.publish(ctx, r.opts.Name, body, msg.JobID, 1, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

const consumerTag = "export-worker"

// Start consumes with the configured number of workers sharing one channel.
// Qos bounds unacked deliveries to the worker count.
func (r *Rabbit) Start(h Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(r.concurrency, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(r.opts.Name, consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume: %w", err)
	}
	r.consumeCh = ch

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(r.concurrency)
	for i := 0; i < r.concurrency; i++ {
		go func(workerID int) {
			defer r.wg.Done()
			for d := range msgs {
				r.handle(ctx, workerID, h, d)
			}
		}(i)
	}
	return nil
}

func (r *Rabbit) handle(ctx context.Context, workerID int, h Handler, d amqp.Delivery) {
	var msg model.QueueMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
		r.log.Warn("bad message", "worker", workerID, "error", err)
		r.deadLetter(ctx, d, 0, "malformed message")
		return
	}

	attempt := headerAttempt(d.Headers)
	delivery := Delivery{Message: msg, Attempt: attempt, MaxAttempts: r.opts.MaxAttempts}

	hctx := ctx
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	err := h(hctx, delivery)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			r.log.Error("ack failed", "worker", workerID, "job_id", msg.JobID, "error", ackErr)
		}
	case IsRetriable(err) && !delivery.Final():
		retryQ, qErr := r.retryQueue(r.opts.retryDelay(err, attempt))
		if qErr == nil {
			qErr = r.publish(ctx, retryQ, d.Body, msg.JobID, attempt+1, nil)
		}
		if qErr != nil {
			r.log.Error("retry publish failed", "job_id", msg.JobID, "error", qErr)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	default:
		r.deadLetter(ctx, d, attempt, err.Error())
	}
}

func (r *Rabbit) deadLetter(ctx context.Context, d amqp.Delivery, attempt int, reason string) {
	extra := amqp.Table{"x-error": model.TruncateError(reason)}
	if err := r.publish(ctx, r.opts.Name+".dlq", d.Body, d.MessageId, attempt, extra); err != nil {
		r.log.Error("dead-letter publish failed", "error", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func headerAttempt(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}

// Shutdown stops consuming and waits for in-flight handlers.
func (r *Rabbit) Shutdown() {
	if r.consumeCh == nil {
		return
	}
	_ = r.consumeCh.Cancel(consumerTag, false)
	r.wg.Wait()
	r.cancel()
	_ = r.consumeCh.Close()
	r.consumeCh = nil
}

func (r *Rabbit) Close() error {
	r.Shutdown()
	if r.pubCh != nil {
		_ = r.pubCh.Close()
	}
	return r.conn.Close()
}
