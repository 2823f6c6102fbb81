// Package notify delivers job status notifications to the backend.
// Notifications are queued in a bounded buffer and delivered by a worker
// pool with retry. A delivery that still fails is requeued after the breaker
// cooldown until it succeeds or the notifier closes. The registered
// DeliveredFunc is told about every notification that left for good, so the
// caller can stop tracking it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/job"
	"pgsorchestrator/pkg/circuitbreaker"
	"pgsorchestrator/pkg/cloudevent"
	"pgsorchestrator/pkg/retry"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBufferFull is returned when the notifier's buffer is full and the notification was not queued.
var ErrBufferFull = errors.New("notifier buffer full, notification not queued")

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notifier is closed")

// Publisher sends one encoded notification to a backend.
// Errors wrapping apperrors.ErrPermanent are not retried.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event *cloudevent.CloudEvent) error
}

// DeliveredFunc is called once a notification was published, or was
// rejected by the backend as permanently undeliverable.
type DeliveredFunc func(ctx context.Context, n job.Notification)

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordNotifierDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifierFailed(ctx context.Context)
	RecordNotifierDropped(ctx context.Context)
	RecordNotifierRequeued(ctx context.Context)
	RecordNotifierQueueSize(ctx context.Context, size int64)
}

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total notifications queued
	Delivered    int64 // successful deliveries
	Failed       int64 // delivery attempts that failed after retries
	Rejected     int64 // permanently rejected by the backend
	Dropped      int64 // not queued on a full buffer, or still pending at shutdown
	Requeued     int64 // requeued after a failure or while the breaker was open
	RetriesTotal int64 // total retry attempts
	BreakerOpen  bool  // publisher breaker is open
}

type delivery struct {
	note     job.Notification
	event    *cloudevent.CloudEvent
	requeues int
}

// Notifier is an asynchronous job.Notifier.
type Notifier struct {
	queue     chan *delivery
	publisher Publisher
	breaker   *circuitbreaker.Breaker
	config    Config
	logger    *slog.Logger
	metrics   MetricsRecorder

	onDelivered atomic.Pointer[DeliveredFunc]

	// pending holds the event IDs queued or awaiting requeue.
	pendingMu sync.Mutex
	pending   map[string]struct{}

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	rejected     atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

var _ job.Notifier = (*Notifier)(nil)

// New creates a notifier delivering through publisher and starts its workers.
func New(cfg Config, publisher Publisher, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()

	n := &Notifier{
		queue:     make(chan *delivery, cfg.BufferSize),
		publisher: publisher,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "notifier", "publisher", publisher.Name()),
		metrics:  metrics,
		pending:  make(map[string]struct{}),
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go n.worker()
	}

	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

// OnDelivered registers fn to be called after each delivery.
func (n *Notifier) OnDelivered(fn DeliveredFunc) {
	n.onDelivered.Store(&fn)
}

// Notify queues a notification for delivery. It never blocks. A notification
// whose event is already pending is not queued twice.
func (n *Notifier) Notify(_ context.Context, note job.Notification) error {
	if n.closed.Load() {
		return ErrClosed
	}
	d := &delivery{note: note, event: job.NewStatusEvent(n.config.Source, note)}
	if !n.track(d.event.ID) {
		return nil
	}

	select {
	case n.queue <- d:
		n.queued.Add(1)
		return nil
	default:
		n.untrack(d.event.ID)
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifierDropped(context.Background())
		}
		n.logger.Warn("Notification not queued, buffer full", "jobId", note.JobID, "status", note.Status)
		return ErrBufferFull
	}
}

// Stats returns current notifier statistics.
func (n *Notifier) Stats() Stats {
	return Stats{
		QueueDepth:   len(n.queue),
		Queued:       n.queued.Load(),
		Delivered:    n.delivered.Load(),
		Failed:       n.failed.Load(),
		Rejected:     n.rejected.Load(),
		Dropped:      n.dropped.Load(),
		Requeued:     n.requeued.Load(),
		RetriesTotal: n.retriesTotal.Load(),
		BreakerOpen:  n.breaker.State() == circuitbreaker.Open,
	}
}

// Close stops accepting notifications and delivers what is queued.
// The context deadline controls how long to wait for drain.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"rejected", n.rejected.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordNotifierQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drainQueue()
			return
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

func (n *Notifier) drainQueue() {
	for {
		select {
		case d := <-n.queue:
			n.deliver(d)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(d *delivery) {
	if !n.breaker.Allow() {
		n.requeue(d)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.config.Timeout)
	defer cancel()

	start := time.Now()
	err := n.publishWithRetry(ctx, d.event)
	switch {
	case err == nil:
		n.breaker.RecordSuccess()
		n.delivered.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifierDelivered(ctx, time.Since(start).Seconds())
		}
		n.logger.Debug("Notification delivered", "jobId", d.event.Subject, "id", d.event.ID)
		n.settle(d)
	case errors.Is(err, apperrors.ErrPermanent):
		n.breaker.RecordSuccess()
		n.rejected.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifierFailed(ctx)
		}
		n.logger.Error("Notification rejected", "jobId", d.event.Subject, "id", d.event.ID, "error", err)
		n.settle(d)
	default:
		n.breaker.RecordFailure()
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifierFailed(ctx)
		}
		n.logger.Warn("Delivery failed, requeueing", "jobId", d.event.Subject, "id", d.event.ID, "error", err)
		n.requeue(d)
	}
}

// settle forgets a notification that left the notifier and reports it.
func (n *Notifier) settle(d *delivery) {
	n.untrack(d.event.ID)
	if fn := n.onDelivered.Load(); fn != nil {
		(*fn)(context.Background(), d.note)
	}
}

// requeue puts a notification back after the breaker cooldown. It is only
// given up when the notifier shuts down.
func (n *Notifier) requeue(d *delivery) {
	d.requeues++
	n.requeued.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifierRequeued(context.Background())
	}

	go func() {
		select {
		case <-n.shutdown:
			n.abandon(d)
			return
		case <-time.After(n.config.BreakerCooldown):
		}

		select {
		case <-n.shutdown:
			n.abandon(d)
		case n.queue <- d:
			n.logger.Debug("Notification requeued", "jobId", d.event.Subject, "requeues", d.requeues)
		}
	}()
}

// abandon gives up a notification still pending at shutdown. It stays
// pending in the job record and is sent again after restart.
func (n *Notifier) abandon(d *delivery) {
	n.untrack(d.event.ID)
	n.dropped.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifierDropped(context.Background())
	}
	n.logger.Warn("Notification not delivered before shutdown", "jobId", d.event.Subject, "id", d.event.ID, "requeues", d.requeues)
}

func (n *Notifier) track(id string) bool {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	if _, ok := n.pending[id]; ok {
		return false
	}
	n.pending[id] = struct{}{}
	return true
}

func (n *Notifier) untrack(id string) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	delete(n.pending, id)
}

func (n *Notifier) publishWithRetry(ctx context.Context, event *cloudevent.CloudEvent) error {
	retryable := func(err error) bool {
		return !errors.Is(err, apperrors.ErrPermanent)
	}
	onRetry := func(attempt int, err error, wait time.Duration) {
		n.retriesTotal.Add(1)
		n.logger.Debug("Retrying delivery", "jobId", event.Subject, "attempt", attempt, "wait", wait, "error", err)
	}
	err := retry.Do(ctx, n.config.Retry, retryable, onRetry, func(ctx context.Context) error {
		return n.publisher.Publish(ctx, event)
	})
	if err != nil {
		return fmt.Errorf("publish via %s: %w", n.publisher.Name(), err)
	}
	return nil
}
