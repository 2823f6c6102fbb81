// Package poller periodically asks the monitoring sources about every job
// awaiting an external signal and forwards what it learns to the owning job.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/config"
	"pgsorchestrator/internal/job"
	"pgsorchestrator/internal/monitor"
	"pgsorchestrator/internal/observability"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config holds poller configuration.
type Config struct {
	Interval     time.Duration // time between the end of one cycle and the start of the next
	Workers      int           // concurrent status queries per cycle
	QueryTimeout time.Duration
	MissingGrace time.Duration // how long a job may be unknown to its source before it errors
}

// LoadConfigFromEnv loads poller configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Interval:     config.GetDurationEnv("POLL_INTERVAL", time.Minute),
		Workers:      config.GetIntEnv("POLL_WORKERS", 8),
		QueryTimeout: config.GetDurationEnv("POLL_QUERY_TIMEOUT", 30*time.Second),
		MissingGrace: config.GetDurationEnv("POLL_MISSING_GRACE", 30*time.Minute),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 30 * time.Second
	}
	if c.MissingGrace <= 0 {
		c.MissingGrace = 30 * time.Minute
	}
	return c
}

// Target is the side of the supervisor the poller talks to.
type Target interface {
	// Awaiting lists jobs waiting on an external signal.
	Awaiting(ctx context.Context) []*job.Job
	// Signal delivers an event to the job's state machine.
	Signal(ctx context.Context, jobID string, ev job.Event) (*job.Job, error)
}

// Poller runs the status poll loop. Cycles never overlap.
type Poller struct {
	config  Config
	target  Target
	source  monitor.Source
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	missing map[missingKey]time.Time // first time a job was reported not found
}

type missingKey struct {
	id    string
	state job.State
}

// New creates a poller.
func New(cfg Config, target Target, source monitor.Source, metrics *observability.Metrics) *Poller {
	return &Poller{
		config:  cfg.withDefaults(),
		target:  target,
		source:  source,
		metrics: metrics,
		logger:  slog.With("component", "poller"),
		now:     time.Now,
		missing: make(map[missingKey]time.Time),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("Status poller started", "interval", p.config.Interval, "workers", p.config.Workers)
	timer := time.NewTimer(p.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Status poller stopped")
			return
		case <-timer.C:
			p.Poll(ctx)
			timer.Reset(p.config.Interval)
		}
	}
}

// Poll runs one cycle. A failing query for one job never delays the others;
// it only means there is no news for that job this cycle.
func (p *Poller) Poll(ctx context.Context) {
	start := time.Now()
	jobs := p.target.Awaiting(ctx)
	p.forget(jobs)

	var g errgroup.Group
	g.SetLimit(p.config.Workers)
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			p.check(ctx, j)
			return nil
		})
	}
	_ = g.Wait()

	p.metrics.RecordPollCycle(ctx, time.Since(start).Seconds())
	p.logger.Debug("Poll cycle finished", "jobs", len(jobs), "duration", time.Since(start))
}

func (p *Poller) check(ctx context.Context, j *job.Job) {
	qctx, cancel := context.WithTimeout(ctx, p.config.QueryTimeout)
	report, err := p.source.Query(qctx, j)
	cancel()
	if err != nil {
		p.metrics.RecordPollQuery(ctx, "error")
		p.logger.Warn("Status query failed", "jobId", j.ID, "state", j.State, "error", err)
		return
	}
	p.metrics.RecordPollQuery(ctx, string(report.Status))

	if report.Status == monitor.StatusNotFound {
		p.notFound(ctx, j)
		return
	}
	p.seen(j)

	ev, ok := report.Event(j.State)
	if !ok {
		return
	}
	p.signal(ctx, j.ID, ev)
}

// notFound errors the job once it has been missing for longer than the grace period.
func (p *Poller) notFound(ctx context.Context, j *job.Job) {
	k := missingKey{j.ID, j.State}
	now := p.now()

	p.mu.Lock()
	first, ok := p.missing[k]
	if !ok {
		p.missing[k] = now
		first = now
	}
	p.mu.Unlock()

	if now.Sub(first) < p.config.MissingGrace {
		p.logger.Debug("Job not found by monitoring source", "jobId", j.ID, "since", first)
		return
	}
	p.logger.Error("Job missing from monitoring source past grace period", "jobId", j.ID, "state", j.State, "since", first)
	p.signal(ctx, j.ID, job.Event{Trigger: job.TriggerError, Reason: "job not found by monitoring service"})
	p.seen(j)
}

func (p *Poller) seen(j *job.Job) {
	p.mu.Lock()
	delete(p.missing, missingKey{j.ID, j.State})
	p.mu.Unlock()
}

// forget drops grace timers of jobs no longer awaiting a signal.
func (p *Poller) forget(awaiting []*job.Job) {
	keep := make(map[missingKey]bool, len(awaiting))
	for _, j := range awaiting {
		keep[missingKey{j.ID, j.State}] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.missing {
		if !keep[k] {
			delete(p.missing, k)
		}
	}
}

func (p *Poller) signal(ctx context.Context, jobID string, ev job.Event) {
	_, err := p.target.Signal(ctx, jobID, ev)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrInvalidTransition), errors.Is(err, apperrors.ErrNotFound):
		// the job moved on between listing and signalling
		p.logger.Debug("Signal ignored", "jobId", jobID, "trigger", ev.Trigger, "error", err)
	default:
		p.logger.Warn("Signal failed", "jobId", jobID, "trigger", ev.Trigger, "error", err)
	}
}
