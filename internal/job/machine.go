// Package job defines the job record, its lifecycle states and the per-job
// state machine that drives resources and notifications.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/observability"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ErrMachineStopped is returned by Fire after Stop.
var ErrMachineStopped = errors.New("state machine stopped")

const inboxSize = 16

// Deps are the capabilities a Machine drives.
type Deps struct {
	Store     Store
	Resources Resources
	Notifier  Notifier
	Metrics   *observability.Metrics
	Clock     func() time.Time // defaults to time.Now
}

// Machine owns one job. A single goroutine applies every event in arrival
// order, so no two transitions of the same job ever overlap. Readers use
// Snapshot and never see the live record.
type Machine struct {
	job       *Job
	store     Store
	resources Resources
	notifier  Notifier
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time

	snapshot atomic.Pointer[Job]
	inbox    chan command
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type command struct {
	ctx   context.Context
	event Event
	ack   State // set for delivery acknowledgements instead of event
	reply chan result
}

type result struct {
	job *Job
	err error
}

// NewMachine starts a machine resuming at the persisted state of j.
func NewMachine(j *Job, deps Deps) *Machine {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	m := &Machine{
		job:       j.Clone(),
		store:     deps.Store,
		resources: deps.Resources,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    slog.With("component", "job", "jobId", j.ID),
		now:       clock,
		inbox:     make(chan command, inboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.snapshot.Store(m.job.Clone())
	go m.run()
	return m
}

// ID returns the job ID.
func (m *Machine) ID() string {
	return m.job.ID
}

// Snapshot returns a copy of the last committed record.
func (m *Machine) Snapshot() *Job {
	return m.snapshot.Load().Clone()
}

// Fire enqueues an event and waits for it to be applied. It returns the record
// as committed after the event. A trigger the current state forbids yields an
// ErrInvalidTransition error and leaves the record unchanged.
func (m *Machine) Fire(ctx context.Context, ev Event) (*Job, error) {
	return m.send(ctx, command{ctx: ctx, event: ev, reply: make(chan result, 1)})
}

// Acknowledge removes status from the job's pending notices once its
// notification has been delivered. Unknown statuses are ignored.
func (m *Machine) Acknowledge(ctx context.Context, status State) (*Job, error) {
	return m.send(ctx, command{ctx: ctx, ack: status, reply: make(chan result, 1)})
}

func (m *Machine) send(ctx context.Context, cmd command) (*Job, error) {
	select {
	case m.inbox <- cmd:
	case <-m.quit:
		return nil, ErrMachineStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		return r.job, r.err
	case <-m.done:
		select {
		case r := <-cmd.reply:
			return r.job, r.err
		default:
			return nil, ErrMachineStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop terminates the machine goroutine after the event in progress.
// Events still queued are answered with ErrMachineStopped.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() { close(m.quit) })
	<-m.done
}

func (m *Machine) run() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			return
		case cmd := <-m.inbox:
			var r result
			if cmd.ack != "" {
				r.job, r.err = m.acknowledge(cmd.ctx, cmd.ack)
			} else {
				r.job, r.err = m.apply(cmd.ctx, cmd.event)
			}
			cmd.reply <- r
		}
	}
}

func (m *Machine) apply(ctx context.Context, ev Event) (*Job, error) {
	from := m.job.State
	e, ok := transitions[key{from, ev.Trigger}]
	if !ok {
		if duplicate(from, ev.Trigger) {
			m.logger.Debug("Ignoring repeated trigger", "state", from, "trigger", ev.Trigger)
			return m.job.Clone(), nil
		}
		m.metrics.RecordInvalidTransition(ctx, string(from), string(ev.Trigger))
		m.logger.Warn("Trigger not allowed", "state", from, "trigger", ev.Trigger)
		return m.job.Clone(), apperrors.InvalidTransition(m.job.ID, string(from), string(ev.Trigger))
	}

	var err error
	switch e.effect {
	case effectNone:
		if e.to != from {
			err = m.enter(ctx, e.to, ev, false)
		}
	case effectNotify:
		err = m.enter(ctx, e.to, ev, true)
	case effectProvision:
		err = m.provision(ctx)
	case effectSubmit:
		err = m.submit(ctx)
	case effectDestroy:
		err = m.cleanup(ctx)
	}
	return m.job.Clone(), err
}

// enter moves the job to state to, recording signal details.
func (m *Machine) enter(ctx context.Context, to State, ev Event, notify bool) error {
	next := m.job.Clone()
	next.State = to
	switch ev.Trigger {
	case TriggerAccept:
		next.Valid = true
	case TriggerReject:
		next.Valid = false
		next.ValidStatus = ev.Reason
	}
	if ev.Reason != "" {
		next.Reason = ev.Reason
	}
	if ev.TraceName != "" {
		next.TraceName = ev.TraceName
	}
	if ev.TraceExit != nil {
		v := *ev.TraceExit
		next.TraceExit = &v
	}
	if notify {
		next.PendingNotices = addNotice(next.PendingNotices, to)
	}
	if err := m.commit(ctx, next); err != nil {
		return err
	}
	if notify {
		m.notify(ctx)
	}
	return nil
}

// provision marks the job admitted, persists STAGING, then creates storage
// and the transfer workload. It resumes a job recovered in STAGING whose
// resources were never confirmed.
func (m *Machine) provision(ctx context.Context) error {
	if m.job.State == StateStaging && m.job.Staged {
		return nil
	}
	if m.job.State != StateStaging {
		next := m.job.Clone()
		next.State = StateStaging
		next.Admitted = true
		next.ResultLocation = m.resources.ResultLocation(next.ID)
		if err := m.commit(ctx, next); err != nil {
			return err
		}
	}

	if err := m.resources.CreateStaging(ctx, m.job.Clone()); err != nil {
		return m.infraFailure(ctx, "create staging resources", err)
	}

	next := m.job.Clone()
	next.Staged = true
	return m.commit(ctx, next)
}

// submit persists SUBMITTING, installs the compute workload and advances to RUNNING.
func (m *Machine) submit(ctx context.Context) error {
	if m.job.State == StateStaged {
		next := m.job.Clone()
		next.State = StateSubmitting
		if err := m.commit(ctx, next); err != nil {
			return err
		}
	}

	if err := m.resources.CreateCompute(ctx, m.job.Clone()); err != nil {
		return m.infraFailure(ctx, "install compute workload", err)
	}

	next := m.job.Clone()
	next.Submitted = true
	next.State = StateRunning
	next.PendingNotices = addNotice(next.PendingNotices, StateRunning)
	if err := m.commit(ctx, next); err != nil {
		return err
	}
	m.notify(ctx)
	return nil
}

// cleanup destroys the job's resources and only then records CLEANED_UP.
func (m *Machine) cleanup(ctx context.Context) error {
	if err := m.resources.Destroy(ctx, m.job.Clone()); err != nil {
		next := m.job.Clone()
		next.CleanupAttempts++
		if perr := m.commit(ctx, next); perr != nil {
			m.logger.Error("Failed to record cleanup attempt", "error", perr)
		}
		m.logger.Warn("Cleanup failed", "attempt", next.CleanupAttempts, "error", err)
		return fmt.Errorf("cleanup job %s: %w", m.job.ID, err)
	}
	return m.enter(ctx, StateCleanedUp, Event{Trigger: TriggerCleanup}, false)
}

// infraFailure routes the job to ERROR after a failed create. A create
// interrupted by shutdown leaves the state as is so it can be resumed.
func (m *Machine) infraFailure(ctx context.Context, op string, cause error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, cause)
	}
	m.logger.Error("Infrastructure failure", "op", op, "transient", apperrors.IsTransient(cause), "error", cause)
	return m.enter(ctx, StateError, Event{Trigger: TriggerError, Reason: fmt.Sprintf("%s: %v", op, cause)}, true)
}

// commit persists next and makes it the current record.
func (m *Machine) commit(ctx context.Context, next *Job) error {
	now := m.now()
	next.UpdatedAt = now
	if next.State.Terminal() && next.FinishedAt == nil {
		next.FinishedAt = &now
	}
	if err := m.store.Update(ctx, next); err != nil {
		return fmt.Errorf("persist job %s: %w", next.ID, err)
	}

	prev := m.job.State
	m.job = next
	m.snapshot.Store(next.Clone())

	if prev != next.State {
		m.metrics.RecordTransition(ctx, string(prev), string(next.State))
		m.logger.Info("Job state changed", "from", prev, "to", next.State)
		if next.State.Terminal() {
			m.metrics.RecordJobFinished(ctx, string(next.State), now.Sub(next.CreatedAt).Seconds())
		}
	}
	return nil
}

// acknowledge drops status from the pending notices and persists the record.
func (m *Machine) acknowledge(ctx context.Context, status State) (*Job, error) {
	i := slices.Index(m.job.PendingNotices, status)
	if i < 0 {
		return m.job.Clone(), nil
	}
	next := m.job.Clone()
	next.PendingNotices = slices.Delete(next.PendingNotices, i, i+1)
	if err := m.commit(ctx, next); err != nil {
		return m.job.Clone(), err
	}
	m.logger.Debug("Notification delivered", "status", status)
	return m.job.Clone(), nil
}

// notify hands the notification of the committed state to the notifier. A
// notification that cannot be queued stays pending and is sent again later.
func (m *Machine) notify(ctx context.Context) {
	n := NotificationFor(m.job, m.job.State, m.now())
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn("Failed to queue notification, will resend", "status", n.Status, "error", err)
	}
}

func addNotice(pending []State, s State) []State {
	if slices.Contains(pending, s) {
		return pending
	}
	return append(pending, s)
}
