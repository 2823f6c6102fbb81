// Package supervisor owns the state machines of all live jobs. It admits
// jobs under the concurrency limit, rehydrates them after a restart, routes
// signals to them, and runs the periodic admission and cleanup sweep. A job
// stays loaded until it is cleaned up and its notifications are delivered.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/job"
	"pgsorchestrator/internal/observability"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("supervisor closed")

// Supervisor is the process-wide registry of job state machines.
type Supervisor struct {
	config  Config
	deps    job.Deps
	store   job.Store
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time

	jobs *registry

	slotsMu  sync.Mutex
	admitted map[string]struct{} // jobs holding an admission slot

	mu        sync.Mutex
	inflight  map[inflightKey]struct{}
	exhausted map[string]struct{}
	closed    bool

	// ctx bounds background transitions; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type inflightKey struct {
	id      string
	trigger job.Trigger
}

// New creates a supervisor. Call Recover before serving requests.
func New(cfg Config, deps job.Deps) *Supervisor {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		config:    cfg.withDefaults(),
		deps:      deps,
		store:     deps.Store,
		metrics:   deps.Metrics,
		logger:    slog.With("component", "supervisor"),
		now:       deps.Clock,
		jobs:      newRegistry(),
		admitted:  make(map[string]struct{}),
		inflight:  make(map[inflightKey]struct{}),
		exhausted: make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Recover loads every job that is not cleaned up, or still has notifications
// pending, and rebuilds its machine at the persisted state. Admission slots
// are recomputed from the records and pending notifications are resent.
// Interrupted work resumes on the next Sweep.
func (s *Supervisor) Recover(ctx context.Context) error {
	states := make([]job.State, 0, len(job.AllStates))
	for _, st := range job.AllStates {
		if st != job.StateCleanedUp {
			states = append(states, st)
		}
	}
	jobs, err := s.store.List(ctx, job.Filter{States: states})
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	unnotified, err := s.store.List(ctx, job.Filter{States: []job.State{job.StateCleanedUp}, Unnotified: true})
	if err != nil {
		return fmt.Errorf("load unnotified jobs: %w", err)
	}

	loaded, resent := 0, 0
	for _, j := range append(jobs, unnotified...) {
		if _, err := s.load(j); err != nil {
			continue
		}
		loaded++
		resent += s.resend(ctx, j)
	}
	s.logger.Info("Recovered jobs", "jobs", loaded, "admitted", s.admittedCount(), "resentNotices", resent)
	return nil
}

// Acknowledge records that a notification was delivered. It returns at once;
// the job record is updated in the background.
func (s *Supervisor) Acknowledge(_ context.Context, n job.Notification) {
	m, ok := s.jobs.get(n.JobID)
	if !ok || m == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		j, err := m.Acknowledge(s.ctx, n.Status)
		if err != nil {
			if !errors.Is(err, job.ErrMachineStopped) && s.ctx.Err() == nil {
				s.logger.Warn("Failed to record notification delivery", "jobId", n.JobID, "status", n.Status, "error", err)
			}
			return
		}
		if j.State == job.StateCleanedUp {
			s.finish(j)
		}
	}()
}

// Submit validates a manifest and creates its job. A valid job is admitted
// right away when capacity allows and otherwise waits in VALIDATED. An
// invalid manifest still creates a record, in INVALID, and the validation
// error is returned with it.
func (s *Supervisor) Submit(ctx context.Context, raw []byte) (*job.Job, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	manifest, verr := job.ParseManifest(raw)
	id := manifest.JobID()
	if id == "" {
		if verr == nil {
			verr = apperrors.Validation("pipeline_param.id", "job id is required")
		}
		return nil, verr
	}

	if err := s.jobs.reserve(id); err != nil {
		return nil, err
	}
	now := s.now()
	rec := &job.Job{
		ID:        id,
		Manifest:  bytes.Clone(raw),
		State:     job.StateReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		s.jobs.release(id)
		return nil, err
	}
	m := job.NewMachine(rec, s.deps)
	s.jobs.commit(id, m)

	s.metrics.RecordJobReceived(ctx, verr == nil)
	s.logger.Info("Job received", "jobId", id, "valid", verr == nil)

	j, err := s.fire(ctx, m, validationEvent(verr))
	if err != nil {
		return j, err
	}
	if verr != nil {
		return j, verr
	}
	return m.Snapshot(), nil
}

// Signal delivers an external event to a job. Signals for a cleaned up job
// are no-ops. A trigger the job's state forbids returns ErrInvalidTransition.
// A job reaching STAGED is submitted automatically.
func (s *Supervisor) Signal(ctx context.Context, jobID string, ev job.Event) (*job.Job, error) {
	m, j, err := s.machine(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return j, nil
	}
	j, err = s.fire(ctx, m, ev)
	if errors.Is(err, job.ErrMachineStopped) {
		return s.store.Get(ctx, jobID)
	}
	return j, err
}

// Cancel forces an active job into ERROR and starts cleanup immediately.
// Cancelling a finished job retries its cleanup; a cleaned up job is left as is.
func (s *Supervisor) Cancel(ctx context.Context, jobID string) (*job.Job, error) {
	m, j, err := s.machine(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return j, nil
	}
	j, err = s.fire(ctx, m, job.Event{Trigger: job.TriggerCancel, Reason: "cancelled"})
	if errors.Is(err, job.ErrMachineStopped) {
		return s.store.Get(ctx, jobID)
	}
	if err != nil {
		return j, err
	}
	s.logger.Info("Job cancelled", "jobId", jobID, "state", j.State)
	s.goFire(jobID, job.Event{Trigger: job.TriggerCleanup})
	return j, nil
}

// Get returns the current record of a job.
func (s *Supervisor) Get(ctx context.Context, jobID string) (*job.Job, error) {
	if m, ok := s.jobs.get(jobID); ok && m != nil {
		return m.Snapshot(), nil
	}
	return s.store.Get(ctx, jobID)
}

// List returns stored jobs matching f, oldest first.
func (s *Supervisor) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	return s.store.List(ctx, f)
}

// Awaiting returns the jobs waiting on an external signal: staging jobs whose
// transfer was installed, and running jobs.
func (s *Supervisor) Awaiting(context.Context) []*job.Job {
	var out []*job.Job
	for _, m := range s.jobs.list() {
		j := m.Snapshot()
		if (j.State == job.StateStaging && j.Staged) || j.State == job.StateRunning {
			out = append(out, j)
		}
	}
	sortOldestFirst(out)
	return out
}

// Run sweeps immediately and then every SweepInterval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("Supervisor started", "maxActive", s.config.MaxActive, "sweepInterval", s.config.SweepInterval)
	s.Sweep(ctx)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep resumes interrupted work, times out stale jobs, schedules due
// cleanups, resends stale pending notifications and admits pending jobs.
// Transitions run in the background.
func (s *Supervisor) Sweep(ctx context.Context) {
	now := s.now()
	for _, m := range s.jobs.list() {
		j := m.Snapshot()
		switch {
		case j.State == job.StateReceived:
			_, verr := job.ParseManifest(j.Manifest)
			s.goFire(j.ID, validationEvent(verr))
		case j.State == job.StateStaging && j.Admitted && !j.Staged:
			s.goFire(j.ID, job.Event{Trigger: job.TriggerAdmit})
		case j.State == job.StateStaged, j.State == job.StateSubmitting:
			s.goFire(j.ID, job.Event{Trigger: job.TriggerSubmit})
		case j.State.Terminal():
			s.sweepCleanup(ctx, j, now)
		case j.State == job.StateCleanedUp && len(j.PendingNotices) == 0:
			s.finish(j)
		}

		if len(j.PendingNotices) > 0 && now.Sub(j.UpdatedAt) >= s.config.NotifyResendAfter {
			s.resend(ctx, j)
		}

		if timesOut(j.State) && now.Sub(j.CreatedAt) > s.config.JobTimeout {
			s.logger.Warn("Job timed out", "jobId", j.ID, "state", j.State, "age", now.Sub(j.CreatedAt))
			s.goFire(j.ID, job.Event{
				Trigger: job.TriggerError,
				Reason:  fmt.Sprintf("timed out after %s", s.config.JobTimeout),
			})
		}
	}
	s.admitPending()
}

// timesOut reports whether a job in state st is subject to JobTimeout.
// Running jobs are bounded by the workflow itself.
func timesOut(st job.State) bool {
	return st.Active() && st != job.StateRunning
}

// resend hands every pending notification of j to the notifier again and
// returns how many were handed over.
func (s *Supervisor) resend(ctx context.Context, j *job.Job) int {
	sent := 0
	for _, st := range j.PendingNotices {
		if err := s.deps.Notifier.Notify(ctx, job.NotificationFor(j, st, s.now())); err != nil {
			s.logger.Warn("Failed to resend notification", "jobId", j.ID, "status", st, "error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		s.logger.Info("Resent pending notifications", "jobId", j.ID, "count", sent)
	}
	return sent
}

// Close stops background work and every machine.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("Timed out waiting for background transitions", "error", err)
	}

	for _, m := range s.jobs.list() {
		m.Stop()
	}
	return err
}

func (s *Supervisor) sweepCleanup(ctx context.Context, j *job.Job, now time.Time) {
	if j.CleanupAttempts >= s.config.CleanupMaxAttempts {
		s.mu.Lock()
		_, reported := s.exhausted[j.ID]
		s.exhausted[j.ID] = struct{}{}
		s.mu.Unlock()
		if !reported {
			s.metrics.RecordCleanupExhausted(ctx)
			s.logger.Error("Cleanup attempts exhausted, resources may remain",
				"jobId", j.ID, "state", j.State, "attempts", j.CleanupAttempts)
		}
		return
	}
	if now.Before(s.cleanupDue(j)) {
		return
	}
	s.goFire(j.ID, job.Event{Trigger: job.TriggerCleanup})
}

// cleanupDue returns when the next cleanup attempt of a terminal job may run.
// Retries back off exponentially from the last failed attempt.
func (s *Supervisor) cleanupDue(j *job.Job) time.Time {
	if j.CleanupAttempts > 0 {
		return j.UpdatedAt.Add(s.config.CleanupRetry.Delay(j.CleanupAttempts))
	}
	if j.State == job.StateInvalid {
		return time.Time{}
	}
	finished := j.UpdatedAt
	if j.FinishedAt != nil {
		finished = *j.FinishedAt
	}
	return finished.Add(s.config.CleanupDelay)
}

// admitPending admits VALIDATED jobs oldest first while slots are free.
func (s *Supervisor) admitPending() {
	var pending []*job.Job
	for _, m := range s.jobs.list() {
		if j := m.Snapshot(); j.State == job.StateValidated {
			pending = append(pending, j)
		}
	}
	if len(pending) == 0 {
		return
	}
	sortOldestFirst(pending)

	var admit []string
	s.slotsMu.Lock()
	for _, j := range pending {
		if len(s.admitted) >= s.config.MaxActive {
			break
		}
		if _, ok := s.admitted[j.ID]; ok {
			continue
		}
		s.admitted[j.ID] = struct{}{}
		admit = append(admit, j.ID)
	}
	active := len(s.admitted)
	s.slotsMu.Unlock()

	for _, id := range admit {
		s.metrics.RecordAdmitted(s.ctx, 1)
		s.logger.Info("Job admitted", "jobId", id, "active", active, "max", s.config.MaxActive)
		if !s.goFire(id, job.Event{Trigger: job.TriggerAdmit}) {
			s.releaseSlot(id)
		}
	}
	if waiting := len(pending) - len(admit); waiting > 0 {
		s.logger.Debug("Jobs waiting for admission", "waiting", waiting)
	}
}

func (s *Supervisor) takeSlot(jobID string) {
	s.slotsMu.Lock()
	_, held := s.admitted[jobID]
	s.admitted[jobID] = struct{}{}
	s.slotsMu.Unlock()
	if !held {
		s.metrics.RecordAdmitted(s.ctx, 1)
	}
}

func (s *Supervisor) releaseSlot(jobID string) {
	s.slotsMu.Lock()
	_, held := s.admitted[jobID]
	delete(s.admitted, jobID)
	s.slotsMu.Unlock()
	if held {
		s.metrics.RecordAdmitted(s.ctx, -1)
	}
}

func (s *Supervisor) admittedCount() int {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	return len(s.admitted)
}

// fire applies ev and schedules whatever the new state calls for.
func (s *Supervisor) fire(ctx context.Context, m *job.Machine, ev job.Event) (*job.Job, error) {
	j, err := m.Fire(ctx, ev)
	if err == nil && j != nil {
		s.settle(j)
	}
	return j, err
}

// goFire applies ev in the background. At most one event per job and
// trigger is in flight; it returns false when ev was not scheduled.
func (s *Supervisor) goFire(jobID string, ev job.Event) bool {
	m, ok := s.jobs.get(jobID)
	if !ok || m == nil {
		return false
	}
	k := inflightKey{jobID, ev.Trigger}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, busy := s.inflight[k]; busy {
		s.mu.Unlock()
		return false
	}
	s.inflight[k] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		j, err := m.Fire(s.ctx, ev)

		s.mu.Lock()
		delete(s.inflight, k)
		s.mu.Unlock()

		if err != nil && !errors.Is(err, job.ErrMachineStopped) && s.ctx.Err() == nil {
			s.logger.Warn("Background transition failed", "jobId", jobID, "trigger", ev.Trigger, "error", err)
		}
		if ev.Trigger == job.TriggerAdmit && (j == nil || !j.Admitted) {
			s.releaseSlot(jobID)
		}
		if err == nil && j != nil {
			s.settle(j)
		}
	}()
	return true
}

// settle schedules the follow-up of a committed state.
func (s *Supervisor) settle(j *job.Job) {
	switch {
	case j.State == job.StateValidated:
		s.admitPending()
	case j.State == job.StateStaged:
		s.goFire(j.ID, job.Event{Trigger: job.TriggerSubmit})
	case j.State == job.StateInvalid:
		s.goFire(j.ID, job.Event{Trigger: job.TriggerCleanup})
	case j.State.Terminal() && j.CleanupAttempts == 0 && s.config.CleanupDelay == 0:
		s.goFire(j.ID, job.Event{Trigger: job.TriggerCleanup})
	case j.State == job.StateCleanedUp:
		s.finish(j)
	}
}

// finish frees the slot of a cleaned up job and admits the next job. The job
// is unloaded, and purged when configured, once its notifications are delivered.
func (s *Supervisor) finish(j *job.Job) {
	s.releaseSlot(j.ID)
	defer s.admitPending()
	if len(j.PendingNotices) > 0 {
		return
	}

	m, ok := s.jobs.release(j.ID)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.exhausted, j.ID)
	s.mu.Unlock()
	if m != nil {
		m.Stop()
	}

	if s.config.PurgeOnCleanup {
		if err := s.store.Delete(s.ctx, j.ID); err != nil {
			s.logger.Error("Failed to purge job", "jobId", j.ID, "error", err)
		}
	}
	s.logger.Info("Job finished", "jobId", j.ID, "purged", s.config.PurgeOnCleanup)
}

// machine returns the loaded machine of a job, loading it from the store if
// needed. For a cleaned up job it returns a nil machine and the stored record.
func (s *Supervisor) machine(ctx context.Context, jobID string) (*job.Machine, *job.Job, error) {
	if m, ok := s.jobs.get(jobID); ok {
		if m == nil {
			return nil, nil, apperrors.Conflict("job", jobID, "job is being created")
		}
		return m, nil, nil
	}

	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if j.State == job.StateCleanedUp {
		return nil, j, nil
	}
	m, err := s.load(j)
	if err != nil {
		if m, ok := s.jobs.get(jobID); ok && m != nil {
			return m, nil, nil
		}
		return nil, nil, err
	}
	return m, nil, nil
}

func (s *Supervisor) load(j *job.Job) (*job.Machine, error) {
	if err := s.jobs.reserve(j.ID); err != nil {
		return nil, err
	}
	m := job.NewMachine(j, s.deps)
	s.jobs.commit(j.ID, m)
	if j.HoldsSlot() {
		s.takeSlot(j.ID)
	}
	return m, nil
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func validationEvent(err error) job.Event {
	if err != nil {
		return job.Event{Trigger: job.TriggerReject, Reason: err.Error()}
	}
	return job.Event{Trigger: job.TriggerAccept}
}

func sortOldestFirst(jobs []*job.Job) {
	slices.SortFunc(jobs, func(a, b *job.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
