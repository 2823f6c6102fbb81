package supervisor

import (
	"bytes"
	"context"
	"errors"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/job"
	"pgsorchestrator/internal/store"
	"pgsorchestrator/internal/testutil"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	sup       *Supervisor
	store     *store.Memory
	resources *testutil.FakeResources
	notifier  *testutil.RecordingNotifier
	clock     *clock
}

func newFixture(t *testing.T, cfg Config, seed ...*job.Job) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemory(),
		resources: &testutil.FakeResources{},
		notifier:  &testutil.RecordingNotifier{},
		clock:     newClock(),
	}
	for _, j := range seed {
		if err := f.store.Create(context.Background(), j); err != nil {
			t.Fatalf("seeding %s failed: %v", j.ID, err)
		}
	}
	f.sup = New(cfg, job.Deps{
		Store:     f.store,
		Resources: f.resources,
		Notifier:  f.notifier,
		Clock:     f.clock.Now,
	})
	f.notifier.OnDelivered(f.sup.Acknowledge)
	if err := f.sup.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.sup.Close(ctx)
	})
	return f
}

func (f *fixture) submit(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := f.sup.Submit(context.Background(), testutil.Manifest(id))
	if err != nil {
		t.Fatalf("Submit(%s) failed: %v", id, err)
	}
	f.clock.Advance(time.Second)
	return j
}

func (f *fixture) state(t *testing.T, id string) job.State {
	t.Helper()
	j, err := f.sup.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	return j.State
}

func (f *fixture) waitState(t *testing.T, id string, want job.State) {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		j, err := f.sup.Get(context.Background(), id)
		return err == nil && j.State == want
	})
}

func (f *fixture) waitStaged(t *testing.T, id string) {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		j, err := f.sup.Get(context.Background(), id)
		return err == nil && j.State == job.StateStaging && j.Staged
	})
}

// waitIdle waits until no background transition is in flight.
func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		f.sup.mu.Lock()
		defer f.sup.mu.Unlock()
		return len(f.sup.inflight) == 0
	})
}

func (f *fixture) signal(t *testing.T, id string, trigger job.Trigger) *job.Job {
	t.Helper()
	j, err := f.sup.Signal(context.Background(), id, job.Event{Trigger: trigger})
	if err != nil {
		t.Fatalf("Signal(%s, %s) failed: %v", id, trigger, err)
	}
	return j
}

func (f *fixture) activeCount(t *testing.T) int {
	t.Helper()
	jobs, err := f.store.List(context.Background(), job.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, j := range jobs {
		if j.State.Active() {
			n++
		}
	}
	return n
}

func TestSupervisor_AdmissionLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxActive: 2, CleanupDelay: time.Hour})

	f.submit(t, "INTP000001")
	f.submit(t, "INTP000002")
	third := f.submit(t, "INTP000003")

	if third.State != job.StateValidated {
		t.Fatalf("third job should wait in validated, got %s", third.State)
	}
	f.waitStaged(t, "INTP000001")
	f.waitStaged(t, "INTP000002")

	f.sup.Sweep(context.Background())
	f.waitIdle(t)
	if got := f.state(t, "INTP000003"); got != job.StateValidated {
		t.Fatalf("third job admitted over the limit: %s", got)
	}
	if n := f.activeCount(t); n > 2 {
		t.Fatalf("%d active jobs exceed the limit", n)
	}

	f.signal(t, "INTP000001", job.TriggerStaged)
	f.waitState(t, "INTP000001", job.StateRunning)
	f.signal(t, "INTP000001", job.TriggerSucceed)

	// A finished job keeps its slot until cleanup completes.
	f.sup.Sweep(context.Background())
	f.waitIdle(t)
	if got := f.state(t, "INTP000003"); got != job.StateValidated {
		t.Fatalf("third job admitted before cleanup: %s", got)
	}

	f.clock.Advance(2 * time.Hour)
	f.sup.Sweep(context.Background())
	f.waitState(t, "INTP000001", job.StateCleanedUp)
	f.waitStaged(t, "INTP000003")

	if n := f.activeCount(t); n > 2 {
		t.Fatalf("%d active jobs exceed the limit", n)
	}
	if got := f.sup.admittedCount(); got != 2 {
		t.Errorf("expected 2 admitted jobs, got %d", got)
	}
}

func TestSupervisor_AdmitsOldestFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxActive: 1, CleanupDelay: 0})

	f.submit(t, "INTP000001")
	f.submit(t, "INTP000003")
	f.submit(t, "INTP000002")
	f.waitStaged(t, "INTP000001")

	if _, err := f.sup.Cancel(context.Background(), "INTP000001"); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "INTP000001", job.StateCleanedUp)
	f.waitStaged(t, "INTP000003")
	if got := f.state(t, "INTP000002"); got != job.StateValidated {
		t.Errorf("younger job admitted first: %s", got)
	}
}

func TestSupervisor_RecoveryResumesAtStaged(t *testing.T) {
	t.Parallel()
	created := time.Now()
	staged := &job.Job{
		ID:        "INTP000010",
		Manifest:  testutil.Manifest("INTP000010"),
		Valid:     true,
		State:     job.StateStaged,
		Staged:    true,
		Admitted:  true,
		CreatedAt: created,
		UpdatedAt: created,
	}
	done := &job.Job{ID: "INTP000011", State: job.StateCleanedUp, Admitted: true, CreatedAt: created}
	f := newFixture(t, Config{MaxActive: 1}, staged, done)

	if got := f.state(t, "INTP000010"); got != job.StateStaged {
		t.Fatalf("expected staged after recovery, got %s", got)
	}
	if got := f.sup.admittedCount(); got != 1 {
		t.Errorf("expected the recovered job to hold a slot, got %d", got)
	}
	if _, loaded := f.sup.jobs.get("INTP000011"); loaded {
		t.Error("cleaned up jobs must not be loaded")
	}

	_, err := f.sup.Signal(context.Background(), "INTP000010", job.Event{Trigger: job.TriggerSucceed})
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got := f.state(t, "INTP000010"); got != job.StateStaged {
		t.Fatalf("state changed by a rejected trigger: %s", got)
	}

	j := f.signal(t, "INTP000010", job.TriggerSubmit)
	if j.State != job.StateRunning || !j.Submitted {
		t.Errorf("expected running and submitted, got %s submitted=%v", j.State, j.Submitted)
	}
	if f.resources.ComputeCalls.Load() != 1 {
		t.Errorf("expected one compute install, got %d", f.resources.ComputeCalls.Load())
	}
}

func TestSupervisor_SweepResumesInterruptedWork(t *testing.T) {
	t.Parallel()
	now := time.Now()
	seed := []*job.Job{
		{ID: "INTP000020", Manifest: testutil.Manifest("INTP000020"), State: job.StateReceived, CreatedAt: now},
		{ID: "INTP000021", Manifest: testutil.Manifest("INTP000021"), Valid: true, State: job.StateStaging, Admitted: true, CreatedAt: now},
		{ID: "INTP000022", Manifest: testutil.Manifest("INTP000022"), Valid: true, State: job.StateSubmitting, Staged: true, Admitted: true, CreatedAt: now},
	}
	f := newFixture(t, Config{MaxActive: 3}, seed...)

	f.sup.Sweep(context.Background())

	f.waitStaged(t, "INTP000020")
	f.waitStaged(t, "INTP000021")
	f.waitState(t, "INTP000022", job.StateRunning)
	if got := f.resources.StagingCalls.Load(); got != 2 {
		t.Errorf("expected 2 staging calls, got %d", got)
	}
}

func TestSupervisor_InvalidManifest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{CleanupDelay: time.Hour})
	raw := bytes.ReplaceAll(testutil.Manifest("INTP000030"), []byte("GRCh37"), []byte("GRCh99"))

	j, err := f.sup.Submit(context.Background(), raw)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if j == nil || j.State != job.StateInvalid || j.Valid || j.ValidStatus == "" {
		t.Fatalf("expected an invalid record with a reason, got %+v", j)
	}

	f.waitState(t, "INTP000030", job.StateCleanedUp)
	if calls := f.resources.Calls(); calls != 0 {
		t.Errorf("expected zero resource calls, got %d", calls)
	}
	if n := f.notifier.Count("INTP000030", job.StateInvalid); n != 1 {
		t.Errorf("expected one rejection notification, got %d", n)
	}
}

func TestSupervisor_UnsafeJobIDIsInvalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{CleanupDelay: time.Hour})

	j, err := f.sup.Submit(context.Background(), testutil.Manifest("INTP_000031"))
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if j == nil || j.State != job.StateInvalid {
		t.Fatalf("expected an invalid record, got %+v", j)
	}

	f.waitState(t, "INTP_000031", job.StateCleanedUp)
	if calls := f.resources.Calls(); calls != 0 {
		t.Errorf("expected zero resource calls, got %d", calls)
	}
}

func TestSupervisor_RejectsUnidentifiableRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	for _, raw := range []string{`not json`, `{"pipeline_param": {}}`} {
		if _, err := f.sup.Submit(context.Background(), []byte(raw)); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("Submit(%q): expected validation error, got %v", raw, err)
		}
	}
	jobs, _ := f.store.List(context.Background(), job.Filter{})
	if len(jobs) != 0 {
		t.Errorf("expected no records, got %d", len(jobs))
	}
}

func TestSupervisor_DuplicateSubmit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.submit(t, "INTP000040")

	if _, err := f.sup.Submit(context.Background(), testutil.Manifest("INTP000040")); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestSupervisor_Cancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{CleanupDelay: time.Hour})
	f.submit(t, "INTP000050")
	f.waitStaged(t, "INTP000050")

	j, err := f.sup.Cancel(context.Background(), "INTP000050")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if j.State != job.StateError {
		t.Errorf("expected error state, got %s", j.State)
	}

	// Cancellation cleans up without waiting for the cleanup delay.
	f.waitState(t, "INTP000050", job.StateCleanedUp)
	if f.resources.DestroyCalls.Load() != 1 {
		t.Errorf("expected one destroy, got %d", f.resources.DestroyCalls.Load())
	}
	if n := f.notifier.Count("INTP000050", job.StateError); n != 1 {
		t.Errorf("expected one error notification, got %d", n)
	}

	j, err = f.sup.Cancel(context.Background(), "INTP000050")
	if err != nil || j.State != job.StateCleanedUp {
		t.Errorf("cancel after cleanup should be a no-op, got %v %v", j, err)
	}
}

func TestSupervisor_CleanupRetriesThenGivesUp(t *testing.T) {
	t.Parallel()
	finished := newClock().Now()
	failed := &job.Job{
		ID:         "INTP000060",
		Manifest:   testutil.Manifest("INTP000060"),
		Valid:      true,
		State:      job.StateFailed,
		Staged:     true,
		Submitted:  true,
		Admitted:   true,
		CreatedAt:  finished.Add(-time.Hour),
		UpdatedAt:  finished,
		FinishedAt: &finished,
	}
	f := newFixture(t, Config{
		MaxActive:          1,
		CleanupMaxAttempts: 2,
	}, failed)
	f.resources.FailDestroy(apperrors.Permanent("s3.removeBucket", errors.New("access denied")))

	sweep := func() {
		f.sup.Sweep(context.Background())
		f.waitIdle(t)
	}

	sweep()
	if got := f.resources.DestroyCalls.Load(); got != 1 {
		t.Fatalf("expected a first cleanup attempt, got %d", got)
	}

	sweep()
	if got := f.resources.DestroyCalls.Load(); got != 1 {
		t.Fatalf("retry ran before its backoff elapsed (%d calls)", got)
	}

	f.clock.Advance(61 * time.Second)
	sweep()
	if got := f.resources.DestroyCalls.Load(); got != 2 {
		t.Fatalf("expected a second attempt, got %d", got)
	}

	f.clock.Advance(24 * time.Hour)
	sweep()
	if got := f.resources.DestroyCalls.Load(); got != 2 {
		t.Fatalf("cleanup continued after exhausting attempts (%d calls)", got)
	}
	j, _ := f.store.Get(context.Background(), "INTP000060")
	if j.State != job.StateFailed || j.CleanupAttempts != 2 {
		t.Fatalf("expected the job left failed after 2 attempts, got %s/%d", j.State, j.CleanupAttempts)
	}
	if f.sup.admittedCount() != 1 {
		t.Error("an uncleaned job must keep its slot")
	}

	// An operator retries by cancelling once the backend is fixed.
	f.resources.FailDestroy(nil)
	if _, err := f.sup.Cancel(context.Background(), "INTP000060"); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "INTP000060", job.StateCleanedUp)
	if f.sup.admittedCount() != 0 {
		t.Error("slot should be released after cleanup")
	}
}

func TestSupervisor_JobTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{JobTimeout: time.Hour})
	f.submit(t, "INTP000070")
	f.waitStaged(t, "INTP000070")

	f.clock.Advance(2 * time.Hour)
	f.sup.Sweep(context.Background())

	f.waitState(t, "INTP000070", job.StateCleanedUp)
	notes := f.notifier.All()
	var reason string
	for _, n := range notes {
		if n.JobID == "INTP000070" && n.Status == job.StateError {
			reason = n.Reason
		}
	}
	if !strings.Contains(reason, "timed out") {
		t.Errorf("expected a timeout reason, got %q", reason)
	}
}

func TestSupervisor_SignalRouting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	if _, err := f.sup.Signal(context.Background(), "INTP404", job.Event{Trigger: job.TriggerSucceed}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	f.submit(t, "INTP000080")
	f.waitStaged(t, "INTP000080")
	f.signal(t, "INTP000080", job.TriggerStaged)
	f.waitState(t, "INTP000080", job.StateRunning)
	f.signal(t, "INTP000080", job.TriggerFail)
	f.waitState(t, "INTP000080", job.StateCleanedUp)

	j := f.signal(t, "INTP000080", job.TriggerSucceed)
	if j.State != job.StateCleanedUp {
		t.Errorf("late signal changed a cleaned up job: %s", j.State)
	}
	if n := f.notifier.Count("INTP000080", job.StateSucceeded); n != 0 {
		t.Errorf("late signal produced %d notifications", n)
	}
}

func TestSupervisor_PurgeOnCleanup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{PurgeOnCleanup: true})
	f.submit(t, "INTP000090")
	f.waitStaged(t, "INTP000090")

	if _, err := f.sup.Cancel(context.Background(), "INTP000090"); err != nil {
		t.Fatal(err)
	}
	testutil.MustWaitFor(t, func() bool {
		_, err := f.store.Get(context.Background(), "INTP000090")
		return errors.Is(err, apperrors.ErrNotFound)
	})
}

func TestSupervisor_ResendsUndeliveredNotifications(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	const id = "INTP000110"
	f.submit(t, id)
	f.waitStaged(t, id)

	f.notifier.FailWith(errors.New("notifier buffer full"))
	if _, err := f.sup.Cancel(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, id, job.StateCleanedUp)
	f.waitIdle(t)

	stored, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(stored.PendingNotices, []job.State{job.StateError}) {
		t.Fatalf("expected the error notice pending, got %v", stored.PendingNotices)
	}
	if _, loaded := f.sup.jobs.get(id); !loaded {
		t.Fatal("a job with undelivered notifications must stay loaded")
	}
	if got := f.sup.admittedCount(); got != 0 {
		t.Errorf("a cleaned up job must free its slot, %d held", got)
	}

	f.notifier.FailWith(nil)
	f.sup.Sweep(context.Background())
	if n := f.notifier.Count(id, job.StateError); n != 0 {
		t.Fatalf("resent a fresh notice before it went stale (%d)", n)
	}

	f.clock.Advance(6 * time.Minute)
	f.sup.Sweep(context.Background())
	testutil.MustWaitFor(t, func() bool {
		_, loaded := f.sup.jobs.get(id)
		return !loaded
	})
	if n := f.notifier.Count(id, job.StateError); n != 1 {
		t.Errorf("expected one delivered error notification, got %d", n)
	}
	stored, _ = f.store.Get(context.Background(), id)
	if len(stored.PendingNotices) != 0 {
		t.Errorf("expected no pending notices, got %v", stored.PendingNotices)
	}
}

func TestSupervisor_RecoverResendsPendingNotices(t *testing.T) {
	t.Parallel()
	created := time.Now()
	finished := created.Add(time.Hour)
	seed := []*job.Job{
		{
			ID: "INTP000120", Manifest: testutil.Manifest("INTP000120"), Valid: true, State: job.StateCleanedUp,
			Admitted: true, ResultLocation: "s3://results-INTP000120/results", FinishedAt: &finished,
			PendingNotices: []job.State{job.StateSucceeded}, CreatedAt: created, UpdatedAt: finished,
		},
		{
			ID: "INTP000121", Manifest: testutil.Manifest("INTP000121"), Valid: true, State: job.StateRunning,
			Staged: true, Submitted: true, Admitted: true,
			PendingNotices: []job.State{job.StateRunning}, CreatedAt: created, UpdatedAt: created,
		},
	}
	f := newFixture(t, Config{}, seed...)

	if n := f.notifier.Count("INTP000120", job.StateSucceeded); n != 1 {
		t.Fatalf("expected the succeeded notice resent on recovery, got %d", n)
	}
	if n := f.notifier.Count("INTP000121", job.StateRunning); n != 1 {
		t.Fatalf("expected the running notice resent on recovery, got %d", n)
	}
	for _, n := range f.notifier.All() {
		if n.JobID == "INTP000120" && n.ResultLocation != "s3://results-INTP000120/results" {
			t.Errorf("resent notification lost its result location: %+v", n)
		}
	}

	testutil.MustWaitFor(t, func() bool {
		_, loaded := f.sup.jobs.get("INTP000120")
		return !loaded
	})
	testutil.MustWaitFor(t, func() bool {
		j, err := f.store.Get(context.Background(), "INTP000121")
		return err == nil && len(j.PendingNotices) == 0
	})
	if got := f.state(t, "INTP000121"); got != job.StateRunning {
		t.Errorf("acknowledgement changed state to %s", got)
	}
	if got := f.sup.admittedCount(); got != 1 {
		t.Errorf("expected only the running job to hold a slot, got %d", got)
	}
}

func TestSupervisor_RunningJobsDoNotTimeOut(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{JobTimeout: time.Hour})
	const id = "INTP000130"
	f.submit(t, id)
	f.waitStaged(t, id)
	f.signal(t, id, job.TriggerStaged)
	f.waitState(t, id, job.StateRunning)
	f.waitIdle(t)

	f.clock.Advance(2 * time.Hour)
	f.sup.Sweep(context.Background())
	f.waitIdle(t)

	if got := f.state(t, id); got != job.StateRunning {
		t.Errorf("a running job was timed out: %s", got)
	}
}

func TestSupervisor_ClosedRejectsSubmit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	if err := f.sup.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sup.Submit(context.Background(), testutil.Manifest("INTP000100")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
