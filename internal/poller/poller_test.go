package poller

import (
	"context"
	"errors"
	"pgsorchestrator/internal/job"
	"pgsorchestrator/internal/monitor"
	"pgsorchestrator/internal/testutil"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTarget struct {
	mu      sync.Mutex
	jobs    []*job.Job
	signals map[string][]job.Trigger
}

func newTarget(jobs ...*job.Job) *fakeTarget {
	return &fakeTarget{jobs: jobs, signals: make(map[string][]job.Trigger)}
}

func (f *fakeTarget) Awaiting(context.Context) []*job.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*job.Job(nil), f.jobs...)
}

func (f *fakeTarget) Signal(_ context.Context, id string, ev job.Event) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals[id] = append(f.signals[id], ev.Trigger)
	return &job.Job{ID: id}, nil
}

func (f *fakeTarget) triggers(id string) []job.Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]job.Trigger(nil), f.signals[id]...)
}

type fakeSource struct {
	mu      sync.Mutex
	reports map[string]monitor.Report
	errs    map[string]error
	block   map[string]chan struct{}
	calls   atomic.Int64
}

func (f *fakeSource) Query(ctx context.Context, j *job.Job) (monitor.Report, error) {
	f.calls.Add(1)
	f.mu.Lock()
	r, err, block := f.reports[j.ID], f.errs[j.ID], f.block[j.ID]
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return monitor.Report{}, ctx.Err()
		}
	}
	return r, err
}

func TestPoller_ForwardsReports(t *testing.T) {
	t.Parallel()
	target := newTarget(
		&job.Job{ID: "STAGING", State: job.StateStaging},
		&job.Job{ID: "DONE", State: job.StateRunning},
		&job.Job{ID: "FAILED", State: job.StateRunning},
		&job.Job{ID: "UNKNOWN", State: job.StateRunning},
		&job.Job{ID: "BROKEN", State: job.StateRunning},
	)
	source := &fakeSource{
		reports: map[string]monitor.Report{
			"STAGING": {Status: monitor.StatusSucceeded},
			"DONE":    {Status: monitor.StatusSucceeded},
			"FAILED":  {Status: monitor.StatusFailed},
			"UNKNOWN": {Status: monitor.StatusUnknown},
		},
		errs: map[string]error{"BROKEN": errors.New("connection reset")},
	}
	p := New(Config{Workers: 2}, target, source, nil)

	p.Poll(context.Background())

	tests := []struct {
		id   string
		want []job.Trigger
	}{
		{"STAGING", []job.Trigger{job.TriggerStaged}},
		{"DONE", []job.Trigger{job.TriggerSucceed}},
		{"FAILED", []job.Trigger{job.TriggerFail}},
		{"UNKNOWN", nil},
		{"BROKEN", nil},
	}
	for _, tt := range tests {
		got := target.triggers(tt.id)
		if len(got) != len(tt.want) || (len(got) > 0 && got[0] != tt.want[0]) {
			t.Errorf("%s: triggers = %v, want %v", tt.id, got, tt.want)
		}
	}
	if source.calls.Load() != 5 {
		t.Errorf("expected one query per job, got %d", source.calls.Load())
	}
}

func TestPoller_SlowQueryDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	target := newTarget(
		&job.Job{ID: "SLOW", State: job.StateRunning},
		&job.Job{ID: "FAST", State: job.StateRunning},
	)
	source := &fakeSource{
		reports: map[string]monitor.Report{"FAST": {Status: monitor.StatusSucceeded}, "SLOW": {Status: monitor.StatusSucceeded}},
		block:   map[string]chan struct{}{"SLOW": release},
	}
	p := New(Config{Workers: 2, QueryTimeout: 10 * time.Second}, target, source, nil)

	done := make(chan struct{})
	go func() {
		p.Poll(context.Background())
		close(done)
	}()

	testutil.MustWaitFor(t, func() bool { return len(target.triggers("FAST")) == 1 })
	if len(target.triggers("SLOW")) != 0 {
		t.Error("slow job should still be waiting")
	}
	close(release)
	<-done
	if len(target.triggers("SLOW")) != 1 {
		t.Error("slow job should be signalled once its query returns")
	}
}

func TestPoller_QueryTimeoutIsNoNews(t *testing.T) {
	t.Parallel()
	target := newTarget(&job.Job{ID: "HUNG", State: job.StateRunning})
	source := &fakeSource{block: map[string]chan struct{}{"HUNG": make(chan struct{})}}
	p := New(Config{QueryTimeout: 20 * time.Millisecond}, target, source, nil)

	p.Poll(context.Background())
	if got := target.triggers("HUNG"); len(got) != 0 {
		t.Errorf("expected no signal after a timed out query, got %v", got)
	}
}

func TestPoller_MissingGrace(t *testing.T) {
	t.Parallel()
	target := newTarget(&job.Job{ID: "GONE", State: job.StateRunning})
	source := &fakeSource{reports: map[string]monitor.Report{"GONE": {Status: monitor.StatusNotFound}}}
	p := New(Config{MissingGrace: time.Hour}, target, source, nil)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.Poll(context.Background())
	now = now.Add(59 * time.Minute)
	p.Poll(context.Background())
	if got := target.triggers("GONE"); len(got) != 0 {
		t.Fatalf("expected no signal within the grace period, got %v", got)
	}

	now = now.Add(2 * time.Minute)
	p.Poll(context.Background())
	got := target.triggers("GONE")
	if len(got) != 1 || got[0] != job.TriggerError {
		t.Errorf("expected an error trigger after the grace period, got %v", got)
	}
}

func TestPoller_SeenAgainResetsGrace(t *testing.T) {
	t.Parallel()
	target := newTarget(&job.Job{ID: "FLAKY", State: job.StateRunning})
	source := &fakeSource{reports: map[string]monitor.Report{"FLAKY": {Status: monitor.StatusNotFound}}}
	p := New(Config{MissingGrace: time.Hour}, target, source, nil)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.Poll(context.Background())

	source.mu.Lock()
	source.reports["FLAKY"] = monitor.Report{Status: monitor.StatusRunning}
	source.mu.Unlock()
	now = now.Add(30 * time.Minute)
	p.Poll(context.Background())

	source.mu.Lock()
	source.reports["FLAKY"] = monitor.Report{Status: monitor.StatusNotFound}
	source.mu.Unlock()
	now = now.Add(45 * time.Minute)
	p.Poll(context.Background())

	for _, tr := range target.triggers("FLAKY") {
		if tr == job.TriggerError {
			t.Fatal("grace period should restart after the job was seen again")
		}
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	target := newTarget(&job.Job{ID: "A", State: job.StateRunning})
	source := &fakeSource{reports: map[string]monitor.Report{"A": {Status: monitor.StatusRunning}}}
	p := New(Config{Interval: 5 * time.Millisecond}, target, source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	testutil.MustWaitForCount(t, &source.calls, 2)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
