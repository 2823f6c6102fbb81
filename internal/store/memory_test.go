package store

import (
	"context"
	"errors"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/job"
	"testing"
	"time"
)

func TestMemory_CreateConflict(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	if err := s.Create(ctx, &job.Job{ID: "INTP1", State: job.StateReceived}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := s.Create(ctx, &job.Job{ID: "INTP1", State: job.StateReceived})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestMemory_UpdateAndGetReturnCopies(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	j := &job.Job{ID: "INTP1", State: job.StateReceived}
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	j.State = job.StateValidated // mutating the caller's copy must not leak into the store

	got, err := s.Get(ctx, "INTP1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != job.StateReceived {
		t.Errorf("expected stored state received, got %s", got.State)
	}

	if err := s.Update(ctx, j); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = s.Get(ctx, "INTP1")
	if got.State != job.StateValidated {
		t.Errorf("expected validated after update, got %s", got.State)
	}

	if err := s.Update(ctx, &job.Job{ID: "missing"}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found for missing record, got %v", err)
	}
}

func TestMemory_ListFilterAndOrder(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	records := []*job.Job{
		{ID: "INTP3", State: job.StateRunning, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "INTP1", State: job.StateValidated, CreatedAt: base},
		{ID: "INTP2", State: job.StateCleanedUp, CreatedAt: base.Add(time.Minute), PendingNotices: []job.State{job.StateSucceeded}},
	}
	for _, r := range records {
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	all, _ := s.List(ctx, job.Filter{})
	if len(all) != 3 || all[0].ID != "INTP1" || all[2].ID != "INTP3" {
		t.Errorf("expected records ordered by creation, got %v", ids(all))
	}

	live, _ := s.List(ctx, job.Filter{States: []job.State{job.StateValidated, job.StateRunning}})
	if len(live) != 2 {
		t.Errorf("expected 2 filtered records, got %v", ids(live))
	}

	unnotified, _ := s.List(ctx, job.Filter{States: []job.State{job.StateCleanedUp}, Unnotified: true})
	if len(unnotified) != 1 || unnotified[0].ID != "INTP2" {
		t.Errorf("expected the job with a pending notice, got %v", ids(unnotified))
	}
}

func TestMemory_FailUpdates(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	_ = s.Create(ctx, &job.Job{ID: "INTP1"})

	outage := errors.New("db down")
	s.FailUpdates(outage)
	if err := s.Update(ctx, &job.Job{ID: "INTP1"}); !errors.Is(err, outage) {
		t.Errorf("expected injected error, got %v", err)
	}
	s.FailUpdates(nil)
	if err := s.Update(ctx, &job.Job{ID: "INTP1"}); err != nil {
		t.Errorf("expected success after clearing, got %v", err)
	}
	if err := s.Delete(ctx, "INTP1"); err != nil {
		t.Errorf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "INTP1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func ids(jobs []*job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
