// Package monitor reports the external progress of a job. A Source answers
// "what is this job doing right now" from whichever system observes it: the
// cluster for the input transfer, the workflow monitoring service for the
// compute run.
package monitor

import (
	"context"
	"fmt"
	"pgsorchestrator/internal/job"
	"pgsorchestrator/internal/resources"
)

// Status is the normalized status of a job's external workload.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
	StatusNotFound  Status = "not_found"
)

// Report is one observation of a job.
type Report struct {
	Status    Status
	TraceName string
	ExitCode  *int
}

// Source queries the status of one job.
type Source interface {
	Query(ctx context.Context, j *job.Job) (Report, error)
}

// Event converts a report into the trigger it implies for a job in state s.
// ok is false when the report carries no new information.
func (r Report) Event(s job.State) (job.Event, bool) {
	switch r.Status {
	case StatusRunning:
		return job.Event{Trigger: job.TriggerRunning}, true
	case StatusSucceeded:
		if s == job.StateStaging {
			return job.Event{Trigger: job.TriggerStaged}, true
		}
		return job.Event{Trigger: job.TriggerSucceed}, true
	case StatusFailed:
		reason := "workflow failed"
		if s == job.StateStaging {
			reason = "input transfer failed"
		}
		return job.Event{Trigger: job.TriggerFail, Reason: reason, TraceName: r.TraceName, TraceExit: r.ExitCode}, true
	}
	return job.Event{}, false
}

// TransferStatuser reads the state of a job's transfer workload.
type TransferStatuser interface {
	TransferStatus(ctx context.Context, jobID string) (resources.WorkloadStatus, error)
}

// Workload reports the input transfer from the cluster.
type Workload struct {
	resources TransferStatuser
}

// NewWorkload creates a Workload source.
func NewWorkload(r TransferStatuser) *Workload {
	return &Workload{resources: r}
}

func (w *Workload) Query(ctx context.Context, j *job.Job) (Report, error) {
	s, err := w.resources.TransferStatus(ctx, j.ID)
	if err != nil {
		return Report{}, err
	}
	switch s {
	case resources.WorkloadPending, resources.WorkloadRunning:
		return Report{Status: StatusRunning}, nil
	case resources.WorkloadSucceeded:
		return Report{Status: StatusSucceeded}, nil
	case resources.WorkloadFailed:
		return Report{Status: StatusFailed, TraceName: string(resources.KindTransfer)}, nil
	case resources.WorkloadNotFound:
		return Report{Status: StatusNotFound}, nil
	}
	return Report{Status: StatusUnknown}, nil
}

// Router sends staging jobs to the transfer source and running jobs to the
// workflow source.
type Router struct {
	Transfer Source
	Workflow Source
}

func (r *Router) Query(ctx context.Context, j *job.Job) (Report, error) {
	switch j.State {
	case job.StateStaging:
		if r.Transfer == nil {
			return Report{Status: StatusUnknown}, nil
		}
		return r.Transfer.Query(ctx, j)
	case job.StateRunning:
		if r.Workflow == nil {
			return Report{Status: StatusUnknown}, nil
		}
		return r.Workflow.Query(ctx, j)
	default:
		return Report{}, fmt.Errorf("job %s in state %s is not monitored", j.ID, j.State)
	}
}
