package job

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// Job is the durable record of one accepted request.
type Job struct {
	ID              string          `json:"jobId"`
	Manifest        json.RawMessage `json:"manifest,omitempty"`
	Valid           bool            `json:"valid"`
	ValidStatus     string          `json:"validStatus,omitempty"`
	State           State           `json:"state"`
	Staged          bool            `json:"staged"`
	Submitted       bool            `json:"submitted"`
	Admitted        bool            `json:"admitted"`
	CleanupAttempts int             `json:"cleanupAttempts"`
	ResultLocation  string          `json:"resultLocation,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	TraceName       string          `json:"traceName,omitempty"`
	TraceExit       *int            `json:"traceExit,omitempty"`
	PendingNotices  []State         `json:"pendingNotices,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
}

// Clone returns a copy that shares no mutable pointers with j.
// The manifest bytes are shared; they are never modified after creation.
func (j *Job) Clone() *Job {
	c := *j
	if j.TraceExit != nil {
		v := *j.TraceExit
		c.TraceExit = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		c.FinishedAt = &v
	}
	c.PendingNotices = slices.Clone(j.PendingNotices)
	return &c
}

// HoldsSlot reports whether the job counts against the admission limit.
// A slot is held from admission until cleanup completes.
func (j *Job) HoldsSlot() bool {
	return j.Admitted && j.State != StateCleanedUp
}

// Event is a trigger plus the details an external signal may carry.
type Event struct {
	Trigger   Trigger
	Reason    string
	TraceName string
	TraceExit *int
}

// Notification is one externally visible status change. A notification
// stays in the job's PendingNotices until the notifier reports it delivered.
type Notification struct {
	JobID          string
	Status         State
	Time           time.Time
	ResultLocation string
	Reason         string
	TraceName      string
	TraceExit      *int
}

// Filter narrows Store.List. Zero values match everything.
type Filter struct {
	States     []State
	Unnotified bool // only jobs with pending notices
}

// Store persists job records. It is the single writer of record for job state.
type Store interface {
	// Create inserts a new record; returns a conflict error if the ID exists.
	Create(ctx context.Context, j *Job) error
	// Update atomically replaces the mutable fields of an existing record.
	Update(ctx context.Context, j *Job) error
	// Get returns a record or a not found error.
	Get(ctx context.Context, id string) (*Job, error)
	// List returns matching records ordered by creation time.
	List(ctx context.Context, f Filter) ([]*Job, error)
	// Delete purges a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// Resources creates and destroys the infrastructure of a job.
// Implementations must be idempotent.
type Resources interface {
	// CreateStaging provisions storage and the input-transfer workload.
	CreateStaging(ctx context.Context, j *Job) error
	// CreateCompute installs the compute workload.
	CreateCompute(ctx context.Context, j *Job) error
	// Destroy removes every resource of the job; absent resources are not an error.
	Destroy(ctx context.Context, j *Job) error
	// ResultLocation returns where results of the job will be written.
	ResultLocation(jobID string) string
}

// Notifier publishes status changes to the backend.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
