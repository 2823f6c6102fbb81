package supervisor

import (
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/job"
	"sync"
)

// registry holds the state machines of loaded jobs with thread-safe access.
type registry struct {
	mu       sync.RWMutex
	machines map[string]*job.Machine
}

func newRegistry() *registry {
	return &registry{
		machines: make(map[string]*job.Machine),
	}
}

// reserve claims a job ID. Returns error if already loaded.
// The slot is reserved with nil until commit is called.
func (r *registry) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.machines[jobID]; exists {
		return apperrors.Conflict("job", jobID, "job already exists")
	}
	r.machines[jobID] = nil
	return nil
}

// commit fills in a reserved slot with the job's machine.
func (r *registry) commit(jobID string, m *job.Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines[jobID] = m
}

// release removes a job. Returns the machine if it existed.
func (r *registry) release(jobID string) (*job.Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.machines[jobID]
	if exists {
		delete(r.machines, jobID)
	}
	return m, exists
}

// get retrieves a job's machine. Returns (nil, true) if reserved but not yet committed.
func (r *registry) get(jobID string) (*job.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.machines[jobID]
	return m, exists
}

// list returns the committed machines.
func (r *registry) list() []*job.Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*job.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}
