package testutil

import (
	"context"
	"fmt"
	"pgsorchestrator/internal/job"
	"sync"
	"sync/atomic"
)

// FakeResources records Resource Manager calls. Errors can be injected per operation.
type FakeResources struct {
	StagingCalls atomic.Int64
	ComputeCalls atomic.Int64
	DestroyCalls atomic.Int64

	mu         sync.Mutex
	stagingErr error
	computeErr error
	destroyErr error
}

var _ job.Resources = (*FakeResources)(nil)

// FailStaging makes CreateStaging return err (nil to clear).
func (f *FakeResources) FailStaging(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stagingErr = err
}

// FailCompute makes CreateCompute return err (nil to clear).
func (f *FakeResources) FailCompute(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.computeErr = err
}

// FailDestroy makes Destroy return err (nil to clear).
func (f *FakeResources) FailDestroy(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyErr = err
}

// Calls returns the total number of create and destroy calls.
func (f *FakeResources) Calls() int64 {
	return f.StagingCalls.Load() + f.ComputeCalls.Load() + f.DestroyCalls.Load()
}

func (f *FakeResources) CreateStaging(_ context.Context, _ *job.Job) error {
	f.StagingCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stagingErr
}

func (f *FakeResources) CreateCompute(_ context.Context, _ *job.Job) error {
	f.ComputeCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.computeErr
}

func (f *FakeResources) Destroy(_ context.Context, _ *job.Job) error {
	f.DestroyCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyErr
}

func (f *FakeResources) ResultLocation(jobID string) string {
	return fmt.Sprintf("s3://results-%s/results", jobID)
}

// RecordingNotifier keeps every notification it receives. A notification
// accepted while a failure is injected is neither recorded nor delivered.
type RecordingNotifier struct {
	mu        sync.Mutex
	sent      []job.Notification
	err       error
	delivered func(context.Context, job.Notification)
}

var _ job.Notifier = (*RecordingNotifier)(nil)

// FailWith makes Notify return err (nil to clear).
func (r *RecordingNotifier) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// OnDelivered registers fn to be called for every recorded notification.
func (r *RecordingNotifier) OnDelivered(fn func(context.Context, job.Notification)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = fn
}

func (r *RecordingNotifier) Notify(ctx context.Context, n job.Notification) error {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return err
	}
	r.sent = append(r.sent, n)
	delivered := r.delivered
	r.mu.Unlock()

	if delivered != nil {
		delivered(ctx, n)
	}
	return nil
}

// All returns a copy of the received notifications.
func (r *RecordingNotifier) All() []job.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.Notification(nil), r.sent...)
}

// Count returns how many notifications for jobID carried status.
func (r *RecordingNotifier) Count(jobID string, status job.State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.JobID == jobID && s.Status == status {
			n++
		}
	}
	return n
}

// Manifest returns a valid request manifest for jobID.
func Manifest(jobID string) []byte {
	return fmt.Appendf(nil, `{
  "globus_details": {
    "dir_path_on_guest_collection": "test@ebi.ac.uk/test",
    "files": [
      {"filename": "hapnest.pgen.c4gh", "size": 278705850},
      {"filename": "hapnest.psam.c4gh", "size": 5082},
      {"filename": "hapnest.pvar.c4gh", "size": 215004174}
    ]
  },
  "pipeline_param": {
    "id": %q,
    "target_genomes": [
      {"sampleset": "hapnest", "chrom": null, "vcf_import_dosage": false,
       "geno": "hapnest.pgen", "pheno": "hapnest.psam", "variants": "hapnest.pvar", "format": "pfile"}
    ],
    "nxf_params_file": {"pgs_id": "PGS001229", "pgp_id": null, "trait_efo": "", "target_build": "GRCh37"}
  },
  "secret_key_details": {"secret_id": "81D5C400-21B4-4E88-8208-8D64C9920283", "secret_id_version": "1"}
}`, jobID)
}
