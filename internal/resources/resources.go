// Package resources creates and destroys the storage buckets and cluster
// workloads that back a job. Backends live in the s3, k8s and docker
// subpackages; Manager composes them behind job.Resources.
package resources

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BucketStore manages object storage buckets.
type BucketStore interface {
	// EnsureBucket creates the bucket, treating an existing bucket as success.
	EnsureBucket(ctx context.Context, name string) error
	// RemoveBucket purges and deletes the bucket; a missing bucket is success.
	RemoveBucket(ctx context.Context, name string) error
	// Ping checks that storage is reachable.
	Ping(ctx context.Context) error
}

// Workloads runs batch workloads on the cluster.
type Workloads interface {
	// Install starts the workload; an already installed workload is success.
	// Install returns once the cluster accepted the workload, not when it finishes.
	Install(ctx context.Context, spec WorkloadSpec) error
	// Uninstall removes every workload labelled with jobID; none left is success.
	Uninstall(ctx context.Context, jobID string) error
	// Status reports the state of a named workload.
	Status(ctx context.Context, name string) (WorkloadStatus, error)
	// Ping checks that the cluster is reachable.
	Ping(ctx context.Context) error
}

// WorkloadKind distinguishes the two workloads of a job.
type WorkloadKind string

const (
	KindTransfer WorkloadKind = "transfer"
	KindCompute  WorkloadKind = "compute"
)

// WorkloadSpec is the descriptor handed to a Workloads backend.
type WorkloadSpec struct {
	Name           string
	JobID          string
	Kind           WorkloadKind
	Namespace      string
	Image          string
	Command        []string
	Env            map[string]string
	CPU            string // Kubernetes quantity, e.g. "2"
	Memory         string // Kubernetes quantity, e.g. "8Gi"
	Deadline       time.Duration
	ServiceAccount string
}

// WorkloadStatus is the observed state of a workload.
type WorkloadStatus string

const (
	WorkloadPending   WorkloadStatus = "pending"
	WorkloadRunning   WorkloadStatus = "running"
	WorkloadSucceeded WorkloadStatus = "succeeded"
	WorkloadFailed    WorkloadStatus = "failed"
	WorkloadNotFound  WorkloadStatus = "not_found"
)

// Labels shared by every backend.
const (
	LabelManaged = "pgs.ebi.ac.uk/managed"
	LabelJobID   = "pgs.ebi.ac.uk/job-id"
	LabelKind    = "pgs.ebi.ac.uk/kind"
)

// WorkloadName returns the cluster object name for a job's workload.
// Cluster names must be lowercase DNS labels.
func WorkloadName(jobID string, kind WorkloadKind) string {
	return fmt.Sprintf("%s-%s", strings.ToLower(jobID), kind)
}

// LabelValue returns jobID in the lowercase form used for label selectors.
func LabelValue(jobID string) string {
	return strings.ToLower(jobID)
}
