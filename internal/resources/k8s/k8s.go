// Package k8s implements resources.Workloads as Kubernetes batch Jobs.
package k8s

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/config"
	"pgsorchestrator/internal/resources"
	"slices"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"
)

const containerName = "main"

// Config holds configuration for the cluster backend.
type Config struct {
	Namespace  string // cluster namespace workloads run in
	Kubeconfig string // used when not running in-cluster
}

// LoadConfigFromEnv loads cluster configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Namespace:  config.GetEnv("K8S_NAMESPACE", "default"),
		Kubeconfig: config.GetEnv("KUBECONFIG", ""),
	}
}

// RESTConfig returns the cluster connection settings.
// In-cluster service account first, then the kubeconfig file.
func (c Config) RESTConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	path := c.Kubeconfig
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", path)
}

// Workloads runs job workloads as batch Jobs.
type Workloads struct {
	client    kubernetes.Interface
	namespace string
	logger    *slog.Logger
}

var _ resources.Workloads = (*Workloads)(nil)

// New creates a Workloads backend from cfg.
func New(cfg Config) (*Workloads, error) {
	rc, err := cfg.RESTConfig()
	if err != nil {
		return nil, fmt.Errorf("load cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("create cluster client: %w", err)
	}
	return NewWithClient(client, cfg.Namespace), nil
}

// NewWithClient creates a Workloads backend over an existing client.
func NewWithClient(client kubernetes.Interface, namespace string) *Workloads {
	return &Workloads{
		client:    client,
		namespace: namespace,
		logger:    slog.With("component", "k8s"),
	}
}

// Install creates the batch Job for spec.
func (w *Workloads) Install(ctx context.Context, spec resources.WorkloadSpec) error {
	obj, err := w.build(spec)
	if err != nil {
		return err
	}
	_, err = w.client.BatchV1().Jobs(w.namespace).Create(ctx, obj, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	if err != nil {
		return classify("create_job", err)
	}
	w.logger.Info("Workload installed", "jobId", spec.JobID, "name", spec.Name)
	return nil
}

// Uninstall deletes every Job labelled with jobID, along with its pods.
func (w *Workloads) Uninstall(ctx context.Context, jobID string) error {
	selector := labels.SelectorFromSet(labels.Set{
		resources.LabelManaged: "true",
		resources.LabelJobID:   resources.LabelValue(jobID),
	}).String()

	list, err := w.client.BatchV1().Jobs(w.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return classify("list_jobs", err)
	}

	var errs []error
	for _, item := range list.Items {
		err := w.client.BatchV1().Jobs(w.namespace).Delete(ctx, item.Name, metav1.DeleteOptions{
			PropagationPolicy: ptr.To(metav1.DeletePropagationForeground),
		})
		if err != nil && !apierrors.IsNotFound(err) {
			errs = append(errs, classify("delete_job", err))
			continue
		}
		w.logger.Info("Workload uninstalled", "jobId", jobID, "name", item.Name)
	}
	return errors.Join(errs...)
}

// Status reports the state of the named Job.
func (w *Workloads) Status(ctx context.Context, name string) (resources.WorkloadStatus, error) {
	obj, err := w.client.BatchV1().Jobs(w.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return resources.WorkloadNotFound, nil
	}
	if err != nil {
		return "", classify("get_job", err)
	}
	return statusOf(obj), nil
}

// Ping checks the namespace is reachable and readable.
func (w *Workloads) Ping(ctx context.Context) error {
	_, err := w.client.BatchV1().Jobs(w.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return classify("list_jobs", err)
	}
	return nil
}

func (w *Workloads) build(spec resources.WorkloadSpec) (*batchv1.Job, error) {
	requests := corev1.ResourceList{}
	for name, value := range map[corev1.ResourceName]string{
		corev1.ResourceCPU:    spec.CPU,
		corev1.ResourceMemory: spec.Memory,
	} {
		if value == "" {
			continue
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return nil, apperrors.Permanent("build_job", fmt.Errorf("invalid %s quantity %q: %w", name, value, err))
		}
		requests[name] = q
	}

	meta := metav1.ObjectMeta{
		Name:      spec.Name,
		Namespace: w.namespace,
		Labels: map[string]string{
			resources.LabelManaged: "true",
			resources.LabelJobID:   resources.LabelValue(spec.JobID),
			resources.LabelKind:    string(spec.Kind),
		},
		Annotations: map[string]string{
			"pgs.ebi.ac.uk/job-id":     spec.JobID,
			"pgs.ebi.ac.uk/deployment": spec.Namespace,
		},
	}

	obj := &batchv1.Job{
		ObjectMeta: meta,
		Spec: batchv1.JobSpec{
			Parallelism:  ptr.To(int32(1)),
			Completions:  ptr.To(int32(1)),
			BackoffLimit: ptr.To(int32(0)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: meta.Labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: spec.ServiceAccount,
					Containers: []corev1.Container{
						{
							Name:    containerName,
							Image:   spec.Image,
							Command: spec.Command,
							Env:     envVars(spec.Env),
							Resources: corev1.ResourceRequirements{
								Requests: requests,
								Limits:   requests,
							},
						},
					},
				},
			},
		},
	}
	if spec.Deadline > 0 {
		obj.Spec.ActiveDeadlineSeconds = ptr.To(int64(spec.Deadline.Seconds()))
	}
	return obj, nil
}

// envVars converts env to a sorted list so descriptors are stable.
func envVars(env map[string]string) []corev1.EnvVar {
	if len(env) == 0 {
		return nil
	}
	out := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		out = append(out, corev1.EnvVar{Name: k, Value: v})
	}
	slices.SortFunc(out, func(a, b corev1.EnvVar) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func statusOf(obj *batchv1.Job) resources.WorkloadStatus {
	for _, c := range obj.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return resources.WorkloadSucceeded
		case batchv1.JobFailed:
			return resources.WorkloadFailed
		}
	}
	if obj.Status.Active > 0 {
		return resources.WorkloadRunning
	}
	if obj.Status.Failed > 0 {
		return resources.WorkloadFailed
	}
	return resources.WorkloadPending
}

// classify maps API errors onto transient or permanent failures.
func classify(op string, err error) error {
	switch {
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err), apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err), apierrors.IsMethodNotSupported(err):
		return apperrors.Permanent(op, err)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsInternalError(err):
		return apperrors.Transient(op, err)
	}
	// Quota rejections arrive as Forbidden above; anything else may be a
	// dropped connection.
	return apperrors.Transient(op, err)
}
