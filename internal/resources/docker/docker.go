// Package docker implements resources.Workloads on a local Docker daemon.
// It is meant for development and single-host deployments where no cluster
// is available; each workload runs as one container.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/config"
	"pgsorchestrator/internal/resources"
	"slices"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Config holds configuration for the Docker backend.
type Config struct {
	Network    string   // network containers join (empty for the default bridge)
	ExtraHosts []string // extra /etc/hosts entries, e.g. ["minio:host-gateway"]
}

// LoadConfigFromEnv loads Docker backend configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Network:    config.GetEnv("DOCKER_NETWORK", ""),
		ExtraHosts: config.GetListEnv("EXTRA_HOSTS", nil),
	}
}

// Workloads runs job workloads as containers.
type Workloads struct {
	client     *client.Client
	network    string
	extraHosts []string
	logger     *slog.Logger
}

var _ resources.Workloads = (*Workloads)(nil)

// New connects to the Docker daemon configured in the environment.
func New(cfg Config) (*Workloads, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Workloads{
		client:     c,
		network:    cfg.Network,
		extraHosts: cfg.ExtraHosts,
		logger:     slog.With("component", "docker"),
	}, nil
}

// Install creates and starts the container for spec. A container that
// already exists is started if it never ran.
func (w *Workloads) Install(ctx context.Context, spec resources.WorkloadSpec) error {
	if err := w.pullImageIfNeeded(ctx, spec.Image); err != nil {
		return classify("pull_image", err)
	}

	cfg, hostCfg, err := w.containerConfig(spec)
	if err != nil {
		return err
	}

	resp, err := w.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	id := resp.ID
	switch {
	case errdefs.IsConflict(err):
		inspect, ierr := w.client.ContainerInspect(ctx, spec.Name)
		if ierr != nil {
			return classify("inspect_container", ierr)
		}
		if inspect.State == nil || inspect.State.Status != "created" {
			return nil
		}
		id = inspect.ID
	case err != nil:
		return classify("create_container", err)
	}

	if err := w.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify("start_container", err)
	}
	w.logger.Info("Workload installed", "jobId", spec.JobID, "name", spec.Name)
	return nil
}

// Uninstall stops and removes every container labelled with jobID.
func (w *Workloads) Uninstall(ctx context.Context, jobID string) error {
	containers, err := w.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", resources.LabelManaged+"=true"),
			filters.Arg("label", resources.LabelJobID+"="+resources.LabelValue(jobID)),
		),
	})
	if err != nil {
		return classify("list_containers", err)
	}

	const stopTimeout = 10
	var errs []error
	for _, c := range containers {
		timeout := stopTimeout
		_ = w.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})
		err := w.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, classify("remove_container", err))
			continue
		}
		w.logger.Info("Workload uninstalled", "jobId", jobID, "container", c.ID)
	}
	return errors.Join(errs...)
}

// Status reports the state of the named container.
func (w *Workloads) Status(ctx context.Context, name string) (resources.WorkloadStatus, error) {
	inspect, err := w.client.ContainerInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		return resources.WorkloadNotFound, nil
	}
	if err != nil {
		return "", classify("inspect_container", err)
	}
	return statusOf(inspect.State), nil
}

// Ping checks if the Docker daemon is reachable and responsive.
func (w *Workloads) Ping(ctx context.Context) error {
	if _, err := w.client.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close releases the daemon connection.
func (w *Workloads) Close() error {
	return w.client.Close()
}

func (w *Workloads) containerConfig(spec resources.WorkloadSpec) (*container.Config, *container.HostConfig, error) {
	limits, err := resourceLimits(spec.CPU, spec.Memory)
	if err != nil {
		return nil, nil, err
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	slices.Sort(env)

	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
		Env:   env,
		Labels: map[string]string{
			resources.LabelManaged: "true",
			resources.LabelJobID:   resources.LabelValue(spec.JobID),
			resources.LabelKind:    string(spec.Kind),
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(w.network),
		ExtraHosts:  w.extraHosts,
		Resources:   limits,
	}
	return cfg, hostCfg, nil
}

// resourceLimits converts Kubernetes-style quantities to container limits.
func resourceLimits(cpu, memory string) (container.Resources, error) {
	var r container.Resources
	if cpu != "" {
		q, err := resource.ParseQuantity(cpu)
		if err != nil {
			return r, apperrors.Permanent("container_config", fmt.Errorf("invalid cpu quantity %q: %w", cpu, err))
		}
		r.NanoCPUs = q.MilliValue() * 1_000_000
	}
	if memory != "" {
		q, err := resource.ParseQuantity(memory)
		if err != nil {
			return r, apperrors.Permanent("container_config", fmt.Errorf("invalid memory quantity %q: %w", memory, err))
		}
		r.Memory = q.Value()
	}
	return r, nil
}

func (w *Workloads) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if _, err := w.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}
	reader, err := w.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func statusOf(state *container.State) resources.WorkloadStatus {
	if state == nil {
		return resources.WorkloadPending
	}
	switch {
	case state.Running, state.Restarting, state.Paused:
		return resources.WorkloadRunning
	case state.Status == "exited" || state.Status == "dead":
		if state.ExitCode == 0 && !state.OOMKilled {
			return resources.WorkloadSucceeded
		}
		return resources.WorkloadFailed
	}
	return resources.WorkloadPending
}

// classify maps daemon errors onto transient or permanent failures.
func classify(op string, err error) error {
	switch {
	case errdefs.IsInvalidParameter(err), errdefs.IsForbidden(err), errdefs.IsUnauthorized(err),
		errdefs.IsNotImplemented(err):
		return apperrors.Permanent(op, err)
	case errdefs.IsNotFound(err) && op == "pull_image":
		return apperrors.Permanent(op, err)
	}
	return apperrors.Transient(op, err)
}
