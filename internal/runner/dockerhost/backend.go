package dockerhost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/splax/depwatch/internal/runner"
)

const (
	// The three networks are provisioned by the deployment, never created
	// here. Server carries proxy to orchestrator traffic, jobs carries
	// updater to proxy traffic, proxy carries the proxy's egress. The
	// updater joins only the jobs network so the proxy is its sole path out.
	NetworkServer = "depwatch_server"
	NetworkProxy  = "depwatch_proxy"
	NetworkJobs   = "depwatch_jobs"
)

// Backend runs update jobs as container pairs on a Docker host.
type Backend struct {
	client *Client
}

// NewBackend verifies daemon connectivity and that the three required
// networks exist. A missing network is a deployment error and fails fast.
func NewBackend(ctx context.Context, host string) (*Backend, error) {
	c, err := New(host)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	for _, name := range []string{NetworkServer, NetworkProxy, NetworkJobs} {
		if _, err := c.inner.NetworkInspect(ctx, name, network.InspectOptions{}); err != nil {
			if client.IsErrNotFound(err) {
				return nil, fmt.Errorf("required docker network %q does not exist", name)
			}
			return nil, fmt.Errorf("inspect docker network %q: %w", name, err)
		}
	}
	return &Backend{client: c}, nil
}

// Close releases the underlying docker client.
func (b *Backend) Close() error {
	return b.client.Close()
}

// ProxyHost returns the proxy container's name, resolvable on the jobs
// network.
func (b *Backend) ProxyHost(name string) string {
	return name + "-proxy"
}

// Exists reports whether the job's updater container exists.
func (b *Backend) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.client.inner.ContainerInspect(ctx, name+"-updater")
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container: %w", err)
	}
	return true, nil
}

// Create pulls the images, creates the proxy on all three networks and the
// updater on the jobs network only, and starts both.
func (b *Backend) Create(ctx context.Context, spec runner.JobSpec) error {
	if err := b.pull(ctx, spec.Proxy.Image); err != nil {
		return err
	}
	if err := b.pull(ctx, spec.Updater.Image); err != nil {
		return err
	}

	proxyID, err := b.createContainer(ctx, spec.Proxy, NetworkJobs)
	if err != nil {
		return err
	}
	for _, net := range []string{NetworkServer, NetworkProxy} {
		if err := b.client.inner.NetworkConnect(ctx, net, proxyID, &network.EndpointSettings{}); err != nil {
			return fmt.Errorf("connect %s to %s: %w", spec.Proxy.Name, net, err)
		}
	}
	if err := b.client.inner.ContainerStart(ctx, proxyID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", spec.Proxy.Name, err)
	}

	updaterID, err := b.createContainer(ctx, spec.Updater, NetworkJobs)
	if err != nil {
		return err
	}
	if err := b.client.inner.ContainerStart(ctx, updaterID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", spec.Updater.Name, err)
	}
	return nil
}

// Delete force-removes both containers. Missing containers are not an error.
func (b *Backend) Delete(ctx context.Context, name string) error {
	for _, suffix := range []string{"-updater", "-proxy"} {
		if err := b.client.RemoveContainer(ctx, name+suffix); err != nil {
			return err
		}
	}
	return nil
}

// Execution inspects the updater container. A missing container or one still
// running yields no execution record.
func (b *Backend) Execution(ctx context.Context, name string) (*runner.Execution, error) {
	inspect, err := b.client.inner.ContainerInspect(ctx, name+"-updater")
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect container: %w", err)
	}
	state := inspect.State
	if state == nil || state.Running || state.Status == "created" {
		return &runner.Execution{Status: runner.ExecutionRunning}, nil
	}

	exec := &runner.Execution{Status: runner.ExecutionFailed}
	if state.ExitCode == 0 {
		exec.Status = runner.ExecutionSucceeded
	}
	if t, err := time.Parse(time.RFC3339Nano, state.StartedAt); err == nil && !t.IsZero() {
		started := t.UTC()
		exec.StartedAt = &started
	}
	if t, err := time.Parse(time.RFC3339Nano, state.FinishedAt); err == nil && !t.IsZero() {
		finished := t.UTC()
		exec.FinishedAt = &finished
	}
	return exec, nil
}

// Logs reads the updater container's stdout, falling back to stderr when
// stdout is empty.
func (b *Backend) Logs(ctx context.Context, name string) (string, error) {
	rc, err := b.client.inner.ContainerLogs(ctx, name+"-updater", container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", fmt.Errorf("demultiplex container logs: %w", err)
	}
	if stdout.Len() > 0 {
		return stdout.String(), nil
	}
	return stderr.String(), nil
}

func (b *Backend) pull(ctx context.Context, ref string) error {
	rc, err := b.client.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (b *Backend) createContainer(ctx context.Context, spec runner.ContainerSpec, primaryNetwork string) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Entrypoint: spec.Command,
		Env:        env,
	}
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPU * 1e9),
			Memory:   int64(spec.MemoryMB) * 1024 * 1024,
		},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			primaryNetwork: {},
		},
	}

	r, err := b.client.inner.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return r.ID, nil
}

// Resolve pulls the image and returns its repo digest reference, satisfying
// runner.ImageResolver.
func (b *Backend) Resolve(ctx context.Context, ref string) (string, error) {
	if err := b.pull(ctx, ref); err != nil {
		return "", err
	}
	inspect, _, err := b.client.inner.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("inspect image %s: %w", ref, err)
	}
	if len(inspect.RepoDigests) > 0 {
		return inspect.RepoDigests[0], nil
	}
	// Locally built images have no repo digest.
	if strings.TrimSpace(inspect.ID) != "" {
		return inspect.ID, nil
	}
	return ref, nil
}
