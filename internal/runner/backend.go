package runner

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownPlatform is returned when no backend matches the configured
// job platform.
var ErrUnknownPlatform = errors.New("unknown job platform")

// ExecutionStatus is the backend's view of a job execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution captures the observed state of a job's containers.
type Execution struct {
	Status     ExecutionStatus
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Terminal reports whether the execution has finished.
func (e *Execution) Terminal() bool {
	return e != nil && e.Status != ExecutionRunning
}

// Mount binds a host path into a container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ContainerSpec describes one container of a job.
type ContainerSpec struct {
	Name     string
	Image    string
	Command  []string
	Env      map[string]string
	Mounts   []Mount
	CPU      float64
	MemoryMB float64
}

// JobSpec is a complete two-container job: the egress proxy and the updater.
type JobSpec struct {
	Name    string
	Proxy   ContainerSpec
	Updater ContainerSpec
	Timeout time.Duration
}

// Backend runs jobs on a container platform. Implementations must make
// Create a no-op when the named job already exists and tolerate missing
// resources on Delete.
type Backend interface {
	// Exists reports whether a job by the given resource name exists.
	Exists(ctx context.Context, name string) (bool, error)

	// Create provisions and starts both containers of the job.
	Create(ctx context.Context, spec JobSpec) error

	// Delete removes the job's resources. Missing resources are not an error.
	Delete(ctx context.Context, name string) error

	// Execution returns the current execution state, or nil when the job has
	// not yet produced an observable terminal or running record.
	Execution(ctx context.Context, name string) (*Execution, error)

	// Logs returns the updater container's output.
	Logs(ctx context.Context, name string) (string, error)

	// ProxyHost is the hostname at which the updater reaches the proxy.
	ProxyHost(name string) string
}
