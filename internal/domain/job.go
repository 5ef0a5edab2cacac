package domain

import (
	"fmt"
	"time"
)

// UpdateJobStatus is the lifecycle state of an update job.
type UpdateJobStatus string

const (
	UpdateJobStatusScheduled UpdateJobStatus = "scheduled"
	UpdateJobStatusRunning   UpdateJobStatus = "running"
	UpdateJobStatusSucceeded UpdateJobStatus = "succeeded"
	UpdateJobStatusFailed    UpdateJobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s UpdateJobStatus) Terminal() bool {
	return s == UpdateJobStatusSucceeded || s == UpdateJobStatusFailed
}

// UpdateJobTrigger records why a job was created.
type UpdateJobTrigger string

const (
	UpdateJobTriggerScheduled       UpdateJobTrigger = "scheduled"
	UpdateJobTriggerMissedSchedule  UpdateJobTrigger = "missed_schedule"
	UpdateJobTriggerSynchronization UpdateJobTrigger = "synchronization"
	UpdateJobTriggerManual          UpdateJobTrigger = "manual"
)

// UpdateJobPlatform names the container backend a job runs on.
type UpdateJobPlatform string

const (
	UpdateJobPlatformDockerCompose UpdateJobPlatform = "docker_compose"
	UpdateJobPlatformKubernetes    UpdateJobPlatform = "kubernetes"
)

// UpdateJobResources are the compute requests for the updater container.
type UpdateJobResources struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

// UpdateJobError is the recorded failure of a job, as reported by the updater.
type UpdateJobError struct {
	Type   string         `json:"error-type"`
	Detail map[string]any `json:"error-detail,omitempty"`
}

// UpdateJob is one execution of a repository update.
type UpdateJob struct {
	ID           string
	ProjectID    string
	RepositoryID string

	// RepositorySlug is denormalized so jobs outlive repository deletion.
	RepositorySlug string

	// UpdateIndex is the position of the update within the repository's
	// config at the time the job was created.
	UpdateIndex int

	PackageEcosystem string
	Directory        string
	Directories      []string

	Trigger  UpdateJobTrigger
	Status   UpdateJobStatus
	Platform UpdateJobPlatform

	Resources UpdateJobResources

	// AuthKey authenticates the updater's callback requests for this job.
	AuthKey string

	ProxyImage   string
	UpdaterImage string

	LogsPath       string
	FlameGraphPath string
	Error          *UpdateJobError

	StartedAt  *time.Time
	FinishedAt *time.Time
	Duration   *time.Duration

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResourceName is the name used for container resources belonging to this
// job. It is stable across retries of Create.
func (j *UpdateJob) ResourceName() string {
	return fmt.Sprintf("depwatch-job-%s", j.ID)
}
