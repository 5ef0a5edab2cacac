package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/depwatch/internal/certs"
	"github.com/splax/depwatch/internal/domain"
	"github.com/splax/depwatch/internal/repository"
	"github.com/splax/depwatch/internal/updates"
	"github.com/splax/depwatch/pkg/config"
	"github.com/splax/depwatch/pkg/crypto"
)

const (
	proxyPort     = 1080
	proxyCPU      = 0.25
	proxyMemoryMB = 512

	// jobTimeout caps a whole job execution on the backend. The updater has
	// its own shorter run-time ceiling inside the job definition.
	jobTimeout = time.Hour

	caCertMountPath = "/usr/local/share/ca-certificates/depwatch-ca.crt"
	proxyConfigPath = "/config.json"
)

// Runner creates container jobs for repository updates and resolves their
// terminal state.
type Runner struct {
	projects repository.ProjectRepository
	repos    repository.RepoRepository
	jobs     repository.UpdateJobRepository

	backend Backend
	images  ImageResolver
	ws      *Workspace
	ca      *certs.Authority
	outputs *OutputCollector

	cfg config.OrchestratorConfig
	log *slog.Logger

	now func() time.Time
}

// New wires a Runner against one container backend.
func New(
	cfg config.OrchestratorConfig,
	projects repository.ProjectRepository,
	repos repository.RepoRepository,
	jobs repository.UpdateJobRepository,
	backend Backend,
	images ImageResolver,
	ws *Workspace,
	ca *certs.Authority,
	log *slog.Logger,
) *Runner {
	return &Runner{
		projects: projects,
		repos:    repos,
		jobs:     jobs,
		backend:  backend,
		images:   images,
		ws:       ws,
		ca:       ca,
		outputs:  NewOutputCollector(),
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Outputs exposes the per-job output accumulator used by the callback API.
func (r *Runner) Outputs() *OutputCollector {
	return r.outputs
}

// RunUpdate creates a job record for one update of a repository and starts
// its containers.
func (r *Runner) RunUpdate(ctx context.Context, projectID, repoID string, updateIndex int, reason domain.UpdateJobTrigger) (*domain.UpdateJob, error) {
	repo, err := r.repos.GetRepoByID(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("load repository: %w", err)
	}
	project, err := r.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if !repo.HasValidConfig() {
		return nil, fmt.Errorf("repository %s has no valid configuration: %w", repo.Slug, repository.ErrInvalidArgument)
	}
	if updateIndex < 0 || updateIndex >= len(repo.Updates) {
		return nil, fmt.Errorf("update index %d out of range: %w", updateIndex, repository.ErrInvalidArgument)
	}
	update := &repo.Updates[updateIndex]

	now := r.now().UTC()
	job := &domain.UpdateJob{
		ID:               uuid.NewString(),
		ProjectID:        project.ID,
		RepositoryID:     repo.ID,
		RepositorySlug:   repo.Slug,
		UpdateIndex:      updateIndex,
		PackageEcosystem: update.PackageEcosystem,
		Directory:        update.Directory,
		Directories:      update.Directories,
		Trigger:          reason,
		Status:           domain.UpdateJobStatusScheduled,
		Platform:         domain.UpdateJobPlatform(r.cfg.Platform),
		Resources: domain.UpdateJobResources{
			CPU:    r.cfg.JobCPU,
			Memory: r.cfg.JobMemoryMB,
		},
		AuthKey:   uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}
	jobsCreatedTotal.WithLabelValues(string(reason)).Inc()

	if err := r.Create(ctx, project, repo, job); err != nil {
		job.Status = domain.UpdateJobStatusFailed
		finished := r.now().UTC()
		job.FinishedAt = &finished
		job.Error = &domain.UpdateJobError{Type: "job_creation_failed", Detail: map[string]any{"message": err.Error()}}
		if uerr := r.jobs.UpdateJob(ctx, job); uerr != nil {
			r.log.Error("record job creation failure", "job_id", job.ID, "error", uerr)
		}
		jobsFinishedTotal.WithLabelValues(string(job.Status)).Inc()
		return job, err
	}

	started := r.now().UTC()
	job.Status = domain.UpdateJobStatusRunning
	job.StartedAt = &started
	if err := r.jobs.UpdateJob(ctx, job); err != nil {
		return job, fmt.Errorf("mark job running: %w", err)
	}
	if err := r.repos.SetUpdateLatestJob(ctx, repo.ID, updateIndex, job.ID, job.Status, started); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return job, fmt.Errorf("record latest job: %w", err)
	}

	r.log.Info("update job started",
		"job_id", job.ID,
		"repository", repo.Slug,
		"ecosystem", update.PackageEcosystem,
		"trigger", string(reason))
	return job, nil
}

// Create provisions both containers for the job. When a job by the same
// resource name already exists on the backend the call is a no-op, which
// makes creation safe under retried trigger delivery. Artifact writes
// complete before any container is created.
func (r *Runner) Create(ctx context.Context, project *domain.Project, repo *domain.Repository, job *domain.UpdateJob) error {
	name := job.ResourceName()
	exists, err := r.backend.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("check job existence: %w", err)
	}
	if exists {
		return nil
	}
	if job.UpdateIndex < 0 || job.UpdateIndex >= len(repo.Updates) {
		return fmt.Errorf("update index %d out of range: %w", job.UpdateIndex, repository.ErrInvalidArgument)
	}
	update := &repo.Updates[job.UpdateIndex]

	debug := r.debugEnabled(project, update.PackageEcosystem)

	token, err := crypto.DecryptToString(r.cfg.EncryptionKey, project.Token)
	if err != nil {
		return fmt.Errorf("decrypt project token: %w", err)
	}
	secrets, err := crypto.DecryptMap(r.cfg.EncryptionKey, project.Secrets)
	if err != nil {
		return fmt.Errorf("decrypt project secrets: %w", err)
	}

	creds, err := updates.BuildCredentials(project.URL, token, repo.Registries, update.Registries, secrets)
	if err != nil {
		return fmt.Errorf("build credentials: %w", err)
	}

	certPEM, keyPEM, err := r.ca.Get()
	if err != nil {
		return fmt.Errorf("certificate authority: %w", err)
	}

	def, proxyCfg, err := updates.Materialize(updates.MaterializeInput{
		Project:     project,
		Update:      update,
		RepoSlug:    repo.Slug,
		Credentials: creds,
		Debug:       debug,
		CACert:      certPEM,
		CAKey:       keyPEM,
		Experiments: project.Experiments,
		Now:         r.now,
	})
	if err != nil {
		return fmt.Errorf("materialize job config: %w", err)
	}

	paths, err := r.ws.Prepare(name)
	if err != nil {
		return err
	}
	if err := writeJSON(paths.JobFile, map[string]any{"job": def}); err != nil {
		return fmt.Errorf("write job definition: %w", err)
	}
	if err := writeJSON(paths.ProxyFile, proxyCfg); err != nil {
		return fmt.Errorf("write proxy config: %w", err)
	}
	if err := os.WriteFile(paths.CACertFile, []byte(certPEM), 0o644); err != nil {
		return fmt.Errorf("write ca certificate: %w", err)
	}

	proxyImage, err := r.images.Resolve(ctx, r.cfg.ProxyImage)
	if err != nil {
		return fmt.Errorf("resolve proxy image: %w", err)
	}
	updaterImage, err := r.images.Resolve(ctx, fmt.Sprintf(r.cfg.UpdaterImageFormat, update.PackageEcosystem))
	if err != nil {
		return fmt.Errorf("resolve updater image: %w", err)
	}
	job.ProxyImage = proxyImage
	job.UpdaterImage = updaterImage

	proxyAddr := fmt.Sprintf("http://%s:%d", r.backend.ProxyHost(name), proxyPort)
	spec := JobSpec{
		Name:    name,
		Timeout: jobTimeout,
		Proxy: ContainerSpec{
			Name:    name + "-proxy",
			Image:   proxyImage,
			Command: []string{"sh", "-c", "update-ca-certificates && /update-job-proxy"},
			Env: map[string]string{
				"JOB_ID":      job.ID,
				"PROXY_CACHE": "true",
			},
			Mounts: []Mount{
				{HostPath: paths.ProxyFile, ContainerPath: proxyConfigPath, ReadOnly: true},
			},
			CPU:      proxyCPU,
			MemoryMB: proxyMemoryMB,
		},
		Updater: ContainerSpec{
			Name:    name + "-updater",
			Image:   updaterImage,
			Command: []string{"sh", "-c", "update-ca-certificates && bin/run fetch_files && bin/run update_files"},
			Env: map[string]string{
				"DEPENDABOT_JOB_ID":      job.ID,
				"DEPENDABOT_JOB_TOKEN":   job.AuthKey,
				"DEPENDABOT_JOB_PATH":    paths.ContainerJobFile,
				"DEPENDABOT_OUTPUT_PATH": paths.ContainerOutputDir,
				"DEPENDABOT_API_URL":     r.cfg.PublicURL,
				"DEPENDABOT_DEBUG":       fmt.Sprintf("%t", debug),
				"UPDATER_ONE_CONTAINER":  "true",
				"UPDATER_DETERMINISTIC":  "true",
				"http_proxy":             proxyAddr,
				"HTTP_PROXY":             proxyAddr,
				"https_proxy":            proxyAddr,
				"HTTPS_PROXY":            proxyAddr,
			},
			Mounts: []Mount{
				{HostPath: paths.Root, ContainerPath: paths.ContainerRoot},
				{HostPath: paths.CACertFile, ContainerPath: caCertMountPath, ReadOnly: true},
			},
			CPU:      job.Resources.CPU,
			MemoryMB: job.Resources.Memory,
		},
	}

	if err := r.backend.Create(ctx, spec); err != nil {
		return fmt.Errorf("create backend job: %w", err)
	}
	return nil
}

// CheckJob resolves the job's state against the backend. While the job is
// still running this is a no-op; on a terminal execution the record is
// finalized, logs are persisted, and the job's containers and scratch
// directories are removed. Re-checking an already terminal job does nothing.
func (r *Runner) CheckJob(ctx context.Context, jobID string) error {
	job, err := r.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}

	name := job.ResourceName()
	exec, err := r.backend.Execution(ctx, name)
	if err != nil {
		return fmt.Errorf("query job execution: %w", err)
	}
	if !exec.Terminal() {
		return nil
	}

	// Terminal status is fixed before any cleanup side effect runs.
	switch exec.Status {
	case ExecutionSucceeded:
		job.Status = domain.UpdateJobStatusSucceeded
	default:
		job.Status = domain.UpdateJobStatusFailed
		if job.Error == nil {
			job.Error = &domain.UpdateJobError{Type: "update_job_unknown_error"}
		}
	}
	finished := r.now().UTC()
	if exec.StartedAt != nil {
		job.StartedAt = exec.StartedAt
	}
	if exec.FinishedAt != nil {
		job.FinishedAt = exec.FinishedAt
	} else {
		job.FinishedAt = &finished
	}
	if job.StartedAt != nil {
		d := job.FinishedAt.Sub(*job.StartedAt)
		job.Duration = &d
	}

	if logs, lerr := r.backend.Logs(ctx, name); lerr != nil {
		r.log.Warn("fetch job logs", "job_id", job.ID, "error", lerr)
	} else if logs != "" {
		if path, perr := r.ws.PersistLogs(name, logs); perr != nil {
			r.log.Warn("persist job logs", "job_id", job.ID, "error", perr)
		} else {
			job.LogsPath = path
		}
	}

	if path, gerr := r.ws.PersistFlameGraph(name); gerr != nil {
		r.log.Warn("persist flame graph", "job_id", job.ID, "error", gerr)
	} else if path != "" {
		job.FlameGraphPath = path
	}

	if err := r.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	at := *job.FinishedAt
	if err := r.repos.SetUpdateLatestJob(ctx, job.RepositoryID, job.UpdateIndex, job.ID, job.Status, at); err != nil && !errors.Is(err, repository.ErrNotFound) {
		r.log.Warn("record latest job", "job_id", job.ID, "error", err)
	}

	if outputs := r.outputs.Take(job.ID); len(outputs) > 0 {
		r.log.Info("job reported outputs", "job_id", job.ID, "count", len(outputs))
	}

	if err := r.Delete(ctx, job); err != nil {
		r.log.Warn("cleanup job resources", "job_id", job.ID, "error", err)
	}

	jobsFinishedTotal.WithLabelValues(string(job.Status)).Inc()
	r.log.Info("update job finished",
		"job_id", job.ID,
		"repository", job.RepositorySlug,
		"status", string(job.Status))
	return nil
}

// Delete removes the job's backend resources and scratch directories.
// Missing resources are tolerated, so it is safe to call more than once.
func (r *Runner) Delete(ctx context.Context, job *domain.UpdateJob) error {
	name := job.ResourceName()
	if err := r.backend.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete backend job: %w", err)
	}
	return r.ws.Cleanup(name)
}

// Logs returns the updater container's output for a still-existing job.
func (r *Runner) Logs(ctx context.Context, job *domain.UpdateJob) (string, error) {
	return r.backend.Logs(ctx, job.ResourceName())
}

// RecordError attaches a terminal error reported by the updater. The job
// stays running until its execution is observed terminal; the error only
// pre-fills the failure detail.
func (r *Runner) RecordError(ctx context.Context, jobID string, jobErr *domain.UpdateJobError) error {
	job, err := r.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Error = jobErr
	return r.jobs.UpdateJob(ctx, job)
}

func (r *Runner) debugEnabled(project *domain.Project, ecosystem string) bool {
	full := fmt.Sprintf("%s/%s/%s", project.Provider, project.Slug, ecosystem)
	short := fmt.Sprintf("%s/%s", project.Provider, project.Slug)
	for _, entry := range r.cfg.DebugRepositories {
		if strings.EqualFold(entry, full) || strings.EqualFold(entry, short) {
			return true
		}
	}
	return false
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
