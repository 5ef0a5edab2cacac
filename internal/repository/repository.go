package repository

import (
	"context"
	"time"

	"github.com/splax/depwatch/internal/domain"
)

// ProjectRepository persists project registrations.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	UpdateProject(ctx context.Context, project *domain.Project) error
}

// RepoRepository persists tracked source repositories. Updates and
// registries are replaced wholesale on every write, never merged.
type RepoRepository interface {
	CreateRepo(ctx context.Context, repo *domain.Repository) error
	UpdateRepo(ctx context.Context, repo *domain.Repository) error
	GetRepoByID(ctx context.Context, id string) (*domain.Repository, error)
	GetRepoByProviderID(ctx context.Context, projectID, providerID string) (*domain.Repository, error)
	ListReposByProject(ctx context.Context, projectID string) ([]domain.Repository, error)
	ListRepos(ctx context.Context) ([]domain.Repository, error)
	DeleteRepo(ctx context.Context, id string) error
	// DeleteReposExcept removes every repository of the project whose
	// provider id is not in keep, returning the removed ids.
	DeleteReposExcept(ctx context.Context, projectID string, keep []string) ([]string, error)
	// SetUpdateLatestJob backfills the last-run bookkeeping of one update
	// entry without touching the rest of the list.
	SetUpdateLatestJob(ctx context.Context, repoID string, updateIndex int, jobID string, status domain.UpdateJobStatus, at time.Time) error
}

// UpdateJobRepository persists update job records.
type UpdateJobRepository interface {
	CreateJob(ctx context.Context, job *domain.UpdateJob) error
	GetJobByID(ctx context.Context, id string) (*domain.UpdateJob, error)
	UpdateJob(ctx context.Context, job *domain.UpdateJob) error
	ListJobsByRepo(ctx context.Context, repoID string, limit int) ([]domain.UpdateJob, error)
	// ListUnfinishedJobsOlderThan returns jobs still scheduled or running that
	// were created before the cutoff.
	ListUnfinishedJobsOlderThan(ctx context.Context, cutoff time.Time) ([]domain.UpdateJob, error)
	// DeleteJobsOlderThan removes at most limit jobs created before the
	// cutoff, returning how many were removed.
	DeleteJobsOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error)
}
