package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/depwatch/internal/domain"
	"github.com/splax/depwatch/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository   = (*Repository)(nil)
	_ repository.RepoRepository      = (*Repository)(nil)
	_ repository.UpdateJobRepository = (*Repository)(nil)
)

// CreateProject inserts a project registration.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, provider, url, name, slug, description, private, token,
			auto_complete, auto_complete_ignore_configs, auto_approve, experiments, secrets,
			synchronized_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	ignoreConfigs, err := json.Marshal(project.AutoCompleteIgnoreConfigs)
	if err != nil {
		return err
	}
	experiments, err := json.Marshal(project.Experiments)
	if err != nil {
		return err
	}
	secrets, err := json.Marshal(project.Secrets)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		project.ID,
		project.Provider,
		project.URL,
		project.Name,
		project.Slug,
		project.Description,
		project.Private,
		project.Token,
		project.AutoComplete,
		ignoreConfigs,
		project.AutoApprove,
		experiments,
		secrets,
		project.SynchronizedAt,
		project.CreatedAt,
		project.UpdatedAt,
	)
	return err
}

const projectColumns = `id, provider, url, name, slug, description, private, token,
	auto_complete, auto_complete_ignore_configs, auto_approve, experiments, secrets,
	synchronized_at, created_at, updated_at`

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p              domain.Project
		ignoreConfigs  []byte
		experiments    []byte
		secrets        []byte
		synchronizedAt sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.Provider, &p.URL, &p.Name, &p.Slug, &p.Description, &p.Private, &p.Token,
		&p.AutoComplete, &ignoreConfigs, &p.AutoApprove, &experiments, &secrets,
		&synchronizedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(ignoreConfigs) > 0 {
		if err := json.Unmarshal(ignoreConfigs, &p.AutoCompleteIgnoreConfigs); err != nil {
			return nil, err
		}
	}
	if len(experiments) > 0 {
		if err := json.Unmarshal(experiments, &p.Experiments); err != nil {
			return nil, err
		}
	}
	if len(secrets) > 0 {
		if err := json.Unmarshal(secrets, &p.Secrets); err != nil {
			return nil, err
		}
	}
	if synchronizedAt.Valid {
		value := synchronizedAt.Time.UTC()
		p.SynchronizedAt = &value
	}
	return &p, nil
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return scanProject(r.pool.QueryRow(ctx, query, id))
}

// ListProjects returns all registered projects.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// UpdateProject persists mutable project attributes.
func (r *Repository) UpdateProject(ctx context.Context, project *domain.Project) error {
	const query = `UPDATE projects
		SET name = $2,
			slug = $3,
			description = $4,
			private = $5,
			experiments = $6,
			secrets = $7,
			synchronized_at = $8,
			updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`
	experiments, err := json.Marshal(project.Experiments)
	if err != nil {
		return err
	}
	secrets, err := json.Marshal(project.Secrets)
	if err != nil {
		return err
	}
	var updatedAt time.Time
	if err := r.pool.QueryRow(ctx, query,
		project.ID,
		project.Name,
		project.Slug,
		project.Description,
		project.Private,
		experiments,
		secrets,
		project.SynchronizedAt,
	).Scan(&updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	project.UpdatedAt = updatedAt
	return nil
}

// CreateRepo inserts a repository row.
func (r *Repository) CreateRepo(ctx context.Context, repo *domain.Repository) error {
	const query = `INSERT INTO repositories (id, project_id, provider_id, name, slug,
			config_path, config_contents, latest_commit, sync_exception, updates, registries,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	updates, registries, err := marshalRepoLists(repo)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		repo.ID,
		repo.ProjectID,
		repo.ProviderID,
		repo.Name,
		repo.Slug,
		repo.ConfigPath,
		repo.ConfigContents,
		repo.LatestCommit,
		repo.SyncException,
		updates,
		registries,
		repo.CreatedAt,
		repo.UpdatedAt,
	)
	return err
}

// UpdateRepo replaces a repository row, including its whole updates list and
// registry map.
func (r *Repository) UpdateRepo(ctx context.Context, repo *domain.Repository) error {
	const query = `UPDATE repositories
		SET name = $2,
			slug = $3,
			config_path = $4,
			config_contents = $5,
			latest_commit = $6,
			sync_exception = $7,
			updates = $8,
			registries = $9,
			updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`
	updates, registries, err := marshalRepoLists(repo)
	if err != nil {
		return err
	}
	var updatedAt time.Time
	if err := r.pool.QueryRow(ctx, query,
		repo.ID,
		repo.Name,
		repo.Slug,
		repo.ConfigPath,
		repo.ConfigContents,
		repo.LatestCommit,
		repo.SyncException,
		updates,
		registries,
	).Scan(&updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	repo.UpdatedAt = updatedAt
	return nil
}

func marshalRepoLists(repo *domain.Repository) ([]byte, []byte, error) {
	updates, err := json.Marshal(repo.Updates)
	if err != nil {
		return nil, nil, err
	}
	registries, err := json.Marshal(repo.Registries)
	if err != nil {
		return nil, nil, err
	}
	return updates, registries, nil
}

const repoColumns = `id, project_id, provider_id, name, slug, config_path, config_contents,
	latest_commit, sync_exception, updates, registries, created_at, updated_at`

func scanRepo(row pgx.Row) (*domain.Repository, error) {
	var (
		repo       domain.Repository
		updates    []byte
		registries []byte
	)
	if err := row.Scan(
		&repo.ID, &repo.ProjectID, &repo.ProviderID, &repo.Name, &repo.Slug,
		&repo.ConfigPath, &repo.ConfigContents, &repo.LatestCommit, &repo.SyncException,
		&updates, &registries, &repo.CreatedAt, &repo.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(updates) > 0 {
		if err := json.Unmarshal(updates, &repo.Updates); err != nil {
			return nil, err
		}
	}
	if len(registries) > 0 {
		if err := json.Unmarshal(registries, &repo.Registries); err != nil {
			return nil, err
		}
	}
	return &repo, nil
}

// GetRepoByID fetches a repository by durable identifier.
func (r *Repository) GetRepoByID(ctx context.Context, id string) (*domain.Repository, error) {
	query := `SELECT ` + repoColumns + ` FROM repositories WHERE id = $1`
	return scanRepo(r.pool.QueryRow(ctx, query, id))
}

// GetRepoByProviderID fetches a repository by the provider's identifier.
func (r *Repository) GetRepoByProviderID(ctx context.Context, projectID, providerID string) (*domain.Repository, error) {
	query := `SELECT ` + repoColumns + ` FROM repositories WHERE project_id = $1 AND provider_id = $2`
	return scanRepo(r.pool.QueryRow(ctx, query, projectID, providerID))
}

// ListReposByProject returns the repositories tracked for a project.
func (r *Repository) ListReposByProject(ctx context.Context, projectID string) ([]domain.Repository, error) {
	query := `SELECT ` + repoColumns + ` FROM repositories WHERE project_id = $1 ORDER BY created_at ASC`
	return r.listRepos(ctx, query, projectID)
}

// ListRepos returns every tracked repository.
func (r *Repository) ListRepos(ctx context.Context) ([]domain.Repository, error) {
	query := `SELECT ` + repoColumns + ` FROM repositories ORDER BY created_at ASC`
	return r.listRepos(ctx, query)
}

func (r *Repository) listRepos(ctx context.Context, query string, args ...any) ([]domain.Repository, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	repos := make([]domain.Repository, 0)
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *repo)
	}
	return repos, rows.Err()
}

// DeleteRepo removes a repository row.
func (r *Repository) DeleteRepo(ctx context.Context, id string) error {
	const query = `DELETE FROM repositories WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteReposExcept bulk removes repositories of the project not listed in keep.
func (r *Repository) DeleteReposExcept(ctx context.Context, projectID string, keep []string) ([]string, error) {
	const query = `DELETE FROM repositories
		WHERE project_id = $1 AND provider_id <> ALL($2)
		RETURNING id`
	if keep == nil {
		keep = []string{}
	}
	rows, err := r.pool.Query(ctx, query, projectID, keep)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	removed := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		removed = append(removed, id)
	}
	return removed, rows.Err()
}

// SetUpdateLatestJob backfills one update entry's last-run fields inside the
// stored JSONB list.
func (r *Repository) SetUpdateLatestJob(ctx context.Context, repoID string, updateIndex int, jobID string, status domain.UpdateJobStatus, at time.Time) error {
	if updateIndex < 0 {
		return repository.ErrInvalidArgument
	}
	const query = `UPDATE repositories
		SET updates = jsonb_set(jsonb_set(jsonb_set(updates,
				ARRAY[$2, 'latest-update']::text[], to_jsonb($3::timestamptz)),
				ARRAY[$2, 'latest-job-id']::text[], to_jsonb($4::text)),
				ARRAY[$2, 'latest-job-status']::text[], to_jsonb($5::text)),
			updated_at = NOW()
		WHERE id = $1 AND jsonb_array_length(updates) > $6`
	cmdTag, err := r.pool.Exec(ctx, query,
		repoID,
		fmt.Sprint(updateIndex),
		at.UTC(),
		jobID,
		string(status),
		updateIndex,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateJob inserts an update job record.
func (r *Repository) CreateJob(ctx context.Context, job *domain.UpdateJob) error {
	const query = `INSERT INTO update_jobs (id, project_id, repository_id, repository_slug,
			update_index, package_ecosystem, directory, directories, trigger, status, platform,
			cpu, memory, auth_key, proxy_image, updater_image, logs_path, flame_graph_path, error,
			started_at, finished_at, duration_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`
	directories, jobError, err := marshalJobFields(job)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.ProjectID,
		job.RepositoryID,
		job.RepositorySlug,
		job.UpdateIndex,
		job.PackageEcosystem,
		job.Directory,
		directories,
		string(job.Trigger),
		string(job.Status),
		string(job.Platform),
		job.Resources.CPU,
		job.Resources.Memory,
		job.AuthKey,
		job.ProxyImage,
		job.UpdaterImage,
		job.LogsPath,
		job.FlameGraphPath,
		jobError,
		job.StartedAt,
		job.FinishedAt,
		durationToMillis(job.Duration),
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

// UpdateJob persists a job's mutable fields. Terminal records only change
// their log path after resolution.
func (r *Repository) UpdateJob(ctx context.Context, job *domain.UpdateJob) error {
	const query = `UPDATE update_jobs
		SET status = $2,
			logs_path = $3,
			flame_graph_path = $4,
			error = $5,
			started_at = $6,
			finished_at = $7,
			duration_ms = $8,
			updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`
	_, jobError, err := marshalJobFields(job)
	if err != nil {
		return err
	}
	var updatedAt time.Time
	if err := r.pool.QueryRow(ctx, query,
		job.ID,
		string(job.Status),
		job.LogsPath,
		job.FlameGraphPath,
		jobError,
		job.StartedAt,
		job.FinishedAt,
		durationToMillis(job.Duration),
	).Scan(&updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	job.UpdatedAt = updatedAt
	return nil
}

func marshalJobFields(job *domain.UpdateJob) ([]byte, any, error) {
	directories, err := json.Marshal(job.Directories)
	if err != nil {
		return nil, nil, err
	}
	var jobError any
	if job.Error != nil {
		raw, err := json.Marshal(job.Error)
		if err != nil {
			return nil, nil, err
		}
		jobError = raw
	}
	return directories, jobError, nil
}

func durationToMillis(d *time.Duration) any {
	if d == nil {
		return nil
	}
	return d.Milliseconds()
}

const jobColumns = `id, project_id, repository_id, repository_slug, update_index,
	package_ecosystem, directory, directories, trigger, status, platform, cpu, memory,
	auth_key, proxy_image, updater_image, logs_path, flame_graph_path, error, started_at,
	finished_at, duration_ms, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.UpdateJob, error) {
	var (
		j           domain.UpdateJob
		directories []byte
		jobError    []byte
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
		durationMS  sql.NullInt64
		trig        string
		status      string
		platform    string
	)
	if err := row.Scan(
		&j.ID, &j.ProjectID, &j.RepositoryID, &j.RepositorySlug, &j.UpdateIndex,
		&j.PackageEcosystem, &j.Directory, &directories, &trig, &status, &platform,
		&j.Resources.CPU, &j.Resources.Memory, &j.AuthKey, &j.ProxyImage, &j.UpdaterImage,
		&j.LogsPath, &j.FlameGraphPath, &jobError, &startedAt, &finishedAt, &durationMS,
		&j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	j.Trigger = domain.UpdateJobTrigger(trig)
	j.Status = domain.UpdateJobStatus(status)
	j.Platform = domain.UpdateJobPlatform(platform)
	if len(directories) > 0 {
		if err := json.Unmarshal(directories, &j.Directories); err != nil {
			return nil, err
		}
	}
	if len(jobError) > 0 && strings.TrimSpace(string(jobError)) != "null" {
		j.Error = &domain.UpdateJobError{}
		if err := json.Unmarshal(jobError, j.Error); err != nil {
			return nil, err
		}
	}
	if startedAt.Valid {
		value := startedAt.Time.UTC()
		j.StartedAt = &value
	}
	if finishedAt.Valid {
		value := finishedAt.Time.UTC()
		j.FinishedAt = &value
	}
	if durationMS.Valid {
		value := time.Duration(durationMS.Int64) * time.Millisecond
		j.Duration = &value
	}
	return &j, nil
}

// GetJobByID fetches an update job by identifier.
func (r *Repository) GetJobByID(ctx context.Context, id string) (*domain.UpdateJob, error) {
	query := `SELECT ` + jobColumns + ` FROM update_jobs WHERE id = $1`
	return scanJob(r.pool.QueryRow(ctx, query, id))
}

// ListJobsByRepo returns recent jobs for a repository.
func (r *Repository) ListJobsByRepo(ctx context.Context, repoID string, limit int) ([]domain.UpdateJob, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + jobColumns + ` FROM update_jobs WHERE repository_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.listJobs(ctx, query, repoID, limit)
}

// ListUnfinishedJobsOlderThan returns non terminal jobs created before the cutoff.
func (r *Repository) ListUnfinishedJobsOlderThan(ctx context.Context, cutoff time.Time) ([]domain.UpdateJob, error) {
	query := `SELECT ` + jobColumns + ` FROM update_jobs
		WHERE status IN ('scheduled', 'running') AND created_at < $1
		ORDER BY created_at ASC`
	return r.listJobs(ctx, query, cutoff)
}

func (r *Repository) listJobs(ctx context.Context, query string, args ...any) ([]domain.UpdateJob, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]domain.UpdateJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// DeleteJobsOlderThan removes at most limit jobs created before the cutoff.
func (r *Repository) DeleteJobsOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	const query = `DELETE FROM update_jobs
		WHERE id IN (
			SELECT id FROM update_jobs WHERE created_at < $1 ORDER BY created_at ASC LIMIT $2
		)`
	cmdTag, err := r.pool.Exec(ctx, query, cutoff, limit)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}
