package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/depwatch/internal/domain"
	"github.com/splax/depwatch/internal/gitprovider"
	"github.com/splax/depwatch/internal/repository"
	"github.com/splax/depwatch/internal/trigger"
	"github.com/splax/depwatch/internal/updates"
)

// Provider is the subset of the provider client the synchronizer needs.
type Provider interface {
	GetProject(ctx context.Context) (*gitprovider.ProjectInfo, error)
	ListRepositories(ctx context.Context) ([]gitprovider.Repository, error)
	GetFile(ctx context.Context, repositoryID, path, branch string) (*gitprovider.FileItem, error)
	EnsureSubscription(ctx context.Context, callbackURL string) (*gitprovider.Subscription, error)
}

// ProviderFactory builds a provider client for one project.
type ProviderFactory func(project *domain.Project) (Provider, error)

// ScheduleRegistry receives timer rebuild requests as repositories change.
type ScheduleRegistry interface {
	CreateOrUpdate(repo *domain.Repository) error
	Remove(repoID string)
}

// Synchronizer reconciles a project's repository set and config files
// against durable storage.
type Synchronizer struct {
	projects repository.ProjectRepository
	repos    repository.RepoRepository
	provider ProviderFactory
	schedule ScheduleRegistry
	bus      trigger.Bus
	log      *slog.Logger

	// callbackBase is the public orchestrator URL push webhooks point at.
	// Empty disables subscription bootstrap.
	callbackBase string

	// debounce is the minimum gap between two whole project syncs.
	debounce time.Duration
	now      func() time.Time
}

// New constructs a Synchronizer.
func New(
	projects repository.ProjectRepository,
	repos repository.RepoRepository,
	provider ProviderFactory,
	schedule ScheduleRegistry,
	bus trigger.Bus,
	callbackBase string,
	debounce time.Duration,
	log *slog.Logger,
) *Synchronizer {
	return &Synchronizer{
		projects:     projects,
		repos:        repos,
		provider:     provider,
		schedule:     schedule,
		bus:          bus,
		log:          log,
		callbackBase: strings.TrimSuffix(callbackBase, "/"),
		debounce:     debounce,
		now:          time.Now,
	}
}

// SyncProject reconciles every repository of the project. When doTrigger is
// set, each reconciled repository's updates are also fired. Projects synced
// within the debounce window are skipped.
func (s *Synchronizer) SyncProject(ctx context.Context, projectID string, doTrigger bool) error {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	now := s.now().UTC()
	if project.SynchronizedAt != nil && now.Sub(*project.SynchronizedAt) < s.debounce {
		s.log.Debug("project synced recently, skipping", "project", projectID)
		return nil
	}

	provider, err := s.provider(project)
	if err != nil {
		return fmt.Errorf("build provider client: %w", err)
	}
	if err := s.refreshProjectInfo(ctx, project, provider); err != nil {
		return err
	}
	s.ensureWebhook(ctx, project, provider)

	liveRepos, err := provider.ListRepositories(ctx)
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}

	type candidate struct {
		live gitprovider.Repository
		file *gitprovider.FileItem
		path string
	}
	candidates := make([]candidate, 0, len(liveRepos))
	keep := make([]string, 0, len(liveRepos))
	for _, live := range liveRepos {
		if live.IsDisabled || live.IsFork {
			continue
		}
		file, path, err := s.fetchConfigFile(ctx, provider, live)
		if err != nil {
			return err
		}
		if file == nil {
			continue
		}
		candidates = append(candidates, candidate{live: live, file: file, path: path})
		keep = append(keep, live.ID)
	}

	// Removals are applied before per repository reconciliation so a
	// repository deleted and re added in one window is handled as new.
	removed, err := s.repos.DeleteReposExcept(ctx, project.ID, keep)
	if err != nil {
		return fmt.Errorf("delete stale repositories: %w", err)
	}
	for _, id := range removed {
		s.schedule.Remove(id)
		s.log.Info("repository removed", "project", project.ID, "repository", id)
	}

	for _, c := range candidates {
		if err := s.reconcileRepository(ctx, project, c.live, c.file, c.path, doTrigger); err != nil {
			return err
		}
	}

	project.SynchronizedAt = &now
	if err := s.projects.UpdateProject(ctx, project); err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	projectSyncsTotal.Inc()
	return nil
}

// SyncRepositoryByID reconciles one repository addressed by durable id.
func (s *Synchronizer) SyncRepositoryByID(ctx context.Context, repoID string, doTrigger bool) error {
	repo, err := s.repos.GetRepoByID(ctx, repoID)
	if err != nil {
		return fmt.Errorf("load repository: %w", err)
	}
	return s.syncOneRepository(ctx, repo.ProjectID, repo.ProviderID, doTrigger)
}

// SyncRepositoryByProviderID reconciles one repository addressed by the
// provider's repository id, as push webhooks do.
func (s *Synchronizer) SyncRepositoryByProviderID(ctx context.Context, projectID, providerID string, doTrigger bool) error {
	return s.syncOneRepository(ctx, projectID, providerID, doTrigger)
}

func (s *Synchronizer) syncOneRepository(ctx context.Context, projectID, providerID string, doTrigger bool) error {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	provider, err := s.provider(project)
	if err != nil {
		return fmt.Errorf("build provider client: %w", err)
	}
	liveRepos, err := provider.ListRepositories(ctx)
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}
	for _, live := range liveRepos {
		if live.ID != providerID {
			continue
		}
		if live.IsDisabled || live.IsFork {
			return s.deleteIfStored(ctx, projectID, providerID)
		}
		file, path, err := s.fetchConfigFile(ctx, provider, live)
		if err != nil {
			return err
		}
		if file == nil {
			return s.deleteIfStored(ctx, projectID, providerID)
		}
		return s.reconcileRepository(ctx, project, live, file, path, doTrigger)
	}
	return s.deleteIfStored(ctx, projectID, providerID)
}

func (s *Synchronizer) deleteIfStored(ctx context.Context, projectID, providerID string) error {
	stored, err := s.repos.GetRepoByProviderID(ctx, projectID, providerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.repos.DeleteRepo(ctx, stored.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	s.schedule.Remove(stored.ID)
	s.log.Info("repository removed", "project", projectID, "repository", stored.ID)
	return nil
}

func (s *Synchronizer) refreshProjectInfo(ctx context.Context, project *domain.Project, provider Provider) error {
	info, err := provider.GetProject(ctx)
	if err != nil {
		return fmt.Errorf("get project info: %w", err)
	}
	private := info.Visibility != "public"
	if info.Name == project.Name && info.Description == project.Description && private == project.Private {
		return nil
	}
	project.Name = info.Name
	project.Description = info.Description
	project.Private = private
	return nil
}

// ensureWebhook registers a push-event subscription pointing back at this
// orchestrator. Failures are logged, not fatal: sync still works through
// timers without webhooks.
func (s *Synchronizer) ensureWebhook(ctx context.Context, project *domain.Project, provider Provider) {
	if s.callbackBase == "" {
		return
	}
	callback := s.callbackBase + "/webhook/" + project.ID
	if _, err := provider.EnsureSubscription(ctx, callback); err != nil {
		s.log.Warn("webhook subscription failed", "project", project.ID, "error", err)
	}
}

func (s *Synchronizer) fetchConfigFile(ctx context.Context, provider Provider, live gitprovider.Repository) (*gitprovider.FileItem, string, error) {
	branch := strings.TrimPrefix(live.DefaultBranch, "refs/heads/")
	for _, path := range updates.CandidatePaths {
		file, err := provider.GetFile(ctx, live.ID, path, branch)
		if errors.Is(err, gitprovider.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("fetch config for %s: %w", live.Name, err)
		}
		return file, path, nil
	}
	return nil, "", nil
}

func (s *Synchronizer) reconcileRepository(ctx context.Context, project *domain.Project, live gitprovider.Repository, file *gitprovider.FileItem, path string, doTrigger bool) error {
	stored, err := s.repos.GetRepoByProviderID(ctx, project.ID, live.ID)
	created := false
	if errors.Is(err, repository.ErrNotFound) {
		stored = &domain.Repository{
			ID:         uuid.NewString(),
			ProjectID:  project.ID,
			ProviderID: live.ID,
			CreatedAt:  s.now().UTC(),
			UpdatedAt:  s.now().UTC(),
		}
		created = true
	} else if err != nil {
		return fmt.Errorf("load stored repository: %w", err)
	}

	changed := created || stored.LatestCommit != file.CommitID || stored.Name != live.Name
	if changed {
		stored.Name = live.Name
		stored.Slug = project.Slug + "/" + live.Name
		stored.ConfigPath = path
		stored.ConfigContents = file.Content
		stored.LatestCommit = file.CommitID

		// The whole updates list is replaced, never merged. A parse failure
		// is recorded on the row so the rest of the project still syncs.
		parsed, registries, parseErr := updates.Parse([]byte(file.Content))
		if parseErr != nil {
			stored.SyncException = parseErr.Error()
			stored.Updates = nil
			stored.Registries = nil
		} else {
			stored.SyncException = ""
			stored.Updates = parsed
			stored.Registries = registries
		}

		if created {
			if err := s.repos.CreateRepo(ctx, stored); err != nil {
				return fmt.Errorf("create repository: %w", err)
			}
		} else {
			if err := s.repos.UpdateRepo(ctx, stored); err != nil {
				return fmt.Errorf("update repository: %w", err)
			}
		}
		if err := s.schedule.CreateOrUpdate(stored); err != nil {
			return fmt.Errorf("rebuild timers: %w", err)
		}
		s.log.Info("repository synchronized",
			"project", project.ID, "repository", stored.ID, "name", stored.Name,
			"updates", len(stored.Updates), "valid", stored.SyncException == "")
	}

	if doTrigger && stored.HasValidConfig() {
		for i := range stored.Updates {
			msg := trigger.Message{
				Kind:         trigger.KindRunUpdate,
				ProjectID:    stored.ProjectID,
				RepositoryID: stored.ID,
				UpdateIndex:  i,
				Reason:       domain.UpdateJobTriggerSynchronization,
			}
			if err := s.bus.Publish(ctx, msg); err != nil {
				return fmt.Errorf("publish run trigger: %w", err)
			}
		}
	}
	return nil
}
