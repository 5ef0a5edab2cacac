package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/splax/depwatch/internal/domain"
	"github.com/splax/depwatch/internal/repository"
	"github.com/splax/depwatch/internal/schedule"
	"github.com/splax/depwatch/internal/trigger"
	"github.com/splax/depwatch/pkg/config"
)

// retentionBatch caps how many stale job rows one sweep may delete.
const retentionBatch = 100

// Reconciler runs the periodic safety nets behind the scheduler: a full
// low-priority resync, missed-schedule detection, and job sweeps. Each loop
// is independent; the scheduler handles the common case and these catch what
// it cannot.
type Reconciler struct {
	projects repository.ProjectRepository
	repos    repository.RepoRepository
	jobs     repository.UpdateJobRepository
	bus      trigger.Bus
	log      *slog.Logger

	syncInterval time.Duration
	missedTick   time.Duration
	dailyGrace   time.Duration
	sweepTick    time.Duration
	startGrace   time.Duration
	retention    time.Duration

	now func() time.Time
}

// New builds a Reconciler from the orchestrator configuration.
func New(
	cfg config.OrchestratorConfig,
	projects repository.ProjectRepository,
	repos repository.RepoRepository,
	jobs repository.UpdateJobRepository,
	bus trigger.Bus,
	log *slog.Logger,
) *Reconciler {
	return &Reconciler{
		projects: projects,
		repos:    repos,
		jobs:     jobs,
		bus:      bus,
		log:      log,

		syncInterval: cfg.SyncInterval,
		missedTick:   cfg.MissedScheduleTick,
		dailyGrace:   cfg.DailyScheduleGrace,
		sweepTick:    cfg.JobSweepTick,
		startGrace:   cfg.JobStartGrace,
		retention:    cfg.JobRetention,

		now: time.Now,
	}
}

// Start launches the three loops. They stop when the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	go r.loop(ctx, r.syncInterval, "full_sync", r.SyncAllProjects)
	go r.loop(ctx, r.missedTick, "missed_schedules", r.CheckMissedSchedules)
	go r.loop(ctx, r.sweepTick, "job_sweep", r.SweepJobs)
}

func (r *Reconciler) loop(ctx context.Context, every time.Duration, name string, pass func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pass(ctx); err != nil {
				r.log.Error("reconcile pass failed", "pass", name, "error", err)
			}
		}
	}
}

// SyncAllProjects requests a non-triggering synchronization of every project,
// a safety net against missed webhooks.
func (r *Reconciler) SyncAllProjects(ctx context.Context) error {
	projects, err := r.projects.ListProjects(ctx)
	if err != nil {
		return err
	}
	for i := range projects {
		err := r.bus.Publish(ctx, trigger.Message{
			Kind:      trigger.KindSynchronizeProject,
			ProjectID: projects[i].ID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// CheckMissedSchedules fires one missed-schedule trigger for every update
// whose cron occurrence after its last run has already passed. Updates that
// never ran are always due. Daily schedules get a grace window before being
// flagged, so a run that happened off-schedule a few hours ago does not
// immediately re-fire at the next cron boundary.
func (r *Reconciler) CheckMissedSchedules(ctx context.Context) error {
	repos, err := r.repos.ListRepos(ctx)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	for i := range repos {
		repo := &repos[i]
		if !repo.HasValidConfig() {
			continue
		}
		for idx := range repo.Updates {
			update := &repo.Updates[idx]
			missed, err := r.missed(update, now)
			if err != nil {
				r.log.Warn("skip missed-schedule check",
					"repository", repo.Slug,
					"update_index", idx,
					"error", err)
				continue
			}
			if !missed {
				continue
			}
			err = r.bus.Publish(ctx, trigger.Message{
				Kind:         trigger.KindRunUpdate,
				ProjectID:    repo.ProjectID,
				RepositoryID: repo.ID,
				UpdateIndex:  idx,
				Reason:       domain.UpdateJobTriggerMissedSchedule,
			})
			if err != nil {
				return err
			}
			missedScheduleTriggersTotal.Inc()
		}
	}
	return nil
}

func (r *Reconciler) missed(update *domain.RepositoryUpdate, now time.Time) (bool, error) {
	if update.LatestUpdate == nil {
		return true, nil
	}
	next, err := schedule.Next(update.Schedule, *update.LatestUpdate)
	if err != nil {
		return false, err
	}
	if next.After(now) {
		return false, nil
	}
	if update.Schedule.Interval == "daily" && now.Sub(*update.LatestUpdate) < r.dailyGrace {
		return false, nil
	}
	return true, nil
}

// SweepJobs resolves jobs that neither reported nor were observed within the
// start grace period and deletes records past the retention window in capped
// batches.
func (r *Reconciler) SweepJobs(ctx context.Context) error {
	now := r.now().UTC()

	stale, err := r.jobs.ListUnfinishedJobsOlderThan(ctx, now.Add(-r.startGrace))
	if err != nil {
		return err
	}
	for i := range stale {
		err := r.bus.Publish(ctx, trigger.Message{
			Kind:  trigger.KindCheckJob,
			JobID: stale[i].ID,
		})
		if err != nil {
			return err
		}
	}

	removed, err := r.jobs.DeleteJobsOlderThan(ctx, now.Add(-r.retention), retentionBatch)
	if err != nil {
		return err
	}
	if removed > 0 {
		r.log.Info("deleted expired job records", "count", removed)
	}
	return nil
}
