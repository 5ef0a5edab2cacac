package reconcile

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/depwatch/internal/domain"
	"github.com/splax/depwatch/internal/trigger"
	"github.com/splax/depwatch/pkg/config"
)

type recordingBus struct {
	mu       sync.Mutex
	messages []trigger.Message
}

func (b *recordingBus) Publish(ctx context.Context, msg trigger.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	return nil
}

func (b *recordingBus) Subscribe(handler trigger.Handler) {}
func (b *recordingBus) Close() error                      { return nil }

func (b *recordingBus) byKind(kind trigger.Kind) []trigger.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]trigger.Message, 0)
	for _, m := range b.messages {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type fakeStore struct {
	mu         sync.Mutex
	projects   []domain.Project
	repos      []domain.Repository
	unfinished []domain.UpdateJob

	deleteCutoff time.Time
	deleteLimit  int
	deleted      int
}

func (f *fakeStore) CreateProject(ctx context.Context, p *domain.Project) error { return nil }
func (f *fakeStore) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	return nil, nil
}
func (f *fakeStore) UpdateProject(ctx context.Context, p *domain.Project) error { return nil }

func (f *fakeStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Project(nil), f.projects...), nil
}

func (f *fakeStore) CreateRepo(ctx context.Context, r *domain.Repository) error { return nil }
func (f *fakeStore) UpdateRepo(ctx context.Context, r *domain.Repository) error { return nil }
func (f *fakeStore) GetRepoByID(ctx context.Context, id string) (*domain.Repository, error) {
	return nil, nil
}
func (f *fakeStore) GetRepoByProviderID(ctx context.Context, projectID, providerID string) (*domain.Repository, error) {
	return nil, nil
}
func (f *fakeStore) ListReposByProject(ctx context.Context, projectID string) ([]domain.Repository, error) {
	return nil, nil
}
func (f *fakeStore) DeleteRepo(ctx context.Context, id string) error { return nil }
func (f *fakeStore) DeleteReposExcept(ctx context.Context, projectID string, keep []string) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) SetUpdateLatestJob(ctx context.Context, repoID string, updateIndex int, jobID string, status domain.UpdateJobStatus, at time.Time) error {
	return nil
}

func (f *fakeStore) ListRepos(ctx context.Context) ([]domain.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Repository(nil), f.repos...), nil
}

func (f *fakeStore) CreateJob(ctx context.Context, job *domain.UpdateJob) error { return nil }
func (f *fakeStore) GetJobByID(ctx context.Context, id string) (*domain.UpdateJob, error) {
	return nil, nil
}
func (f *fakeStore) UpdateJob(ctx context.Context, job *domain.UpdateJob) error { return nil }
func (f *fakeStore) ListJobsByRepo(ctx context.Context, repoID string, limit int) ([]domain.UpdateJob, error) {
	return nil, nil
}

func (f *fakeStore) ListUnfinishedJobsOlderThan(ctx context.Context, cutoff time.Time) ([]domain.UpdateJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.UpdateJob, 0)
	for _, j := range f.unfinished {
		if j.CreatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteJobsOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCutoff = cutoff
	f.deleteLimit = limit
	return f.deleted, nil
}

func newReconciler(store *fakeStore, bus *recordingBus, now time.Time) *Reconciler {
	cfg := config.OrchestratorConfig{
		SyncInterval:       6 * time.Hour,
		MissedScheduleTick: time.Hour,
		DailyScheduleGrace: 12 * time.Hour,
		JobSweepTick:       15 * time.Minute,
		JobStartGrace:      10 * time.Minute,
		JobRetention:       90 * 24 * time.Hour,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(cfg, store, store, store, bus, log)
	r.now = func() time.Time { return now }
	return r
}

func dailyRepo(lastRun *time.Time) domain.Repository {
	return domain.Repository{
		ID:        "repo-1",
		ProjectID: "proj-1",
		Slug:      "contoso/app",
		Updates: []domain.RepositoryUpdate{
			{
				PackageEcosystem: "npm",
				Directory:        "/",
				Schedule:         domain.UpdateSchedule{Interval: "daily", Time: "03:45", Timezone: "Etc/UTC"},
				LatestUpdate:     lastRun,
			},
		},
	}
}

func TestSyncAllProjectsPublishesPerProject(t *testing.T) {
	store := &fakeStore{projects: []domain.Project{{ID: "a"}, {ID: "b"}}}
	bus := &recordingBus{}
	r := newReconciler(store, bus, time.Now().UTC())

	if err := r.SyncAllProjects(context.Background()); err != nil {
		t.Fatalf("SyncAllProjects: %v", err)
	}
	msgs := bus.byKind(trigger.KindSynchronizeProject)
	if len(msgs) != 2 {
		t.Fatalf("published %d sync triggers, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Trigger {
			t.Error("full resync must not trigger update runs")
		}
	}
}

func TestMissedScheduleFiresAfterSkippedOccurrence(t *testing.T) {
	// The update last ran at 03:45 the previous day; the daily 03:45
	// occurrence has passed and the grace window is long exhausted.
	now := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	lastRun := now.Add(-25*time.Hour - 15*time.Minute)

	store := &fakeStore{repos: []domain.Repository{dailyRepo(&lastRun)}}
	bus := &recordingBus{}
	r := newReconciler(store, bus, now)

	if err := r.CheckMissedSchedules(context.Background()); err != nil {
		t.Fatalf("CheckMissedSchedules: %v", err)
	}
	msgs := bus.byKind(trigger.KindRunUpdate)
	if len(msgs) != 1 {
		t.Fatalf("published %d run triggers, want 1", len(msgs))
	}
	if msgs[0].Reason != domain.UpdateJobTriggerMissedSchedule {
		t.Errorf("trigger reason = %q, want missed_schedule", msgs[0].Reason)
	}
}

func TestMissedScheduleQuietAfterRecentRun(t *testing.T) {
	// A run fifteen minutes ago means the next occurrence is tomorrow.
	now := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	lastRun := now.Add(-15 * time.Minute)

	store := &fakeStore{repos: []domain.Repository{dailyRepo(&lastRun)}}
	bus := &recordingBus{}
	r := newReconciler(store, bus, now)

	if err := r.CheckMissedSchedules(context.Background()); err != nil {
		t.Fatalf("CheckMissedSchedules: %v", err)
	}
	if msgs := bus.byKind(trigger.KindRunUpdate); len(msgs) != 0 {
		t.Fatalf("published %d run triggers, want 0", len(msgs))
	}
}

func TestMissedScheduleDailyGraceSuppressesBoundary(t *testing.T) {
	// The occurrence boundary passed but the update ran within the grace
	// window, so a daily schedule is not flagged yet.
	now := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	lastRun := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)

	store := &fakeStore{repos: []domain.Repository{dailyRepo(&lastRun)}}
	bus := &recordingBus{}
	r := newReconciler(store, bus, now)

	if err := r.CheckMissedSchedules(context.Background()); err != nil {
		t.Fatalf("CheckMissedSchedules: %v", err)
	}
	if msgs := bus.byKind(trigger.KindRunUpdate); len(msgs) != 0 {
		t.Fatalf("published %d run triggers, want 0", len(msgs))
	}
}

func TestMissedScheduleFiresWhenNeverRun(t *testing.T) {
	store := &fakeStore{repos: []domain.Repository{dailyRepo(nil)}}
	bus := &recordingBus{}
	r := newReconciler(store, bus, time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC))

	if err := r.CheckMissedSchedules(context.Background()); err != nil {
		t.Fatalf("CheckMissedSchedules: %v", err)
	}
	if msgs := bus.byKind(trigger.KindRunUpdate); len(msgs) != 1 {
		t.Fatalf("published %d run triggers, want 1", len(msgs))
	}
}

func TestMissedScheduleSkipsInvalidConfig(t *testing.T) {
	repo := dailyRepo(nil)
	repo.SyncException = "mapping values are not allowed in this context"
	store := &fakeStore{repos: []domain.Repository{repo}}
	bus := &recordingBus{}
	r := newReconciler(store, bus, time.Now().UTC())

	if err := r.CheckMissedSchedules(context.Background()); err != nil {
		t.Fatalf("CheckMissedSchedules: %v", err)
	}
	if msgs := bus.byKind(trigger.KindRunUpdate); len(msgs) != 0 {
		t.Fatalf("published %d run triggers, want 0", len(msgs))
	}
}

func TestSweepChecksOnlyJobsPastGrace(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{
		unfinished: []domain.UpdateJob{
			{ID: "old", Status: domain.UpdateJobStatusRunning, CreatedAt: now.Add(-20 * time.Minute)},
		},
	}
	bus := &recordingBus{}
	r := newReconciler(store, bus, now)

	if err := r.SweepJobs(context.Background()); err != nil {
		t.Fatalf("SweepJobs: %v", err)
	}
	msgs := bus.byKind(trigger.KindCheckJob)
	if len(msgs) != 1 || msgs[0].JobID != "old" {
		t.Fatalf("check triggers = %+v, want one for job old", msgs)
	}

	// A job created five minutes ago is inside the grace period and the
	// store must not even be asked about it.
	wantCutoff := now.Add(-10 * time.Minute)
	jobs, _ := store.ListUnfinishedJobsOlderThan(context.Background(), wantCutoff)
	for _, j := range jobs {
		if now.Sub(j.CreatedAt) < 10*time.Minute {
			t.Errorf("job %s inside grace period was swept", j.ID)
		}
	}
}

func TestSweepDeletesPastRetentionInCappedBatches(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{deleted: 3}
	bus := &recordingBus{}
	r := newReconciler(store, bus, now)

	if err := r.SweepJobs(context.Background()); err != nil {
		t.Fatalf("SweepJobs: %v", err)
	}
	if got, want := store.deleteCutoff, now.Add(-90*24*time.Hour); !got.Equal(want) {
		t.Errorf("delete cutoff = %v, want %v", got, want)
	}
	if store.deleteLimit != retentionBatch {
		t.Errorf("delete limit = %d, want %d", store.deleteLimit, retentionBatch)
	}
}
