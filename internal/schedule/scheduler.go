package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/splax/depwatch/internal/domain"
	"github.com/splax/depwatch/internal/trigger"
)

// Scheduler owns one recurring timer per (repository, update index) pair.
// Timer fires publish run triggers on the bus.
type Scheduler struct {
	cron *cron.Cron
	bus  trigger.Bus
	log  *slog.Logger

	mu      sync.Mutex
	entries map[string][]cron.EntryID
	// locks serializes replace operations per repository without a process
	// wide critical section.
	locks map[string]*sync.Mutex
}

// New constructs and starts a Scheduler.
func New(bus trigger.Bus, log *slog.Logger) *Scheduler {
	s := &Scheduler{
		cron:    cron.New(),
		bus:     bus,
		log:     log,
		entries: make(map[string][]cron.EntryID),
		locks:   make(map[string]*sync.Mutex),
	}
	s.cron.Start()
	return s
}

func (s *Scheduler) repoLock(repoID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[repoID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[repoID] = lock
	}
	return lock
}

// CreateOrUpdate replaces the repository's timers with one per update entry.
// Repositories without a valid config end up with no timers.
func (s *Scheduler) CreateOrUpdate(repo *domain.Repository) error {
	lock := s.repoLock(repo.ID)
	lock.Lock()
	defer lock.Unlock()

	var fresh []cron.EntryID
	if repo.HasValidConfig() {
		for i, update := range repo.Updates {
			expr, err := Expression(update.Schedule)
			if err != nil {
				s.removeEntries(fresh)
				return fmt.Errorf("update %d: %w", i, err)
			}
			parsed, err := cron.ParseStandard(expr)
			if err != nil {
				s.removeEntries(fresh)
				return fmt.Errorf("update %d: parse cron %q: %w", i, expr, err)
			}
			projectID, repoID, index := repo.ProjectID, repo.ID, i
			id := s.cron.Schedule(parsed, cron.FuncJob(func() {
				s.fire(projectID, repoID, index)
			}))
			fresh = append(fresh, id)
		}
	}

	s.mu.Lock()
	old := s.entries[repo.ID]
	if len(fresh) > 0 {
		s.entries[repo.ID] = fresh
	} else {
		delete(s.entries, repo.ID)
	}
	s.mu.Unlock()
	s.removeEntries(old)

	s.log.Debug("timers rebuilt", "repository", repo.ID, "count", len(fresh))
	return nil
}

// Remove stops and discards the repository's timers.
func (s *Scheduler) Remove(repoID string) {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	old := s.entries[repoID]
	delete(s.entries, repoID)
	delete(s.locks, repoID)
	s.mu.Unlock()
	s.removeEntries(old)
}

func (s *Scheduler) removeEntries(ids []cron.EntryID) {
	for _, id := range ids {
		s.cron.Remove(id)
	}
}

func (s *Scheduler) fire(projectID, repoID string, updateIndex int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := trigger.Message{
		Kind:         trigger.KindRunUpdate,
		ProjectID:    projectID,
		RepositoryID: repoID,
		UpdateIndex:  updateIndex,
		Reason:       domain.UpdateJobTriggerScheduled,
	}
	if err := s.bus.Publish(ctx, msg); err != nil {
		s.log.Error("publish scheduled trigger", "repository", repoID, "update", updateIndex, "error", err)
	}
}

// Count reports the number of registered timers for a repository.
func (s *Scheduler) Count(repoID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[repoID])
}

// Stop halts timer firing, waiting for in flight fires up to the deadline.
// Missed final ticks are acceptable, the reconciler's missed schedule check
// catches them.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop deadline exceeded")
	}
}
