package schedule

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/depwatch/internal/domain"
	"github.com/splax/depwatch/internal/trigger"
)

func TestExpression(t *testing.T) {
	tests := []struct {
		name     string
		schedule domain.UpdateSchedule
		want     string
	}{
		{
			name:     "daily with time and timezone",
			schedule: domain.UpdateSchedule{Interval: "daily", Time: "03:45", Timezone: "Etc/UTC"},
			want:     "CRON_TZ=Etc/UTC 45 3 * * *",
		},
		{
			name:     "daily defaults",
			schedule: domain.UpdateSchedule{Interval: "daily"},
			want:     "CRON_TZ=Etc/UTC 0 2 * * *",
		},
		{
			name:     "weekly with day",
			schedule: domain.UpdateSchedule{Interval: "weekly", Day: "friday", Time: "10:30"},
			want:     "CRON_TZ=Etc/UTC 30 10 * * 5",
		},
		{
			name:     "weekly defaults to monday",
			schedule: domain.UpdateSchedule{Interval: "weekly", Time: "10:30"},
			want:     "CRON_TZ=Etc/UTC 30 10 * * 1",
		},
		{
			name:     "monthly first of month",
			schedule: domain.UpdateSchedule{Interval: "monthly", Time: "08:00", Timezone: "Europe/Berlin"},
			want:     "CRON_TZ=Europe/Berlin 0 8 1 * *",
		},
		{
			name:     "explicit cronjob",
			schedule: domain.UpdateSchedule{Cronjob: "15 4 * * 2", Timezone: "Etc/UTC"},
			want:     "CRON_TZ=Etc/UTC 15 4 * * 2",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Expression(tc.schedule)
			if err != nil {
				t.Fatalf("Expression: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}

	if _, err := Expression(domain.UpdateSchedule{Interval: "hourly"}); err == nil {
		t.Fatal("invalid interval accepted")
	}
}

func TestNext(t *testing.T) {
	sched := domain.UpdateSchedule{Interval: "daily", Time: "03:45", Timezone: "Etc/UTC"}
	after := time.Date(2026, 3, 1, 3, 45, 0, 0, time.UTC)
	next, err := Next(sched, after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 3, 2, 3, 45, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

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

func testRepo(id string, updateCount int) *domain.Repository {
	repo := &domain.Repository{ID: id}
	for i := 0; i < updateCount; i++ {
		repo.Updates = append(repo.Updates, domain.RepositoryUpdate{
			PackageEcosystem: "npm",
			Directory:        "/",
			Schedule:         domain.UpdateSchedule{Interval: "daily", Time: "03:45"},
		})
	}
	return repo
}

func TestCreateOrUpdateReplacesTimers(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(&recordingBus{}, log)
	defer s.Stop(context.Background())

	repo := testRepo("r1", 2)
	if err := s.CreateOrUpdate(repo); err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}
	if got := s.Count("r1"); got != 2 {
		t.Fatalf("timer count = %d, want 2", got)
	}

	repo = testRepo("r1", 3)
	if err := s.CreateOrUpdate(repo); err != nil {
		t.Fatalf("second CreateOrUpdate: %v", err)
	}
	if got := s.Count("r1"); got != 3 {
		t.Fatalf("timer count after replace = %d, want 3", got)
	}
}

func TestCreateOrUpdateInvalidConfigClearsTimers(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(&recordingBus{}, log)
	defer s.Stop(context.Background())

	if err := s.CreateOrUpdate(testRepo("r1", 1)); err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}
	broken := testRepo("r1", 1)
	broken.SyncException = "could not parse"
	if err := s.CreateOrUpdate(broken); err != nil {
		t.Fatalf("CreateOrUpdate with exception: %v", err)
	}
	if got := s.Count("r1"); got != 0 {
		t.Fatalf("timer count = %d, want 0", got)
	}
}

func TestRemoveDropsTimers(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(&recordingBus{}, log)
	defer s.Stop(context.Background())

	if err := s.CreateOrUpdate(testRepo("r1", 2)); err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}
	s.Remove("r1")
	if got := s.Count("r1"); got != 0 {
		t.Fatalf("timer count after remove = %d, want 0", got)
	}
	// removing again is harmless
	s.Remove("r1")
}

func TestFireCarriesProjectContext(t *testing.T) {
	bus := &recordingBus{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(bus, log)
	defer s.Stop(context.Background())

	s.fire("p1", "r1", 2)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(bus.messages))
	}
	msg := bus.messages[0]
	if msg.Kind != trigger.KindRunUpdate {
		t.Fatalf("kind = %q, want %q", msg.Kind, trigger.KindRunUpdate)
	}
	if msg.ProjectID != "p1" || msg.RepositoryID != "r1" || msg.UpdateIndex != 2 {
		t.Fatalf("message = %+v, want project p1 repository r1 update 2", msg)
	}
	if msg.Reason != domain.UpdateJobTriggerScheduled {
		t.Fatalf("reason = %q, want %q", msg.Reason, domain.UpdateJobTriggerScheduled)
	}
}

func TestStopIsBounded(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(&recordingBus{}, log)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within its deadline")
	}
}
