package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/depwatch/internal/app/migrate"
	"github.com/splax/depwatch/internal/certs"
	"github.com/splax/depwatch/internal/domain"
	"github.com/splax/depwatch/internal/gitprovider"
	"github.com/splax/depwatch/internal/httpx"
	"github.com/splax/depwatch/internal/reconcile"
	"github.com/splax/depwatch/internal/repository/postgres"
	"github.com/splax/depwatch/internal/runner"
	"github.com/splax/depwatch/internal/runner/dockerhost"
	"github.com/splax/depwatch/internal/runner/kubernetes"
	"github.com/splax/depwatch/internal/schedule"
	"github.com/splax/depwatch/internal/syncer"
	"github.com/splax/depwatch/internal/trigger"
	"github.com/splax/depwatch/internal/ws"
	"github.com/splax/depwatch/pkg/config"
	"github.com/splax/depwatch/pkg/crypto"
	"github.com/splax/depwatch/pkg/logger"
)

func main() {
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("orchestrator", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	migrator, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer migrator.Close()
	if err := migrator.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := migrator.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	store := postgres.New(pool)

	ca := certs.NewAuthority(cfg.CertsDir)
	if err := ca.Initialize(); err != nil {
		log.Error("certificate authority initialization failed", "error", err)
		os.Exit(1)
	}

	backend, images, err := buildBackend(ctx, cfg)
	if err != nil {
		log.Error("container backend unavailable", "platform", cfg.Platform, "error", err)
		os.Exit(1)
	}
	log.Info("container backend ready", "platform", cfg.Platform)

	workspace, err := runner.NewWorkspace(cfg.JobsDir, cfg.ContainerJobsDir)
	if err != nil {
		log.Error("jobs workspace unavailable", "error", err)
		os.Exit(1)
	}
	jobRunner := runner.New(cfg, store, store, store, backend, images, workspace, ca, log)

	bus, err := buildBus(cfg, log)
	if err != nil {
		log.Error("trigger bus unavailable", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	scheduler := schedule.New(bus, log)
	defer scheduler.Stop(context.Background())

	providerFactory := func(project *domain.Project) (syncer.Provider, error) {
		token, err := crypto.DecryptToString(cfg.EncryptionKey, project.Token)
		if err != nil {
			return nil, err
		}
		return gitprovider.NewClient(project.URL, token), nil
	}
	sync := syncer.New(store, store, providerFactory, scheduler, bus, cfg.PublicURL, cfg.SyncDebounce, log)

	bus.Subscribe(func(ctx context.Context, msg trigger.Message) error {
		// A stuck provider or backend call must not wedge the dispatch loop.
		ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		switch msg.Kind {
		case trigger.KindSynchronizeProject:
			return sync.SyncProject(ctx, msg.ProjectID, msg.Trigger)
		case trigger.KindSynchronizeRepository:
			if msg.RepositoryID != "" {
				return sync.SyncRepositoryByID(ctx, msg.RepositoryID, msg.Trigger)
			}
			return sync.SyncRepositoryByProviderID(ctx, msg.ProjectID, msg.ProviderRepositoryID, msg.Trigger)
		case trigger.KindRunUpdate:
			_, err := jobRunner.RunUpdate(ctx, msg.ProjectID, msg.RepositoryID, msg.UpdateIndex, msg.Reason)
			return err
		case trigger.KindCheckJob:
			return jobRunner.CheckJob(ctx, msg.JobID)
		default:
			log.Warn("unknown trigger kind", "kind", msg.Kind)
			return nil
		}
	})

	if err := seedSchedules(ctx, store, scheduler, log); err != nil {
		log.Error("schedule seeding failed", "error", err)
		os.Exit(1)
	}

	reconciler := reconcile.New(cfg, store, store, store, bus, log)
	reconciler.Start(ctx)

	limiter := httpx.RateLimiter(nil)
	if addr := strings.TrimSpace(cfg.TriggerRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.TriggerRedisPass, cfg.TriggerRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	hub := ws.NewHub()
	router := httpx.NewRouter(cfg, log, store, store, store, bus, jobRunner, hub, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("orchestrator stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// buildBackend selects the container platform once at startup. The docker
// backend doubles as the image resolver because it pulls images onto the
// host; the kubernetes backend resolves digests directly against the
// registry since nodes pull for themselves.
func buildBackend(ctx context.Context, cfg config.OrchestratorConfig) (runner.Backend, runner.ImageResolver, error) {
	switch cfg.Platform {
	case string(domain.UpdateJobPlatformDockerCompose):
		backend, err := dockerhost.NewBackend(ctx, cfg.DockerHost)
		if err != nil {
			return nil, nil, err
		}
		return backend, runner.NewCachedResolver(backend), nil
	case string(domain.UpdateJobPlatformKubernetes):
		backend, err := kubernetes.NewBackend(cfg.KubeNamespace)
		if err != nil {
			return nil, nil, err
		}
		return backend, runner.NewCachedResolver(runner.RegistryResolver{}), nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", runner.ErrUnknownPlatform, cfg.Platform)
	}
}

func buildBus(cfg config.OrchestratorConfig, log *slog.Logger) (trigger.Bus, error) {
	if addr := strings.TrimSpace(cfg.TriggerRedisAddr); addr != "" {
		return trigger.NewRedisBus(addr, cfg.TriggerRedisPass, cfg.TriggerRedisDB, log)
	}
	return trigger.NewMemoryBus(log, cfg.LogBuffer), nil
}

// seedSchedules rebuilds cron timers for every stored repository so update
// schedules survive restarts.
func seedSchedules(ctx context.Context, store *postgres.Repository, scheduler *schedule.Scheduler, log *slog.Logger) error {
	repos, err := store.ListRepos(ctx)
	if err != nil {
		return err
	}
	seeded := 0
	for i := range repos {
		repo := &repos[i]
		if !repo.HasValidConfig() {
			continue
		}
		if err := scheduler.CreateOrUpdate(repo); err != nil {
			log.Warn("schedule rebuild failed", "repo_id", repo.ID, "error", err)
			continue
		}
		seeded++
	}
	log.Info("schedules seeded", "repositories", seeded)
	return nil
}
