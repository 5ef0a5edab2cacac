package config

import "time"

// OrchestratorConfig holds runtime configuration for the orchestrator service.
type OrchestratorConfig struct {
	Environment   string
	Addr          string
	PublicURL     string
	DatabaseURL   string
	MigrationsDir string

	EncryptionKey string
	WebhookSecret string
	APIToken      string

	TriggerRedisAddr string
	TriggerRedisPass string
	TriggerRedisDB   int

	Platform           string
	DockerHost         string
	KubeNamespace      string
	JobsDir            string
	ContainerJobsDir   string
	CertsDir           string
	ProxyImage         string
	UpdaterImageFormat string
	JobCPU             float64
	JobMemoryMB        float64

	DebugRepositories []string

	SyncDebounce       time.Duration
	SyncInterval       time.Duration
	MissedScheduleTick time.Duration
	DailyScheduleGrace time.Duration
	JobSweepTick       time.Duration
	JobStartGrace      time.Duration
	JobRetention       time.Duration

	LogBuffer int
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("ORCHESTRATOR_ADDR", ":4000"),
		PublicURL:     GetString("ORCHESTRATOR_PUBLIC_URL", "http://orchestrator:4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://depwatch:depwatch@db:5432/depwatch?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		EncryptionKey: GetString("SECRETS_ENCRYPTION_KEY", "supersecuresecret"),
		WebhookSecret: GetString("GIT_WEBHOOK_SECRET", ""),
		APIToken:      GetString("API_AUTH_TOKEN", ""),

		TriggerRedisAddr: GetString("TRIGGER_REDIS_ADDR", ""),
		TriggerRedisPass: GetString("TRIGGER_REDIS_PASSWORD", ""),
		TriggerRedisDB:   GetInt("TRIGGER_REDIS_DB", 0),

		Platform:           GetString("JOB_PLATFORM", "docker_compose"),
		DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		KubeNamespace:      GetString("KUBE_NAMESPACE", "depwatch-jobs"),
		JobsDir:            GetString("JOBS_DIR", "/var/depwatch/jobs"),
		ContainerJobsDir:   GetString("CONTAINER_JOBS_DIR", "/mnt/depwatch/jobs"),
		CertsDir:           GetString("CERTS_DIR", "/var/depwatch/certs"),
		ProxyImage:         GetString("PROXY_IMAGE", "ghcr.io/dependabot/dependabot-update-job-proxy/dependabot-update-job-proxy:latest"),
		UpdaterImageFormat: GetString("UPDATER_IMAGE_FORMAT", "ghcr.io/dependabot/dependabot-updater-%s:latest"),
		JobCPU:             float64(GetInt("JOB_CPU_MILLI", 250)) / 1000,
		JobMemoryMB:        float64(GetInt("JOB_MEMORY_MB", 512)),

		DebugRepositories: GetStrings("DEBUG_REPOSITORIES", nil),

		SyncDebounce:       time.Duration(GetInt("SYNC_DEBOUNCE_MINUTES", 60)) * time.Minute,
		SyncInterval:       time.Duration(GetInt("SYNC_INTERVAL_HOURS", 6)) * time.Hour,
		MissedScheduleTick: time.Duration(GetInt("MISSED_SCHEDULE_TICK_MINUTES", 60)) * time.Minute,
		DailyScheduleGrace: time.Duration(GetInt("DAILY_SCHEDULE_GRACE_HOURS", 12)) * time.Hour,
		JobSweepTick:       time.Duration(GetInt("JOB_SWEEP_TICK_MINUTES", 15)) * time.Minute,
		JobStartGrace:      time.Duration(GetInt("JOB_START_GRACE_MINUTES", 10)) * time.Minute,
		JobRetention:       time.Duration(GetInt("JOB_RETENTION_DAYS", 90)) * 24 * time.Hour,

		LogBuffer: GetInt("WS_LOG_BUFFER", 100),
	}
}
