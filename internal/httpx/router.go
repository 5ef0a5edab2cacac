package httpx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/depwatch/internal/domain"
	"github.com/splax/depwatch/internal/repository"
	"github.com/splax/depwatch/internal/runner"
	"github.com/splax/depwatch/internal/trigger"
	"github.com/splax/depwatch/internal/ws"
	"github.com/splax/depwatch/pkg/config"
	"github.com/splax/depwatch/pkg/crypto"
)

// JobRunner is the slice of the runner the HTTP layer needs: callback
// handling and log retrieval.
type JobRunner interface {
	RecordError(ctx context.Context, jobID string, jobErr *domain.UpdateJobError) error
	Logs(ctx context.Context, job *domain.UpdateJob) (string, error)
	Outputs() *runner.OutputCollector
}

// Router wires the orchestrator's HTTP surface: health, metrics, the
// provider webhook, management endpoints, and the updater callback API.
type Router struct {
	mux    *http.ServeMux
	logger *slog.Logger

	projects repository.ProjectRepository
	repos    repository.RepoRepository
	jobs     repository.UpdateJobRepository

	bus    trigger.Bus
	runner JobRunner
	hub    *ws.Hub

	upgrader websocket.Upgrader
	limiter  RateLimiter

	webhookSecret string
	apiToken      string
	encryptionKey string

	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault    = time.Minute
	rateLimitWebhook     = 120
	rateLimitManagement  = 60
	rateLimitJobCallback = 600
	healthCheckTimeout   = 2 * time.Second
	sseHeartbeat         = 30 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(
	cfg config.OrchestratorConfig,
	logger *slog.Logger,
	projects repository.ProjectRepository,
	repos repository.RepoRepository,
	jobs repository.UpdateJobRepository,
	bus trigger.Bus,
	jobRunner JobRunner,
	hub *ws.Hub,
	limiter RateLimiter,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		projects: projects,
		repos:    repos,
		jobs:     jobs,
		bus:      bus,
		runner:   jobRunner,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		apiToken:      strings.TrimSpace(cfg.APIToken),
		encryptionKey: cfg.EncryptionKey,
		dbHealth:      dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/webhook/", r.audit("webhook", r.withRateLimit("webhook", rateLimitWebhook, rateWindowDefault, r.handleWebhook)))
	r.mux.HandleFunc("/api/projects", r.audit("projects", r.requireAuth(r.withRateLimit("projects", rateLimitManagement, rateWindowDefault, r.handleProjects))))
	r.mux.HandleFunc("/api/projects/", r.audit("projects", r.requireAuth(r.withRateLimit("projects", rateLimitManagement, rateWindowDefault, r.handleProjectSubroutes))))
	r.mux.HandleFunc("/api/repositories/", r.audit("repositories", r.requireAuth(r.withRateLimit("repositories", rateLimitManagement, rateWindowDefault, r.handleRepositorySubroutes))))
	r.mux.HandleFunc("/api/jobs/", r.audit("jobs", r.withRateLimit("jobs", rateLimitJobCallback, rateWindowDefault, r.handleJobSubroutes)))
	r.mux.HandleFunc("/ws/jobs/", r.audit("ws_jobs", r.requireAuth(r.handleJobSocket)))
	r.mux.HandleFunc("/sse/jobs/", r.audit("sse_jobs", r.requireAuth(r.handleJobEvents)))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, req)
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, rec.status, duration)
		r.logger.Debug("http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", duration.Milliseconds())
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook accepts provider push events. The body is authenticated with
// an HMAC-SHA256 signature; a push for a known project schedules a targeted
// repository synchronization that also fires the repository's updates.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/webhook/"), "/")
	if projectID == "" {
		writeError(w, http.StatusNotFound, "project id required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if r.webhookSecret != "" && !r.validSignature(req.Header.Get("X-Hub-Signature-256"), body) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload struct {
		EventType string `json:"eventType"`
		Resource  struct {
			Repository struct {
				ID string `json:"id"`
			} `json:"repository"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.EventType != "git.push" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if payload.Resource.Repository.ID == "" {
		writeError(w, http.StatusBadRequest, "repository id missing")
		return
	}

	err = r.bus.Publish(req.Context(), trigger.Message{
		Kind:                 trigger.KindSynchronizeRepository,
		ProjectID:            projectID,
		ProviderRepositoryID: payload.Resource.Repository.ID,
		Trigger:              true,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "trigger delivery failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (r *Router) validSignature(header string, body []byte) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(r.webhookSecret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		projects, err := r.projects.ListProjects(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list projects failed")
			return
		}
		out := make([]map[string]any, 0, len(projects))
		for i := range projects {
			out = append(out, projectJSON(&projects[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": out})
	case http.MethodPost:
		r.handleCreateProject(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCreateProject(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Provider     string            `json:"provider"`
		URL          string            `json:"url"`
		Name         string            `json:"name"`
		Slug         string            `json:"slug"`
		Description  string            `json:"description"`
		Token        string            `json:"token"`
		AutoComplete bool              `json:"auto_complete"`
		AutoApprove  bool              `json:"auto_approve"`
		Experiments  map[string]string `json:"experiments"`
		Secrets      map[string]string `json:"secrets"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.URL == "" || payload.Token == "" || payload.Slug == "" {
		writeError(w, http.StatusBadRequest, "url, slug and token are required")
		return
	}
	if payload.Provider == "" {
		payload.Provider = "azure"
	}

	token, err := crypto.EncryptString(r.encryptionKey, payload.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token encryption failed")
		return
	}
	secrets, err := crypto.EncryptMap(r.encryptionKey, payload.Secrets)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "secret encryption failed")
		return
	}

	now := time.Now().UTC()
	project := &domain.Project{
		ID:           uuid.NewString(),
		Provider:     payload.Provider,
		URL:          strings.TrimSuffix(payload.URL, "/"),
		Name:         payload.Name,
		Slug:         payload.Slug,
		Description:  payload.Description,
		Token:        token,
		AutoComplete: payload.AutoComplete,
		AutoApprove:  payload.AutoApprove,
		Experiments:  payload.Experiments,
		Secrets:      secrets,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.projects.CreateProject(req.Context(), project); err != nil {
		writeError(w, http.StatusInternalServerError, "create project failed")
		return
	}

	// First synchronization runs in the background.
	if err := r.bus.Publish(req.Context(), trigger.Message{Kind: trigger.KindSynchronizeProject, ProjectID: project.ID}); err != nil {
		r.logger.Error("publish initial sync", "project_id", project.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, projectJSON(project))
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/projects/"), "/")
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		project, err := r.projects.GetProjectByID(req.Context(), parts[0])
		if err != nil {
			r.writeRepositoryError(w, err, "project")
			return
		}
		writeJSON(w, http.StatusOK, projectJSON(project))
	case len(parts) == 2 && parts[1] == "sync":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		msg := trigger.Message{
			Kind:      trigger.KindSynchronizeProject,
			ProjectID: parts[0],
			Trigger:   req.URL.Query().Get("trigger") == "true",
		}
		if err := r.bus.Publish(req.Context(), msg); err != nil {
			writeError(w, http.StatusInternalServerError, "trigger delivery failed")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (r *Router) handleRepositorySubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/repositories/"), "/")
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		repo, err := r.repos.GetRepoByID(req.Context(), parts[0])
		if err != nil {
			r.writeRepositoryError(w, err, "repository")
			return
		}
		writeJSON(w, http.StatusOK, repositoryJSON(repo))
	case len(parts) == 2 && parts[1] == "sync":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		msg := trigger.Message{
			Kind:         trigger.KindSynchronizeRepository,
			RepositoryID: parts[0],
			Trigger:      req.URL.Query().Get("trigger") == "true",
		}
		if err := r.bus.Publish(req.Context(), msg); err != nil {
			writeError(w, http.StatusInternalServerError, "trigger delivery failed")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case len(parts) == 4 && parts[1] == "updates" && parts[3] == "run":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		index, err := strconv.Atoi(parts[2])
		if err != nil || index < 0 {
			writeError(w, http.StatusBadRequest, "invalid update index")
			return
		}
		repo, err := r.repos.GetRepoByID(req.Context(), parts[0])
		if err != nil {
			r.writeRepositoryError(w, err, "repository")
			return
		}
		msg := trigger.Message{
			Kind:         trigger.KindRunUpdate,
			ProjectID:    repo.ProjectID,
			RepositoryID: repo.ID,
			UpdateIndex:  index,
			Reason:       domain.UpdateJobTriggerManual,
		}
		if err := r.bus.Publish(req.Context(), msg); err != nil {
			writeError(w, http.StatusInternalServerError, "trigger delivery failed")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (r *Router) handleJobSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/jobs/"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "job id required")
		return
	}
	jobID := parts[0]

	switch {
	case len(parts) == 1:
		r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
			r.handleGetJob(w, req, jobID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "logs":
		r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
			r.handleJobLogs(w, req, jobID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "outputs":
		r.handleJobOutputs(w, req, jobID)
	case len(parts) == 2 && parts[1] == "error":
		r.handleJobError(w, req, jobID)
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (r *Router) handleGetJob(w http.ResponseWriter, req *http.Request, jobID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	job, err := r.jobs.GetJobByID(req.Context(), jobID)
	if err != nil {
		r.writeRepositoryError(w, err, "job")
		return
	}
	writeJSON(w, http.StatusOK, jobJSON(job))
}

func (r *Router) handleJobLogs(w http.ResponseWriter, req *http.Request, jobID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	job, err := r.jobs.GetJobByID(req.Context(), jobID)
	if err != nil {
		r.writeRepositoryError(w, err, "job")
		return
	}
	if job.Status.Terminal() && job.LogsPath != "" {
		data, err := os.ReadFile(job.LogsPath)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "read persisted logs failed")
			return
		}
		writeText(w, http.StatusOK, string(data))
		return
	}
	logs, err := r.runner.Logs(req.Context(), job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fetch logs failed")
		return
	}
	writeText(w, http.StatusOK, logs)
}

// handleJobOutputs receives dependency snapshots and pull-request intents
// from the updater, authenticated with the job's own key.
func (r *Router) handleJobOutputs(w http.ResponseWriter, req *http.Request, jobID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	job, ok := r.authorizeJob(w, req, jobID)
	if !ok {
		return
	}
	var payload struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Type == "" {
		writeError(w, http.StatusBadRequest, "output type required")
		return
	}
	r.runner.Outputs().Append(job.ID, runner.Output{Type: payload.Type, Data: payload.Data})
	r.broadcastJobEvent(job.ID, "output", map[string]any{"type": payload.Type})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (r *Router) handleJobError(w http.ResponseWriter, req *http.Request, jobID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	job, ok := r.authorizeJob(w, req, jobID)
	if !ok {
		return
	}
	var payload struct {
		Type   string         `json:"error-type"`
		Detail map[string]any `json:"error-detail"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Type == "" {
		writeError(w, http.StatusBadRequest, "error type required")
		return
	}
	err := r.runner.RecordError(req.Context(), job.ID, &domain.UpdateJobError{Type: payload.Type, Detail: payload.Detail})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "record error failed")
		return
	}
	r.broadcastJobEvent(job.ID, "error", map[string]any{"error-type": payload.Type})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (r *Router) handleJobSocket(w http.ResponseWriter, req *http.Request) {
	jobID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/ws/jobs/"), "/")
	if jobID == "" {
		writeError(w, http.StatusNotFound, "job id required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(jobID, client)
	defer r.hub.Unregister(jobID, client)

	// Reads only detect disconnects; the stream is one-way.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) handleJobEvents(w http.ResponseWriter, req *http.Request) {
	jobID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/sse/jobs/"), "/")
	if jobID == "" {
		writeError(w, http.StatusNotFound, "job id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(jobID, client)
	defer r.hub.Unregister(jobID, client)

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) broadcastJobEvent(jobID, kind string, fields map[string]any) {
	event := map[string]any{"job_id": jobID, "event": kind}
	for k, v := range fields {
		event[k] = v
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	r.hub.Broadcast(jobID, payload)
}

func (r *Router) writeRepositoryError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, what+" lookup failed")
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func projectJSON(p *domain.Project) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"provider":        p.Provider,
		"url":             p.URL,
		"name":            p.Name,
		"slug":            p.Slug,
		"description":     p.Description,
		"auto_complete":   p.AutoComplete,
		"auto_approve":    p.AutoApprove,
		"synchronized_at": p.SynchronizedAt,
		"created_at":      p.CreatedAt,
	}
}

func repositoryJSON(repo *domain.Repository) map[string]any {
	return map[string]any{
		"id":             repo.ID,
		"project_id":     repo.ProjectID,
		"provider_id":    repo.ProviderID,
		"name":           repo.Name,
		"slug":           repo.Slug,
		"config_path":    repo.ConfigPath,
		"latest_commit":  repo.LatestCommit,
		"sync_exception": repo.SyncException,
		"updates":        repo.Updates,
		"updated_at":     repo.UpdatedAt,
	}
}

func jobJSON(job *domain.UpdateJob) map[string]any {
	return map[string]any{
		"id":               job.ID,
		"project_id":       job.ProjectID,
		"repository_id":    job.RepositoryID,
		"repository_slug":  job.RepositorySlug,
		"update_index":     job.UpdateIndex,
		"ecosystem":        job.PackageEcosystem,
		"trigger":          job.Trigger,
		"status":           job.Status,
		"platform":         job.Platform,
		"error":            job.Error,
		"logs_path":        job.LogsPath,
		"flame_graph_path": job.FlameGraphPath,
		"started_at":       job.StartedAt,
		"finished_at":      job.FinishedAt,
		"created_at":       job.CreatedAt,
	}
}
