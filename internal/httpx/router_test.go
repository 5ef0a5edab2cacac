package httpx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/depwatch/internal/domain"
	"github.com/splax/depwatch/internal/repository"
	"github.com/splax/depwatch/internal/runner"
	"github.com/splax/depwatch/internal/trigger"
	"github.com/splax/depwatch/internal/ws"
	"github.com/splax/depwatch/pkg/config"
)

type recordingBus struct {
	mu       sync.Mutex
	messages []trigger.Message
}

func (b *recordingBus) Publish(_ context.Context, msg trigger.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	return nil
}

func (b *recordingBus) Subscribe(trigger.Handler) {}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) all() []trigger.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]trigger.Message, len(b.messages))
	copy(out, b.messages)
	return out
}

type fakeStore struct {
	mu       sync.Mutex
	projects map[string]*domain.Project
	repos    map[string]*domain.Repository
	jobs     map[string]*domain.UpdateJob
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: make(map[string]*domain.Project),
		repos:    make(map[string]*domain.Repository),
		jobs:     make(map[string]*domain.UpdateJob),
	}
}

func (s *fakeStore) CreateProject(_ context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *project
	s.projects[project.ID] = &cp
	return nil
}

func (s *fakeStore) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *project
	return &cp, nil
}

func (s *fakeStore) ListProjects(context.Context) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, *p)
	}
	return out, nil
}

func (s *fakeStore) UpdateProject(_ context.Context, project *domain.Project) error {
	return s.CreateProject(context.Background(), project)
}

func (s *fakeStore) CreateRepo(_ context.Context, repo *domain.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *repo
	s.repos[repo.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateRepo(ctx context.Context, repo *domain.Repository) error {
	return s.CreateRepo(ctx, repo)
}

func (s *fakeStore) GetRepoByID(_ context.Context, id string) (*domain.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *repo
	return &cp, nil
}

func (s *fakeStore) GetRepoByProviderID(context.Context, string, string) (*domain.Repository, error) {
	return nil, repository.ErrNotFound
}

func (s *fakeStore) ListReposByProject(context.Context, string) ([]domain.Repository, error) {
	return nil, nil
}

func (s *fakeStore) ListRepos(context.Context) ([]domain.Repository, error) { return nil, nil }

func (s *fakeStore) DeleteRepo(context.Context, string) error { return nil }

func (s *fakeStore) DeleteReposExcept(context.Context, string, []string) ([]string, error) {
	return nil, nil
}

func (s *fakeStore) SetUpdateLatestJob(context.Context, string, int, string, domain.UpdateJobStatus, time.Time) error {
	return nil
}

func (s *fakeStore) CreateJob(_ context.Context, job *domain.UpdateJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeStore) GetJobByID(_ context.Context, id string) (*domain.UpdateJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) UpdateJob(ctx context.Context, job *domain.UpdateJob) error {
	return s.CreateJob(ctx, job)
}

func (s *fakeStore) ListJobsByRepo(context.Context, string, int) ([]domain.UpdateJob, error) {
	return nil, nil
}

func (s *fakeStore) ListUnfinishedJobsOlderThan(context.Context, time.Time) ([]domain.UpdateJob, error) {
	return nil, nil
}

func (s *fakeStore) DeleteJobsOlderThan(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

type fakeJobRunner struct {
	mu      sync.Mutex
	outputs *runner.OutputCollector
	errors  map[string]*domain.UpdateJobError
	logs    string
}

func newFakeJobRunner() *fakeJobRunner {
	return &fakeJobRunner{
		outputs: runner.NewOutputCollector(),
		errors:  make(map[string]*domain.UpdateJobError),
		logs:    "updater says hello",
	}
}

func (f *fakeJobRunner) RecordError(_ context.Context, jobID string, jobErr *domain.UpdateJobError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[jobID] = jobErr
	return nil
}

func (f *fakeJobRunner) Logs(context.Context, *domain.UpdateJob) (string, error) {
	return f.logs, nil
}

func (f *fakeJobRunner) Outputs() *runner.OutputCollector { return f.outputs }

type routerFixture struct {
	router *Router
	bus    *recordingBus
	store  *fakeStore
	runner *fakeJobRunner
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	store := newFakeStore()
	bus := &recordingBus{}
	jobRunner := newFakeJobRunner()
	cfg := config.OrchestratorConfig{
		EncryptionKey: "router-test-encryption-key",
		WebhookSecret: "hook-secret",
		APIToken:      "admin-token",
	}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	router := NewRouter(cfg, logger, store, store, store, bus, jobRunner, ws.NewHub(), nil, nil)
	t.Cleanup(router.Close)
	return &routerFixture{router: router, bus: bus, store: store, runner: jobRunner}
}

func adminRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer admin-token")
	return req
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHealthzReportsDatabaseState(t *testing.T) {
	fix := newRouterFixture(t)

	rec := httptest.NewRecorder()
	fix.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	fix := newRouterFixture(t)

	body := []byte(`{"eventType":"git.push","resource":{"repository":{"id":"repo-guid"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/project-1", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	fix.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(fix.bus.all()) != 0 {
		t.Fatal("unauthenticated webhook must not publish triggers")
	}
}

func TestWebhookPushSchedulesTargetedSync(t *testing.T) {
	fix := newRouterFixture(t)

	body := []byte(`{"eventType":"git.push","resource":{"repository":{"id":"repo-guid"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/project-1", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signPayload("hook-secret", body))
	rec := httptest.NewRecorder()
	fix.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	messages := fix.bus.all()
	if len(messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(messages))
	}
	msg := messages[0]
	if msg.Kind != trigger.KindSynchronizeRepository {
		t.Fatalf("kind = %q, want %q", msg.Kind, trigger.KindSynchronizeRepository)
	}
	if msg.ProjectID != "project-1" || msg.ProviderRepositoryID != "repo-guid" {
		t.Fatalf("unexpected message target: %+v", msg)
	}
	if !msg.Trigger {
		t.Fatal("push sync must fire the repository's updates")
	}
}

func TestWebhookIgnoresOtherEventTypes(t *testing.T) {
	fix := newRouterFixture(t)

	body := []byte(`{"eventType":"git.pullrequest.updated","resource":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/project-1", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signPayload("hook-secret", body))
	rec := httptest.NewRecorder()
	fix.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(fix.bus.all()) != 0 {
		t.Fatal("non-push events must not publish triggers")
	}
}

func TestCreateProjectEncryptsTokenAndQueuesSync(t *testing.T) {
	fix := newRouterFixture(t)

	body := []byte(`{"url":"https://dev.azure.com/contoso/","slug":"contoso","name":"Contoso","token":"pat-value"}`)
	rec := httptest.NewRecorder()
	fix.router.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/projects", body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("response missing project id")
	}
	if strings.Contains(rec.Body.String(), "pat-value") {
		t.Fatal("response leaked the provider token")
	}

	stored, err := fix.store.GetProjectByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("stored project: %v", err)
	}
	if bytes.Contains(stored.Token, []byte("pat-value")) {
		t.Fatal("token stored in cleartext")
	}
	if stored.URL != "https://dev.azure.com/contoso" {
		t.Fatalf("url = %q, trailing slash not trimmed", stored.URL)
	}

	messages := fix.bus.all()
	if len(messages) != 1 || messages[0].Kind != trigger.KindSynchronizeProject {
		t.Fatalf("expected one initial synchronization, got %+v", messages)
	}
}

func TestManagementEndpointsRequireToken(t *testing.T) {
	fix := newRouterFixture(t)

	rec := httptest.NewRecorder()
	fix.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	fix.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", rec.Code)
	}
}

func TestManualUpdateRunPublishesTrigger(t *testing.T) {
	fix := newRouterFixture(t)
	fix.store.CreateRepo(context.Background(), &domain.Repository{
		ID:        "repo-1",
		ProjectID: "project-1",
		Slug:      "contoso/app",
		Updates:   []domain.RepositoryUpdate{{PackageEcosystem: "npm"}},
	})

	rec := httptest.NewRecorder()
	fix.router.ServeHTTP(rec, adminRequest(http.MethodPost, "/api/repositories/repo-1/updates/0/run", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	messages := fix.bus.all()
	if len(messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(messages))
	}
	msg := messages[0]
	if msg.Kind != trigger.KindRunUpdate || msg.RepositoryID != "repo-1" || msg.UpdateIndex != 0 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Reason != domain.UpdateJobTriggerManual {
		t.Fatalf("reason = %q, want manual", msg.Reason)
	}
}

func TestJobCallbackRequiresJobKey(t *testing.T) {
	fix := newRouterFixture(t)
	fix.store.CreateJob(context.Background(), &domain.UpdateJob{
		ID:      "job-1",
		AuthKey: "job-key",
		Status:  domain.UpdateJobStatusRunning,
	})

	body := []byte(`{"type":"create_pull_request","data":{}}`)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/outputs", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()
	fix.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/outputs", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer job-key")
	rec = httptest.NewRecorder()
	fix.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("valid key status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	outputs := fix.runner.Outputs().Take("job-1")
	if len(outputs) != 1 || outputs[0].Type != "create_pull_request" {
		t.Fatalf("collected outputs = %+v", outputs)
	}
}

func TestJobCallbackUnknownJobAnswersLikeBadKey(t *testing.T) {
	fix := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/no-such-job/outputs", strings.NewReader(`{"type":"x"}`))
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	fix.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestJobErrorCallbackRecordsError(t *testing.T) {
	fix := newRouterFixture(t)
	fix.store.CreateJob(context.Background(), &domain.UpdateJob{
		ID:      "job-1",
		AuthKey: "job-key",
		Status:  domain.UpdateJobStatusRunning,
	})

	body := []byte(`{"error-type":"dependency_file_not_found","error-detail":{"path":"/package.json"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/error", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer job-key")
	rec := httptest.NewRecorder()
	fix.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	recorded := fix.runner.errors["job-1"]
	if recorded == nil || recorded.Type != "dependency_file_not_found" {
		t.Fatalf("recorded error = %+v", recorded)
	}
}

func TestJobLogsServedLiveWhileRunning(t *testing.T) {
	fix := newRouterFixture(t)
	fix.store.CreateJob(context.Background(), &domain.UpdateJob{
		ID:      "job-1",
		AuthKey: "job-key",
		Status:  domain.UpdateJobStatusRunning,
	})

	rec := httptest.NewRecorder()
	fix.router.ServeHTTP(rec, adminRequest(http.MethodGet, "/api/jobs/job-1/logs", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "updater says hello" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
