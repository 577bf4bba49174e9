package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"goodtape/app/cache"
	"goodtape/app/database"
	"goodtape/app/lock"
	"goodtape/app/logger"
	"goodtape/app/model"
	"goodtape/app/notify"
	"goodtape/app/platform"
	"goodtape/app/processor"
	"goodtape/app/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type fakeProcessor struct {
	healthErr error
}

func (p *fakeProcessor) ExtractMetadata(context.Context, string, processor.Options) (*processor.Metadata, error) {
	return &processor.Metadata{Title: "clip"}, nil
}

func (p *fakeProcessor) Convert(_ context.Context, req processor.ConvertRequest) (*processor.ConvertResult, error) {
	return &processor.ConvertResult{DownloadURL: "https://cdn.example/" + req.StorageKey, StorageKey: req.StorageKey, FileSize: 1}, nil
}

func (p *fakeProcessor) Health(context.Context) error { return p.healthErr }

type fixture struct {
	router  *gin.Engine
	jobs    *service.JobStore
	orch    *service.ConversionOrchestrator
	results *cache.ResultCache
	hub     *notify.Hub
	proc    *fakeProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenInMemory(strings.ReplaceAll(t.Name(), "/", "_"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	log := logger.NewNop()
	f := &fixture{jobs: service.NewJobStore(db), hub: notify.NewHub(log), proc: &fakeProcessor{}}
	locks := lock.NewGormStore(db)
	f.results = cache.New(cache.NewGormBackend(db), cache.NopProber{}, cache.Options{TTL: time.Hour, MaxAccess: 10}, log)
	notifier := service.NewNotifier(f.jobs, f.hub, service.NotifierOptions{}, log)
	state := service.NewJobStateManager(f.jobs, locks, f.results, notifier, service.StateManagerOptions{Owner: "test"}, log)
	queue := service.NewQueueManager(f.jobs, state, service.QueueOptions{}, log)
	f.orch = service.NewConversionOrchestrator(service.Deps{
		Jobs:      f.jobs,
		State:     state,
		Queue:     queue,
		Results:   f.results,
		Processor: f.proc,
		Errors:    platform.NewHandler(log),
		Notifier:  notifier,
	}, service.OrchestratorOptions{RecentWindow: time.Hour}, log)

	jobHandler := NewJobHandler(f.orch, state, f.hub, log)
	adminHandler := NewAdminHandler(state, queue, log)
	healthHandler := NewHealthHandler(db, locks, f.proc, queue)

	r := gin.New()
	r.GET("/health", healthHandler.Health)
	api := r.Group("/api")
	api.POST("/jobs", jobHandler.CreateJob)
	api.GET("/jobs/:id", jobHandler.GetJob)
	api.POST("/jobs/:id/retry", jobHandler.RetryJob)
	api.GET("/jobs/:id/ws", jobHandler.Subscribe)
	api.GET("/jobs/:id/validate", adminHandler.ValidateJob)
	api.GET("/queue/stats", adminHandler.QueueStats)
	api.POST("/admin/recover", adminHandler.Recover)
	api.POST("/admin/cleanup", adminHandler.Cleanup)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, ApiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp ApiResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func dataMap(t *testing.T, resp ApiResponse) map[string]any {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("unexpected data %T", resp.Data)
	}
	return m
}

func TestCreateAndGetJob(t *testing.T) {
	f := newFixture(t)

	w, resp := f.do(t, http.MethodPost, "/api/jobs", gin.H{"url": "https://vimeo.com/123", "format": "video"})
	if w.Code != http.StatusOK || resp.Code != 0 {
		t.Fatalf("create: %d %+v", w.Code, resp)
	}
	data := dataMap(t, resp)
	id, _ := data["jobId"].(string)
	if id == "" || data["status"] != "queued" || data["queuePosition"] != float64(1) {
		t.Fatalf("unexpected create response %+v", data)
	}

	w, resp = f.do(t, http.MethodGet, "/api/jobs/"+id, nil)
	if w.Code != http.StatusOK || dataMap(t, resp)["jobId"] != id {
		t.Fatalf("get: %d %+v", w.Code, resp)
	}
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t)

	if w, _ := f.do(t, http.MethodPost, "/api/jobs", gin.H{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing url: expected 400, got %d", w.Code)
	}
	if w, _ := f.do(t, http.MethodPost, "/api/jobs", gin.H{"url": "notaurl"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad url: expected 400, got %d", w.Code)
	}
}

func TestCreateJobServedFromCache(t *testing.T) {
	f := newFixture(t)
	fp := cache.Fingerprint("https://x.example/a/1", "audio", "128k", platform.Generic)
	f.results.Store(context.Background(), fp, cache.Result{StorageKey: "k", DownloadURL: "https://cdn.example/k"})

	_, resp := f.do(t, http.MethodPost, "/api/jobs", gin.H{"url": "https://x.example/a/1", "format": "audio", "quality": "128k"})
	data := dataMap(t, resp)
	if data["status"] != "completed" || data["downloadUrl"] != "https://cdn.example/k" || data["progress"] != float64(100) {
		t.Fatalf("expected completed from cache, got %+v", data)
	}
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(t)
	if w, resp := f.do(t, http.MethodGet, "/api/jobs/missing", nil); w.Code != http.StatusNotFound || resp.Code != 404 {
		t.Fatalf("expected 404, got %d %+v", w.Code, resp)
	}
}

func TestRetryJob(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	job := &model.Job{
		ID: uuid.NewString(), URL: "https://x.example/a", Platform: platform.Generic, Format: model.FormatAudio,
		Status: model.JobStatusFailed, ErrorMessage: "boom", CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := f.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}

	w, resp := f.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/retry", nil)
	if w.Code != http.StatusOK || dataMap(t, resp)["status"] != "queued" {
		t.Fatalf("retry: %d %+v", w.Code, resp)
	}
	if w, _ := f.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/retry", nil); w.Code != http.StatusConflict {
		t.Fatalf("second retry must conflict, got %d", w.Code)
	}
}

func TestValidateAndAdminEndpoints(t *testing.T) {
	f := newFixture(t)
	_, resp := f.do(t, http.MethodPost, "/api/jobs", gin.H{"url": "https://x.example/v"})
	id := dataMap(t, resp)["jobId"].(string)

	w, resp := f.do(t, http.MethodGet, "/api/jobs/"+id+"/validate", nil)
	if w.Code != http.StatusOK || dataMap(t, resp)["canProceed"] != true {
		t.Fatalf("validate: %d %+v", w.Code, resp)
	}
	if w, _ := f.do(t, http.MethodGet, "/api/queue/stats", nil); w.Code != http.StatusOK {
		t.Fatalf("stats: %d", w.Code)
	}
	if w, _ := f.do(t, http.MethodPost, "/api/admin/recover", nil); w.Code != http.StatusOK {
		t.Fatalf("recover: %d", w.Code)
	}
	if w, _ := f.do(t, http.MethodPost, "/api/admin/cleanup", nil); w.Code != http.StatusOK {
		t.Fatalf("cleanup: %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w, resp := f.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || resp.Message != "ok" {
		t.Fatalf("health: %d %+v", w.Code, resp)
	}

	f.proc.healthErr = errors.New("connection refused")
	w, resp = f.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || resp.Message != "degraded" {
		t.Fatalf("processor outage must degrade, got %d %+v", w.Code, resp)
	}
}

func TestSubscribeStreamsEvents(t *testing.T) {
	f := newFixture(t)
	_, resp := f.do(t, http.MethodPost, "/api/jobs", gin.H{"url": "https://x.example/ws"})
	id := dataMap(t, resp)["jobId"].(string)

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/jobs/"+id+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() model.NotificationPayload {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var p model.NotificationPayload
		if err := conn.ReadJSON(&p); err != nil {
			t.Fatalf("read: %v", err)
		}
		return p
	}
	if p := read(); p.Status != model.JobStatusQueued || p.JobID != id {
		t.Fatalf("unexpected snapshot %+v", p)
	}

	if err := f.orch.Process(context.Background(), id); err != nil {
		t.Fatalf("process: %v", err)
	}
	last := 0
	for {
		p := read()
		if p.Kind == model.EventCompleted {
			break
		}
		if p.Progress < last {
			t.Fatalf("progress went backwards: %d after %d", p.Progress, last)
		}
		last = p.Progress
	}
}
