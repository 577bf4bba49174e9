package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"goodtape/app/config"
	"goodtape/app/logger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "goodtape.db")
	cfg.Storage.ProbeMode = "none"
	cfg.Processor.BaseURL = "http://127.0.0.1:1"
	cfg.Processor.CallTimeout = time.Second
	cfg.RateLimit.RPS = 1
	cfg.RateLimit.Burst = 1

	s, err := New(cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestServerRoutes(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"url":"https://youtube.com/watch?v=abc"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("create job: %d %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data struct {
			JobID    string `json:"jobId"`
			Status   string `json:"status"`
			Progress int    `json:"progress"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.JobID == "" || resp.Data.Status != "queued" {
		t.Fatalf("unexpected job %+v", resp.Data)
	}

	job, err := s.jobs.Get(context.Background(), resp.Data.JobID)
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.Platform != "youtube" || job.Quality != "192k" {
		t.Fatalf("unexpected defaults %+v", job)
	}
}

func TestServerRateLimitsSubmissions(t *testing.T) {
	s := newTestServer(t)

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"url":"https://x.example/a"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("expected second submission to be limited, got %v", codes)
	}
}

func TestServerHealthDegradedWithoutProcessor(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"degraded"`) {
		t.Fatalf("expected degraded health, got %d %s", w.Code, w.Body.String())
	}
}

func TestServerCORS(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/jobs", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header: %v", w.Header())
	}
}
