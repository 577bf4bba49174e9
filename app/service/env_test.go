package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"goodtape/app/cache"
	"goodtape/app/database"
	"goodtape/app/lock"
	"goodtape/app/logger"
	"goodtape/app/model"
	"goodtape/app/platform"
	"goodtape/app/processor"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPusher struct {
	mu       sync.Mutex
	payloads []model.NotificationPayload
	err      error
}

func (p *recordingPusher) Push(_ context.Context, payload model.NotificationPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return p.err
}

func (p *recordingPusher) kinds(jobID string) []model.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.EventKind
	for _, pl := range p.payloads {
		if pl.JobID == jobID {
			out = append(out, pl.Kind)
		}
	}
	return out
}

func (p *recordingPusher) progress(jobID string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for _, pl := range p.payloads {
		if pl.JobID == jobID && pl.Kind == model.EventProgress {
			out = append(out, pl.Progress)
		}
	}
	return out
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []platform.Classification
}

func (a *recordingAlerter) Alert(_ context.Context, _ string, c platform.Classification) {
	a.mu.Lock()
	a.alerts = append(a.alerts, c)
	a.mu.Unlock()
}

type stubProcessor struct {
	mu            sync.Mutex
	metadataErrs  []error // 依次返回，用完后成功
	convertErr    error
	result        processor.ConvertResult
	metadataCalls int
	convertCalls  int
	requests      []processor.ConvertRequest
}

func (p *stubProcessor) ExtractMetadata(_ context.Context, _ string, _ processor.Options) (*processor.Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metadataCalls++
	if len(p.metadataErrs) > 0 {
		err := p.metadataErrs[0]
		p.metadataErrs = p.metadataErrs[1:]
		return nil, err
	}
	return &processor.Metadata{Title: "Test: Clip", Uploader: "someone", Duration: 42}, nil
}

func (p *stubProcessor) Convert(_ context.Context, req processor.ConvertRequest) (*processor.ConvertResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.convertCalls++
	p.requests = append(p.requests, req)
	if p.convertErr != nil {
		return nil, p.convertErr
	}
	r := p.result
	if r.DownloadURL == "" {
		r.DownloadURL = "https://cdn.example/" + req.StorageKey
	}
	if r.FileSize == 0 {
		r.FileSize = 1024
	}
	return &r, nil
}

func (p *stubProcessor) Health(context.Context) error { return nil }

func (p *stubProcessor) calls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadataCalls, p.convertCalls
}

type stubProber struct {
	mu      sync.Mutex
	missing map[string]bool
}

func (p *stubProber) Exists(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.missing[key], nil
}

type testEnv struct {
	clock    *fakeClock
	jobs     *JobStore
	locks    lock.Store
	results  *cache.ResultCache
	state    *JobStateManager
	queue    *QueueManager
	notifier *Notifier
	pusher   *recordingPusher
	alerter  *recordingAlerter
	proc     *stubProcessor
	prober   *stubProber
	orch     *ConversionOrchestrator
	sleeps   []time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.OpenInMemory(name)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	log := logger.NewNop()
	env := &testEnv{
		clock:   newFakeClock(),
		jobs:    NewJobStore(db),
		locks:   lock.NewGormStore(db),
		pusher:  &recordingPusher{},
		alerter: &recordingAlerter{},
		proc:    &stubProcessor{},
		prober:  &stubProber{missing: map[string]bool{}},
	}
	env.results = cache.New(cache.NewGormBackend(db), env.prober, cache.Options{TTL: time.Hour, MaxAccess: 10, Now: env.clock.Now}, log)
	env.notifier = NewNotifier(env.jobs, env.pusher, NotifierOptions{PersistAttempts: 3, PersistBackoff: time.Millisecond, Now: env.clock.Now}, log)
	env.state = NewJobStateManager(env.jobs, env.locks, env.results, env.notifier, StateManagerOptions{
		Owner:          "test-instance",
		LockLease:      15 * time.Minute,
		StuckThreshold: 10 * time.Minute,
		Now:            env.clock.Now,
	}, log)
	env.queue = NewQueueManager(env.jobs, env.state, QueueOptions{
		PlatformWeights: map[string]int{"twitter": 1, "youtube": 5, platform.Generic: 6},
		Concurrency:     2,
		Now:             env.clock.Now,
	}, log)
	env.orch = NewConversionOrchestrator(Deps{
		Jobs:      env.jobs,
		State:     env.state,
		Queue:     env.queue,
		Results:   env.results,
		Prober:    env.prober,
		Processor: env.proc,
		Errors:    platform.NewHandler(log),
		Notifier:  env.notifier,
		Alerter:   env.alerter,
	}, OrchestratorOptions{
		PipelineDeadline: time.Minute,
		RecentWindow:     time.Hour,
		LockLease:        15 * time.Minute,
		Now:              env.clock.Now,
		Sleep: func(_ context.Context, d time.Duration) error {
			env.sleeps = append(env.sleeps, d)
			return nil
		},
	}, log)
	return env
}

// insertJob 直接写入一条任务，mutate 可以修改默认字段
func (e *testEnv) insertJob(t *testing.T, mutate func(j *model.Job)) *model.Job {
	t.Helper()
	now := e.clock.Now()
	j := &model.Job{
		ID:        uuid.NewString(),
		URL:       "https://x.example/a/" + uuid.NewString()[:8],
		Platform:  platform.Generic,
		Format:    model.FormatAudio,
		Quality:   "128k",
		Status:    model.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(72 * time.Hour),
	}
	if mutate != nil {
		mutate(j)
	}
	if err := e.jobs.Create(context.Background(), j); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return j
}

func (e *testEnv) mustGet(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := e.jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return j
}
