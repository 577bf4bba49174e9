package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"goodtape/app/lock"
	"goodtape/app/logger"
	"goodtape/app/model"
	"goodtape/app/platform"
)

func TestAcquireLockExactlyOneWinner(t *testing.T) {
	env := newTestEnv(t)
	job := env.insertJob(t, nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lockID, ok, err := env.state.AcquireLock(context.Background(), job.ID)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				if lockID == "" {
					t.Error("winner must receive a lock id")
				}
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	got := env.mustGet(t, job.ID)
	if got.Status != model.JobStatusProcessing || got.StartedAt == nil {
		t.Fatalf("expected processing with start time, got %s", got.Status)
	}
}

func TestAcquireLockRejectsUnavailableJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, _, err := env.state.AcquireLock(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	done := env.insertJob(t, func(j *model.Job) {
		j.Status = model.JobStatusCompleted
		j.Progress = 100
		j.DownloadURL = "https://cdn.example/x"
	})
	if _, ok, err := env.state.AcquireLock(ctx, done.ID); err != nil || ok {
		t.Fatalf("completed job must not be locked: ok=%v err=%v", ok, err)
	}

	// 刚更新过的处理中任务不算卡死
	busy := env.insertJob(t, func(j *model.Job) { j.Status = model.JobStatusProcessing; j.Progress = 50 })
	if _, ok, _ := env.state.AcquireLock(ctx, busy.ID); ok {
		t.Fatal("fresh processing job must not be locked")
	}
}

func TestAcquireLockTakesOverStuckJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.insertJob(t, func(j *model.Job) { j.Status = model.JobStatusProcessing; j.Progress = 40 })

	env.clock.Advance(11 * time.Minute)
	lockID, ok, err := env.state.AcquireLock(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("expected takeover of stuck job: ok=%v err=%v", ok, err)
	}
	got := env.mustGet(t, job.ID)
	if !got.UpdatedAt.Equal(env.clock.Now()) {
		t.Fatalf("takeover must refresh updated_at, got %v", got.UpdatedAt)
	}

	// 锁仍然有效时其他调用者拿不到
	if _, ok, _ := env.state.AcquireLock(ctx, job.ID); ok {
		t.Fatal("second acquire must fail while the lease is valid")
	}
	if ok, _ := env.state.ReleaseLock(ctx, job.ID, lockID); !ok {
		t.Fatal("holder must be able to release")
	}
}

func TestReleaseAndExtendRequireHolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.insertJob(t, nil)

	lockID, ok, err := env.state.AcquireLock(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	if ok, err := env.state.ReleaseLock(ctx, job.ID, "not-the-token"); err != nil || ok {
		t.Fatalf("mismatched release must be a no-op failure: ok=%v err=%v", ok, err)
	}
	if ok, err := env.state.ExtendLock(ctx, job.ID, "not-the-token", time.Minute); err != nil || ok {
		t.Fatalf("mismatched extend must be a no-op failure: ok=%v err=%v", ok, err)
	}
	if ok, _ := env.state.ExtendLock(ctx, job.ID, lockID, 30*time.Minute); !ok {
		t.Fatal("holder must be able to extend")
	}
	l, _ := env.locks.Get(ctx, job.ID)
	if l == nil || !l.ExpiresAt.Equal(env.clock.Now().Add(30*time.Minute)) {
		t.Fatalf("unexpected lease after extend: %+v", l)
	}
	if ok, _ := env.state.ReleaseLock(ctx, job.ID, lockID); !ok {
		t.Fatal("holder must be able to release")
	}
	if l, _ := env.locks.Get(ctx, job.ID); l != nil {
		t.Fatal("lock must be gone after release")
	}
}

func TestTransitionStateGraph(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.insertJob(t, nil)

	tests := []struct {
		name     string
		from, to model.JobStatus
		updates  JobUpdates
	}{
		{"queued to completed", model.JobStatusQueued, model.JobStatusCompleted, JobUpdates{DownloadURL: "u"}},
		{"completed is terminal", model.JobStatusCompleted, model.JobStatusQueued, JobUpdates{}},
		{"completed needs url", model.JobStatusProcessing, model.JobStatusCompleted, JobUpdates{}},
		{"failed needs message", model.JobStatusProcessing, model.JobStatusFailed, JobUpdates{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.state.TransitionState(ctx, job.ID, tt.from, tt.to, tt.updates, "test")
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}

	// from 与当前状态不符时条件更新不命中
	ok, err := env.state.TransitionState(ctx, job.ID, model.JobStatusProcessing, model.JobStatusFailed,
		JobUpdates{ErrorMessage: "boom"}, "test")
	if err != nil || ok {
		t.Fatalf("stale from-state must report false: ok=%v err=%v", ok, err)
	}
	if got := env.mustGet(t, job.ID); got.Status != model.JobStatusQueued {
		t.Fatalf("job must be untouched, got %s", got.Status)
	}
}

func TestTransitionToCompletedSetsFullProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.insertJob(t, func(j *model.Job) { j.Status = model.JobStatusProcessing; j.Progress = 95 })

	meta := model.JobMetadata{Title: "clip", Attempt: 1}
	ok, err := env.state.TransitionState(ctx, job.ID, model.JobStatusProcessing, model.JobStatusCompleted,
		JobUpdates{DownloadURL: "https://cdn.example/a.mp3", StorageKey: "audio/a.mp3", Metadata: &meta}, "done")
	if err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}
	got := env.mustGet(t, job.ID)
	if got.Progress != 100 || got.DownloadURL == "" || got.CompletedAt == nil {
		t.Fatalf("completed invariants violated: %+v", got)
	}
	if got.Metadata.Title != "clip" || got.Metadata.Attempt != 1 {
		t.Fatalf("metadata not persisted: %+v", got.Metadata)
	}
}

func TestDetectAndRecoverStuckJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fresh := env.insertJob(t, func(j *model.Job) { j.Status = model.JobStatusProcessing; j.Progress = 0 })
	stalled := env.insertJob(t, func(j *model.Job) { j.Status = model.JobStatusProcessing; j.Progress = 45 })
	locked := env.insertJob(t, func(j *model.Job) { j.Status = model.JobStatusProcessing; j.Progress = 30 })

	// 只有 locked 持有一个足够长的租约
	env.clock.Advance(11 * time.Minute)
	if ok, err := env.locks.TryAcquire(ctx, model.JobLock{
		JobID: locked.ID, LockID: "l", Owner: "other", AcquiredAt: env.clock.Now(), ExpiresAt: env.clock.Now().Add(time.Hour),
	}, env.clock.Now()); err != nil || !ok {
		t.Fatalf("seed lock: ok=%v err=%v", ok, err)
	}

	report, err := env.state.DetectAndRecoverStuckJobs(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Scanned != 3 || report.Skipped != 1 || len(report.Reset) != 1 || len(report.Failed) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	if got := env.mustGet(t, fresh.ID); got.Status != model.JobStatusQueued || got.Progress != 0 {
		t.Fatalf("job that never started must be re-queued, got %s/%d", got.Status, got.Progress)
	}
	got := env.mustGet(t, stalled.ID)
	if got.Status != model.JobStatusFailed || !strings.Contains(got.ErrorMessage, "45%") {
		t.Fatalf("stalled job must fail with a timeout message, got %s %q", got.Status, got.ErrorMessage)
	}
	if got := env.mustGet(t, locked.ID); got.Status != model.JobStatusProcessing {
		t.Fatalf("job with a valid lock must be left alone, got %s", got.Status)
	}

	kinds := env.pusher.kinds(fresh.ID)
	if len(kinds) != 1 || kinds[0] != model.EventReset {
		t.Fatalf("expected reset event, got %v", kinds)
	}
	if kinds := env.pusher.kinds(stalled.ID); len(kinds) != 1 || kinds[0] != model.EventFailed {
		t.Fatalf("expected failed event, got %v", kinds)
	}
}

// hookedLocks 在第一次 Get 返回后执行 afterGet，用来把另一个实例的接管插入到读锁和写状态之间
type hookedLocks struct {
	lock.Store
	once     sync.Once
	afterGet func()
}

func (h *hookedLocks) Get(ctx context.Context, jobID string) (*model.JobLock, error) {
	l, err := h.Store.Get(ctx, jobID)
	h.once.Do(h.afterGet)
	return l, err
}

func TestRecoverySkipsJobTakenOverAfterLockRead(t *testing.T) {
	for name, progress := range map[string]int{"never_started": 0, "stalled": 45} {
		t.Run(name, func(t *testing.T) {
			recoverAfterTakeover(t, progress)
		})
	}
}

func recoverAfterTakeover(t *testing.T, progress int) {
	t.Helper()
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.insertJob(t, func(j *model.Job) { j.Status = model.JobStatusProcessing; j.Progress = progress })
	env.clock.Advance(11 * time.Minute)

	other := NewJobStateManager(env.jobs, env.locks, env.results, env.notifier, StateManagerOptions{
		Owner:          "instance-b",
		LockLease:      15 * time.Minute,
		StuckThreshold: 10 * time.Minute,
		Now:            env.clock.Now,
	}, logger.NewNop())

	var takeover bool
	sweeper := NewJobStateManager(env.jobs, &hookedLocks{
		Store: env.locks,
		afterGet: func() {
			_, ok, err := other.AcquireLock(ctx, job.ID)
			if err != nil {
				t.Errorf("takeover: %v", err)
			}
			takeover = ok
		},
	}, env.results, env.notifier, StateManagerOptions{
		Owner:          "instance-a",
		LockLease:      15 * time.Minute,
		StuckThreshold: 10 * time.Minute,
		Now:            env.clock.Now,
	}, logger.NewNop())

	report, err := sweeper.DetectAndRecoverStuckJobs(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !takeover {
		t.Fatalf("progress %d: instance-b should have taken over the stuck job", progress)
	}
	if len(report.Reset) != 0 || len(report.Failed) != 0 || report.Skipped != 1 {
		t.Fatalf("progress %d: sweep must leave a taken-over job alone, got %+v", progress, report)
	}

	got := env.mustGet(t, job.ID)
	if got.Status != model.JobStatusProcessing || got.Progress != progress {
		t.Fatalf("progress %d: job was overwritten: %s/%d", progress, got.Status, got.Progress)
	}
	l, err := env.locks.Get(ctx, job.ID)
	if err != nil || l == nil || l.Owner != "instance-b" || !l.Valid(env.clock.Now()) {
		t.Fatalf("progress %d: instance-b must still hold its lease, got %+v err=%v", progress, l, err)
	}
}

func TestTimedOutJobCarriesDiagnostics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.insertJob(t, func(j *model.Job) {
		j.Status = model.JobStatusProcessing
		j.Progress = 60
		j.Platform = "youtube"
	})
	env.clock.Advance(11 * time.Minute)

	if _, err := env.state.DetectAndRecoverStuckJobs(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	view, err := env.orch.GetStatus(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != model.JobStatusFailed || view.ErrorType != string(platform.NetworkError) || len(view.Suggestions) == 0 {
		t.Fatalf("timed out job must expose a classified error, got %+v", view)
	}
	d := env.mustGet(t, job.ID).Metadata.Diagnostics
	if d == nil || d.Platform != "youtube" || d.ReliabilityScore == 0 || !d.Retryable {
		t.Fatalf("unexpected diagnostics %+v", d)
	}

	env.pusher.mu.Lock()
	defer env.pusher.mu.Unlock()
	for _, p := range env.pusher.payloads {
		if p.JobID == job.ID && p.Kind == model.EventFailed && p.Extra["errorType"] != string(platform.NetworkError) {
			t.Fatalf("failed event must use the classified type, got %+v", p.Extra)
		}
	}
}

func TestValidateJobState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ok := env.insertJob(t, nil)
	r, err := env.state.ValidateJobState(ctx, ok.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !r.CanProceed || len(r.Violations) != 0 {
		t.Fatalf("healthy queued job must pass: %+v", r)
	}

	broken := env.insertJob(t, func(j *model.Job) { j.Status = model.JobStatusCompleted; j.Progress = 60 })
	r, err = env.state.ValidateJobState(ctx, broken.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if r.CanProceed {
		t.Fatal("completed job must not proceed")
	}
	levels := map[string]ViolationLevel{}
	for _, v := range r.Violations {
		levels[v.Code] = v.Level
	}
	if levels["completed_without_url"] != LevelCritical || levels["completed_progress"] != LevelError {
		t.Fatalf("unexpected violations %+v", r.Violations)
	}

	unlocked := env.insertJob(t, func(j *model.Job) { j.Status = model.JobStatusProcessing; j.Progress = 20 })
	r, _ = env.state.ValidateJobState(ctx, unlocked.ID)
	if !r.CanProceed || len(r.Violations) != 1 || r.Violations[0].Code != "processing_unlocked" {
		t.Fatalf("unlocked processing job must only warn: %+v", r)
	}
}

func TestPerformCleanup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stuck := env.insertJob(t, func(j *model.Job) { j.Status = model.JobStatusProcessing; j.Progress = 5 })
	if ok, _ := env.locks.TryAcquire(ctx, model.JobLock{
		JobID: stuck.ID, LockID: "l", Owner: "gone", AcquiredAt: env.clock.Now(), ExpiresAt: env.clock.Now().Add(5 * time.Minute),
	}, env.clock.Now()); !ok {
		t.Fatal("seed lock failed")
	}
	old := env.insertJob(t, func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.ErrorMessage = "x"
		j.ExpiresAt = env.clock.Now().Add(time.Hour)
	})

	env.clock.Advance(2 * time.Hour)
	report, err := env.state.PerformCleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if report.ExpiredLocks != 1 || report.Recovered != 1 || report.ExpiredJobs != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := env.mustGet(t, stuck.ID); got.Status != model.JobStatusQueued {
		t.Fatalf("stuck job with expired lock must be reset, got %s", got.Status)
	}
	if _, err := env.jobs.Get(ctx, old.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expired job must be deleted, got %v", err)
	}
}

func TestRetryRequeuesFailedJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job := env.insertJob(t, func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.ErrorMessage = "boom"
		j.Progress = 40
		j.Metadata = model.JobMetadata{Attempt: 3, FallbackHistory: []model.FallbackRecord{{Attempt: 1, Action: "use_proxy"}}}
	})

	ok, err := env.state.Retry(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("retry: ok=%v err=%v", ok, err)
	}
	got := env.mustGet(t, job.ID)
	if got.Status != model.JobStatusQueued || got.Progress != 0 || got.ErrorMessage != "" || got.Metadata.Attempt != 0 {
		t.Fatalf("retry must reset the job: %+v", got)
	}

	if _, err := env.state.Retry(ctx, job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("retrying a queued job must fail, got %v", err)
	}
}
