package model

import (
	"testing"
	"time"
)

func TestJobIsStuck(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	job := Job{Status: JobStatusProcessing, UpdatedAt: now.Add(-11 * time.Minute)}
	if !job.IsStuck(now, 10*time.Minute) {
		t.Fatal("expected processing job idle for 11m to be stuck")
	}

	job.Status = JobStatusQueued
	if job.IsStuck(now, 10*time.Minute) {
		t.Fatal("queued job must never count as stuck")
	}
}

func TestJobLockHeldBy(t *testing.T) {
	now := time.Now()
	l := JobLock{JobID: "j", LockID: "a", Owner: "w1", ExpiresAt: now.Add(time.Minute)}
	if !l.HeldBy("a", "w1") {
		t.Fatal("expected matching token and owner")
	}
	if l.HeldBy("a", "w2") || l.HeldBy("b", "w1") {
		t.Fatal("a mismatched token or owner must not match")
	}
	if !l.Valid(now) || l.Valid(now.Add(2*time.Minute)) {
		t.Fatal("unexpected validity window")
	}
}

func TestCacheEntryBounds(t *testing.T) {
	now := time.Now()
	e := CacheEntry{ExpiresAt: now.Add(time.Hour), AccessCount: 2}
	if e.Exhausted(3) {
		t.Fatal("2 of 3 accesses is not exhausted")
	}
	e.Touch(now)
	if !e.Exhausted(3) {
		t.Fatal("3 of 3 accesses is exhausted")
	}
	if e.Expired(now) || !e.Expired(now.Add(2*time.Hour)) {
		t.Fatal("unexpected expiry")
	}
}

func TestProgressPayloadClamps(t *testing.T) {
	p := ProgressEvent{JobID: "j", Percent: 140, Status: JobStatusProcessing}.Payload()
	if p.Progress != 100 {
		t.Fatalf("expected clamp to 100, got %d", p.Progress)
	}
	p = ProgressEvent{JobID: "j", Percent: -5}.Payload()
	if p.Progress != 0 {
		t.Fatalf("expected clamp to 0, got %d", p.Progress)
	}
}

func TestEventKinds(t *testing.T) {
	events := []Event{
		ProgressEvent{JobID: "a"},
		CompletedEvent{JobID: "a", DownloadURL: "u"},
		FailedEvent{JobID: "a", Message: "m"},
		ResetEvent{JobID: "a"},
	}
	want := []EventKind{EventProgress, EventCompleted, EventFailed, EventReset}
	for i, e := range events {
		if e.Kind() != want[i] || e.Payload().Kind != want[i] {
			t.Fatalf("event %d: got kind %s", i, e.Kind())
		}
		if e.Job() != "a" {
			t.Fatalf("event %d: unexpected job id %s", i, e.Job())
		}
	}
	if got := (CompletedEvent{JobID: "a"}).Payload(); got.Progress != 100 || got.Status != JobStatusCompleted {
		t.Fatalf("completed payload must carry 100/completed, got %+v", got)
	}
}
