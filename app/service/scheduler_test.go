package service

import (
	"testing"

	"goodtape/app/logger"
)

func TestNewSchedulerValidatesSpecs(t *testing.T) {
	env := newTestEnv(t)

	if _, err := NewScheduler(env.state, "not a cron", "", logger.NewNop()); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}

	s, err := NewScheduler(env.state, "@every 1m", "@every 15m", logger.NewNop())
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if n := len(s.cron.Entries()); n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
	s.Start()
	s.Stop()
}
