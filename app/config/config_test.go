package config

import (
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if cfg.Orchestrator.LockLease != 15*time.Minute {
		t.Fatalf("unexpected lock lease %s", cfg.Orchestrator.LockLease)
	}
	if cfg.Processor.CallTimeout != 2*time.Minute {
		t.Fatalf("unexpected call timeout %s", cfg.Processor.CallTimeout)
	}
	if cfg.Queue.PlatformWeights["twitter"] >= cfg.Queue.PlatformWeights["youtube"] {
		t.Fatalf("expected twitter to be weighted ahead of youtube: %v", cfg.Queue.PlatformWeights)
	}
	if cfg.Server.InstanceID == "" {
		t.Fatal("expected generated instance id")
	}
}

func TestValidateConfigRejectsShortLease(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.LockLease = time.Minute
	if err := validateConfig(cfg); err == nil {
		t.Fatal("expected lease shorter than call timeout to be rejected")
	}
}

func TestValidateConfigRejectsUnknownProbeMode(t *testing.T) {
	cfg := Default()
	cfg.Storage.ProbeMode = "ftp"
	if err := validateConfig(cfg); err == nil {
		t.Fatal("expected unknown probe mode to be rejected")
	}
}
