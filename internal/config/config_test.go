package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() failed validation: %v", err)
	}
}

func TestValidateRejectsBadBackpressure(t *testing.T) {
	cfg := Default()
	cfg.Edge.Backpressure = "explode"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid backpressure policy")
	}
}

func TestValidateRejectsMaxPeersOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Session.MaxPeers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_peers = 0")
	}
	cfg.Session.MaxPeers = 11
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_peers > 10")
	}
}

func TestValidateRejectsWorkerCapOverHardLimit(t *testing.T) {
	cfg := Default()
	cfg.Worker.MaxWorkers = maxWorkersHardCap + 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_workers over hard cap")
	}
}

func TestEnsureCreatesDefaultThenLoads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtimed.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first Ensure")
	}
	if cfg.Worker.MaxWorkers != Default().Worker.MaxWorkers {
		t.Fatalf("created config diverges from Default()")
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}

	cfg2, created2, err := Ensure(path)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if created2 {
		t.Fatal("expected created=false on second Ensure")
	}
	if cfg2 != cfg {
		t.Fatalf("reloaded config = %+v, want %+v", cfg2, cfg)
	}
}

func TestEdgeConfigTranslatesFields(t *testing.T) {
	cfg := Default()
	cfg.Edge.Capacity = 32
	cfg.Edge.Backpressure = "drop_oldest"
	ec := cfg.EdgeConfig()
	if ec.Capacity != 32 {
		t.Errorf("Capacity = %d, want 32", ec.Capacity)
	}
	if string(ec.Backpressure) != "drop_oldest" {
		t.Errorf("Backpressure = %q, want drop_oldest", ec.Backpressure)
	}
}
