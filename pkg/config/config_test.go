package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kinesis-db/kinesis/pkg/config"
	"github.com/kinesis-db/kinesis/pkg/txn"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.Backing != config.OnDisk {
		t.Errorf("expected default backing OnDisk, got %v", cfg.Backing)
	}
	if cfg.DefaultIsolation != txn.ReadCommitted {
		t.Errorf("expected default isolation ReadCommitted, got %v", cfg.DefaultIsolation)
	}
	if cfg.RecoveryPolicy != config.RecoverPending {
		t.Errorf("expected default recovery policy RecoverPending, got %v", cfg.RecoveryPolicy)
	}
}

func TestLoad_OverlaysOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kinesis.yaml")
	yaml := []byte("dataDir: /var/lib/kinesis\ndefaultIsolation: serializable\n")
	if err := os.WriteFile(path, yaml, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/var/lib/kinesis" {
		t.Errorf("expected dataDir override, got %q", cfg.DataDir)
	}
	if cfg.DefaultIsolation != txn.Serializable {
		t.Errorf("expected Serializable isolation, got %v", cfg.DefaultIsolation)
	}
	// Fields the file didn't mention keep their Default() value.
	if cfg.PageSize != 4096 {
		t.Errorf("expected untouched pageSize to keep default 4096, got %d", cfg.PageSize)
	}
}

func TestLoad_UnknownIsolationNameErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kinesis.yaml")
	if err := os.WriteFile(path, []byte("defaultIsolation: bogus\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Error("expected error for unknown defaultIsolation value")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
