package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundler.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	t.Setenv("BUNDLER_DATADIR", "/tmp/bundler-test")
	path := writeConfig(t, `
bundler:
  chain_id: 31337
  max_bundle_size: 5
  bundle_interval: 2s
  blacklist:
    - "0x000000000000000000000000000000000000dEaD"
mempool:
  max_size: 50
store:
  engine: leveldb
  datadir: ${BUNDLER_DATADIR}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bundler.ChainID != 31337 {
		t.Errorf("expected chain id 31337, got %d", cfg.Bundler.ChainID)
	}
	if cfg.Bundler.MaxBundleSize != 5 || cfg.Bundler.BundleInterval != 2*time.Second {
		t.Errorf("unexpected bundler config: %+v", cfg.Bundler)
	}
	if cfg.Store.DataDir != "/tmp/bundler-test" || cfg.Store.Engine != "leveldb" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Mempool.MaxSize != 50 {
		t.Errorf("expected max size 50, got %d", cfg.Mempool.MaxSize)
	}
	// Untouched sections keep their defaults.
	if cfg.Reputation.BanThreshold != 10 || cfg.Mempool.EntryTTL != 30*time.Minute {
		t.Errorf("defaults lost: %+v %+v", cfg.Reputation, cfg.Mempool)
	}
	if got := cfg.Bundler.BlacklistAddresses(); len(got) != 1 || got[0].Hex() != "0x000000000000000000000000000000000000dEaD" {
		t.Errorf("unexpected blacklist: %v", got)
	}
	if eps := cfg.Bundler.EntryPointAddresses(); len(eps) != 1 {
		t.Errorf("expected default entry point, got %v", eps)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad entry point", "bundler:\n  entry_points: [\"0x123\"]\n", "entry_points"},
		{"no entry points", "bundler:\n  entry_points: []\n", "must not be empty"},
		{"bad engine", "store:\n  engine: rocksdb\n", "store.engine"},
		{"remote without url", "validator:\n  enabled: true\n", "validator.url"},
		{"bad decay", "reputation:\n  decay_factor: 2\n", "decay_factor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}
