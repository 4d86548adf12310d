package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Transparency.BatchSize != 10 {
		t.Errorf("batch size = %d, want 10", cfg.Transparency.BatchSize)
	}
	if cfg.RateLimits.DefaultRequests != 10 || cfg.RateLimits.DefaultWindowSeconds != 60 {
		t.Errorf("rate limits = %+v", cfg.RateLimits)
	}
	if cfg.Blockchain.Enabled {
		t.Error("anchoring enabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
  shutdown_timeout: 5s
database:
  dsn: /var/lib/gaasgw/gw.db
transparency:
  batch_size: 25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.DSN != "/var/lib/gaasgw/gw.db" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Transparency.BatchSize != 25 {
		t.Errorf("batch size = %d", cfg.Transparency.BatchSize)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout)
	}
}

func TestLoadExpandsEnvPatterns(t *testing.T) {
	t.Setenv("TEST_RPC_URL", "https://eth-sepolia.example/v2/abc")
	path := writeConfig(t, `
blockchain:
  rpc_url: ${TEST_RPC_URL}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Blockchain.RPCURL != "https://eth-sepolia.example/v2/abc" {
		t.Errorf("rpc url = %q", cfg.Blockchain.RPCURL)
	}
}

func TestLoadUnsetEnvPatternLeftVerbatim(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: ${DEFINITELY_UNSET_VAR_12345}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "${DEFINITELY_UNSET_VAR_12345}" {
		t.Errorf("dsn = %q, want pattern left as-is", cfg.Database.DSN)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "/tmp/override.db")
	t.Setenv("ENABLE_BLOCKCHAIN_ANCHORING", "true")
	t.Setenv("ALCHEMY_SEPOLIA_URL", "https://rpc.example")
	t.Setenv("BLOCKCHAIN_PRIVATE_KEY", "deadbeef")
	t.Setenv("CONTRACT_ADDRESS", "0x1234")
	t.Setenv("MERKLE_BATCH_SIZE", "50")

	path := writeConfig(t, `
database:
  dsn: from-file.db
transparency:
  batch_size: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "/tmp/override.db" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if !cfg.Blockchain.Enabled || cfg.Blockchain.RPCURL != "https://rpc.example" {
		t.Errorf("blockchain = %+v", cfg.Blockchain)
	}
	if cfg.Transparency.BatchSize != 50 {
		t.Errorf("batch size = %d", cfg.Transparency.BatchSize)
	}
}

func TestBadBatchSizeEnv(t *testing.T) {
	t.Setenv("MERKLE_BATCH_SIZE", "zero")
	if _, err := Load(""); err == nil {
		t.Error("non-numeric MERKLE_BATCH_SIZE accepted")
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	cfg.Blockchain.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("anchoring without credentials accepted")
	}
}
