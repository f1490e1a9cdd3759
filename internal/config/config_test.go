package config

import (
	"os"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "gateway-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

func TestLoadDefaults(t *testing.T) {
	path := writeTemp(t, `
storage:
  data_dir: "/tmp/gateway/data"
  sqlite_path: "/tmp/gateway/gateway.db"
  archive_dir: "/tmp/gateway/archive"
server:
  host: "0.0.0.0"
  port: 8080
  grpc_port: 9090
logging:
  level: "info"
  format: "json"
brokers:
  bybit-main:
    driver: "bybit"
    environment: "sandbox"
    api_key: "test-key"
    api_secret: "test-secret"
    currency: "USDT"
    max_concurrent: 5
    min_interval_ms: 100
    initial_backoff_ms: 250
    backoff_mult: 2.0
    max_backoff_ms: 10000
    max_attempts: 3
  paper:
    driver: "sim"
    currency: "USDT"
trading:
  max_position_pct: 0.1
  max_open_positions: 5
  max_leverage: 10
  reconcile_interval_ms: 2000
  paper_mode: true
`)

	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("BYBIT_MAIN_API_KEY")
	os.Unsetenv("DATA_DIR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.SQLitePath != "/tmp/gateway/gateway.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "/tmp/gateway/gateway.db")
	}

	// -- Server --
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Server.GRPCPort != 9090 {
		t.Errorf("Server.GRPCPort = %d, want %d", cfg.Server.GRPCPort, 9090)
	}

	// -- Brokers --
	b, ok := cfg.Brokers["bybit-main"]
	if !ok {
		t.Fatal("broker bybit-main missing")
	}
	if b.Driver != "bybit" {
		t.Errorf("Driver = %q, want bybit", b.Driver)
	}
	if b.APIKey != "test-key" {
		t.Errorf("APIKey = %q, want test-key", b.APIKey)
	}

	s := b.Settings()
	if s.MinInterval != 100*time.Millisecond {
		t.Errorf("MinInterval = %v, want 100ms", s.MinInterval)
	}
	if s.Resilience.InitialBackoff != 250*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 250ms", s.Resilience.InitialBackoff)
	}
	if s.Resilience.MaxBackoff != 10*time.Second {
		t.Errorf("MaxBackoff = %v, want 10s", s.Resilience.MaxBackoff)
	}
	if s.Resilience.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", s.Resilience.MaxAttempts)
	}

	// -- Trading --
	if cfg.Trading.MaxOpenPositions != 5 {
		t.Errorf("Trading.MaxOpenPositions = %d, want 5", cfg.Trading.MaxOpenPositions)
	}
	if got := cfg.Trading.ReconcileInterval(); got != 2*time.Second {
		t.Errorf("ReconcileInterval = %v, want 2s", got)
	}
	if !cfg.Trading.PaperMode {
		t.Error("Trading.PaperMode = false, want true")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeTemp(t, `
brokers:
  bybit-main:
    driver: "bybit"
    api_key: "yaml-key"
    api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	os.Setenv("BYBIT_MAIN_API_KEY", "env-key")
	os.Setenv("DATA_DIR", "/env/data")
	defer os.Unsetenv("BYBIT_MAIN_API_KEY")
	defer os.Unsetenv("DATA_DIR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	b := cfg.Brokers["bybit-main"]
	if b.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want %q (env override)", b.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if b.APISecret != "yaml-secret" {
		t.Errorf("APISecret = %q, want %q (from YAML)", b.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
}

func TestLoadRejectsDriverlessBroker(t *testing.T) {
	path := writeTemp(t, `
brokers:
  mystery:
    api_key: "k"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a broker without a driver, want error")
	}
}

func TestLoadRejectsLegacyWithoutAddr(t *testing.T) {
	path := writeTemp(t, `
brokers:
  floor:
    driver: "legacy"
    account: "acct-1"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a legacy broker without an addr, want error")
	}
}

func TestPaperModeForcesSimDriver(t *testing.T) {
	path := writeTemp(t, `
brokers:
  bybit-main:
    driver: "bybit"
    api_key: "k"
    currency: "USDT"
    margin: true
  kraken-spot:
    driver: "kraken"
trading:
  paper_mode: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	settings := cfg.BrokerSettings()
	for name, s := range settings {
		if s.Driver != "sim" {
			t.Errorf("%s Driver = %q, want sim in paper mode", name, s.Driver)
		}
		if s.Margin {
			t.Errorf("%s Margin = true, want off in paper mode", name)
		}
	}
	// The rest of the instance settings survive the driver swap.
	if got := settings["bybit-main"].Currency; got != "USDT" {
		t.Errorf("Currency = %q, want USDT", got)
	}

	// Without paper mode the configured drivers stand.
	cfg.Trading.PaperMode = false
	if got := cfg.BrokerSettings()["bybit-main"].Driver; got != "bybit" {
		t.Errorf("Driver = %q, want bybit with paper mode off", got)
	}
}

func TestReconcileIntervalDefault(t *testing.T) {
	var tr Trading
	if got := tr.ReconcileInterval(); got != 5*time.Second {
		t.Errorf("ReconcileInterval = %v, want default 5s", got)
	}
}
