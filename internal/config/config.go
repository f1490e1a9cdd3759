package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/broker"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/resilience"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the gateway.
type Config struct {
	Storage Storage           `yaml:"storage"`
	Server  Server            `yaml:"server"`
	Logging Logging           `yaml:"logging"`
	Brokers map[string]Broker `yaml:"brokers"`
	Trading Trading           `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	ArchiveDir string `yaml:"archive_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Broker configures one adapter instance. Durations are expressed in
// milliseconds so they stay plain YAML integers.
type Broker struct {
	Driver      string `yaml:"driver"`
	Environment string `yaml:"environment"`

	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	WSURL     string `yaml:"ws_url"`
	Addr      string `yaml:"addr"`
	Account   string `yaml:"account"`
	Token     string `yaml:"token"`

	Currency string `yaml:"currency"`
	Margin   bool   `yaml:"margin"`

	MaxConcurrent    int     `yaml:"max_concurrent"`
	MinIntervalMs    int     `yaml:"min_interval_ms"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms"`
	BackoffMult      float64 `yaml:"backoff_mult"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms"`
	MaxAttempts      int     `yaml:"max_attempts"`
}

// Trading defines risk and execution parameters.
type Trading struct {
	MaxPositionPct      float64 `yaml:"max_position_pct"`
	MaxOpenPositions    int     `yaml:"max_open_positions"`
	MaxLeverage         float64 `yaml:"max_leverage"`
	ReconcileIntervalMs int     `yaml:"reconcile_interval_ms"`
	PaperMode           bool    `yaml:"paper_mode"`
}

// Settings converts the YAML form into the broker package's runtime
// settings.
func (b Broker) Settings() broker.Settings {
	return broker.Settings{
		Driver:        b.Driver,
		Environment:   b.Environment,
		APIKey:        b.APIKey,
		APISecret:     b.APISecret,
		BaseURL:       b.BaseURL,
		WSURL:         b.WSURL,
		Addr:          b.Addr,
		Account:       b.Account,
		Token:         b.Token,
		Currency:      b.Currency,
		Margin:        b.Margin,
		MaxConcurrent: b.MaxConcurrent,
		MinInterval:   time.Duration(b.MinIntervalMs) * time.Millisecond,
		Resilience: resilience.Config{
			InitialBackoff: time.Duration(b.InitialBackoffMs) * time.Millisecond,
			Multiplier:     b.BackoffMult,
			MaxBackoff:     time.Duration(b.MaxBackoffMs) * time.Millisecond,
			MaxAttempts:    b.MaxAttempts,
		},
	}
}

// BrokerSettings returns the runtime settings for every configured broker
// instance. With trading.paper_mode set, each instance runs on the sim
// driver so no live venue is ever touched.
func (c *Config) BrokerSettings() map[string]broker.Settings {
	out := make(map[string]broker.Settings, len(c.Brokers))
	for name, b := range c.Brokers {
		s := b.Settings()
		if c.Trading.PaperMode {
			s.Driver = "sim"
			s.Margin = false
		}
		out[name] = s
	}
	return out
}

// ReconcileInterval returns the order reconciliation polling interval,
// defaulting to 5s.
func (t Trading) ReconcileInterval() time.Duration {
	if t.ReconcileIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(t.ReconcileIntervalMs) * time.Millisecond
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for name, b := range c.Brokers {
		if b.Driver == "" {
			return fmt.Errorf("config: broker %q has no driver", name)
		}
		if b.Driver == "legacy" && b.Addr == "" {
			return fmt.Errorf("config: broker %q (legacy) has no addr", name)
		}
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set. Broker credentials
// use the instance name uppercased, e.g. BYBIT_MAIN_API_KEY for the
// "bybit-main" instance.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	for name, b := range cfg.Brokers {
		prefix := envPrefix(name)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			b.APIKey = v
		}
		if v := os.Getenv(prefix + "_API_SECRET"); v != "" {
			b.APISecret = v
		}
		if v := os.Getenv(prefix + "_TOKEN"); v != "" {
			b.Token = v
		}
		cfg.Brokers[name] = b
	}

	// Standard Alpaca env vars (canonical names used by the SDK) apply to
	// every alpaca-driver instance without per-instance values.
	apcaKey := os.Getenv("APCA_API_KEY_ID")
	apcaSecret := os.Getenv("APCA_API_SECRET_KEY")
	if apcaKey != "" || apcaSecret != "" {
		for name, b := range cfg.Brokers {
			if b.Driver != "alpaca" {
				continue
			}
			if apcaKey != "" && b.APIKey == "" {
				b.APIKey = apcaKey
			}
			if apcaSecret != "" && b.APISecret == "" {
				b.APISecret = apcaSecret
			}
			cfg.Brokers[name] = b
		}
	}
}

// envPrefix maps an instance name onto its env var prefix: uppercase with
// dashes and dots replaced by underscores.
func envPrefix(name string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return strings.ToUpper(r.Replace(name))
}
