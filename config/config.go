package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full terminal configuration. Secrets (API keys, JWT secret)
// never live in the YAML file — they come from the environment only.
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Custody  CustodyConfig  `yaml:"custody"`
	Relay    RelayConfig    `yaml:"relay"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Storage  StorageConfig  `yaml:"storage"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Balances BalancesConfig `yaml:"balances"`
	Log      LogConfig      `yaml:"log"`
}

// ChainConfig points at the Polygon RPC node.
type ChainConfig struct {
	RPCURL string `yaml:"rpc_url"`
}

// CustodyConfig configures the custody provider client. APIKey and JWTSecret
// are env-only: CUSTODY_API_KEY, CUSTODY_JWT_SECRET.
type CustodyConfig struct {
	BaseURL         string   `yaml:"base_url"`
	SessionSignerID string   `yaml:"session_signer_id"`
	Policies        []string `yaml:"policies"`

	APIKey    string `yaml:"-"`
	JWTSecret string `yaml:"-"`
}

// RelayConfig configures the meta-transaction relayer. APIKey is env-only:
// RELAY_API_KEY.
type RelayConfig struct {
	BaseURL            string `yaml:"base_url"`
	SafeFactory        string `yaml:"safe_factory"`
	SafeInitCodeHash   string `yaml:"safe_init_code_hash"`
	WaitTimeoutSeconds int    `yaml:"wait_timeout_seconds"`

	APIKey string `yaml:"-"`
}

// ExchangeConfig contains the CLOB API base URLs.
type ExchangeConfig struct {
	CLOBBase string `yaml:"clob_base"`
	DataBase string `yaml:"data_base"`
}

// StorageConfig controls where credentials and records are persisted.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// GatewayConfig controls the HTTP listeners.
type GatewayConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"` // empty disables the metrics listener
}

// BalancesConfig controls the balance synchronizer cadence.
type BalancesConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file and applies .env / environment overrides on top.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// RelayWaitTimeout returns the relay confirmation window as a duration.
func (c *Config) RelayWaitTimeout() time.Duration {
	return time.Duration(c.Relay.WaitTimeoutSeconds) * time.Second
}

// BalancesInterval returns the balance polling cadence as a duration.
func (c *Config) BalancesInterval() time.Duration {
	return time.Duration(c.Balances.IntervalSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHAIN_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	cfg.Custody.APIKey = os.Getenv("CUSTODY_API_KEY")
	cfg.Custody.JWTSecret = os.Getenv("CUSTODY_JWT_SECRET")
	cfg.Relay.APIKey = os.Getenv("RELAY_API_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Exchange.CLOBBase == "" {
		cfg.Exchange.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.Exchange.DataBase == "" {
		cfg.Exchange.DataBase = "https://data-api.polymarket.com"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polyterm.db"
	}
	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = ":8080"
	}
	if cfg.Relay.WaitTimeoutSeconds <= 0 {
		cfg.Relay.WaitTimeoutSeconds = 90
	}
	if cfg.Balances.IntervalSeconds <= 0 {
		cfg.Balances.IntervalSeconds = 15
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// validate rejects configs missing the endpoints nothing can run without.
func validate(cfg *Config) error {
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if cfg.Custody.BaseURL == "" {
		return fmt.Errorf("custody.base_url is required")
	}
	if cfg.Relay.BaseURL == "" {
		return fmt.Errorf("relay.base_url is required")
	}
	if cfg.Relay.SafeFactory == "" || cfg.Relay.SafeInitCodeHash == "" {
		return fmt.Errorf("relay.safe_factory and relay.safe_init_code_hash are required")
	}
	return nil
}
