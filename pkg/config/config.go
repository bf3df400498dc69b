// Package config loads deployment configuration from a YAML file with
// environment variable overrides. Every field has a working default so a
// bare `chainpilot serve` comes up against a local sqlite ledger.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds deployment configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Database struct {
		Driver string `yaml:"driver"` // "sqlite" or "postgres"
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	Keystore struct {
		Dir           string `yaml:"dir"`
		KDFIterations int    `yaml:"kdf_iterations"`
	} `yaml:"keystore"`

	Chain struct {
		RPCURL      string `yaml:"rpc_url"`
		GasPriceWei string `yaml:"gas_price_wei"`
	} `yaml:"chain"`

	Controller struct {
		SecurityLevel  string        `yaml:"security_level"`
		ApprovalExpiry time.Duration `yaml:"approval_expiry"`
	} `yaml:"controller"`

	Session struct {
		TTL    time.Duration `yaml:"ttl"`
		Secret string        `yaml:"secret"`
	} `yaml:"session"`

	Reconciler struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"reconciler"`

	Telemetry struct {
		Enabled      bool   `yaml:"enabled"`
		OTLPEndpoint string `yaml:"otlp_endpoint"`
	} `yaml:"telemetry"`
}

// Default returns the development defaults.
func Default() *Config {
	cfg := &Config{LogLevel: "info"}
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "chainpilot.db"
	cfg.Keystore.Dir = "keystore"
	cfg.Keystore.KDFIterations = 100_000
	cfg.Chain.RPCURL = "http://localhost:8545"
	cfg.Chain.GasPriceWei = "1000000000"
	cfg.Controller.SecurityLevel = "moderate"
	cfg.Controller.ApprovalExpiry = 24 * time.Hour
	cfg.Session.TTL = time.Hour
	cfg.Reconciler.PollInterval = 10 * time.Second
	cfg.Telemetry.OTLPEndpoint = "localhost:4317"
	return cfg
}

// Load reads the YAML file at path (skipped when empty or absent) and then
// applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.LogLevel, "CHAINPILOT_LOG_LEVEL")
	setString(&c.Database.Driver, "CHAINPILOT_DB_DRIVER")
	setString(&c.Database.DSN, "CHAINPILOT_DB_DSN")
	setString(&c.Keystore.Dir, "CHAINPILOT_KEYSTORE_DIR")
	setInt(&c.Keystore.KDFIterations, "CHAINPILOT_KDF_ITERATIONS")
	setString(&c.Chain.RPCURL, "CHAINPILOT_RPC_URL")
	setString(&c.Chain.GasPriceWei, "CHAINPILOT_GAS_PRICE_WEI")
	setString(&c.Controller.SecurityLevel, "CHAINPILOT_SECURITY_LEVEL")
	setDuration(&c.Controller.ApprovalExpiry, "CHAINPILOT_APPROVAL_EXPIRY")
	setDuration(&c.Session.TTL, "CHAINPILOT_SESSION_TTL")
	setString(&c.Session.Secret, "CHAINPILOT_SESSION_SECRET")
	setDuration(&c.Reconciler.PollInterval, "CHAINPILOT_POLL_INTERVAL")
	if v := os.Getenv("CHAINPILOT_TELEMETRY"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	setString(&c.Telemetry.OTLPEndpoint, "CHAINPILOT_OTLP_ENDPOINT")
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	switch c.Controller.SecurityLevel {
	case "unrestricted", "moderate", "strict", "lockdown":
	default:
		return fmt.Errorf("config: unknown security level %q", c.Controller.SecurityLevel)
	}
	if c.Keystore.KDFIterations < 100_000 {
		return fmt.Errorf("config: kdf_iterations %d below minimum 100000", c.Keystore.KDFIterations)
	}
	if c.Controller.ApprovalExpiry <= 0 {
		return fmt.Errorf("config: approval_expiry must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
