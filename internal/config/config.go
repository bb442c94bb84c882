package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr    string              `yaml:"listen_addr"`
	DB            DBConfig            `yaml:"db"`
	SigningKey    SigningKeyConfig    `yaml:"signing_key"`
	Tokens        TokensConfig        `yaml:"tokens"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Merchants     map[string]string   `yaml:"merchants"`
	Evidence      EvidenceConfig      `yaml:"evidence"`
	Attestation   AttestationConfig   `yaml:"attestation"`
	Devices       DevicesConfig       `yaml:"devices"`
	ReplayBundles ReplayBundlesConfig `yaml:"replay_bundles"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type SigningKeyConfig struct {
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type TokensConfig struct {
	Issuer     string `yaml:"issuer"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type LedgerConfig struct {
	CodeVersion       string `yaml:"code_version"`
	ModelRef          string `yaml:"model_ref"`
	PromptRef         string `yaml:"prompt_ref"`
	CorpusSnapshotRef string `yaml:"corpus_snapshot_ref"`
}

type EvidenceConfig struct {
	CheckRemote bool `yaml:"check_remote"`
	TimeoutMS   int  `yaml:"timeout_ms"`
	MaxRetries  int  `yaml:"max_retries"`
}

type AttestationConfig struct {
	Platforms []PlatformConfig `yaml:"platforms"`
}

type PlatformConfig struct {
	Platform string `yaml:"platform"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	// PublicKey is a base64 encoded raw ed25519 key.
	PublicKey string `yaml:"public_key"`
	JWKSURL   string `yaml:"jwks_url"`
}

type DevicesConfig struct {
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

type ReplayBundlesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DevicesStore = "store"
	DevicesRedis = "redis"
)

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	switch c.DB.Driver {
	case "", DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver is set")
		}
	default:
		return fmt.Errorf("db.driver must be one of memory, sqlite, postgres: %q", c.DB.Driver)
	}

	if c.Tokens.TTLSeconds < 0 {
		return fmt.Errorf("tokens.ttl_seconds must not be negative")
	}
	if c.Ledger.CodeVersion != "" {
		if _, err := semver.StrictNewVersion(strings.TrimPrefix(c.Ledger.CodeVersion, "v")); err != nil {
			return fmt.Errorf("ledger.code_version must be a semantic version: %w", err)
		}
	}
	for key, merchantID := range c.Merchants {
		if key == "" || merchantID == "" {
			return fmt.Errorf("merchants entries need an api key and a merchant id")
		}
	}
	if c.Evidence.TimeoutMS < 0 || c.Evidence.MaxRetries < 0 {
		return fmt.Errorf("evidence.timeout_ms and evidence.max_retries must not be negative")
	}

	for i, p := range c.Attestation.Platforms {
		if p.Platform == "" {
			return fmt.Errorf("attestation.platforms[%d].platform is required", i)
		}
		if p.PublicKey == "" && p.JWKSURL == "" {
			return fmt.Errorf("attestation.platforms[%d] needs public_key or jwks_url", i)
		}
		if p.PublicKey != "" {
			if _, err := p.DecodePublicKey(); err != nil {
				return fmt.Errorf("attestation.platforms[%d].public_key: %w", i, err)
			}
		}
	}

	switch c.Devices.Backend {
	case "", DevicesStore:
	case DevicesRedis:
		if c.Devices.RedisAddr == "" {
			return fmt.Errorf("devices.redis_addr is required when devices.backend=redis")
		}
	default:
		return fmt.Errorf("devices.backend must be store or redis: %q", c.Devices.Backend)
	}

	if c.ReplayBundles.Enabled && c.ReplayBundles.Bucket == "" {
		return fmt.Errorf("replay_bundles.bucket is required when replay_bundles.enabled=true")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit.rps and rate_limit.burst must not be negative")
	}

	return nil
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Tokens.TTLSeconds) * time.Second
}

func (c Config) EvidenceTimeout() time.Duration {
	return time.Duration(c.Evidence.TimeoutMS) * time.Millisecond
}

// DecodePublicKey returns the raw key bytes. Standard and URL-safe base64 are
// both accepted.
func (p PlatformConfig) DecodePublicKey() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid base64")
		}
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("expected 32 byte ed25519 key, got %d", len(raw))
	}
	return raw, nil
}
