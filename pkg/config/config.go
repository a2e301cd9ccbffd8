// Package config loads gatekeeper settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/gatekeeper/pkg/artifacts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/limiter"
	"github.com/Mindburn-Labs/gatekeeper/pkg/ssrf"
)

// Config holds server configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	// Secrets come from the environment only.
	SigningSecret string `yaml:"-"`
	OperatorJWT   string `yaml:"-"`
	// VaultMasterSecret, when set, derives the vault key instead of using
	// the keystore file.
	VaultMasterSecret string `yaml:"-"`
	JWTIssuer         string `yaml:"jwt_issuer"`

	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	SSRF           ssrf.Policy   `yaml:"ssrf"`

	SkillsLockPath  string `yaml:"skills_lock_path"`
	ReceiptIndexDSN string `yaml:"receipt_index_dsn"`
	VaultDSN        string `yaml:"vault_dsn"`
	KMSKeystorePath string `yaml:"kms_keystore_path"`

	RedisAddr string           `yaml:"redis_addr"`
	RateLimit limiter.Policy   `yaml:"rate_limit"`
	LockTTL   time.Duration    `yaml:"lock_ttl"`
	Tolerance int              `yaml:"confidence_tolerance"`
	Artifacts artifacts.Config `yaml:"artifacts"`
	Tools     []Tool           `yaml:"tools"`
	Sandbox   Sandbox          `yaml:"sandbox"`
	Telemetry Telemetry        `yaml:"telemetry"`
}

// Tool is one entry of the network tool allow-list.
type Tool struct {
	Name      string   `yaml:"name"`
	Schema    string   `yaml:"schema"`
	URLParams []string `yaml:"url_params"`
}

// Sandbox bounds WASI step modules.
type Sandbox struct {
	MemoryLimitBytes uint64        `yaml:"memory_limit_bytes"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Telemetry configures OpenTelemetry export.
type Telemetry struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	Environment string  `yaml:"environment"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:           "8080",
		LogLevel:       "INFO",
		DataDir:        "data",
		JWTIssuer:      "gatekeeper",
		WebhookTimeout: 10 * time.Second,
		SSRF:           ssrf.Policy{AllowedSchemes: []string{"https"}},
		RateLimit:      limiter.Policy{RPM: 120, Burst: 20},
		LockTTL:        5 * time.Minute,
		Tolerance:      0,
		Sandbox:        Sandbox{MemoryLimitBytes: 64 << 20, Timeout: 30 * time.Second},
		Telemetry:      Telemetry{Endpoint: "localhost:4317", SampleRate: 1.0, Environment: "development"},
	}
}

// Load reads the YAML file named by GATEKEEPER_CONFIG, if any, and applies
// environment overrides.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("GATEKEEPER_CONFIG"))
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillPaths()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATA_DIR", &c.DataDir)
	str("ACTION_SIGNING_SECRET", &c.SigningSecret)
	str("OPERATOR_JWT_SECRET", &c.OperatorJWT)
	str("VAULT_MASTER_SECRET", &c.VaultMasterSecret)
	str("WEBHOOK_URL", &c.WebhookURL)
	str("SKILLS_LOCK_PATH", &c.SkillsLockPath)
	str("RECEIPT_INDEX_DSN", &c.ReceiptIndexDSN)
	str("VAULT_DSN", &c.VaultDSN)
	str("KMS_KEYSTORE_PATH", &c.KMSKeystorePath)
	str("REDIS_ADDR", &c.RedisAddr)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	if v := os.Getenv("ARTIFACT_STORAGE_TYPE"); v != "" {
		c.Artifacts.Type = artifacts.StoreType(strings.ToLower(v))
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: OTEL_ENABLED: %w", err)
		}
		c.Telemetry.Enabled = b
	}
	if v := os.Getenv("CONFIDENCE_TOLERANCE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("config: CONFIDENCE_TOLERANCE must be a non-negative integer, got %q", v)
		}
		c.Tolerance = n
	}
	return nil
}

// fillPaths derives unset file locations from DataDir.
func (c *Config) fillPaths() {
	if c.SkillsLockPath == "" {
		c.SkillsLockPath = filepath.Join(c.DataDir, "skills.lock.yaml")
	}
	if c.KMSKeystorePath == "" {
		c.KMSKeystorePath = filepath.Join(c.DataDir, "keys", "keystore.json")
	}
	if c.Artifacts.Type == "" || c.Artifacts.Type == artifacts.StoreTypeFS {
		if c.Artifacts.Dir == "" {
			c.Artifacts.Dir = filepath.Join(c.DataDir, "artifacts")
		}
	}
}

// ApprovalsDir holds one JSON record per execution.
func (c *Config) ApprovalsDir() string { return filepath.Join(c.DataDir, "approvals") }

// ReceiptsPath is the NDJSON receipt log.
func (c *Config) ReceiptsPath() string { return filepath.Join(c.DataDir, "receipts", "receipts.ndjson") }

// BaselinesPath holds the confidence baselines.
func (c *Config) BaselinesPath() string { return filepath.Join(c.DataDir, "baselines.json") }

// LocksDir holds the file locks used when no Redis is configured.
func (c *Config) LocksDir() string { return filepath.Join(c.DataDir, "locks") }
