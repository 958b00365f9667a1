// Package config provides environment-driven configuration for the
// validator binary, following the same Environment/validate-on-load
// shape as the rest of this codebase's ambient config layer.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Environment identifies the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

func (e Environment) valid() bool {
	switch e {
	case Development, Testing, Production:
		return true
	default:
		return false
	}
}

// Config holds every tunable named across SPEC_FULL.md. Durations use
// envdecode's native time.Duration parsing ("30s", "5m", ...).
type Config struct {
	Env Environment `env:"BASILICA_ENV,default=development"`

	HTTPAddr string `env:"BASILICA_HTTP_ADDR,default=:8080"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	DatabaseURL string `env:"BASILICA_DATABASE_URL"`
	RedisURL    string `env:"BASILICA_REDIS_URL"`

	// Signed-Request Auth (4.1)
	ClockSkew            time.Duration `env:"BASILICA_CLOCK_SKEW,default=5m"`
	NonceCacheMargin     time.Duration `env:"BASILICA_NONCE_MARGIN,default=1m"`
	RequireSignature     bool          `env:"BASILICA_REQUIRE_SIGNATURE,default=true"`
	MinerOwnerHotkey     string        `env:"BASILICA_MINER_OWNER_HOTKEY"`
	MinerHotkeyPublicKey string        `env:"BASILICA_MINER_HOTKEY_PUBLIC_KEY"` // hex-encoded ed25519 public key

	// SSH Session Manager (4.2)
	SSHConnectTimeout   time.Duration `env:"BASILICA_SSH_CONNECT_TIMEOUT,default=30s"`
	SSHExecuteTimeout   time.Duration `env:"BASILICA_SSH_EXECUTE_TIMEOUT,default=1h"`
	SSHTransferCapBytes int64         `env:"BASILICA_SSH_TRANSFER_CAP_BYTES,default=1073741824"`
	SSHSessionLifetime  time.Duration `env:"BASILICA_SSH_SESSION_LIFETIME,default=300s"`

	// Binary Attestation Runner (4.3)
	AttestationTimeout time.Duration `env:"BASILICA_ATTESTATION_TIMEOUT,default=2m"`
	BinaryWeight       float64       `env:"BASILICA_BINARY_WEIGHT,default=0.7"`
	BinaryEnabled      bool          `env:"BASILICA_BINARY_ENABLED,default=true"`
	ScoreThreshold     float64       `env:"BASILICA_SCORE_THRESHOLD,default=0.6"`

	// Docker Profiler (4.4)
	DockerProbeTimeout time.Duration `env:"BASILICA_DOCKER_PROBE_TIMEOUT,default=5s"`
	DockerPullTimeout  time.Duration `env:"BASILICA_DOCKER_PULL_TIMEOUT,default=120s"`
	DockerDinDTimeout  time.Duration `env:"BASILICA_DOCKER_DIND_TIMEOUT,default=30s"`
	DockerTestImage    string        `env:"BASILICA_DOCKER_TEST_IMAGE,default=hello-world"`

	// Validation Strategy Selector (4.6)
	ExecutorValidationInterval time.Duration `env:"BASILICA_EXECUTOR_VALIDATION_INTERVAL,default=4h"`

	// Verification Engine (4.7)
	MaxConsecutiveFailures int `env:"BASILICA_MAX_CONSECUTIVE_FAILURES,default=2"`

	// Verification Scheduler (4.8)
	FullValidationInterval  time.Duration `env:"BASILICA_FULL_INTERVAL,default=30m"`
	LightValidationInterval time.Duration `env:"BASILICA_LIGHT_INTERVAL,default=5m"`
	CleanupInterval         time.Duration `env:"BASILICA_CLEANUP_INTERVAL,default=15m"`
	ChallengeTimeout        time.Duration `env:"BASILICA_CHALLENGE_TIMEOUT,default=5m"`
	MaintenanceWindowCron   string        `env:"BASILICA_MAINTENANCE_CRON"`
	MaxConcurrentTasks      int           `env:"BASILICA_MAX_CONCURRENT_TASKS,default=16"`

	// Rental Manager (4.10)
	DefaultMaxDurationHours int `env:"BASILICA_DEFAULT_MAX_DURATION_HOURS,default=24"`

	// Billing Processor (4.12)
	BillingBatchSize    int           `env:"BASILICA_BILLING_BATCH_SIZE,default=100"`
	BillingInterval     time.Duration `env:"BASILICA_BILLING_INTERVAL,default=5s"`
	UsageEventRetention time.Duration `env:"BASILICA_USAGE_EVENT_RETENTION,default=720h"`
	PackageCatalogPath  string        `env:"BASILICA_PACKAGE_CATALOG_PATH"`

	// External HTTP API auth (section 6)
	JWTIssuer   string        `env:"BASILICA_JWT_ISSUER"`
	JWTAudience string        `env:"BASILICA_JWT_AUDIENCE"`
	JWKSTTL     time.Duration `env:"BASILICA_JWKS_TTL,default=1h"`

	// Discovery (4.5): both endpoints are placeholders for the
	// out-of-scope Bittensor chain RPC and miner gRPC boundaries.
	MetagraphURL                string  `env:"BASILICA_METAGRAPH_URL"`
	DiscoveryManifestRatePerSec float64 `env:"BASILICA_DISCOVERY_MANIFEST_RATE,default=10"`
	DiscoveryManifestBurst      int     `env:"BASILICA_DISCOVERY_MANIFEST_BURST,default=5"`
}

// Load reads a .env file if present (ignored if absent) and decodes
// environment variables into a Config, then validates it.
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort; absence is not an error

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field and range invariants the zero-value
// decode can't catch on its own.
func (c *Config) Validate() error {
	if !c.Env.valid() {
		return fmt.Errorf("invalid environment %q", c.Env)
	}
	if c.BinaryWeight < 0 || c.BinaryWeight > 1 {
		return fmt.Errorf("binary weight must be in [0,1], got %v", c.BinaryWeight)
	}
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		return fmt.Errorf("score threshold must be in [0,1], got %v", c.ScoreThreshold)
	}
	if c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("max consecutive failures must be >= 1")
	}
	if c.BillingBatchSize < 1 {
		return fmt.Errorf("billing batch size must be >= 1")
	}
	if c.Env == Production && c.DatabaseURL == "" {
		return fmt.Errorf("database URL is required in production")
	}
	return nil
}
