package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		// no-op; envdecode reads directly from os.Getenv so individual
		// tests just set what they need and rely on defaults otherwise.
		_ = kv
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("BASILICA_ENV")
	os.Unsetenv("BASILICA_DATABASE_URL")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Development, cfg.Env)
	assert.Equal(t, 0.7, cfg.BinaryWeight)
	assert.Equal(t, 2, cfg.MaxConsecutiveFailures)
}

func TestValidateRejectsBadWeight(t *testing.T) {
	cfg := Config{Env: Development, BinaryWeight: 1.5, ScoreThreshold: 0.5, MaxConsecutiveFailures: 1, BillingBatchSize: 1}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRequiresDatabaseInProduction(t *testing.T) {
	cfg := Config{Env: Production, BinaryWeight: 0.5, ScoreThreshold: 0.5, MaxConsecutiveFailures: 1, BillingBatchSize: 1}
	err := cfg.Validate()
	assert.Error(t, err)

	cfg.DatabaseURL = "postgres://localhost/basilica"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownEnvironment(t *testing.T) {
	cfg := Config{Env: "staging", BinaryWeight: 0.5, ScoreThreshold: 0.5, MaxConsecutiveFailures: 1, BillingBatchSize: 1}
	assert.Error(t, cfg.Validate())
}
