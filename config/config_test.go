package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/yukyu/auth"
)

func clearYukyuEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"YUKYU_ENV", "PORT", "YUKYU_DB", "YUKYU_SIGNING_KEY", "YUKYU_SIGNING_KEY_ID",
		"YUKYU_TOKEN_TTL", "YUKYU_ALLOWED_ORIGINS", "YUKYU_ALLOW_PLAINTEXT_CREDENTIALS",
		"YUKYU_POLICY_FILE", "YUKYU_LOG_LEVEL", "YUKYU_RATE_AUTH",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoad_DevelopmentDefaults(t *testing.T) {
	// GIVEN: an empty environment
	// WHEN: loading
	// THEN: development defaults apply and a signing key is synthesized

	clearYukyuEnv(t)

	cfg, err := Load(zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.True(t, cfg.Development())
	assert.Equal(t, 8080, cfg.Port)
	assert.Len(t, cfg.SigningKey, auth.MinKeyBytes)
	assert.Equal(t, auth.DefaultTokenTTL, cfg.TokenTTL)
	assert.Equal(t, 21, cfg.Policy.PeriodStartDay)
	assert.Len(t, cfg.RateLimits, 5)
}

func TestLoad_ProductionRequiresKeyAndOrigins(t *testing.T) {
	// GIVEN: production mode without a signing key
	// WHEN: loading
	// THEN: boot fails; with key but no origins it still fails

	clearYukyuEnv(t)
	t.Setenv("YUKYU_ENV", EnvProduction)

	_, err := Load(zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YUKYU_SIGNING_KEY")

	t.Setenv("YUKYU_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	_, err = Load(zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YUKYU_ALLOWED_ORIGINS")

	t.Setenv("YUKYU_ALLOWED_ORIGINS", "https://hr.example.com, https://admin.example.com")
	cfg, err := Load(zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://hr.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
}

func TestLoad_PlaintextGateIsDevelopmentOnly(t *testing.T) {
	clearYukyuEnv(t)
	t.Setenv("YUKYU_ENV", EnvProduction)
	t.Setenv("YUKYU_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("YUKYU_ALLOWED_ORIGINS", "https://hr.example.com")
	t.Setenv("YUKYU_ALLOW_PLAINTEXT_CREDENTIALS", "true")

	_, err := Load(zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "development-only")
}

func TestLoad_PolicyOverlay(t *testing.T) {
	// GIVEN: a YAML overlay changing the retention horizon
	// WHEN: loading
	// THEN: overlaid values apply, untouched fields keep defaults

	clearYukyuEnv(t)
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ledger_retention_years: 5\nminimum_annual_use: 6\n"), 0o600))
	t.Setenv("YUKYU_POLICY_FILE", path)

	cfg, err := Load(zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Policy.LedgerRetentionYears)
	assert.Equal(t, 6, cfg.Policy.MinimumAnnualUse)
	assert.Equal(t, 40, cfg.Policy.MaxAccumulatedDays, "defaults survive the overlay")
}

func TestLoad_PolicyOverlayValidated(t *testing.T) {
	// GIVEN: an overlay that breaks the policy bounds
	// WHEN: loading
	// THEN: boot fails at validation

	clearYukyuEnv(t)
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_carry_over_years: 0\n"), 0o600))
	t.Setenv("YUKYU_POLICY_FILE", path)

	_, err := Load(zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fiscal policy")
}

func TestLoad_RateOverride(t *testing.T) {
	clearYukyuEnv(t)
	t.Setenv("YUKYU_RATE_AUTH", "10/120s")

	cfg, err := Load(zerolog.Nop())
	require.NoError(t, err)

	var found bool
	for _, b := range cfg.RateLimits {
		if b.Name == auth.BucketAuth {
			found = true
			assert.Equal(t, 10, b.Requests)
			assert.Equal(t, 2*time.Minute, b.Window)
		}
	}
	require.True(t, found)

	t.Setenv("YUKYU_RATE_AUTH", "nonsense")
	_, err = Load(zerolog.Nop())
	require.Error(t, err)
}
