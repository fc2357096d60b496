// Package config loads runtime configuration from the environment, an
// optional .env file, and an optional YAML fiscal-policy overlay.
//
// Precedence: process environment > .env file > defaults. The fiscal policy
// starts from the statutory defaults and is overlaid by the YAML file named
// in YUKYU_POLICY_FILE; the merged policy is validated before boot proceeds.
//
// Secrets discipline: in any environment other than development the signing
// key must be present and at least 32 bytes, and the plaintext-credential
// gate must be off. Development synthesizes a random key with a warning so
// local startup needs no setup.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/warp/yukyu/auth"
	"github.com/warp/yukyu/fiscal"
)

// Environment names. Anything that is not development counts as hardened.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config is the assembled runtime configuration.
type Config struct {
	Env       string
	Port      int
	DBPath    string
	BackupDir string

	SigningKey   []byte
	SigningKeyID string
	TokenTTL     time.Duration

	AllowedOrigins []string
	AllowPlaintext bool

	Policy     fiscal.FiscalPolicy
	RateLimits []auth.BucketConfig

	LogLevel zerolog.Level
}

// Development reports whether relaxed development behavior is active.
func (c *Config) Development() bool { return c.Env == EnvDevelopment }

// Load assembles configuration. A missing .env file is fine; a present but
// unreadable one is not.
func Load(log zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	cfg := &Config{
		Env:          envOr("YUKYU_ENV", EnvDevelopment),
		Port:         8080,
		DBPath:       envOr("YUKYU_DB", "yukyu.db"),
		BackupDir:    envOr("YUKYU_BACKUP_DIR", "backups"),
		SigningKeyID: envOr("YUKYU_SIGNING_KEY_ID", "v1"),
		TokenTTL:     auth.DefaultTokenTTL,
		Policy:       fiscal.DefaultPolicy(),
		LogLevel:     zerolog.InfoLevel,
	}

	switch cfg.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return nil, fmt.Errorf("unknown YUKYU_ENV %q", cfg.Env)
	}

	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = p
	}

	if v := os.Getenv("YUKYU_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid YUKYU_TOKEN_TTL %q", v)
		}
		cfg.TokenTTL = d
	}

	if v := os.Getenv("YUKYU_LOG_LEVEL"); v != "" {
		lvl, err := zerolog.ParseLevel(v)
		if err != nil {
			return nil, fmt.Errorf("invalid YUKYU_LOG_LEVEL %q", v)
		}
		cfg.LogLevel = lvl
	}

	if err := cfg.loadSigningKey(log); err != nil {
		return nil, err
	}
	if err := cfg.loadOrigins(); err != nil {
		return nil, err
	}
	if err := cfg.loadPlaintextGate(); err != nil {
		return nil, err
	}
	if err := cfg.loadPolicy(); err != nil {
		return nil, err
	}
	if err := cfg.loadRateLimits(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadSigningKey(log zerolog.Logger) error {
	key := os.Getenv("YUKYU_SIGNING_KEY")
	if len(key) >= auth.MinKeyBytes {
		c.SigningKey = []byte(key)
		return nil
	}
	if !c.Development() {
		return fmt.Errorf("YUKYU_SIGNING_KEY must be at least %d bytes in %s", auth.MinKeyBytes, c.Env)
	}
	buf := make([]byte, auth.MinKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("synthesize signing key: %w", err)
	}
	c.SigningKey = buf
	log.Warn().Msg("no signing key configured; synthesized a random development key, tokens will not survive restarts")
	return nil
}

func (c *Config) loadOrigins() error {
	raw := os.Getenv("YUKYU_ALLOWED_ORIGINS")
	if raw == "" {
		if c.Development() {
			c.AllowedOrigins = []string{"http://localhost:3000"}
			return nil
		}
		return fmt.Errorf("YUKYU_ALLOWED_ORIGINS is required in %s", c.Env)
	}
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.AllowedOrigins = append(c.AllowedOrigins, o)
		}
	}
	return nil
}

func (c *Config) loadPlaintextGate() error {
	v := os.Getenv("YUKYU_ALLOW_PLAINTEXT_CREDENTIALS")
	if v == "" {
		return nil
	}
	on, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid YUKYU_ALLOW_PLAINTEXT_CREDENTIALS %q", v)
	}
	if on && !c.Development() {
		return fmt.Errorf("YUKYU_ALLOW_PLAINTEXT_CREDENTIALS is development-only")
	}
	c.AllowPlaintext = on
	return nil
}

// loadPolicy overlays the YAML file, if named, onto the statutory defaults
// and validates the result.
func (c *Config) loadPolicy() error {
	if path := os.Getenv("YUKYU_POLICY_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &c.Policy); err != nil {
			return fmt.Errorf("parse policy file %s: %w", path, err)
		}
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("fiscal policy: %w", err)
	}
	return nil
}

// loadRateLimits applies per-bucket overrides of the form "count/window",
// e.g. YUKYU_RATE_AUTH=10/120s.
func (c *Config) loadRateLimits() error {
	c.RateLimits = auth.DefaultBucketConfigs()
	for i := range c.RateLimits {
		envName := "YUKYU_RATE_" + strings.ToUpper(c.RateLimits[i].Name)
		v := os.Getenv(envName)
		if v == "" {
			continue
		}
		requests, window, err := parseRateOverride(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envName, err)
		}
		c.RateLimits[i].Requests = requests
		c.RateLimits[i].Window = window
	}
	return nil
}

func parseRateOverride(v string) (int, time.Duration, error) {
	count, window, ok := strings.Cut(v, "/")
	if !ok {
		return 0, 0, fmt.Errorf("want count/window, got %q", v)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("invalid count %q", count)
	}
	d, err := time.ParseDuration(strings.TrimSpace(window))
	if err != nil || d <= 0 {
		return 0, 0, fmt.Errorf("invalid window %q", window)
	}
	return n, d, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
