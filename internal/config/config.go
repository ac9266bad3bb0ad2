package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DBDriver string
	DBSource string
	Port     string
	Env      string

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	RedisAddr     string
	RedisPassword string

	ClaimSigningKey    string
	CallbackSigningKey string

	OTLPEndpoint string

	Policy Policy
}

// Policy holds the tunable settlement rules.
type Policy struct {
	ExactWindow           time.Duration   `yaml:"exact_window"`
	FlexibleWindows       []time.Duration `yaml:"flexible_windows"`
	SplitHardCap          int             `yaml:"split_hard_cap"`
	SplitSoftThreshold    int             `yaml:"split_soft_threshold"`
	UsageIndexThreshold   int             `yaml:"usage_index_threshold"`
	UsageWindow           time.Duration   `yaml:"usage_window"`
	MaxMatchAttempts      int             `yaml:"max_match_attempts"`
	LivenessGate          bool            `yaml:"liveness_gate"`
	PayinTimeout          time.Duration   `yaml:"payin_timeout"`
	SweepInterval         time.Duration   `yaml:"sweep_interval"`
	ReassignmentMaxAge    time.Duration   `yaml:"reassignment_max_age"`
	ClaimTTL              time.Duration   `yaml:"claim_ttl"`
	ClaimInFlightTimeout  time.Duration   `yaml:"claim_in_flight_timeout"`
	BalanceEpsilon        int64           `yaml:"balance_epsilon"`
	CallbackMaxAttempts   int             `yaml:"callback_max_attempts"`
	CallbackRatePerSecond float64         `yaml:"callback_rate_per_second"`
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		ExactWindow:           30 * time.Minute,
		FlexibleWindows:       []time.Duration{15 * time.Minute, 30 * time.Minute, 60 * time.Minute},
		SplitHardCap:          5,
		SplitSoftThreshold:    4,
		UsageIndexThreshold:   5,
		UsageWindow:           60 * time.Minute,
		MaxMatchAttempts:      3,
		LivenessGate:          true,
		PayinTimeout:          15 * time.Minute,
		SweepInterval:         5 * time.Minute,
		ReassignmentMaxAge:    60 * time.Minute,
		ClaimTTL:              30 * time.Minute,
		ClaimInFlightTimeout:  2 * time.Minute,
		BalanceEpsilon:        1,
		CallbackMaxAttempts:   8,
		CallbackRatePerSecond: 20,
	}
}

// Validate rejects policies that would break ledger invariants.
func (p Policy) Validate() error {
	if p.SplitHardCap <= 0 {
		return fmt.Errorf("split_hard_cap must be positive")
	}
	if p.SplitSoftThreshold <= 0 || p.SplitSoftThreshold > p.SplitHardCap {
		return fmt.Errorf("split_soft_threshold must be in (0, split_hard_cap]")
	}
	if p.ExactWindow <= 0 || p.PayinTimeout <= 0 || p.SweepInterval <= 0 || p.ClaimInFlightTimeout <= 0 {
		return fmt.Errorf("windows and intervals must be positive")
	}
	if len(p.FlexibleWindows) == 0 {
		return fmt.Errorf("at least one flexible window is required")
	}
	for i := 1; i < len(p.FlexibleWindows); i++ {
		if p.FlexibleWindows[i] < p.FlexibleWindows[i-1] {
			return fmt.Errorf("flexible_windows must widen progressively")
		}
	}
	if p.MaxMatchAttempts <= 0 {
		return fmt.Errorf("max_match_attempts must be positive")
	}
	if p.BalanceEpsilon < 0 {
		return fmt.Errorf("balance_epsilon must not be negative")
	}
	return nil
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBDriver:           getenv("DB_DRIVER", "postgres"),
		DBSource:           dbSource,
		Port:               getenv("SERVER_PORT", "8080"),
		Env:                getenv("ENVIRONMENT", "development"),
		LogLevel:           getenv("LOG_LEVEL", "info"),
		LogFile:            os.Getenv("LOG_FILE"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		ClaimSigningKey:    os.Getenv("CLAIM_SIGNING_KEY"),
		CallbackSigningKey: os.Getenv("CALLBACK_SIGNING_KEY"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Policy:             DefaultPolicy(),
	}
	if cfg.DBDriver != "postgres" && cfg.DBDriver != "sqlite" {
		return nil, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", cfg.DBDriver)
	}
	if len(cfg.ClaimSigningKey) < 32 {
		return nil, fmt.Errorf("CLAIM_SIGNING_KEY must be at least 32 bytes")
	}

	var err error
	if cfg.LogMaxSizeMB, err = getenvInt("LOG_MAX_SIZE_MB", 100); err != nil {
		return nil, err
	}
	if cfg.LogMaxBackups, err = getenvInt("LOG_MAX_BACKUPS", 5); err != nil {
		return nil, err
	}

	if path := os.Getenv("POLICY_FILE"); path != "" {
		if err := loadPolicyFile(path, &cfg.Policy); err != nil {
			return nil, err
		}
	}
	if err := applyPolicyEnv(&cfg.Policy); err != nil {
		return nil, err
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return cfg, nil
}

// loadPolicyFile overlays YAML values on top of p; absent keys keep their defaults.
func loadPolicyFile(path string, p *Policy) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	return nil
}

func applyPolicyEnv(p *Policy) error {
	durations := map[string]*time.Duration{
		"POLICY_EXACT_WINDOW":         &p.ExactWindow,
		"POLICY_USAGE_WINDOW":         &p.UsageWindow,
		"POLICY_PAYIN_TIMEOUT":        &p.PayinTimeout,
		"POLICY_SWEEP_INTERVAL":       &p.SweepInterval,
		"POLICY_REASSIGNMENT_MAX_AGE": &p.ReassignmentMaxAge,
		"POLICY_CLAIM_TTL":            &p.ClaimTTL,
		"POLICY_CLAIM_INFLIGHT":       &p.ClaimInFlightTimeout,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"POLICY_SPLIT_HARD_CAP":        &p.SplitHardCap,
		"POLICY_SPLIT_SOFT_THRESHOLD":  &p.SplitSoftThreshold,
		"POLICY_USAGE_INDEX_THRESHOLD": &p.UsageIndexThreshold,
		"POLICY_MAX_MATCH_ATTEMPTS":    &p.MaxMatchAttempts,
		"POLICY_CALLBACK_MAX_ATTEMPTS": &p.CallbackMaxAttempts,
	}
	for key, dst := range ints {
		n, err := getenvInt(key, *dst)
		if err != nil {
			return err
		}
		*dst = n
	}

	if v := os.Getenv("POLICY_LIVENESS_GATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("POLICY_LIVENESS_GATE: %w", err)
		}
		p.LivenessGate = b
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
