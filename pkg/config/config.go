// Package config assembles daemon configuration from the environment. Every
// knob has a default suitable for local development; production deployments
// override through STEVEDORE_* variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quayside-labs/stevedore/pkg/costs"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Budget accounting periods.
const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

// Config is the resolved daemon configuration.
type Config struct {
	LogLevel slog.Level

	Driver      string // sqlite or postgres
	DatabaseURL string // file path for sqlite, DSN for postgres
	RedisAddr   string // optional shared foundation cache

	TaskTopic   string
	ResultTopic string

	BudgetLimitMicros int64
	BudgetPeriod      string // daily or monthly
	PlanConfigPath    string

	FoundationCommand string
	FoundationTimeout time.Duration
	FoundationTTL     time.Duration

	PollInterval    time.Duration
	DelegateTimeout time.Duration
	SweepInterval   time.Duration

	OTLPEndpoint     string
	TelemetryEnabled bool
	Environment      string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:          slog.LevelInfo,
		Driver:            DriverSQLite,
		DatabaseURL:       "stevedore.db",
		RedisAddr:         os.Getenv("STEVEDORE_REDIS_ADDR"),
		BudgetPeriod:      PeriodDaily,
		TaskTopic:         envOr("STEVEDORE_TASK_TOPIC", "tasks"),
		ResultTopic:       envOr("STEVEDORE_RESULT_TOPIC", "results"),
		PlanConfigPath:    envOr("STEVEDORE_PLAN_CONFIG", "plans.yaml"),
		FoundationCommand: envOr("STEVEDORE_FOUNDATION_CMD", "make test"),
		FoundationTimeout: 10 * time.Minute,
		FoundationTTL:     5 * time.Minute,
		PollInterval:      250 * time.Millisecond,
		DelegateTimeout:   5 * time.Minute,
		SweepInterval:     time.Minute,
		OTLPEndpoint:      envOr("STEVEDORE_OTLP_ENDPOINT", "localhost:4317"),
		Environment:       envOr("STEVEDORE_ENV", "development"),
	}

	if v := os.Getenv("STEVEDORE_LOG_LEVEL"); v != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("config: STEVEDORE_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if v := os.Getenv("STEVEDORE_DB_DRIVER"); v != "" {
		v = strings.ToLower(v)
		if v != DriverSQLite && v != DriverPostgres {
			return nil, fmt.Errorf("config: unknown STEVEDORE_DB_DRIVER %q", v)
		}
		cfg.Driver = v
	}
	if v := os.Getenv("STEVEDORE_DB_URL"); v != "" {
		cfg.DatabaseURL = v
	}

	limit := envOr("STEVEDORE_BUDGET_LIMIT", "10.00")
	micros, err := costs.ParseUSD(limit)
	if err != nil {
		return nil, fmt.Errorf("config: STEVEDORE_BUDGET_LIMIT: %w", err)
	}
	if micros <= 0 {
		return nil, fmt.Errorf("config: STEVEDORE_BUDGET_LIMIT must be positive, got %s", limit)
	}
	cfg.BudgetLimitMicros = micros

	if v := os.Getenv("STEVEDORE_BUDGET_PERIOD"); v != "" {
		v = strings.ToLower(v)
		if v != PeriodDaily && v != PeriodMonthly {
			return nil, fmt.Errorf("config: unknown STEVEDORE_BUDGET_PERIOD %q", v)
		}
		cfg.BudgetPeriod = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"STEVEDORE_FOUNDATION_TIMEOUT", &cfg.FoundationTimeout},
		{"STEVEDORE_FOUNDATION_TTL", &cfg.FoundationTTL},
		{"STEVEDORE_POLL_INTERVAL", &cfg.PollInterval},
		{"STEVEDORE_DELEGATE_TIMEOUT", &cfg.DelegateTimeout},
		{"STEVEDORE_SWEEP_INTERVAL", &cfg.SweepInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", d.env, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("config: %s must be positive", d.env)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("STEVEDORE_TELEMETRY"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: STEVEDORE_TELEMETRY: %w", err)
		}
		cfg.TelemetryEnabled = enabled
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
