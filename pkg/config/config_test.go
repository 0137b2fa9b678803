package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside-labs/stevedore/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, config.DriverSQLite, cfg.Driver)
	assert.Equal(t, "tasks", cfg.TaskTopic)
	assert.Equal(t, "results", cfg.ResultTopic)
	assert.Equal(t, int64(10_000_000), cfg.BudgetLimitMicros)
	assert.Equal(t, config.PeriodDaily, cfg.BudgetPeriod)
	assert.Equal(t, 5*time.Minute, cfg.FoundationTTL)
	assert.False(t, cfg.TelemetryEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STEVEDORE_LOG_LEVEL", "debug")
	t.Setenv("STEVEDORE_DB_DRIVER", "postgres")
	t.Setenv("STEVEDORE_DB_URL", "postgres://bus:pw@db/stevedore")
	t.Setenv("STEVEDORE_BUDGET_LIMIT", "250.50")
	t.Setenv("STEVEDORE_BUDGET_PERIOD", "monthly")
	t.Setenv("STEVEDORE_FOUNDATION_TTL", "30s")
	t.Setenv("STEVEDORE_TELEMETRY", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, config.DriverPostgres, cfg.Driver)
	assert.Equal(t, "postgres://bus:pw@db/stevedore", cfg.DatabaseURL)
	assert.Equal(t, int64(250_500_000), cfg.BudgetLimitMicros)
	assert.Equal(t, config.PeriodMonthly, cfg.BudgetPeriod)
	assert.Equal(t, 30*time.Second, cfg.FoundationTTL)
	assert.True(t, cfg.TelemetryEnabled)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"STEVEDORE_DB_DRIVER":      "oracle",
		"STEVEDORE_BUDGET_LIMIT":   "-5.00",
		"STEVEDORE_BUDGET_PERIOD":  "weekly",
		"STEVEDORE_FOUNDATION_TTL": "soon",
		"STEVEDORE_TELEMETRY":      "maybe",
	}
	for env, val := range cases {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, val)
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
