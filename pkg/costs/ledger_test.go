package costs_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside-labs/stevedore/pkg/costs"
)

func openSQLiteLedger(t *testing.T) *costs.SQLiteLedger {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "costs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ledger, err := costs.NewSQLiteLedger(db)
	require.NoError(t, err)
	return ledger
}

func testLedgers(t *testing.T) map[string]costs.Ledger {
	return map[string]costs.Ledger{
		"memory": costs.NewMemoryLedger(),
		"sqlite": openSQLiteLedger(t),
	}
}

func TestLedger_RecordAndSummarize(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, ledger := range testLedgers(t) {
		ctx := context.Background()
		entries := []costs.Entry{
			{Timestamp: base, Agent: "writer", Resource: "model-large", UnitsIn: 1000, UnitsOut: 500, CostMicros: 4_500_000, Success: true, TaskID: "t1"},
			{Timestamp: base.Add(time.Minute), Agent: "reviewer", Resource: "model-small", UnitsIn: 2000, UnitsOut: 100, CostMicros: 2_100_000, Success: true, TaskID: "t1"},
			{Timestamp: base.Add(2 * time.Minute), Agent: "writer", Resource: "model-large", UnitsIn: 500, UnitsOut: 0, CostMicros: 1_500_000, Success: false, TaskID: "t2"},
		}
		for _, e := range entries {
			require.NoError(t, ledger.Record(ctx, e), name)
		}

		s, err := ledger.Summarize(ctx, costs.Filter{})
		require.NoError(t, err, name)
		assert.Equal(t, int64(8_100_000), s.TotalCostMicros, name)
		assert.Equal(t, int64(3), s.CallCount, name)
		assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9, name)

		s, err = ledger.Summarize(ctx, costs.Filter{Agent: "writer"})
		require.NoError(t, err, name)
		assert.Equal(t, int64(6_000_000), s.TotalCostMicros, name)
		assert.Equal(t, int64(2), s.CallCount, name)
		assert.InDelta(t, 0.5, s.SuccessRate, 1e-9, name)

		s, err = ledger.Summarize(ctx, costs.Filter{Resource: "model-small"})
		require.NoError(t, err, name)
		assert.Equal(t, int64(1), s.CallCount, name)

		s, err = ledger.Summarize(ctx, costs.Filter{Since: base.Add(time.Minute), Until: base.Add(2 * time.Minute)})
		require.NoError(t, err, name)
		assert.Equal(t, int64(1), s.CallCount, name)
		assert.Equal(t, int64(2_100_000), s.TotalCostMicros, name)
	}
}

func TestLedger_EmptySummary(t *testing.T) {
	for name, ledger := range testLedgers(t) {
		s, err := ledger.Summarize(context.Background(), costs.Filter{Agent: "nobody"})
		require.NoError(t, err, name)
		assert.Equal(t, int64(0), s.TotalCostMicros, name)
		assert.Equal(t, int64(0), s.CallCount, name)
		assert.Equal(t, 0.0, s.SuccessRate, name)
	}
}

func TestLedger_RejectsInvalidEntries(t *testing.T) {
	ledger := costs.NewMemoryLedger()
	ctx := context.Background()

	err := ledger.Record(ctx, costs.Entry{Timestamp: time.Now()})
	assert.ErrorIs(t, err, costs.ErrEmptyAgent)

	err = ledger.Record(ctx, costs.Entry{Timestamp: time.Now(), Agent: "w", UnitsIn: -1})
	assert.ErrorIs(t, err, costs.ErrNegativeUnits)
}

func TestLedger_ExactSummation(t *testing.T) {
	// Repeated summation of odd micro amounts must be exact.
	ledger := openSQLiteLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	const per = int64(3) // 3 micro-dollars per entry
	for i := 0; i < 2000; i++ {
		require.NoError(t, ledger.Record(ctx, costs.Entry{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Agent:     "writer", CostMicros: per, Success: true,
		}))
	}
	s, err := ledger.Summarize(ctx, costs.Filter{})
	require.NoError(t, err)
	assert.Equal(t, per*2000, s.TotalCostMicros)
}

func TestRateTable_Cost(t *testing.T) {
	table := costs.NewRateTable(map[string]costs.Rate{
		"model-large": {InputMicros: 3, OutputMicros: 15},
	}, costs.Rate{InputMicros: 1, OutputMicros: 2})

	assert.Equal(t, int64(3*1000+15*200), table.Cost("model-large", 1000, 200))
	// unknown resources fall back to the default rate
	assert.Equal(t, int64(1000+2*200), table.Cost("mystery", 1000, 200))
	// deterministic: same inputs, same cost
	assert.Equal(t, table.Cost("model-large", 42, 7), table.Cost("model-large", 42, 7))
}

func TestParseUSD(t *testing.T) {
	cases := map[string]int64{
		"10.01":   10_010_000,
		"$25":     25_000_000,
		"0.000003": 3,
		"0":       0,
		"-1.50":   -1_500_000,
	}
	for in, want := range cases {
		got, err := costs.ParseUSD(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "ten", "1.2.3", "1.0000001"} {
		_, err := costs.ParseUSD(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatUSD(t *testing.T) {
	assert.Equal(t, "$10.0100", costs.FormatUSD(10_010_000))
	assert.Equal(t, "$0.0000", costs.FormatUSD(0))
	assert.Equal(t, "-$1.5000", costs.FormatUSD(-1_500_000))
}
