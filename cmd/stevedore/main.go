// Command stevedore runs the coordination daemon: it drains the task topic,
// dispatches delegates per the plan configuration, and publishes execution
// reports, under foundation and budget gates.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quayside-labs/stevedore/pkg/budget"
	"github.com/quayside-labs/stevedore/pkg/bus"
	"github.com/quayside-labs/stevedore/pkg/config"
	"github.com/quayside-labs/stevedore/pkg/coordinator"
	"github.com/quayside-labs/stevedore/pkg/costs"
	"github.com/quayside-labs/stevedore/pkg/foundation"
	"github.com/quayside-labs/stevedore/pkg/observability"
	"github.com/quayside-labs/stevedore/pkg/plan"
)

const (
	exitOK = iota
	exitError
	exitBudget
)

func main() {
	os.Exit(run(os.Stdout, os.Stderr))
}

func run(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "stevedore:", err)
		return exitError
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			fmt.Fprintln(stderr, "stevedore:", err)
			return exitBudget
		}
		fmt.Fprintln(stderr, "stevedore:", err)
		return exitError
	}
	return exitOK
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, busStore, ledger, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	planFile, err := plan.LoadFile(cfg.PlanConfigPath)
	if err != nil {
		return err
	}
	planner, err := plan.NewPlanner(planFile.Plans, planFile.DefaultDelegate, logger)
	if err != nil {
		return err
	}

	registry := coordinator.NewRegistry()
	for name, dc := range planFile.Delegates {
		delegate, err := coordinator.NewExecDelegate(dc.Command)
		if err != nil {
			return fmt.Errorf("delegate %q: %w", name, err)
		}
		var d coordinator.Delegate = delegate
		if dc.TimeoutSeconds > 0 {
			d = boundedDelegate{delegate, time.Duration(dc.TimeoutSeconds) * time.Second}
		}
		if err := registry.Register(name, dc.Resource, d); err != nil {
			return err
		}
	}

	verifierOpts := []foundation.VerifierOption{
		foundation.WithTTL(cfg.FoundationTTL),
		foundation.WithTimeout(cfg.FoundationTimeout),
		foundation.WithVerifierLogger(logger),
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		verifierOpts = append(verifierOpts,
			foundation.WithCache(foundation.NewRedisCache(client, "", 2*cfg.FoundationTTL)))
	}
	verifier := foundation.NewVerifier(
		&foundation.CommandRunner{Command: cfg.FoundationCommand}, verifierOpts...)

	enforcer := budget.NewEnforcer(ledger, cfg.BudgetLimitMicros,
		budget.WithPeriod(budgetPeriod(cfg)),
		budget.WithLogger(logger))

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "stevedore",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	b := bus.New(busStore, bus.WithLogger(logger), bus.WithPollInterval(cfg.PollInterval))

	rates := costs.NewRateTable(planFile.Rates, planFile.DefaultRate)
	coord := coordinator.New(b, cfg.TaskTopic, cfg.ResultTopic, planner, registry,
		verifier, enforcer, ledger, rates,
		coordinator.WithLogger(logger),
		coordinator.WithObservability(obs),
		coordinator.WithDelegateTimeout(cfg.DelegateTimeout))
	enforcer.OnExceeded(func(*budget.ExceededError) { coord.Stop() })

	go housekeeping(ctx, b, enforcer, cfg.SweepInterval, logger)

	logger.Info("stevedore starting",
		"driver", cfg.Driver,
		"task_topic", cfg.TaskTopic,
		"result_topic", cfg.ResultTopic,
		"budget_limit", costs.FormatUSD(cfg.BudgetLimitMicros))
	return coord.Run(ctx)
}

func budgetPeriod(cfg *config.Config) func(time.Time) costs.Period {
	if cfg.BudgetPeriod == config.PeriodMonthly {
		return costs.MonthlyPeriod
	}
	return costs.DailyPeriod
}

// boundedDelegate applies a per-delegate timeout on top of the global one.
type boundedDelegate struct {
	inner   coordinator.Delegate
	timeout time.Duration
}

func (d boundedDelegate) Handle(ctx context.Context, inv plan.Invocation) (*coordinator.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.inner.Handle(ctx, inv)
}

// housekeeping sweeps expired messages and surfaces budget threshold alerts
// even while the queue is idle. Alert dedup lives in the enforcer, so this
// never double-fires with the per-task check.
func housekeeping(ctx context.Context, b *bus.Bus, enforcer *budget.Enforcer, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("expiry sweep failed", "error", err)
			}
			alerts, err := enforcer.CheckAlerts(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("budget alert check failed", "error", err)
				}
				continue
			}
			for _, a := range alerts {
				logger.Warn(a.String())
			}
		}
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (*sql.DB, bus.Store, costs.Ledger, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		// a single writer keeps sqlite happy under concurrent topics
		db.SetMaxOpenConns(1)
		store, err := bus.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		ledger, err := costs.NewSQLiteLedger(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return db, store, ledger, nil

	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		store := bus.NewPostgresStore(db)
		if err := store.Init(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		ledger := costs.NewPostgresLedger(db)
		if err := ledger.Init(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return db, store, ledger, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}
