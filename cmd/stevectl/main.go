// Command stevectl is the operator CLI: publish tasks, inspect queue depth,
// and review budget and spend against the same storage the daemon uses.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/quayside-labs/stevedore/pkg/budget"
	"github.com/quayside-labs/stevedore/pkg/bus"
	"github.com/quayside-labs/stevedore/pkg/config"
	"github.com/quayside-labs/stevedore/pkg/contracts"
	"github.com/quayside-labs/stevedore/pkg/costs"
)

const usage = `usage: stevectl <command> [flags]

commands:
  publish   enqueue a task on the task topic
  pending   show unacknowledged message counts
  budget    show budget state for the current period
  costs     summarize recorded spend
  sweep     expire messages past their TTL
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "stevectl:", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var cmdErr error
	switch args[0] {
	case "publish":
		cmdErr = cmdPublish(ctx, cfg, args[1:], stdout)
	case "pending":
		cmdErr = cmdPending(ctx, cfg, args[1:], stdout)
	case "budget":
		cmdErr = cmdBudget(ctx, cfg, stdout)
	case "costs":
		cmdErr = cmdCosts(ctx, cfg, args[1:], stdout)
	case "sweep":
		cmdErr = cmdSweep(ctx, cfg, stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "stevectl: unknown command %q\n", args[0])
		fmt.Fprint(stderr, usage)
		return 2
	}
	if cmdErr != nil {
		fmt.Fprintln(stderr, "stevectl:", cmdErr)
		return 1
	}
	return 0
}

func cmdPublish(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	id := fs.String("id", "", "task id (required)")
	taskType := fs.String("type", "", "task type (required)")
	desc := fs.String("desc", "", "task description (required)")
	priority := fs.Int("priority", 0, "priority, higher is served first")
	ttl := fs.Duration("ttl", 0, "optional expiry, e.g. 24h")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" || *taskType == "" || *desc == "" {
		return fmt.Errorf("publish requires -id, -type and -desc")
	}

	db, b, _, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	task := contracts.Task{ID: *id, Type: *taskType, Description: *desc, Priority: *priority}
	opts := []bus.PublishOption{bus.WithPriority(*priority)}
	if *ttl > 0 {
		opts = append(opts, bus.WithTTL(*ttl))
	}
	msgID, err := b.Publish(ctx, cfg.TaskTopic, task, opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "published %s (task %s, priority %d)\n", msgID, *id, *priority)
	return nil
}

func cmdPending(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	topic := fs.String("topic", "", "limit to one topic")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, b, _, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	topics := []string{cfg.TaskTopic, cfg.ResultTopic}
	if *topic != "" {
		topics = []string{*topic}
	}
	for _, tp := range topics {
		n, err := b.PendingCount(ctx, tp)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%-16s %d pending\n", tp, n)
	}
	return nil
}

func cmdBudget(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	db, _, ledger, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	periodFn := costs.DailyPeriod
	if cfg.BudgetPeriod == config.PeriodMonthly {
		periodFn = costs.MonthlyPeriod
	}
	enforcer := budget.NewEnforcer(ledger, cfg.BudgetLimitMicros, budget.WithPeriod(periodFn))
	state, err := enforcer.State(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "period  %s to %s\n",
		state.PeriodStart.Format(time.RFC3339), state.PeriodEnd.Format(time.RFC3339))
	fmt.Fprintf(stdout, "spent   %s of %s\n",
		costs.FormatUSD(state.SpentMicros), costs.FormatUSD(state.LimitMicros))
	fmt.Fprintf(stdout, "status  %s\n", state.Status)
	return nil
}

func cmdCosts(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("costs", flag.ContinueOnError)
	agent := fs.String("agent", "", "filter by delegate name")
	resource := fs.String("resource", "", "filter by resource class")
	since := fs.Duration("since", 0, "look back this far, e.g. 24h (default: everything)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, _, ledger, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	filter := costs.Filter{Agent: *agent, Resource: *resource}
	if *since > 0 {
		filter.Since = time.Now().UTC().Add(-*since)
	}
	summary, err := ledger.Summarize(ctx, filter)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "calls         %d\n", summary.CallCount)
	fmt.Fprintf(stdout, "total cost    %s\n", costs.FormatUSD(summary.TotalCostMicros))
	fmt.Fprintf(stdout, "success rate  %.1f%%\n", summary.SuccessRate*100)
	return nil
}

func cmdSweep(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	db, b, _, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := b.SweepExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "swept %d expired message(s)\n", n)
	return nil
}

func open(ctx context.Context, cfg *config.Config) (*sql.DB, *bus.Bus, costs.Ledger, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
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
		return db, bus.New(store), ledger, nil

	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
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
		return db, bus.New(store), ledger, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}
