// Command pgdrill is a TPC-B-like PostgreSQL benchmarking driver modeled
// after pgbench: it runs a configurable number of simulated clients across
// a worker pool, each replaying a script of SQL and meta-commands, and
// reports transaction throughput and latency.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relbench/pgdrill/internal/config"
	"github.com/relbench/pgdrill/internal/coordinator"
	"github.com/relbench/pgdrill/internal/logging"
	"github.com/relbench/pgdrill/internal/schema"
)

var cfg config.Config

var scriptFiles []string
var defines []string
var txnCount int64
var durationS int64
var aggregateIntervalS int64

var rootCmd = &cobra.Command{
	Use:     "pgdrill",
	Short:   "A TPC-B-like PostgreSQL benchmarking driver",
	Version: "0.1.0",
	RunE:    runBenchmark,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfg.Host, "host", "", "database server host (default: PGHOST)")
	flags.IntVar(&cfg.Port, "port", 0, "database server port (default: PGPORT)")
	flags.StringVar(&cfg.Database, "dbname", "", "database name (default: PGDATABASE)")
	flags.StringVar(&cfg.User, "username", "", "database user (default: PGUSER)")
	flags.StringVar(&cfg.Password, "password", "", "database password (default: PGPASSWORD)")

	flags.IntVarP(&cfg.NumClients, "clients", "c", 1, "number of simulated clients")
	flags.IntVarP(&cfg.NumWorkers, "jobs", "j", 1, "number of worker threads")
	flags.Int64VarP(&txnCount, "transactions", "t", 0, "number of transactions per client")
	flags.Int64VarP(&durationS, "duration", "T", 0, "duration of the run in seconds")
	flags.StringVarP(&cfg.QueryMode, "protocol", "M", "simple", "query submission mode: simple|extended|prepared")
	flags.StringArrayVarP(&scriptFiles, "file", "f", nil, "transaction script file (may be repeated)")
	flags.StringArrayVarP(&defines, "define", "D", nil, "define a startup variable as name=value")
	flags.BoolVarP(&cfg.PerStatementLatency, "report-latencies", "r", false, "report per-statement latency")
	flags.Float64VarP(&cfg.TargetRate, "rate", "R", 0, "target rate in transactions per second")
	flags.Float64VarP(&cfg.LatencyLimitMs, "latency-limit", "L", 0, "skip transactions exceeding this latency limit (ms)")
	flags.BoolVarP(&cfg.RawLog, "log", "l", false, "write a per-transaction log file")
	flags.Float64Var(&cfg.SamplingRate, "sampling-rate", 0, "fraction of transactions to log in raw mode")
	flags.Int64Var(&aggregateIntervalS, "aggregate-interval", 0, "aggregate log bucket width in seconds")
	flags.IntVarP(&cfg.ProgressIntervalS, "progress", "P", 0, "show progress every N seconds")
	flags.BoolVarP(&cfg.PerTxnConn, "connect", "C", false, "open a new connection for each transaction")
	flags.BoolVarP(&cfg.SkipTellerBranch, "skip-some-updates", "N", false, "use the simple-update builtin (skip teller/branch updates)")
	flags.BoolVarP(&cfg.SelectOnly, "select-only", "S", false, "use the select-only builtin")
	flags.IntVarP(&cfg.Scale, "scale", "s", 0, "scale factor (read from server if omitted)")

	flags.BoolVarP(&cfg.Initialize, "initialize", "i", false, "initialize the benchmark tables instead of running a benchmark")
	flags.BoolVar(&cfg.Unlogged, "unlogged-tables", false, "create UNLOGGED benchmark tables")
	flags.BoolVar(&cfg.NoIndexes, "no-index", false, "skip index and foreign-key creation during initialization")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	cfg.Duration = time.Duration(durationS) * time.Second
	cfg.TxnCount = txnCount
	cfg.AggregateInterval = aggregateIntervalS
	cfg.ScriptFiles = scriptFiles
	cfg.Defines = parseDefines(defines)

	config.ApplyEnvDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(logging.Config{Level: "info", Format: "console", Output: "stderr"})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Initialize {
		return runInitialize(ctx, log)
	}
	return coordinator.Run(ctx, &cfg, log, os.Stdout)
}

func runInitialize(ctx context.Context, log logging.Logger) error {
	if cfg.Scale <= 0 {
		return fmt.Errorf("--initialize requires -s/--scale")
	}
	initr, err := schema.Connect(ctx, cfg.DSN(), log)
	if err != nil {
		return err
	}
	defer initr.Close(ctx)

	return initr.Run(ctx, schema.Options{
		Scale:      cfg.Scale,
		FillFactor: 0,
		Unlogged:   cfg.Unlogged,
		NoIndexes:  cfg.NoIndexes,
	})
}

func parseDefines(raw []string) map[string]string {
	out := make(map[string]string, len(raw))
	for _, d := range raw {
		if name, val, ok := strings.Cut(d, "="); ok {
			out[name] = val
		}
	}
	return out
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pgdrill: %v\n", err)
		os.Exit(1)
	}
}
