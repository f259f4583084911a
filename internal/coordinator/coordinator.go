// Package coordinator implements the top-level orchestration spec.md §3's
// dataflow names: parse scripts once, create client states, split them
// across workers, start the workers, join, then sum per-thread and
// per-client counters into the final report.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/relbench/pgdrill/internal/client"
	"github.com/relbench/pgdrill/internal/config"
	"github.com/relbench/pgdrill/internal/core/domain"
	"github.com/relbench/pgdrill/internal/deadline"
	"github.com/relbench/pgdrill/internal/logging"
	"github.com/relbench/pgdrill/internal/randgen"
	"github.com/relbench/pgdrill/internal/ratelimit"
	"github.com/relbench/pgdrill/internal/report"
	"github.com/relbench/pgdrill/internal/schema"
	"github.com/relbench/pgdrill/internal/script"
	"github.com/relbench/pgdrill/internal/statlog"
	"github.com/relbench/pgdrill/internal/worker"
)

// Run executes one full benchmark: it resolves the scale factor, parses the
// chosen scripts, builds clients and workers, runs them to completion, and
// prints the final report to out. log receives operational diagnostics;
// per-transaction/aggregate benchmark data goes to the statlog files
// instead, never to log.
func Run(ctx context.Context, cfg *config.Config, log logging.Logger, out *os.File) error {
	mode, err := domain.ParseQueryMode(cfg.QueryMode)
	if err != nil {
		return err
	}

	scale, err := resolveScale(ctx, cfg, log)
	if err != nil {
		return err
	}

	counter := script.NewCounter()
	scripts, scriptName, err := loadScripts(cfg, scale, mode, counter)
	if err != nil {
		return err
	}

	startupVars := domain.NewVariableStore()
	for k, v := range cfg.Defines {
		startupVars.Set(k, v)
	}

	runID := report.NewRunID()
	perWorkerDelay := ratelimit.PerWorkerDelay(cfg.TargetRate, cfg.NumWorkers)
	latencyLimitUs := int64(cfg.LatencyLimitMs * 1000)
	rateLimited := cfg.TargetRate > 0

	statMode := statlog.ModeOff
	if cfg.RawLog {
		statMode = statlog.ModeRaw
		if cfg.AggregateInterval > 0 {
			statMode = statlog.ModeAggregate
		}
	}

	pid := os.Getpid()
	dl := deadline.New(cfg.Duration)

	workers := make([]*worker.Worker, cfg.NumWorkers)
	loggers := make([]*statlog.Logger, cfg.NumWorkers)
	limiters := make([]*ratelimit.Limiter, cfg.NumWorkers)
	nowUs := time.Now().UnixMicro()

	clientsPerWorker := distribute(cfg.NumClients, cfg.NumWorkers)
	clientID := 0
	for tid := 0; tid < cfg.NumWorkers; tid++ {
		rng := randgen.NewSource(uint64(tid+1) ^ uint64(nowUs))

		lg, err := statlog.Open(statMode, pid, tid, cfg.SamplingRate, cfg.AggregateInterval, rng)
		if err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
		loggers[tid] = lg

		var limiter *ratelimit.Limiter
		if rateLimited {
			limiter = ratelimit.NewLimiter(perWorkerDelay, latencyLimitUs, nowUs)
			limiters[tid] = limiter
		}

		runtimes := make([]*client.Runtime, clientsPerWorker[tid])
		for i := range runtimes {
			state := domain.NewClientState(clientID, startupVars)
			fileIdx := clientID % len(scripts)
			state.FileIdx = fileIdx
			rt := &client.Runtime{
				State:   state,
				Scripts: scripts,
				Opts: client.Options{
					DSN:            cfg.DSN(),
					Mode:           mode,
					TxnLimit:       cfg.TxnCount,
					PersistentConn: !cfg.PerTxnConn,
					RateLimited:    rateLimited,
					LatencyLimitUs: latencyLimitUs,
					RecordPerStmt:  cfg.PerStatementLatency,
				},
				Limiter:  limiter,
				Deadline: dl,
			}
			rt.OnSkip = func(scheduledUs int64) {
				lg.Write(statlog.Record{ClientID: rt.State.ID, Skipped: true, RateLimited: rateLimited}, scheduledUs)
			}
			rt.TxnComplete = func(latencyUs int64, fileIdx int, lagUs int64, late bool) {
				lg.Write(statlog.Record{
					ClientID: rt.State.ID, TxnCount: rt.State.TxnCount, LatencyUs: latencyUs,
					FileIdx: fileIdx, RateLimited: rateLimited, LagUs: lagUs,
				}, time.Now().UnixMicro())
			}
			runtimes[i] = rt
			clientID++
		}

		w := worker.New(tid, runtimes, rng, dl)
		if tid == 0 && cfg.ProgressIntervalS > 0 {
			w.ProgressEvery = time.Duration(cfg.ProgressIntervalS) * time.Second
			printer := &report.Printer{W: out}
			w.OnProgress = func(snap worker.ProgressSnapshot) {
				printer.Progress(snap, float64(cfg.ProgressIntervalS), rateLimited)
			}
		}
		workers[tid] = w
	}

	runStart := time.Now()
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Wait()
	elapsedS := time.Since(runStart).Seconds()

	for _, lg := range loggers {
		if lg == nil {
			continue
		}
		if err := lg.Flush(); err != nil {
			log.Warn("flush log file failed", zap.Error(err))
		}
		if err := lg.Close(); err != nil {
			log.Warn("close log file failed", zap.Error(err))
		}
	}

	var combined *ratelimit.Limiter
	if rateLimited {
		combined = combineLimiters(limiters)
	}

	var expectedTxns int64
	if cfg.TxnCount > 0 {
		expectedTxns = cfg.TxnCount
	}

	summary := report.Collect(report.RunParams{
		RunID: runID, ScriptName: scriptName, ScaleFactor: scale,
		QueryMode: mode, NumClients: cfg.NumClients, NumWorkers: cfg.NumWorkers,
		ExpectedTxns: expectedTxns, RateLimited: rateLimited,
		LatencyLimitMs: cfg.LatencyLimitMs, DurationS: elapsedS,
	}, workers, combined)

	(&report.Printer{W: out}).Final(summary)
	return nil
}

// resolveScale performs the mandatory startup connectivity check (spec.md
// §6: exit code 1 on connection error) and, when -s was not given, reads
// the scale factor from the already-initialized server.
func resolveScale(ctx context.Context, cfg *config.Config, log logging.Logger) (int, error) {
	conn, err := pgx.Connect(ctx, cfg.DSN())
	if err != nil {
		return 0, fmt.Errorf("coordinator: connect to read scale: %w", err)
	}
	defer conn.Close(ctx)

	if cfg.Scale > 0 {
		return cfg.Scale, nil
	}

	scale, err := schema.ReadScale(ctx, conn)
	if err != nil {
		return 0, err
	}
	log.Info("resolved scale factor from server")
	return scale, nil
}

// loadScripts parses every -f script file, or one of the three built-ins
// when none was given, returning the parsed files plus a display name for
// the final report.
func loadScripts(cfg *config.Config, scale int, mode domain.QueryMode, counter *script.Counter) ([]*domain.ScriptFile, string, error) {
	if len(cfg.ScriptFiles) > 0 {
		files := make([]*domain.ScriptFile, 0, len(cfg.ScriptFiles))
		for _, path := range cfg.ScriptFiles {
			src, err := os.ReadFile(path)
			if err != nil {
				return nil, "", fmt.Errorf("coordinator: read script %s: %w", path, err)
			}
			sf, err := script.Parse(path, string(src), mode, counter)
			if err != nil {
				return nil, "", err
			}
			files = append(files, sf)
		}
		return files, cfg.ScriptFiles[0], nil
	}

	name := script.BuiltinTPCBLike
	switch {
	case cfg.SkipTellerBranch:
		name = script.BuiltinSimpleUpdate
	case cfg.SelectOnly:
		name = script.BuiltinSelectOnly
	}
	sf, err := script.ParseBuiltin(name, scale, mode, counter)
	if err != nil {
		return nil, "", err
	}
	return []*domain.ScriptFile{sf}, string(name), nil
}

// distribute splits numClients as evenly as possible across numWorkers,
// matching spec.md §4.7's "disjoint slice of clients" per worker.
func distribute(numClients, numWorkers int) []int {
	counts := make([]int, numWorkers)
	base := numClients / numWorkers
	rem := numClients % numWorkers
	for i := range counts {
		counts[i] = base
		if i < rem {
			counts[i]++
		}
	}
	return counts
}

// combineLimiters sums the per-worker rate-limiter counters into one
// read-only view for the final report; each worker's own Limiter is never
// shared or mutated across goroutines while running.
func combineLimiters(limiters []*ratelimit.Limiter) *ratelimit.Limiter {
	combined := &ratelimit.Limiter{}
	for _, l := range limiters {
		if l == nil {
			continue
		}
		combined.LagSumUs += l.LagSumUs
		if l.LagMaxUs > combined.LagMaxUs {
			combined.LagMaxUs = l.LagMaxUs
		}
		combined.LatencySkipped += l.LatencySkipped
		combined.LatencyLate += l.LatencyLate
	}
	return combined
}
