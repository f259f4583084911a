// Package worker implements the scheduler of spec.md §4.7: one goroutine
// per worker multiplexes many simulated clients over a single readiness
// wait, instead of spawning a goroutine per client. Since pgx/v5 exposes no
// epoll-style non-blocking poll, "dispatch then wait for readiness" is
// reproduced by handing each in-flight query (or connection open) to its
// own short-lived goroutine that reports completion on the worker's
// fan-in channel; the scheduler's select-with-timeout over that channel is
// the readiness wait.
package worker

import (
	"context"
	"math"
	"time"

	"github.com/relbench/pgdrill/internal/client"
	"github.com/relbench/pgdrill/internal/core/domain"
	"github.com/relbench/pgdrill/internal/dbconn"
	"github.com/relbench/pgdrill/internal/deadline"
	"github.com/relbench/pgdrill/internal/randgen"
)

// dispatchResult is what an async dispatch goroutine reports back.
type dispatchResult struct {
	clientIdx int
	outcome   dbconn.Outcome
}

// ProgressSnapshot is handed to OnProgress once per -P interval by the tid-0
// worker, per spec.md §4.9. Fields are read torn by design (best-effort).
type ProgressSnapshot struct {
	ElapsedS    float64
	TxnCount    int64
	LatencyMean float64
	LatencyStd  float64
	LagMean     float64
	SkippedNew  int64
}

// Worker owns a disjoint slice of clients, its own PRNG, and (if assigned)
// the shared rate limiter and log sinks for those clients. Exactly one
// goroutine calls Run for a given Worker.
type Worker struct {
	TID     int
	Clients []*client.Runtime
	RNG     *randgen.Source

	Deadline *deadline.Source

	// ProgressEvery is the -P interval; zero disables progress reporting.
	// Only the tid-0 worker reports.
	ProgressEvery time.Duration
	OnProgress    func(ProgressSnapshot)

	now func() int64 // overridable in tests

	busy    []bool
	results chan dispatchResult
}

// New builds a worker over clients, ready to Run.
func New(tid int, clients []*client.Runtime, rng *randgen.Source, dl *deadline.Source) *Worker {
	return &Worker{
		TID:      tid,
		Clients:  clients,
		RNG:      rng,
		Deadline: dl,
		now:      func() int64 { return time.Now().UnixMicro() },
	}
}

// Run drives every owned client to completion, per §4.7's loop. It returns
// once every client is Done (its txn limit was reached, or the termination
// flag fired between transactions).
func (w *Worker) Run(ctx context.Context) {
	w.busy = make([]bool, len(w.Clients))
	w.results = make(chan dispatchResult, len(w.Clients))

	live := 0
	for _, rt := range w.Clients {
		if !rt.State.Done {
			live++
		}
	}

	var nextProgress int64
	var lastProgress progressAccum
	if w.TID == 0 && w.ProgressEvery > 0 {
		nextProgress = w.now() + w.ProgressEvery.Microseconds()
	}
	runStart := w.now()

	for live > 0 {
		now := w.now()

		for i, rt := range w.Clients {
			if rt.State.Done || w.busy[i] {
				continue
			}
			w.step(ctx, i, rt, now, nil)
			if rt.State.Done {
				live--
			}
		}
		if live == 0 {
			break
		}

		minWait := w.minWait(now)
		if w.TID == 0 && w.ProgressEvery > 0 {
			if untilProgress := time.Duration(nextProgress-now) * time.Microsecond; untilProgress < minWait {
				minWait = untilProgress
			}
		}
		if minWait < 0 {
			minWait = 0
		}

		timer := time.NewTimer(minWait)
		select {
		case res := <-w.results:
			timer.Stop()
			w.busy[res.clientIdx] = false
			rt := w.Clients[res.clientIdx]
			wasDone := rt.State.Done
			w.step(ctx, res.clientIdx, rt, w.now(), &res.outcome)
			if !wasDone && rt.State.Done {
				live--
			}
		case <-timer.C:
		case <-ctx.Done():
			return
		}

		if w.TID == 0 && w.ProgressEvery > 0 && w.now() >= nextProgress {
			w.reportProgress(runStart, &lastProgress)
			for nextProgress <= w.now() {
				nextProgress += w.ProgressEvery.Microseconds()
			}
		}
	}
}

// minWait implements §4.7 steps 1-2: the smallest time until any
// non-busy, non-done client next needs attention. Busy clients are covered
// by the channel select itself, not by this timeout.
func (w *Worker) minWait(now int64) time.Duration {
	minW := time.Duration(math.MaxInt64)
	for i, rt := range w.Clients {
		if rt.State.Done || w.busy[i] {
			continue
		}
		if rt.State.Sleeping {
			wait := time.Duration(rt.State.WakeAtUs()-now) * time.Microsecond
			if wait < minW {
				minW = wait
			}
		}
	}
	if minW == time.Duration(math.MaxInt64) {
		// Every client is either busy (covered by the channel wait) or
		// ready-but-unprocessed, which step already drained; fall back to a
		// short poll so progress ticks and the termination flag are still
		// observed promptly.
		return 50 * time.Millisecond
	}
	return minW
}

// step advances one client's state machine until it either dispatches an
// async operation, starts sleeping, or finishes, mirroring §4.5: most of
// its transitions (meta-command execution, result draining, transaction
// reset) happen instantly and should be driven forward in the same tick.
func (w *Worker) step(ctx context.Context, idx int, rt *client.Runtime, now int64, outcome *dbconn.Outcome) {
	if outcome != nil && outcome.Err != nil && rt.Conn == nil {
		// The async operation that just failed was connection
		// establishment itself; there is nothing left to drain.
		rt.State.Done = true
		return
	}

	for {
		_, pending, err := rt.Tick(ctx, now, outcome, w.RNG)
		outcome = nil
		if err != nil {
			rt.State.Done = true
			return
		}
		if pending != nil {
			w.busy[idx] = true
			go w.dispatch(ctx, idx, rt, pending)
			return
		}
		if rt.State.Done || rt.State.Sleeping {
			return
		}
	}
}

// dispatch runs one asynchronous operation (a connection open, or a query
// in whichever protocol the client requested) and reports its outcome on
// the worker's fan-in channel. It is the only place a new goroutine is
// created per query, bounded to that query's own lifetime.
func (w *Worker) dispatch(ctx context.Context, idx int, rt *client.Runtime, pending *client.Pending) {
	if pending.NeedsConnect {
		start := w.now()
		conn, err := dbconn.Connect(ctx, rt.Opts.DSN)
		rt.State.ConnTimeUs += w.now() - start
		if err != nil {
			w.results <- dispatchResult{clientIdx: idx, outcome: dbconn.Outcome{Err: err}}
			return
		}
		rt.Conn = conn
		w.results <- dispatchResult{clientIdx: idx, outcome: dbconn.Outcome{}}
		return
	}

	var outcome dbconn.Outcome
	switch pending.Mode {
	case domain.ModeSimple:
		outcome = rt.Conn.ExecSimple(ctx, pending.SQL)
	case domain.ModeExtended:
		outcome = rt.Conn.ExecExtended(ctx, pending.SQL, pending.Params)
	case domain.ModePrepared:
		if pending.NeedsPrepare {
			if err := rt.Conn.Prepare(ctx, pending.StmtName, pending.PrepareSQL); err != nil {
				w.results <- dispatchResult{clientIdx: idx, outcome: dbconn.Outcome{Err: err}}
				return
			}
		}
		outcome = rt.Conn.ExecPrepared(ctx, pending.StmtName, pending.Params)
	}
	w.results <- dispatchResult{clientIdx: idx, outcome: outcome}
}

// progressAccum remembers the previous progress tick's cumulative counters
// so reportProgress can compute interval deltas (tps, lag, skips).
type progressAccum struct {
	prevTxnCount int64
	prevLatSum   float64
	prevLatSqSum float64
	prevLagSum   float64
	prevSkipped  int64
}

func (w *Worker) reportProgress(runStart int64, acc *progressAccum) {
	var txnCount int64
	var latSum, latSqSum float64
	var lagSum float64
	var skipped int64
	for _, rt := range w.Clients {
		txnCount += rt.State.Counters.Count
		latSum += float64(rt.State.Counters.SumUs)
		latSqSum += rt.State.Counters.SumSqUs
		if rt.Limiter != nil {
			lagSum += float64(rt.Limiter.LagSumUs)
			skipped += rt.Limiter.LatencySkipped
		}
	}

	deltaTxn := txnCount - acc.prevTxnCount
	deltaSkip := skipped - acc.prevSkipped
	elapsedS := float64(w.now()-runStart) / 1e6

	var mean, stddev float64
	if deltaTxn > 0 {
		deltaLatSum := latSum - acc.prevLatSum
		deltaLatSqSum := latSqSum - acc.prevLatSqSum
		mean = deltaLatSum / float64(deltaTxn) / 1000 // us -> ms
		variance := deltaLatSqSum/float64(deltaTxn) - (deltaLatSum/float64(deltaTxn))*(deltaLatSum/float64(deltaTxn))
		if variance < 0 {
			variance = 0
		}
		stddev = math.Sqrt(variance) / 1000
	}

	if w.OnProgress != nil {
		w.OnProgress(ProgressSnapshot{
			ElapsedS:    elapsedS,
			TxnCount:    deltaTxn,
			LatencyMean: mean,
			LatencyStd:  stddev,
			LagMean:     (lagSum - acc.prevLagSum) / float64(maxInt64(deltaTxn, 1)),
			SkippedNew:  deltaSkip,
		})
	}

	acc.prevTxnCount = txnCount
	acc.prevLatSum = latSum
	acc.prevLatSqSum = latSqSum
	acc.prevLagSum = lagSum
	acc.prevSkipped = skipped
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
