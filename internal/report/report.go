// Package report implements the progress and final-summary output of
// spec.md §4.9: a per-interval progress line printed by the first worker
// while the run is in flight, and an end-of-run summary the coordinator
// prints once every worker has been joined.
package report

import (
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"

	"github.com/relbench/pgdrill/internal/core/domain"
	"github.com/relbench/pgdrill/internal/ratelimit"
	"github.com/relbench/pgdrill/internal/worker"
)

// RunID is a unique identifier printed at the top of the final summary, so
// repeated runs against the same server are distinguishable in saved
// output. The per-worker log files do not carry it.
type RunID string

// NewRunID mints a fresh identifier for one invocation.
func NewRunID() RunID {
	return RunID(uuid.NewString())
}

// Printer writes progress lines and the final summary to an output stream
// (normally os.Stdout).
type Printer struct {
	W io.Writer
}

// Progress prints one periodic line per spec.md §4.9: elapsed seconds, tps
// over the interval, average latency (ms) and its stddev, and — when rate
// limiting is on — average lag and transactions newly skipped.
func (p *Printer) Progress(snap worker.ProgressSnapshot, intervalS float64, rateLimited bool) {
	tps := 0.0
	if intervalS > 0 {
		tps = float64(snap.TxnCount) / intervalS
	}
	line := fmt.Sprintf("progress: %.1fs, %.1f tps, lat %.3f ms stddev %.3f",
		snap.ElapsedS, tps, snap.LatencyMean, snap.LatencyStd)
	if rateLimited {
		line += fmt.Sprintf(", lag %.3f ms, %d skipped", snap.LagMean/1000, snap.SkippedNew)
	}
	fmt.Fprintln(p.W, line)
}

// RunParams carries the invocation-wide facts the final summary reports
// alongside the aggregated counters, per spec.md §4.9's list: transaction
// type, scale factor, query mode, client/thread counts, and expected vs.
// observed transaction count.
type RunParams struct {
	RunID        RunID
	ScriptName   string
	ScaleFactor  int
	QueryMode    domain.QueryMode
	NumClients   int
	NumWorkers   int
	ExpectedTxns   int64 // 0 when the run was -T duration-bound rather than -t count-bound
	RateLimited    bool
	LatencyLimitMs float64
	DurationS      float64
}

// Summary is the fully aggregated end-of-run report: every per-client and
// per-worker counter folded into one set of totals, per §4.9's "the
// coordinator sums per-thread and per-client counters and prints the
// report" dataflow.
type Summary struct {
	Params RunParams

	TxnCount    int64
	ErrCount    int64
	LateCount   int64
	SkipCount   int64
	ConnTimeUs  int64

	LatencyMean   float64 // microseconds
	LatencyStdDev float64 // microseconds
	LagMeanUs     float64
}

// Collect sums counters across every client on every worker into one
// Summary, the join-time aggregation step spec.md §4.9 and §5's
// shared-resource policy describe ("the coordinator reads worker counters
// only after join").
func Collect(params RunParams, workers []*worker.Worker, limiter *ratelimit.Limiter) Summary {
	var txnCount, errCount, connTimeUs int64
	var sumLat, sumSqLat float64

	for _, w := range workers {
		for _, rt := range w.Clients {
			s := rt.State
			txnCount += s.TxnCount
			errCount += s.ErrCount
			connTimeUs += s.ConnTimeUs
			sumLat += float64(s.Counters.SumUs)
			sumSqLat += s.Counters.SumSqUs
		}
	}

	mean := 0.0
	stddev := 0.0
	if txnCount > 0 {
		mean = sumLat / float64(txnCount)
		variance := sumSqLat/float64(txnCount) - mean*mean
		if variance < 0 {
			variance = 0
		}
		stddev = math.Sqrt(variance)
	}

	var lateCount, skipCount int64
	var lagMean float64
	if limiter != nil {
		lateCount = limiter.LatencyLate
		skipCount = limiter.LatencySkipped
		total := txnCount + skipCount
		if total > 0 {
			lagMean = float64(limiter.LagSumUs) / float64(total)
		}
	}

	return Summary{
		Params:        params,
		TxnCount:      txnCount,
		ErrCount:      errCount,
		LateCount:     lateCount,
		SkipCount:     skipCount,
		ConnTimeUs:    connTimeUs,
		LatencyMean:   mean,
		LatencyStdDev: stddev,
		LagMeanUs:     lagMean,
	}
}

// Final prints the end-of-run summary per spec.md §4.9: transaction type,
// scale factor, query mode, client/thread counts, expected vs. observed
// transaction count, skipped and late counts with percentages, latency
// average/stddev, average lag, and tps computed both including and
// excluding connection-establishment time.
func (p *Printer) Final(s Summary) {
	fmt.Fprintf(p.W, "run id: %s\n", s.Params.RunID)
	fmt.Fprintf(p.W, "transaction type: %s\n", s.Params.ScriptName)
	fmt.Fprintf(p.W, "scaling factor: %d\n", s.Params.ScaleFactor)
	fmt.Fprintf(p.W, "query mode: %s\n", s.Params.QueryMode)
	fmt.Fprintf(p.W, "number of clients: %d\n", s.Params.NumClients)
	fmt.Fprintf(p.W, "number of threads: %d\n", s.Params.NumWorkers)

	if s.Params.ExpectedTxns > 0 {
		fmt.Fprintf(p.W, "number of transactions per client: %d\n", s.Params.ExpectedTxns)
		fmt.Fprintf(p.W, "number of transactions actually processed: %d/%d\n",
			s.TxnCount, s.Params.ExpectedTxns*int64(s.Params.NumClients))
	} else {
		fmt.Fprintf(p.W, "number of transactions actually processed: %d\n", s.TxnCount)
	}

	total := s.TxnCount + s.SkipCount
	fmt.Fprintf(p.W, "number of transactions skipped: %d (%s)\n", s.SkipCount, pct(s.SkipCount, total))
	fmt.Fprintf(p.W, "number of errors: %d\n", s.ErrCount)
	if s.Params.RateLimited && s.Params.LatencyLimitMs > 0 {
		fmt.Fprintf(p.W, "number of transactions above the %.3f ms latency limit: %d (%s)\n",
			s.Params.LatencyLimitMs, s.LateCount, pct(s.LateCount, s.TxnCount))
	}

	fmt.Fprintf(p.W, "latency average = %.3f ms\n", s.LatencyMean/1000)
	fmt.Fprintf(p.W, "latency stddev = %.3f ms\n", s.LatencyStdDev/1000)
	if s.Params.RateLimited {
		fmt.Fprintf(p.W, "rate limit schedule lag: avg %.3f ms\n", s.LagMeanUs/1000)
	}

	if s.Params.DurationS > 0 {
		tps := float64(s.TxnCount) / s.Params.DurationS
		fmt.Fprintf(p.W, "tps = %.6f (including connections establishing)\n", tps)
		excludedS := s.Params.DurationS - float64(s.ConnTimeUs)/1e6
		if excludedS > 0 {
			fmt.Fprintf(p.W, "tps = %.6f (excluding connections establishing)\n", float64(s.TxnCount)/excludedS)
		}
	}
}

func pct(n, total int64) string {
	if total <= 0 {
		return "0.000%"
	}
	return fmt.Sprintf("%.3f%%", float64(n)/float64(total)*100)
}

