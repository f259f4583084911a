package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/relbench/pgdrill/internal/client"
	"github.com/relbench/pgdrill/internal/core/domain"
	"github.com/relbench/pgdrill/internal/ratelimit"
	"github.com/relbench/pgdrill/internal/worker"
)

func TestNewRunIDIsNonEmptyAndUnique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty run ids")
	}
	if a == b {
		t.Fatal("expected distinct run ids across calls")
	}
}

func TestProgressFormatsIntervalTps(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{W: &buf}
	p.Progress(worker.ProgressSnapshot{ElapsedS: 10, TxnCount: 500, LatencyMean: 1.5, LatencyStd: 0.2}, 10, false)

	out := buf.String()
	if !strings.Contains(out, "50.0 tps") {
		t.Fatalf("expected 50.0 tps in output, got %q", out)
	}
	if strings.Contains(out, "lag") {
		t.Fatalf("expected no lag field when rateLimited=false, got %q", out)
	}
}

func TestProgressIncludesLagWhenRateLimited(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{W: &buf}
	p.Progress(worker.ProgressSnapshot{ElapsedS: 1, TxnCount: 10, LagMean: 2000, SkippedNew: 3}, 1, true)

	out := buf.String()
	if !strings.Contains(out, "lag 2.000 ms") || !strings.Contains(out, "3 skipped") {
		t.Fatalf("expected lag/skipped fields, got %q", out)
	}
}

func TestCollectSumsAcrossWorkersAndClients(t *testing.T) {
	mkClient := func(txns, errs, connUs int64, latSum int64, latSqSum float64) *client.Runtime {
		s := domain.NewClientState(1, nil)
		s.TxnCount = txns
		s.ErrCount = errs
		s.ConnTimeUs = connUs
		s.Counters.Count = txns
		s.Counters.SumUs = latSum
		s.Counters.SumSqUs = latSqSum
		return &client.Runtime{State: s}
	}

	w1 := &worker.Worker{Clients: []*client.Runtime{
		mkClient(10, 1, 100, 1000, 200000),
		mkClient(5, 0, 50, 600, 90000),
	}}
	w2 := &worker.Worker{Clients: []*client.Runtime{
		mkClient(20, 2, 300, 3000, 600000),
	}}

	limiter := ratelimit.NewLimiter(0, 0, 0)
	limiter.LatencySkipped = 4
	limiter.LatencyLate = 2
	limiter.LagSumUs = 350

	s := Collect(RunParams{NumClients: 3, NumWorkers: 2}, []*worker.Worker{w1, w2}, limiter)

	if s.TxnCount != 35 {
		t.Fatalf("TxnCount = %d, want 35", s.TxnCount)
	}
	if s.ErrCount != 3 {
		t.Fatalf("ErrCount = %d, want 3", s.ErrCount)
	}
	if s.ConnTimeUs != 450 {
		t.Fatalf("ConnTimeUs = %d, want 450", s.ConnTimeUs)
	}
	if s.SkipCount != 4 || s.LateCount != 2 {
		t.Fatalf("SkipCount/LateCount = %d/%d, want 4/2", s.SkipCount, s.LateCount)
	}
	wantMean := float64(1000+600+3000) / 35
	if d := s.LatencyMean - wantMean; d > 1e-9 || d < -1e-9 {
		t.Fatalf("LatencyMean = %v, want %v", s.LatencyMean, wantMean)
	}
}

func TestCollectHandlesNoLimiter(t *testing.T) {
	w := &worker.Worker{Clients: []*client.Runtime{{State: domain.NewClientState(1, nil)}}}
	s := Collect(RunParams{}, []*worker.Worker{w}, nil)
	if s.SkipCount != 0 || s.LateCount != 0 || s.LagMeanUs != 0 {
		t.Fatalf("expected zeroed rate-limit fields with nil limiter, got %+v", s)
	}
}

func TestFinalReportsExpectedVsObserved(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{W: &buf}
	p.Final(Summary{
		Params: RunParams{
			RunID: "abc", ScriptName: "tpcb-like", ScaleFactor: 10,
			QueryMode: domain.ModePrepared, NumClients: 4, NumWorkers: 2,
			ExpectedTxns: 100, DurationS: 10,
		},
		TxnCount: 380, SkipCount: 0, ErrCount: 0,
		LatencyMean: 1500, LatencyStdDev: 200,
	})

	out := buf.String()
	if !strings.Contains(out, "number of transactions per client: 100") {
		t.Fatalf("missing expected-per-client line: %q", out)
	}
	if !strings.Contains(out, "actually processed: 380/400") {
		t.Fatalf("missing observed/expected ratio: %q", out)
	}
	if !strings.Contains(out, "tps = 38.000000 (including connections establishing)") {
		t.Fatalf("missing overall tps line: %q", out)
	}
}

func TestFinalOmitsLatencyLimitLineWhenNotRateLimited(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{W: &buf}
	p.Final(Summary{Params: RunParams{RateLimited: false}, TxnCount: 10})

	if strings.Contains(buf.String(), "latency limit") {
		t.Fatalf("did not expect a latency-limit line, got %q", buf.String())
	}
}
