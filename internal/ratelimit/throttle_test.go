package ratelimit

import (
	"testing"

	"github.com/relbench/pgdrill/internal/randgen"
)

func TestPerWorkerDelay(t *testing.T) {
	// R=1000 tps, 4 workers: base_delay_us = 1000us, per-worker = 4000us.
	got := PerWorkerDelay(1000, 4)
	if got != 4000 {
		t.Errorf("got %v, want 4000", got)
	}
}

func TestPerWorkerDelayZeroRate(t *testing.T) {
	if PerWorkerDelay(0, 4) != 0 {
		t.Error("expected 0 for rate <= 0")
	}
}

func TestApplyLatencySkipCountsOnlyLateSlots(t *testing.T) {
	src := randgen.NewSource(1)
	l := NewLimiter(1000, 100, 0) // trigger starts at 0, limit 100us
	// now = 50us: trigger (0) is not more than 100us behind -> no skip
	l.ApplyLatencySkip(src, 50, nil)
	if l.LatencySkipped != 0 {
		t.Errorf("expected no skips, got %d", l.LatencySkipped)
	}
}

func TestApplyLatencySkipAdvancesPastLateSlots(t *testing.T) {
	src := randgen.NewSource(1)
	l := NewLimiter(10, 5, 0) // tiny per-worker delay so steps are small
	skipped := 0
	l.ApplyLatencySkip(src, 1_000_000, func(int64) { skipped++ })
	if l.LatencySkipped == 0 {
		t.Error("expected at least one skip when far behind wall-clock")
	}
	if skipped != int(l.LatencySkipped) {
		t.Errorf("callback invoked %d times, counter says %d", skipped, l.LatencySkipped)
	}
	if l.TriggerUs < 1_000_000-5 {
		t.Errorf("trigger %d should no longer be late", l.TriggerUs)
	}
}

func TestCreditLag(t *testing.T) {
	l := NewLimiter(1000, 0, 0)
	l.CreditLag(100, 150)
	l.CreditLag(100, 400)
	if l.LagSumUs != 50+300 {
		t.Errorf("got lag sum %d", l.LagSumUs)
	}
	if l.LagMaxUs != 300 {
		t.Errorf("got lag max %d", l.LagMaxUs)
	}
}
