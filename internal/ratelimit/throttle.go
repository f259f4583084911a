// Package ratelimit implements the Poisson-process rate limiter and
// latency-limit skip logic of spec.md §4.4: each worker advances a shared
// "next transaction start" trigger by Poisson-distributed steps, and drops
// (counts as skipped) any slot that is already behind wall-clock by more
// than the configured latency limit before it is ever dispatched.
package ratelimit

import (
	"github.com/relbench/pgdrill/internal/randgen"
)

// Limiter is owned by one worker and mutated only by that worker.
type Limiter struct {
	// PerWorkerDelayUs is base_delay_us * num_workers, per §4.4.
	PerWorkerDelayUs float64
	// LatencyLimitUs is the configured -L limit in microseconds, or 0 if
	// no latency limit was configured.
	LatencyLimitUs int64

	TriggerUs int64 // throttle_trigger_us: next scheduled transaction start

	LagSumUs        int64
	LagMaxUs        int64
	LatencySkipped  int64
	LatencyLate     int64
}

// NewLimiter seeds the trigger at startUs, the wall-clock time the worker
// begins running.
func NewLimiter(perWorkerDelayUs float64, latencyLimitUs int64, startUs int64) *Limiter {
	return &Limiter{PerWorkerDelayUs: perWorkerDelayUs, LatencyLimitUs: latencyLimitUs, TriggerUs: startUs}
}

// Step draws the next Poisson interarrival time and advances the trigger,
// returning the new scheduled start.
func (l *Limiter) Step(src *randgen.Source) int64 {
	wait := src.Poisson(l.PerWorkerDelayUs)
	l.TriggerUs += wait
	return l.TriggerUs
}

// SkipLog is a callback invoked once per skipped slot, wired to the
// statlog skipped-transaction log entry when logging is enabled.
type SkipLog func(scheduledUs int64)

// ApplyLatencySkip implements §4.4's skip loop: while the trigger is more
// than LatencyLimitUs behind nowUs, count the slot as skipped, optionally
// log it, and draw another Poisson step. Returns the (possibly unchanged)
// trigger once it is no longer late.
func (l *Limiter) ApplyLatencySkip(src *randgen.Source, nowUs int64, onSkip SkipLog) int64 {
	if l.LatencyLimitUs <= 0 {
		return l.TriggerUs
	}
	for l.TriggerUs < nowUs-l.LatencyLimitUs {
		l.LatencySkipped++
		if onSkip != nil {
			onSkip(l.TriggerUs)
		}
		l.Step(src)
	}
	return l.TriggerUs
}

// CreditLag records the lag (actual wakeup minus scheduled start) for a
// transaction that has just woken from its throttling sleep, and returns it
// so the caller can also attach it to that transaction's log entry.
func (l *Limiter) CreditLag(scheduledUs, nowUs int64) int64 {
	lag := nowUs - scheduledUs
	l.LagSumUs += lag
	if lag > l.LagMaxUs {
		l.LagMaxUs = lag
	}
	return lag
}

// NoteLate records a completed transaction whose latency exceeded the
// configured limit (distinct from a skip: this transaction ran, but was
// slow).
func (l *Limiter) NoteLate() {
	l.LatencyLate++
}

// PerWorkerDelay computes base_delay_us * numWorkers for rate R
// transactions/second, per §4.4.
func PerWorkerDelay(ratePerSecond float64, numWorkers int) float64 {
	if ratePerSecond <= 0 {
		return 0
	}
	baseDelayUs := 1e6 / ratePerSecond
	return baseDelayUs * float64(numWorkers)
}
