// Package statlog implements the two mutually-exclusive per-worker logging
// modes of spec.md §4.8: one line per completed (or skipped) transaction in
// raw mode, or periodic flushed buckets in aggregate mode. Each worker owns
// an independent log file named pgbench_log.<pid>[.<tid>].
package statlog

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/relbench/pgdrill/internal/core/domain"
	"github.com/relbench/pgdrill/internal/randgen"
)

// Mode selects how completed transactions are recorded.
type Mode int

const (
	ModeOff Mode = iota
	ModeRaw
	ModeAggregate
)

// Record is one completed (or skipped) transaction, handed to the logger
// by the worker as it drains each client.
type Record struct {
	ClientID    int
	TxnCount    int64
	LatencyUs   int64 // ignored (and Skipped=true) for a skipped slot
	FileIdx     int
	Skipped     bool
	RateLimited bool
	LagUs       int64
}

// Logger writes one worker's log file, in whichever mode was configured.
type Logger struct {
	mode Mode
	file *os.File
	w    *bufio.Writer

	samplingRate float64 // raw-mode only; 0 means "log every transaction"
	rng          *randgen.Source

	aggIntervalS int64
	bucket       domain.AggVals
	bucketOpen   bool
}

// Open creates (truncating) the log file for one worker: pgbench_log.<pid>
// for tid 0, pgbench_log.<pid>.<tid> for the rest, matching §4.8.
func Open(mode Mode, pid, tid int, samplingRate float64, aggIntervalS int64, rng *randgen.Source) (*Logger, error) {
	if mode == ModeOff {
		return &Logger{mode: ModeOff}, nil
	}
	name := fmt.Sprintf("pgbench_log.%d", pid)
	if tid != 0 {
		name = fmt.Sprintf("%s.%d", name, tid)
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %s", name)
	}
	return &Logger{
		mode:         mode,
		file:         f,
		w:            bufio.NewWriter(f),
		samplingRate: samplingRate,
		aggIntervalS: aggIntervalS,
		rng:          rng,
	}, nil
}

// Close flushes and closes the underlying file, a no-op when logging is
// off.
func (l *Logger) Close() error {
	if l.mode == ModeOff {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		return errors.Wrap(err, "flush log file")
	}
	return l.file.Close()
}

// Write records one transaction (or skip), per the active mode. nowUs is
// the wall-clock the transaction completed at.
func (l *Logger) Write(rec Record, nowUs int64) error {
	switch l.mode {
	case ModeOff:
		return nil
	case ModeRaw:
		return l.writeRaw(rec, nowUs)
	case ModeAggregate:
		return l.writeAggregate(rec, nowUs)
	default:
		return nil
	}
}

// writeRaw implements §4.8's raw-mode line, with sampling: `client_id
// txn_count latency_us file_idx sec usec`, "skipped" in place of latency_us
// for a dropped slot, and a trailing lag field under rate limiting.
func (l *Logger) writeRaw(rec Record, nowUs int64) error {
	if l.samplingRate > 0 && l.samplingRate < 1 {
		if l.rng.Float64() >= l.samplingRate {
			return nil
		}
	}
	sec := nowUs / 1_000_000
	usec := nowUs % 1_000_000

	var latField string
	if rec.Skipped {
		latField = "skipped"
	} else {
		latField = fmt.Sprintf("%d", rec.LatencyUs)
	}

	line := fmt.Sprintf("%d %d %s %d %d %d", rec.ClientID, rec.TxnCount, latField, rec.FileIdx, sec, usec)
	if rec.RateLimited {
		line += fmt.Sprintf(" %d", rec.LagUs)
	}
	_, err := fmt.Fprintln(l.w, line)
	return err
}

// writeAggregate implements §4.8's bucket flush: when a completed
// transaction's wall time falls outside the current bucket, flush it, open
// empty buckets until the current one contains now, then record into it.
func (l *Logger) writeAggregate(rec Record, nowUs int64) error {
	nowS := nowUs / 1_000_000
	if !l.bucketOpen {
		l.bucket.Reset(bucketStart(nowS, l.aggIntervalS))
		l.bucketOpen = true
	}

	for nowS >= l.bucket.StartTimeS+l.aggIntervalS {
		if err := l.flushBucket(); err != nil {
			return err
		}
		l.bucket.Reset(l.bucket.StartTimeS + l.aggIntervalS)
	}

	if rec.Skipped {
		l.bucket.Skipped++
		return nil
	}
	l.bucket.Cnt++
	l.bucket.SumLatUs += rec.LatencyUs
	l.bucket.SumSqLatUs += float64(rec.LatencyUs) * float64(rec.LatencyUs)
	if l.bucket.Cnt == 1 || rec.LatencyUs < l.bucket.MinLatUs {
		l.bucket.MinLatUs = rec.LatencyUs
	}
	if rec.LatencyUs > l.bucket.MaxLatUs {
		l.bucket.MaxLatUs = rec.LatencyUs
	}
	if rec.RateLimited {
		l.bucket.SumLagUs += rec.LagUs
		l.bucket.SumSqLagUs += float64(rec.LagUs) * float64(rec.LagUs)
		if l.bucket.MinLagUs == 0 || rec.LagUs < l.bucket.MinLagUs {
			l.bucket.MinLagUs = rec.LagUs
		}
		if rec.LagUs > l.bucket.MaxLagUs {
			l.bucket.MaxLagUs = rec.LagUs
		}
	}
	return nil
}

// flushBucket writes one aggregate-mode line: `bucket_start cnt sum_lat
// sum_sq_lat min_lat max_lat [sum_lag sum_sq_lag min_lag max_lag
// [skipped]]`. An empty bucket (no completed transactions) is still
// flushed, since skipped counts must not be lost.
func (l *Logger) flushBucket() error {
	b := l.bucket
	line := fmt.Sprintf("%d %d %d %.0f %d %d", b.StartTimeS, b.Cnt, b.SumLatUs, b.SumSqLatUs, b.MinLatUs, b.MaxLatUs)
	if b.SumLagUs != 0 || b.MaxLagUs != 0 {
		line += fmt.Sprintf(" %d %.0f %d %d", b.SumLagUs, b.SumSqLagUs, b.MinLagUs, b.MaxLagUs)
	}
	if b.Skipped > 0 {
		line += fmt.Sprintf(" %d", b.Skipped)
	}
	_, err := fmt.Fprintln(l.w, line)
	return err
}

// Flush flushes any open bucket at run end, so the final partial interval
// is not lost.
func (l *Logger) Flush() error {
	if l.mode == ModeAggregate && l.bucketOpen {
		return l.flushBucket()
	}
	return nil
}

func bucketStart(nowS, intervalS int64) int64 {
	return (nowS / intervalS) * intervalS
}
