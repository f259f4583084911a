// Package client implements the per-simulated-client state machine of
// spec.md §4.5: one client multiplexes through a script file, dispatching
// SQL asynchronously and executing meta-commands locally, under the
// control of its owning worker.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relbench/pgdrill/internal/core/domain"
	"github.com/relbench/pgdrill/internal/dbconn"
	"github.com/relbench/pgdrill/internal/deadline"
	"github.com/relbench/pgdrill/internal/randgen"
	"github.com/relbench/pgdrill/internal/ratelimit"
	"github.com/relbench/pgdrill/internal/shellexec"
)

// Action tells the worker what the client just did, so the scheduler knows
// whether to wait on this client's socket, leave it sleeping, or retire it.
type Action int

const (
	ActionIdle       Action = iota // nothing to do this tick (still waiting on something)
	ActionSleeping                 // now sleeping until TxnScheduledUs
	ActionDispatch                 // a query needs to be run asynchronously; see Pending
	ActionTxnDone                  // a transaction completed (logged by the caller)
	ActionClientDone               // the client has finished all its work
)

// Pending describes the query the worker must run asynchronously and
// report back via Resume.
type Pending struct {
	// NeedsConnect is set when the client has no open connection; the
	// worker must establish one asynchronously (accumulating ConnTimeUs)
	// before any of the other fields apply.
	NeedsConnect bool

	Mode         domain.QueryMode
	SQL          string
	Params       []any
	StmtName     string // prepared mode only
	NeedsPrepare bool
	PrepareSQL   string
}

// Options bundles the run-wide configuration a client needs that does not
// change per-client: query mode, transaction limit, rate limiting,
// per-statement timing, and the connection DSN used to (re)open sockets.
type Options struct {
	DSN            string
	Mode           domain.QueryMode
	TxnLimit       int64 // 0 means unbounded (duration-based run)
	PersistentConn bool  // false implies -C: close/reopen every transaction
	RateLimited    bool
	LatencyLimitUs int64
	RecordPerStmt  bool
}

// Runtime wraps domain.ClientState with the connection and script access
// the state machine needs. It is owned by exactly one worker goroutine.
type Runtime struct {
	State   *domain.ClientState
	Conn    *dbconn.Conn
	Scripts []*domain.ScriptFile
	Opts    Options

	Limiter  *ratelimit.Limiter
	Deadline *deadline.Source
	// OnSkip, if set, is called once per transaction slot the rate limiter
	// drops for falling too far behind wall-clock (spec.md §4.4's skip
	// loop), so the caller can write a skipped-transaction log entry.
	OnSkip ratelimit.SkipLog

	// StmtTimer, if non-nil, is called with (commandNum, elapsedUs) once per
	// completed statement when RecordPerStmt is set.
	StmtTimer func(commandNum int, elapsedUs int64)
	// TxnComplete is called with the completed transaction's latency in
	// microseconds (or -1 for a skipped transaction, which never reaches
	// here) so the caller can feed the statistics/logging pipeline.
	TxnComplete func(latencyUs int64, fileIdx int, lagUs int64, late bool)
}

// Tick advances the client state machine by one step, given the current
// wall-clock (microseconds) and, if a previously-dispatched query has now
// completed, its outcome. rng is the owning worker's PRNG (shared, not
// per-client, per spec.md §3's "per-worker-thread PRNG state").
func (r *Runtime) Tick(ctx context.Context, nowUs int64, outcome *dbconn.Outcome, rng *randgen.Source) (Action, *Pending, error) {
	s := r.State

	// Step 1: apply the rate limiter if this transaction hasn't been
	// throttled yet.
	if r.Opts.RateLimited && !s.IsThrottled {
		s.TxnScheduledUs = r.Limiter.Step(rng)
		s.TxnScheduledUs = r.Limiter.ApplyLatencySkip(rng, nowUs, r.OnSkip)
		s.IsThrottled = true
		s.Sleeping = true
		s.Throttling = true
		return ActionSleeping, nil, nil
	}

	// Step 2: sleeping (either the rate-limiter delay or a script \sleep).
	if s.Sleeping {
		if nowUs >= s.WakeAtUs() {
			s.Sleeping = false
			if s.Throttling {
				s.LastLagUs = r.Limiter.CreditLag(s.TxnScheduledUs, nowUs)
				s.Throttling = false
			}
		} else {
			return ActionIdle, nil, nil
		}
	}

	// Step 3: awaiting a dispatched query's result.
	if s.Listen {
		if outcome == nil {
			return ActionIdle, nil, nil // still busy
		}
		if r.Opts.RecordPerStmt && r.StmtTimer != nil {
			cmd := r.Scripts[s.FileIdx].Commands[s.StateIdx]
			r.StmtTimer(cmd.CommandNum, nowUs-s.StmtBeginUs)
		}
		s.Listen = false
		if outcome.Err != nil {
			s.ErrCount++
			if r.Conn.IsFatal() {
				return ActionClientDone, nil, outcome.Err
			}
		}

		return r.completeCommand(ctx, nowUs, rng)
	}

	// Step 4: connection must exist before dispatch; opening one is a
	// blocking network call, so it goes through the same async dispatch
	// path as a query instead of blocking the worker's scheduling loop.
	if r.Conn == nil {
		return ActionDispatch, &Pending{NeedsConnect: true}, nil
	}

	// A fresh state_idx=0 marks the start of a new transaction: record
	// txn_begin_us, and, when rate limiting is off, anchor
	// txn_scheduled_us there too so end-of-transaction latency is measured
	// from when the transaction actually began.
	if s.StateIdx == 0 {
		s.TxnBeginUs = nowUs
		if !r.Opts.RateLimited {
			s.TxnScheduledUs = nowUs
		}
	}

	cmd := r.Scripts[s.FileIdx].Commands[s.StateIdx]

	// Step 6 (meta executes locally, step 5 dispatches SQL asynchronously).
	if cmd.Kind == domain.MetaCommand {
		if err := r.execMeta(ctx, cmd, rng); err != nil {
			s.ErrCount++
			// script-runtime errors keep the client alive; advance past
			// the failed command so the transaction is not stuck.
		}
		return r.completeCommand(ctx, nowUs, rng)
	}

	// SQL dispatch.
	s.StmtBeginUs = nowUs
	s.Listen = true

	params, err := bindParams(cmd.Params, s.Variables)
	if err != nil {
		s.ErrCount++
		s.Listen = false
		s.StateIdx++
		return ActionIdle, nil, nil
	}

	pending := &Pending{Mode: r.Opts.Mode, SQL: cmd.SQLText, Params: params}
	if r.Opts.Mode == domain.ModePrepared {
		pending.StmtName = dbconn.StmtName(s.FileIdx, s.StateIdx)
		if !r.Conn.Prepared[pending.StmtName] {
			pending.NeedsPrepare = true
			pending.PrepareSQL = cmd.SQLText
		}
	}
	return ActionDispatch, pending, nil
}

// completeCommand is the bookkeeping §4.5 step 3 performs once a command's
// result has been drained, shared by both the SQL-drain path and the
// meta-command path: the original driver sets listen=true after a
// successful meta-command precisely so this logic runs uniformly whether
// the last command in the script was SQL or a directive like \sleep.
func (r *Runtime) completeCommand(ctx context.Context, nowUs int64, rng *randgen.Source) (Action, *Pending, error) {
	s := r.State
	isLastCommand := s.StateIdx == len(r.Scripts[s.FileIdx].Commands)-1
	if isLastCommand {
		latencyUs := nowUs - s.TxnScheduledUs
		s.Counters.Record(latencyUs)
		s.TxnCount++
		late := r.Opts.LatencyLimitUs > 0 && latencyUs > r.Opts.LatencyLimitUs
		if late && r.Limiter != nil {
			r.Limiter.NoteLate()
		}
		// lag was computed when the throttling sleep ended (step 2) and
		// stashed on LastLagUs; an unthrottled transaction reports 0.
		if r.TxnComplete != nil {
			r.TxnComplete(latencyUs, s.FileIdx, s.LastLagUs, late)
		}
	}

	s.StateIdx++
	if s.StateIdx >= len(r.Scripts[s.FileIdx].Commands) {
		return r.finishTransaction(ctx, nowUs, rng)
	}
	return ActionIdle, nil, nil
}

// finishTransaction implements the end-of-script handling of §4.5 step 3:
// optionally close a per-transaction connection, count the transaction, and
// either finish the client or reset for another pass through a freshly
// chosen script file.
func (r *Runtime) finishTransaction(ctx context.Context, nowUs int64, rng *randgen.Source) (Action, *Pending, error) {
	s := r.State

	if !r.Opts.PersistentConn && r.Conn != nil {
		if err := r.Conn.Close(ctx); err != nil {
			return ActionClientDone, nil, err
		}
		r.Conn = nil
	}

	if (r.Opts.TxnLimit > 0 && s.TxnCount >= r.Opts.TxnLimit) || r.Deadline.Fired() {
		s.Done = true
		return ActionClientDone, nil, nil
	}

	fileIdx := int(rng.Float64() * float64(len(r.Scripts)))
	if fileIdx >= len(r.Scripts) {
		fileIdx = len(r.Scripts) - 1
	}
	s.ResetForNewTransaction(fileIdx)
	return ActionTxnDone, nil, nil
}

func (r *Runtime) execMeta(ctx context.Context, cmd domain.Command, rng *randgen.Source) error {
	s := r.State
	switch cmd.Verb {
	case domain.VerbSet:
		val, err := cmd.Expr.Eval(s.Variables)
		if err != nil {
			return err
		}
		s.Variables.SetInt64(cmd.Args[0], val)
		return nil

	case domain.VerbSetRandom:
		args, err := substituteArgs(cmd.Args, s.Variables)
		if err != nil {
			return err
		}
		return execSetRandom(s, args, rng)

	case domain.VerbSleep:
		args, err := substituteArgs(cmd.Args, s.Variables)
		if err != nil {
			return err
		}
		d, err := parseSleepArgs(args)
		if err != nil {
			return err
		}
		s.SleepUntilUs = nowMicros() + d.Microseconds()
		s.Sleeping = true
		return nil

	case domain.VerbSetShell:
		varName := cmd.Args[0]
		args, err := substituteArgs(cmd.Args[1:], s.Variables)
		if err != nil {
			return err
		}
		n, err := shellexec.RunForInt(ctx, args)
		if err != nil {
			return err
		}
		s.Variables.SetInt64(varName, n)
		return nil

	case domain.VerbShell:
		args, err := substituteArgs(cmd.Args, s.Variables)
		if err != nil {
			return err
		}
		if err := shellexec.Run(ctx, args); err != nil {
			if !r.Deadline.Fired() {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown meta-command verb %q", cmd.Verb)
	}
}

func execSetRandom(s *domain.ClientState, args []string, rng *randgen.Source) error {
	varName := args[0]
	min, err := strconv64(args[1])
	if err != nil {
		return err
	}
	max, err := strconv64(args[2])
	if err != nil {
		return err
	}

	var v int64
	switch {
	case len(args) == 4 && args[3] == "uniform":
		v, err = rng.Uniform(min, max)
	case len(args) == 4:
		return fmt.Errorf("unknown distribution %q", args[3])
	case len(args) == 5 && args[3] == "gaussian":
		theta, terr := strconvFloat(args[4])
		if terr != nil {
			return terr
		}
		if theta < randgen.MinGaussianThreshold {
			return fmt.Errorf("gaussian threshold must be >= %v", randgen.MinGaussianThreshold)
		}
		v, err = rng.Gaussian(min, max, theta)
	case len(args) == 5 && args[3] == "exponential":
		theta, terr := strconvFloat(args[4])
		if terr != nil {
			return terr
		}
		v, err = rng.Exponential(min, max, theta)
	default:
		v, err = rng.Uniform(min, max)
	}
	if err != nil {
		return err
	}
	s.Variables.SetInt64(varName, v)
	return nil
}

func parseSleepArgs(args []string) (time.Duration, error) {
	var numText, unit string
	switch len(args) {
	case 1:
		numText, unit = splitNumberUnit(args[0])
	case 2:
		numText, unit = args[0], args[1]
	default:
		return 0, fmt.Errorf("\\sleep takes 1 or 2 arguments")
	}
	if unit == "" {
		unit = "s"
	}
	n, err := strconv64(numText)
	if err != nil {
		return 0, err
	}
	switch unit {
	case "us":
		return time.Duration(n) * time.Microsecond, nil
	case "ms":
		return time.Duration(n) * time.Millisecond, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	default:
		return 0, fmt.Errorf("unknown sleep unit %q", unit)
	}
}

// splitNumberUnit splits "100us"-style concatenated tokens into their
// digit run and trailing unit.
func splitNumberUnit(tok string) (string, string) {
	i := 0
	for i < len(tok) && (tok[i] >= '0' && tok[i] <= '9' || tok[i] == '-') {
		i++
	}
	return tok[:i], tok[i:]
}

// substituteArgs applies the uniform :name/::literal substitution rule of
// spec.md §4.6 to a meta-command's argument list; execMeta applies it to
// every verb except \set, whose expression resolves variables itself.
func substituteArgs(args []string, vars *domain.VariableStore) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		switch {
		case strings.HasPrefix(a, "::"):
			out[i] = a[1:]
		case strings.HasPrefix(a, ":") && len(a) > 1 && isPlainName(a[1:]):
			val, ok := vars.Get(a[1:])
			if !ok {
				return nil, fmt.Errorf("undefined variable %q", a[1:])
			}
			out[i] = val
		default:
			out[i] = a
		}
	}
	return out, nil
}

func isPlainName(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return len(s) > 0
}

// bindParams resolves a SQL command's parameter names into bind values for
// the extended/prepared protocols.
func bindParams(names []string, vars *domain.VariableStore) ([]any, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]any, len(names))
	for i, name := range names {
		val, ok := vars.Get(name)
		if !ok {
			return nil, fmt.Errorf("undefined variable %q", name)
		}
		out[i] = val
	}
	return out, nil
}

func strconv64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func strconvFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return f, nil
}

// nowMicros reads the wall clock for \sleep: execMeta stamps the wake time
// relative to when the meta-command itself runs rather than the tick's
// nowUs, to match the original driver's behavior. It is a variable so the
// clock can be replaced.
var nowMicros = func() int64 {
	return time.Now().UnixMicro()
}
