package worker

import (
	"context"
	"testing"
	"time"

	"github.com/relbench/pgdrill/internal/client"
	"github.com/relbench/pgdrill/internal/core/domain"
	"github.com/relbench/pgdrill/internal/dbconn"
	"github.com/relbench/pgdrill/internal/deadline"
	"github.com/relbench/pgdrill/internal/randgen"
)

type constExprT struct{ v int64 }

func (c constExprT) Eval(_ *domain.VariableStore) (int64, error) { return c.v, nil }

// runMetaOnlyClient drives a one-client worker over a meta-command-only
// script (no SQL, so no real database connection is ever exercised) and
// returns once the client reaches its transaction limit.
func runMetaOnlyClient(t *testing.T, cmds []domain.Command, txnLimit int64) *client.Runtime {
	t.Helper()
	state := domain.NewClientState(1, nil)
	rt := &client.Runtime{
		State:    state,
		Conn:     &dbconn.Conn{},
		Scripts:  []*domain.ScriptFile{{Name: "t", Commands: cmds}},
		Opts:     client.Options{Mode: domain.ModeSimple, PersistentConn: true, TxnLimit: txnLimit},
		Deadline: deadline.New(0),
	}
	w := New(0, []*client.Runtime{rt}, randgen.NewSource(1), deadline.New(0))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not finish within timeout")
	}
	return rt
}

func TestWorkerRunsMetaOnlyScriptToCompletion(t *testing.T) {
	cmds := []domain.Command{
		{Kind: domain.MetaCommand, Verb: domain.VerbSet, Args: []string{"x"}, Expr: constExprT{v: 3}},
		{Kind: domain.MetaCommand, Verb: domain.VerbSet, Args: []string{"y"}, Expr: constExprT{v: 4}},
	}
	rt := runMetaOnlyClient(t, cmds, 3)

	if !rt.State.Done {
		t.Fatal("expected client to be Done")
	}
	if rt.State.TxnCount != 3 {
		t.Fatalf("TxnCount = %d, want 3", rt.State.TxnCount)
	}
	val, err := rt.State.Variables.GetInt64("y")
	if err != nil || val != 4 {
		t.Fatalf("y = %d (err %v), want 4", val, err)
	}
}

func TestWorkerHandlesSleepWithoutStallingForever(t *testing.T) {
	cmds := []domain.Command{
		{Kind: domain.MetaCommand, Verb: domain.VerbSleep, Args: []string{"5", "ms"}},
	}
	rt := runMetaOnlyClient(t, cmds, 2)

	if !rt.State.Done {
		t.Fatal("expected client to be Done")
	}
	if rt.State.TxnCount != 2 {
		t.Fatalf("TxnCount = %d, want 2", rt.State.TxnCount)
	}
}

func TestWorkerOpensConnectionOnDemand(t *testing.T) {
	// A SQL-only script with no pre-set connection would require a live
	// server to actually dispatch; here we only check that the worker
	// attempts the connect path (NeedsConnect) and aborts that client
	// cleanly on a connection failure rather than hanging.
	state := domain.NewClientState(1, nil)
	rt := &client.Runtime{
		State:    state,
		Conn:     nil,
		Scripts:  []*domain.ScriptFile{{Name: "t", Commands: []domain.Command{{Kind: domain.SQLCommand, SQLText: "select 1"}}}},
		Opts:     client.Options{Mode: domain.ModeSimple, PersistentConn: true, TxnLimit: 1, DSN: "host=127.0.0.1 port=1 connect_timeout=1 dbname=nonexistent"},
		Deadline: deadline.New(0),
	}
	w := New(0, []*client.Runtime{rt}, randgen.NewSource(1), deadline.New(0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish within timeout")
	}
	if !rt.State.Done {
		t.Fatal("expected client to abort and be marked Done after a connect failure")
	}
}
