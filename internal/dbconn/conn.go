// Package dbconn wraps the pgx/v5 connection surface the benchmarking core
// needs, per spec.md §6: connect, dispatch a query in one of three
// protocols (simple, extended, prepared), and report its outcome. Each
// simulated client owns exactly one dedicated *pgx.Conn — never a pool —
// since the number of connections the server has to juggle is itself the
// thing under test.
package dbconn

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is one client's database connection plus the bookkeeping needed for
// prepared-statement mode (pgx tracks prepared statements by name on the
// connection itself; Prepared mirrors that so the client state machine
// knows whether a given statement name has already been prepared on this
// connection).
type Conn struct {
	pg       *pgx.Conn
	Prepared map[string]bool
}

// Connect opens one connection using libpq-style keyword/value parameters,
// matching the "connect with keyword/value parameters" surface spec.md §6
// requires of the database collaborator.
func Connect(ctx context.Context, dsn string) (*Conn, error) {
	pg, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &Conn{pg: pg, Prepared: make(map[string]bool)}, nil
}

// Close closes the underlying connection.
func (c *Conn) Close(ctx context.Context) error {
	return c.pg.Close(ctx)
}

// Outcome is the result of one dispatched statement: pgbench's core never
// consumes returned row values (only \setshell/\shell can feed a value back
// into a variable, and that goes through internal/shellexec, not SQL), so
// the only facts the scheduler needs back are the command tag and whether
// the server reported an error.
type Outcome struct {
	Tag pgconn.CommandTag
	Err error
}

// ExecSimple submits sql using the simple query protocol: values are
// already textually substituted into the SQL by the caller, so no bind
// parameters are passed here.
func (c *Conn) ExecSimple(ctx context.Context, sql string) Outcome {
	tag, err := c.pg.Exec(ctx, sql, pgx.QueryExecModeSimpleProtocol)
	return Outcome{Tag: tag, Err: err}
}

// ExecExtended submits sql (already rewritten to $1..$N) with bound
// parameters using the extended query protocol, without a server-side
// PREPARE.
func (c *Conn) ExecExtended(ctx context.Context, sql string, params []any) Outcome {
	args := make([]any, 0, len(params)+1)
	args = append(args, pgx.QueryExecModeExec)
	args = append(args, params...)
	tag, err := c.pg.Exec(ctx, sql, args...)
	return Outcome{Tag: tag, Err: err}
}

// Prepare issues a server-side PREPARE for sql under stmtName, a no-op if
// already prepared on this connection. In prepared mode each statement is
// prepared on its own the first time it runs on a connection; the other
// statements of the same script file are not prepared along with it.
func (c *Conn) Prepare(ctx context.Context, stmtName, sql string) error {
	if c.Prepared[stmtName] {
		return nil
	}
	if _, err := c.pg.Prepare(ctx, stmtName, sql); err != nil {
		return fmt.Errorf("prepare %s: %w", stmtName, err)
	}
	c.Prepared[stmtName] = true
	return nil
}

// ExecPrepared runs a previously prepared statement by name.
func (c *Conn) ExecPrepared(ctx context.Context, stmtName string, params []any) Outcome {
	tag, err := c.pg.Exec(ctx, stmtName, params...)
	return Outcome{Tag: tag, Err: err}
}

// StmtName derives the deterministic prepared-statement name for a given
// script file and command index, matching spec.md §4.5's "per-(file_idx,
// state_idx) statement name".
func StmtName(fileIdx, stateIdx int) string {
	return fmt.Sprintf("pgdrill_s%d_%d", fileIdx, stateIdx)
}

// IsFatal distinguishes a connection-level failure (the socket is gone;
// the client must abort and tear down its connection) from an ordinary
// query error (bad SQL, constraint violation; the connection is still
// usable, and the client counts the error and goes on with the next command
// of its script; the rest of the transaction is not skipped). The pgx connection
// object itself tracks liveness, so we simply ask it.
func (c *Conn) IsFatal() bool {
	return c.pg.IsClosed()
}
