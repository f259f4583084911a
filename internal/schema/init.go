// Package schema is the schema-initialization external collaborator named
// but left unspecified by spec.md §6: building the four fixed benchmark
// tables (pgbench_branches, pgbench_tellers, pgbench_accounts,
// pgbench_history), their indexes and foreign keys, and seeding accounts
// for a chosen scale factor. It is invoked only by -i/--initialize and
// never touched by the benchmarking core itself.
package schema

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/relbench/pgdrill/internal/logging"
)

// FillFactor is the default fillfactor on pgbench_accounts and
// pgbench_tellers, matching the original driver. Options.FillFactor can
// lower it to leave more free space per page for the benchmark's
// update-heavy transaction profile.
const FillFactor = 100

const ddlBranches = `
CREATE TABLE pgbench_branches (
	bid      integer NOT NULL,
	bbalance integer,
	filler   character(88)
) WITH (fillfactor = 100)`

const ddlTellers = `
CREATE TABLE pgbench_tellers (
	tid      integer NOT NULL,
	bid      integer,
	tbalance integer,
	filler   character(84)
) WITH (fillfactor = %d)`

const ddlAccounts = `
CREATE TABLE pgbench_accounts (
	aid      bigint NOT NULL,
	bid      integer,
	abalance integer,
	filler   character(84)
) WITH (fillfactor = %d)`

const ddlHistory = `
CREATE TABLE pgbench_history (
	tid    integer,
	bid    integer,
	aid    bigint,
	delta  integer,
	mtime  timestamp,
	filler character(22)
)`

// ScaleThreshold32Bit is SCALE_32BIT_THRESHOLD from the original driver:
// above this scale factor, pgbench_accounts.aid no longer fits a signed
// 32-bit range and must be addressed as bigint end to end.
const ScaleThreshold32Bit = 20000

// Options controls one initialization run.
type Options struct {
	Scale     int  // number of pgbench_branches rows; accounts = scale * 100000
	FillFactor int // 0 selects FillFactor
	Unlogged  bool // create UNLOGGED tables, trading durability for load speed
	NoIndexes bool // skip index/foreign-key creation (for bulk-load-then-index workflows)
}

// Initializer drives schema creation and seeding over one dedicated
// connection — not a simulated client's connection, since initialization
// runs once, before any benchmarking clients exist.
type Initializer struct {
	conn *pgx.Conn
	log  logging.Logger
}

// Connect opens the dedicated initialization connection.
func Connect(ctx context.Context, dsn string, log logging.Logger) (*Initializer, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "schema: connect")
	}
	return &Initializer{conn: conn, log: log}, nil
}

// Close releases the initialization connection.
func (in *Initializer) Close(ctx context.Context) error {
	return in.conn.Close(ctx)
}

// Run drops any existing benchmark tables, recreates them, builds the
// indexes and foreign keys (unless skipped), and seeds accounts/branches/
// tellers for the configured scale factor.
func (in *Initializer) Run(ctx context.Context, opts Options) error {
	if opts.Scale <= 0 {
		return errors.New("schema: scale must be positive")
	}
	fillFactor := opts.FillFactor
	if fillFactor <= 0 {
		fillFactor = FillFactor
	}

	in.log.Info("dropping existing benchmark tables")
	if err := in.dropTables(ctx); err != nil {
		return errors.Wrap(err, "schema: drop tables")
	}

	in.log.Info("creating benchmark tables", zap.Int("scale", opts.Scale))
	if err := in.createTables(ctx, fillFactor, opts.Unlogged); err != nil {
		return errors.Wrap(err, "schema: create tables")
	}

	if err := in.seed(ctx, opts.Scale); err != nil {
		return errors.Wrap(err, "schema: seed")
	}

	if !opts.NoIndexes {
		in.log.Info("building indexes and foreign keys")
		if err := in.createIndexes(ctx); err != nil {
			return errors.Wrap(err, "schema: create indexes")
		}
	}

	in.log.Info("vacuum analyze")
	if _, err := in.conn.Exec(ctx, "VACUUM ANALYZE pgbench_branches, pgbench_tellers, pgbench_accounts"); err != nil {
		return errors.Wrap(err, "schema: vacuum")
	}
	return nil
}

func (in *Initializer) dropTables(ctx context.Context) error {
	_, err := in.conn.Exec(ctx, `DROP TABLE IF EXISTS
		pgbench_accounts, pgbench_branches, pgbench_tellers, pgbench_history CASCADE`)
	return err
}

func (in *Initializer) createTables(ctx context.Context, fillFactor int, unlogged bool) error {
	unloggedKw := ""
	if unlogged {
		unloggedKw = "UNLOGGED "
	}
	stmts := []string{
		withUnlogged(ddlBranches, unloggedKw),
		withUnlogged(fmt.Sprintf(ddlTellers, fillFactor), unloggedKw),
		withUnlogged(fmt.Sprintf(ddlAccounts, fillFactor), unloggedKw),
		withUnlogged(ddlHistory, unloggedKw),
	}
	for _, stmt := range stmts {
		if _, err := in.conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func withUnlogged(ddl, unloggedKw string) string {
	if unloggedKw == "" {
		return ddl
	}
	const marker = "CREATE TABLE "
	i := indexOf(ddl, marker)
	if i < 0 {
		return ddl
	}
	return ddl[:i] + "CREATE " + unloggedKw + "TABLE " + ddl[i+len(marker):]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// seed populates branches, tellers and accounts for scale branches, per
// the original driver's fixed ratios: 10 tellers and 100,000 accounts per
// branch. Accounts is by far the largest table, so it is loaded with the
// COPY protocol rather than row-at-a-time INSERTs.
func (in *Initializer) seed(ctx context.Context, scale int) error {
	const tellersPerBranch = 10
	const accountsPerBranch = 100000

	branchRows := make([][]any, scale)
	for i := range branchRows {
		branchRows[i] = []any{i + 1, 0}
	}
	if _, err := in.conn.CopyFrom(ctx,
		pgx.Identifier{"pgbench_branches"},
		[]string{"bid", "bbalance"},
		pgx.CopyFromRows(branchRows),
	); err != nil {
		return errors.Wrap(err, "copy branches")
	}

	tellerRows := make([][]any, 0, scale*tellersPerBranch)
	for b := 1; b <= scale; b++ {
		for t := 1; t <= tellersPerBranch; t++ {
			tid := (b-1)*tellersPerBranch + t
			tellerRows = append(tellerRows, []any{tid, b, 0})
		}
	}
	if _, err := in.conn.CopyFrom(ctx,
		pgx.Identifier{"pgbench_tellers"},
		[]string{"tid", "bid", "tbalance"},
		pgx.CopyFromRows(tellerRows),
	); err != nil {
		return errors.Wrap(err, "copy tellers")
	}

	in.log.Info("seeding accounts", zap.Int64("rows", int64(scale)*accountsPerBranch))
	const batchSize = 100000
	var batch [][]any
	aid := int64(1)
	for b := 1; b <= scale; b++ {
		for a := 0; a < accountsPerBranch; a++ {
			batch = append(batch, []any{aid, b, 0})
			aid++
			if len(batch) >= batchSize {
				if err := in.copyAccounts(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
	}
	if len(batch) > 0 {
		if err := in.copyAccounts(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (in *Initializer) copyAccounts(ctx context.Context, rows [][]any) error {
	_, err := in.conn.CopyFrom(ctx,
		pgx.Identifier{"pgbench_accounts"},
		[]string{"aid", "bid", "abalance"},
		pgx.CopyFromRows(rows),
	)
	return errors.Wrap(err, "copy accounts batch")
}

func (in *Initializer) createIndexes(ctx context.Context) error {
	stmts := []string{
		"ALTER TABLE pgbench_branches ADD PRIMARY KEY (bid)",
		"ALTER TABLE pgbench_tellers ADD PRIMARY KEY (tid)",
		"ALTER TABLE pgbench_accounts ADD PRIMARY KEY (aid)",
		"ALTER TABLE pgbench_tellers ADD FOREIGN KEY (bid) REFERENCES pgbench_branches (bid)",
		"ALTER TABLE pgbench_accounts ADD FOREIGN KEY (bid) REFERENCES pgbench_branches (bid)",
		"ALTER TABLE pgbench_history ADD FOREIGN KEY (bid) REFERENCES pgbench_branches (bid)",
		"ALTER TABLE pgbench_history ADD FOREIGN KEY (tid) REFERENCES pgbench_tellers (tid)",
		"ALTER TABLE pgbench_history ADD FOREIGN KEY (aid) REFERENCES pgbench_accounts (aid)",
	}
	for _, stmt := range stmts {
		if _, err := in.conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ReadScale queries the server for the already-initialized scale factor,
// used when -s is not given and the driver must infer it from an existing
// pgbench_branches table, per spec.md §6 ("-s N scale (read from server if
// not initializing)").
func ReadScale(ctx context.Context, conn *pgx.Conn) (int, error) {
	var count int
	if err := conn.QueryRow(ctx, "select count(*) from pgbench_branches").Scan(&count); err != nil {
		return 0, errors.Wrap(err, "schema: read scale")
	}
	if count <= 0 {
		return 0, errors.New("schema: pgbench_branches is empty; run --initialize first")
	}
	return count, nil
}
