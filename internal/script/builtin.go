package script

import (
	"fmt"

	"github.com/relbench/pgdrill/internal/core/domain"
)

// BuiltinName identifies one of the three built-in transaction scripts.
type BuiltinName string

const (
	BuiltinTPCBLike     BuiltinName = "tpcb-like"
	BuiltinSimpleUpdate BuiltinName = "simple-update"
	BuiltinSelectOnly   BuiltinName = "select-only"
)

// builtinSource returns the script text for name, parameterized by scale so
// the random account id ranges match the loaded data set, matching the
// original driver's builtin scripts.
func builtinSource(name BuiltinName, scale int) string {
	accounts := int64(scale) * 100000
	if accounts < 1 {
		accounts = 1
	}
	switch name {
	case BuiltinTPCBLike:
		return fmt.Sprintf(`\set aid random(1, %d)
\set bid random(1, %d)
\set tid random(1, %d)
\set delta random(-5000, 5000)
BEGIN;
UPDATE pgbench_accounts SET abalance = abalance + :delta WHERE aid = :aid;
SELECT abalance FROM pgbench_accounts WHERE aid = :aid;
UPDATE pgbench_tellers SET tbalance = tbalance + :delta WHERE tid = :tid;
UPDATE pgbench_branches SET bbalance = bbalance + :delta WHERE bid = :bid;
INSERT INTO pgbench_history (tid, bid, aid, delta, mtime) VALUES (:tid, :bid, :aid, :delta, CURRENT_TIMESTAMP);
END;
`, accounts, scale, scale)
	case BuiltinSimpleUpdate:
		return fmt.Sprintf(`\set aid random(1, %d)
\set bid random(1, %d)
\set tid random(1, %d)
\set delta random(-5000, 5000)
BEGIN;
UPDATE pgbench_accounts SET abalance = abalance + :delta WHERE aid = :aid;
SELECT abalance FROM pgbench_accounts WHERE aid = :aid;
INSERT INTO pgbench_history (tid, bid, aid, delta, mtime) VALUES (:tid, :bid, :aid, :delta, CURRENT_TIMESTAMP);
END;
`, accounts, scale, scale)
	case BuiltinSelectOnly:
		return fmt.Sprintf(`\set aid random(1, %d)
SELECT abalance FROM pgbench_accounts WHERE aid = :aid;
`, accounts)
	default:
		return ""
	}
}

// ParseBuiltin parses one of the three built-in scripts as if it had been
// read from a file named "<builtin: name>", per spec.md §6.
//
// The builtin source above uses a pgbench-style random(min, max) helper
// token that is not part of the general script grammar (\set's expression
// language has no function calls); it is expanded to a \setrandom command
// before handing the rest of the line to the ordinary parser, matching how
// the original driver's internal builtin strings are preprocessed.
func ParseBuiltin(name BuiltinName, scale int, mode domain.QueryMode, counter *Counter) (*domain.ScriptFile, error) {
	source := builtinSource(name, scale)
	expanded, err := expandRandomCalls(source)
	if err != nil {
		return nil, err
	}
	return Parse(fmt.Sprintf("<builtin: %s>", name), expanded, mode, counter)
}
