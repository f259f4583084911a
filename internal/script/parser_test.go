package script

import (
	"strings"
	"testing"

	"github.com/relbench/pgdrill/internal/core/domain"
)

func TestParseSetExpr(t *testing.T) {
	sf, err := Parse("test", `\set x 3 + 4 * 2`, domain.ModeSimple, NewCounter())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(sf.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(sf.Commands))
	}
	cmd := sf.Commands[0]
	if cmd.Kind != domain.MetaCommand || cmd.Verb != domain.VerbSet {
		t.Fatalf("expected a set meta-command, got %+v", cmd)
	}
	v, err := cmd.Expr.Eval(domain.NewVariableStore())
	if err != nil || v != 11 {
		t.Fatalf("expected 11, got %d (err %v)", v, err)
	}
}

func TestParseIgnoresCommentsAndBlankLines(t *testing.T) {
	src := "-- a comment\n\n\\set x 1\n"
	sf, err := Parse("test", src, domain.ModeSimple, NewCounter())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(sf.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(sf.Commands))
	}
}

func TestParseSQLSimpleModeVerbatim(t *testing.T) {
	src := "SELECT abalance FROM pgbench_accounts WHERE aid = :aid;\n"
	sf, err := Parse("test", src, domain.ModeSimple, NewCounter())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sf.Commands[0].SQLText != strings.TrimRight(src, "\n") {
		t.Errorf("simple mode must keep SQL verbatim, got %q", sf.Commands[0].SQLText)
	}
}

func TestParseSQLExtendedModeRewritesPlaceholders(t *testing.T) {
	src := "SELECT abalance FROM pgbench_accounts WHERE aid = :aid AND bid = :bid;\n"
	sf, err := Parse("test", src, domain.ModeExtended, NewCounter())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cmd := sf.Commands[0]
	want := "SELECT abalance FROM pgbench_accounts WHERE aid = $1 AND bid = $2;"
	if cmd.SQLText != want {
		t.Errorf("got %q, want %q", cmd.SQLText, want)
	}
	if len(cmd.Params) != 2 || cmd.Params[0] != "aid" || cmd.Params[1] != "bid" {
		t.Errorf("got params %v", cmd.Params)
	}
}

func TestRewritePlaceholdersEscapedColon(t *testing.T) {
	text, params, err := RewritePlaceholders("SELECT '::aid' AS literal")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if text != "SELECT ':aid' AS literal" {
		t.Errorf("got %q", text)
	}
	if len(params) != 0 {
		t.Errorf("expected no params, got %v", params)
	}
}

func TestRewritePlaceholdersRepeatedNameReparameterizes(t *testing.T) {
	// Each occurrence of :name gets its own positional index; the same
	// name appearing twice produces two params with the same name, matching
	// "k occurrences of $i ... in order of first appearance" read literally
	// per-occurrence (pgbench does not dedup params across a statement).
	text, params, err := RewritePlaceholders(":aid = :aid")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if text != "$1 = $2" {
		t.Errorf("got %q", text)
	}
	if len(params) != 2 || params[0] != "aid" || params[1] != "aid" {
		t.Errorf("got params %v", params)
	}
}

func TestRewritePlaceholdersTooMany(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < domain.MaxArgs; i++ {
		sb.WriteString(":p" + string(rune('a'+i)) + " ")
	}
	if _, _, err := RewritePlaceholders(sb.String()); err == nil {
		t.Error("expected too-many-parameters error")
	}
}

func TestParseSetRandomValidation(t *testing.T) {
	cases := []struct {
		line    string
		wantErr bool
	}{
		{`\setrandom k 1 100`, false},
		{`\setrandom k 1 100 uniform`, false},
		{`\setrandom k 1 100 badword`, true},
		{`\setrandom k 1 100 gaussian 2.0`, false},
		{`\setrandom k 1 100 exponential 3.0`, false},
		{`\setrandom k 1 100 gaussian`, true},
		{`\setrandom k 1`, true},
	}
	for _, c := range cases {
		_, err := Parse("test", c.line, domain.ModeSimple, NewCounter())
		if (err != nil) != c.wantErr {
			t.Errorf("%q: err=%v, wantErr=%v", c.line, err, c.wantErr)
		}
	}
}

func TestParseSleepUnits(t *testing.T) {
	for _, line := range []string{`\sleep 5`, `\sleep 5 ms`, `\sleep 100us`} {
		if _, err := Parse("test", line, domain.ModeSimple, NewCounter()); err != nil {
			t.Errorf("%q: unexpected error %v", line, err)
		}
	}
}

func TestParseShellValidation(t *testing.T) {
	if _, err := Parse("test", `\shell`, domain.ModeSimple, NewCounter()); err == nil {
		t.Error("expected error for \\shell with no command")
	}
	if _, err := Parse("test", `\setshell x`, domain.ModeSimple, NewCounter()); err == nil {
		t.Error("expected error for \\setshell with too few tokens")
	}
}

func TestCommandNumGloballyUnique(t *testing.T) {
	counter := NewCounter()
	sf1, err := Parse("a", "\\set x 1\n\\set y 2\n", domain.ModeSimple, counter)
	if err != nil {
		t.Fatal(err)
	}
	sf2, err := Parse("b", "\\set z 3\n", domain.ModeSimple, counter)
	if err != nil {
		t.Fatal(err)
	}
	nums := []int{sf1.Commands[0].CommandNum, sf1.Commands[1].CommandNum, sf2.Commands[0].CommandNum}
	if nums[0] == nums[1] || nums[1] == nums[2] || nums[0] == nums[2] {
		t.Errorf("command numbers must be globally unique, got %v", nums)
	}
}

func TestBuiltinScriptsParse(t *testing.T) {
	counter := NewCounter()
	for _, name := range []BuiltinName{BuiltinTPCBLike, BuiltinSimpleUpdate, BuiltinSelectOnly} {
		sf, err := ParseBuiltin(name, 10, domain.ModeExtended, counter)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(sf.Commands) == 0 {
			t.Errorf("%s: expected commands", name)
		}
	}
}

// TestIdempotentParse implements the §8 property: re-parsing a command's
// RawLine yields an equivalent parsed form.
func TestIdempotentParse(t *testing.T) {
	src := `\set x 3 + 4 * 2
\setrandom aid 1 100 uniform
\sleep 10 ms
SELECT abalance FROM pgbench_accounts WHERE aid = :aid;
`
	sf, err := Parse("test", src, domain.ModeExtended, NewCounter())
	if err != nil {
		t.Fatal(err)
	}
	for _, cmd := range sf.Commands {
		var reparsed *domain.ScriptFile
		var rerr error
		if cmd.Kind == domain.SQLCommand {
			reparsed, rerr = Parse("test2", cmd.RawLine, domain.ModeExtended, NewCounter())
		} else {
			reparsed, rerr = Parse("test2", cmd.RawLine, domain.ModeSimple, NewCounter())
		}
		if rerr != nil {
			t.Fatalf("re-parse of %q failed: %v", cmd.RawLine, rerr)
		}
		if len(reparsed.Commands) != 1 {
			t.Fatalf("re-parse of %q produced %d commands", cmd.RawLine, len(reparsed.Commands))
		}
		got := reparsed.Commands[0]
		if got.Kind != cmd.Kind || got.Verb != cmd.Verb {
			t.Errorf("re-parse of %q changed kind/verb: %+v vs %+v", cmd.RawLine, got, cmd)
		}
	}
}
