package schema

import "testing"

func TestWithUnloggedInsertsKeyword(t *testing.T) {
	ddl := "\nCREATE TABLE pgbench_branches (\n\tbid integer\n)"
	got := withUnlogged(ddl, "UNLOGGED ")
	want := "\nCREATE UNLOGGED TABLE pgbench_branches (\n\tbid integer\n)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWithUnloggedNoopWhenNotRequested(t *testing.T) {
	ddl := "CREATE TABLE pgbench_branches (bid integer)"
	if got := withUnlogged(ddl, ""); got != ddl {
		t.Fatalf("got %q, want unchanged %q", got, ddl)
	}
}

func TestIndexOfFindsSubstring(t *testing.T) {
	if i := indexOf("hello world", "world"); i != 6 {
		t.Fatalf("indexOf = %d, want 6", i)
	}
	if i := indexOf("hello world", "xyz"); i != -1 {
		t.Fatalf("indexOf = %d, want -1", i)
	}
}
