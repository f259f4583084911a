// Package script parses pgdrill transaction scripts: SQL statements (with
// :name placeholders rewritten for extended/prepared query modes) and
// client-side meta-commands (\set, \setrandom, \sleep, \setshell, \shell).
package script

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/relbench/pgdrill/internal/core/domain"
	"github.com/relbench/pgdrill/internal/exprlang"
)

// ParseError is a fatal script-parse diagnostic with file/line/column
// context, rendered with a caret under the offending text.
type ParseError struct {
	File string
	Line int
	Col  int
	Msg  string
	Text string
}

func (e *ParseError) Error() string {
	caret := ""
	if e.Col > 0 {
		caret = fmt.Sprintf("\n%s\n%s^", e.Text, strings.Repeat(" ", e.Col-1))
	}
	return fmt.Sprintf("%s:%d: %s%s", e.File, e.Line, e.Msg, caret)
}

// Counter assigns globally unique command numbers across every
// script file the coordinator parses, matching spec.md's "command_num —
// globally unique index assigned in parse order".
type Counter struct{ next int }

func (c *Counter) take() int {
	n := c.next
	c.next++
	return n
}

// Parse reads source line by line and produces a ScriptFile named name. It
// is the single entry point used for both file-backed scripts and the
// builtins in builtin.go (which pass an in-memory string as source).
func Parse(name string, source string, mode domain.QueryMode, counter *Counter) (*domain.ScriptFile, error) {
	sf := &domain.ScriptFile{Name: name}
	scanner := bufio.NewScanner(strings.NewReader(source))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		var cmd domain.Command
		var err error
		if strings.HasPrefix(trimmed, "\\") {
			cmd, err = parseMeta(name, lineNo, line, trimmed)
		} else {
			cmd, err = parseSQL(line, mode)
		}
		if err != nil {
			return nil, err
		}
		cmd.RawLine = line
		cmd.CommandNum = counter.take()
		sf.Commands = append(sf.Commands, cmd)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return sf, nil
}

func parseSQL(line string, mode domain.QueryMode) (domain.Command, error) {
	cmd := domain.Command{Kind: domain.SQLCommand}
	if mode == domain.ModeSimple {
		cmd.SQLText = line
		return cmd, nil
	}
	text, params, err := RewritePlaceholders(line)
	if err != nil {
		return cmd, err
	}
	cmd.SQLText = text
	cmd.Params = params
	return cmd, nil
}

// RewritePlaceholders scans sql for :name references and replaces them with
// positional $k parameters, per spec.md §4.1. Every occurrence gets its own
// $k, so a repeated name is bound more than once. At most MaxArgs-1
// parameters are allowed per statement.
func RewritePlaceholders(sql string) (string, []string, error) {
	var out strings.Builder
	var params []string
	i := 0
	n := len(sql)
	for i < n {
		c := sql[i]
		if c != ':' {
			out.WriteByte(c)
			i++
			continue
		}
		// "::x" escapes to the literal ":x"
		if i+1 < n && sql[i+1] == ':' {
			out.WriteByte(':')
			i += 2
			// copy the following identifier run (if any) literally
			j := i
			for j < n && isNameChar(sql[j]) {
				j++
			}
			out.WriteString(sql[i:j])
			i = j
			continue
		}
		j := i + 1
		for j < n && isNameChar(sql[j]) {
			j++
		}
		if j == i+1 {
			// lone ':' with no following identifier; pass through
			out.WriteByte(':')
			i++
			continue
		}
		name := sql[i+1 : j]
		if len(params) >= domain.MaxArgs-1 {
			return "", nil, fmt.Errorf("too many parameters in statement (max %d)", domain.MaxArgs-1)
		}
		params = append(params, name)
		out.WriteString("$" + strconv.Itoa(len(params)))
		i = j
	}
	return out.String(), params, nil
}

func isNameChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func parseMeta(file string, lineNo int, rawLine, trimmed string) (domain.Command, error) {
	cmd := domain.Command{Kind: domain.MetaCommand}
	body := strings.TrimPrefix(trimmed, "\\")
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return cmd, &ParseError{File: file, Line: lineNo, Msg: "empty meta-command", Text: rawLine}
	}
	verb := domain.MetaVerb(fields[0])
	cmd.Verb = verb

	switch verb {
	case domain.VerbSet:
		// at most two whitespace-split tokens (name, expr-start); the
		// remainder of the line is the expression.
		rest := strings.TrimSpace(strings.TrimPrefix(body, string(verb)))
		parts := strings.SplitN(rest, " ", 2)
		if len(fields) < 3 || len(parts) < 2 {
			return cmd, &ParseError{File: file, Line: lineNo, Msg: "\\set requires at least 3 tokens: set var expr", Text: rawLine}
		}
		varName := parts[0]
		exprText := strings.TrimSpace(parts[1])
		col := strings.Index(rawLine, exprText)
		if col < 0 {
			col = 0
		}
		tree, err := exprlang.Parse(exprText, col+1)
		if err != nil {
			var pe *exprlang.ParseError
			if ok := asParseErr(err, &pe); ok {
				return cmd, &ParseError{File: file, Line: lineNo, Col: pe.Col, Msg: pe.Msg, Text: rawLine}
			}
			return cmd, &ParseError{File: file, Line: lineNo, Msg: err.Error(), Text: rawLine}
		}
		cmd.Args = []string{varName}
		cmd.Expr = tree

	case domain.VerbSetRandom:
		if len(fields) != 4 && len(fields) != 5 && len(fields) != 6 {
			return cmd, &ParseError{File: file, Line: lineNo, Msg: "\\setrandom requires 4 or 5 (uniform) or exactly 6 (gaussian/exponential) tokens", Text: rawLine}
		}
		if len(fields) == 5 && fields[4] != "uniform" {
			return cmd, &ParseError{File: file, Line: lineNo, Msg: "trailing token of 5-token \\setrandom must be 'uniform'", Text: rawLine}
		}
		if len(fields) == 6 && fields[4] != "gaussian" && fields[4] != "exponential" {
			return cmd, &ParseError{File: file, Line: lineNo, Msg: "distribution must be 'gaussian' or 'exponential'", Text: rawLine}
		}
		cmd.Args = fields[1:]

	case domain.VerbSleep:
		if len(fields) < 2 || len(fields) > 3 {
			return cmd, &ParseError{File: file, Line: lineNo, Msg: "\\sleep requires <n>, <n> <unit>, or <digits><unit>", Text: rawLine}
		}
		cmd.Args = fields[1:]

	case domain.VerbSetShell:
		if len(fields) < 3 {
			return cmd, &ParseError{File: file, Line: lineNo, Msg: "\\setshell requires at least 3 tokens: setshell var cmd ...", Text: rawLine}
		}
		cmd.Args = fields[1:]

	case domain.VerbShell:
		if len(fields) < 2 {
			return cmd, &ParseError{File: file, Line: lineNo, Msg: "\\shell requires at least 2 tokens: shell cmd ...", Text: rawLine}
		}
		cmd.Args = fields[1:]

	default:
		return cmd, &ParseError{File: file, Line: lineNo, Msg: fmt.Sprintf("unknown meta-command %q", verb), Text: rawLine}
	}

	return cmd, nil
}

// asParseErr is a small helper so parseMeta can unwrap an *exprlang.ParseError
// without importing errors.As boilerplate at every call site.
func asParseErr(err error, target **exprlang.ParseError) bool {
	if pe, ok := err.(*exprlang.ParseError); ok {
		*target = pe
		return true
	}
	return false
}

// NewCounter returns a fresh command-number allocator; the coordinator
// shares one instance across every script file it parses.
func NewCounter() *Counter {
	return &Counter{}
}
