package script

import (
	"fmt"
	"regexp"
	"strings"
)

// randomCallRe matches "\set VAR random(MIN, MAX)" lines used by the
// built-in scripts' shorthand; it is expanded to "\setrandom VAR MIN MAX"
// before the general-purpose parser sees it, since \set's own expression
// grammar has no function-call syntax (spec.md §4.2 only defines + - * / %
// over constants and variables).
var randomCallRe = regexp.MustCompile(`^\\set\s+(\w+)\s+random\(\s*(-?\d+)\s*,\s*(-?\d+)\s*\)\s*$`)

func expandRandomCalls(source string) (string, error) {
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		m := randomCallRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lines[i] = fmt.Sprintf("\\setrandom %s %s %s", m[1], m[2], m[3])
	}
	return strings.Join(lines, "\n"), nil
}
