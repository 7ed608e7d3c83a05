package executor

import "strings"

// SplitStatements splits a SQL script on semicolons, honoring single
// and double quoted strings so a literal ';' never splits a statement.
// Empty statements are dropped.
func SplitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	var stringChar byte

	for i := 0; i < len(script); i++ {
		ch := script[i]

		if (ch == '"' || ch == '\'') && !inString {
			inString = true
			stringChar = ch
		} else if ch == stringChar && inString {
			inString = false
			stringChar = 0
		}

		if ch == ';' && !inString {
			statements = append(statements, current.String())
			current.Reset()
		} else {
			current.WriteByte(ch)
		}
	}
	if current.Len() > 0 {
		statements = append(statements, current.String())
	}

	out := make([]string, 0, len(statements))
	for _, s := range statements {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
