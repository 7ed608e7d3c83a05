// Package mongoparse parses mongo-shell style query strings
// (db.collection.operation(args...)) into their components. Arguments
// are JSON with the usual shell relaxations: single-quoted strings,
// unquoted object keys, and the scalar wrappers new Date(...),
// ObjectId(...), NumberInt(...), and NumberLong(...) reduced to their
// inner value.
package mongoparse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Statement is one parsed shell statement.
type Statement struct {
	Collection string
	Operation  string
	Args       []any
}

var (
	singleQuoted = regexp.MustCompile(`'([^']*)'`)
	unquotedKeys = regexp.MustCompile(`([A-Za-z0-9_$]+)\s*:`)
	wrappers     = regexp.MustCompile(`\b(?:new\s+Date|ObjectId|NumberInt|NumberLong)\(([^()]*)\)`)
)

// Parse splits a shell statement into collection, operation, and
// parsed arguments.
func Parse(query string) (*Statement, error) {
	query = strings.TrimSpace(query)
	query = strings.TrimPrefix(query, "db.")

	parts := strings.SplitN(query, ".", 2)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid query format, expected: db.collection.operation(...)")
	}
	collection := parts[0]
	rest := parts[1]

	open := strings.IndexByte(rest, '(')
	if open == -1 {
		return nil, fmt.Errorf("invalid query format, missing parentheses")
	}
	closing := strings.LastIndexByte(rest, ')')
	if closing < open {
		return nil, fmt.Errorf("invalid query format, missing parentheses")
	}

	operation := strings.TrimSpace(rest[:open])
	argsStr := rest[open+1 : closing]

	args, err := ParseArgs(argsStr)
	if err != nil {
		return nil, err
	}

	return &Statement{
		Collection: collection,
		Operation:  operation,
		Args:       args,
	}, nil
}

// ParseArgs parses a comma separated argument list into Go values.
// Strict JSON is tried first; on failure the shell relaxations are
// applied and parsing is retried.
func ParseArgs(argsStr string) ([]any, error) {
	argsStr = strings.TrimSpace(argsStr)
	if argsStr == "" {
		return nil, nil
	}

	if args, err := decodeList(argsStr); err == nil {
		return args, nil
	}

	relaxed := wrappers.ReplaceAllString(argsStr, `$1`)
	relaxed = singleQuoted.ReplaceAllString(relaxed, `"$1"`)
	relaxed = unquotedKeys.ReplaceAllString(relaxed, `"$1":`)
	args, err := decodeList(relaxed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse arguments: %s", argsStr)
	}
	return args, nil
}

func decodeList(s string) ([]any, error) {
	if !strings.HasPrefix(s, "[") {
		s = "[" + s + "]"
	}
	var args []any
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return nil, err
	}
	return args, nil
}
