// Package grading scores query submissions against an expected result
// and keyword constraints, producing a weighted score and structured
// feedback.
package grading

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/queryforge/queryforge/pkg/sandbox"
)

// Check weights. Weights sum only across checks that received inputs.
const (
	weightForbidden = 20
	weightRequired  = 20
	weightResult    = 60
)

// DefaultMaxScore applies when a submission carries no maximum.
const DefaultMaxScore = 100

// Submission bundles everything the engine needs to grade one attempt.
type Submission struct {
	StudentResult *sandbox.QueryResult
	StudentQuery  string

	// ExpectedResult enables the result-match check when non-nil. Only
	// Columns and Rows are consulted.
	ExpectedResult *sandbox.QueryResult

	// ExpectedQuery is the reference solution, kept for display; it does
	// not participate in scoring.
	ExpectedQuery string

	RequiredKeywords  []string
	ForbiddenKeywords []string

	// OrderMatters compares rows positionally instead of as a multiset.
	OrderMatters bool

	// PartialMatch awards fractional credit when row counts differ.
	PartialMatch bool

	// MaxScore defaults to DefaultMaxScore when zero.
	MaxScore int
}

// Check is one graded stage in the feedback list.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// Feedback collects the per-check verdicts and hints for the student.
type Feedback struct {
	Checks []Check  `json:"checks"`
	Hints  []string `json:"hints"`
	Error  string   `json:"error,omitempty"`
}

// Outcome is the final grade for a submission.
type Outcome struct {
	Score     decimal.Decimal `json:"score"`
	MaxScore  int             `json:"max_score"`
	IsCorrect bool            `json:"is_correct"`
	Feedback  Feedback        `json:"feedback"`
}

// Percentage reports the score relative to the maximum.
func (o Outcome) Percentage() float64 {
	if o.MaxScore == 0 {
		return 0
	}
	f, _ := o.Score.Div(decimal.NewFromInt(int64(o.MaxScore))).Mul(decimal.NewFromInt(100)).Float64()
	return f
}

// Engine grades submissions. It is stateless and safe for concurrent use.
type Engine struct{}

// NewEngine builds a grading engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Grade scores a submission. Execution failure is a hard gate: the
// score is zero and no other check runs. Otherwise each applicable
// check contributes its score at its weight and the final score is
// the weighted average scaled to MaxScore, rounded to two decimals.
func (e *Engine) Grade(sub Submission) Outcome {
	maxScore := sub.MaxScore
	if maxScore <= 0 {
		maxScore = DefaultMaxScore
	}

	if sub.StudentResult == nil || !sub.StudentResult.Success {
		errMsg := "Query execution failed"
		if sub.StudentResult != nil && sub.StudentResult.ErrorMessage != "" {
			errMsg = sub.StudentResult.ErrorMessage
		}
		return Outcome{
			Score:     decimal.Zero,
			MaxScore:  maxScore,
			IsCorrect: false,
			Feedback: Feedback{
				Checks: []Check{{Name: "Execution", Passed: false}},
				Hints:  []string{"Your query has an error. Check the error message."},
				Error:  errMsg,
			},
		}
	}

	feedback := Feedback{Checks: []Check{}, Hints: []string{}}
	var weightedSum float64
	var totalWeight int

	if len(sub.ForbiddenKeywords) > 0 {
		score, found := checkForbiddenKeywords(sub.StudentQuery, sub.ForbiddenKeywords)
		weightedSum += score * weightForbidden
		totalWeight += weightForbidden
		passed := len(found) == 0
		feedback.Checks = append(feedback.Checks, Check{Name: "Forbidden keywords", Passed: passed})
		if !passed {
			feedback.Hints = append(feedback.Hints, "Avoid using: "+strings.Join(found, ", "))
		}
	}

	if len(sub.RequiredKeywords) > 0 {
		score, missing := checkRequiredKeywords(sub.StudentQuery, sub.RequiredKeywords)
		weightedSum += score * weightRequired
		totalWeight += weightRequired
		passed := len(missing) == 0
		feedback.Checks = append(feedback.Checks, Check{Name: "Required keywords", Passed: passed})
		if !passed {
			feedback.Hints = append(feedback.Hints, "Consider using: "+strings.Join(missing, ", "))
		}
	}

	if sub.ExpectedResult != nil {
		match := compareResults(sub.StudentResult, sub.ExpectedResult, sub.OrderMatters, sub.PartialMatch)
		weightedSum += match.score * weightResult
		totalWeight += weightResult
		feedback.Checks = append(feedback.Checks, Check{Name: "Result match", Passed: match.passed, Details: match.details})
		if !match.passed {
			switch {
			case match.columnMismatch:
				feedback.Hints = append(feedback.Hints, "Check your column selection.")
			case match.rowCountMismatch:
				feedback.Hints = append(feedback.Hints,
					fmt.Sprintf("Expected %d rows, got %d.", match.expectedRows, match.actualRows))
			default:
				feedback.Hints = append(feedback.Hints, "Check your query results.")
			}
		}
	}

	// No criteria configured: executing successfully earns full marks.
	if totalWeight == 0 {
		return Outcome{
			Score:     decimal.NewFromInt(int64(maxScore)),
			MaxScore:  maxScore,
			IsCorrect: true,
			Feedback:  feedback,
		}
	}

	score := decimal.NewFromFloat(weightedSum / float64(totalWeight) * float64(maxScore) / 100).Round(2)
	isCorrect := true
	for _, c := range feedback.Checks {
		if !c.Passed {
			isCorrect = false
			break
		}
	}

	return Outcome{
		Score:     score,
		MaxScore:  maxScore,
		IsCorrect: isCorrect,
		Feedback:  feedback,
	}
}

// checkForbiddenKeywords returns a score in [0,100] and the keywords
// found. Any hit zeroes the check.
func checkForbiddenKeywords(query string, forbidden []string) (float64, []string) {
	queryUpper := strings.ToUpper(query)
	var found []string
	for _, kw := range forbidden {
		if keywordPattern(kw).MatchString(queryUpper) {
			found = append(found, kw)
		}
	}
	if len(found) > 0 {
		return 0, found
	}
	return 100, nil
}

// checkRequiredKeywords returns a score proportional to the keywords
// present and the ones missing.
func checkRequiredKeywords(query string, required []string) (float64, []string) {
	queryUpper := strings.ToUpper(query)
	var missing []string
	for _, kw := range required {
		if !keywordPattern(kw).MatchString(queryUpper) {
			missing = append(missing, kw)
		}
	}
	score := float64(len(required)-len(missing)) / float64(len(required)) * 100
	return score, missing
}

// keywordPattern matches a keyword with word boundaries where the
// keyword itself has word-character edges. Symbolic keywords like "*"
// get no boundary and match as plain substrings.
func keywordPattern(kw string) *regexp.Regexp {
	upper := strings.ToUpper(kw)
	pattern := regexp.QuoteMeta(upper)
	if isWordEdge(upper, false) {
		pattern = `\b` + pattern
	}
	if isWordEdge(upper, true) {
		pattern += `\b`
	}
	return regexp.MustCompile(pattern)
}

func isWordEdge(s string, last bool) bool {
	if s == "" {
		return false
	}
	runes := []rune(s)
	r := runes[0]
	if last {
		r = runes[len(runes)-1]
	}
	return r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

type resultMatch struct {
	passed           bool
	score            float64
	details          string
	columnMismatch   bool
	rowCountMismatch bool
	expectedRows     int
	actualRows       int
}

// compareResults implements the result-match check: case-insensitive
// column sets, column order permutation, value normalization, then
// positional or multiset row matching.
func compareResults(student, expected *sandbox.QueryResult, orderMatters, partialMatch bool) resultMatch {
	studentCols := upperAll(student.Columns)
	expectedCols := upperAll(expected.Columns)

	if !sameColumnSet(studentCols, expectedCols) {
		return resultMatch{score: 0, columnMismatch: true, details: "Column mismatch"}
	}

	studentRows := student.Rows
	if !equalStrings(studentCols, expectedCols) {
		studentRows = permuteRows(studentRows, columnMapping(studentCols, expectedCols))
	}

	studentKeys := rowKeys(studentRows)
	expectedKeys := rowKeys(expected.Rows)

	if len(studentKeys) != len(expectedKeys) {
		if !partialMatch {
			return resultMatch{
				score:            0,
				rowCountMismatch: true,
				expectedRows:     len(expectedKeys),
				actualRows:       len(studentKeys),
			}
		}
		matches := countMatches(studentKeys, expectedKeys, orderMatters)
		total := len(expectedKeys)
		if total < 1 {
			total = 1
		}
		return resultMatch{
			score:            float64(matches) / float64(total) * 100,
			rowCountMismatch: true,
			expectedRows:     len(expectedKeys),
			actualRows:       len(studentKeys),
		}
	}

	// An empty expected set still grades against a total of one, so an
	// empty-vs-empty comparison scores zero rather than dividing by zero.
	matches := countMatches(studentKeys, expectedKeys, orderMatters)
	total := len(expectedKeys)
	if total == 0 {
		total = 1
	}
	return resultMatch{
		passed:  matches == total,
		score:   float64(matches) / float64(total) * 100,
		details: fmt.Sprintf("%d/%d rows match", matches, total),
	}
}

func countMatches(student, expected []string, orderMatters bool) int {
	if orderMatters {
		n := len(student)
		if len(expected) < n {
			n = len(expected)
		}
		matches := 0
		for i := 0; i < n; i++ {
			if student[i] == expected[i] {
				matches++
			}
		}
		return matches
	}

	// Multiset semantics collapse duplicate rows on both sides.
	studentSet := make(map[string]struct{}, len(student))
	for _, k := range student {
		studentSet[k] = struct{}{}
	}
	seen := make(map[string]struct{}, len(expected))
	matches := 0
	for _, k := range expected {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := studentSet[k]; ok {
			matches++
		}
	}
	return matches
}

func upperAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = strings.ToUpper(c)
	}
	return out
}

func sameColumnSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// columnMapping maps each expected column position to the first
// student column with the same name.
func columnMapping(studentCols, expectedCols []string) []int {
	mapping := make([]int, len(expectedCols))
	for i, c := range expectedCols {
		for j, s := range studentCols {
			if s == c {
				mapping[i] = j
				break
			}
		}
	}
	return mapping
}

func permuteRows(rows [][]any, mapping []int) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		permuted := make([]any, len(mapping))
		for j, idx := range mapping {
			if idx < len(row) {
				permuted[j] = row[idx]
			}
		}
		out[i] = permuted
	}
	return out
}

// rowKeys renders each row as a comparable string of normalized,
// type-tagged values.
func rowKeys(rows [][]any) []string {
	keys := make([]string, len(rows))
	for i, row := range rows {
		keys[i] = rowKey(row)
	}
	return keys
}

func rowKey(row []any) string {
	var b strings.Builder
	for i, v := range row {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(normalizeValue(v))
	}
	return b.String()
}

// normalizeValue renders one cell for comparison: null and booleans
// tagged as themselves, all numeric types unified as floats rounded to
// six fractional digits, everything else stringified and trimmed.
func normalizeValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "n:"
	case bool:
		return "b:" + strconv.FormatBool(x)
	case int:
		return numKey(float64(x))
	case int8:
		return numKey(float64(x))
	case int16:
		return numKey(float64(x))
	case int32:
		return numKey(float64(x))
	case int64:
		return numKey(float64(x))
	case uint:
		return numKey(float64(x))
	case uint8:
		return numKey(float64(x))
	case uint16:
		return numKey(float64(x))
	case uint32:
		return numKey(float64(x))
	case uint64:
		return numKey(float64(x))
	case float32:
		return numKey(float64(x))
	case float64:
		return numKey(x)
	case string:
		return "s:" + strings.TrimSpace(x)
	default:
		return "s:" + strings.TrimSpace(fmt.Sprintf("%v", x))
	}
}

func numKey(f float64) string {
	rounded := math.Round(f*1e6) / 1e6
	return "f:" + strconv.FormatFloat(rounded, 'g', -1, 64)
}
