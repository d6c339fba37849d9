package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/mfgtest/internal/registry/memregistry"
	"github.com/roach88/mfgtest/internal/store"
)

// validIdentifier matches column names accepted in where clauses.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// journalTables are the tables final_state may query.
var journalTables = map[string]bool{
	"runs":        true,
	"resolutions": true,
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Calls    []memregistry.Call
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Calls) > 0 {
		fmt.Fprintf(&buf, "\nRegistry calls:\n")
		for i, c := range e.Calls {
			fmt.Fprintf(&buf, "  [%d] %s %v\n", i+1, c.Op, callArgs(c))
		}
	}
	return buf.String()
}

// callArgs returns the call's non-zero fields keyed like the wire names.
func callArgs(c memregistry.Call) map[string]any {
	args := map[string]any{}
	if c.Name != "" {
		args["name"] = c.Name
	}
	if c.ProductID != 0 {
		args["product_id"] = c.ProductID
	}
	if c.Serial != "" {
		args["serial"] = c.Serial
	}
	if c.UnitID != 0 {
		args["unit_id"] = c.UnitID
	}
	return args
}

// assertCallContains checks that a call to the op was made with matching
// args (subset match).
func assertCallContains(calls []memregistry.Call, a Assertion) error {
	for _, c := range calls {
		if c.Op == a.Op && matchArgs(callArgs(c), a.Args) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertCallContains,
		Expected: fmt.Sprintf("call %s with args %v", a.Op, a.Args),
		Actual:   "not found in registry calls",
		Calls:    calls,
	}
}

// assertCallOrder checks that ops were first called in the given order.
// Other calls may appear in between.
func assertCallOrder(calls []memregistry.Call, a Assertion) error {
	positions := make(map[string]int)
	for i, c := range calls {
		if positions[c.Op] == 0 {
			positions[c.Op] = i + 1 // 1-indexed for readability
		}
	}

	for _, op := range a.Ops {
		if positions[op] == 0 {
			return &AssertionError{
				Type:     AssertCallOrder,
				Expected: fmt.Sprintf("all ops called: %v", a.Ops),
				Actual:   fmt.Sprintf("missing op: %s", op),
				Calls:    calls,
			}
		}
	}

	for i := 1; i < len(a.Ops); i++ {
		prev, curr := a.Ops[i-1], a.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertCallOrder,
				Expected: fmt.Sprintf("ops in order: %v", a.Ops),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Calls: calls,
			}
		}
	}
	return nil
}

// assertCallCount checks that op was called exactly Count times.
func assertCallCount(calls []memregistry.Call, a Assertion) error {
	count := 0
	for _, c := range calls {
		if c.Op == a.Op {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertCallCount,
			Expected: fmt.Sprintf("%d calls to %s", a.Count, a.Op),
			Actual:   fmt.Sprintf("%d calls", count),
			Calls:    calls,
		}
	}
	return nil
}

// assertFinalState checks that exactly one journal row matches the where
// clause and carries the expected values.
func assertFinalState(ctx context.Context, st *store.Store, a Assertion) error {
	if !journalTables[a.Table] {
		return fmt.Errorf("invalid table name %q", a.Table)
	}

	whereSQL, whereArgs, err := buildWhereClause(a.Where)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT * FROM %s", a.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.DB().QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", a.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	row := make(map[string]any, len(columns))
	for i, col := range columns {
		row[col] = values[i]
	}

	keys := sortedKeys(a.Expect)
	for _, key := range keys {
		expected := a.Expect[key]
		actual, exists := row[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("column %q to exist", key),
				Actual:   fmt.Sprintf("column %q not present in %v", key, columns),
			}
		}
		if !looseEqual(expected, actual) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("column %q = %v (type %T)", key, expected, expected),
				Actual:   fmt.Sprintf("column %q = %v (type %T)", key, display(actual), actual),
			}
		}
	}
	return nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are
// sorted for deterministic queries.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML-decoded value to a SQL argument.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, float64:
		return val
	case bool:
		if val {
			return 1
		}
		return 0
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of where conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// looseEqual compares a YAML-decoded expected value against a call field
// or a SQLite column value. Integers compare across widths and booleans
// match SQLite's 0/1 storage.
func looseEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	switch exp := expected.(type) {
	case string:
		switch act := actual.(type) {
		case string:
			return exp == act
		case []byte:
			return exp == string(act)
		}
		return false
	case bool:
		switch act := actual.(type) {
		case bool:
			return exp == act
		case int64:
			return exp == (act != 0)
		}
		return false
	case int, int64, float64:
		e, ok := toFloat(exp)
		a, ok2 := toFloat(actual)
		return ok && ok2 && e == a
	}
	return reflect.DeepEqual(expected, actual)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func display(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// matchArgs checks that actual contains every expected key with an equal
// value. Extra keys in actual are ignored.
func matchArgs(actual map[string]any, expected map[string]any) bool {
	for key, want := range expected {
		got, exists := actual[key]
		if !exists || !looseEqual(want, got) {
			return false
		}
	}
	return true
}

// AssertionContext provides what assertions are evaluated against.
type AssertionContext struct {
	Calls []memregistry.Call
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions and returns the failure
// messages in order.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertCallContains:
			err = assertCallContains(actx.Calls, a)
		case AssertCallOrder:
			err = assertCallOrder(actx.Calls, a)
		case AssertCallCount:
			err = assertCallCount(actx.Calls, a)
		case AssertFinalState:
			if actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a journal", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
