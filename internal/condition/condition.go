// Package condition evaluates the small boolean-expression language the
// playbook schema allows in four places (SPEC_FULL.md §6 `next[].when`,
// `loop.where`, `retry.retry_when`, `retry.stop_when`): dot-paths into a
// flat data map, compared with ==, !=, >=, <=, >, <, combined with && / ||,
// and negated with a leading !. There is no parenthesization; && binds
// tighter than ||, and operands are evaluated left to right, which is enough for the single-comparison expressions these
// fields carry in practice (§8 S2's `retry_when: status_code >= 500`).
//
// Grounded on template.resolvePath's dot-path navigation
// (internal/template/template.go) rather than a general expression
// grammar: no library anywhere in the example corpus is actually
// exercised for boolean condition evaluation (github.com/PaesslerAG/gval
// appears only as an unused indirect dependency of a sibling example
// repo, never imported by that repo's own source), so
// this stays a small, purpose-built evaluator instead.
package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Eval evaluates expr against data. An empty expression is always true,
// matching an absent `when`/`where` defaulting to "always matches".
func Eval(expr string, data map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	for _, or := range strings.Split(expr, "||") {
		allTrue := true
		for _, and := range strings.Split(or, "&&") {
			ok, err := evalTerm(strings.TrimSpace(and), data)
			if err != nil {
				return false, err
			}
			if !ok {
				allTrue = false
				break
			}
		}
		if allTrue {
			return true, nil
		}
	}
	return false, nil
}

func evalTerm(term string, data map[string]any) (bool, error) {
	negate := false
	for strings.HasPrefix(term, "!") && !strings.HasPrefix(term, "!=") {
		negate = true
		term = strings.TrimSpace(term[1:])
	}

	ok, err := evalComparison(term, data)
	if err != nil {
		return false, err
	}
	if negate {
		ok = !ok
	}
	return ok, nil
}

var comparisonOps = []string{">=", "<=", "==", "!=", ">", "<"}

func evalComparison(term string, data map[string]any) (bool, error) {
	for _, op := range comparisonOps {
		if idx := strings.Index(term, op); idx >= 0 {
			left := strings.TrimSpace(term[:idx])
			right := strings.TrimSpace(term[idx+len(op):])
			if left == "" || right == "" {
				continue
			}
			lv, err := resolveOperand(left, data)
			if err != nil {
				return false, err
			}
			rv, err := resolveOperand(right, data)
			if err != nil {
				return false, err
			}
			return compare(lv, rv, op)
		}
	}
	// No comparison operator: bare truthy check on a single operand.
	v, err := resolveOperand(term, data)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// resolveOperand parses a literal (number, quoted string, true/false/null)
// or resolves a dot-path into data.
func resolveOperand(s string, data map[string]any) (any, error) {
	switch {
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	case s == "null":
		return nil, nil
	case len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0]:
		return s[1 : len(s)-1], nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, nil
	}
	return lookupPath(s, data), nil
}

func lookupPath(path string, data map[string]any) any {
	segments := strings.Split(path, ".")
	var current any = data
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[seg]
	}
	return current
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	}
	return 0, false
}

func compare(left, right any, op string) (bool, error) {
	if lf, ok := asFloat(left); ok {
		if rf, ok := asFloat(right); ok {
			switch op {
			case "==":
				return lf == rf, nil
			case "!=":
				return lf != rf, nil
			case ">=":
				return lf >= rf, nil
			case "<=":
				return lf <= rf, nil
			case ">":
				return lf > rf, nil
			case "<":
				return lf < rf, nil
			}
		}
	}

	ls, rs := fmt.Sprint(left), fmt.Sprint(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">=":
		return ls >= rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case "<":
		return ls < rs, nil
	}
	return false, fmt.Errorf("condition: unknown comparison operator %q", op)
}
