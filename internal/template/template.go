// Package template renders `{{ expression }}` placeholders against a
// step's execution context (SPEC_FULL.md §6 "Template language").
// Grounded on semantic/runtime/variables.go's regex-match-then-resolve
// loop and fields.go's WalkJSON/dot-path-navigation helpers; the
// placeholder syntax changes from `${...}` to `{{ ... }}` and the
// resolver becomes namespace-aware (workload/ctx/step-name/iter/
// execution_id/env/secret/auth) instead of a single flat variable map,
// but the walk-then-substitute structure is the same.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"noetl.io/noetl/internal/noetlerr"
)

var exprPattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// Secrets isolates secret lookups from the rest of Context so a renderer
// can redact them from anything it logs or persists, without having to
// inspect rendered output after the fact (§4.5: "must never embed secrets
// into persisted event payloads; redact before logging").
type Secrets struct {
	byCredential map[string]string
	byAuthAlias  map[string]map[string]string
}

// NewSecrets builds a Secrets lookup from resolved credential payloads
// (secret[<credential_key>]) and per-step auth aliases (auth.<alias>.<field>).
func NewSecrets(byCredential map[string]string, byAuthAlias map[string]map[string]string) Secrets {
	return Secrets{byCredential: byCredential, byAuthAlias: byAuthAlias}
}

// Context is the full namespace set a template expression may reference
// (§6: workload, ctx, step-name, iter, execution_id, env, secret, auth).
type Context struct {
	Workload    map[string]any
	Ctx         map[string]any
	StepResults map[string]any // keyed by step name
	Iter        any
	ExecutionID int64
	Env         map[string]string
	Secrets     Secrets
}

// Render substitutes every `{{ expression }}` occurrence in s. Returns the
// set of raw secret values that were interpolated so the caller can
// redact them from any string derived from the result before it reaches
// a log line or an event payload.
func Render(s string, ctx Context) (string, []string, error) {
	var touchedSecrets []string

	out := exprPattern.ReplaceAllStringFunc(s, func(match string) string {
		expr := exprPattern.FindStringSubmatch(match)[1]
		value, isSecret, err := evaluate(expr, ctx)
		if err != nil {
			// Leave a diagnostic marker instead of a panic path; an
			// unresolved expression never makes Render itself fail.
			return fmt.Sprintf("{{ERROR: %v}}", err)
		}
		if isSecret {
			touchedSecrets = append(touchedSecrets, fmt.Sprint(value))
		}
		return stringify(value)
	})

	return out, touchedSecrets, nil
}

// RenderValue recursively renders every string leaf of an arbitrary
// JSON-like value (map/slice/string/scalar), mirroring WalkJSON's
// recursive-substitution shape in the teacher.
func RenderValue(v any, ctx Context) (any, []string, error) {
	var secrets []string
	out, err := walk(v, func(s string) (string, error) {
		rendered, touched, err := Render(s, ctx)
		secrets = append(secrets, touched...)
		return rendered, err
	})
	return out, secrets, err
}

// RedactedPlaceholder replaces a secret value wherever Redact finds it.
const RedactedPlaceholder = "***REDACTED***"

// Redact returns a copy of v with every occurrence of any touched secret
// value (as returned by Render/RenderValue) replaced by
// RedactedPlaceholder, so a caller can safely persist v as an event
// payload without violating "no secret value appears in any event
// payload or log line" (§8 invariant 8).
func Redact(v any, secrets []string) any {
	if len(secrets) == 0 {
		return v
	}
	out, _ := walk(v, func(s string) (string, error) {
		for _, secret := range secrets {
			if secret == "" {
				continue
			}
			s = strings.ReplaceAll(s, secret, RedactedPlaceholder)
		}
		return s, nil
	})
	return out
}

func walk(v any, fn func(string) (string, error)) (any, error) {
	switch val := v.(type) {
	case string:
		return fn(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			rendered, err := walk(elem, fn)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			rendered, err := walk(elem, fn)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// evaluate resolves one `{{ ... }}` body: a dot-path into a namespace,
// optionally piped through safe filters (§6: tojson, default).
func evaluate(expr string, ctx Context) (any, bool, error) {
	parts := strings.Split(expr, "|")
	path := strings.TrimSpace(parts[0])

	value, isSecret, err := resolvePath(path, ctx)
	for _, filterExpr := range parts[1:] {
		value, err = applyFilter(strings.TrimSpace(filterExpr), value, err)
	}
	if err != nil {
		return nil, false, err
	}
	return value, isSecret, nil
}

func applyFilter(filterExpr string, value any, priorErr error) (any, error) {
	switch {
	case filterExpr == "tojson":
		if priorErr != nil {
			return nil, priorErr
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("template: tojson: %w", err)
		}
		return string(raw), nil
	case strings.HasPrefix(filterExpr, "default("):
		fallback := strings.TrimSuffix(strings.TrimPrefix(filterExpr, "default("), ")")
		fallback = strings.Trim(fallback, `"'`)
		if priorErr != nil || value == nil {
			return fallback, nil
		}
		return value, nil
	default:
		if priorErr != nil {
			return nil, priorErr
		}
		return nil, noetlerr.Validation(fmt.Sprintf("template: unknown filter %q", filterExpr))
	}
}

// resolvePath resolves a dot-path against the namespaces §6 defines.
// Returns isSecret=true for secret[...] and auth.<alias>.<field> lookups
// so Render can track values the caller must redact.
func resolvePath(path string, ctx Context) (any, bool, error) {
	if strings.HasPrefix(path, "secret[") && strings.HasSuffix(path, "]") {
		key := strings.Trim(path[len("secret["):len(path)-1], `"'`)
		val, ok := ctx.Secrets.byCredential[key]
		if !ok {
			return nil, false, noetlerr.Resolution(fmt.Sprintf("template: secret %q not resolved", key))
		}
		return val, true, nil
	}

	segments := strings.Split(path, ".")
	switch segments[0] {
	case "workload":
		return lookup(ctx.Workload, segments[1:], path)
	case "ctx":
		return lookup(ctx.Ctx, segments[1:], path)
	case "iter":
		if len(segments) == 1 {
			return ctx.Iter, false, nil
		}
		m, ok := ctx.Iter.(map[string]any)
		if !ok {
			return nil, false, noetlerr.Resolution(fmt.Sprintf("template: iter is not a mapping, cannot resolve %q", path))
		}
		return lookup(m, segments[1:], path)
	case "execution_id":
		return strconv.FormatInt(ctx.ExecutionID, 10), false, nil
	case "env":
		if len(segments) != 2 {
			return nil, false, noetlerr.Resolution(fmt.Sprintf("template: %q must be env.<NAME>", path))
		}
		val, ok := ctx.Env[segments[1]]
		if !ok {
			return nil, false, noetlerr.Resolution(fmt.Sprintf("template: env var %q not set", segments[1]))
		}
		return val, false, nil
	case "auth":
		if len(segments) != 3 {
			return nil, false, noetlerr.Resolution(fmt.Sprintf("template: %q must be auth.<alias>.<field>", path))
		}
		alias, field := segments[1], segments[2]
		fields, ok := ctx.Secrets.byAuthAlias[alias]
		if !ok {
			return nil, false, noetlerr.Resolution(fmt.Sprintf("template: auth alias %q not resolved", alias))
		}
		val, ok := fields[field]
		if !ok {
			return nil, false, noetlerr.Resolution(fmt.Sprintf("template: auth alias %q has no field %q", alias, field))
		}
		return val, true, nil
	default:
		// Bare step-name namespace: `{{ fetch-users.rows }}` (§6: step-name).
		if results, ok := ctx.StepResults[segments[0]]; ok {
			return lookup(toMap(results), segments[1:], path)
		}
		return nil, false, noetlerr.Resolution(fmt.Sprintf("template: unknown namespace in %q", path))
	}
}

func toMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"": v}
}

func lookup(data map[string]any, path []string, original string) (any, bool, error) {
	if len(path) == 0 {
		return data, false, nil
	}
	var current any = data
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false, noetlerr.Resolution(fmt.Sprintf("template: cannot navigate %q past %q", original, key))
		}
		val, ok := m[key]
		if !ok {
			return nil, false, noetlerr.Resolution(fmt.Sprintf("template: field %q not found resolving %q", key, original))
		}
		current = val
	}
	return current, false, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	}
}
