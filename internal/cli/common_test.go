package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSetFlagsBuildsNestedWorkload(t *testing.T) {
	out, err := parseSetFlags([]string{"a.b=1", "a.c=hello", "top=true"})
	require.NoError(t, err)

	require.Equal(t, map[string]any{
		"a":   map[string]any{"b": float64(1), "c": "hello"},
		"top": true,
	}, out)
}

func TestParseSetFlagsRejectsMissingEquals(t *testing.T) {
	_, err := parseSetFlags([]string{"no-equals-sign"})
	require.Error(t, err)
}

func TestParseSetFlagsRejectsEmptyKey(t *testing.T) {
	_, err := parseSetFlags([]string{"=value"})
	require.Error(t, err)
}

func TestParseScalarPrefersJSONOverRawString(t *testing.T) {
	require.Equal(t, float64(42), parseScalar("42"))
	require.Equal(t, true, parseScalar("true"))
	require.Equal(t, []any{"a", "b"}, parseScalar(`["a","b"]`))
	require.Equal(t, "plain-string", parseScalar("plain-string"))
}

func TestSetDottedOverwritesNonMapIntermediate(t *testing.T) {
	m := map[string]any{"a": "not-a-map"}
	setDotted(m, []string{"a", "b"}, 1)
	require.Equal(t, map[string]any{"b": 1}, m["a"])
}

func TestExitCodeForUnwrapsArbitraryWrapping(t *testing.T) {
	base := withExit(ExitValidation, errors.New("bad input"))
	wrapped := fmt.Errorf("register: %w", base)

	code, ok := exitCodeFor(wrapped)
	require.True(t, ok)
	require.Equal(t, ExitValidation, code)
}

func TestExitCodeForReturnsFalseForPlainError(t *testing.T) {
	_, ok := exitCodeFor(errors.New("no exit code here"))
	require.False(t, ok)
}

func TestWithExitReturnsNilForNilError(t *testing.T) {
	require.NoError(t, withExit(ExitValidation, nil))
}
