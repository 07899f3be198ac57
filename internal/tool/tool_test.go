package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubTool struct{ kind string }

func (s stubTool) Kind() string { return s.kind }
func (s stubTool) Run(ctx context.Context, req Request) (Outcome, error) {
	return Outcome{Result: map[string]any{"kind": s.kind}}, nil
}

func TestRegistryDispatchesByKind(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubTool{kind: "http"}))

	out, err := r.Run(context.Background(), Request{Kind: "http"})
	require.NoError(t, err)
	require.Equal(t, "http", out.Result["kind"])
}

func TestRegistryRejectsDuplicateKind(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubTool{kind: "http"}))
	require.Error(t, r.Register(stubTool{kind: "http"}))
}

func TestRegistryUnknownKindIsValidationError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Run(context.Background(), Request{Kind: "missing"})
	require.Error(t, err)
}

func TestShellRunsCommand(t *testing.T) {
	s := NewShell()
	out, err := s.Run(context.Background(), Request{Config: map[string]any{"command": "echo hello"}})
	require.NoError(t, err)
	require.Contains(t, out.Result["output"], "hello")
	require.Equal(t, 0, out.Result["exit_code"])
}

func TestShellNonZeroExitIsRetryableToolError(t *testing.T) {
	s := NewShell()
	out, err := s.Run(context.Background(), Request{Config: map[string]any{"command": "exit 7"}})
	require.Error(t, err)
	require.True(t, out.Retryable)
	require.Equal(t, 7, out.Result["exit_code"])
}

func TestShellRejectsMissingCommand(t *testing.T) {
	s := NewShell()
	_, err := s.Run(context.Background(), Request{Config: map[string]any{}})
	require.Error(t, err)
}

func TestIteratorOrdersAndLimits(t *testing.T) {
	items := []any{
		map[string]any{"id": float64(3)},
		map[string]any{"id": float64(1)},
		map[string]any{"id": float64(2)},
	}

	it := NewIterator()
	out, err := it.Run(context.Background(), Request{Config: map[string]any{
		"items":    items,
		"order_by": "id",
		"limit":    2,
	}})
	require.NoError(t, err)
	ordered := out.Result["items"].([]any)
	require.Len(t, ordered, 2)
	require.Equal(t, float64(1), ordered[0].(map[string]any)["id"])
	require.Equal(t, float64(2), ordered[1].(map[string]any)["id"])
}

func TestIteratorAppliesWhereFilter(t *testing.T) {
	items := []any{
		map[string]any{"id": float64(1), "active": true},
		map[string]any{"id": float64(2), "active": false},
	}
	it := NewIterator()
	out, err := it.Run(context.Background(), Request{Config: map[string]any{
		"items": items,
		"where": "item.active == true",
	}})
	require.NoError(t, err)
	filtered := out.Result["items"].([]any)
	require.Len(t, filtered, 1)
	require.Equal(t, float64(1), filtered[0].(map[string]any)["id"])
}

func TestIteratorRejectsNonArrayItems(t *testing.T) {
	it := NewIterator()
	_, err := it.Run(context.Background(), Request{Config: map[string]any{"items": "not-an-array"}})
	require.Error(t, err)
}

func TestRhaiIsUnimplementedButClassified(t *testing.T) {
	r := NewRhai()
	_, err := r.Run(context.Background(), Request{})
	require.Error(t, err)
}

func TestPlaybookToolDelegatesToStarter(t *testing.T) {
	var captured struct {
		path    string
		version string
		parent  int64
	}
	start := func(ctx context.Context, path, version string, workload map[string]any, parentExecutionID int64) (int64, error) {
		captured.path, captured.version, captured.parent = path, version, parentExecutionID
		return 999, nil
	}

	p := NewPlaybookTool(start)
	out, err := p.Run(context.Background(), Request{
		ExecutionID: 5,
		Config:      map[string]any{"path": "examples/child"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(999), out.Result["execution_id"])
	require.Equal(t, "examples/child", captured.path)
	require.Equal(t, "latest", captured.version)
	require.Equal(t, int64(5), captured.parent)
}
