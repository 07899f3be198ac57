package template

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func baseContext() Context {
	return Context{
		Workload: map[string]any{"name": "alice", "count": 3},
		Ctx:      map[string]any{"region": "us-east-1"},
		StepResults: map[string]any{
			"fetch-users": map[string]any{"rows": float64(42)},
		},
		Iter:        map[string]any{"id": "item-1"},
		ExecutionID: 123,
		Env:         map[string]string{"STAGE": "prod"},
		Secrets: NewSecrets(
			map[string]string{"db-password": "hunter2"},
			map[string]map[string]string{"db": {"username": "svc"}},
		),
	}
}

func TestRenderWorkloadAndCtx(t *testing.T) {
	out, secrets, err := Render("hello {{ workload.name }} in {{ ctx.region }}", baseContext())
	require.NoError(t, err)
	require.Equal(t, "hello alice in us-east-1", out)
	require.Empty(t, secrets)
}

func TestRenderExecutionID(t *testing.T) {
	out, _, err := Render("run={{ execution_id }}", baseContext())
	require.NoError(t, err)
	require.Equal(t, "run=123", out)
}

func TestRenderEnv(t *testing.T) {
	out, _, err := Render("stage={{ env.STAGE }}", baseContext())
	require.NoError(t, err)
	require.Equal(t, "stage=prod", out)
}

func TestRenderStepResultNamespace(t *testing.T) {
	out, _, err := Render("rows={{ fetch-users.rows }}", baseContext())
	require.NoError(t, err)
	require.Equal(t, "rows=42", out)
}

func TestRenderIter(t *testing.T) {
	out, _, err := Render("item={{ iter.id }}", baseContext())
	require.NoError(t, err)
	require.Equal(t, "item=item-1", out)
}

func TestRenderSecretMarksValueForRedaction(t *testing.T) {
	out, secrets, err := Render(`pw={{ secret["db-password"] }}`, baseContext())
	require.NoError(t, err)
	require.Equal(t, "pw=hunter2", out)
	require.Contains(t, secrets, "hunter2")
}

func TestRenderAuthAliasMarksValueForRedaction(t *testing.T) {
	out, secrets, err := Render("user={{ auth.db.username }}", baseContext())
	require.NoError(t, err)
	require.Equal(t, "user=svc", out)
	require.Contains(t, secrets, "svc")
}

func TestRenderDefaultFilterFallsBackOnMissingField(t *testing.T) {
	out, _, err := Render("value={{ workload.missing | default(\"fallback\") }}", baseContext())
	require.NoError(t, err)
	require.Equal(t, "value=fallback", out)
}

func TestRenderMissingFieldWithoutDefaultErrorsInline(t *testing.T) {
	out, _, err := Render("value={{ workload.missing }}", baseContext())
	require.NoError(t, err)
	require.Contains(t, out, "ERROR")
}

func TestRenderTojsonFilter(t *testing.T) {
	out, _, err := Render("n={{ workload.count | tojson }}", baseContext())
	require.NoError(t, err)
	require.Equal(t, "n=3", out)
}

func TestRenderValueWalksNestedMaps(t *testing.T) {
	input := map[string]any{
		"greeting": "hi {{ workload.name }}",
		"nested": map[string]any{
			"region": "{{ ctx.region }}",
		},
		"list": []any{"{{ env.STAGE }}"},
	}
	out, secrets, err := RenderValue(input, baseContext())
	require.NoError(t, err)
	require.Empty(t, secrets)

	m := out.(map[string]any)
	require.Equal(t, "hi alice", m["greeting"])
	require.Equal(t, "prod", m["list"].([]any)[0])
	require.Equal(t, "us-east-1", m["nested"].(map[string]any)["region"])
}

func TestRedactScrubsSecretValueFromNestedResult(t *testing.T) {
	result := map[string]any{
		"status": "ok",
		"echo":   "token=hunter2 accepted",
		"nested": map[string]any{"saw": "hunter2"},
		"list":   []any{"hunter2", "unrelated"},
	}
	out := Redact(result, []string{"hunter2"})

	m := out.(map[string]any)
	require.Equal(t, "ok", m["status"])
	require.Equal(t, "token="+RedactedPlaceholder+" accepted", m["echo"])
	require.Equal(t, RedactedPlaceholder, m["nested"].(map[string]any)["saw"])
	require.Equal(t, RedactedPlaceholder, m["list"].([]any)[0])
	require.Equal(t, "unrelated", m["list"].([]any)[1])
}

func TestRedactReturnsInputUnchangedWhenNoSecrets(t *testing.T) {
	result := map[string]any{"status": "ok"}
	out := Redact(result, nil)
	require.Equal(t, result, out)
}
