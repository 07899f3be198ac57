package localcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type snapshot struct {
	ExecutionID int64
	Status      string
}

func TestPutThenGetExecutionRoundTrips(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.PutExecution(7, snapshot{ExecutionID: 7, Status: "completed"}))

	var out snapshot
	found, err := store.GetExecution(7, &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, snapshot{ExecutionID: 7, Status: "completed"}, out)
}

func TestGetExecutionReportsNotFound(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	var out snapshot
	found, err := store.GetExecution(999, &out)
	require.NoError(t, err)
	require.False(t, found)
}

func TestPutExecutionOverwritesPriorSnapshot(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.PutExecution(1, snapshot{ExecutionID: 1, Status: "running"}))
	require.NoError(t, store.PutExecution(1, snapshot{ExecutionID: 1, Status: "completed"}))

	var out snapshot
	found, err := store.GetExecution(1, &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "completed", out.Status)
}
