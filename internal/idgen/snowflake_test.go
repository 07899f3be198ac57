package idgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGeneratorMonotonic(t *testing.T) {
	gen, err := NewGenerator(1)
	require.NoError(t, err)

	var prev int64
	for i := 0; i < 10000; i++ {
		id := gen.Next()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestGeneratorRejectsBadShard(t *testing.T) {
	_, err := NewGenerator(-1)
	require.Error(t, err)
	_, err = NewGenerator(shardMax + 1)
	require.Error(t, err)
}

func TestGeneratorUnique(t *testing.T) {
	gen, err := NewGenerator(2)
	require.NoError(t, err)

	seen := make(map[int64]bool)
	for i := 0; i < 5000; i++ {
		id := gen.Next()
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestTimeRoundTrip(t *testing.T) {
	gen, err := NewGenerator(3)
	require.NoError(t, err)
	before := time.Now()
	id := gen.Next()
	require.WithinDuration(t, before, Time(id), time.Second)
}
