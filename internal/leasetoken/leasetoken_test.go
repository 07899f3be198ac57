package leasetoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueThenVerifyRoundTrips(t *testing.T) {
	secret := []byte("test-secret")
	expires := time.Now().Add(time.Minute)

	token, err := Issue(secret, 42, 7, "worker-1", expires)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := Verify(secret, token)
	require.NoError(t, err)
	require.Equal(t, int64(42), claims.QueueID)
	require.Equal(t, int64(7), claims.ExecutionID)
	require.Equal(t, "worker-1", claims.WorkerID)
}

func TestIssueWithEmptySecretReturnsEmptyToken(t *testing.T) {
	token, err := Issue(nil, 1, 1, "worker-1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := Issue([]byte("right-secret"), 1, 1, "worker-1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = Verify([]byte("wrong-secret"), token)
	require.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := Issue(secret, 1, 1, "worker-1", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = Verify(secret, token)
	require.Error(t, err)
}

func TestVerifyRejectsEmptySecretOrToken(t *testing.T) {
	_, err := Verify(nil, "whatever")
	require.Error(t, err)

	_, err = Verify([]byte("secret"), "")
	require.Error(t, err)
}
