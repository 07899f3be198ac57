// Package leasetoken signs and verifies the JWT lease tokens the queue
// mints for each leased job (SPEC_FULL.md §2.2 "JWT"), distinct from the
// credential-resolution secrets internal/keychain handles. Grounded on the
// teacher's auth/token.go TokenService: HS256, jwt.RegisteredClaims for
// the standard fields, a small typed Claims struct for the job-specific
// ones.
package leasetoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims binds a signed token to one leased queue row: the worker that
// holds the lease, and the job/execution it was issued for.
type Claims struct {
	QueueID     int64  `json:"queue_id"`
	ExecutionID int64  `json:"execution_id"`
	WorkerID    string `json:"worker_id"`
	jwt.RegisteredClaims
}

// Issue signs a lease token for queueID/executionID held by workerID,
// expiring at expiresAt (the lease's lease_expires_at). Returns an empty
// token without error when secret is empty, so callers that run with
// lease-token verification disabled never pay for signing.
func Issue(secret []byte, queueID, executionID int64, workerID string, expiresAt time.Time) (string, error) {
	if len(secret) == 0 {
		return "", nil
	}
	claims := Claims{
		QueueID:     queueID,
		ExecutionID: executionID,
		WorkerID:    workerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "noetl-queue",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("leasetoken: signing: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a lease token, returning its claims. Fails
// closed on an empty secret or empty token: verification is only
// meaningful when the queue and worker share a configured secret.
func Verify(secret []byte, tokenString string) (*Claims, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("leasetoken: no secret configured")
	}
	if tokenString == "" {
		return nil, fmt.Errorf("leasetoken: empty token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("leasetoken: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("leasetoken: invalid token")
	}
	return claims, nil
}
