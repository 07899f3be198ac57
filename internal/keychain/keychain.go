// Package keychain implements the execution-scoped credential cache
// (SPEC_FULL.md §3 "Auth cache (keychain)", §4.5 step 2). Postgres is the
// record of truth for resolved secret payloads; redis/go-redis/v9 fronts
// it as a short-TTL hot cache so a hot loop resolving the same credential
// on every iteration does not round-trip to a provider each time.
// Grounded on db/state_store.go for the Postgres row shape and on the
// teacher's use of redis as a TTL cache elsewhere in cloud/ (cache
// pattern only; the teacher never builds a credential cache, so the
// secret-handling semantics below are new).
package keychain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"noetl.io/noetl/internal/db"
	"noetl.io/noetl/internal/noetlerr"
)

// Entry is a resolved credential, scoped to one execution so a lease
// renewal or retry within the same execution can reuse it without
// re-invoking the provider, but a different execution never can (§4.5).
type Entry struct {
	CredentialName string
	ExecutionID    int64
	Payload        map[string]any
	ExpiresAt      time.Time
	AccessCount    int
}

// Keychain is the two-tier (Redis hot cache, Postgres record-of-truth)
// credential cache. Secret payloads are never logged; callers must use
// Payload only to populate a tool's auth context, never a log field.
type Keychain struct {
	db    *db.Postgres
	redis *redis.Client
	ttl   time.Duration
}

// New constructs a Keychain. ttl bounds both the Redis key expiry and the
// maximum lifetime recorded in Postgres's expires_at column (§3: "TTL less
// than or equal to one hour").
func New(pg *db.Postgres, rdb *redis.Client, ttl time.Duration) *Keychain {
	if ttl <= 0 || ttl > time.Hour {
		ttl = time.Hour
	}
	return &Keychain{db: pg, redis: rdb, ttl: ttl}
}

func cacheKey(credentialName string, executionID int64) string {
	return fmt.Sprintf("noetl:keychain:%d:%s", executionID, credentialName)
}

// Get returns a cached credential if present and unexpired, checking Redis
// before falling back to Postgres. Returns a NotFound noetlerr.Error if
// neither tier has a live entry so the caller resolves from the provider
// and calls Put.
func (k *Keychain) Get(ctx context.Context, credentialName string, executionID int64) (*Entry, error) {
	if k.redis != nil {
		raw, err := k.redis.Get(ctx, cacheKey(credentialName, executionID)).Bytes()
		if err == nil {
			var e Entry
			if jsonErr := json.Unmarshal(raw, &e); jsonErr == nil {
				go k.bumpAccess(context.WithoutCancel(ctx), credentialName, executionID)
				return &e, nil
			}
		} else if err != redis.Nil {
			// Redis unavailable: fall through to Postgres rather than failing
			// the whole resolution path on a cache outage.
			_ = err
		}
	}

	row := k.db.QueryRow(ctx, `
		SELECT secret_payload, expires_at, access_count
		FROM keychain_entries
		WHERE credential_name=$1 AND execution_id=$2 AND expires_at > now()
	`, credentialName, executionID)

	var e Entry
	e.CredentialName, e.ExecutionID = credentialName, executionID
	var payload []byte
	if err := row.Scan(&payload, &e.ExpiresAt, &e.AccessCount); err != nil {
		return nil, noetlerr.NotFound(fmt.Sprintf("keychain: no live entry for %s in execution %d: %v", credentialName, executionID, err))
	}
	if jsonErr := json.Unmarshal(payload, &e.Payload); jsonErr != nil {
		return nil, fmt.Errorf("keychain: decoding payload for %s: %w", credentialName, jsonErr)
	}

	k.warmRedis(ctx, &e)
	_, _ = k.db.Exec(ctx, `
		UPDATE keychain_entries SET accessed_at=now(), access_count=access_count+1
		WHERE credential_name=$1 AND execution_id=$2
	`, credentialName, executionID)

	return &e, nil
}

// Put stores a freshly resolved credential, capping its lifetime to the
// keychain's configured TTL regardless of what the provider reported.
func (k *Keychain) Put(ctx context.Context, credentialName string, executionID int64, payload map[string]any) (*Entry, error) {
	expiresAt := time.Now().Add(k.ttl)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("keychain: marshaling payload for %s: %w", credentialName, err)
	}

	_, err = k.db.Exec(ctx, `
		INSERT INTO keychain_entries (credential_name, execution_id, secret_payload, expires_at, accessed_at, access_count)
		VALUES ($1,$2,$3,$4,now(),1)
		ON CONFLICT (credential_name, execution_id)
		DO UPDATE SET secret_payload=$3, expires_at=$4, accessed_at=now(), access_count=keychain_entries.access_count+1
	`, credentialName, executionID, payloadJSON, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("keychain: storing %s: %w", credentialName, err)
	}

	e := &Entry{CredentialName: credentialName, ExecutionID: executionID, Payload: payload, ExpiresAt: expiresAt, AccessCount: 1}
	k.warmRedis(ctx, e)
	return e, nil
}

// Evict removes a credential from both tiers, used when a provider
// reports revocation or a tool receives an authentication error that
// implies the cached secret is stale.
func (k *Keychain) Evict(ctx context.Context, credentialName string, executionID int64) error {
	if k.redis != nil {
		_ = k.redis.Del(ctx, cacheKey(credentialName, executionID)).Err()
	}
	_, err := k.db.Exec(ctx, `DELETE FROM keychain_entries WHERE credential_name=$1 AND execution_id=$2`, credentialName, executionID)
	if err != nil {
		return fmt.Errorf("keychain: evicting %s: %w", credentialName, err)
	}
	return nil
}

func (k *Keychain) warmRedis(ctx context.Context, e *Entry) {
	if k.redis == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return
	}
	_ = k.redis.Set(ctx, cacheKey(e.CredentialName, e.ExecutionID), raw, ttl).Err()
}

func (k *Keychain) bumpAccess(ctx context.Context, credentialName string, executionID int64) {
	_, _ = k.db.Exec(ctx, `
		UPDATE keychain_entries SET accessed_at=now(), access_count=access_count+1
		WHERE credential_name=$1 AND execution_id=$2
	`, credentialName, executionID)
}
