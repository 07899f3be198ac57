// Package catalog implements the content-addressed, versioned resource
// registry (SPEC_FULL.md §4.1). Grounded in style on the teacher's
// db/state_store.go query/RowsAffected idiom, but built fresh — the
// teacher's registry/registry.go is file-based service discovery, not a
// content-addressed versioned store, and has no direct equivalent here.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"noetl.io/noetl/internal/db"
	"noetl.io/noetl/internal/eventlog"
	"noetl.io/noetl/internal/idgen"
	"noetl.io/noetl/internal/noetlerr"
)

// ResourceType enumerates the kinds of content the catalog can hold.
type ResourceType string

const (
	ResourcePlaybook   ResourceType = "Playbook"
	ResourceCredential ResourceType = "Credential"
	ResourceWorkflow   ResourceType = "Workflow"
	ResourceTask       ResourceType = "Task"
	ResourceAction     ResourceType = "Action"
	ResourceTarget     ResourceType = "Target"
)

// Status reports the outcome of a Register call.
type Status string

const (
	Registered Status = "REGISTERED"
	Updated    Status = "UPDATED"
	Unchanged  Status = "UNCHANGED"
)

// Entry is a normalized catalog row.
type Entry struct {
	CatalogID          int64
	ResourceType       ResourceType
	ResourcePath       string
	ResourceVersion    string
	Source             string
	ResourceLocation   string
	ContentFingerprint string
	Payload            json.RawMessage
	Meta               json.RawMessage
	CreatedAt          time.Time
}

// Catalog is the Postgres-backed versioned registry.
type Catalog struct {
	db     *db.Postgres
	events *eventlog.EventLog
	ids    *idgen.Generator
}

// New constructs a Catalog bound to shared Postgres and event log
// instances (per the process Runtime).
func New(pg *db.Postgres, events *eventlog.EventLog, ids *idgen.Generator) *Catalog {
	return &Catalog{db: pg, events: events, ids: ids}
}

func fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// normalize canonicalizes JSON so that semantically identical content
// produces the same fingerprint regardless of key order or whitespace.
func normalize(content []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(content, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Register validates, fingerprints, and stores content at path, allocating
// a new version only when the content differs from the current latest
// (§4.1). Emits resource_registered/updated/unchanged via the event log
// whenever the Catalog has one, including when executionID is zero.
func (c *Catalog) Register(ctx context.Context, resourceType ResourceType, path string, content []byte, executionID int64) (version string, status Status, err error) {
	normalized, err := normalize(content)
	if err != nil {
		return "", "", noetlerr.Validation(fmt.Sprintf("catalog: invalid JSON payload for %s: %v", path, err))
	}
	if !validResourceType(resourceType) {
		return "", "", noetlerr.Validation(fmt.Sprintf("catalog: unknown resource_type %q", resourceType))
	}

	fp := fingerprint(normalized)

	latest, err := c.latestEntry(ctx, path)
	if err != nil && !isNotFound(err) {
		return "", "", fmt.Errorf("catalog: looking up latest for %s: %w", path, err)
	}

	if latest != nil && latest.ContentFingerprint == fp {
		c.emit(ctx, eventlog.EventResourceUnchanged, executionID, path, latest.ResourceVersion)
		return latest.ResourceVersion, Unchanged, nil
	}

	nextVersion := nextVersionString(latest)
	id := c.ids.Next()

	_, err = c.db.Exec(ctx, `
		INSERT INTO catalog_entries
			(catalog_id, resource_type, resource_path, resource_version, source, content_fingerprint, payload, meta, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'{}',now())
		ON CONFLICT (resource_path, resource_version) DO NOTHING
	`, id, string(resourceType), path, nextVersion, "inline", fp, normalized)
	if err != nil {
		return "", "", fmt.Errorf("catalog: inserting entry: %w", err)
	}

	st := Registered
	if latest != nil {
		st = Updated
	}
	evt := eventlog.EventResourceRegistered
	if st == Updated {
		evt = eventlog.EventResourceUpdated
	}
	c.emit(ctx, evt, executionID, path, nextVersion)

	return nextVersion, st, nil
}

func (c *Catalog) emit(ctx context.Context, eventType eventlog.EventType, executionID int64, path, version string) {
	if c.events == nil {
		return
	}
	_, _ = c.events.Append(ctx, eventlog.Event{
		ExecutionID: executionID,
		EventType:   eventType,
		Payload: map[string]any{
			"resource_path":    path,
			"resource_version": version,
		},
	})
}

// Fetch returns the normalized payload and metadata for (path, version);
// version may be "latest" (§4.1).
func (c *Catalog) Fetch(ctx context.Context, path, version string) (*Entry, error) {
	if version == "" || version == "latest" {
		entry, err := c.latestEntry(ctx, path)
		if err != nil {
			return nil, err
		}
		return entry, nil
	}

	row := c.db.QueryRow(ctx, `
		SELECT catalog_id, resource_type, resource_path, resource_version, source,
			   coalesce(resource_location,''), content_fingerprint, payload, meta, created_at
		FROM catalog_entries WHERE resource_path=$1 AND resource_version=$2
	`, path, version)

	var e Entry
	var rtype string
	if err := row.Scan(&e.CatalogID, &rtype, &e.ResourcePath, &e.ResourceVersion, &e.Source,
		&e.ResourceLocation, &e.ContentFingerprint, &e.Payload, &e.Meta, &e.CreatedAt); err != nil {
		return nil, noetlerr.NotFound(fmt.Sprintf("catalog: %s@%s not found: %v", path, version, err))
	}
	e.ResourceType = ResourceType(rtype)
	return &e, nil
}

func (c *Catalog) latestEntry(ctx context.Context, path string) (*Entry, error) {
	rows, err := c.db.Query(ctx, `
		SELECT catalog_id, resource_type, resource_path, resource_version, source,
			   coalesce(resource_location,''), content_fingerprint, payload, meta, created_at
		FROM catalog_entries WHERE resource_path=$1
	`, path)
	if err != nil {
		return nil, fmt.Errorf("catalog: querying versions for %s: %w", path, err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var rtype string
		if err := rows.Scan(&e.CatalogID, &rtype, &e.ResourcePath, &e.ResourceVersion, &e.Source,
			&e.ResourceLocation, &e.ContentFingerprint, &e.Payload, &e.Meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ResourceType = ResourceType(rtype)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, noetlerr.NotFound(fmt.Sprintf("catalog: %s not found", path))
	}

	sort.Slice(entries, func(i, j int) bool {
		return compareVersions(entries[i].ResourceVersion, entries[j].ResourceVersion) < 0
	})
	return entries[len(entries)-1], nil
}

// Summary is a read-only projection returned by List.
type Summary struct {
	ResourcePath    string
	ResourceVersion string
	ResourceType    ResourceType
	CreatedAt       time.Time
}

// List returns summaries for every entry of the given type matching an
// optional path-prefix filter. Read-only; no side effects (§4.1).
func (c *Catalog) List(ctx context.Context, resourceType ResourceType, pathPrefix string) ([]Summary, error) {
	rows, err := c.db.Query(ctx, `
		SELECT resource_path, resource_version, resource_type, created_at
		FROM catalog_entries
		WHERE ($1 = '' OR resource_type = $1) AND resource_path LIKE $2
		ORDER BY resource_path, resource_version
	`, string(resourceType), pathPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("catalog: listing: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var rtype string
		if err := rows.Scan(&s.ResourcePath, &s.ResourceVersion, &rtype, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.ResourceType = ResourceType(rtype)
		out = append(out, s)
	}
	return out, rows.Err()
}

func validResourceType(rt ResourceType) bool {
	switch rt {
	case ResourcePlaybook, ResourceCredential, ResourceWorkflow, ResourceTask, ResourceAction, ResourceTarget:
		return true
	default:
		return false
	}
}

func isNotFound(err error) bool {
	var e *noetlerr.Error
	return errors.As(err, &e) && e.Kind == noetlerr.KindNotFound
}

// nextVersionString allocates a monotonically comparable version string:
// "1", "2", "3", ... Chosen over semver so ordering is a plain integer
// comparison (compareVersions below).
func nextVersionString(latest *Entry) string {
	if latest == nil {
		return "1"
	}
	var n int
	_, _ = fmt.Sscanf(latest.ResourceVersion, "%d", &n)
	return fmt.Sprintf("%d", n+1)
}

func compareVersions(a, b string) int {
	var na, nb int
	_, _ = fmt.Sscanf(a, "%d", &na)
	_, _ = fmt.Sscanf(b, "%d", &nb)
	switch {
	case na < nb:
		return -1
	case na > nb:
		return 1
	default:
		return 0
	}
}
