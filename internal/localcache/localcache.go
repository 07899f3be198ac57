// Package localcache mirrors the most recent local-mode execution result
// to an on-disk bbolt file (SPEC_FULL.md §2.2 "Embedded DB for local/
// offline mode"), so `noetl run -r local` leaves something inspectable
// behind even without a live connection back to Postgres. Grounded on the
// teacher's db/bolt/bolt.go: Open with a lock timeout, CreateBucketIfNotExists,
// JSON-marshal values under a string key.
package localcache

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const executionsBucket = "executions"

// Store is a single-process, file-backed cache of execution snapshots.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt file at path and ensures the
// executions bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("localcache: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(executionsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("localcache: creating bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// PutExecution snapshots an execution (any JSON-marshalable value, in
// practice a *broker.Execution) under its execution id, overwriting any
// prior snapshot for that id.
func (s *Store) PutExecution(executionID int64, exec any) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("localcache: marshaling execution %d: %w", executionID, err)
	}
	key := fmt.Sprintf("%d", executionID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(executionsBucket)).Put([]byte(key), data)
	})
}

// GetExecution reads back a previously-cached execution snapshot into
// out, reporting found=false if nothing was cached for executionID.
func (s *Store) GetExecution(executionID int64, out any) (found bool, err error) {
	key := fmt.Sprintf("%d", executionID)
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(executionsBucket)).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, out)
	})
	if err != nil {
		return false, fmt.Errorf("localcache: reading execution %d: %w", executionID, err)
	}
	return found, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}
