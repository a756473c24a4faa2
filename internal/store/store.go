// Package store persists session snapshots, one record per scope key.
//
// The scope key (the widget's embed id) partitions storage so concurrent
// widget instances never collide. Every Save writes a full snapshot, not a
// diff. All backends share one failure contract, set by the session manager's
// needs: a missing or unreadable record loads as absent (nil, nil), never as
// a crash — losing persistence degrades to "conversation not resumed",
// nothing worse.
//
// Backends:
//
//   - [MemoryStore]: process-local, for tests and throwaway sessions
//   - [FileStore]: one JSON file per scope, flock-guarded atomic writes
//   - [SQLiteStore]: single-table SQLite database
package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/koopa0/chatembed/internal/transcript"
)

// Store persists one session snapshot per scope key.
//
// Implementations must return (nil, nil) from Load when no usable record
// exists, including corrupt records. Delete is idempotent.
type Store interface {
	Load(ctx context.Context, scope string) (*transcript.Session, error)
	Save(ctx context.Context, scope string, sess *transcript.Session) error
	Delete(ctx context.Context, scope string) error
	Close() error
}

// MemoryStore keeps snapshots in memory. Snapshots are stored serialized so
// the marshal round-trip matches the durable backends exactly.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, scope string) (*transcript.Session, error) {
	s.mu.RLock()
	raw, ok := s.data[scope]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeSnapshot(raw), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, scope string, sess *transcript.Session) error {
	raw, err := encodeSnapshot(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[scope] = raw
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, scope string) error {
	s.mu.Lock()
	delete(s.data, scope)
	s.mu.Unlock()
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// encodeSnapshot marshals a session for storage.
func encodeSnapshot(sess *transcript.Session) ([]byte, error) {
	return json.Marshal(sess)
}

// decodeSnapshot unmarshals a stored record, returning nil for corrupt data
// per the package failure contract.
func decodeSnapshot(raw []byte) *transcript.Session {
	var sess transcript.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil
	}
	return &sess
}
