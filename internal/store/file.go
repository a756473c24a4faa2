package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/koopa0/chatembed/internal/transcript"
)

// lockRetryDelay is the polling interval while waiting for the flock.
const lockRetryDelay = 10 * time.Millisecond

// FileStore persists one JSON snapshot file per scope key under a directory.
// Writes go through a temp file + rename and are serialized across processes
// with a flock sidecar, so two widget instances sharing a scope cannot tear
// each other's snapshots.
type FileStore struct {
	dir string
}

// NewFileStore creates a file store rooted at dir, creating it if needed.
// An empty dir defaults to ~/.chatembed/sessions.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatembed", "sessions")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Load implements Store. Missing or corrupt files load as absent.
func (s *FileStore) Load(_ context.Context, scope string) (*transcript.Session, error) {
	raw, err := os.ReadFile(s.path(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return decodeSnapshot(raw), nil
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, scope string, sess *transcript.Session) error {
	raw, err := encodeSnapshot(sess)
	if err != nil {
		return err
	}

	lock := flock.New(s.path(scope) + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock session file: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock session file: not acquired")
	}
	defer func() { _ = lock.Unlock() }()

	tmp := s.path(scope) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path(scope)); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// Delete implements Store. Removing an absent file is not an error.
func (s *FileStore) Delete(_ context.Context, scope string) error {
	if err := os.Remove(s.path(scope)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

// path maps a scope key to its snapshot file.
func (s *FileStore) path(scope string) string {
	return filepath.Join(s.dir, "chatembed-"+sanitizeScope(scope)+".json")
}

// sanitizeScope makes a scope key filesystem-safe. Scope keys are embed ids
// (opaque identifiers), so this only guards against hostile or malformed
// configuration, not normal input.
func sanitizeScope(scope string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, scope)
}
