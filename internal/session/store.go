// File: internal/session/store.go

// Package session persists named browser storage states as JSON files under
// a single storage root. The store treats the state blob as opaque; the
// runner hands it to the browser-context layer unchanged.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store maps session identifiers to state files under Root.
type Store struct {
	root string
	log  *zap.Logger
}

// NewStore creates the storage root if needed and returns a store bound to it.
func NewStore(root string, logger *zap.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %q: %w", abs, err)
	}
	return &Store{
		root: abs,
		log:  logger.Named("session_store"),
	}, nil
}

// Root returns the absolute storage root directory.
func (s *Store) Root() string {
	return s.root
}

// ResolveStatePath maps a session id to its state file. The id pattern is
// re-validated here regardless of upstream checks, and the resolved path must
// stay inside the storage root.
func (s *Store) ResolveStatePath(session string) (string, error) {
	if !schemas.ValidSessionID(session) {
		return "", fmt.Errorf("invalid session id %q", session)
	}

	path := filepath.Join(s.root, session+".json")
	resolved, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve session path: %w", err)
	}
	if resolved != path || !strings.HasPrefix(resolved, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("session id %q resolves outside the storage root", session)
	}
	return resolved, nil
}

// Exists reports whether a state file is present for the session.
// Non-existence is informational, not an error.
func (s *Store) Exists(session string) bool {
	path, err := s.ResolveStatePath(session)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Load reads the raw state blob for the session.
func (s *Store) Load(session string) ([]byte, error) {
	path, err := s.ResolveStatePath(session)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session state %q: %w", session, err)
	}
	return data, nil
}

// Persist writes the state for the session, replacing any prior file
// atomically: the new content is written to a temporary file in the same
// directory and renamed into place, so a reader never observes a partial
// state. The blob is stored pretty-printed with a trailing newline.
func (s *Store) Persist(session string, state any) (string, error) {
	path, err := s.ResolveStatePath(session)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode session state: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.root, "."+session+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write session state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temporary state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("failed to replace session state %q: %w", session, err)
	}

	s.log.Debug("Session state persisted.",
		zap.String("session", session), zap.Int("bytes", len(data)))
	return path, nil
}
