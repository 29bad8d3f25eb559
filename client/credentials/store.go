// Package credentials persists per-server OAuth artifacts: tokens, client
// registrations and discovered endpoints.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Credentials is the stored artifact set for one server. Keys mirror the
// token and registration documents (access_token, refresh_token, client_id,
// client_secret, token_endpoint, scope) plus anything a provider adds.
type Credentials map[string]any

// String returns the string value at key, or "" when absent or not a string.
func (c Credentials) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Store persists credentials keyed by server id.
type Store interface {
	// Load returns the credentials for a server, or nil when none exist.
	Load(ctx context.Context, serverID string) (Credentials, error)
	// Save writes the full credential set for a server.
	Save(ctx context.Context, serverID string, creds Credentials) error
	// Delete removes a server's credentials. Missing entries are a no-op.
	Delete(ctx context.Context, serverID string) error
}

// FileStore keeps one JSON file per server under a directory. Files are
// written 0600 since they hold bearer tokens.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(serverID string) string {
	return filepath.Join(s.dir, serverID+".json")
}

func (s *FileStore) Load(_ context.Context, serverID string) (Credentials, error) {
	b, err := os.ReadFile(s.path(serverID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credentials for %s: %w", serverID, err)
	}
	var creds Credentials
	if err := json.Unmarshal(b, &creds); err != nil {
		return nil, fmt.Errorf("corrupt credentials for %s: %w", serverID, err)
	}
	return creds, nil
}

func (s *FileStore) Save(_ context.Context, serverID string, creds Credentials) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credentials dir: %w", err)
	}
	b, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path(serverID), b, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials for %s: %w", serverID, err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, serverID string) error {
	err := os.Remove(s.path(serverID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
