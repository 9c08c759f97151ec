package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// Credential is the persisted OAuth triple.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Valid reports whether the access token is usable at the given instant.
func (c Credential) Valid(now time.Time) bool {
	return c.AccessToken != "" && now.Unix() < c.ExpiresAt
}

var (
	// ErrNotFound means no credential file exists yet.
	ErrNotFound = errors.New("no stored credential")
	// ErrCorrupt means the credential file exists but cannot be used.
	ErrCorrupt = errors.New("stored credential unreadable")
)

// TokenStore persists a single credential at a fixed path with owner-only
// permissions. Writes go through a temp file and an atomic rename so a
// concurrent Load never observes a partial write.
type TokenStore struct {
	path string
}

// NewTokenStore creates a store for the given path. A leading ~ is expanded
// to the current user's home directory.
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: ExpandTilde(path)}
}

// Path returns the resolved credential file path.
func (s *TokenStore) Path() string { return s.path }

// Load reads the credential from disk.
func (s *TokenStore) Load() (Credential, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("read token file: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if cred.AccessToken == "" || cred.RefreshToken == "" || cred.ExpiresAt == 0 {
		return Credential{}, fmt.Errorf("%w: missing fields", ErrCorrupt)
	}
	return cred, nil
}

// Save persists the credential, creating the parent directory if needed.
func (s *TokenStore) Save(cred Credential) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	raw, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := renameio.WriteFile(s.path, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// Clear removes the credential file. A missing file is success.
func (s *TokenStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// ExpandTilde resolves a leading ~ in path against the user's home directory.
func ExpandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
