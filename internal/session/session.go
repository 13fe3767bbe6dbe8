// Package session holds the auth credential shared by the HTTP client and the
// realtime channel. The token is kept in memory and mirrored to a file so a
// restarted agent reconnects without a fresh login.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TokenSource yields the current bearer token. An empty string means no
// session is active.
type TokenSource interface {
	Token() string
}

// Session is a file-backed TokenSource. Safe for concurrent use.
type Session struct {
	mu    sync.RWMutex
	token string
	path  string // empty disables persistence
}

// New creates a session persisted at path. If the file exists its contents
// become the initial token. An empty path keeps the session memory-only.
func New(path string) (*Session, error) {
	s := &Session{path: path}
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		s.token = strings.TrimSpace(string(raw))
	case os.IsNotExist(err):
		// first run, no session yet
	default:
		return nil, fmt.Errorf("session: read token file: %w", err)
	}
	return s, nil
}

// Token returns the current bearer token, or "" when logged out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Active reports whether a token is present.
func (s *Session) Active() bool {
	return s.Token() != ""
}

// SetToken installs a new token and persists it.
func (s *Session) SetToken(token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("session: create token dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("session: write token file: %w", err)
	}
	return nil
}

// Clear forgets the token and removes the persisted copy. Used on logout.
func (s *Session) Clear() error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: remove token file: %w", err)
	}
	return nil
}

// Static is a fixed-token TokenSource for tests and one-shot tools.
type Static string

// Token implements TokenSource.
func (s Static) Token() string { return string(s) }
