// Package session holds the authenticated user context.
//
// A Session is created on login and torn down on logout. Components that
// hold resources for the user (the task core's live subscription) register
// a logout hook so logging out releases them.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrAuthRequired is returned when an operation needs a signed-in user.
var ErrAuthRequired = errors.New("authentication required")

// Session identifies the signed-in user.
type Session struct {
	UserID    string    `yaml:"user_id"`
	StartedAt time.Time `yaml:"started_at"`
}

// DocumentKey returns the key of the user's task document.
func (s *Session) DocumentKey() (string, error) {
	if s == nil || s.UserID == "" {
		return "", ErrAuthRequired
	}
	return s.UserID, nil
}

// Manager owns the current session and its logout hooks.
type Manager struct {
	mu      sync.Mutex
	current *Session
	hooks   []func()
}

// NewManager creates a manager with nobody signed in.
func NewManager() *Manager {
	return &Manager{}
}

// Login starts a session for userID, ending any previous one first.
func (m *Manager) Login(userID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrAuthRequired
	}

	m.Logout()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = &Session{UserID: userID, StartedAt: time.Now().UTC()}
	return m.current, nil
}

// Resume installs a previously saved session.
func (m *Manager) Resume(s *Session) error {
	if s == nil || s.UserID == "" {
		return ErrAuthRequired
	}
	m.Logout()

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.current = &cp
	return nil
}

// Current returns the active session or ErrAuthRequired.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrAuthRequired
	}
	return m.current, nil
}

// OnLogout registers fn to run when the current session ends.
// Hooks run once, in reverse registration order.
func (m *Manager) OnLogout(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Hooks returns the number of pending logout hooks.
func (m *Manager) Hooks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hooks)
}

// Logout ends the current session and runs the logout hooks.
func (m *Manager) Logout() {
	m.mu.Lock()
	hooks := m.hooks
	m.hooks = nil
	m.current = nil
	m.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// Load reads a session saved by Save. A missing file is ErrAuthRequired.
func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrAuthRequired
		}
		return nil, fmt.Errorf("failed to read session file %s: %w", path, err)
	}

	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	if s.UserID == "" {
		return nil, ErrAuthRequired
	}
	return &s, nil
}

// Save writes s to path, creating the parent directory.
func Save(path string, s *Session) error {
	if s == nil || s.UserID == "" {
		return ErrAuthRequired
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file %s: %w", path, err)
	}
	return nil
}

// Remove deletes a saved session. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file %s: %w", path, err)
	}
	return nil
}
