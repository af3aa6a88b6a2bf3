package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koba/db-sandbox/internal/backup"
	"github.com/koba/db-sandbox/internal/journal"
	"github.com/koba/db-sandbox/internal/overlay"
)

// Preferences is the process-wide sandbox configuration. It is persisted in
// the backup store and mutated only through Manager.SetPreferences.
type Preferences struct {
	DeleteDisplay  overlay.DeleteDisplay `json:"delete_display"`
	ConfirmDiscard bool                  `json:"confirm_discard"`
	// AutoCollapse is read only by the result-grid surface; it is stored
	// here so every client of the same store sees one setting.
	AutoCollapse bool `json:"auto_collapse"`
	PageSize     int  `json:"page_size"`
}

// DefaultPreferences returns the settings used before the user changes
// anything.
func DefaultPreferences() Preferences {
	return Preferences{
		DeleteDisplay:  overlay.DeleteStrikethrough,
		ConfirmDiscard: true,
		PageSize:       100,
	}
}

const preferencesKey = "sandbox_preferences"

// Session is one active sandbox for a live connection.
type Session struct {
	ID           string
	ConnectionID string
	ActivatedAt  time.Time
	Journal      *journal.Journal

	mu     sync.Mutex
	active bool
}

// Active reports whether the sandbox is still collecting changes.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// Manager owns sandbox session lifecycle and preferences.
type Manager struct {
	backups *backup.Manager

	mu           sync.Mutex
	sessions     map[string]*Session
	byConnection map[string]*Session
	prefs        Preferences
}

// NewManager creates a session manager backed by the given store, loading
// persisted preferences.
func NewManager(backups *backup.Manager) (*Manager, error) {
	m := &Manager{
		backups:      backups,
		sessions:     make(map[string]*Session),
		byConnection: make(map[string]*Session),
		prefs:        DefaultPreferences(),
	}

	raw, ok, err := backups.GetPreference(preferencesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &m.prefs); err != nil {
			return nil, fmt.Errorf("failed to parse preferences: %w", err)
		}
	}

	return m, nil
}

// Preferences returns the current settings.
func (m *Manager) Preferences() Preferences {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs
}

// SetPreferences replaces and persists the settings.
func (m *Manager) SetPreferences(p Preferences) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	if err := m.backups.SetPreference(preferencesKey, string(raw)); err != nil {
		return err
	}

	m.mu.Lock()
	m.prefs = p
	m.mu.Unlock()
	return nil
}

// Activate enables sandbox mode for a connection, reusing the session if
// one is already active.
func (m *Manager) Activate(connectionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.byConnection[connectionID]; ok && s.Active() {
		return s
	}

	s := &Session{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		ActivatedAt:  time.Now(),
		active:       true,
	}
	s.Journal = journal.New(s.ID)
	m.backups.Watch(connectionID, s.Journal)

	m.sessions[s.ID] = s
	m.byConnection[connectionID] = s
	return s
}

// Session looks up an active session by id.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Deactivate turns sandbox mode off for a session. A session with staged
// changes must be discarded or committed first.
func (m *Manager) Deactivate(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	if s.Journal.Len() > 0 {
		return fmt.Errorf("session %s has %d staged changes, discard or commit them first", sessionID, s.Journal.Len())
	}

	m.dispose(s)
	return nil
}

// Discard drops every staged change for a session along with its backup and
// deactivates it.
func (m *Manager) Discard(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	s.Journal.Clear(nil)
	if err := m.backups.Clear(s.ConnectionID); err != nil {
		return err
	}
	m.dispose(s)
	return nil
}

// CompleteCommit destroys a session after its journal was fully applied.
// Wire it to commit.Orchestrator.OnCommitted.
func (m *Manager) CompleteCommit(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	// Best effort: a leftover backup is re-offered and discardable.
	_ = m.backups.Clear(s.ConnectionID)
	m.dispose(s)
}

func (m *Manager) dispose(s *Session) {
	s.deactivate()
	m.mu.Lock()
	delete(m.sessions, s.ID)
	if m.byConnection[s.ConnectionID] == s {
		delete(m.byConnection, s.ConnectionID)
	}
	m.mu.Unlock()
}

// PendingRestore returns the crash-recovery backup to offer on reconnect,
// or nil when there is nothing to restore or the session already has staged
// changes.
func (m *Manager) PendingRestore(s *Session) (*backup.Record, error) {
	if s.Journal.Len() > 0 {
		return nil, nil
	}
	return m.backups.Restore(s.ConnectionID)
}

// AcceptRestore imports a backup into the session's journal.
func (m *Manager) AcceptRestore(s *Session, record *backup.Record) {
	s.Journal.ImportSnapshot(record.Changes)
}
