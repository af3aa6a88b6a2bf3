package backup

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/koba/db-sandbox/internal/journal"
	"github.com/koba/db-sandbox/internal/schema"
)

// Record is one persisted journal snapshot.
type Record struct {
	Changes []*journal.ChangeRecord `json:"changes"`
	SavedAt time.Time               `json:"saved_at"`
}

// Manager persists journal snapshots per physical connection so staged
// changes survive a process restart. Writes are best effort: a failed write
// is reported through the warning callback and sandbox operation continues
// in memory.
type Manager struct {
	db       *sql.DB
	debounce time.Duration

	// warn receives non-blocking storage failures.
	warn func(error)

	mu      sync.Mutex
	pending map[string]*pendingWrite
	wg      sync.WaitGroup
}

// pendingWrite is a debounced snapshot that has not fired yet. The flush
// func is kept separately from the timer so Close can run it synchronously.
type pendingWrite struct {
	timer *time.Timer
	flush func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithDebounce sets the delay between a journal mutation and the snapshot
// write it triggers.
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) { m.debounce = d }
}

// WithWarnFunc sets the callback for storage failures.
func WithWarnFunc(fn func(error)) Option {
	return func(m *Manager) { m.warn = fn }
}

// Open opens (creating if needed) the backup store at path.
func Open(path string, opts ...Option) (*Manager, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup store: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize backup store: %w", err)
	}

	m := &Manager{
		db:       db,
		debounce: 500 * time.Millisecond,
		warn:     func(error) {},
		pending:  make(map[string]*pendingWrite),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Close flushes pending debounced writes and closes the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	var flushes []func()
	for id, p := range m.pending {
		if p.timer.Stop() {
			flushes = append(flushes, p.flush)
			m.wg.Done()
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	m.wg.Wait()

	// Writes still inside the debounce window run synchronously so the
	// newest staged changes survive a clean shutdown.
	for _, flush := range flushes {
		flush()
	}
	return m.db.Close()
}

// Watch subscribes to a journal and schedules a debounced snapshot write
// for the connection on every mutation. The write never blocks the
// mutation that triggered it.
func (m *Manager) Watch(connectionID string, j *journal.Journal) {
	j.Subscribe(func(journal.Event) {
		m.schedule(connectionID, j)
	})
}

func (m *Manager) schedule(connectionID string, j *journal.Journal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pending[connectionID]; ok {
		if p.timer.Stop() {
			m.wg.Done()
		}
	}

	flush := func() {
		changes := j.List(nil)
		var err error
		if len(changes) == 0 {
			err = m.Clear(connectionID)
		} else {
			err = m.Snapshot(connectionID, changes)
		}
		if err != nil {
			m.warn(err)
		}
	}

	m.wg.Add(1)
	p := &pendingWrite{flush: flush}
	p.timer = time.AfterFunc(m.debounce, func() {
		defer m.wg.Done()

		m.mu.Lock()
		delete(m.pending, connectionID)
		m.mu.Unlock()

		flush()
	})
	m.pending[connectionID] = p
}

// Snapshot writes the journal contents for a connection, replacing any
// previous backup.
func (m *Manager) Snapshot(connectionID string, changes []*journal.ChangeRecord) error {
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("failed to marshal journal backup: %w", err)
	}

	_, err = m.db.Exec(
		`INSERT INTO journal_backups (connection_id, changes_json, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(connection_id) DO UPDATE SET changes_json = excluded.changes_json, saved_at = excluded.saved_at`,
		connectionID,
		string(changesJSON),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to write journal backup: %w", err)
	}
	return nil
}

// Restore loads the backup for a connection, or nil if none exists.
func (m *Manager) Restore(connectionID string) (*Record, error) {
	var changesJSON, savedAt string
	err := m.db.QueryRow(
		"SELECT changes_json, saved_at FROM journal_backups WHERE connection_id = ?",
		connectionID,
	).Scan(&changesJSON, &savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal backup: %w", err)
	}

	record := &Record{}
	if err := schema.DecodeJSON([]byte(changesJSON), &record.Changes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal journal backup: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
		record.SavedAt = t
	}
	return record, nil
}

// Clear removes the backup for a connection.
func (m *Manager) Clear(connectionID string) error {
	if _, err := m.db.Exec("DELETE FROM journal_backups WHERE connection_id = ?", connectionID); err != nil {
		return fmt.Errorf("failed to clear journal backup: %w", err)
	}
	return nil
}

// Connections lists the connection ids that have a stored backup.
func (m *Manager) Connections() ([]string, error) {
	rows, err := m.db.Query("SELECT connection_id FROM journal_backups ORDER BY connection_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan connection id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetPreference reads one persisted preference value; ok is false when the
// key has never been written.
func (m *Manager) GetPreference(key string) (value string, ok bool, err error) {
	err = m.db.QueryRow("SELECT value FROM preferences WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read preference: %w", err)
	}
	return value, true, nil
}

// SetPreference writes one preference value.
func (m *Manager) SetPreference(key, value string) error {
	_, err := m.db.Exec(
		`INSERT INTO preferences (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write preference: %w", err)
	}
	return nil
}
