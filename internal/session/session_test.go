package session_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koba/db-sandbox/internal/backup"
	"github.com/koba/db-sandbox/internal/journal"
	"github.com/koba/db-sandbox/internal/overlay"
	"github.com/koba/db-sandbox/internal/schema"
	"github.com/koba/db-sandbox/internal/session"
)

func openTestStore(t *testing.T) *backup.Manager {
	t.Helper()

	m, err := backup.Open(filepath.Join(t.TempDir(), "backups.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
	})
	return m
}

func usersTable() schema.TableRef {
	return schema.TableRef{Namespace: schema.Namespace{Database: "app"}, Table: "users"}
}

func stageOne(t *testing.T, j *journal.Journal) {
	t.Helper()
	_, err := j.Stage(journal.StageInput{
		Kind:      journal.KindInsert,
		Target:    usersTable(),
		NewValues: schema.Row{"name": "Eve"},
	})
	require.NoError(t, err)
}

func TestActivateReusesActiveSession(t *testing.T) {
	manager, err := session.NewManager(openTestStore(t))
	require.NoError(t, err)

	s1 := manager.Activate("conn-1")
	s2 := manager.Activate("conn-1")
	other := manager.Activate("conn-2")

	assert.Same(t, s1, s2)
	assert.NotSame(t, s1, other)
	assert.True(t, s1.Active())
	assert.NotEmpty(t, s1.ID)
}

func TestDeactivateRefusesStagedChanges(t *testing.T) {
	manager, err := session.NewManager(openTestStore(t))
	require.NoError(t, err)

	s := manager.Activate("conn-1")
	stageOne(t, s.Journal)

	err = manager.Deactivate(s.ID)
	require.Error(t, err)
	assert.True(t, s.Active())

	s.Journal.Clear(nil)
	require.NoError(t, manager.Deactivate(s.ID))
	assert.False(t, s.Active())
}

func TestDiscardDropsJournalAndBackup(t *testing.T) {
	store := openTestStore(t)
	manager, err := session.NewManager(store)
	require.NoError(t, err)

	s := manager.Activate("conn-1")
	stageOne(t, s.Journal)
	require.NoError(t, store.Snapshot("conn-1", s.Journal.List(nil)))

	require.NoError(t, manager.Discard(s.ID))

	assert.False(t, s.Active())
	assert.Equal(t, 0, s.Journal.Len())

	record, err := store.Restore("conn-1")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestCompleteCommitDestroysSession(t *testing.T) {
	store := openTestStore(t)
	manager, err := session.NewManager(store)
	require.NoError(t, err)

	s := manager.Activate("conn-1")
	require.NoError(t, store.Snapshot("conn-1", nil))

	manager.CompleteCommit(s.ID)

	assert.False(t, s.Active())
	_, ok := manager.Session(s.ID)
	assert.False(t, ok)

	record, err := store.Restore("conn-1")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestPendingRestoreOfferedOnlyForEmptyJournal(t *testing.T) {
	store := openTestStore(t)
	manager, err := session.NewManager(store)
	require.NoError(t, err)

	staged := journal.New("old-session")
	stageOne(t, staged)
	require.NoError(t, store.Snapshot("conn-1", staged.List(nil)))

	s := manager.Activate("conn-1")

	record, err := manager.PendingRestore(s)
	require.NoError(t, err)
	require.NotNil(t, record)

	manager.AcceptRestore(s, record)
	require.Equal(t, 1, s.Journal.Len())
	assert.Equal(t, s.ID, s.Journal.List(nil)[0].SessionID, "restored changes adopt the new session")

	// With work already staged, no further offer is made.
	record, err = manager.PendingRestore(s)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestPreferencesPersistAcrossManagers(t *testing.T) {
	store := openTestStore(t)

	manager, err := session.NewManager(store)
	require.NoError(t, err)
	assert.Equal(t, session.DefaultPreferences(), manager.Preferences())

	prefs := manager.Preferences()
	prefs.DeleteDisplay = overlay.DeleteHidden
	prefs.PageSize = 25
	require.NoError(t, manager.SetPreferences(prefs))

	reloaded, err := session.NewManager(store)
	require.NoError(t, err)
	assert.Equal(t, prefs, reloaded.Preferences())
}
