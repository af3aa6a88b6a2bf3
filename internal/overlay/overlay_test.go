package overlay_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koba/db-sandbox/internal/journal"
	"github.com/koba/db-sandbox/internal/overlay"
	"github.com/koba/db-sandbox/internal/schema"
)

func usersTable() schema.TableRef {
	return schema.TableRef{
		Namespace: schema.Namespace{Database: "app"},
		Table:     "users",
	}
}

func usersSchema() *schema.TableSchema {
	return &schema.TableSchema{
		Name: "users",
		Columns: []schema.Column{
			{Name: "id", Type: "int", PrimaryKey: true, Position: 1},
			{Name: "name", Type: "varchar", Nullable: true, Position: 2},
		},
	}
}

func baseUsers() *overlay.BaseResult {
	return &overlay.BaseResult{
		Columns: []string{"id", "name"},
		Rows: []schema.Row{
			{"id": 1, "name": "Bob"},
			{"id": 2, "name": "Kim"},
		},
	}
}

func stage(t *testing.T, j *journal.Journal, in journal.StageInput) {
	t.Helper()
	_, err := j.Stage(in)
	require.NoError(t, err)
}

func TestApplyUpdateSplicesChangedColumns(t *testing.T) {
	j := journal.New("s")
	stage(t, j, journal.StageInput{
		Kind:      journal.KindUpdate,
		Target:    usersTable(),
		Identity:  schema.Row{"id": 1},
		OldValues: schema.Row{"id": 1, "name": "Bob"},
		NewValues: schema.Row{"name": "Bobby"},
	})

	result := overlay.Apply(baseUsers(), j.List(nil), usersSchema(), overlay.Options{})

	require.Len(t, result.Rows, 2)
	assert.Equal(t, "Bobby", result.Rows[0]["name"])
	assert.Equal(t, 1, result.Rows[0]["id"], "unchanged columns pass through")

	meta := result.Meta[0]
	require.NotNil(t, meta)
	assert.True(t, meta.Modified)
	assert.Equal(t, map[string]bool{"name": true}, meta.ModifiedColumns)
	assert.Equal(t, 1, result.Stats.Modified)

	assert.Nil(t, result.Meta[1], "untouched rows carry no metadata")
}

func TestApplyDeleteDisplayModes(t *testing.T) {
	j := journal.New("s")
	stage(t, j, journal.StageInput{
		Kind:      journal.KindDelete,
		Target:    usersTable(),
		Identity:  schema.Row{"id": 2},
		OldValues: schema.Row{"id": 2, "name": "Kim"},
	})

	t.Run("strikethrough keeps the row annotated", func(t *testing.T) {
		result := overlay.Apply(baseUsers(), j.List(nil), usersSchema(), overlay.Options{
			DeleteDisplay: overlay.DeleteStrikethrough,
		})

		require.Len(t, result.Rows, 2)
		require.NotNil(t, result.Meta[1])
		assert.True(t, result.Meta[1].Deleted)
		assert.Equal(t, 1, result.Stats.Deleted)
		assert.Equal(t, 0, result.Stats.Hidden)
	})

	t.Run("hidden drops the row", func(t *testing.T) {
		result := overlay.Apply(baseUsers(), j.List(nil), usersSchema(), overlay.Options{
			DeleteDisplay: overlay.DeleteHidden,
		})

		require.Len(t, result.Rows, 1)
		assert.Equal(t, 1, result.Rows[0]["id"])
		assert.Equal(t, 1, result.Stats.Deleted)
		assert.Equal(t, 1, result.Stats.Hidden)
	})
}

func TestApplyPrependsInsertsWithNullDefaults(t *testing.T) {
	j := journal.New("s")
	stage(t, j, journal.StageInput{
		Kind:      journal.KindInsert,
		Target:    usersTable(),
		NewValues: schema.Row{"id": 5},
	})

	result := overlay.Apply(baseUsers(), j.List(nil), usersSchema(), overlay.Options{})

	require.Len(t, result.Rows, 3)
	assert.Equal(t, 5, result.Rows[0]["id"])
	assert.Nil(t, result.Rows[0]["name"], "missing columns default to null")

	meta := result.Meta[0]
	require.NotNil(t, meta)
	assert.True(t, meta.Inserted)
	assert.Equal(t, map[string]bool{"id": true, "name": true}, meta.ModifiedColumns)
	assert.Equal(t, 1, result.Stats.Inserted)
}

func TestApplyIsDeterministicAndPure(t *testing.T) {
	j := journal.New("s")
	stage(t, j, journal.StageInput{
		Kind:      journal.KindInsert,
		Target:    usersTable(),
		NewValues: schema.Row{"id": 5, "name": "Eve"},
	})
	stage(t, j, journal.StageInput{
		Kind:      journal.KindUpdate,
		Target:    usersTable(),
		Identity:  schema.Row{"id": 1},
		OldValues: schema.Row{"id": 1, "name": "Bob"},
		NewValues: schema.Row{"name": "Bobby"},
	})
	stage(t, j, journal.StageInput{
		Kind:      journal.KindDelete,
		Target:    usersTable(),
		Identity:  schema.Row{"id": 2},
		OldValues: schema.Row{"id": 2, "name": "Kim"},
	})

	base := baseUsers()
	changes := j.List(nil)

	first := overlay.Apply(base, changes, usersSchema(), overlay.Options{})
	second := overlay.Apply(base, changes, usersSchema(), overlay.Options{})

	assert.Equal(t, first, second)
	assert.Equal(t, baseUsers(), base, "base result is never mutated")
}

func TestApplyDegradesToInsertOnlyWithoutKeyColumns(t *testing.T) {
	j := journal.New("s")
	stage(t, j, journal.StageInput{
		Kind:      journal.KindInsert,
		Target:    usersTable(),
		NewValues: schema.Row{"name": "Eve"},
	})
	stage(t, j, journal.StageInput{
		Kind:      journal.KindUpdate,
		Target:    usersTable(),
		Identity:  schema.Row{"id": 1},
		OldValues: schema.Row{"name": "Bob"},
		NewValues: schema.Row{"name": "Bobby"},
	})

	// The fetched result has no id column, so the update cannot be matched.
	base := &overlay.BaseResult{
		Columns: []string{"name"},
		Rows:    []schema.Row{{"name": "Bob"}},
	}

	result := overlay.Apply(base, j.List(nil), usersSchema(), overlay.Options{})

	require.Len(t, result.Rows, 2)
	assert.True(t, result.Meta[0].Inserted)
	assert.Equal(t, "Bob", result.Rows[1]["name"], "unmatched update does not touch the row")
	require.Len(t, result.Unmatched, 1)
	assert.Equal(t, journal.KindUpdate, result.Unmatched[0].Kind)
}

func TestApplyReportsChangesOutsideFetchedPage(t *testing.T) {
	j := journal.New("s")
	stage(t, j, journal.StageInput{
		Kind:      journal.KindDelete,
		Target:    usersTable(),
		Identity:  schema.Row{"id": 42},
		OldValues: schema.Row{"id": 42, "name": "Zed"},
	})

	result := overlay.Apply(baseUsers(), j.List(nil), usersSchema(), overlay.Options{})

	require.Len(t, result.Rows, 2)
	require.Len(t, result.Unmatched, 1)
	assert.Equal(t, 0, result.Stats.Deleted)
}

func TestApplyWithoutPrimaryKeySchema(t *testing.T) {
	noKey := &schema.TableSchema{
		Name: "users",
		Columns: []schema.Column{
			{Name: "id", Type: "int", Position: 1},
			{Name: "name", Type: "varchar", Position: 2},
		},
	}

	j := journal.New("s")
	stage(t, j, journal.StageInput{
		Kind:      journal.KindUpdate,
		Target:    usersTable(),
		Identity:  schema.Row{"id": 1},
		OldValues: schema.Row{"id": 1, "name": "Bob"},
		NewValues: schema.Row{"name": "Bobby"},
	})

	result := overlay.Apply(baseUsers(), j.List(nil), noKey, overlay.Options{})

	require.Len(t, result.Unmatched, 1)
	assert.Equal(t, "Bob", result.Rows[0]["name"])
}
