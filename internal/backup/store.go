package backup

import "database/sql"

const (
	// SQLite schema for the local backup store
	createJournalBackupsTable = `
		CREATE TABLE IF NOT EXISTS journal_backups (
			connection_id TEXT PRIMARY KEY,
			changes_json TEXT NOT NULL,
			saved_at TEXT NOT NULL
		);
	`

	createPreferencesTable = `
		CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
)

func initializeSchema(db *sql.DB) error {
	schemas := []string{
		createJournalBackupsTable,
		createPreferencesTable,
	}

	for _, schema := range schemas {
		if _, err := db.Exec(schema); err != nil {
			return err
		}
	}

	return nil
}
