package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/koba/db-sandbox/internal/schema"
)

// MySQL implements the Database interface for MySQL
type MySQL struct {
	config Config
	db     *sql.DB
}

// NewMySQL creates a new MySQL database connection
func NewMySQL(config Config) *MySQL {
	return &MySQL{config: config}
}

// Connect establishes a connection to MySQL
func (m *MySQL) Connect(ctx context.Context) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		m.config.User,
		m.config.Password,
		m.config.Host,
		m.config.Port,
		m.config.Database,
	)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m.db = db
	return nil
}

// Close closes the MySQL connection
func (m *MySQL) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// DB exposes the underlying handle.
func (m *MySQL) DB() *sql.DB {
	return m.db
}

func (m *MySQL) databaseFor(ref schema.TableRef) string {
	if ref.Namespace.Database != "" {
		return ref.Namespace.Database
	}
	return m.config.Database
}

// TableSchema retrieves the current structure of a table. Primary key
// membership is resolved in the same query so the result is a consistent
// point-in-time capture.
func (m *MySQL) TableSchema(ctx context.Context, ref schema.TableRef) (*schema.TableSchema, error) {
	query := `
		SELECT
			c.COLUMN_NAME,
			c.COLUMN_TYPE,
			c.IS_NULLABLE,
			c.COLUMN_KEY = 'PRI',
			c.ORDINAL_POSITION
		FROM information_schema.COLUMNS c
		WHERE c.TABLE_SCHEMA = ? AND c.TABLE_NAME = ?
		ORDER BY c.ORDINAL_POSITION
	`
	rows, err := m.db.QueryContext(ctx, query, m.databaseFor(ref), ref.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	defer rows.Close()

	tableSchema := &schema.TableSchema{Name: ref.Table}
	for rows.Next() {
		var col schema.Column
		var nullable string

		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.PrimaryKey, &col.Position); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}

		col.Nullable = (nullable == "YES")
		tableSchema.Columns = append(tableSchema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	if len(tableSchema.Columns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, ref)
	}

	return tableSchema, nil
}

// TableData retrieves rows from a table along with the column order of the
// result set.
func (m *MySQL) TableData(ctx context.Context, ref schema.TableRef, limit int) ([]string, []schema.Row, error) {
	query := fmt.Sprintf("SELECT * FROM `%s`.`%s`", m.databaseFor(ref), ref.Table)
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get table data: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get columns: %w", err)
	}

	data, err := scanRows(rows, columns)
	if err != nil {
		return nil, nil, err
	}

	return columns, data, nil
}
