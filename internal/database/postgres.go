package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/koba/db-sandbox/internal/schema"
)

// Postgres implements the Database interface for PostgreSQL
type Postgres struct {
	config Config
	db     *sql.DB
}

// NewPostgres creates a new PostgreSQL database connection
func NewPostgres(config Config) *Postgres {
	return &Postgres{config: config}
}

// Connect establishes a connection to PostgreSQL
func (p *Postgres) Connect(ctx context.Context) error {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		p.config.Host,
		p.config.Port,
		p.config.User,
		p.config.Password,
		p.config.Database,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	p.db = db
	return nil
}

// Close closes the PostgreSQL connection
func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// DB exposes the underlying handle.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

func (p *Postgres) schemaFor(ref schema.TableRef) string {
	if ref.Namespace.Schema != "" {
		return ref.Namespace.Schema
	}
	if p.config.Schema != "" {
		return p.config.Schema
	}
	return "public"
}

// TableSchema retrieves the current structure of a table. Primary key
// membership comes from pg_index via a correlated subquery so the result is
// a consistent point-in-time capture.
func (p *Postgres) TableSchema(ctx context.Context, ref schema.TableRef) (*schema.TableSchema, error) {
	query := `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable,
			EXISTS (
				SELECT 1
				FROM pg_index ix
				JOIN pg_class t ON t.oid = ix.indrelid
				JOIN pg_namespace n ON n.oid = t.relnamespace
				JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
				WHERE ix.indisprimary
					AND n.nspname = c.table_schema
					AND t.relname = c.table_name
					AND a.attname = c.column_name
			) AS is_primary,
			c.ordinal_position
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`
	rows, err := p.db.QueryContext(ctx, query, p.schemaFor(ref), ref.Table)
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
func (p *Postgres) TableData(ctx context.Context, ref schema.TableRef, limit int) ([]string, []schema.Row, error) {
	query := fmt.Sprintf("SELECT * FROM %q.%q", p.schemaFor(ref), ref.Table)
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}

	rows, err := p.db.QueryContext(ctx, query)
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

// scanRows reads every row of a generic result into the dynamic row
// representation, decoding byte slices to strings.
func scanRows(rows *sql.Rows, columns []string) ([]schema.Row, error) {
	var data []schema.Row
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(schema.Row)
		for i, col := range columns {
			val := values[i]
			if b, ok := val.([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = val
			}
		}

		data = append(data, row)
	}

	return data, rows.Err()
}
