package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/koba/db-sandbox/internal/schema"
)

// ErrTableNotFound reports that a referenced table does not exist in the
// live database.
var ErrTableNotFound = errors.New("table not found")

// Config holds database connection configuration
type Config struct {
	Type     string // "mysql" or "postgres"
	Host     string
	Port     string
	Database string
	Schema   string // optional, postgres only
	User     string
	Password string
}

// ConnectionID derives a stable identifier for the physical connection.
// Unlike a session id it survives reconnects, which makes it the right key
// for crash-recovery backups.
func (c Config) ConnectionID() string {
	return fmt.Sprintf("%s://%s:%s/%s", c.Type, c.Host, c.Port, c.Database)
}

// Namespace returns the namespace this connection resolves unqualified
// table names against.
func (c Config) Namespace() schema.Namespace {
	return schema.Namespace{Database: c.Database, Schema: c.Schema}
}

// Database is the live-database collaborator: schema and data reads plus
// access to the underlying handle for the commit executor.
type Database interface {
	Connect(ctx context.Context) error
	Close() error

	// TableSchema resolves the current structure of a table, or
	// ErrTableNotFound.
	TableSchema(ctx context.Context, ref schema.TableRef) (*schema.TableSchema, error)

	// TableData fetches up to limit rows along with the result column order.
	TableData(ctx context.Context, ref schema.TableRef, limit int) ([]string, []schema.Row, error)

	// DB exposes the underlying handle for transactional execution.
	DB() *sql.DB
}

// New creates a database connection based on the configured type.
func New(config Config) (Database, error) {
	switch config.Type {
	case "mysql", "MySQL":
		return NewMySQL(config), nil
	case "postgres", "Postgres", "PostgreSQL":
		return NewPostgres(config), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}
}

// LoadConfigFromEnv loads database configuration from environment variables
func LoadConfigFromEnv() (Config, error) {
	dbType := os.Getenv("DB_TYPE")
	if dbType == "" {
		return Config{}, fmt.Errorf("DB_TYPE environment variable is required")
	}

	host := os.Getenv("DB_HOST")
	if host == "" {
		host = "localhost"
	}

	database := os.Getenv("DB_NAME")
	if database == "" {
		return Config{}, fmt.Errorf("DB_NAME environment variable is required")
	}

	user := os.Getenv("DB_USER")
	password := os.Getenv("DB_PASSWORD")
	dbSchema := os.Getenv("DB_SCHEMA")

	port := os.Getenv("DB_PORT")
	if port == "" {
		if dbType == "mysql" || dbType == "MySQL" {
			port = "3306"
		} else if dbType == "postgres" || dbType == "Postgres" || dbType == "PostgreSQL" {
			port = "5432"
		}
	}

	return Config{
		Type:     dbType,
		Host:     host,
		Port:     port,
		Database: database,
		Schema:   dbSchema,
		User:     user,
		Password: password,
	}, nil
}
