package sqlgen

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/koba/db-sandbox/internal/commit"
	"github.com/koba/db-sandbox/internal/schema"
)

// Compiler turns a staged change batch into a SQL script. It is the
// in-process default for the commit.Compiler collaborator; dialect selects
// identifier quoting ("mysql" or "postgres").
type Compiler struct {
	dialect string
}

// New creates a compiler for the given dialect.
func New(dialect string) *Compiler {
	return &Compiler{dialect: dialect}
}

// Compile generates one statement per change, in batch order.
func (c *Compiler) Compile(_ context.Context, changes []commit.Change) (*commit.Script, error) {
	script := &commit.Script{}
	var statements []string

	for i, change := range changes {
		stmt, warning, err := c.compileChange(change)
		if err != nil {
			return nil, fmt.Errorf("failed to compile change %d: %w", i, err)
		}
		if warning != "" {
			script.Warnings = append(script.Warnings, fmt.Sprintf("change %d: %s", i, warning))
		}
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}

	script.SQL = strings.Join(statements, "\n")
	script.StatementCount = len(statements)
	return script, nil
}

// CompileOne generates the statement for a single change. An empty
// statement with a non-empty warning means the change is a no-op.
func (c *Compiler) CompileOne(change commit.Change) (stmt, warning string, err error) {
	return c.compileChange(change)
}

func (c *Compiler) compileChange(change commit.Change) (stmt, warning string, err error) {
	switch change.ChangeType {
	case "insert":
		if len(change.NewValues) == 0 {
			return "", "insert with no values skipped", nil
		}
		return c.insert(change), "", nil
	case "update":
		stmt := c.update(change)
		if stmt == "" {
			return "", "update with no changed columns skipped", nil
		}
		if change.PrimaryKey == nil {
			warning = "update targets rows by full value match, no primary key"
		}
		return stmt, warning, nil
	case "delete":
		if change.PrimaryKey == nil {
			warning = "delete targets rows by full value match, no primary key"
		}
		return c.delete(change), warning, nil
	default:
		return "", "", fmt.Errorf("unsupported change type %q", change.ChangeType)
	}
}

func (c *Compiler) insert(change commit.Change) string {
	var columns []string
	var values []string

	for _, col := range sortedColumns(change.NewValues) {
		columns = append(columns, c.quoteIdentifier(col))
		values = append(values, c.formatValue(change.NewValues[col]))
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		c.quoteTable(change),
		strings.Join(columns, ", "),
		strings.Join(values, ", "),
	)
}

func (c *Compiler) update(change commit.Change) string {
	var setClauses []string

	for _, col := range sortedColumns(change.NewValues) {
		newVal := change.NewValues[col]
		oldVal, exists := change.OldValues[col]
		if !exists || !schema.ValuesEqual(oldVal, newVal) {
			setClauses = append(setClauses,
				fmt.Sprintf("%s = %s", c.quoteIdentifier(col), c.formatValue(newVal)),
			)
		}
	}

	if len(setClauses) == 0 {
		return ""
	}

	return fmt.Sprintf("UPDATE %s SET %s WHERE %s;",
		c.quoteTable(change),
		strings.Join(setClauses, ", "),
		c.whereClause(change),
	)
}

func (c *Compiler) delete(change commit.Change) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s;",
		c.quoteTable(change),
		c.whereClause(change),
	)
}

// whereClause targets the row by primary key when one is resolvable,
// falling back to matching every baseline column value.
func (c *Compiler) whereClause(change commit.Change) string {
	match := change.OldValues
	if change.PrimaryKey != nil {
		match = change.PrimaryKey.Columns
	}

	var conditions []string
	for _, col := range sortedColumns(match) {
		val := match[col]
		if val == nil {
			conditions = append(conditions,
				fmt.Sprintf("%s IS NULL", c.quoteIdentifier(col)),
			)
		} else {
			conditions = append(conditions,
				fmt.Sprintf("%s = %s", c.quoteIdentifier(col), c.formatValue(val)),
			)
		}
	}

	return strings.Join(conditions, " AND ")
}

func (c *Compiler) formatValue(val any) string {
	if val == nil {
		return "NULL"
	}

	switch v := val.(type) {
	case string:
		escaped := strings.ReplaceAll(v, "'", "''")
		return fmt.Sprintf("'%s'", escaped)
	case json.Number:
		return v.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case float32, float64:
		return fmt.Sprintf("%v", v)
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	default:
		// Structured values are written as JSON text.
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("'%v'", v)
		}
		escaped := strings.ReplaceAll(string(encoded), "'", "''")
		return fmt.Sprintf("'%s'", escaped)
	}
}

func (c *Compiler) quoteTable(change commit.Change) string {
	name := c.quoteIdentifier(change.TableName)
	if change.Namespace.Schema != "" {
		return c.quoteIdentifier(change.Namespace.Schema) + "." + name
	}
	return name
}

func (c *Compiler) quoteIdentifier(name string) string {
	if strings.EqualFold(c.dialect, "postgres") || strings.EqualFold(c.dialect, "postgresql") {
		return fmt.Sprintf("\"%s\"", name)
	}
	// MySQL
	return fmt.Sprintf("`%s`", name)
}

func sortedColumns(row schema.Row) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
