package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Namespace identifies the remote database (and optional schema) a table
// lives in.
type Namespace struct {
	Database string `json:"database"`
	Schema   string `json:"schema,omitempty"`
}

func (n Namespace) String() string {
	if n.Schema != "" {
		return n.Database + "." + n.Schema
	}
	return n.Database
}

// TableRef identifies a remote table within a namespace
type TableRef struct {
	Namespace Namespace `json:"namespace"`
	Table     string    `json:"table_name"`
}

func (r TableRef) String() string {
	return r.Namespace.String() + "." + r.Table
}

// Column represents a database column
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primary_key"`
	Position   int    `json:"position"`
}

// TableSchema represents a table structure as captured at a point in time
type TableSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// PrimaryKeyColumns returns the names of the primary key columns in
// definition order.
func (s *TableSchema) PrimaryKeyColumns() []string {
	var pk []string
	for _, col := range s.Columns {
		if col.PrimaryKey {
			pk = append(pk, col.Name)
		}
	}
	return pk
}

// Column returns the column with the given name, or nil.
func (s *TableSchema) Column(name string) *Column {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i]
		}
	}
	return nil
}

// Row represents a single row of data
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of the row with values from other layered on top.
func (r Row) Merge(other Row) Row {
	out := r.Clone()
	if out == nil {
		out = make(Row, len(other))
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// RowKey generates a stable key for a row based on the given key columns.
// JSON encoding keeps keys consistent across value types.
func RowKey(row Row, keyColumns []string) string {
	keyParts := make([]any, len(keyColumns))
	for i, col := range keyColumns {
		keyParts[i] = row[col]
	}

	keyJSON, err := json.Marshal(keyParts)
	if err != nil {
		return fmt.Sprintf("%v", keyParts)
	}

	return string(keyJSON)
}

// ValuesEqual checks two column values for equality via their JSON encoding.
func ValuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	jsonA, _ := json.Marshal(a)
	jsonB, _ := json.Marshal(b)
	return bytes.Equal(jsonA, jsonB)
}

// RowsEqual checks if two rows are equal
func RowsEqual(a, b Row) bool {
	if len(a) != len(b) {
		return false
	}

	for key, valA := range a {
		valB, exists := b[key]
		if !exists {
			return false
		}
		if !ValuesEqual(valA, valB) {
			return false
		}
	}

	return true
}

// DecodeJSON unmarshals a JSON document while preserving numeric fidelity:
// numbers come back as json.Number instead of float64 so staged values
// survive a persistence round trip unchanged.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
