package overlay

import (
	"github.com/koba/db-sandbox/internal/journal"
	"github.com/koba/db-sandbox/internal/schema"
)

// DeleteDisplay controls how rows staged for deletion appear in the overlay.
type DeleteDisplay string

const (
	// DeleteStrikethrough keeps deleted rows visible, annotated for the UI
	// to render struck through. This is the default.
	DeleteStrikethrough DeleteDisplay = "strikethrough"
	// DeleteHidden drops deleted rows from the visible result.
	DeleteHidden DeleteDisplay = "hidden"
)

// Options configures an overlay computation.
type Options struct {
	DeleteDisplay DeleteDisplay
}

// BaseResult is a fetched query result the journal is projected onto.
type BaseResult struct {
	Columns []string
	Rows    []schema.Row
}

// RowMeta annotates one visible row with its staged state.
type RowMeta struct {
	Inserted        bool
	Modified        bool
	Deleted         bool
	ModifiedColumns map[string]bool
	Change          *journal.ChangeRecord
}

// Stats counts the visible and hidden effects of the journal on the result.
type Stats struct {
	Inserted int
	Modified int
	Deleted  int
	Hidden   int
}

// Result is the merged view of base rows and staged changes. It is derived
// state: recomputed on every journal or base-result change, never persisted.
type Result struct {
	Columns []string
	Rows    []schema.Row
	Meta    map[int]*RowMeta

	// Unmatched holds updates and deletes that could not be matched to a
	// base row, either because the key columns are missing from the result
	// or because the row is outside the fetched page. They are reported, not
	// silently dropped.
	Unmatched []*journal.ChangeRecord

	Stats Stats
}

// Apply projects the journal records for one table onto a base result. It
// is pure: inputs are never mutated, and the same inputs always produce a
// structurally equal result.
func Apply(base *BaseResult, changes []*journal.ChangeRecord, tableSchema *schema.TableSchema, opts Options) *Result {
	if opts.DeleteDisplay == "" {
		opts.DeleteDisplay = DeleteStrikethrough
	}

	result := &Result{
		Columns: base.Columns,
		Meta:    make(map[int]*RowMeta),
	}

	var pkColumns []string
	if tableSchema != nil {
		pkColumns = tableSchema.PrimaryKeyColumns()
	}

	// Without a primary key that is fully present in the result's columns,
	// updates and deletes cannot be matched to rows. The overlay degrades to
	// insert-only mode and reports them as unmatched.
	insertOnly := len(pkColumns) == 0 || !columnsPresent(base.Columns, pkColumns)

	byIdentity := make(map[string]*journal.ChangeRecord)
	var inserts []*journal.ChangeRecord
	for _, rec := range changes {
		switch {
		case rec.Kind == journal.KindInsert:
			inserts = append(inserts, rec)
		case insertOnly || len(rec.Identity) == 0:
			result.Unmatched = append(result.Unmatched, rec)
		default:
			byIdentity[schema.RowKey(rec.Identity, pkColumns)] = rec
		}
	}

	// Inserted rows go to the head of the result, every column marked
	// modified. Missing columns default to null.
	for _, rec := range inserts {
		row := make(schema.Row, len(base.Columns))
		modified := make(map[string]bool, len(base.Columns))
		for _, col := range base.Columns {
			if v, ok := rec.Payload[col]; ok {
				row[col] = v
			} else {
				row[col] = nil
			}
			modified[col] = true
		}
		result.Meta[len(result.Rows)] = &RowMeta{
			Inserted:        true,
			ModifiedColumns: modified,
			Change:          rec,
		}
		result.Rows = append(result.Rows, row)
		result.Stats.Inserted++
	}

	matched := make(map[string]bool)
	for _, baseRow := range base.Rows {
		var rec *journal.ChangeRecord
		if !insertOnly {
			key := schema.RowKey(baseRow, pkColumns)
			if r, ok := byIdentity[key]; ok {
				rec = r
				matched[key] = true
			}
		}

		if rec == nil {
			result.Rows = append(result.Rows, baseRow.Clone())
			continue
		}

		switch rec.Kind {
		case journal.KindDelete:
			result.Stats.Deleted++
			if opts.DeleteDisplay == DeleteHidden {
				result.Stats.Hidden++
				continue
			}
			result.Meta[len(result.Rows)] = &RowMeta{Deleted: true, Change: rec}
			result.Rows = append(result.Rows, baseRow.Clone())

		case journal.KindUpdate:
			row := baseRow.Clone()
			modified := make(map[string]bool)
			for col, v := range rec.Payload {
				if !schema.ValuesEqual(row[col], v) {
					modified[col] = true
				}
				row[col] = v
			}
			result.Meta[len(result.Rows)] = &RowMeta{
				Modified:        true,
				ModifiedColumns: modified,
				Change:          rec,
			}
			result.Rows = append(result.Rows, row)
			result.Stats.Modified++
		}
	}

	// Changes keyed to rows outside the fetched result are unmatched too.
	// Walked in journal order to keep the result deterministic.
	for _, rec := range changes {
		if rec.Kind == journal.KindInsert || insertOnly || len(rec.Identity) == 0 {
			continue
		}
		if key := schema.RowKey(rec.Identity, pkColumns); !matched[key] {
			result.Unmatched = append(result.Unmatched, rec)
		}
	}

	return result
}

func columnsPresent(columns, wanted []string) bool {
	present := make(map[string]bool, len(columns))
	for _, col := range columns {
		present[col] = true
	}
	for _, col := range wanted {
		if !present[col] {
			return false
		}
	}
	return true
}
