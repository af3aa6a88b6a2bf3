package database

import (
	"context"
	"fmt"

	"github.com/koba/db-sandbox/internal/commit"
	"github.com/koba/db-sandbox/internal/sqlgen"
)

// Executor applies a staged change batch to a live database. It is the
// in-process default for the commit.Executor collaborator: each change is
// compiled to one statement and executed in batch order. With atomic set
// the whole batch runs in a single transaction and either fully applies or
// fully rolls back.
type Executor struct {
	db       Database
	compiler *sqlgen.Compiler
}

// NewExecutor creates an executor for a connected database.
func NewExecutor(db Database, dialect string) *Executor {
	return &Executor{
		db:       db,
		compiler: sqlgen.New(dialect),
	}
}

// Apply executes the batch and reports per-change outcomes. The result is
// a structured report, not an error: execution failures are data for the
// caller to surface row by row.
func (e *Executor) Apply(ctx context.Context, changes []commit.Change, atomic bool) (*commit.ApplyResult, error) {
	statements := make([]string, len(changes))
	var warnings []string
	for i, change := range changes {
		stmt, warning, err := e.compiler.CompileOne(change)
		if err != nil {
			return nil, fmt.Errorf("failed to compile change %d: %w", i, err)
		}
		if warning != "" {
			warnings = append(warnings, fmt.Sprintf("change %d: %s", i, warning))
		}
		statements[i] = stmt
	}

	var result *commit.ApplyResult
	var err error
	if atomic {
		result, err = e.applyAtomic(ctx, statements)
	} else {
		result, err = e.applySequential(ctx, statements)
	}
	if err != nil {
		return nil, err
	}
	result.Warnings = warnings
	return result, nil
}

func (e *Executor) applyAtomic(ctx context.Context, statements []string) (*commit.ApplyResult, error) {
	tx, err := e.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result := &commit.ApplyResult{}
	for i, stmt := range statements {
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			result.Error = fmt.Sprintf("transaction rolled back at change %d", i)
			result.FailedChanges = append(result.FailedChanges, commit.FailedChange{Index: i, Error: err.Error()})
			result.AppliedCount = 0
			return result, nil
		}
		result.AppliedCount++
	}

	if err := tx.Commit(); err != nil {
		result.Error = fmt.Sprintf("failed to commit transaction: %v", err)
		result.AppliedCount = 0
		return result, nil
	}

	result.Success = true
	return result, nil
}

func (e *Executor) applySequential(ctx context.Context, statements []string) (*commit.ApplyResult, error) {
	result := &commit.ApplyResult{}
	for i, stmt := range statements {
		if stmt == "" {
			continue
		}
		if _, err := e.db.DB().ExecContext(ctx, stmt); err != nil {
			result.FailedChanges = append(result.FailedChanges, commit.FailedChange{Index: i, Error: err.Error()})
			continue
		}
		result.AppliedCount++
	}

	if len(result.FailedChanges) == 0 {
		result.Success = true
	} else {
		result.Error = fmt.Sprintf("%d of %d changes failed", len(result.FailedChanges), len(statements))
	}
	return result, nil
}
