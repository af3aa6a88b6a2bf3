package commit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/koba/db-sandbox/internal/journal"
	"github.com/koba/db-sandbox/internal/schema"
	"github.com/koba/db-sandbox/internal/validate"
)

// Change is the wire DTO sent to the migration compiler and executor, one
// per staged change, in journal insertion order.
type Change struct {
	ChangeType string           `json:"change_type"`
	Namespace  schema.Namespace `json:"namespace"`
	TableName  string           `json:"table_name"`
	PrimaryKey *PrimaryKey      `json:"primary_key,omitempty"`
	OldValues  schema.Row       `json:"old_values,omitempty"`
	NewValues  schema.Row       `json:"new_values,omitempty"`
}

// PrimaryKey carries the identity column values of an update or delete.
type PrimaryKey struct {
	Columns schema.Row `json:"columns"`
}

// Script is a compiled migration ready for user review.
type Script struct {
	SQL            string   `json:"sql"`
	StatementCount int      `json:"statement_count"`
	Warnings       []string `json:"warnings"`
}

// FailedChange points at one change in the batch that the executor could
// not apply.
type FailedChange struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// ApplyResult is the executor's report for one batch.
type ApplyResult struct {
	Success       bool           `json:"success"`
	AppliedCount  int            `json:"applied_count"`
	Error         string         `json:"error,omitempty"`
	FailedChanges []FailedChange `json:"failed_changes"`

	// Warnings carries per-change compile notes, including changes that
	// produced no statement and were skipped.
	Warnings []string `json:"warnings,omitempty"`
}

// Compiler turns a change list into an executable script.
type Compiler interface {
	Compile(ctx context.Context, changes []Change) (*Script, error)
}

// Executor applies a change batch. With atomic set it must guarantee
// all-or-nothing application.
type Executor interface {
	Apply(ctx context.Context, changes []Change, atomic bool) (*ApplyResult, error)
}

// ValidationFailedError aborts a commit before any external call is made.
type ValidationFailedError struct {
	Errors []string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Errors, "; "))
}

// ErrCommitInFlight is returned when a commit is attempted while another
// one for the same session is still outstanding.
var ErrCommitInFlight = errors.New("a commit for this session is already in progress")

// Options tunes orchestrator behavior.
type Options struct {
	// DropAppliedOnPartialFailure trims already-applied changes from the
	// journal when a non-atomic run reports success=false with
	// applied_count > 0. The semantics of partial application are
	// executor-specific, so this is opt-in; the default leaves the whole
	// journal untouched and treats the batch as not applied.
	DropAppliedOnPartialFailure bool
}

// Orchestrator serializes a validated journal into wire DTOs, drives the
// compiler and executor, and cleans up the journal afterwards.
type Orchestrator struct {
	journal   *journal.Journal
	validator *validate.Engine
	compiler  Compiler
	executor  Executor
	opts      Options

	// onCommitted runs after a fully applied batch, before the journal is
	// cleared for observers; the session manager hooks deactivation here.
	onCommitted func()

	mu       sync.Mutex
	inFlight bool
}

// New creates an orchestrator for one journal.
func New(j *journal.Journal, validator *validate.Engine, compiler Compiler, executor Executor, opts Options) *Orchestrator {
	return &Orchestrator{
		journal:   j,
		validator: validator,
		compiler:  compiler,
		executor:  executor,
		opts:      opts,
	}
}

// OnCommitted registers a cleanup hook invoked after a successful commit.
func (o *Orchestrator) OnCommitted(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onCommitted = fn
}

// Changes maps the journal to wire DTOs in insertion order. No statement
// ordering beyond "as staged" is guaranteed; dependency ordering is the
// executor's concern.
func (o *Orchestrator) Changes() []Change {
	records := o.journal.List(nil)
	changes := make([]Change, 0, len(records))
	for _, rec := range records {
		changes = append(changes, toWire(rec))
	}
	return changes
}

func toWire(rec *journal.ChangeRecord) Change {
	c := Change{
		ChangeType: rec.Kind.String(),
		Namespace:  rec.Target.Namespace,
		TableName:  rec.Target.Table,
	}
	if len(rec.Identity) > 0 {
		c.PrimaryKey = &PrimaryKey{Columns: rec.Identity}
	}
	switch rec.Kind {
	case journal.KindInsert:
		c.NewValues = rec.Payload
	case journal.KindUpdate:
		c.OldValues = rec.Baseline
		c.NewValues = rec.Payload
	case journal.KindDelete:
		c.OldValues = rec.Baseline
	}
	return c
}

// GenerateScript validates the journal and compiles it into a reviewable
// script. Compiler warnings are merged after validation warnings.
func (o *Orchestrator) GenerateScript(ctx context.Context) (*Script, error) {
	report, err := o.validator.Validate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to validate changes: %w", err)
	}
	if !report.Valid() {
		return nil, &ValidationFailedError{Errors: report.Errors}
	}

	script, err := o.compiler.Compile(ctx, o.Changes())
	if err != nil {
		return nil, fmt.Errorf("failed to compile migration script: %w", err)
	}

	script.Warnings = append(append([]string(nil), report.Warnings...), script.Warnings...)
	return script, nil
}

// Commit validates and applies the staged batch. On full success the
// journal is cleared and the committed hook runs. On failure the journal is
// left untouched (unless configured otherwise) and the executor's per-change
// failures are passed through for the UI to highlight.
func (o *Orchestrator) Commit(ctx context.Context, atomic bool) (*ApplyResult, error) {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return nil, ErrCommitInFlight
	}
	o.inFlight = true
	onCommitted := o.onCommitted
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
	}()

	report, err := o.validator.Validate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to validate changes: %w", err)
	}
	if !report.Valid() {
		return nil, &ValidationFailedError{Errors: report.Errors}
	}

	// A report only authorizes the journal revision it was computed for.
	if report.Revision != o.journal.Revision() {
		return nil, fmt.Errorf("journal changed during validation, retry commit")
	}

	result, err := o.executor.Apply(ctx, o.Changes(), atomic)
	if err != nil {
		return nil, fmt.Errorf("failed to apply changes: %w", err)
	}

	if result.Success {
		if onCommitted != nil {
			onCommitted()
		}
		o.journal.Clear(nil)
		return result, nil
	}

	if result.AppliedCount > 0 && o.opts.DropAppliedOnPartialFailure && !atomic {
		// The failed changes stay staged, everything reported applied is
		// dropped so a retry does not re-run it.
		o.dropApplied(result)
	}
	return result, nil
}

// dropApplied removes every change the executor did not report as failed.
func (o *Orchestrator) dropApplied(result *ApplyResult) {
	failed := make(map[int]bool, len(result.FailedChanges))
	for _, fc := range result.FailedChanges {
		failed[fc.Index] = true
	}

	records := o.journal.List(nil)
	var keep []*journal.ChangeRecord
	for i, rec := range records {
		if failed[i] {
			keep = append(keep, rec)
		}
	}
	o.journal.ImportSnapshot(keep)
}
