package validate

import (
	"context"
	"fmt"

	"github.com/koba/db-sandbox/internal/journal"
	"github.com/koba/db-sandbox/internal/schema"
)

// SchemaSource resolves the current live structure of a remote table. The
// schema cache of the surrounding application implements this.
type SchemaSource interface {
	TableSchema(ctx context.Context, ref schema.TableRef) (*schema.TableSchema, error)
}

// Report is the outcome of validating a journal against the live schema.
// Errors block commit; warnings are surfaced but do not.
type Report struct {
	// Revision is the journal revision the report describes. A report is
	// stale, and must not authorize a commit, once the journal has moved on.
	Revision uint64

	Warnings []string
	Errors   []string
}

// Valid reports whether commit may proceed.
func (r *Report) Valid() bool {
	return len(r.Errors) == 0
}

// Engine cross-checks staged changes against the live schema before commit.
type Engine struct {
	journal *journal.Journal
	source  SchemaSource
}

// New creates a validation engine for one journal.
func New(j *journal.Journal, source SchemaSource) *Engine {
	return &Engine{journal: j, source: source}
}

// Validate fetches the live schema once per distinct table referenced by
// the journal and checks every change against it. The schema fetch is the
// only suspension point: if the journal mutates while a fetch is in flight,
// validation restarts so the report always describes the journal revision
// it claims to.
func (e *Engine) Validate(ctx context.Context) (*Report, error) {
	for {
		report, err := e.validateOnce(ctx)
		if err != nil {
			return nil, err
		}
		if report.Revision == e.journal.Revision() {
			return report, nil
		}
	}
}

func (e *Engine) validateOnce(ctx context.Context) (*Report, error) {
	report := &Report{Revision: e.journal.Revision()}
	changes := e.journal.List(nil)

	byTarget := make(map[schema.TableRef][]*journal.ChangeRecord)
	var targets []schema.TableRef
	for _, rec := range changes {
		if _, ok := byTarget[rec.Target]; !ok {
			targets = append(targets, rec.Target)
		}
		byTarget[rec.Target] = append(byTarget[rec.Target], rec)
	}

	for _, target := range targets {
		live, err := e.source.TableSchema(ctx, target)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.checkTable(report, target, live, err, byTarget[target])
	}

	return report, nil
}

func (e *Engine) checkTable(report *Report, target schema.TableRef, live *schema.TableSchema, fetchErr error, changes []*journal.ChangeRecord) {
	if fetchErr != nil || live == nil {
		// The destination may legitimately not exist yet, e.g. document
		// stores create collections on first write. Commit stays allowed.
		report.Warnings = append(report.Warnings, fmt.Sprintf("%s: schema missing, staged changes cannot be verified", target))
	} else {
		for _, rec := range changes {
			if rec.SchemaSnapshot == nil {
				continue
			}
			if drift := driftBetween(rec.SchemaSnapshot, live); len(drift) > 0 {
				for _, d := range drift {
					report.Errors = append(report.Errors, fmt.Sprintf("%s: schema drift: %s", target, d))
				}
				break
			}
		}

		if len(live.PrimaryKeyColumns()) == 0 && hasKeyedChanges(changes) {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: table has no primary key, updates and deletes target rows by full value match", target))
		}
	}

	for _, rec := range changes {
		if rec.Kind == journal.KindInsert {
			continue
		}
		if len(rec.Identity) == 0 {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s change %s has no resolvable primary key", target, rec.Kind, rec.ID))
		}
	}
}

func hasKeyedChanges(changes []*journal.ChangeRecord) bool {
	for _, rec := range changes {
		if rec.Kind == journal.KindUpdate || rec.Kind == journal.KindDelete {
			return true
		}
	}
	return false
}
