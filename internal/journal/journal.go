package journal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koba/db-sandbox/internal/schema"
)

// ChangeKind is the type of staged row mutation
type ChangeKind string

const (
	KindInsert ChangeKind = "insert"
	KindUpdate ChangeKind = "update"
	KindDelete ChangeKind = "delete"
)

func (k ChangeKind) String() string {
	return string(k)
}

// ChangeRecord is one staged mutation against a remote table. For a given
// (target, identity) pair the journal holds at most one live record;
// repeated edits coalesce into it. Baseline is immutable once set, only
// Payload and Kind change as edits coalesce.
type ChangeRecord struct {
	ID        string     `json:"id"`
	Kind      ChangeKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
	SessionID string     `json:"session_id"`

	Target   schema.TableRef `json:"target"`
	Identity schema.Row      `json:"identity,omitempty"`

	// Baseline is the row state before any sandbox edit; empty for inserts.
	Baseline schema.Row `json:"baseline"`
	// Payload is the net intended state after all coalesced edits.
	Payload schema.Row `json:"payload"`

	// SchemaSnapshot is the table structure captured at staging time. It is
	// used only for drift detection, never for execution.
	SchemaSnapshot *schema.TableSchema `json:"schema_snapshot,omitempty"`

	identityKey string
}

// Clone returns a deep-enough copy for observers: rows are copied so
// callers cannot mutate journal state through the result.
func (r *ChangeRecord) Clone() *ChangeRecord {
	out := *r
	out.Identity = r.Identity.Clone()
	out.Baseline = r.Baseline.Clone()
	out.Payload = r.Payload.Clone()
	return &out
}

// ConflictError reports an attempt to re-stage a row that is already
// staged for deletion. It is always recoverable by discarding the delete
// first.
type ConflictError struct {
	Target   schema.TableRef
	Identity schema.Row
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("row %s in %s is staged for deletion and cannot be edited", schema.RowKey(e.Identity, identityColumns(e.Identity)), e.Target)
}

// identityColumns returns the identity's column names sorted, so the
// derived key is stable regardless of map iteration order.
func identityColumns(identity schema.Row) []string {
	cols := make([]string, 0, len(identity))
	for col := range identity {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// StageInput carries one staging request.
type StageInput struct {
	Kind   ChangeKind
	Target schema.TableRef

	// Identity maps primary key columns to values. Required for updates and
	// deletes; ignored for inserts that have no resolvable key yet.
	Identity schema.Row

	// OldValues is the currently displayed row state, captured by the caller
	// before the edit. It becomes the baseline on first staging.
	OldValues schema.Row

	// NewValues holds the edited columns (update) or the full new row
	// (insert). Ignored for deletes.
	NewValues schema.Row

	// Schema is the table structure at staging time, kept for drift
	// detection at validation.
	Schema *schema.TableSchema
}

// Event describes a journal mutation delivered to subscribers.
type Event struct {
	SessionID string
	Revision  uint64
	Count     int
}

// Journal is the ordered collection of staged changes for one sandbox
// session. Mutations run to completion before observers fire, which is what
// keeps coalescing correct without coordination between callers.
type Journal struct {
	mu        sync.Mutex
	sessionID string
	records   []*ChangeRecord
	index     map[string]*ChangeRecord
	revision  uint64
	observers []func(Event)
}

// New creates an empty journal for a session.
func New(sessionID string) *Journal {
	return &Journal{
		sessionID: sessionID,
		index:     make(map[string]*ChangeRecord),
	}
}

// SessionID returns the session this journal belongs to.
func (j *Journal) SessionID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sessionID
}

// Revision returns a counter that increases on every mutation. Callers use
// it to detect that the journal changed underneath an in-flight validation.
func (j *Journal) Revision() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.revision
}

// Len returns the number of live change records.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

// Subscribe registers a callback fired synchronously after every mutation.
func (j *Journal) Subscribe(fn func(Event)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.observers = append(j.observers, fn)
}

func (j *Journal) identityKey(target schema.TableRef, identity schema.Row) string {
	if len(identity) == 0 {
		// Inserts without a resolvable key get an ephemeral identity so they
		// never coalesce with each other.
		return target.String() + "|ephemeral:" + uuid.NewString()
	}
	cols := identityColumns(identity)
	return target.String() + "|" + schema.RowKey(identity, cols)
}

// Stage records one mutation, coalescing it with any live record for the
// same logical row. It returns the resulting record, or nil when the edits
// annihilated (insert followed by delete), or a ConflictError when the row
// is already staged for deletion.
func (j *Journal) Stage(in StageInput) (*ChangeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	key := j.identityKey(in.Target, in.Identity)

	existing, ok := j.index[key]
	if !ok {
		rec := &ChangeRecord{
			ID:             uuid.NewString(),
			Kind:           in.Kind,
			Timestamp:      time.Now(),
			SessionID:      j.sessionID,
			Target:         in.Target,
			Identity:       in.Identity.Clone(),
			Baseline:       in.OldValues.Clone(),
			Payload:        in.NewValues.Clone(),
			SchemaSnapshot: in.Schema,
			identityKey:    key,
		}
		if rec.Kind == KindInsert {
			rec.Baseline = schema.Row{}
		}
		if rec.Baseline == nil {
			rec.Baseline = schema.Row{}
		}
		if rec.Kind == KindDelete {
			rec.Payload = nil
		}
		j.records = append(j.records, rec)
		j.index[key] = rec
		j.bumpLocked()
		return rec.Clone(), nil
	}

	switch {
	case existing.Kind == KindDelete:
		// A deleted row cannot be re-staged without un-deleting it first.
		return nil, &ConflictError{Target: in.Target, Identity: in.Identity.Clone()}

	case existing.Kind == KindInsert && in.Kind == KindDelete:
		// A row that was never committed need not be deleted.
		j.removeLocked(existing)
		j.bumpLocked()
		return nil, nil

	case existing.Kind == KindInsert:
		// Insert then update stays an insert with the merged payload.
		existing.Payload = existing.Payload.Merge(in.NewValues)
		j.bumpLocked()
		return existing.Clone(), nil

	case in.Kind == KindDelete:
		// Update then delete becomes a delete; the baseline captured by the
		// first update is the row's true pre-sandbox state.
		existing.Kind = KindDelete
		existing.Payload = nil
		j.bumpLocked()
		return existing.Clone(), nil

	default:
		// Update then update: merge the newly changed columns, keep the
		// original baseline untouched.
		existing.Payload = existing.Payload.Merge(in.NewValues)
		j.bumpLocked()
		return existing.Clone(), nil
	}
}

func (j *Journal) removeLocked(rec *ChangeRecord) {
	delete(j.index, rec.identityKey)
	for i, r := range j.records {
		if r == rec {
			j.records = append(j.records[:i], j.records[i+1:]...)
			break
		}
	}
}

func (j *Journal) bumpLocked() {
	j.revision++
	ev := Event{SessionID: j.sessionID, Revision: j.revision, Count: len(j.records)}
	observers := make([]func(Event), len(j.observers))
	copy(observers, j.observers)

	// Observers run outside the lock so they can call back into the journal.
	j.mu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}
	j.mu.Lock()
}

// List returns copies of the live records in insertion order, optionally
// filtered to one target table.
func (j *Journal) List(target *schema.TableRef) []*ChangeRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []*ChangeRecord
	for _, rec := range j.records {
		if target != nil && rec.Target != *target {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

// Targets returns the distinct tables referenced by the journal, in first
// appearance order.
func (j *Journal) Targets() []schema.TableRef {
	j.mu.Lock()
	defer j.mu.Unlock()

	seen := make(map[schema.TableRef]bool)
	var out []schema.TableRef
	for _, rec := range j.records {
		if !seen[rec.Target] {
			seen[rec.Target] = true
			out = append(out, rec.Target)
		}
	}
	return out
}

// Clear drops all records, or only those for one target table.
func (j *Journal) Clear(target *schema.TableRef) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if target == nil {
		if len(j.records) == 0 {
			return
		}
		j.records = nil
		j.index = make(map[string]*ChangeRecord)
		j.bumpLocked()
		return
	}

	var kept []*ChangeRecord
	removed := false
	for _, rec := range j.records {
		if rec.Target == *target {
			delete(j.index, rec.identityKey)
			removed = true
			continue
		}
		kept = append(kept, rec)
	}
	if removed {
		j.records = kept
		j.bumpLocked()
	}
}

// ImportSnapshot replaces the journal contents with records restored from a
// backup. Identity keys are rebuilt; record ids and timestamps are kept.
func (j *Journal) ImportSnapshot(records []*ChangeRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.records = nil
	j.index = make(map[string]*ChangeRecord)
	for _, rec := range records {
		r := rec.Clone()
		r.SessionID = j.sessionID
		r.identityKey = j.identityKey(r.Target, r.Identity)
		j.records = append(j.records, r)
		j.index[r.identityKey] = r
	}
	j.bumpLocked()
}
