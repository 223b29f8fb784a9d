package attendance

import (
	"context"
	"time"

	"campusgate.org/internal/access"
	"campusgate.org/internal/audit"
)

// Store is the abstract repository the engine writes through. Postgres
// implements it in internal/store/pg; InMemory backs tests and dev runs.
//
// InsertRecord and InsertOverride must surface a unique-constraint violation
// on (event, actor) as ErrAlreadyMarked, not as a generic fault: concurrent
// duplicate submissions collapse to the same outcome the explicit pre-check
// reports, and callers cannot distinguish the two paths.
type Store interface {
	SaveEvent(ctx context.Context, event Event) (Event, error)
	FindEvent(ctx context.Context, id string) (Event, error)
	SetEventToken(ctx context.Context, eventID, payload string, issuedAt time.Time) error

	CountPresent(ctx context.Context, eventID string) (int, error)
	ExistsRecord(ctx context.Context, eventID, actorID string) (bool, error)

	// InsertRecord persists the record and its validation rows in one
	// transaction. The audit entry for the decision is appended after
	// commit by the caller.
	InsertRecord(ctx context.Context, rec Record, results []ValidationResult) (Record, error)

	GetRecord(ctx context.Context, eventID, actorID string) (Record, error)

	// InsertOverride force-creates a record with its audit entry bound to
	// the same transaction.
	InsertOverride(ctx context.Context, rec Record, entry audit.Entry) (Record, error)

	// OverrideStatus transitions an existing record's status; the audit
	// entry is bound to the same transaction as the update.
	OverrideStatus(ctx context.Context, recordID string, status Status, markedBy string, entry audit.Entry) (Record, error)

	ListRecords(ctx context.Context, scope access.Scope, eventID string, limit, offset int) ([]Record, error)

	audit.Store
}
