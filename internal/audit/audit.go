// Package audit appends immutable records of every verification decision
// and state transition. The writer is a sink with no read path in the
// engine; entries are never updated or deleted.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"campusgate.org/internal/ids"
	"campusgate.org/internal/obs"
)

// Action kinds recorded by the engine.
const (
	ActionMarked        = "marked"
	ActionRejected      = "rejected"
	ActionUpdated       = "updated"
	ActionOverride      = "admin_override"
	ActionQRRegenerated = "qr_regenerated"
)

// Entry is one append-only audit record. ActorID is nil for
// system-initiated actions.
type Entry struct {
	ID         string         `json:"id"`
	RecordID   string         `json:"record_id,omitempty"`
	CampusID   string         `json:"campus_id,omitempty"`
	Action     string         `json:"action"`
	ActorID    *string        `json:"actor_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Store is the durable append-only sink backing the writer.
type Store interface {
	AppendAuditLog(ctx context.Context, entry Entry) error
}

// Writer appends entries to the durable store and mirrors them to the
// structured log. Record never fails silently: any error is returned so the
// enclosing operation can abort, because a decision without an audit trail
// is not a valid success.
type Writer struct {
	store Store
}

// NewWriter constructs a Writer over the durable store.
func NewWriter(store Store) (*Writer, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	return &Writer{store: store}, nil
}

// Record appends the entry. The id and timestamp are filled when absent.
func (w *Writer) Record(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit: action is required")
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	if err := w.store.AppendAuditLog(ctx, entry); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}

	line := map[string]any{
		"ts":     entry.OccurredAt.Format(time.RFC3339Nano),
		"type":   "audit",
		"action": entry.Action,
	}
	if entry.RecordID != "" {
		line["record_id"] = entry.RecordID
	}
	if entry.CampusID != "" {
		line["campus_id"] = entry.CampusID
	}
	if entry.ActorID != nil {
		line["actor_id"] = *entry.ActorID
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		line["request_id"] = rid
	}
	if len(entry.Details) > 0 {
		line["details"] = entry.Details
	}
	obs.LogEvent(line)
	return nil
}
