package attendance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"campusgate.org/internal/access"
	"campusgate.org/internal/audit"
)

// InMemory is a Store for tests and single-process development runs. The
// (event, actor) uniqueness that Postgres enforces with a constraint is
// enforced here under one mutex, so concurrent duplicate submissions still
// collapse to a single record.
type InMemory struct {
	mu           sync.Mutex
	events       map[string]Event
	records      map[string]Record
	byEventActor map[string]string // "eventID|actorID" -> record id
	validations  map[string][]ValidationResult
	auditLog     []audit.Entry
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		events:       make(map[string]Event),
		records:      make(map[string]Record),
		byEventActor: make(map[string]string),
		validations:  make(map[string][]ValidationResult),
	}
}

func pairKey(eventID, actorID string) string {
	return eventID + "|" + actorID
}

func (m *InMemory) SaveEvent(_ context.Context, event Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == "" {
		return Event{}, fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	m.events[event.ID] = event
	return event, nil
}

func (m *InMemory) FindEvent(_ context.Context, id string) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[id]
	if !ok {
		return Event{}, ErrEventNotFound
	}
	return event, nil
}

func (m *InMemory) SetEventToken(_ context.Context, eventID, payload string, issuedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	event.QRCodeData = payload
	event.QRIssuedAt = &issuedAt
	m.events[eventID] = event
	return nil
}

func (m *InMemory) CountPresent(_ context.Context, eventID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rec := range m.records {
		if rec.EventID == eventID && (rec.Status == StatusPresent || rec.Status == StatusLate) {
			count++
		}
	}
	return count, nil
}

func (m *InMemory) ExistsRecord(_ context.Context, eventID, actorID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byEventActor[pairKey(eventID, actorID)]
	return ok, nil
}

func (m *InMemory) InsertRecord(_ context.Context, rec Record, results []ValidationResult) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(rec, results)
}

func (m *InMemory) insertLocked(rec Record, results []ValidationResult) (Record, error) {
	key := pairKey(rec.EventID, rec.ActorID)
	if _, ok := m.byEventActor[key]; ok {
		return Record{}, ErrAlreadyMarked
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.records[rec.ID] = rec
	m.byEventActor[key] = rec.ID
	for i := range results {
		results[i].RecordID = rec.ID
	}
	m.validations[rec.ID] = append([]ValidationResult(nil), results...)
	return rec, nil
}

func (m *InMemory) GetRecord(_ context.Context, eventID, actorID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEventActor[pairKey(eventID, actorID)]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return m.records[id], nil
}

func (m *InMemory) InsertOverride(_ context.Context, rec Record, entry audit.Entry) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.insertLocked(rec, nil)
	if err != nil {
		return Record{}, err
	}
	m.auditLog = append(m.auditLog, entry)
	return rec, nil
}

func (m *InMemory) OverrideStatus(_ context.Context, recordID string, status Status, markedBy string, entry audit.Entry) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	rec.Status = status
	rec.MarkedBy = &markedBy
	m.records[recordID] = rec
	m.auditLog = append(m.auditLog, entry)
	return rec, nil
}

func (m *InMemory) ListRecords(_ context.Context, scope access.Scope, eventID string, limit, offset int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if eventID != "" && rec.EventID != eventID {
			continue
		}
		if !scope.Contains(rec.CampusID) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MarkedAt.Equal(out[j].MarkedAt) {
			return out[i].MarkedAt.Before(out[j].MarkedAt)
		}
		return out[i].ID < out[j].ID
	})
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemory) AppendAuditLog(_ context.Context, entry audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLog = append(m.auditLog, entry)
	return nil
}

// AuditEntries returns a copy of the appended audit log, oldest first.
func (m *InMemory) AuditEntries() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry(nil), m.auditLog...)
}

// Validations returns the gate rows stored with a record.
func (m *InMemory) Validations(recordID string) []ValidationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ValidationResult(nil), m.validations[recordID]...)
}
