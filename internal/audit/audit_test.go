package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"campusgate.org/internal/obs"
)

type memorySink struct {
	entries []Entry
	fail    error
}

func (s *memorySink) AppendAuditLog(ctx context.Context, entry Entry) error {
	if s.fail != nil {
		return s.fail
	}
	s.entries = append(s.entries, entry)
	return nil
}

func TestRecordAppendsAndLogs(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	sink := &memorySink{}
	w, err := NewWriter(sink)
	if err != nil {
		t.Fatal(err)
	}

	actor := "admin-1"
	ctx := WithRequestID(context.Background(), "req-9")
	err = w.Record(ctx, Entry{
		RecordID: "rec-1",
		CampusID: "1",
		Action:   ActionMarked,
		ActorID:  &actor,
		Details:  map[string]any{"score": 0.9},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(sink.entries) != 1 {
		t.Fatalf("expected 1 stored entry, got %d", len(sink.entries))
	}
	stored := sink.entries[0]
	if stored.ID == "" || stored.OccurredAt.IsZero() {
		t.Fatalf("id/timestamp not filled: %+v", stored)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if line["type"] != "audit" || line["action"] != ActionMarked {
		t.Fatalf("unexpected log line: %v", line)
	}
	if line["request_id"] != "req-9" {
		t.Fatalf("request id missing: %v", line)
	}
	if line["actor_id"] != "admin-1" {
		t.Fatalf("actor id missing: %v", line)
	}
}

func TestRecordPropagatesStoreFailure(t *testing.T) {
	sinkErr := errors.New("store down")
	w, _ := NewWriter(&memorySink{fail: sinkErr})

	err := w.Record(context.Background(), Entry{Action: ActionMarked})
	if !errors.Is(err, sinkErr) {
		t.Fatalf("expected store error surfaced, got %v", err)
	}
}

func TestRecordRequiresAction(t *testing.T) {
	w, _ := NewWriter(&memorySink{})
	if err := w.Record(context.Background(), Entry{}); err == nil {
		t.Fatal("expected error for empty action")
	}
}
