package attendance

import (
	"time"

	"campusgate.org/internal/verify"
)

// Status of an attendance record.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
	StatusExcused Status = "excused"
)

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate, StatusExcused:
		return true
	}
	return false
}

// Method is how the attendance was claimed.
type Method string

const (
	MethodQRCode        Method = "qr_code"
	MethodManual        Method = "manual"
	MethodFacial        Method = "facial_recognition"
	MethodAdminOverride Method = "admin_override"
)

// ValidationType tags one pipeline gate. At most one result exists per
// (record, type).
type ValidationType string

const (
	ValidationEligibility ValidationType = "campus_eligibility"
	ValidationCapacity    ValidationType = "capacity"
	ValidationDuplicate   ValidationType = "duplicate_check"
	ValidationTimeWindow  ValidationType = "time_window"
	ValidationQRToken     ValidationType = "qr_token"
	ValidationGPSDistance ValidationType = "gps_distance"
	ValidationImage       ValidationType = "image_verification"
)

// ValidationStatus is the outcome of a single gate.
type ValidationStatus string

const (
	ValidationPassed  ValidationStatus = "passed"
	ValidationFailed  ValidationStatus = "failed"
	ValidationWarning ValidationStatus = "warning"
)

// Event is the attendance-relevant view of an event. The attendance window
// is derived once at creation from the campus configuration and never
// recomputed afterwards.
type Event struct {
	ID                string              `json:"id"`
	CampusID          string              `json:"campus_id"`
	OrganizerID       string              `json:"organizer_id"`
	Title             string              `json:"title"`
	Venue             string              `json:"venue,omitempty"`
	StartsAt          time.Time           `json:"starts_at"`
	EndsAt            time.Time           `json:"ends_at"`
	Coordinates       *verify.Coordinates `json:"coordinates,omitempty"`
	MultiCampus       bool                `json:"multi_campus"`
	AllowedCampusIDs  []string            `json:"allowed_campus_ids,omitempty"`
	MaxParticipants   *int                `json:"max_participants,omitempty"`
	RequiresSelfie    bool                `json:"requires_selfie"`
	RequiresGPS       bool                `json:"requires_gps"`
	RequiresSignature bool                `json:"requires_signature"`
	QRCodeData        string              `json:"qr_code_data,omitempty"`
	QRIssuedAt        *time.Time          `json:"qr_issued_at,omitempty"`
	WindowStart       *time.Time          `json:"window_start,omitempty"`
	WindowEnd         *time.Time          `json:"window_end,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

// AllowsCampus reports whether actors homed at the campus are eligible.
func (e Event) AllowsCampus(campusID string) bool {
	if e.CampusID == campusID {
		return true
	}
	if !e.MultiCampus {
		return false
	}
	for _, id := range e.AllowedCampusIDs {
		if id == campusID {
			return true
		}
	}
	return false
}

// Evidence bundles everything a client submits with a marking attempt.
type Evidence struct {
	Method       Method              `json:"method"`
	Coordinates  *verify.Coordinates `json:"coordinates,omitempty"`
	HasSelfie    bool                `json:"has_selfie"`
	HasSignature bool                `json:"has_signature"`
	QRPayload    string              `json:"qr_payload,omitempty"`
	ArrivalTime  *time.Time          `json:"arrival_time,omitempty"`
	IPAddress    string              `json:"ip_address,omitempty"`
	UserAgent    string              `json:"user_agent,omitempty"`
}

// Record is one attendance record. Exactly one exists per (event, actor)
// pair; the pair is unique at the storage level.
type Record struct {
	ID           string              `json:"id"`
	EventID      string              `json:"event_id"`
	CampusID     string              `json:"campus_id"`
	ActorID      string              `json:"actor_id"`
	Status       Status              `json:"status"`
	Method       Method              `json:"method"`
	CrossCampus  bool                `json:"cross_campus"`
	Coordinates  *verify.Coordinates `json:"coordinates,omitempty"`
	HasSelfie    bool                `json:"has_selfie"`
	HasSignature bool                `json:"has_signature"`
	Score        float64             `json:"score"`
	MarkedAt     time.Time           `json:"marked_at"`
	ArrivalTime  time.Time           `json:"arrival_time"`
	IPAddress    string              `json:"ip_address,omitempty"`
	UserAgent    string              `json:"user_agent,omitempty"`
	MarkedBy     *string             `json:"marked_by,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// ValidationResult is the audit row of one executed gate.
type ValidationResult struct {
	RecordID   string           `json:"record_id,omitempty"`
	Type       ValidationType   `json:"type"`
	Status     ValidationStatus `json:"status"`
	Confidence float64          `json:"confidence"`
	Details    map[string]any   `json:"details,omitempty"`
}

// Stats is the aggregate view used by the eligibility decision and exposed
// for dashboards.
type Stats struct {
	EventID         string   `json:"event_id"`
	PresentCount    int      `json:"present_count"`
	MaxParticipants *int     `json:"max_participants,omitempty"`
	CapacityPercent *float64 `json:"capacity_percent,omitempty"`
}
