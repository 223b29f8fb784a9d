package campus

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("campus: not found")
	ErrInvalidInput = errors.New("campus: invalid input")
)

// Campus is a tenant partition. All event and attendance data belongs to
// exactly one campus unless cross-campus access is explicitly granted.
type Campus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	Active    bool      `json:"active"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Timezone  string    `json:"timezone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Config holds the per-campus verification settings. Owned one-to-one by a
// campus and mutated only by privileged roles.
type Config struct {
	CampusID                     string        `json:"campus_id"`
	MultiCampusEventsEnabled     bool          `json:"multi_campus_events_enabled"`
	CrossCampusAttendanceEnabled bool          `json:"cross_campus_attendance_enabled"`
	QRCodeExpiry                 time.Duration `json:"qr_code_expiry"`
	AttendanceWindow             time.Duration `json:"attendance_window"`
	GPSValidationEnabled         bool          `json:"gps_validation_enabled"`
	GPSRadiusMeters              float64       `json:"gps_radius_meters"`
}

// DefaultConfig returns the settings a freshly provisioned campus starts with.
func DefaultConfig(campusID string) Config {
	return Config{
		CampusID:             campusID,
		QRCodeExpiry:         24 * time.Hour,
		AttendanceWindow:     30 * time.Minute,
		GPSValidationEnabled: true,
		GPSRadiusMeters:      100,
	}
}

// Directory is the repository view the engine needs of campuses. The
// active-campus list is always read fresh; activation state changes must be
// visible on the next call.
type Directory interface {
	ListActive(ctx context.Context) ([]Campus, error)
	Find(ctx context.Context, id string) (Campus, error)
	FindConfig(ctx context.Context, id string) (Config, error)
}
