package attendance

import "errors"

var (
	ErrEventNotFound  = errors.New("attendance: event not found")
	ErrRecordNotFound = errors.New("attendance: record not found")

	// Gate failures. Each is surfaced verbatim to the caller with its
	// specific kind; the UI must be able to explain why.
	ErrNotEligibleForCampus = errors.New("attendance: not eligible for campus")
	ErrEventAtCapacity      = errors.New("attendance: event at capacity")
	ErrAlreadyMarked        = errors.New("attendance: already marked")
	ErrWindowClosed         = errors.New("attendance: attendance window closed")
	ErrInvalidToken         = errors.New("attendance: invalid token")
	ErrLocationOutOfRange   = errors.New("attendance: location out of range")
	ErrMissingEvidence      = errors.New("attendance: missing evidence")

	// ErrAuditWrite aborts an operation whose audit entry could not be
	// appended. A decision without an audit trail is not a valid success.
	ErrAuditWrite = errors.New("attendance: audit write failed")

	ErrInvalidStatus       = errors.New("attendance: invalid status")
	ErrNoteRequired        = errors.New("attendance: override note required")
	ErrInvalidEvent        = errors.New("attendance: invalid event")
	ErrMultiCampusDisabled = errors.New("attendance: multi-campus events disabled for campus")
)

// Kind maps an error to its stable machine-readable kind. Used as the
// metrics outcome label and the "kind" field of HTTP error payloads.
func Kind(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrNotEligibleForCampus):
		return "not_eligible_for_campus"
	case errors.Is(err, ErrEventAtCapacity):
		return "event_at_capacity"
	case errors.Is(err, ErrAlreadyMarked):
		return "already_marked"
	case errors.Is(err, ErrWindowClosed):
		return "window_closed"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrLocationOutOfRange):
		return "location_out_of_range"
	case errors.Is(err, ErrMissingEvidence):
		return "missing_evidence"
	case errors.Is(err, ErrAuditWrite):
		return "audit_write_failed"
	case errors.Is(err, ErrEventNotFound):
		return "event_not_found"
	case errors.Is(err, ErrRecordNotFound):
		return "record_not_found"
	default:
		return "store_error"
	}
}
