package verify

import "time"

// InWindow reports whether now lies inside [start, end], inclusive on both
// ends. Marking attendance exactly at the window boundary is allowed.
func InWindow(now, start, end time.Time) bool {
	return !now.Before(start) && !now.After(end)
}

// IsLate reports whether an attendance marked at markedAt counts as late
// relative to the event start. Computed from immutable inputs at submission
// time, never stored redundantly.
func IsLate(markedAt, eventStart time.Time) bool {
	return markedAt.After(eventStart)
}
