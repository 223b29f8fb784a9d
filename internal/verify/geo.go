// Package verify holds the pure validation functions of the attendance
// pipeline: great-circle proximity and time-window checks. Nothing here
// blocks or touches storage.
package verify

import "math"

const earthRadiusMeters = 6371000

// Coordinates is a GPS fix supplied by a client or configured on an event.
type Coordinates struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Proximity is the outcome of a GPS check.
type Proximity struct {
	// Checked is false when the check was skipped (GPS not required or no
	// target coordinates configured). A skipped check counts as passed.
	Checked bool
	Passed  bool
	// Distance is nil when skipped or when the actor supplied no fix.
	Distance *float64
	// Confidence is 1 for a skip, otherwise scales inversely with distance
	// inside the radius: standing at the venue scores 1, at the edge 0.
	Confidence float64
}

// Skip marks the GPS gate as not applicable.
func Skip() Proximity {
	return Proximity{Passed: true, Confidence: 1}
}

// CheckProximity validates an actor fix against a target within radius
// meters. A nil target skips the check. A nil user fix with a non-nil
// target is a hard failure: the check was required and cannot run.
func CheckProximity(user, target *Coordinates, radiusMeters float64) Proximity {
	if target == nil || radiusMeters <= 0 {
		return Skip()
	}
	if user == nil {
		return Proximity{Checked: true}
	}
	d := Haversine(user.Latitude, user.Longitude, target.Latitude, target.Longitude)
	p := Proximity{Checked: true, Distance: &d}
	if d > radiusMeters {
		return p
	}
	p.Passed = true
	p.Confidence = 1 - d/radiusMeters
	if p.Confidence < 0 {
		p.Confidence = 0
	}
	return p
}
