package verify

import (
	"math"
	"testing"
	"time"
)

func TestHaversine(t *testing.T) {
	if d := Haversine(9.7869, 125.4919, 9.7869, 125.4919); d != 0 {
		t.Fatalf("zero distance expected, got %f", d)
	}
	// One degree of latitude is roughly 111.19 km.
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111194.9) > 100 {
		t.Fatalf("one degree latitude = %f m, want ~111195", d)
	}
}

func TestCheckProximity(t *testing.T) {
	venue := &Coordinates{Latitude: 9.7869, Longitude: 125.4919}
	// ~150 meters north of the venue.
	far := &Coordinates{Latitude: venue.Latitude + 150.0/111194.9, Longitude: venue.Longitude}
	// ~50 meters north.
	near := &Coordinates{Latitude: venue.Latitude + 50.0/111194.9, Longitude: venue.Longitude}

	t.Run("out of range reports distance", func(t *testing.T) {
		p := CheckProximity(far, venue, 100)
		if !p.Checked || p.Passed {
			t.Fatalf("expected failed check, got %+v", p)
		}
		if p.Distance == nil || math.Abs(*p.Distance-150) > 2 {
			t.Fatalf("distance = %v, want ~150", p.Distance)
		}
	})

	t.Run("inside radius passes with scaled confidence", func(t *testing.T) {
		p := CheckProximity(near, venue, 100)
		if !p.Passed {
			t.Fatalf("expected pass, got %+v", p)
		}
		if p.Confidence < 0.4 || p.Confidence > 0.6 {
			t.Fatalf("confidence = %f, want ~0.5", p.Confidence)
		}
	})

	t.Run("no target skips", func(t *testing.T) {
		p := CheckProximity(near, nil, 100)
		if p.Checked || !p.Passed || p.Distance != nil || p.Confidence != 1 {
			t.Fatalf("expected skip, got %+v", p)
		}
	})

	t.Run("missing actor fix is a hard failure", func(t *testing.T) {
		p := CheckProximity(nil, venue, 100)
		if !p.Checked || p.Passed {
			t.Fatalf("expected hard failure, got %+v", p)
		}
		if p.Distance != nil {
			t.Fatalf("no distance expected, got %v", *p.Distance)
		}
	})
}

func TestInWindowBoundaries(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)

	cases := []struct {
		now  time.Time
		want bool
	}{
		{start, true},
		{end, true},
		{start.Add(-time.Second), false},
		{end.Add(time.Second), false},
		{start.Add(time.Hour), true},
	}
	for _, tc := range cases {
		if got := InWindow(tc.now, start, end); got != tc.want {
			t.Fatalf("InWindow(%v) = %v, want %v", tc.now, got, tc.want)
		}
	}
}

func TestIsLate(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if IsLate(start, start) {
		t.Fatal("arrival at start is not late")
	}
	if !IsLate(start.Add(time.Minute), start) {
		t.Fatal("arrival after start is late")
	}
}
