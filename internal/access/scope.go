package access

// Scope is the resolved tenant visibility of one request. It is passed
// explicitly through every downstream call rather than living on ambient
// request state.
type Scope struct {
	// CampusIDs is the concrete set of visible campuses.
	CampusIDs []string
	// All is set only for a super admin that requested no override. It
	// widens reads and aggregates to every campus; mutations must still
	// name a single campus.
	All bool
}

// Contains reports whether the campus is visible in this scope.
func (s Scope) Contains(campusID string) bool {
	if s.All {
		return true
	}
	for _, id := range s.CampusIDs {
		if id == campusID {
			return true
		}
	}
	return false
}

// MutationCampus returns the single campus a write may target. All-campus
// scope is permitted for aggregate reads only, never for mutations.
func (s Scope) MutationCampus() (string, error) {
	if s.All || len(s.CampusIDs) != 1 {
		return "", ErrMutationScope
	}
	return s.CampusIDs[0], nil
}
