package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"campusgate.org/internal/campus"
)

// Resolver computes which campus partitions an actor may operate against and
// the effective campus of a single request.
type Resolver struct {
	dir campus.Directory
}

// NewResolver constructs a Resolver over the campus directory.
func NewResolver(dir campus.Directory) (*Resolver, error) {
	if dir == nil {
		return nil, errors.New("campus directory is required")
	}
	return &Resolver{dir: dir}, nil
}

// Resolve returns the set of campus ids the actor may access.
//
// Super admins see every active campus, computed fresh on each call because
// activation state changes. Campus admins see their explicit set, defaulting
// to the home campus when the set is empty. Everyone else sees exactly the
// home campus.
func (r *Resolver) Resolve(ctx context.Context, actor Actor) ([]string, error) {
	if strings.TrimSpace(actor.HomeCampusID) == "" {
		return nil, fmt.Errorf("%w: home campus is required", ErrInvalidActor)
	}
	switch actor.Role {
	case RoleSuperAdmin:
		active, err := r.dir.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(active))
		for _, c := range active {
			ids = append(ids, c.ID)
		}
		return ids, nil
	case RoleCampusAdmin:
		if set := dedupe(actor.AccessibleCampusIDs); len(set) > 0 {
			return set, nil
		}
		return []string{actor.HomeCampusID}, nil
	case RoleParticipant, RoleOrganizer:
		return []string{actor.HomeCampusID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, actor.Role)
	}
}

// EffectiveCampus resolves the campus a request is scoped to. An override is
// honored only for privileged roles and only when it is a member of the
// resolved set; any other override falls back to the home campus silently.
// The fail-open fallback mirrors the established policy of the surrounding
// platform and is deliberate.
func (r *Resolver) EffectiveCampus(ctx context.Context, actor Actor, requestedOverride string) (string, error) {
	requestedOverride = strings.TrimSpace(requestedOverride)
	if requestedOverride == "" || !actor.Role.Privileged() {
		if strings.TrimSpace(actor.HomeCampusID) == "" {
			return "", fmt.Errorf("%w: home campus is required", ErrInvalidActor)
		}
		return actor.HomeCampusID, nil
	}
	set, err := r.Resolve(ctx, actor)
	if err != nil {
		return "", err
	}
	for _, id := range set {
		if id == requestedOverride {
			return requestedOverride, nil
		}
	}
	return actor.HomeCampusID, nil
}

// ScopeFor builds the query scope of a request. A super admin with no
// override gets all-campus visibility; every other combination narrows to
// the single effective campus.
func (r *Resolver) ScopeFor(ctx context.Context, actor Actor, requestedOverride string) (Scope, error) {
	if actor.Role == RoleSuperAdmin && strings.TrimSpace(requestedOverride) == "" {
		ids, err := r.Resolve(ctx, actor)
		if err != nil {
			return Scope{}, err
		}
		return Scope{CampusIDs: ids, All: true}, nil
	}
	effective, err := r.EffectiveCampus(ctx, actor, requestedOverride)
	if err != nil {
		return Scope{}, err
	}
	return Scope{CampusIDs: []string{effective}}, nil
}

// Authorize verifies the actor may act on the given campus.
func (r *Resolver) Authorize(ctx context.Context, actor Actor, campusID string) error {
	set, err := r.Resolve(ctx, actor)
	if err != nil {
		return err
	}
	for _, id := range set {
		if id == campusID {
			return nil
		}
	}
	return fmt.Errorf("%w: campus %s", ErrAccessDenied, campusID)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	var result []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
