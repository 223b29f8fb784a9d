package access

import (
	"context"
	"testing"

	"campusgate.org/internal/campus"
)

func directoryWith(t *testing.T, ids ...string) *campus.InMemoryDirectory {
	t.Helper()
	dir := campus.NewInMemoryDirectory()
	for _, id := range ids {
		dir.Put(campus.Campus{ID: id, Code: "C" + id, Active: true}, campus.DefaultConfig(id))
	}
	return dir
}

func TestResolveParticipantAndOrganizer(t *testing.T) {
	r, err := NewResolver(directoryWith(t, "1", "2", "3"))
	if err != nil {
		t.Fatal(err)
	}

	for _, role := range []Role{RoleParticipant, RoleOrganizer} {
		actor := Actor{ID: "u1", Role: role, HomeCampusID: "2", AccessibleCampusIDs: []string{"1", "3"}}
		got, err := r.Resolve(context.Background(), actor)
		if err != nil {
			t.Fatalf("%s: %v", role, err)
		}
		if len(got) != 1 || got[0] != "2" {
			t.Fatalf("%s: expected home campus only, got %v", role, got)
		}
	}
}

func TestResolveCampusAdmin(t *testing.T) {
	r, _ := NewResolver(directoryWith(t, "1", "2", "3", "4"))

	admin := Actor{ID: "a1", Role: RoleCampusAdmin, HomeCampusID: "1", AccessibleCampusIDs: []string{"2", "3"}}
	got, err := r.Resolve(context.Background(), admin)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "2" || got[1] != "3" {
		t.Fatalf("expected explicit set, got %v", got)
	}

	// Empty explicit set defaults to the home campus.
	admin.AccessibleCampusIDs = nil
	got, err = r.Resolve(context.Background(), admin)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "1" {
		t.Fatalf("expected home campus default, got %v", got)
	}
}

func TestResolveSuperAdminIsNeverCached(t *testing.T) {
	dir := directoryWith(t, "1", "2")
	r, _ := NewResolver(dir)
	super := Actor{ID: "s1", Role: RoleSuperAdmin, HomeCampusID: "1"}

	got, err := r.Resolve(context.Background(), super)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 active campuses, got %v", got)
	}

	dir.Put(campus.Campus{ID: "3", Code: "C3", Active: true}, campus.DefaultConfig("3"))
	dir.SetActive("2", false)

	got, err = r.Resolve(context.Background(), super)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "1" || got[1] != "3" {
		t.Fatalf("activation change not visible: %v", got)
	}
}

func TestEffectiveCampusOverridePolicy(t *testing.T) {
	r, _ := NewResolver(directoryWith(t, "1", "2", "3", "4"))
	ctx := context.Background()

	cases := []struct {
		name     string
		actor    Actor
		override string
		want     string
	}{
		{
			name:     "participant override ignored",
			actor:    Actor{ID: "u", Role: RoleParticipant, HomeCampusID: "1"},
			override: "2",
			want:     "1",
		},
		{
			name:     "campus admin override inside set honored",
			actor:    Actor{ID: "a", Role: RoleCampusAdmin, HomeCampusID: "1", AccessibleCampusIDs: []string{"2", "3"}},
			override: "3",
			want:     "3",
		},
		{
			name:     "campus admin override outside set falls back to home",
			actor:    Actor{ID: "a", Role: RoleCampusAdmin, HomeCampusID: "1", AccessibleCampusIDs: []string{"2", "3"}},
			override: "4",
			want:     "1",
		},
		{
			name:     "super admin override honored for active campus",
			actor:    Actor{ID: "s", Role: RoleSuperAdmin, HomeCampusID: "1"},
			override: "4",
			want:     "4",
		},
		{
			name:     "no override resolves home",
			actor:    Actor{ID: "a", Role: RoleCampusAdmin, HomeCampusID: "2", AccessibleCampusIDs: []string{"3"}},
			override: "",
			want:     "2",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.EffectiveCampus(ctx, tc.actor, tc.override)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("effective campus = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestScopeForSuperAdminAggregates(t *testing.T) {
	r, _ := NewResolver(directoryWith(t, "1", "2"))
	super := Actor{ID: "s", Role: RoleSuperAdmin, HomeCampusID: "1"}

	scope, err := r.ScopeFor(context.Background(), super, "")
	if err != nil {
		t.Fatal(err)
	}
	if !scope.All {
		t.Fatal("expected all-campus scope")
	}
	if _, err := scope.MutationCampus(); err == nil {
		t.Fatal("all-campus scope must not permit mutations")
	}

	scope, err = r.ScopeFor(context.Background(), super, "2")
	if err != nil {
		t.Fatal(err)
	}
	if scope.All {
		t.Fatal("override must narrow the scope")
	}
	id, err := scope.MutationCampus()
	if err != nil || id != "2" {
		t.Fatalf("mutation campus = %s, %v", id, err)
	}
}

func TestResolveUnknownRole(t *testing.T) {
	r, _ := NewResolver(directoryWith(t, "1"))
	if _, err := r.Resolve(context.Background(), Actor{ID: "x", Role: "auditor", HomeCampusID: "1"}); err == nil {
		t.Fatal("expected unknown role error")
	}
}
