package team

import (
	"context"
	"testing"
	"time"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewStore(t.TempDir()))
}

func bootstrap(t *testing.T, svc *Service) (Team, string) {
	t.Helper()
	tm, raw, err := svc.CreateTeam(context.Background(), CreateTeamRequest{
		TeamID:      "acme",
		DisplayName: "Acme Inc",
		OwnerName:   "owner",
	}, time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("CreateTeam() error: %v", err)
	}
	return tm, raw
}

func TestCreateTeamBootstrapsOwnerToken(t *testing.T) {
	svc := newTestService(t)
	_, raw := bootstrap(t, svc)

	doc, err := svc.store.LoadLocked()
	if err != nil {
		t.Fatalf("LoadLocked() error: %v", err)
	}
	tok, err := Authenticate(doc, raw)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if tok.Role != RoleOwner {
		t.Errorf("Role = %v, want owner", tok.Role)
	}
}

func TestInviteMemberRefusesEscalation(t *testing.T) {
	svc := newTestService(t)
	tm, ownerRaw := bootstrap(t, svc)
	tm.Projects = []string{"web"}
	// simulate a project assignment directly through the store for test setup
	doc, _ := svc.store.LoadLocked()
	doc.Teams[tm.TeamID] = tm
	svc.store.StoreLocked(doc)

	doc, _ = svc.store.LoadLocked()
	ownerTok, _ := Authenticate(doc, ownerRaw)
	ownerAuth := ToAuthContext(ownerTok, tm)

	memberTok, _, err := svc.InviteMember(context.Background(), ownerAuth, InviteMemberRequest{
		TeamID:       "acme",
		DisplayName:  "dev",
		Role:         RoleMember,
		ProjectScope: []string{"web"},
	}, time.Unix(2000, 0))
	if err != nil {
		t.Fatalf("InviteMember() error: %v", err)
	}

	doc, _ = svc.store.LoadLocked()
	memberAuth := ToAuthContext(memberTok, tm)
	_, _, err = svc.InviteMember(context.Background(), memberAuth, InviteMemberRequest{
		TeamID: "acme",
		Role:   RoleOwner,
	}, time.Unix(3000, 0))
	if codeberr.KindOf(err) != codeberr.KindRoleEscalation {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindRoleEscalation)
	}
}

func TestAuthenticateRejectsRevoked(t *testing.T) {
	svc := newTestService(t)
	tm, ownerRaw := bootstrap(t, svc)

	doc, _ := svc.store.LoadLocked()
	ownerTok, _ := Authenticate(doc, ownerRaw)
	ownerAuth := ToAuthContext(ownerTok, tm)

	doc, _ = svc.store.LoadLocked()
	doc.Teams["acme"] = Team{TeamID: "acme", Projects: []string{"web"}}
	svc.store.StoreLocked(doc)

	memberTok, memberRaw, err := svc.InviteMember(context.Background(), ownerAuth, InviteMemberRequest{
		TeamID: "acme",
		Role:   RoleMember,
	}, time.Unix(2000, 0))
	if err != nil {
		t.Fatalf("InviteMember() error: %v", err)
	}

	if err := svc.RevokeToken(context.Background(), ownerAuth, memberTok.TokenID); err != nil {
		t.Fatalf("RevokeToken() error: %v", err)
	}

	doc, _ = svc.store.LoadLocked()
	_, err = Authenticate(doc, memberRaw)
	if codeberr.KindOf(err) != codeberr.KindUnauthenticated {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindUnauthenticated)
	}
}

func TestAuthenticateRejectsExpired(t *testing.T) {
	svc := newTestService(t)
	tm, ownerRaw := bootstrap(t, svc)
	doc, _ := svc.store.LoadLocked()
	ownerTok, _ := Authenticate(doc, ownerRaw)
	ownerAuth := ToAuthContext(ownerTok, tm)

	doc, _ = svc.store.LoadLocked()
	doc.Teams["acme"] = Team{TeamID: "acme", Projects: []string{"web"}}
	svc.store.StoreLocked(doc)

	past := time.Unix(1, 0)
	_, raw, err := svc.InviteMember(context.Background(), ownerAuth, InviteMemberRequest{
		TeamID:    "acme",
		Role:      RoleViewer,
		ExpiresAt: &past,
	}, time.Unix(2000, 0))
	if err != nil {
		t.Fatalf("InviteMember() error: %v", err)
	}

	doc, _ = svc.store.LoadLocked()
	_, err = Authenticate(doc, raw)
	if codeberr.KindOf(err) != codeberr.KindUnauthenticated {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindUnauthenticated)
	}
}

func TestAllowedProjectScoping(t *testing.T) {
	tm := Team{TeamID: "acme", Projects: []string{"web", "blog"}}
	scoped := AuthContext{Role: RoleMember, Projects: []string{"web"}}
	if !AllowedProject(scoped, tm, "web") {
		t.Error("expected scoped member allowed on web")
	}
	if AllowedProject(scoped, tm, "blog") {
		t.Error("expected scoped member denied on blog")
	}

	owner := AuthContext{Role: RoleOwner}
	if !AllowedProject(owner, tm, "blog") {
		t.Error("expected owner allowed on any team project")
	}
	if AllowedProject(owner, tm, "other") {
		t.Error("expected owner denied on project the team does not own")
	}
}

func TestRoleHierarchyOrdering(t *testing.T) {
	if !RoleViewer.Less(RoleMember) || !RoleMember.Less(RoleAdmin) || !RoleAdmin.Less(RoleOwner) {
		t.Fatal("role hierarchy out of order")
	}
	if RoleOwner.Less(RoleViewer) {
		t.Fatal("owner should not be less than viewer")
	}
}

func TestAllowedCapabilityMatrix(t *testing.T) {
	tests := []struct {
		role Role
		cap  Capability
		want bool
	}{
		{RoleViewer, CapReadSlotStatus, true},
		{RoleViewer, CapDeploy, false},
		{RoleMember, CapDeploy, true},
		{RoleMember, CapManageMembers, false},
		{RoleAdmin, CapManageMembers, true},
		{RoleAdmin, CapDeleteTeam, false},
		{RoleOwner, CapDeleteTeam, true},
	}
	for _, tt := range tests {
		if got := Allowed(tt.role, tt.cap); got != tt.want {
			t.Errorf("Allowed(%v, %v) = %v, want %v", tt.role, tt.cap, got, tt.want)
		}
	}
}

func TestDeleteTeamRefusesWithProjects(t *testing.T) {
	svc := newTestService(t)
	tm, ownerRaw := bootstrap(t, svc)
	doc, _ := svc.store.LoadLocked()
	tm.Projects = []string{"web"}
	doc.Teams["acme"] = tm
	svc.store.StoreLocked(doc)

	doc, _ = svc.store.LoadLocked()
	ownerTok, _ := Authenticate(doc, ownerRaw)
	ownerAuth := ToAuthContext(ownerTok, tm)

	err := svc.DeleteTeam(context.Background(), ownerAuth, "acme")
	if codeberr.KindOf(err) != codeberr.KindValidation {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindValidation)
	}
}
