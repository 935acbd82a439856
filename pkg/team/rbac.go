package team

// Capability is one row of the permission matrix in spec §3.
type Capability string

const (
	CapReadSlotStatus Capability = "read_slot_status"
	CapReadAuditLog   Capability = "read_audit_log"
	CapDeploy         Capability = "deploy"
	CapPromote        Capability = "promote"
	CapRollback       Capability = "rollback"
	CapCleanup        Capability = "cleanup"
	CapManageMembers  Capability = "manage_members"
	CapManageSettings Capability = "manage_settings"
	CapDeleteTeam     Capability = "delete_team"
)

// capabilityMinRole is the default permission matrix: the minimum role
// required to exercise each capability.
var capabilityMinRole = map[Capability]Role{
	CapReadSlotStatus: RoleViewer,
	CapReadAuditLog:   RoleViewer,
	CapDeploy:         RoleMember,
	CapPromote:        RoleMember,
	CapRollback:       RoleMember,
	CapCleanup:        RoleMember,
	CapManageMembers:  RoleAdmin,
	CapManageSettings: RoleOwner,
	CapDeleteTeam:     RoleOwner,
}

// Allowed is a table lookup by role against the default permission
// matrix (spec §3, §4.4 "allowed(auth, capability)").
func Allowed(role Role, cap Capability) bool {
	min, ok := capabilityMinRole[cap]
	if !ok {
		return false
	}
	return !role.Less(min)
}

// AllowedProject implements "allowed_project(auth, project_name)": the
// owner may act on any team project; every other role additionally
// needs the project in its token scope and in the team's project set.
func AllowedProject(auth AuthContext, team Team, project string) bool {
	if !team.HasProject(project) {
		return false
	}
	if auth.Role == RoleOwner {
		return true
	}
	for _, p := range auth.Projects {
		if p == project {
			return true
		}
	}
	return false
}
