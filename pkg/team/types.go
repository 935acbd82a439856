// Package team implements the authorization layer (spec C4): teams,
// member API tokens, the role hierarchy, and per-project scoping that
// gates every core engine call.
package team

import (
	"regexp"
	"time"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// Role is a position in the strict total order viewer < member < admin < owner.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// roleLevel gives Role a numeric ordering for the "cannot escalate" check
// and Allowed's minimum-role lookup.
var roleLevel = map[Role]int{
	RoleViewer: 10,
	RoleMember: 20,
	RoleAdmin:  30,
	RoleOwner:  40,
}

// Less reports whether r is strictly below other in the hierarchy.
func (r Role) Less(other Role) bool { return roleLevel[r] < roleLevel[other] }

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool { _, ok := roleLevel[r]; return ok }

var teamIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,29}$`)

// ValidateTeamID enforces the team_id shape: lowercase alphanumeric with
// hyphens, 3-30 characters.
func ValidateTeamID(id string) error {
	if !teamIDPattern.MatchString(id) {
		return codeberr.Newf(codeberr.KindValidation, "invalid team_id %q", id)
	}
	return nil
}

var projectNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,49}$`)

// ValidateProjectName enforces the project_name shape: lowercase
// alphanumeric with hyphens, 1-50 characters.
func ValidateProjectName(name string) error {
	if !projectNamePattern.MatchString(name) {
		return codeberr.Newf(codeberr.KindValidation, "invalid project_name %q", name)
	}
	return nil
}

// Settings holds the team-level defaults and overrides described in
// spec §3 ("Team" fields).
type Settings struct {
	DefaultEnvironment       string   `json:"default_environment,omitempty"`
	AutoPromote              bool     `json:"auto_promote"`
	GracePeriodHoursOverride int      `json:"grace_period_hours_override,omitempty"`
	AllowedCustomDomains     []string `json:"allowed_custom_domains,omitempty"`
	NotificationWebhook      string   `json:"notification_webhook,omitempty"`
}

// Team is the tenant boundary: owns a set of projects, has exactly one
// owner token, and is never deleted while any project is assigned.
type Team struct {
	TeamID        string    `json:"team_id"`
	DisplayName   string    `json:"display_name"`
	OwnerMemberID string    `json:"owner_member_id"`
	PlanTag       string    `json:"plan_tag,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Settings      Settings  `json:"settings"`
	Projects      []string  `json:"projects"`
}

// HasProject reports whether name is among the team's owned projects.
func (t Team) HasProject(name string) bool {
	for _, p := range t.Projects {
		if p == name {
			return true
		}
	}
	return false
}

// Token is the member identity: an API token *is* the member, there is
// no separate user record (spec §3).
type Token struct {
	TokenID      string     `json:"token_id"`
	SecretHash   string     `json:"secret_hash"`
	DisplayName  string     `json:"display_name"`
	TeamID       string     `json:"team_id"`
	Role         Role       `json:"role"`
	ProjectScope []string   `json:"project_scope,omitempty"` // empty means all team projects
	CreatedAt    time.Time  `json:"created_at"`
	CreatedBy    string     `json:"created_by"`
	LastUsedAt   time.Time  `json:"last_used_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Revoked      bool       `json:"revoked"`
}

// InScope reports whether project is within this token's effective
// project scope (empty scope means the whole team).
func (t Token) InScope(project string) bool {
	if len(t.ProjectScope) == 0 {
		return true
	}
	for _, p := range t.ProjectScope {
		if p == project {
			return true
		}
	}
	return false
}

// AuthContext is the authenticated identity produced by Authenticate,
// carrying the token's effective project scope.
type AuthContext struct {
	TokenID  string
	TeamID   string
	Role     Role
	Projects []string
}

// Document is the on-disk shape of {base}/config/teams.json (spec §6).
type Document struct {
	Teams  map[string]Team  `json:"teams"`
	Tokens map[string]Token `json:"tokens"`
}
