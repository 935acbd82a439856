package team

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// Service wires the Store to the business rules in spec §4.4: token
// issuance/revocation, team lifecycle, and the no-escalation invariant.
type Service struct {
	store *Store
}

// NewService builds a Service backed by store.
func NewService(store *Store) *Service {
	return &Service{store: store}
}

// CreateTeamRequest bootstraps a new team with its first (owner) token.
type CreateTeamRequest struct {
	TeamID      string
	DisplayName string
	PlanTag     string
	OwnerName   string
}

// CreateTeam is only reachable via the bootstrap owner token (enforced
// by the HTTP layer, not here): it mints the team plus its sole owner
// token in one atomic write.
func (s *Service) CreateTeam(ctx context.Context, req CreateTeamRequest, now time.Time) (Team, string, error) {
	if err := ValidateTeamID(req.TeamID); err != nil {
		return Team{}, "", err
	}

	unlock, err := s.store.Lock(ctx)
	if err != nil {
		return Team{}, "", err
	}
	defer unlock()

	doc, err := s.store.LoadLocked()
	if err != nil {
		return Team{}, "", err
	}
	if _, exists := doc.Teams[req.TeamID]; exists {
		return Team{}, "", codeberr.Newf(codeberr.KindValidation, "team %q already exists", req.TeamID)
	}

	rawSecret, hash, err := generateSecret(RoleOwner)
	if err != nil {
		return Team{}, "", err
	}
	ownerTokenID := "tok_" + req.TeamID + "_owner"

	tm := Team{
		TeamID:        req.TeamID,
		DisplayName:   req.DisplayName,
		OwnerMemberID: ownerTokenID,
		PlanTag:       req.PlanTag,
		CreatedAt:     now,
		Projects:      []string{},
	}
	owner := Token{
		TokenID:     ownerTokenID,
		SecretHash:  hash,
		DisplayName: req.OwnerName,
		TeamID:      req.TeamID,
		Role:        RoleOwner,
		CreatedAt:   now,
		CreatedBy:   ownerTokenID,
	}

	doc.Teams[req.TeamID] = tm
	doc.Tokens[ownerTokenID] = owner
	if err := s.store.StoreLocked(doc); err != nil {
		return Team{}, "", err
	}
	return tm, rawSecret, nil
}

// GetTeam returns a single team by id.
func (s *Service) GetTeam(ctx context.Context, teamID string) (Team, error) {
	unlock, err := s.store.Lock(ctx)
	if err != nil {
		return Team{}, err
	}
	defer unlock()

	doc, err := s.store.LoadLocked()
	if err != nil {
		return Team{}, err
	}
	tm, ok := doc.Teams[teamID]
	if !ok {
		return Team{}, codeberr.Newf(codeberr.KindNotFound, "team %q not found", teamID)
	}
	return tm, nil
}

// ListTeams returns every team in the registry.
func (s *Service) ListTeams(ctx context.Context) ([]Team, error) {
	unlock, err := s.store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.store.LoadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]Team, 0, len(doc.Teams))
	for _, tm := range doc.Teams {
		out = append(out, tm)
	}
	return out, nil
}

// DeleteTeam removes a team. Only the owner capability may call this,
// and only while the team owns no projects (spec §3 Team lifecycle).
func (s *Service) DeleteTeam(ctx context.Context, auth AuthContext, teamID string) error {
	if !Allowed(auth.Role, CapDeleteTeam) {
		return codeberr.New(codeberr.KindForbidden, "delete_team requires owner role")
	}

	unlock, err := s.store.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.store.LoadLocked()
	if err != nil {
		return err
	}
	tm, ok := doc.Teams[teamID]
	if !ok {
		return codeberr.Newf(codeberr.KindNotFound, "team %q not found", teamID)
	}
	if len(tm.Projects) > 0 {
		return codeberr.Newf(codeberr.KindValidation, "team %q still owns %d project(s)", teamID, len(tm.Projects))
	}

	delete(doc.Teams, teamID)
	for id, tok := range doc.Tokens {
		if tok.TeamID == teamID {
			delete(doc.Tokens, id)
		}
	}
	return s.store.StoreLocked(doc)
}

// UpdateSettings replaces a team's settings. Owner-only (spec §3 capability matrix).
func (s *Service) UpdateSettings(ctx context.Context, auth AuthContext, teamID string, settings Settings) (Team, error) {
	if !Allowed(auth.Role, CapManageSettings) {
		return Team{}, codeberr.New(codeberr.KindForbidden, "manage_settings requires owner role")
	}

	unlock, err := s.store.Lock(ctx)
	if err != nil {
		return Team{}, err
	}
	defer unlock()

	doc, err := s.store.LoadLocked()
	if err != nil {
		return Team{}, err
	}
	tm, ok := doc.Teams[teamID]
	if !ok {
		return Team{}, codeberr.Newf(codeberr.KindNotFound, "team %q not found", teamID)
	}
	tm.Settings = settings
	doc.Teams[teamID] = tm
	if err := s.store.StoreLocked(doc); err != nil {
		return Team{}, err
	}
	return tm, nil
}

// InviteMemberRequest issues a new member token.
type InviteMemberRequest struct {
	TeamID       string
	DisplayName  string
	Role         Role
	ProjectScope []string
	ExpiresAt    *time.Time
}

// InviteMember mints a token. Requires manage_members and enforces P5:
// a token cannot be issued with a role strictly greater than the
// issuer's (spec §4.4, §7 role_escalation). The escalation check runs
// before the capability check, so a request for a role above the
// issuer's reports role_escalation even from a role without manage_members.
func (s *Service) InviteMember(ctx context.Context, auth AuthContext, req InviteMemberRequest, now time.Time) (Token, string, error) {
	if !req.Role.Valid() {
		return Token{}, "", codeberr.Newf(codeberr.KindValidation, "invalid role %q", req.Role)
	}
	if auth.Role.Less(req.Role) {
		return Token{}, "", codeberr.Newf(codeberr.KindRoleEscalation, "cannot issue role %q from role %q", req.Role, auth.Role)
	}
	if !Allowed(auth.Role, CapManageMembers) {
		return Token{}, "", codeberr.New(codeberr.KindForbidden, "manage_members requires admin role")
	}

	unlock, err := s.store.Lock(ctx)
	if err != nil {
		return Token{}, "", err
	}
	defer unlock()

	doc, err := s.store.LoadLocked()
	if err != nil {
		return Token{}, "", err
	}
	tm, ok := doc.Teams[req.TeamID]
	if !ok {
		return Token{}, "", codeberr.Newf(codeberr.KindNotFound, "team %q not found", req.TeamID)
	}
	for _, p := range req.ProjectScope {
		if !tm.HasProject(p) {
			return Token{}, "", codeberr.Newf(codeberr.KindValidation, "project %q is not owned by team %q", p, req.TeamID)
		}
	}

	rawSecret, hash, err := generateSecret(req.Role)
	if err != nil {
		return Token{}, "", err
	}
	tok := Token{
		TokenID:      "tok_" + uuid.NewString(),
		SecretHash:   hash,
		DisplayName:  req.DisplayName,
		TeamID:       req.TeamID,
		Role:         req.Role,
		ProjectScope: req.ProjectScope,
		CreatedAt:    now,
		CreatedBy:    auth.TokenID,
		ExpiresAt:    req.ExpiresAt,
	}
	doc.Tokens[tok.TokenID] = tok
	if err := s.store.StoreLocked(doc); err != nil {
		return Token{}, "", err
	}
	return tok, rawSecret, nil
}

// RevokeToken marks a token revoked. Any role may revoke a token it
// created; admin/owner may revoke any team token (spec §4.4).
func (s *Service) RevokeToken(ctx context.Context, auth AuthContext, tokenID string) error {
	unlock, err := s.store.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.store.LoadLocked()
	if err != nil {
		return err
	}
	tok, ok := doc.Tokens[tokenID]
	if !ok {
		return codeberr.Newf(codeberr.KindNotFound, "token %q not found", tokenID)
	}
	if tok.TeamID != auth.TeamID {
		return codeberr.New(codeberr.KindForbidden, "token belongs to a different team")
	}
	isIssuer := tok.CreatedBy == auth.TokenID
	isAdminPlus := !auth.Role.Less(RoleAdmin)
	if !isIssuer && !isAdminPlus {
		return codeberr.New(codeberr.KindForbidden, "insufficient role to revoke this token")
	}

	tok.Revoked = true
	doc.Tokens[tokenID] = tok
	return s.store.StoreLocked(doc)
}

// ListMembers returns every token belonging to teamID. Gated by
// read_audit_log-equivalent read access at the HTTP layer.
func (s *Service) ListMembers(ctx context.Context, teamID string) ([]Token, error) {
	unlock, err := s.store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.store.LoadLocked()
	if err != nil {
		return nil, err
	}
	var out []Token
	for _, tok := range doc.Tokens {
		if tok.TeamID == teamID {
			out = append(out, tok)
		}
	}
	return out, nil
}
