// Package httpserver implements the single JSON-envelope endpoint
// (spec §6): one POST carrying {tool, params}, authenticated by a
// bearer token, dispatched to the engine or team operation the tool
// name identifies. Authorization runs before lock acquisition (spec
// §4.9) so a forbidden caller can never tie up a project's lock.
package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/audit"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/cleanup"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/control"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/deploy"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/notify"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/promote"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/rollback"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/slot"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/team"
)

// Deps bundles every dependency the envelope endpoint dispatches into.
type Deps struct {
	TeamStore           *team.Store
	TeamSvc             *team.Service
	Registry            *slot.Registry
	Locker              *control.Locker
	AuditW              *audit.Writer
	Notifier            *notify.Notifier
	Deploy              *deploy.Engine
	Promote             *promote.Engine
	Rollback            *rollback.Engine
	Cleanup             *cleanup.Engine
	DefaultGracePeriod  time.Duration
	BootstrapOwnerToken string
}

// request is the envelope's request shape (spec §6).
type request struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// ToolHandler serves POST / on the single JSON-envelope endpoint.
func (d *Deps) ToolHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := Decode(r, &req); err != nil {
			RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		if req.Tool == "" {
			RespondError(w, http.StatusBadRequest, "bad_request", "tool is required")
			return
		}

		fn, ok := toolTable[req.Tool]
		if !ok {
			RespondErr(w, codeberr.Newf(codeberr.KindUnknownTool, "unknown tool %q", req.Tool))
			return
		}

		result, err := fn(d, r, req.Params)
		if err != nil {
			RespondErr(w, err)
			return
		}
		RespondResult(w, req.Tool, result)
	}
}

type toolFunc func(d *Deps, r *http.Request, params json.RawMessage) (any, error)

var toolTable = map[string]toolFunc{
	"deploy":        (*Deps).toolDeploy,
	"promote":       (*Deps).toolPromote,
	"rollback":      (*Deps).toolRollback,
	"slot_status":   (*Deps).toolSlotStatus,
	"slot_list":     (*Deps).toolSlotList,
	"slot_cleanup":  (*Deps).toolSlotCleanup,
	"team_create":   (*Deps).toolTeamCreate,
	"team_list":     (*Deps).toolTeamList,
	"team_get":      (*Deps).toolTeamGet,
	"team_delete":   (*Deps).toolTeamDelete,
	"member_invite": (*Deps).toolMemberInvite,
	"member_remove": (*Deps).toolMemberRemove,
	"member_list":   (*Deps).toolMemberList,
	"team_settings": (*Deps).toolTeamSettings,
	"token_create":  (*Deps).toolMemberInvite, // a token IS the member (spec §3); same operation, alternate name
	"token_revoke":  (*Deps).toolMemberRemove,
	"token_list":    (*Deps).toolMemberList,
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return codeberr.New(codeberr.KindValidation, "params is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return codeberr.Wrap(codeberr.KindValidation, "parsing params", err)
	}
	if errs := Validate(dst); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Field + ": " + e.Message
		}
		return codeberr.New(codeberr.KindValidation, strings.Join(msgs, "; "))
	}
	return nil
}

// authenticate recovers the AuthContext for the bearer secret on r, or
// the bootstrap identity if the secret matches the configured bootstrap
// owner token exactly (team_create's one legitimate caller without a
// team token, used to create the very first team; see DESIGN.md's note
// on CODEB_BOOTSTRAP_OWNER_TOKEN).
func (d *Deps) authenticate(r *http.Request) (team.AuthContext, bool, error) {
	secret := bearerSecret(r)
	if secret == "" {
		return team.AuthContext{}, false, codeberr.New(codeberr.KindUnauthenticated, "missing bearer token")
	}
	if d.BootstrapOwnerToken != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(d.BootstrapOwnerToken)) == 1 {
		return team.AuthContext{Role: team.RoleOwner}, true, nil
	}

	unlock, err := d.TeamStore.Lock(r.Context())
	if err != nil {
		return team.AuthContext{}, false, err
	}
	defer unlock()

	doc, err := d.TeamStore.LoadLocked()
	if err != nil {
		return team.AuthContext{}, false, err
	}
	tok, err := team.Authenticate(doc, secret)
	if err != nil {
		return team.AuthContext{}, false, err
	}
	tm, ok := doc.Teams[tok.TeamID]
	if !ok {
		return team.AuthContext{}, false, codeberr.New(codeberr.KindUnauthenticated, "token belongs to an unknown team")
	}
	return team.ToAuthContext(tok, tm), false, nil
}

func bearerSecret(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// requireCapability authenticates and checks the named capability,
// rejecting the bootstrap identity (which carries no team and so
// cannot satisfy any team-scoped capability other than team_create).
func (d *Deps) requireCapability(r *http.Request, cap team.Capability) (team.AuthContext, error) {
	auth, isBootstrap, err := d.authenticate(r)
	if err != nil {
		return team.AuthContext{}, err
	}
	if isBootstrap {
		return team.AuthContext{}, codeberr.New(codeberr.KindForbidden, "bootstrap token may only call team_create")
	}
	if !team.Allowed(auth.Role, cap) {
		return team.AuthContext{}, codeberr.Newf(codeberr.KindForbidden, "%s requires a higher role", cap)
	}
	return auth, nil
}

// requireProject additionally checks per-project scoping (spec §3
// allowed_project): the project must belong to the caller's team and
// fall within the token's project scope.
func (d *Deps) requireProject(r *http.Request, cap team.Capability, project string) (team.AuthContext, error) {
	auth, err := d.requireCapability(r, cap)
	if err != nil {
		return team.AuthContext{}, err
	}

	unlock, err := d.TeamStore.Lock(r.Context())
	if err != nil {
		return team.AuthContext{}, err
	}
	defer unlock()
	doc, err := d.TeamStore.LoadLocked()
	if err != nil {
		return team.AuthContext{}, err
	}
	tm, ok := doc.Teams[auth.TeamID]
	if !ok {
		return team.AuthContext{}, codeberr.New(codeberr.KindNotFound, "caller's team no longer exists")
	}
	if !team.AllowedProject(auth, tm, project) {
		return team.AuthContext{}, codeberr.Newf(codeberr.KindForbidden, "project %q is not in scope for this token", project)
	}
	return auth, nil
}

// withLock acquires the control-plane lock for (project, environment),
// runs fn, and releases the lock regardless of fn's outcome. Authorization
// has already run by the time this is called, per spec §4.9's ordering.
func (d *Deps) withLock(ctx context.Context, project, environment string, fn func() (any, error)) (any, error) {
	release, err := d.Locker.Acquire(ctx, project, environment)
	if err != nil {
		return nil, err
	}
	defer release(ctx)
	return fn()
}

// --- deploy / promote / rollback / slot tools ---

type deployParams struct {
	Project         string `json:"project" validate:"required"`
	Environment     string `json:"environment" validate:"required,oneof=staging production preview"`
	Version         string `json:"version" validate:"required"`
	Image           string `json:"image"`
	SkipHealthcheck bool   `json:"skip_healthcheck"`
}

func (d *Deps) toolDeploy(r *http.Request, raw json.RawMessage) (any, error) {
	var p deployParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	auth, err := d.requireProject(r, team.CapDeploy, p.Project)
	if err != nil {
		return nil, err
	}
	return d.withLock(r.Context(), p.Project, p.Environment, func() (any, error) {
		return d.Deploy.Deploy(r.Context(), deploy.Input{
			Project:         p.Project,
			Environment:     slot.Environment(p.Environment),
			Version:         p.Version,
			Image:           p.Image,
			TeamID:          auth.TeamID,
			DeployedBy:      auth.TokenID,
			SkipHealthcheck: p.SkipHealthcheck,
		})
	})
}

type promoteParams struct {
	Project          string `json:"project" validate:"required"`
	Environment      string `json:"environment" validate:"required,oneof=staging production preview"`
	GracePeriodHours int    `json:"grace_period_hours"`
}

func (d *Deps) toolPromote(r *http.Request, raw json.RawMessage) (any, error) {
	var p promoteParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	auth, err := d.requireProject(r, team.CapPromote, p.Project)
	if err != nil {
		return nil, err
	}
	grace := d.DefaultGracePeriod
	if p.GracePeriodHours > 0 {
		grace = time.Duration(p.GracePeriodHours) * time.Hour
	}
	return d.withLock(r.Context(), p.Project, p.Environment, func() (any, error) {
		return d.Promote.Promote(r.Context(), promote.Input{
			Project:     p.Project,
			Environment: slot.Environment(p.Environment),
			PromotedBy:  auth.TokenID,
			TeamID:      auth.TeamID,
			GracePeriod: grace,
		})
	})
}

type rollbackParams struct {
	Project     string `json:"project" validate:"required"`
	Environment string `json:"environment" validate:"required,oneof=staging production preview"`
	Reason      string `json:"reason"`
}

func (d *Deps) toolRollback(r *http.Request, raw json.RawMessage) (any, error) {
	var p rollbackParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	auth, err := d.requireProject(r, team.CapRollback, p.Project)
	if err != nil {
		return nil, err
	}
	return d.withLock(r.Context(), p.Project, p.Environment, func() (any, error) {
		return d.Rollback.Rollback(r.Context(), rollback.Input{
			Project:      p.Project,
			Environment:  slot.Environment(p.Environment),
			Reason:       p.Reason,
			RolledBackBy: auth.TokenID,
			TeamID:       auth.TeamID,
		})
	})
}

type slotCleanupParams struct {
	Project     string `json:"project" validate:"required"`
	Environment string `json:"environment" validate:"required,oneof=staging production preview"`
	Force       bool   `json:"force"`
}

func (d *Deps) toolSlotCleanup(r *http.Request, raw json.RawMessage) (any, error) {
	var p slotCleanupParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	auth, err := d.requireProject(r, team.CapCleanup, p.Project)
	if err != nil {
		return nil, err
	}
	return d.withLock(r.Context(), p.Project, p.Environment, func() (any, error) {
		return d.Cleanup.Cleanup(r.Context(), cleanup.Input{
			Project:     p.Project,
			Environment: slot.Environment(p.Environment),
			CleanedUpBy: auth.TokenID,
			TeamID:      auth.TeamID,
			Force:       p.Force,
		})
	})
}

type slotStatusParams struct {
	Project     string `json:"project" validate:"required"`
	Environment string `json:"environment" validate:"required,oneof=staging production preview"`
}

func (d *Deps) toolSlotStatus(r *http.Request, raw json.RawMessage) (any, error) {
	var p slotStatusParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if _, err := d.requireProject(r, team.CapReadSlotStatus, p.Project); err != nil {
		return nil, err
	}
	return d.Registry.Load(r.Context(), p.Project, slot.Environment(p.Environment))
}

type slotListParams struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func (d *Deps) toolSlotList(r *http.Request, raw json.RawMessage) (any, error) {
	var p slotListParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, codeberr.Wrap(codeberr.KindValidation, "parsing params", err)
		}
	}
	offset := offsetParamsOrDefault(p.Page, p.PageSize)

	auth, err := d.requireCapability(r, team.CapReadSlotStatus)
	if err != nil {
		return nil, err
	}
	all, err := d.Registry.List(r.Context())
	if err != nil {
		return nil, err
	}

	unlock, err := d.TeamStore.Lock(r.Context())
	if err != nil {
		return nil, err
	}
	doc, err := d.TeamStore.LoadLocked()
	unlock()
	if err != nil {
		return nil, err
	}
	tm, ok := doc.Teams[auth.TeamID]
	if !ok {
		return nil, codeberr.New(codeberr.KindNotFound, "caller's team no longer exists")
	}

	visible := make([]slot.Summary, 0, len(all))
	for _, s := range all {
		if team.AllowedProject(auth, tm, s.ProjectName) {
			visible = append(visible, s)
		}
	}

	return paginateSlice(visible, offset), nil
}

// offsetParamsOrDefault builds OffsetParams from tool-call fields rather
// than query-string values (list tools take page/page_size in the JSON
// params, not the URL, since spec §6 routes everything through one POST
// endpoint).
func offsetParamsOrDefault(page, pageSize int) OffsetParams {
	p := OffsetParams{Page: 1, PageSize: DefaultPageSize}
	if page > 0 {
		p.Page = page
	}
	if pageSize > 0 {
		if pageSize > MaxPageSize {
			pageSize = MaxPageSize
		}
		p.PageSize = pageSize
	}
	p.Offset = (p.Page - 1) * p.PageSize
	return p
}

func paginateSlice[T any](items []T, params OffsetParams) OffsetPage[T] {
	total := len(items)
	start := params.Offset
	if start > total {
		start = total
	}
	end := start + params.PageSize
	if end > total {
		end = total
	}
	return NewOffsetPage(items[start:end], params, total)
}

// --- team / member / token tools ---

type teamCreateParams struct {
	TeamID      string `json:"team_id" validate:"required"`
	DisplayName string `json:"display_name" validate:"required"`
	PlanTag     string `json:"plan_tag"`
	OwnerName   string `json:"owner_name" validate:"required"`
}

// teamCreateResult carries the newly minted owner secret back exactly
// once: it is never recoverable from the team registry afterward.
type teamCreateResult struct {
	Team       team.Team `json:"team"`
	OwnerToken string    `json:"owner_token"`
}

func (d *Deps) toolTeamCreate(r *http.Request, raw json.RawMessage) (any, error) {
	var p teamCreateParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if _, isBootstrap, err := d.authenticate(r); err != nil {
		return nil, err
	} else if !isBootstrap {
		return nil, codeberr.New(codeberr.KindForbidden, "team_create requires the bootstrap owner token")
	}

	tm, raw2, err := d.TeamSvc.CreateTeam(r.Context(), team.CreateTeamRequest{
		TeamID:      p.TeamID,
		DisplayName: p.DisplayName,
		PlanTag:     p.PlanTag,
		OwnerName:   p.OwnerName,
	}, time.Now())
	if err != nil {
		return nil, err
	}
	return teamCreateResult{Team: tm, OwnerToken: raw2}, nil
}

func (d *Deps) toolTeamList(r *http.Request, raw json.RawMessage) (any, error) {
	var p slotListParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, codeberr.Wrap(codeberr.KindValidation, "parsing params", err)
		}
	}
	if _, err := d.requireCapability(r, team.CapReadSlotStatus); err != nil {
		return nil, err
	}
	teams, err := d.TeamSvc.ListTeams(r.Context())
	if err != nil {
		return nil, err
	}
	return paginateSlice(teams, offsetParamsOrDefault(p.Page, p.PageSize)), nil
}

type teamGetParams struct {
	TeamID string `json:"team_id" validate:"required"`
}

func (d *Deps) toolTeamGet(r *http.Request, raw json.RawMessage) (any, error) {
	var p teamGetParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	auth, err := d.requireCapability(r, team.CapReadSlotStatus)
	if err != nil {
		return nil, err
	}
	if auth.TeamID != p.TeamID {
		return nil, codeberr.New(codeberr.KindForbidden, "cannot read another team")
	}
	return d.TeamSvc.GetTeam(r.Context(), p.TeamID)
}

type teamDeleteParams struct {
	TeamID string `json:"team_id" validate:"required"`
}

func (d *Deps) toolTeamDelete(r *http.Request, raw json.RawMessage) (any, error) {
	var p teamDeleteParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	auth, err := d.requireCapability(r, team.CapDeleteTeam)
	if err != nil {
		return nil, err
	}
	if auth.TeamID != p.TeamID {
		return nil, codeberr.New(codeberr.KindForbidden, "cannot delete another team")
	}
	if err := d.TeamSvc.DeleteTeam(r.Context(), auth, p.TeamID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type teamSettingsParams struct {
	TeamID   string        `json:"team_id" validate:"required"`
	Settings team.Settings `json:"settings"`
}

func (d *Deps) toolTeamSettings(r *http.Request, raw json.RawMessage) (any, error) {
	var p teamSettingsParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	auth, err := d.requireCapability(r, team.CapManageSettings)
	if err != nil {
		return nil, err
	}
	if auth.TeamID != p.TeamID {
		return nil, codeberr.New(codeberr.KindForbidden, "cannot manage another team's settings")
	}
	return d.TeamSvc.UpdateSettings(r.Context(), auth, p.TeamID, p.Settings)
}

type memberInviteParams struct {
	TeamID       string     `json:"team_id" validate:"required"`
	DisplayName  string     `json:"display_name" validate:"required"`
	Role         team.Role  `json:"role" validate:"required"`
	ProjectScope []string   `json:"project_scope"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// memberInviteResult carries the newly minted member secret back
// exactly once.
type memberInviteResult struct {
	Token  team.Token `json:"token"`
	Secret string     `json:"secret"`
}

func (d *Deps) toolMemberInvite(r *http.Request, raw json.RawMessage) (any, error) {
	var p memberInviteParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	auth, err := d.requireCapability(r, team.CapManageMembers)
	if err != nil {
		return nil, err
	}
	if auth.TeamID != p.TeamID {
		return nil, codeberr.New(codeberr.KindForbidden, "cannot invite into another team")
	}
	tok, secret, err := d.TeamSvc.InviteMember(r.Context(), auth, team.InviteMemberRequest{
		TeamID:       p.TeamID,
		DisplayName:  p.DisplayName,
		Role:         p.Role,
		ProjectScope: p.ProjectScope,
		ExpiresAt:    p.ExpiresAt,
	}, time.Now())
	if err != nil {
		return nil, err
	}
	return memberInviteResult{Token: tok, Secret: secret}, nil
}

type memberRemoveParams struct {
	TokenID string `json:"token_id" validate:"required"`
}

func (d *Deps) toolMemberRemove(r *http.Request, raw json.RawMessage) (any, error) {
	var p memberRemoveParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	auth, err := d.requireCapability(r, team.CapReadSlotStatus) // fine-grained check happens in RevokeToken itself
	if err != nil {
		return nil, err
	}
	if err := d.TeamSvc.RevokeToken(r.Context(), auth, p.TokenID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type memberListParams struct {
	TeamID string `json:"team_id" validate:"required"`
}

func (d *Deps) toolMemberList(r *http.Request, raw json.RawMessage) (any, error) {
	var p memberListParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	auth, err := d.requireCapability(r, team.CapReadSlotStatus)
	if err != nil {
		return nil, err
	}
	if auth.TeamID != p.TeamID {
		return nil, codeberr.New(codeberr.KindForbidden, "cannot list another team's members")
	}
	return d.TeamSvc.ListMembers(r.Context(), p.TeamID)
}
