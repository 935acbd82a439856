// Package promote implements the promote engine (spec C6): point the
// reverse proxy at the newly deployed slot and swap slot states. Shares
// pkg/deploy's service-over-store shape; the proxy idempotence check is
// a compare-then-write against the rendered site file.
package promote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeblabdev-max/codeb-server-sub006/internal/telemetry"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/audit"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/executor"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/healthcheck"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/proxysite"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/slot"
)

// Input describes one promote request (spec §4.6).
type Input struct {
	Project     string
	Environment slot.Environment
	PromotedBy  string
	TeamID      string
	GracePeriod time.Duration
}

// Result is the outcome of a Promote call.
type Result struct {
	Success    bool
	NewActive  slot.Name
	Previous   slot.Name
	GraceUntil time.Time
}

// Config wires the promote engine's environment-specific knobs.
type Config struct {
	ProxyServer    string // executor server name the Caddy process runs on
	AppHost        string // host/IP the health prober dials (Caddy's reverse_proxy target is always localhost on this same host)
	ProxySitesDir  string
	BaseDomain     string
	ReloadTimeout  time.Duration
	ReloadCmd      string // binary reloading Caddy, "caddy" in production
	HealthTimeout  time.Duration
	HealthInterval time.Duration
}

func (c Config) reloadCmd() string {
	if c.ReloadCmd == "" {
		return "caddy"
	}
	return c.ReloadCmd
}

// Engine runs the promote algorithm. As with deploy, the caller already
// holds the per-(project,environment) lock and has authorized the call.
type Engine struct {
	ex       *executor.Executor
	registry *slot.Registry
	auditW   *audit.Writer
	prober   healthcheck.Prober
	logger   *slog.Logger
	cfg      Config
}

// New builds a promote Engine.
func New(ex *executor.Executor, registry *slot.Registry, auditW *audit.Writer, prober healthcheck.Prober, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{ex: ex, registry: registry, auditW: auditW, prober: prober, logger: logger, cfg: cfg}
}

// Promote runs the algorithm described in spec §4.6: the new slot must
// already be deployed and healthy; the proxy is pointed at it; the new
// slot becomes active and the previously-active slot enters grace.
func (e *Engine) Promote(ctx context.Context, in Input) (Result, error) {
	begin := time.Now()
	outcome := "success"
	defer func() {
		telemetry.PromoteDuration.WithLabelValues(string(in.Environment), outcome).Observe(time.Since(begin).Seconds())
	}()

	fail := func(kind codeberr.Kind, name string, err error) (Result, error) {
		wrapped := codeberr.Wrap(kind, name, err)
		outcome = "failed"
		e.audit(ctx, in, "", "", time.Since(begin), false, wrapped.Error())
		return Result{Success: false}, wrapped
	}

	ps, err := e.registry.Load(ctx, in.Project, in.Environment)
	if err != nil {
		return fail(codeberr.KindOf(err), "load_registry", err)
	}

	current, hasCurrent := ps.Active()
	newSlot := ps.ActiveSlot.Other()
	if !hasCurrent {
		// No slot is active yet: the first promote after the first
		// deploy targets whatever slot holds the deployed build, which
		// is ps.ActiveSlot itself (mirrors pkg/deploy.chooseTarget's
		// placeholder reading of active_slot before any promote).
		newSlot = ps.ActiveSlot
	}
	newSlotDoc := ps.Get(newSlot)

	// Step: new slot must be deployed.
	if newSlotDoc.State != slot.StateDeployed {
		return fail(codeberr.KindNotDeployed, "check_deployed", fmt.Errorf("slot %q is %s, not deployed", newSlot, newSlotDoc.State))
	}

	// Step: re-verify health before committing traffic.
	healthCtx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
	healthy, herr := e.prober.Check(healthCtx, e.cfg.AppHost, newSlotDoc.Port)
	cancel()
	if herr != nil || !healthy {
		if herr == nil {
			herr = fmt.Errorf("slot %q on port %d is not healthy", newSlot, newSlotDoc.Port)
		}
		return fail(codeberr.KindUnhealthy, "reverify_health", herr)
	}

	// Step: render and write the proxy site, idempotently.
	domain := proxysite.Domain(in.Project, string(in.Environment), e.cfg.BaseDomain)
	intent := proxysite.ActiveIntent{
		Project:     in.Project,
		Environment: string(in.Environment),
		Slot:        string(newSlot),
		Port:        newSlotDoc.Port,
		Version:     newSlotDoc.Version,
		Domain:      domain,
	}
	siteText, err := proxysite.Render(intent)
	if err != nil {
		return fail(codeberr.KindInternal, "render_site", err)
	}
	sitePath := proxysite.FilePath(e.cfg.ProxySitesDir, in.Project, string(in.Environment))

	changed, err := e.writeIfChanged(ctx, sitePath, siteText)
	if err != nil {
		return fail(codeberr.KindTransport, "write_site", err)
	}

	// Step: reload the proxy only if the site file actually changed
	// (spec §8 L2 idempotence: a repeated promote of an already-active
	// slot must not flap the proxy).
	if changed {
		if _, err := e.ex.Exec(ctx, e.cfg.ProxyServer, executor.RemoteCommand{Name: e.cfg.reloadCmd(), Args: []string{"reload", "--config", e.cfg.ProxySitesDir}}, e.cfg.ReloadTimeout); err != nil {
			return fail(codeberr.KindTransport, "reload_proxy", err)
		}
	}

	// Step: swap slot states.
	now := time.Now()
	graceUntil := now.Add(in.GracePeriod)

	newSlotDoc.State = slot.StateActive
	newSlotDoc.PromotedAt = now
	newSlotDoc.PromotedBy = in.PromotedBy
	newSlotDoc.Health = slot.HealthHealthy
	ps.Set(newSlot, newSlotDoc)

	if hasCurrent {
		current.State = slot.StateGrace
		current.GraceExpiresAt = graceUntil
		ps.Set(current.Name, current)
	}
	ps.ActiveSlot = newSlot
	ps.LastUpdated = now

	if err := e.registry.Store(ctx, ps); err != nil {
		return fail(codeberr.KindOf(err), "store_registry", err)
	}

	var prevName slot.Name
	if hasCurrent {
		prevName = current.Name
	}
	e.audit(ctx, in, prevName, newSlot, time.Since(begin), true, "")

	return Result{Success: true, NewActive: newSlot, Previous: prevName, GraceUntil: graceUntil}, nil
}

// writeIfChanged compares the rendered site text to what's already on
// disk before writing, so a repeated promote of the already-active slot
// neither rewrites the file nor triggers a reload.
func (e *Engine) writeIfChanged(ctx context.Context, path, text string) (changed bool, err error) {
	// A read failure (including "doesn't exist yet") just means there is
	// nothing to compare against; fall through and write unconditionally.
	if existing, rerr := e.ex.ReadFile(ctx, e.cfg.ProxyServer, path); rerr == nil && bytes.Equal(existing, []byte(text)) {
		return false, nil
	}
	if err := e.ex.WriteFile(ctx, e.cfg.ProxyServer, path, []byte(text)); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) audit(ctx context.Context, in Input, from, to slot.Name, dur time.Duration, success bool, errMsg string) {
	e.auditW.Log(audit.Entry{
		Timestamp:   time.Now(),
		Project:     in.Project,
		Environment: string(in.Environment),
		EventType:   audit.EventPromote,
		FromSlot:    string(from),
		ToSlot:      string(to),
		TokenID:     in.PromotedBy,
		TeamID:      in.TeamID,
		Duration:    dur,
		Success:     success,
		Error:       errMsg,
	})
}
