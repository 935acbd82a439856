// Package rollback implements the rollback engine (spec C7): point the
// proxy back at the slot still in grace and swap states back. Mirrors
// pkg/promote's swap logic in the opposite direction.
package rollback

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

// Input describes one rollback request (spec §4.7).
type Input struct {
	Project      string
	Environment  slot.Environment
	Reason       string
	RolledBackBy string
	TeamID       string
}

// Result is the outcome of a Rollback call.
type Result struct {
	Success   bool
	NewActive slot.Name
	Reverted  slot.Name
}

// Config wires the rollback engine's environment-specific knobs.
type Config struct {
	ProxyServer   string
	AppHost       string
	ProxySitesDir string
	BaseDomain    string
	ReloadTimeout time.Duration
	ReloadCmd     string
	HealthTimeout time.Duration
}

func (c Config) reloadCmd() string {
	if c.ReloadCmd == "" {
		return "caddy"
	}
	return c.ReloadCmd
}

// Engine runs the rollback algorithm.
type Engine struct {
	ex       *executor.Executor
	registry *slot.Registry
	auditW   *audit.Writer
	prober   healthcheck.Prober
	logger   *slog.Logger
	cfg      Config
}

// New builds a rollback Engine.
func New(ex *executor.Executor, registry *slot.Registry, auditW *audit.Writer, prober healthcheck.Prober, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{ex: ex, registry: registry, auditW: auditW, prober: prober, logger: logger, cfg: cfg}
}

// Rollback runs the algorithm described in spec §4.7: the previously
// active slot must still be in grace; once re-verified healthy, the
// proxy is pointed back at it and the states swap back.
func (e *Engine) Rollback(ctx context.Context, in Input) (Result, error) {
	begin := time.Now()
	outcome := "success"
	defer func() {
		telemetry.RollbackDuration.WithLabelValues(string(in.Environment), outcome).Observe(time.Since(begin).Seconds())
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
	if !hasCurrent {
		return fail(codeberr.KindNoPreviousVersion, "check_active", fmt.Errorf("no slot is active for %s/%s", in.Project, in.Environment))
	}
	prevName := current.Name.Other()
	prev := ps.Get(prevName)

	if prev.State != slot.StateGrace {
		return fail(codeberr.KindNoPreviousVersion, "check_previous", fmt.Errorf("slot %q is %s, not grace", prevName, prev.State))
	}

	healthCtx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
	healthy, herr := e.prober.Check(healthCtx, e.cfg.AppHost, prev.Port)
	cancel()
	if herr != nil || !healthy {
		if herr == nil {
			herr = fmt.Errorf("slot %q on port %d is not healthy", prevName, prev.Port)
		}
		return fail(codeberr.KindPreviousUnhealthy, "reverify_previous_health", herr)
	}

	domain := proxysite.Domain(in.Project, string(in.Environment), e.cfg.BaseDomain)
	intent := proxysite.ActiveIntent{
		Project:     in.Project,
		Environment: string(in.Environment),
		Slot:        string(prevName),
		Port:        prev.Port,
		Version:     prev.Version,
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
	if changed {
		if _, err := e.ex.Exec(ctx, e.cfg.ProxyServer, executor.RemoteCommand{Name: e.cfg.reloadCmd(), Args: []string{"reload", "--config", e.cfg.ProxySitesDir}}, e.cfg.ReloadTimeout); err != nil {
			return fail(codeberr.KindTransport, "reload_proxy", err)
		}
	}

	now := time.Now()
	prev.State = slot.StateActive
	prev.RolledBackAt = now
	prev.RolledBackBy = in.RolledBackBy
	prev.GraceExpiresAt = time.Time{}
	prev.Health = slot.HealthHealthy
	ps.Set(prevName, prev)

	current.State = slot.StateDeployed
	current.GraceExpiresAt = time.Time{}
	ps.Set(current.Name, current)

	ps.ActiveSlot = prevName
	ps.LastUpdated = now

	if err := e.registry.Store(ctx, ps); err != nil {
		return fail(codeberr.KindOf(err), "store_registry", err)
	}

	e.audit(ctx, in, current.Name, prevName, time.Since(begin), true, "")

	return Result{Success: true, NewActive: prevName, Reverted: current.Name}, nil
}

func (e *Engine) writeIfChanged(ctx context.Context, path, text string) (changed bool, err error) {
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
		EventType:   audit.EventRollback,
		FromSlot:    string(from),
		ToSlot:      string(to),
		Reason:      in.Reason,
		TokenID:     in.RolledBackBy,
		TeamID:      in.TeamID,
		Duration:    dur,
		Success:     success,
		Error:       errMsg,
	})
}
