// Package cleanup implements the cleanup engine (spec C8): stop and
// remove a grace-period slot's unit once its grace window has elapsed
// (or unconditionally when forced), freeing it back to empty. The
// periodic scan loop is a ticker driving a per-entity scan with
// best-effort continue-on-error.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeblabdev-max/codeb-server-sub006/internal/telemetry"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/audit"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/executor"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/quadlet"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/slot"
)

// Input describes one cleanup request (spec §4.8). Force skips the
// grace-expiry check and tears the slot down immediately; it is never
// allowed to touch a slot in state active.
type Input struct {
	Project     string
	Environment slot.Environment
	CleanedUpBy string
	TeamID      string
	Force       bool
}

// Result is the outcome of a Cleanup call.
type Result struct {
	Cleaned bool
	Slot    slot.Name
}

// Config wires the cleanup engine's environment-specific knobs.
type Config struct {
	BaseDir        string
	AppServer      string
	DaemonTimeout  time.Duration
	UnitManagerBin string
}

func (c Config) unitManagerBin() string {
	if c.UnitManagerBin == "" {
		return "systemctl"
	}
	return c.UnitManagerBin
}

// Engine runs the cleanup algorithm.
type Engine struct {
	ex       *executor.Executor
	registry *slot.Registry
	auditW   *audit.Writer
	logger   *slog.Logger
	cfg      Config
}

// New builds a cleanup Engine.
func New(ex *executor.Executor, registry *slot.Registry, auditW *audit.Writer, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{ex: ex, registry: registry, auditW: auditW, logger: logger, cfg: cfg}
}

// Cleanup runs the algorithm in spec §4.8: identify the grace slot,
// refuse if it is not past its grace window (unless forced), tear down
// its unit, and mark it empty while preserving its allocated port.
func (e *Engine) Cleanup(ctx context.Context, in Input) (Result, error) {
	begin := time.Now()
	outcome := "success"
	defer func() {
		telemetry.CleanupDuration.WithLabelValues(string(in.Environment), outcome).Observe(time.Since(begin).Seconds())
	}()

	fail := func(kind codeberr.Kind, name string, err error) (Result, error) {
		wrapped := codeberr.Wrap(kind, name, err)
		outcome = "failed"
		e.audit(ctx, in, "", time.Since(begin), false, wrapped.Error())
		return Result{}, wrapped
	}

	ps, err := e.registry.Load(ctx, in.Project, in.Environment)
	if err != nil {
		return fail(codeberr.KindOf(err), "load_registry", err)
	}

	target, targetSlot, found := graceSlot(ps)
	if !found {
		return fail(codeberr.KindNotFound, "find_grace_slot", fmt.Errorf("no slot in grace for %s/%s", in.Project, in.Environment))
	}
	if !in.Force && time.Now().Before(targetSlot.GraceExpiresAt) {
		return fail(codeberr.KindTargetBusy, "check_grace_expiry", fmt.Errorf("slot %q grace period has not elapsed yet", target))
	}

	intent := quadlet.SlotIntent{Project: in.Project, Environment: string(in.Environment), Slot: string(target)}
	unitPath := quadlet.FilePath(e.cfg.BaseDir, intent)
	unitService := intent.UnitName() + ".service"

	_, _ = e.ex.Exec(ctx, e.cfg.AppServer, executor.RemoteCommand{Name: e.cfg.unitManagerBin(), Args: []string{"--user", "stop", unitService}}, e.cfg.DaemonTimeout)
	_, _ = e.ex.Exec(ctx, e.cfg.AppServer, executor.RemoteCommand{Name: "rm", Args: []string{"-f", unitPath}}, e.cfg.DaemonTimeout)
	_, _ = e.ex.Exec(ctx, e.cfg.AppServer, executor.RemoteCommand{Name: e.cfg.unitManagerBin(), Args: []string{"--user", "daemon-reload"}}, e.cfg.DaemonTimeout)

	port := targetSlot.Port // ports persist across empty (spec §4.8 step 5): releasing is a separate administrative action
	ps.Set(target, slot.Slot{Name: target, State: slot.StateEmpty, Port: port, Health: slot.HealthUnknown})
	ps.LastUpdated = time.Now()

	if err := e.registry.Store(ctx, ps); err != nil {
		return fail(codeberr.KindOf(err), "store_registry", err)
	}

	e.audit(ctx, in, target, time.Since(begin), true, "")
	return Result{Cleaned: true, Slot: target}, nil
}

func graceSlot(ps slot.ProjectSlots) (slot.Name, slot.Slot, bool) {
	if ps.Blue.State == slot.StateGrace {
		return slot.Blue, ps.Blue, true
	}
	if ps.Green.State == slot.StateGrace {
		return slot.Green, ps.Green, true
	}
	return "", slot.Slot{}, false
}

func (e *Engine) audit(ctx context.Context, in Input, target slot.Name, dur time.Duration, success bool, errMsg string) {
	e.auditW.Log(audit.Entry{
		Timestamp:   time.Now(),
		Project:     in.Project,
		Environment: string(in.Environment),
		EventType:   audit.EventCleanup,
		FromSlot:    string(target),
		TokenID:     in.CleanedUpBy,
		TeamID:      in.TeamID,
		Duration:    dur,
		Success:     success,
		Error:       errMsg,
	})
}

// RunPeriodicScan walks every known registry and cleans up any
// past-grace slot it finds, logging and continuing past individual
// failures rather than letting one project's trouble stop the sweep.
func RunPeriodicScan(ctx context.Context, e *Engine, logger *slog.Logger, interval time.Duration) {
	logger.Info("cleanup scan loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	scanOnce(ctx, e, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup scan loop stopped")
			return
		case <-ticker.C:
			scanOnce(ctx, e, logger)
		}
	}
}

func scanOnce(ctx context.Context, e *Engine, logger *slog.Logger) {
	summaries, err := e.registry.List(ctx)
	if err != nil {
		logger.Error("cleanup scan: listing registries", "error", err)
		return
	}
	for _, s := range summaries {
		res, err := e.Cleanup(ctx, Input{Project: s.ProjectName, Environment: s.Environment, CleanedUpBy: "system:cleanup-scan"})
		if err != nil {
			if codeberr.KindOf(err) != codeberr.KindNotFound && codeberr.KindOf(err) != codeberr.KindTargetBusy {
				logger.Error("cleanup scan failed", "project", s.ProjectName, "environment", s.Environment, "error", err)
			}
			continue
		}
		if res.Cleaned {
			logger.Info("cleanup scan reclaimed slot", "project", s.ProjectName, "environment", s.Environment, "slot", res.Slot)
		}
	}
}
