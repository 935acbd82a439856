// Package reconcile implements the reconciliation walk (spec.md §9
// "Reconciliation"): on startup, and on demand, diff every registry's
// notion of which slot is active against the Caddy site file actually
// observed on disk. Divergences are published on the control-loop's
// Redis channel and recorded as audit events; they are never
// auto-repaired (DESIGN.md Open Question decision 1). Loop shape
// grounded on pkg/roster/worker.go's RunScheduleTopUpLoop.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeblabdev-max/codeb-server-sub006/internal/telemetry"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/audit"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/control"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/executor"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/proxysite"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/slot"
)

// Config wires the reconciler's fleet-specific knobs.
type Config struct {
	ProxyServer   string
	ProxySitesDir string
}

// Walker performs one reconciliation pass over every known registry.
type Walker struct {
	ex       *executor.Executor
	registry *slot.Registry
	locker   *control.Locker
	auditW   *audit.Writer
	logger   *slog.Logger
	cfg      Config
}

// New builds a Walker.
func New(ex *executor.Executor, registry *slot.Registry, locker *control.Locker, auditW *audit.Writer, logger *slog.Logger, cfg Config) *Walker {
	return &Walker{ex: ex, registry: registry, locker: locker, auditW: auditW, logger: logger, cfg: cfg}
}

// Walk diffs state == active against the observed proxy site file for
// every (project, environment) pair in the registry, reporting but never
// correcting any mismatch it finds.
func (w *Walker) Walk(ctx context.Context) error {
	summaries, err := w.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("listing registries for reconciliation: %w", err)
	}

	for _, s := range summaries {
		if s.ActiveSlot == "" {
			continue
		}
		if err := w.checkOne(ctx, s.ProjectName, s.Environment, s.ActiveSlot); err != nil {
			w.logger.Error("reconciliation check failed", "project", s.ProjectName, "environment", s.Environment, "error", err)
		}
	}
	return nil
}

func (w *Walker) checkOne(ctx context.Context, project string, env slot.Environment, activeSlot slot.Name) error {
	ps, err := w.registry.Load(ctx, project, env)
	if err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}
	active := ps.Get(activeSlot)

	sitePath := proxysite.FilePath(w.cfg.ProxySitesDir, project, string(env))
	b, err := w.ex.ReadFile(ctx, w.cfg.ProxyServer, sitePath)
	if err != nil {
		return w.diverge(ctx, project, env, fmt.Sprintf("no observable proxy site file at %s: %v", sitePath, err))
	}

	observedPort := fmt.Sprintf("localhost:%d", active.Port)
	if !strings.Contains(string(b), observedPort) {
		return w.diverge(ctx, project, env, fmt.Sprintf("site file does not point at registry's active slot %q (port %d)", activeSlot, active.Port))
	}
	return nil
}

func (w *Walker) diverge(ctx context.Context, project string, env slot.Environment, detail string) error {
	telemetry.ReconcileDivergenceTotal.WithLabelValues(project, string(env)).Inc()
	w.auditW.Log(audit.Entry{
		Timestamp:   time.Now(),
		Project:     project,
		Environment: string(env),
		EventType:   audit.EventReconcile,
		Success:     false,
		Error:       detail,
	})
	if w.locker != nil {
		if err := w.locker.PublishDivergence(ctx, control.DivergenceEvent{Project: project, Environment: string(env), Detail: detail}); err != nil {
			w.logger.Warn("publishing divergence event", "error", err, "project", project, "environment", env)
		}
	}
	return nil
}

// RunStartupWalk runs one pass immediately, logging but not failing
// startup if it errors — reconciliation is observability, not a
// readiness precondition.
func RunStartupWalk(ctx context.Context, w *Walker, logger *slog.Logger) {
	if err := w.Walk(ctx); err != nil {
		logger.Error("startup reconciliation walk", "error", err)
	}
}

// RunPeriodicWalk repeats Walk on interval until ctx is cancelled.
func RunPeriodicWalk(ctx context.Context, w *Walker, logger *slog.Logger, interval time.Duration) {
	logger.Info("reconciliation walk loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("reconciliation walk loop stopped")
			return
		case <-ticker.C:
			if err := w.Walk(ctx); err != nil {
				logger.Error("reconciliation walk", "error", err)
			}
		}
	}
}
