// Package deploy implements the deploy engine (spec C5): render a Quadlet
// unit for the inactive slot, start it, wait for health, and record the
// outcome in the slot registry. A service-over-store shape with a
// multi-step algorithm and early-return failure branches at each step.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeblabdev-max/codeb-server-sub006/internal/telemetry"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/audit"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/executor"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/healthcheck"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/portledger"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/quadlet"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/slot"
)

// Input describes one deploy request (spec §4.5's parameters).
type Input struct {
	Project         string
	Environment     slot.Environment
	Version         string
	Image           string // overrides the default ghcr.io/{org}/{project}:{version} reference
	TeamID          string
	DeployedBy      string // token id
	SkipHealthcheck bool
}

// StepResult records one named step of the algorithm for the step-trace
// returned to the caller (spec §6 deploy response shape).
type StepResult struct {
	Name     string
	Status   string // ok, failed, skipped
	Duration time.Duration
	Error    string
}

// Result is the outcome of a Deploy call.
type Result struct {
	Success bool
	Slot    slot.Name
	Port    int
	Health  slot.Health
	Steps   []StepResult
}

// Config wires the deploy engine's environment-specific knobs.
type Config struct {
	BaseDir        string
	ImageOrg       string
	AppServer      string        // executor server name to run podman/systemctl commands on
	AppServerHost  string        // host/IP the health prober dials
	DaemonTimeout  time.Duration // timeout for systemctl daemon-reload / start / stop
	HealthSettle   time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	MemoryMB       int
	CPUs           string

	// UnitManagerBin is the binary invoked for daemon-reload/start/stop,
	// "systemctl" in production. Overridable so tests can exercise the
	// full step sequence against a harmless stand-in binary instead of a
	// real unit manager.
	UnitManagerBin string
}

func (c Config) unitManagerBin() string {
	if c.UnitManagerBin == "" {
		return "systemctl"
	}
	return c.UnitManagerBin
}

// Engine runs the deploy algorithm. The caller (the HTTP handler, via
// pkg/control) is responsible for holding the per-(project,environment)
// lock across the whole call and for authorization; Engine assumes both
// already happened.
type Engine struct {
	ex       *executor.Executor
	ports    *portledger.Ledger
	registry *slot.Registry
	auditW   *audit.Writer
	prober   healthcheck.Prober
	logger   *slog.Logger
	cfg      Config
}

// New builds a deploy Engine.
func New(ex *executor.Executor, ports *portledger.Ledger, registry *slot.Registry, auditW *audit.Writer, prober healthcheck.Prober, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{ex: ex, ports: ports, registry: registry, auditW: auditW, prober: prober, logger: logger, cfg: cfg}
}

// chooseTarget picks the slot a deploy should land on (spec §4.5 step 2).
// When a slot is genuinely active, the target is the other one — the
// usual "deploy to the idle slot" case. Before any promote has ever
// happened, no slot carries state active yet; active_slot is then only a
// placeholder naming the slot the first deploy should land on (spec §4.5
// step 1's "construct an initial ProjectSlots with active_slot = blue"),
// so the target is that placeholder itself rather than its Other().
func chooseTarget(p slot.ProjectSlots) slot.Name {
	if active, ok := p.Active(); ok {
		return active.Name.Other()
	}
	return p.ActiveSlot
}

func step(steps *[]StepResult, name string, start time.Time, err error) {
	r := StepResult{Name: name, Duration: time.Since(start), Status: "ok"}
	if err != nil {
		r.Status = "failed"
		r.Error = err.Error()
	}
	*steps = append(*steps, r)
}

// Deploy runs the full algorithm described in spec §4.5.
func (e *Engine) Deploy(ctx context.Context, in Input) (Result, error) {
	begin := time.Now()
	var steps []StepResult
	outcome := "success"
	defer func() {
		telemetry.DeployDuration.WithLabelValues(string(in.Environment), outcome).Observe(time.Since(begin).Seconds())
	}()

	fail := func(kind codeberr.Kind, name string, start time.Time, err error) (Result, error) {
		wrapped := codeberr.Wrap(kind, name, err)
		step(&steps, name, start, wrapped)
		outcome = "failed"
		e.audit(ctx, in, "", 0, time.Since(begin), false, wrapped.Error())
		return Result{Success: false, Steps: steps}, wrapped
	}

	// Step 1: load or bootstrap the registry document.
	t := time.Now()
	ps, err := e.registry.Load(ctx, in.Project, in.Environment)
	if codeberr.Is(err, codeberr.KindNotFound) {
		blue, green, perr := e.ports.AllocatePair(ctx, portledger.Environment(in.Environment))
		if perr != nil {
			return fail(codeberr.KindOf(perr), "allocate_ports", t, perr)
		}
		ps = slot.ProjectSlots{
			ProjectName: in.Project,
			Environment: in.Environment,
			ActiveSlot:  slot.Blue,
			Blue:        slot.Slot{Name: slot.Blue, State: slot.StateEmpty, Port: blue, Health: slot.HealthUnknown},
			Green:       slot.Slot{Name: slot.Green, State: slot.StateEmpty, Port: green, Health: slot.HealthUnknown},
		}
		step(&steps, "load_or_create_registry", t, nil)
	} else if err != nil {
		return fail(codeberr.KindOf(err), "load_registry", t, err)
	} else {
		step(&steps, "load_or_create_registry", t, nil)
	}

	// Step 2-3: choose target, reject if busy.
	target := chooseTarget(ps)
	targetSlot := ps.Get(target)
	if targetSlot.State == slot.StateActive || targetSlot.State == slot.StateGrace {
		return fail(codeberr.KindTargetBusy, "choose_target", time.Now(), fmt.Errorf("slot %q is %s", target, targetSlot.State))
	}

	// Step 4: resolve the image reference.
	version := in.Version
	image := in.Image
	if image == "" {
		image = fmt.Sprintf("ghcr.io/%s/%s:%s", e.cfg.ImageOrg, in.Project, version)
	}

	// Step 5: render the Quadlet unit.
	t = time.Now()
	intent := quadlet.SlotIntent{
		Project:     in.Project,
		Environment: string(in.Environment),
		Slot:        string(target),
		Port:        targetSlot.Port,
		Image:       image,
		Version:     version,
		Team:        in.TeamID,
		EnvFilePath: quadlet.EnvFilePath(e.cfg.BaseDir, in.Project, string(in.Environment)),
		MemoryMB:    e.cfg.MemoryMB,
		CPUs:        e.cfg.CPUs,
	}
	unitText, err := quadlet.Render(intent)
	if err != nil {
		return fail(codeberr.KindQuadletWriteFailed, "render_unit", t, err)
	}
	step(&steps, "render_unit", t, nil)

	unitPath := quadlet.FilePath(e.cfg.BaseDir, intent)

	// Step 6: write, reload, stop-if-running, start.
	t = time.Now()
	if err := e.ex.WriteFile(ctx, e.cfg.AppServer, unitPath, []byte(unitText)); err != nil {
		return fail(codeberr.KindQuadletWriteFailed, "write_unit", t, err)
	}
	step(&steps, "write_unit", t, nil)

	t = time.Now()
	if _, err := e.ex.Exec(ctx, e.cfg.AppServer, executor.RemoteCommand{Name: e.cfg.unitManagerBin(), Args: []string{"--user", "daemon-reload"}}, e.cfg.DaemonTimeout); err != nil {
		e.cleanupUnit(ctx, intent, unitPath)
		return fail(codeberr.KindDaemonReloadFailed, "daemon_reload", t, err)
	}
	step(&steps, "daemon_reload", t, nil)

	unitService := intent.UnitName() + ".service"
	t = time.Now()
	_, _ = e.ex.Exec(ctx, e.cfg.AppServer, executor.RemoteCommand{Name: e.cfg.unitManagerBin(), Args: []string{"--user", "stop", unitService}}, e.cfg.DaemonTimeout)
	step(&steps, "ensure_stopped", t, nil)

	t = time.Now()
	if _, err := e.ex.Exec(ctx, e.cfg.AppServer, executor.RemoteCommand{Name: e.cfg.unitManagerBin(), Args: []string{"--user", "start", unitService}}, e.cfg.DaemonTimeout); err != nil {
		e.cleanupUnit(ctx, intent, unitPath)
		return fail(codeberr.KindStartFailed, "start_unit", t, err)
	}
	step(&steps, "start_unit", t, nil)

	// Step 7: health wait.
	t = time.Now()
	health := slot.HealthHealthy
	if in.SkipHealthcheck {
		steps = append(steps, StepResult{Name: "health_wait", Status: "skipped"})
	} else {
		healthCtx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
		healthy, herr := healthcheck.PollUntilHealthy(healthCtx, e.prober, e.cfg.AppServerHost, targetSlot.Port, e.cfg.HealthSettle, e.cfg.HealthInterval)
		cancel()
		telemetry.HealthCheckTotal.WithLabelValues(healthOutcome(healthy)).Inc()
		if !healthy {
			e.cleanupUnit(ctx, intent, unitPath)
			if herr == nil {
				herr = fmt.Errorf("slot %q on port %d never reported healthy", target, targetSlot.Port)
			}
			return fail(codeberr.KindHealthTimeout, "health_wait", t, herr)
		}
		step(&steps, "health_wait", t, nil)
	}

	// Step 9: record the new state.
	now := time.Now()
	targetSlot.State = slot.StateDeployed
	targetSlot.Version = version
	targetSlot.Image = image
	targetSlot.DeployedAt = now
	targetSlot.DeployedBy = in.DeployedBy
	targetSlot.Health = health
	ps.Set(target, targetSlot)
	ps.LastUpdated = now

	t = time.Now()
	if err := e.registry.Store(ctx, ps); err != nil {
		return fail(codeberr.KindOf(err), "store_registry", t, err)
	}
	step(&steps, "store_registry", t, nil)

	e.audit(ctx, in, target, targetSlot.Port, time.Since(begin), true, "")

	return Result{Success: true, Slot: target, Port: targetSlot.Port, Health: health, Steps: steps}, nil
}

// cleanupUnit best-effort stops and removes a unit written this call,
// per spec §4.5 step 8: "on any step failure after step 5, best-effort
// stop the unit and clear the written unit file."
func (e *Engine) cleanupUnit(ctx context.Context, intent quadlet.SlotIntent, unitPath string) {
	unitService := intent.UnitName() + ".service"
	_, _ = e.ex.Exec(ctx, e.cfg.AppServer, executor.RemoteCommand{Name: e.cfg.unitManagerBin(), Args: []string{"--user", "stop", unitService}}, e.cfg.DaemonTimeout)
	_, _ = e.ex.Exec(ctx, e.cfg.AppServer, executor.RemoteCommand{Name: "rm", Args: []string{"-f", unitPath}}, e.cfg.DaemonTimeout)
}

func (e *Engine) audit(ctx context.Context, in Input, target slot.Name, port int, dur time.Duration, success bool, errMsg string) {
	e.auditW.Log(audit.Entry{
		Timestamp:   time.Now(),
		Project:     in.Project,
		Environment: string(in.Environment),
		EventType:   audit.EventDeploy,
		ToSlot:      string(target),
		ToVersion:   in.Version,
		TokenID:     in.DeployedBy,
		TeamID:      in.TeamID,
		Duration:    dur,
		Success:     success,
		Error:       errMsg,
	})
}

func healthOutcome(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}
