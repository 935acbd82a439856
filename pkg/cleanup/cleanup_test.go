package cleanup

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/audit"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/executor"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/slot"
)

func newTestEngine(t *testing.T) (*Engine, *slot.Registry) {
	t.Helper()
	base := t.TempDir()

	ex, err := executor.New(executor.Config{
		Servers:                []executor.ServerDef{{Name: "app", Host: "127.0.0.1"}},
		LocalServerName:        "app",
		MaxConcurrentPerServer: 4,
	})
	if err != nil {
		t.Fatalf("executor.New() error: %v", err)
	}

	registry := slot.NewRegistry(base)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	auditW := audit.NewWriter(base, logger)

	cfg := Config{
		BaseDir:        base,
		AppServer:      "app",
		DaemonTimeout:  5 * time.Second,
		UnitManagerBin: "true",
	}
	return New(ex, registry, auditW, logger, cfg), registry
}

func graceDoc(project string, env slot.Environment, expiresAt time.Time) slot.ProjectSlots {
	return slot.ProjectSlots{
		ProjectName: project,
		Environment: env,
		ActiveSlot:  slot.Green,
		Blue:        slot.Slot{Name: slot.Blue, State: slot.StateGrace, Port: 4000, Version: "v1", Health: slot.HealthHealthy, GraceExpiresAt: expiresAt},
		Green:       slot.Slot{Name: slot.Green, State: slot.StateActive, Port: 4001, Version: "v2", Health: slot.HealthHealthy},
	}
}

func TestCleanupReclaimsExpiredGraceSlot(t *testing.T) {
	e, registry := newTestEngine(t)
	ctx := context.Background()
	if err := registry.Store(ctx, graceDoc("shop", slot.EnvProduction, time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	res, err := e.Cleanup(ctx, Input{Project: "shop", Environment: slot.EnvProduction})
	if err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if !res.Cleaned || res.Slot != slot.Blue {
		t.Fatalf("Cleanup() = %+v, want Cleaned=true Slot=blue", res)
	}

	ps, _ := registry.Load(ctx, "shop", slot.EnvProduction)
	if ps.Blue.State != slot.StateEmpty || ps.Blue.Version != "" {
		t.Errorf("Blue = %+v, want empty with no version", ps.Blue)
	}
	if ps.Blue.Port != 4000 {
		t.Errorf("Blue.Port = %d, want 4000 (ports persist across empty)", ps.Blue.Port)
	}
}

func TestCleanupRefusesBeforeGraceExpiry(t *testing.T) {
	e, registry := newTestEngine(t)
	ctx := context.Background()
	if err := registry.Store(ctx, graceDoc("shop", slot.EnvProduction, time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	_, err := e.Cleanup(ctx, Input{Project: "shop", Environment: slot.EnvProduction})
	if codeberr.KindOf(err) != codeberr.KindTargetBusy {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindTargetBusy)
	}
}

func TestCleanupForceIgnoresGraceExpiry(t *testing.T) {
	e, registry := newTestEngine(t)
	ctx := context.Background()
	if err := registry.Store(ctx, graceDoc("shop", slot.EnvProduction, time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	res, err := e.Cleanup(ctx, Input{Project: "shop", Environment: slot.EnvProduction, Force: true})
	if err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if !res.Cleaned {
		t.Errorf("expected forced cleanup to succeed")
	}
}

func TestCleanupNoGraceSlot(t *testing.T) {
	e, registry := newTestEngine(t)
	ctx := context.Background()
	doc := slot.ProjectSlots{
		ProjectName: "shop",
		Environment: slot.EnvProduction,
		ActiveSlot:  slot.Blue,
		Blue:        slot.Slot{Name: slot.Blue, State: slot.StateActive, Port: 4000, Version: "v1", Health: slot.HealthHealthy},
		Green:       slot.Slot{Name: slot.Green, State: slot.StateEmpty, Port: 4001},
	}
	if err := registry.Store(ctx, doc); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	_, err := e.Cleanup(ctx, Input{Project: "shop", Environment: slot.EnvProduction})
	if codeberr.KindOf(err) != codeberr.KindNotFound {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindNotFound)
	}
}

func TestRunPeriodicScanReclaimsAcrossProjects(t *testing.T) {
	e, registry := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if err := registry.Store(ctx, graceDoc("shop", slot.EnvProduction, time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	blog := graceDoc("blog", slot.EnvStaging, time.Now().Add(time.Hour))
	blog.Blue.Port, blog.Green.Port = 3000, 3001
	if err := registry.Store(ctx, blog); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	RunPeriodicScan(ctx, e, logger, time.Hour) // single initial scan, loop exits on ctx timeout

	ps, _ := registry.Load(context.Background(), "shop", slot.EnvProduction)
	if ps.Blue.State != slot.StateEmpty {
		t.Errorf("shop/production Blue.State = %v, want empty", ps.Blue.State)
	}
	ps2, _ := registry.Load(context.Background(), "blog", slot.EnvStaging)
	if ps2.Blue.State != slot.StateGrace {
		t.Errorf("blog/staging Blue.State = %v, want still grace (not yet expired)", ps2.Blue.State)
	}
}
