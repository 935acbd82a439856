package rollback

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

type fakeProber struct{ healthy bool }

func (f fakeProber) Check(ctx context.Context, host string, port int) (bool, error) {
	return f.healthy, nil
}

func newTestEngine(t *testing.T, healthy bool) (*Engine, *slot.Registry) {
	t.Helper()
	base := t.TempDir()

	ex, err := executor.New(executor.Config{
		Servers:                []executor.ServerDef{{Name: "proxy", Host: "127.0.0.1"}},
		LocalServerName:        "proxy",
		MaxConcurrentPerServer: 4,
	})
	if err != nil {
		t.Fatalf("executor.New() error: %v", err)
	}

	registry := slot.NewRegistry(base)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	auditW := audit.NewWriter(base, logger)

	cfg := Config{
		ProxyServer:   "proxy",
		AppHost:       "127.0.0.1",
		ProxySitesDir: base + "/sites",
		BaseDomain:    "codeb.example",
		ReloadTimeout: 5 * time.Second,
		ReloadCmd:     "true",
		HealthTimeout: time.Second,
	}
	return New(ex, registry, auditW, fakeProber{healthy: healthy}, logger, cfg), registry
}

func postPromoteDoc(project string, env slot.Environment) slot.ProjectSlots {
	return slot.ProjectSlots{
		ProjectName: project,
		Environment: env,
		ActiveSlot:  slot.Green,
		Blue:        slot.Slot{Name: slot.Blue, State: slot.StateGrace, Port: 4000, Version: "v1", Health: slot.HealthHealthy, GraceExpiresAt: time.Now().Add(time.Hour)},
		Green:       slot.Slot{Name: slot.Green, State: slot.StateActive, Port: 4001, Version: "v2", Health: slot.HealthHealthy},
	}
}

func TestRollbackSwapsBackToGraceSlot(t *testing.T) {
	e, registry := newTestEngine(t, true)
	ctx := context.Background()
	if err := registry.Store(ctx, postPromoteDoc("shop", slot.EnvProduction)); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	res, err := e.Rollback(ctx, Input{Project: "shop", Environment: slot.EnvProduction, Reason: "smoke test failed", RolledBackBy: "tok_x"})
	if err != nil {
		t.Fatalf("Rollback() error: %v", err)
	}
	if res.NewActive != slot.Blue || res.Reverted != slot.Green {
		t.Fatalf("Rollback() = %+v, want NewActive=blue Reverted=green", res)
	}

	ps, _ := registry.Load(ctx, "shop", slot.EnvProduction)
	if ps.ActiveSlot != slot.Blue || ps.Blue.State != slot.StateActive || !ps.Blue.GraceExpiresAt.IsZero() || ps.Blue.RolledBackAt.IsZero() {
		t.Errorf("Blue = %+v", ps.Blue)
	}
	if ps.Green.State != slot.StateDeployed {
		t.Errorf("Green = %+v", ps.Green)
	}
}

func TestRollbackRefusesWithNoPreviousVersion(t *testing.T) {
	e, registry := newTestEngine(t, true)
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

	_, err := e.Rollback(ctx, Input{Project: "shop", Environment: slot.EnvProduction})
	if codeberr.KindOf(err) != codeberr.KindNoPreviousVersion {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindNoPreviousVersion)
	}
}

func TestRollbackRefusesWhenPreviousUnhealthy(t *testing.T) {
	e, registry := newTestEngine(t, false)
	ctx := context.Background()
	if err := registry.Store(ctx, postPromoteDoc("shop", slot.EnvProduction)); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	_, err := e.Rollback(ctx, Input{Project: "shop", Environment: slot.EnvProduction})
	if codeberr.KindOf(err) != codeberr.KindPreviousUnhealthy {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindPreviousUnhealthy)
	}
}

func TestRollbackNoActiveSlot(t *testing.T) {
	e, registry := newTestEngine(t, true)
	ctx := context.Background()

	doc := slot.ProjectSlots{
		ProjectName: "shop",
		Environment: slot.EnvProduction,
		ActiveSlot:  slot.Blue,
		Blue:        slot.Slot{Name: slot.Blue, State: slot.StateDeployed, Port: 4000, Version: "v1"},
		Green:       slot.Slot{Name: slot.Green, State: slot.StateEmpty, Port: 4001},
	}
	if err := registry.Store(ctx, doc); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	_, err := e.Rollback(ctx, Input{Project: "shop", Environment: slot.EnvProduction})
	if codeberr.KindOf(err) != codeberr.KindNoPreviousVersion {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindNoPreviousVersion)
	}
}
