package promote

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/audit"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/executor"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/proxysite"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/slot"
)

type fakeProber struct{ healthy bool }

func (f fakeProber) Check(ctx context.Context, host string, port int) (bool, error) {
	return f.healthy, nil
}

func newTestEngine(t *testing.T, healthy bool) (*Engine, *slot.Registry, string) {
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

	sitesDir := base + "/sites"
	cfg := Config{
		ProxyServer:   "proxy",
		AppHost:       "127.0.0.1",
		ProxySitesDir: sitesDir,
		BaseDomain:    "codeb.example",
		ReloadTimeout: 5 * time.Second,
		ReloadCmd:     "true",
		HealthTimeout: time.Second,
	}
	return New(ex, registry, auditW, fakeProber{healthy: healthy}, logger, cfg), registry, base
}

func firstDeployDoc(project string, env slot.Environment) slot.ProjectSlots {
	return slot.ProjectSlots{
		ProjectName: project,
		Environment: env,
		ActiveSlot:  slot.Blue,
		Blue:        slot.Slot{Name: slot.Blue, State: slot.StateDeployed, Port: 4000, Version: "v1", Health: slot.HealthHealthy},
		Green:       slot.Slot{Name: slot.Green, State: slot.StateEmpty, Port: 4001},
	}
}

func TestPromoteFirstPromoteActivatesBlue(t *testing.T) {
	e, registry, _ := newTestEngine(t, true)
	ctx := context.Background()
	if err := registry.Store(ctx, firstDeployDoc("shop", slot.EnvProduction)); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	res, err := e.Promote(ctx, Input{Project: "shop", Environment: slot.EnvProduction, GracePeriod: time.Hour, PromotedBy: "tok_x"})
	if err != nil {
		t.Fatalf("Promote() error: %v", err)
	}
	if res.NewActive != slot.Blue || res.Previous != "" {
		t.Errorf("Promote() = %+v, want NewActive=blue Previous=\"\"", res)
	}

	ps, _ := registry.Load(ctx, "shop", slot.EnvProduction)
	if ps.ActiveSlot != slot.Blue || ps.Blue.State != slot.StateActive {
		t.Errorf("ps = %+v", ps)
	}
}

func TestPromoteSwapsPreviousIntoGrace(t *testing.T) {
	e, registry, _ := newTestEngine(t, true)
	ctx := context.Background()

	doc := slot.ProjectSlots{
		ProjectName: "shop",
		Environment: slot.EnvProduction,
		ActiveSlot:  slot.Blue,
		Blue:        slot.Slot{Name: slot.Blue, State: slot.StateActive, Port: 4000, Version: "v1", Health: slot.HealthHealthy},
		Green:       slot.Slot{Name: slot.Green, State: slot.StateDeployed, Port: 4001, Version: "v2", Health: slot.HealthHealthy},
	}
	if err := registry.Store(ctx, doc); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	res, err := e.Promote(ctx, Input{Project: "shop", Environment: slot.EnvProduction, GracePeriod: time.Hour})
	if err != nil {
		t.Fatalf("Promote() error: %v", err)
	}
	if res.NewActive != slot.Green || res.Previous != slot.Blue {
		t.Fatalf("Promote() = %+v, want NewActive=green Previous=blue", res)
	}

	ps, _ := registry.Load(ctx, "shop", slot.EnvProduction)
	if ps.Blue.State != slot.StateGrace || ps.Blue.GraceExpiresAt.IsZero() {
		t.Errorf("Blue = %+v, want grace with expiry set", ps.Blue)
	}
	if ps.Green.State != slot.StateActive {
		t.Errorf("Green.State = %v, want active", ps.Green.State)
	}
}

func TestPromoteRefusesWhenNotDeployed(t *testing.T) {
	e, registry, _ := newTestEngine(t, true)
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

	_, err := e.Promote(ctx, Input{Project: "shop", Environment: slot.EnvProduction, GracePeriod: time.Hour})
	if codeberr.KindOf(err) != codeberr.KindNotDeployed {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindNotDeployed)
	}
}

func TestPromoteRefusesWhenUnhealthy(t *testing.T) {
	e, registry, _ := newTestEngine(t, false)
	ctx := context.Background()
	if err := registry.Store(ctx, firstDeployDoc("shop", slot.EnvProduction)); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	_, err := e.Promote(ctx, Input{Project: "shop", Environment: slot.EnvProduction, GracePeriod: time.Hour})
	if codeberr.KindOf(err) != codeberr.KindUnhealthy {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindUnhealthy)
	}
}

// TestPromoteSkipsReloadWhenSiteUnchanged covers the crash-recovery
// retry case (spec §8 L2): the site file already matches what this
// promote would render (e.g. a prior attempt wrote it but crashed before
// storing the registry). The reload command is made to fail outright;
// Promote must still succeed, proving it detected no change and skipped
// reloading.
func TestPromoteSkipsReloadWhenSiteUnchanged(t *testing.T) {
	e, registry, base := newTestEngine(t, true)
	e.cfg.ReloadCmd = "false" // would fail the whole call if ever invoked
	ctx := context.Background()
	if err := registry.Store(ctx, firstDeployDoc("shop", slot.EnvProduction)); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	sitesDir := base + "/sites"
	if err := os.MkdirAll(sitesDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error: %v", err)
	}
	wantText, err := proxysite.Render(proxysite.ActiveIntent{
		Project:     "shop",
		Environment: "production",
		Slot:        "blue",
		Port:        4000,
		Version:     "v1",
		Domain:      proxysite.Domain("shop", "production", e.cfg.BaseDomain),
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if err := os.WriteFile(proxysite.FilePath(sitesDir, "shop", "production"), []byte(wantText), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	if _, err := e.Promote(ctx, Input{Project: "shop", Environment: slot.EnvProduction, GracePeriod: time.Hour}); err != nil {
		t.Fatalf("Promote() error: %v", err)
	}
}
