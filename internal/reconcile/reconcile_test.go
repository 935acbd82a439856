package reconcile

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/audit"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/control"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/executor"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/proxysite"
	"github.com/codeblabdev-max/codeb-server-sub006/pkg/slot"
)

func newTestWalker(t *testing.T) (*Walker, *slot.Registry, string, *control.Locker) {
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

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	locker := control.NewLocker(rdb, 30*time.Second, time.Second)

	registry := slot.NewRegistry(base)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	auditW := audit.NewWriter(base, logger)

	sitesDir := base + "/sites"
	if err := os.MkdirAll(sitesDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error: %v", err)
	}

	cfg := Config{ProxyServer: "proxy", ProxySitesDir: sitesDir}
	return New(ex, registry, locker, auditW, logger, cfg), registry, sitesDir, locker
}

func activeDoc(project string, env slot.Environment, port int) slot.ProjectSlots {
	return slot.ProjectSlots{
		ProjectName: project,
		Environment: env,
		ActiveSlot:  slot.Blue,
		Blue:        slot.Slot{Name: slot.Blue, State: slot.StateActive, Port: port, Version: "v1", Health: slot.HealthHealthy},
		Green:       slot.Slot{Name: slot.Green, State: slot.StateEmpty, Port: port + 1},
	}
}

func TestWalkFindsNoDivergenceWhenSiteMatchesRegistry(t *testing.T) {
	w, registry, sitesDir, _ := newTestWalker(t)
	ctx := context.Background()

	if err := registry.Store(ctx, activeDoc("shop", slot.EnvProduction, 4000)); err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	text, _ := proxysite.Render(proxysite.ActiveIntent{Project: "shop", Environment: "production", Slot: "blue", Port: 4000, Domain: "shop.codeb.example"})
	if err := os.WriteFile(proxysite.FilePath(sitesDir, "shop", "production"), []byte(text), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	if err := w.Walk(ctx); err != nil {
		t.Fatalf("Walk() error: %v", err)
	}
}

func TestWalkDetectsMissingSiteFile(t *testing.T) {
	w, registry, _, locker := newTestWalker(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events, closeSub := locker.SubscribeDivergence(ctx)
	defer closeSub()

	if err := registry.Store(ctx, activeDoc("shop", slot.EnvProduction, 4000)); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	// No site file written: checkOne should report a divergence but Walk
	// itself must not fail (divergence is reported, not propagated).
	if err := w.Walk(ctx); err != nil {
		t.Fatalf("Walk() error: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Project != "shop" || ev.Environment != "production" {
			t.Errorf("DivergenceEvent = %+v", ev)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a divergence event for the missing site file")
	}
}

func TestWalkDetectsStaleSitePointingAtWrongSlot(t *testing.T) {
	w, registry, sitesDir, locker := newTestWalker(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events, closeSub := locker.SubscribeDivergence(ctx)
	defer closeSub()

	if err := registry.Store(ctx, activeDoc("shop", slot.EnvProduction, 4000)); err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	// Site file points at green's port (4001) while the registry says
	// blue (4000) is active.
	text, _ := proxysite.Render(proxysite.ActiveIntent{Project: "shop", Environment: "production", Slot: "green", Port: 4001, Domain: "shop.codeb.example"})
	if err := os.WriteFile(proxysite.FilePath(sitesDir, "shop", "production"), []byte(text), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	if err := w.Walk(ctx); err != nil {
		t.Fatalf("Walk() error: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Project != "shop" {
			t.Errorf("DivergenceEvent = %+v", ev)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a divergence event for the stale site file")
	}
}
