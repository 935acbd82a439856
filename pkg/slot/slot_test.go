package slot

import (
	"context"
	"testing"
	"time"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

func activeDoc(project string) ProjectSlots {
	return ProjectSlots{
		ProjectName: project,
		Environment: EnvProduction,
		ActiveSlot:  Blue,
		Blue: Slot{
			Name:    Blue,
			State:   StateActive,
			Port:    4000,
			Version: "v1",
			Health:  HealthHealthy,
		},
		Green:       Slot{Name: Green, State: StateEmpty},
		LastUpdated: time.Unix(0, 0),
	}
}

func TestRegistryStoreAndLoad(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	doc := activeDoc("shop")

	if err := reg.Store(context.Background(), doc); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	got, err := reg.Load(context.Background(), "shop", EnvProduction)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.ActiveSlot != Blue || got.Blue.Version != "v1" {
		t.Errorf("Load() = %+v", got)
	}
}

func TestRegistryLoadMissing(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	_, err := reg.Load(context.Background(), "ghost", EnvProduction)
	if codeberr.KindOf(err) != codeberr.KindNotFound {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindNotFound)
	}
}

func TestRegistryListSorted(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	reg.Store(context.Background(), activeDoc("zeta"))
	reg.Store(context.Background(), activeDoc("alpha"))

	out, err := reg.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(out) != 2 || out[0].ProjectName != "alpha" || out[1].ProjectName != "zeta" {
		t.Errorf("List() = %+v", out)
	}
}

func TestCheckInvariantsRejectsSharedPort(t *testing.T) {
	doc := activeDoc("shop")
	doc.Green = Slot{Name: Green, State: StateDeployed, Port: 4000, Version: "v0"}

	reg := NewRegistry(t.TempDir())
	err := reg.Store(context.Background(), doc)
	if codeberr.KindOf(err) != codeberr.KindInvariantViolation {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindInvariantViolation)
	}
}

func TestCheckInvariantsRejectsActiveMismatch(t *testing.T) {
	doc := activeDoc("shop")
	doc.ActiveSlot = Green // green is still empty

	reg := NewRegistry(t.TempDir())
	err := reg.Store(context.Background(), doc)
	if codeberr.KindOf(err) != codeberr.KindInvariantViolation {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindInvariantViolation)
	}
}

func TestCheckInvariantsRejectsBothActive(t *testing.T) {
	doc := activeDoc("shop")
	doc.Green = Slot{Name: Green, State: StateActive, Port: 4001, Version: "v0"}

	reg := NewRegistry(t.TempDir())
	err := reg.Store(context.Background(), doc)
	if codeberr.KindOf(err) != codeberr.KindInvariantViolation {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindInvariantViolation)
	}
}

func TestCheckInvariantsRejectsStaleEmptySlot(t *testing.T) {
	doc := activeDoc("shop")
	doc.Green.Version = "leftover"

	reg := NewRegistry(t.TempDir())
	err := reg.Store(context.Background(), doc)
	if codeberr.KindOf(err) != codeberr.KindInvariantViolation {
		t.Fatalf("KindOf(err) = %v, want %v", codeberr.KindOf(err), codeberr.KindInvariantViolation)
	}
}

func TestSlotNameOther(t *testing.T) {
	if Blue.Other() != Green || Green.Other() != Blue {
		t.Errorf("Other() pairing broken")
	}
}
