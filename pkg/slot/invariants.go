package slot

import "github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"

// portRange mirrors pkg/portledger's per-environment ranges (duplicated
// rather than imported to keep the slot package's invariant check
// self-contained and dependency-free; both sides are grounded on the
// same spec §3 table and must be kept in sync by hand).
func portRange(env Environment) (low, high int, ok bool) {
	switch env {
	case EnvStaging:
		return 3000, 3499, true
	case EnvProduction:
		return 4000, 4499, true
	case EnvPreview:
		return 5000, 5999, true
	default:
		return 0, 0, false
	}
}

// checkInvariants re-validates I1-I5 before every store so no engine bug
// can ever persist a structurally impossible registry document (spec §4.3).
func checkInvariants(p ProjectSlots) error {
	// I1: blue and green never hold the same non-empty port, and each
	// allocated port falls inside the environment's range.
	if p.Blue.Port != 0 && p.Blue.Port == p.Green.Port {
		return codeberr.Newf(codeberr.KindInvariantViolation, "blue and green share port %d", p.Blue.Port)
	}
	if low, high, ok := portRange(p.Environment); ok {
		for _, s := range []Slot{p.Blue, p.Green} {
			if s.Port != 0 && (s.Port < low || s.Port > high) {
				return codeberr.Newf(codeberr.KindInvariantViolation, "slot %q port %d outside %s range [%d,%d]", s.Name, s.Port, p.Environment, low, high)
			}
		}
	}

	// I2 (state skeleton): at most one slot is active; at most one is
	// grace; the two are on different slot names; no slot is both.
	activeCount, graceCount := 0, 0
	var activeName, graceName Name
	for _, s := range []Slot{p.Blue, p.Green} {
		if s.State == StateActive {
			activeCount++
			activeName = s.Name
		}
		if s.State == StateGrace {
			graceCount++
			graceName = s.Name
		}
	}
	if activeCount > 1 {
		return codeberr.New(codeberr.KindInvariantViolation, "more than one slot is active")
	}
	if graceCount > 1 {
		return codeberr.New(codeberr.KindInvariantViolation, "more than one slot is in grace")
	}
	if activeCount == 1 && graceCount == 1 && activeName == graceName {
		return codeberr.Newf(codeberr.KindInvariantViolation, "slot %q is both active and grace", activeName)
	}

	// I3 (active consistency): if any slot is active, it equals active_slot.
	if activeCount == 1 && p.ActiveSlot != activeName {
		return codeberr.Newf(codeberr.KindInvariantViolation, "slot %q is active but active_slot is %q", activeName, p.ActiveSlot)
	}
	if p.ActiveSlot != "" && p.ActiveSlot != Blue && p.ActiveSlot != Green {
		return codeberr.Newf(codeberr.KindInvariantViolation, "active_slot %q is not blue or green", p.ActiveSlot)
	}
	// A stored document is never both-empty: first deploy only stores
	// once the target slot has left state empty.
	if p.Blue.State == StateEmpty && p.Green.State == StateEmpty {
		return codeberr.New(codeberr.KindInvariantViolation, "both slots empty must not be stored")
	}

	// I4 (grace discipline): a slot in grace has grace-expires-at set; a
	// slot not in grace has none.
	for _, s := range []Slot{p.Blue, p.Green} {
		if s.State == StateGrace && s.GraceExpiresAt.IsZero() {
			return codeberr.Newf(codeberr.KindInvariantViolation, "slot %q in grace has no grace_expires_at", s.Name)
		}
		if s.State != StateGrace && !s.GraceExpiresAt.IsZero() {
			return codeberr.Newf(codeberr.KindInvariantViolation, "slot %q not in grace carries a grace_expires_at", s.Name)
		}
	}

	// Active/grace slots must carry a version and a port.
	for _, s := range []Slot{p.Blue, p.Green} {
		if (s.State == StateActive || s.State == StateGrace) && (s.Version == "" || s.Port == 0) {
			return codeberr.Newf(codeberr.KindInvariantViolation, "slot %q in state %q missing version or port", s.Name, s.State)
		}
	}

	// I5 (monotone timestamps): deployed-at <= promoted-at <= rolled-back-at where defined.
	for _, s := range []Slot{p.Blue, p.Green} {
		if !s.DeployedAt.IsZero() && !s.PromotedAt.IsZero() && s.PromotedAt.Before(s.DeployedAt) {
			return codeberr.Newf(codeberr.KindInvariantViolation, "slot %q promoted_at before deployed_at", s.Name)
		}
		if !s.PromotedAt.IsZero() && !s.RolledBackAt.IsZero() && s.RolledBackAt.Before(s.PromotedAt) {
			return codeberr.Newf(codeberr.KindInvariantViolation, "slot %q rolled_back_at before promoted_at", s.Name)
		}
	}

	// An empty slot must not carry a version (its port is allocated once
	// for the pair's lifetime and persists across empty/cleanup, per
	// spec §4.8 step 5).
	for _, s := range []Slot{p.Blue, p.Green} {
		if s.State == StateEmpty && s.Version != "" {
			return codeberr.Newf(codeberr.KindInvariantViolation, "slot %q in state empty carries a stale version", s.Name)
		}
	}

	return nil
}
