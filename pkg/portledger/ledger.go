// Package portledger implements the SSOT port ledger (spec C2): the
// authoritative record of allocated ports across the fleet, with atomic
// reservation of a (blue, green) pair per (project, environment).
package portledger

import (
	"context"
	"sort"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// Environment is one of the three deployment environments, each with its
// own disjoint port range.
type Environment string

const (
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
	EnvPreview    Environment = "preview"
)

// Range returns the [low, high] inclusive port range for an environment.
func (e Environment) Range() (low, high int, ok bool) {
	switch e {
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

// ListenProbe observes ports currently listening on the fleet, tolerating
// transport failures by treating "could not enumerate" as "no extra ports
// in use" (spec §4.2 tie-break rule).
type ListenProbe interface {
	ListeningPorts(ctx context.Context) (map[int]bool, error)
}

// Ledger is the critical section guarding the single PortLedger document.
// All mutation goes through allocate_pair/release; reads go through
// Snapshot. Callers never see a half-reserved pair: allocation and the
// store write happen inside the same lock.
type Ledger struct {
	store *Store
	probe ListenProbe
}

// New builds a Ledger backed by the given Store. probe may be nil, in
// which case the live-listening-port check is skipped entirely (the
// ledger then relies purely on its own record, per spec §4.2).
func New(store *Store, probe ListenProbe) *Ledger {
	return &Ledger{store: store, probe: probe}
}

// AllocatePair scans environment's range in ascending order and reserves
// the first (even, even+1) pair free in used∪reserved and (best-effort)
// free on the live fleet. The pair is written back to `used` inside the
// same critical section the scan ran under, so a crash between scan and
// write cannot leave a half-reserved pair.
func (l *Ledger) AllocatePair(ctx context.Context, env Environment) (blue, green int, err error) {
	low, high, ok := env.Range()
	if !ok {
		return 0, 0, codeberr.Newf(codeberr.KindInvariantViolation, "unknown environment %q", env)
	}

	var listening map[int]bool
	if l.probe != nil {
		if lp, probeErr := l.probe.ListeningPorts(ctx); probeErr == nil {
			listening = lp
		}
		// probe error: listening stays nil, treated as "nothing extra in use".
	}

	unlock, err := l.store.Lock(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer unlock()

	doc, err := l.store.loadLocked()
	if err != nil {
		return 0, 0, err
	}

	for p := low; p+1 <= high; p += 2 {
		if doc.used[p] || doc.used[p+1] || doc.reserved[p] || doc.reserved[p+1] {
			continue
		}
		if listening[p] || listening[p+1] {
			continue
		}
		doc.used[p] = true
		doc.used[p+1] = true
		if err := l.store.storeLocked(doc); err != nil {
			return 0, 0, err
		}
		return p, p + 1, nil
	}

	return 0, 0, codeberr.Newf(codeberr.KindPortExhausted, "no free port pair in %s range [%d,%d]", env, low, high)
}

// Release removes the listed ports from `used`.
func (l *Ledger) Release(ctx context.Context, ports ...int) error {
	unlock, err := l.store.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := l.store.loadLocked()
	if err != nil {
		return err
	}
	for _, p := range ports {
		delete(doc.used, p)
	}
	return l.store.storeLocked(doc)
}

// Snapshot returns the sorted set of currently-used ports.
func (l *Ledger) Snapshot(ctx context.Context) ([]int, error) {
	unlock, err := l.store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := l.store.loadLocked()
	if err != nil {
		return nil, err
	}

	out := make([]int, 0, len(doc.used))
	for p := range doc.used {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}
