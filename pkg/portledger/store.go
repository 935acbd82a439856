package portledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// wireDoc is the on-disk shape of the SSOT: {base}/registry/ssot.json with
// top-level ports.used / ports.reserved arrays (spec §6).
type wireDoc struct {
	Ports struct {
		Used     []int `json:"used"`
		Reserved []int `json:"reserved"`
	} `json:"ports"`
}

// doc is the in-memory working form: sets instead of arrays, for O(1)
// membership checks during allocation.
type doc struct {
	used     map[int]bool
	reserved map[int]bool
}

func (d *doc) toWire() wireDoc {
	var w wireDoc
	w.Ports.Used = sortedKeys(d.used)
	w.Ports.Reserved = sortedKeys(d.reserved)
	return w
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// Keep output deterministic for L4 (write/reload structural equality).
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Store persists the single PortLedger document at {base}/registry/ssot.json
// with atomic write-then-rename, guarded by a process-wide mutex covering
// every read-modify-write sequence (spec §9's JSON-file-as-database
// discipline).
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore builds a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{path: filepath.Join(baseDir, "registry", "ssot.json")}
}

// Lock acquires the store's critical section. The returned func must be
// called to release it. Accepting a context allows a future bounded-wait
// variant without changing the call sites.
func (s *Store) Lock(ctx context.Context) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, codeberr.Wrap(codeberr.KindTimeout, "acquiring port ledger lock", err)
	}
	s.mu.Lock()
	return s.mu.Unlock, nil
}

// loadLocked reads the document; callers must hold Lock. A missing file is
// treated as an empty ledger (first boot).
func (s *Store) loadLocked() (*doc, error) {
	d := &doc{used: map[int]bool{}, reserved: map[int]bool{}}

	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, codeberr.Wrap(codeberr.KindTransport, "reading port ledger", err)
	}

	var w wireDoc
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, codeberr.Wrap(codeberr.KindInvariantViolation, "parsing port ledger", err)
	}
	for _, p := range w.Ports.Used {
		d.used[p] = true
	}
	for _, p := range w.Ports.Reserved {
		d.reserved[p] = true
	}
	return d, nil
}

// storeLocked writes the document atomically (temp file + rename).
// Callers must hold Lock.
func (s *Store) storeLocked(d *doc) error {
	b, err := json.MarshalIndent(d.toWire(), "", "  ")
	if err != nil {
		return codeberr.Wrap(codeberr.KindInternal, "marshaling port ledger", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return codeberr.Wrap(codeberr.KindTransport, fmt.Sprintf("creating %s", dir), err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return codeberr.Wrap(codeberr.KindTransport, "writing port ledger temp file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return codeberr.Wrap(codeberr.KindTransport, "renaming port ledger temp file", err)
	}
	return nil
}
