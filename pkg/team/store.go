package team

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// Store persists the single teams registry document at
// {base}/config/teams.json. A process-wide mutex makes member/token
// changes linearizable, per spec §4.11.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore builds a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{path: filepath.Join(baseDir, "config", "teams.json")}
}

// Lock acquires the store's critical section; the returned func releases it.
func (s *Store) Lock(ctx context.Context) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, codeberr.Wrap(codeberr.KindTimeout, "acquiring teams registry lock", err)
	}
	s.mu.Lock()
	return s.mu.Unlock, nil
}

// LoadLocked reads the document; callers must hold Lock. A missing file
// is treated as an empty registry.
func (s *Store) LoadLocked() (*Document, error) {
	d := &Document{Teams: map[string]Team{}, Tokens: map[string]Token{}}

	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, codeberr.Wrap(codeberr.KindTransport, "reading teams registry", err)
	}
	if err := json.Unmarshal(b, d); err != nil {
		return nil, codeberr.Wrap(codeberr.KindInvariantViolation, "parsing teams registry", err)
	}
	if d.Teams == nil {
		d.Teams = map[string]Team{}
	}
	if d.Tokens == nil {
		d.Tokens = map[string]Token{}
	}
	return d, nil
}

// StoreLocked writes the document atomically (temp file + rename).
// Callers must hold Lock.
func (s *Store) StoreLocked(d *Document) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return codeberr.Wrap(codeberr.KindInternal, "marshaling teams registry", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return codeberr.Wrap(codeberr.KindTransport, "creating config directory", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return codeberr.Wrap(codeberr.KindTransport, "writing teams registry temp file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return codeberr.Wrap(codeberr.KindTransport, "renaming teams registry temp file", err)
	}
	return nil
}
