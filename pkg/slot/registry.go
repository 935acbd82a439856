package slot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// Registry is the on-disk store of ProjectSlots documents, one file per
// (project, environment) at {base}/registry/slots/{project}-{environment}.json
// (spec §6). A single mutex serializes each Load, Store and List call
// across all projects (simplicity over per-key locking). It is not held
// across a caller's load-modify-store sequence; engine operations
// serialize those through the distributed lock in pkg/control.
type Registry struct {
	baseDir string
	mu      sync.Mutex
}

// NewRegistry builds a Registry rooted at baseDir.
func NewRegistry(baseDir string) *Registry {
	return &Registry{baseDir: baseDir}
}

func (r *Registry) path(project string, env Environment) string {
	return filepath.Join(r.baseDir, "registry", "slots", fmt.Sprintf("%s-%s.json", project, env))
}

// Load reads the ProjectSlots document for (project, environment). A
// missing file yields codeberr.KindNotFound, per spec C5's "not yet
// deployed" precondition check.
func (r *Registry) Load(ctx context.Context, project string, env Environment) (ProjectSlots, error) {
	if err := ctx.Err(); err != nil {
		return ProjectSlots{}, codeberr.Wrap(codeberr.KindTimeout, "loading slot registry", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(project, env)
}

func (r *Registry) loadLocked(project string, env Environment) (ProjectSlots, error) {
	b, err := os.ReadFile(r.path(project, env))
	if os.IsNotExist(err) {
		return ProjectSlots{}, codeberr.Newf(codeberr.KindNotFound, "no slot registry for %s/%s", project, env)
	}
	if err != nil {
		return ProjectSlots{}, codeberr.Wrap(codeberr.KindTransport, "reading slot registry", err)
	}

	var p ProjectSlots
	if err := json.Unmarshal(b, &p); err != nil {
		return ProjectSlots{}, codeberr.Wrap(codeberr.KindInvariantViolation, "parsing slot registry", err)
	}
	return p, nil
}

// Store re-validates invariants I1-I5 and, only if they hold, writes the
// document atomically (temp file + rename). Engines must call Store with
// the full desired next state; Store never merges partial updates, so a
// caller cannot accidentally persist a half-built transition.
func (r *Registry) Store(ctx context.Context, p ProjectSlots) error {
	if err := ctx.Err(); err != nil {
		return codeberr.Wrap(codeberr.KindTimeout, "storing slot registry", err)
	}
	if err := checkInvariants(p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return codeberr.Wrap(codeberr.KindInternal, "marshaling slot registry", err)
	}

	path := r.path(p.ProjectName, p.Environment)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return codeberr.Wrap(codeberr.KindTransport, fmt.Sprintf("creating %s", dir), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return codeberr.Wrap(codeberr.KindTransport, "writing slot registry temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return codeberr.Wrap(codeberr.KindTransport, "renaming slot registry temp file", err)
	}
	return nil
}

// Summary is a row in the listing, omitting the per-slot detail.
type Summary struct {
	ProjectName string      `json:"project_name"`
	Environment Environment `json:"environment"`
	ActiveSlot  Name        `json:"active_slot"`
}

// List enumerates every known (project, environment) document. Results
// are sorted by project then environment for deterministic output.
func (r *Registry) List(ctx context.Context) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, codeberr.Wrap(codeberr.KindTimeout, "listing slot registry", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Join(r.baseDir, "registry", "slots")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, codeberr.Wrap(codeberr.KindTransport, "reading slot registry directory", err)
	}

	var out []Summary
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, codeberr.Wrap(codeberr.KindTransport, "reading slot registry entry", err)
		}
		var p ProjectSlots
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, codeberr.Wrap(codeberr.KindInvariantViolation, "parsing slot registry entry", err)
		}
		out = append(out, Summary{ProjectName: p.ProjectName, Environment: p.Environment, ActiveSlot: p.ActiveSlot})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectName != out[j].ProjectName {
			return out[i].ProjectName < out[j].ProjectName
		}
		return out[i].Environment < out[j].Environment
	})
	return out, nil
}
