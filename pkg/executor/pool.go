package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// ServerDef names one member of the fixed fleet and the host it resolves
// to for the non-local transport.
type ServerDef struct {
	Name string
	Host string
}

// Executor runs RemoteCommands and file operations against a fixed named
// set of servers (spec C1). A command whose target is the server the
// control plane itself runs on executes locally; every other target goes
// over SSH. Per-server concurrency is bounded by a semaphore so one slow
// target cannot starve commands addressed to the others.
type Executor struct {
	localServer string
	servers     map[string]ServerDef
	sshUser     string
	sshKeyPath  string
	knownHosts  string
	maxPerServer int64

	mu         sync.Mutex
	transports map[string]Transport
	sems       map[string]*semaphore.Weighted
}

// Config configures a new Executor.
type Config struct {
	Servers             []ServerDef
	LocalServerName     string
	SSHUser             string
	SSHKeyPath          string
	SSHKnownHostsPath   string
	MaxConcurrentPerServer int
}

// New builds an Executor over the given fixed server set.
func New(cfg Config) (*Executor, error) {
	if cfg.MaxConcurrentPerServer <= 0 {
		cfg.MaxConcurrentPerServer = 8
	}
	servers := make(map[string]ServerDef, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers[s.Name] = s
	}
	if _, ok := servers[cfg.LocalServerName]; !ok {
		return nil, fmt.Errorf("local server %q is not in the fleet", cfg.LocalServerName)
	}

	return &Executor{
		localServer:  cfg.LocalServerName,
		servers:      servers,
		sshUser:      cfg.SSHUser,
		sshKeyPath:   cfg.SSHKeyPath,
		knownHosts:   cfg.SSHKnownHostsPath,
		maxPerServer: int64(cfg.MaxConcurrentPerServer),
		transports:   make(map[string]Transport),
		sems:         make(map[string]*semaphore.Weighted),
	}, nil
}

// Close releases any open SSH connections.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, t := range e.transports {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Executor) transportFor(server string) (Transport, error) {
	def, ok := e.servers[server]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", server)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.transports[server]; ok {
		return t, nil
	}

	var t Transport
	if server == e.localServer {
		t = newLocalTransport()
	} else {
		sshT, err := newSSHTransport(def.Host+":22", e.sshUser, e.sshKeyPath, e.knownHosts)
		if err != nil {
			return nil, codeberr.Wrap(codeberr.KindTransport, fmt.Sprintf("initializing ssh transport for %s", server), err)
		}
		t = sshT
	}
	e.transports[server] = t
	return t, nil
}

func (e *Executor) semFor(server string) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sems[server]; ok {
		return s
	}
	s := semaphore.NewWeighted(e.maxPerServer)
	e.sems[server] = s
	return s
}

// acquire bounds per-server concurrency; it blocks until a slot is free or
// ctx is cancelled.
func (e *Executor) acquire(ctx context.Context, server string) (release func(), err error) {
	sem := e.semFor(server)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, codeberr.Wrap(codeberr.KindTimeout, "waiting for executor slot on "+server, err)
	}
	return func() { sem.Release(1) }, nil
}

// Exec runs cmd on server, enforcing timeout and a best-effort kill on
// expiry. It never retries internally; retry policy belongs to the caller.
func (e *Executor) Exec(ctx context.Context, server string, cmd RemoteCommand, timeout time.Duration) (Result, error) {
	release, err := e.acquire(ctx, server)
	if err != nil {
		return Result{}, err
	}
	defer release()

	t, err := e.transportFor(server)
	if err != nil {
		return Result{}, codeberr.Wrap(codeberr.KindTransport, "resolving transport", err)
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return t.Exec(execCtx, cmd)
}

// ReadFile reads path from server.
func (e *Executor) ReadFile(ctx context.Context, server, path string) ([]byte, error) {
	release, err := e.acquire(ctx, server)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := e.transportFor(server)
	if err != nil {
		return nil, err
	}
	return t.ReadFile(ctx, path)
}

// WriteFile atomically writes data to path on server (write to path.tmp,
// rename).
func (e *Executor) WriteFile(ctx context.Context, server, path string, data []byte) error {
	release, err := e.acquire(ctx, server)
	if err != nil {
		return err
	}
	defer release()

	t, err := e.transportFor(server)
	if err != nil {
		return err
	}
	return t.WriteFile(ctx, path, data)
}

// MkdirAll creates path (and parents) on server.
func (e *Executor) MkdirAll(ctx context.Context, server, path string) error {
	release, err := e.acquire(ctx, server)
	if err != nil {
		return err
	}
	defer release()

	t, err := e.transportFor(server)
	if err != nil {
		return err
	}
	return t.MkdirAll(ctx, path)
}
