package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// localTransport executes commands and manipulates files on the host the
// control plane itself runs on — no transport hop, no authentication step.
type localTransport struct{}

func newLocalTransport() *localTransport { return &localTransport{} }

func (t *localTransport) Exec(ctx context.Context, cmd RemoteCommand) (Result, error) {
	var c *exec.Cmd
	if cmd.ShellEval != "" {
		c = exec.CommandContext(ctx, "/bin/sh", "-c", cmd.ShellEval)
	} else {
		c = exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	}
	if len(cmd.Stdin) > 0 {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if ctx.Err() != nil {
		return res, codeberr.Wrap(codeberr.KindTimeout, "local command timed out", ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nonzeroExitError(cmd.Name, res)
	default:
		return res, codeberr.Wrap(codeberr.KindTransport, "starting local command", err)
	}
}

func (t *localTransport) ReadFile(ctx context.Context, path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, codeberr.Wrap(codeberr.KindTransport, fmt.Sprintf("reading %s", path), err)
	}
	return b, nil
}

// WriteFile writes atomically: write to path.tmp, then rename, so no
// concurrent reader ever observes a partial write.
func (t *localTransport) WriteFile(ctx context.Context, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return codeberr.Wrap(codeberr.KindTransport, fmt.Sprintf("creating directory %s", dir), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return codeberr.Wrap(codeberr.KindTransport, fmt.Sprintf("writing %s", tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return codeberr.Wrap(codeberr.KindTransport, fmt.Sprintf("renaming %s to %s", tmp, path), err)
	}
	return nil
}

func (t *localTransport) MkdirAll(ctx context.Context, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return codeberr.Wrap(codeberr.KindTransport, fmt.Sprintf("mkdir -p %s", path), err)
	}
	return nil
}

func (t *localTransport) Close() error { return nil }
