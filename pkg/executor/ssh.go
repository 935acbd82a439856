package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// sshTransport runs commands and manipulates files on a fleet member over
// SSH. There is no SFTP subsystem wired in; file operations are expressed
// as well-audited shell snippets piped over stdin, consistent with the
// RemoteCommand.ShellEval escape hatch.
type sshTransport struct {
	addr   string
	config *ssh.ClientConfig
	client *ssh.Client
}

// newSSHTransport dials lazily on first use so constructing an Executor
// never blocks on network I/O for fleet members that end up unused.
func newSSHTransport(addr, user, keyPath, knownHostsPath string) (*sshTransport, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", keyPath, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if knownHostsPath != "" {
		if cb, err := knownhosts.New(knownHostsPath); err == nil {
			hostKeyCallback = cb
		}
	}

	return &sshTransport{
		addr: addr,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         10 * time.Second,
		},
	}, nil
}

func (t *sshTransport) dial() (*ssh.Client, error) {
	if t.client != nil {
		return t.client, nil
	}
	client, err := ssh.Dial("tcp", t.addr, t.config)
	if err != nil {
		return nil, codeberr.Wrap(codeberr.KindTransport, fmt.Sprintf("dialing %s", t.addr), err)
	}
	t.client = client
	return client, nil
}

func (t *sshTransport) session() (*ssh.Session, error) {
	client, err := t.dial()
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		return nil, codeberr.Wrap(codeberr.KindTransport, "opening ssh session", err)
	}
	return sess, nil
}

func (t *sshTransport) Exec(ctx context.Context, cmd RemoteCommand) (Result, error) {
	sess, err := t.session()
	if err != nil {
		return Result{}, err
	}
	defer sess.Close()

	line := cmd.ShellEval
	if line == "" {
		line = shellQuoteCommand(cmd.Name, cmd.Args)
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if len(cmd.Stdin) > 0 {
		sess.Stdin = bytes.NewReader(cmd.Stdin)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(line) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()},
			codeberr.Wrap(codeberr.KindTimeout, "remote command timed out", ctx.Err())
	case err := <-done:
		res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err == nil {
			return res, nil
		}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, nonzeroExitError(cmd.Name, res)
		}
		return res, codeberr.Wrap(codeberr.KindTransport, "running remote command", err)
	}
}

func (t *sshTransport) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := t.Exec(ctx, RemoteCommand{ShellEval: shellQuoteCommand("cat", []string{path})})
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// WriteFile writes atomically on the remote host: stream to path.tmp then
// rename, matching the same discipline as the local transport.
func (t *sshTransport) WriteFile(ctx context.Context, path string, data []byte) error {
	tmp := path + ".tmp"
	script := fmt.Sprintf("mkdir -p \"$(dirname %s)\" && cat > %s && mv %s %s",
		shellQuote(path), shellQuote(tmp), shellQuote(tmp), shellQuote(path))
	_, err := t.Exec(ctx, RemoteCommand{ShellEval: script, Stdin: data})
	return err
}

func (t *sshTransport) MkdirAll(ctx context.Context, path string) error {
	_, err := t.Exec(ctx, RemoteCommand{ShellEval: "mkdir -p " + shellQuote(path)})
	return err
}

func (t *sshTransport) Close() error {
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

// shellQuote single-quotes a literal argument for POSIX shells.
func shellQuote(s string) string {
	return "'" + string(bytes.ReplaceAll([]byte(s), []byte("'"), []byte(`'\''`))) + "'"
}

// shellQuoteCommand renders a RemoteCommand's name+args as a quoted shell
// line; used only for the non-ShellEval path, where name/args still come
// from validated, non-shell-interpolated fields.
func shellQuoteCommand(name string, args []string) string {
	line := shellQuote(name)
	for _, a := range args {
		line += " " + shellQuote(a)
	}
	return line
}
