// Package executor implements the remote executor (spec C1): a uniform
// "run this fragment on server X" primitive that decouples the deploy,
// promote, rollback, and cleanup engines from transport details.
package executor

import (
	"context"
	"fmt"
	"regexp"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// identPattern is the character class shared by project names and team
// slugs in the data model: lowercase alphanumeric with hyphens.
var identPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ValidateIdent checks a path or identifier argument against the
// lowercase-alnum-hyphen character class mandated for project names and
// team slugs, so no argument reaching a remote command can smuggle shell
// metacharacters.
func ValidateIdent(s string) error {
	if !identPattern.MatchString(s) {
		return fmt.Errorf("invalid identifier %q: must be lowercase alphanumeric with hyphens", s)
	}
	return nil
}

// RemoteCommand is a typed command fragment: an executable name plus an
// argument list plus optional stdin, never a shell string. ShellEval is an
// explicit escape hatch for well-audited literal snippets (e.g. a
// stop-and-remove one-liner) and must never be built from untrusted input.
type RemoteCommand struct {
	Name      string
	Args      []string
	Stdin     []byte
	ShellEval string
}

// Result is the outcome of a successfully dispatched RemoteCommand — the
// process ran to completion (successfully or not); it is distinct from a
// transport/timeout failure, which is returned as an error instead.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// maxCapturedOutput truncates stdout/stderr carried in a nonzero_exit error
// so a runaway command cannot balloon an audit entry or HTTP response.
const maxCapturedOutput = 4096

func truncate(b []byte) []byte {
	if len(b) <= maxCapturedOutput {
		return b
	}
	out := make([]byte, maxCapturedOutput)
	copy(out, b)
	return out
}

// nonzeroExitError builds the codeberr.KindNonzeroExit error carrying exit
// code and truncated output, per the C1 contract.
func nonzeroExitError(cmdName string, res Result) error {
	return codeberr.Newf(codeberr.KindNonzeroExit,
		"command %q exited %d: stdout=%q stderr=%q",
		cmdName, res.ExitCode, truncate(res.Stdout), truncate(res.Stderr))
}

// Transport is a single server's execution/file surface. Executor selects a
// Transport per target server (local or SSH) and never exposes it directly
// to callers.
type Transport interface {
	Exec(ctx context.Context, cmd RemoteCommand) (Result, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	MkdirAll(ctx context.Context, path string) error
	Close() error
}
