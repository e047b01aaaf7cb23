// Package transport runs commands and copies files on remote hosts.
package transport

import (
	"context"
	"strings"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// Result of a command that ran to completion. A non-zero ExitCode is not a transport error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports a zero exit code.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Transport is the remote execution capability. Errors returned by Run and Copy
// are transport failures and match model.ErrTransport.
type Transport interface {
	Run(ctx context.Context, host model.Host, cmd string) (Result, error)
	Copy(ctx context.Context, host model.Host, localPath, remotePath string) error
	Close() error
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./-_", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Join quotes and joins args into one command line.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// Redact replaces every occurrence of the given secret values with [REDACTED].
func Redact(s string, secrets ...string) string {
	for _, v := range secrets {
		if v == "" {
			continue
		}
		s = strings.ReplaceAll(s, v, "[REDACTED]")
		if q := Quote(v); q != v {
			s = strings.ReplaceAll(s, q, "[REDACTED]")
		}
	}
	return s
}
