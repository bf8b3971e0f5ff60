// SPDX-License-Identifier: MPL-2.0

package xrun

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// StdioMode controls how a command's stdout/stderr are handled.
type StdioMode string

const (
	// StdioPipe captures the stream into the Result.
	StdioPipe StdioMode = "pipe"
	// StdioInherit connects the stream to the caller's own stdio.
	StdioInherit StdioMode = "inherit"
	// StdioIgnore discards the stream.
	StdioIgnore StdioMode = "ignore"
)

// AdapterKind selects which execution environment runs a Command.
type AdapterKind string

const (
	AdapterLocal      AdapterKind = "local"
	AdapterSSH        AdapterKind = "ssh"
	AdapterDocker     AdapterKind = "docker"
	AdapterKubernetes AdapterKind = "k8s"
	AdapterMock       AdapterKind = "mock"
)

type (
	// SudoMethod selects how a sudo password is delivered to the remote
	// shell. See the ssh adapter package for the implementations.
	SudoMethod string

	// SudoOptions configures sudo wrapping for a single command or for an
	// entire SSH adapter instance.
	SudoOptions struct {
		Enabled  bool
		Password string
		Prompt   string
		Method   SudoMethod
		User     string
	}

	// SSHOptions configures the SSH adapter's target and auth.
	SSHOptions struct {
		Host       string
		User       string
		Port       int
		PrivateKey string
		Passphrase string
		Password   string
		Sudo       SudoOptions
	}

	// DockerOptions configures the Docker adapter's target container.
	DockerOptions struct {
		Container string
		WorkDir   string
		User      string
	}

	// KubernetesOptions configures the Kubernetes adapter's target pod.
	KubernetesOptions struct {
		Pod       string
		Namespace string
		Container string
		Context   string
	}

	// RetryPolicy is the subset of internal/retry's configuration a
	// caller can attach directly to a Command so Engine.Run retries it
	// transparently. A nil policy means "no retry."
	RetryPolicy struct {
		MaxRetries        int
		InitialDelay      time.Duration
		MaxDelay          time.Duration
		BackoffMultiplier float64
		Jitter            bool
		IsRetryable       func(Result) bool
		OnRetry           func(attempt int, r Result)
	}

	// ProgressFunc receives best-effort progress notifications during a
	// long-running operation (transfers mostly; execute does not use it).
	ProgressFunc func(completed, total int64)

	// Command is an immutable description of one execution. Build one
	// with NewCommand and the With* methods, which each return a copy.
	Command struct {
		// Text is the command to run. When Argv is non-empty it is
		// preferred and Text is ignored for the purpose of execution
		// (Text is still kept for logging/sanitization).
		Text string
		Argv []string
		// Shell is empty/false to run Argv directly with no shell,
		// "true" to use the adapter's default shell, or a shell name
		// ("bash", "zsh", "pwsh", ...) to force one.
		Shell string

		WorkDir string
		Env     map[string]string

		Stdin       io.Reader
		StdoutMode  StdioMode
		StderrMode  StdioMode
		// PTY requests a pseudo-terminal for the local adapter, for
		// interactive commands that refuse to run without one.
		PTY bool
		Timeout     time.Duration
		Cancel      context.Context
		Adapter     AdapterKind
		SSH         SSHOptions
		Docker      DockerOptions
		Kubernetes  KubernetesOptions
		Nothrow     bool
		Retry       *RetryPolicy
		OnProgress  ProgressFunc
		SanitizeLog bool
	}
)

const (
	SudoStdin         SudoMethod = "stdin"
	SudoAskpass       SudoMethod = "askpass"
	SudoEcho          SudoMethod = "echo"
	SudoSecureAskpass SudoMethod = "secure-askpass"
)

// NewCommand builds a Command that runs text through the adapter's
// default shell with piped stdio and no timeout.
func NewCommand(text string) Command {
	return Command{
		Text:       text,
		Shell:      "true",
		StdoutMode: StdioPipe,
		StderrMode: StdioPipe,
	}
}

// NewArgvCommand builds a Command that execs argv directly, with no
// shell interpretation.
func NewArgvCommand(argv ...string) Command {
	return Command{
		Argv:       argv,
		StdoutMode: StdioPipe,
		StderrMode: StdioPipe,
	}
}

// WithCwd returns a copy of c with WorkDir set.
func (c Command) WithCwd(dir string) Command {
	c.WorkDir = dir
	return c
}

// WithEnv returns a copy of c with the given keys merged into Env,
// overriding any existing values for the same key.
func (c Command) WithEnv(env map[string]string) Command {
	merged := make(map[string]string, len(c.Env)+len(env))
	for k, v := range c.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	c.Env = merged
	return c
}

// WithTimeout returns a copy of c with Timeout set.
func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

// WithNothrow returns a copy of c with Nothrow set to true.
func (c Command) WithNothrow() Command {
	c.Nothrow = true
	return c
}

// WithAdapter returns a copy of c targeting the given adapter kind.
func (c Command) WithAdapter(kind AdapterKind) Command {
	c.Adapter = kind
	return c
}

// WithRetry returns a copy of c carrying the given retry policy.
func (c Command) WithRetry(p RetryPolicy) Command {
	c.Retry = &p
	return c
}

// String renders the command for logging. SanitizeLog, when true, hides
// arguments of sensitive commands by eliding everything after the first
// whitespace-delimited token.
func (c Command) String() string {
	s := c.Text
	if s == "" && len(c.Argv) > 0 {
		s = Raw(c.Argv)
	}
	if c.SanitizeLog {
		for i, r := range s {
			if r == ' ' || r == '\t' {
				return s[:i] + " ***"
			}
		}
	}
	return s
}

// MarshalJSON lets Command participate in structured logging without
// ever emitting the plaintext SSH password or sudo password.
func (c Command) MarshalJSON() ([]byte, error) {
	type shadow struct {
		Text    string            `json:"text,omitempty"`
		Argv    []string          `json:"argv,omitempty"`
		Shell   string            `json:"shell,omitempty"`
		WorkDir string            `json:"workDir,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
		Adapter AdapterKind       `json:"adapter,omitempty"`
		Timeout time.Duration     `json:"timeout,omitempty"`
		Nothrow bool              `json:"nothrow,omitempty"`
	}
	return json.Marshal(shadow{
		Text:    c.String(),
		Argv:    c.Argv,
		Shell:   c.Shell,
		WorkDir: c.WorkDir,
		Env:     c.Env,
		Adapter: c.Adapter,
		Timeout: c.Timeout,
		Nothrow: c.Nothrow,
	})
}
