// SPDX-License-Identifier: MPL-2.0

package xrun

import (
	"context"
	"sync"
	"time"
)

// Adapter is the uniform strategy every execution environment (local,
// SSH, Docker, Kubernetes, mock) implements. Concrete adapters live in
// their own packages and depend on xrun for these types; xrun itself
// never imports a concrete adapter package, so construction happens at
// the caller's composition root via Registry.Register, the same
// explicit-wiring shape as the teacher's runtime registry.
type Adapter interface {
	// Name identifies the adapter for diagnostics and event tagging.
	Name() string
	// IsAvailable reports whether the adapter's backing tooling (ssh
	// binary, docker daemon, kubectl, …) is reachable right now.
	IsAvailable(ctx context.Context) bool
	// Execute runs cmd and returns the uniform Result. Execute returns a
	// non-nil error only for ConnectionError/TimeoutError/AdapterError
	// or the environment-specific DockerError/KubernetesError;
	// a non-zero exit is reported through Result, never as an error.
	Execute(ctx context.Context, cmd Command) (Result, error)
	// Dispose releases any held resources (pools, tunnels, secrets).
	Dispose() error
}

// Registry maps an AdapterKind to the constructed Adapter instance that
// serves it. The engine consults the registry on every dispatch; it is
// the only indirection between Engine and a concrete adapter package.
type Registry struct {
	mu       sync.RWMutex
	adapters map[AdapterKind]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[AdapterKind]Adapter)}
}

// Register installs a, replacing any previous adapter registered under
// the same kind.
func (r *Registry) Register(kind AdapterKind, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[kind] = a
}

// Get returns the adapter registered for kind, or an AdapterError if
// none was registered.
func (r *Registry) Get(kind AdapterKind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, NewAdapterError(string(kind), "no adapter registered for this kind", nil)
	}
	return a, nil
}

// Kinds returns every kind currently registered, in no particular order.
func (r *Registry) Kinds() []AdapterKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]AdapterKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}

// Dispose calls Dispose on every registered adapter and returns the
// first error encountered, after attempting all of them.
func (r *Registry) Dispose() error {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, a := range adapters {
		if err := a.Dispose(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BaseAdapter centralizes the execute-pipeline bookkeeping common to
// every concrete adapter: layering caller commands over adapter
// defaults, building a command string through the §4.4 quoting rules,
// racing execution against a timeout, and assembling the uniform
// Result. It is grounded in the teacher's BaseCLIEngine (functional
// composition over a base struct rather than inheritance). Concrete
// adapters embed BaseAdapter and supply the one thing it cannot
// provide generically: how to actually spawn/dial and collect output.
type BaseAdapter struct {
	AdapterName string
	Defaults    Command
}

// MergeCommand layers override's explicitly-set fields over b.Defaults:
// WorkDir/Env/Shell/Timeout/stdio modes from override win when set,
// otherwise the adapter's defaults apply. Env is merged key-by-key so a
// caller can override a single variable without losing the rest of the
// adapter's defaults. SSH/Docker/Kubernetes options from override
// replace the defaults' only when non-zero.
func (b BaseAdapter) MergeCommand(override Command) Command {
	merged := b.Defaults
	if override.Text != "" {
		merged.Text = override.Text
	}
	if len(override.Argv) > 0 {
		merged.Argv = override.Argv
	}
	if override.Shell != "" {
		merged.Shell = override.Shell
	}
	if override.WorkDir != "" {
		merged.WorkDir = override.WorkDir
	}
	if len(override.Env) > 0 {
		merged = merged.WithEnv(override.Env)
	}
	if override.Stdin != nil {
		merged.Stdin = override.Stdin
	}
	if override.StdoutMode != "" {
		merged.StdoutMode = override.StdoutMode
	}
	if override.StderrMode != "" {
		merged.StderrMode = override.StderrMode
	}
	if override.Timeout != 0 {
		merged.Timeout = override.Timeout
	}
	merged.PTY = override.PTY || merged.PTY
	if override.Cancel != nil {
		merged.Cancel = override.Cancel
	}
	if override.Adapter != "" {
		merged.Adapter = override.Adapter
	}
	if override.SSH != (SSHOptions{}) {
		merged.SSH = override.SSH
	}
	if override.Docker != (DockerOptions{}) {
		merged.Docker = override.Docker
	}
	if override.Kubernetes != (KubernetesOptions{}) {
		merged.Kubernetes = override.Kubernetes
	}
	merged.Nothrow = override.Nothrow || merged.Nothrow
	merged.SanitizeLog = override.SanitizeLog || merged.SanitizeLog
	if override.Retry != nil {
		merged.Retry = override.Retry
	}
	if override.OnProgress != nil {
		merged.OnProgress = override.OnProgress
	}
	return merged
}

// BuildCommandString renders cmd's Text/Argv into a single string
// through the Unix quoting rules of §4.4, for adapters that must
// inject a single string into a remote or containerized shell (SSH,
// Docker, Kubernetes) regardless of whether the caller built the
// command from Text or Argv.
func (b BaseAdapter) BuildCommandString(cmd Command) string {
	if cmd.Text != "" {
		return cmd.Text
	}
	return Quote(cmd.Argv)
}

// WithDeadline applies cmd.Timeout (if any) on top of parent, returning
// a context and cancel func the adapter must defer-cancel. When the
// returned context expires before the caller cancels it first, the
// adapter's own execution loop is responsible for observing ctx.Err()
// and invoking its kill hook (signal for local, eviction for SSH,
// best-effort for Docker/Kubernetes, per §5).
func (b BaseAdapter) WithDeadline(parent context.Context, cmd Command) (context.Context, context.CancelFunc) {
	if cmd.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, cmd.Timeout)
}

// SynthesizeTimeoutResult builds the exit-124/SIGTERM Result §6 and §8
// require when a command's deadline elapses under nothrow.
func (b BaseAdapter) SynthesizeTimeoutResult(cmd Command, start time.Time, partialStdout, partialStderr string) Result {
	return Result{
		Stdout:    partialStdout,
		Stderr:    partialStderr,
		ExitCode:  124,
		Signal:    "SIGTERM",
		StartedAt: start,
		EndedAt:   time.Now(),
		Command:   cmd.String(),
		WorkDir:   cmd.WorkDir,
		Adapter:   cmd.Adapter,
	}
}

// CreateResult assembles the uniform Result record every adapter
// returns from Execute.
func (b BaseAdapter) CreateResult(cmd Command, stdout, stderr string, exitCode int, signal string, start time.Time, meta map[string]string) Result {
	return Result{
		Stdout:    stdout,
		Stderr:    stderr,
		ExitCode:  exitCode,
		Signal:    signal,
		StartedAt: start,
		EndedAt:   time.Now(),
		Command:   cmd.String(),
		WorkDir:   cmd.WorkDir,
		Adapter:   cmd.Adapter,
		Meta:      meta,
	}
}

// FinalizeTimeout converts a deadline-exceeded execution into either a
// synthesized nothrow Result or a *TimeoutError, matching §4.3's "base
// converts CommandError and TimeoutError into result values under
// nothrow; all other errors still propagate."
func (b BaseAdapter) FinalizeTimeout(cmd Command, start time.Time, partialStdout, partialStderr string) (Result, error) {
	if cmd.Nothrow {
		return b.SynthesizeTimeoutResult(cmd, start, partialStdout, partialStderr), nil
	}
	return Result{}, &TimeoutError{Command: cmd.String(), Timeout: cmd.Timeout}
}

// WrapUnclassified wraps an error the adapter could not classify into
// one of the taxonomy's named kinds as an *AdapterError, the contract
// every adapter but the local one follows per §7's propagation rules.
func (b BaseAdapter) WrapUnclassified(reason string, cause error) error {
	return NewAdapterError(b.AdapterName, reason, cause)
}
