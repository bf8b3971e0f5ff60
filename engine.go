// SPDX-License-Identifier: MPL-2.0

package xrun

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"xrun/internal/cache"
	"xrun/internal/events"
	"xrun/internal/retry"
	"xrun/internal/tempio"
)

// Engine is the facade of §4.2: it owns a Registry of constructed
// adapters, a set of default Command fields every dispatched command
// is layered over, and an Emitter every adapter event is forwarded
// through. Engine is an immutable value with builder methods — With,
// SSH, Docker, Kubernetes — that each return a derived Engine sharing
// the same Registry and Emitter by reference (the "callable objects /
// proxy chains → explicit state" design note's prescribed shape).
type Engine struct {
	registry *Registry
	defaults Command
	emit     *events.Emitter
	cache    *cache.Cache[Result]
	cacheTTL time.Duration
	log      *log.Logger
}

// NewEngine builds an Engine dispatching through registry. defaultKind
// selects which adapter an otherwise-unqualified command runs against.
func NewEngine(registry *Registry, defaultKind AdapterKind) *Engine {
	return &Engine{
		registry: registry,
		defaults: Command{Adapter: defaultKind, Shell: "true", StdoutMode: StdioPipe, StderrMode: StdioPipe},
		emit:     events.New(),
		log:      log.NewWithOptions(os.Stderr, log.Options{Prefix: "engine"}),
	}
}

// WithLogger returns a derived Engine logging through l instead of the
// default stderr logger.
func (e *Engine) WithLogger(l *log.Logger) *Engine {
	derived := *e
	derived.log = l
	return &derived
}

// Events returns the engine's event emitter, the single place every
// adapter, the cache, and the retry wrapper publish lifecycle events.
func (e *Engine) Events() *events.Emitter { return e.emit }

// WithCache attaches a result cache with the given default TTL. Once
// attached, Run consults it before dispatching and stores every result
// that the dispatch returns without an error.
func (e *Engine) WithCache(ttl time.Duration) *Engine {
	derived := *e
	derived.cache = cache.New[Result](e.emit, 0)
	derived.cacheTTL = ttl
	return &derived
}

// With returns a derived Engine sharing this one's Registry and
// Emitter but layering partial over its defaults — the engine.with
// subcontext of §4.2.
func (e *Engine) With(partial Command) *Engine {
	derived := *e
	base := BaseAdapter{Defaults: e.defaults}
	derived.defaults = base.MergeCommand(partial)
	return &derived
}

// SSH returns a subcontext whose commands target the given host by
// default, per engine.ssh(hostOpts).
func (e *Engine) SSH(opts SSHOptions) *Engine {
	return e.With(Command{Adapter: AdapterSSH, SSH: opts})
}

// Docker returns a subcontext whose commands target the given
// container by default, per engine.docker(cfg).
func (e *Engine) Docker(opts DockerOptions) *Engine {
	return e.With(Command{Adapter: AdapterDocker, Docker: opts})
}

// Kubernetes returns a subcontext whose commands target the given pod
// by default, per engine.k8s(cfg).
func (e *Engine) Kubernetes(opts KubernetesOptions) *Engine {
	return e.With(Command{Adapter: AdapterKubernetes, Kubernetes: opts})
}

// Sh is the Go-native replacement for the source's tagged-template
// entry point (§9's "dynamic tagged templates → typed builder"):
// parts/values are interpolated through Interpolate and the resulting
// string becomes cmd.Text. Start is called immediately but, per
// ProcessPromise's lazy-start design, the adapter is not invoked until
// the promise is awaited or piped.
func (e *Engine) Sh(ctx context.Context, parts []string, values []any) *ProcessPromise {
	return e.Start(ctx, NewCommand(Interpolate(parts, values)))
}

// Start builds a ProcessPromise for cmd against this engine. The
// adapter is dispatched lazily, on the promise's first Wait/Pipe, so
// the caller's chained .Nothrow()/.Timeout()/.Cd()/.Env() calls still
// take effect.
func (e *Engine) Start(ctx context.Context, cmd Command) *ProcessPromise {
	return newProcessPromise(ctx, e, cmd)
}

// Run dispatches cmd synchronously: merge defaults, apply retry if
// configured, select the adapter, execute, and apply nothrow
// semantics. This is what every ProcessPromise ultimately calls.
func (e *Engine) Run(ctx context.Context, cmd Command) (Result, error) {
	merged := e.mergeCommand(cmd)

	if e.cache != nil {
		key := cache.Key(merged.String(), merged.WorkDir, merged.Env)
		return e.cache.GetOrLoad(ctx, key, e.cacheTTL, func(ctx context.Context) (Result, error) {
			return e.runPolicy(ctx, merged)
		})
	}
	return e.runPolicy(ctx, merged)
}

func (e *Engine) mergeCommand(cmd Command) Command {
	base := BaseAdapter{Defaults: e.defaults}
	return base.MergeCommand(cmd)
}

func (e *Engine) runPolicy(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Retry == nil {
		return e.dispatch(ctx, cmd)
	}
	return e.runWithRetry(ctx, cmd)
}

// runWithRetry implements §4.8: retry the underlying dispatch up to
// MaxRetries+1 times with exponential backoff and jitter, honoring
// IsRetryable, and translating exhaustion into a *RetryError unless
// cmd.Nothrow is set (in which case the last interim Result is
// returned instead, consistent with nothrow converting failures into
// values throughout the engine).
func (e *Engine) runWithRetry(ctx context.Context, cmd Command) (Result, error) {
	policy := cmd.Retry
	attemptCmd := cmd
	attemptCmd.Retry = nil

	rp := retry.Policy{
		MaxRetries:        policy.MaxRetries,
		InitialDelay:      policy.InitialDelay,
		MaxDelay:          policy.MaxDelay,
		BackoffMultiplier: policy.BackoffMultiplier,
		Jitter:            policy.Jitter,
	}
	if policy.IsRetryable != nil {
		rp.IsRetryable = func(value any, ok bool) bool {
			r, _ := value.(Result)
			return policy.IsRetryable(r)
		}
	}
	if policy.OnRetry != nil {
		rp.OnRetry = func(attempt int, value any) {
			r, _ := value.(Result)
			policy.OnRetry(attempt, r)
		}
	}

	var lastErr error
	out := retry.Do(ctx, rp, e.emit, func(attempt int) (Result, bool, error) {
		res, err := e.dispatch(ctx, attemptCmd)
		if err != nil {
			lastErr = err
			return res, false, err
		}
		lastErr = nil
		return res, res.OK(), nil
	})

	if out.OK {
		return out.Value, nil
	}

	if cmd.Nothrow {
		return out.Value, nil
	}
	err := lastErr
	if err == nil {
		err = out.Value.Error()
	}
	return out.Value, &RetryError{Attempts: out.Attempts, Last: out.Value, Interim: out.Interim, Cause: err}
}

func (e *Engine) dispatch(ctx context.Context, cmd Command) (Result, error) {
	kind := cmd.Adapter
	adapter, err := e.registry.Get(kind)
	if err != nil {
		return Result{}, err
	}
	e.log.Debug("dispatch", "adapter", string(kind), "command", cmd.String())

	res, err := adapter.Execute(ctx, cmd)
	if err != nil {
		return res, err
	}
	if !cmd.Nothrow && !res.OK() {
		return res, res.Error()
	}
	return res, nil
}

// WithTempFile creates a temp file with the given content, invokes fn
// with its path, and removes the file when fn returns, whether or not
// fn errored. temp:create/temp:cleanup events flow through the
// engine's bus.
func (e *Engine) WithTempFile(pattern string, content []byte, fn func(path string) error) error {
	return tempio.WithFile(e.emit, pattern, content, fn)
}

// WithTempDir is WithTempFile's directory counterpart: the directory
// and everything under it are removed when fn returns.
func (e *Engine) WithTempDir(pattern string, fn func(dir string) error) error {
	return tempio.WithDir(e.emit, pattern, fn)
}

// Dispose releases every registered adapter's resources and stops the
// engine's result cache sweeper, if any.
func (e *Engine) Dispose() error {
	if e.cache != nil {
		e.cache.Close()
	}
	return e.registry.Dispose()
}
