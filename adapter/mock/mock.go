// SPDX-License-Identifier: MPL-2.0

// Package mock implements xrun's deterministic test adapter (C20):
// callers register canned Results or error-producing responders keyed
// by command string (exact match or a predicate), so tests can drive
// Engine/ProcessPromise/parallel/pipeline/transfer logic without a
// real local, SSH, Docker, or Kubernetes backend. Grounded in the
// teacher's table-driven test style throughout internal/container and
// internal/runtime, generalized into a reusable test double.
package mock

import (
	"context"
	"sync"
	"time"

	"xrun"
)

// Responder decides how a given command resolves. Match returns false
// to let a later-registered responder (or the default) try instead.
type Responder interface {
	Match(cmd xrun.Command) bool
	Respond(ctx context.Context, cmd xrun.Command) (xrun.Result, error)
}

// Exact matches a command whose Text (or, for argv commands, raw argv
// rendering) equals Command exactly.
type Exact struct {
	Command string
	Result  xrun.Result
	Err     error
	Delay   time.Duration
}

// Match implements Responder.
func (e Exact) Match(cmd xrun.Command) bool {
	text := cmd.Text
	if text == "" {
		text = xrun.Raw(cmd.Argv)
	}
	return text == e.Command
}

// Respond implements Responder.
func (e Exact) Respond(ctx context.Context, cmd xrun.Command) (xrun.Result, error) {
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return xrun.Result{}, ctx.Err()
		}
	}
	res := e.Result
	res.Command = cmd.String()
	res.Adapter = xrun.AdapterMock
	return res, e.Err
}

// Func wraps an arbitrary predicate+handler pair as a Responder.
type Func struct {
	Predicate func(xrun.Command) bool
	Handle    func(context.Context, xrun.Command) (xrun.Result, error)
}

// Match implements Responder.
func (f Func) Match(cmd xrun.Command) bool { return f.Predicate(cmd) }

// Respond implements Responder.
func (f Func) Respond(ctx context.Context, cmd xrun.Command) (xrun.Result, error) {
	return f.Handle(ctx, cmd)
}

// Adapter is a registry of Responders consulted in registration order.
// Every call is recorded for test assertions.
type Adapter struct {
	mu         sync.Mutex
	responders []Responder
	calls      []xrun.Command
	Default    xrun.Result
}

// New returns an empty mock Adapter; unmatched commands resolve with a
// zero (successful, empty-output) Result unless On/Default says
// otherwise.
func New() *Adapter {
	return &Adapter{}
}

// On registers r; responders are tried in the order they were added.
func (a *Adapter) On(r Responder) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responders = append(a.responders, r)
	return a
}

// OnCommand is shorthand for On(Exact{Command: text, Result: result}).
func (a *Adapter) OnCommand(text string, result xrun.Result) *Adapter {
	return a.On(Exact{Command: text, Result: result})
}

// OnCommandError is shorthand for registering an exact-match command
// that fails with err.
func (a *Adapter) OnCommandError(text string, err error) *Adapter {
	return a.On(Exact{Command: text, Err: err})
}

// Calls returns every command this adapter has executed, in order.
func (a *Adapter) Calls() []xrun.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]xrun.Command(nil), a.calls...)
}

// Name implements xrun.Adapter.
func (a *Adapter) Name() string { return "mock" }

// IsAvailable implements xrun.Adapter; the mock adapter is always
// available.
func (a *Adapter) IsAvailable(ctx context.Context) bool { return true }

// Dispose implements xrun.Adapter; the mock adapter holds no resources.
func (a *Adapter) Dispose() error { return nil }

// Execute implements xrun.Adapter: the first matching registered
// Responder answers; absent a match, Default is returned verbatim.
func (a *Adapter) Execute(ctx context.Context, cmd xrun.Command) (xrun.Result, error) {
	cmd.Adapter = xrun.AdapterMock
	start := time.Now()

	a.mu.Lock()
	a.calls = append(a.calls, cmd)
	responders := append([]Responder(nil), a.responders...)
	a.mu.Unlock()

	for _, r := range responders {
		if r.Match(cmd) {
			res, err := r.Respond(ctx, cmd)
			if res.StartedAt.IsZero() {
				res.StartedAt = start
			}
			if res.EndedAt.IsZero() {
				res.EndedAt = time.Now()
			}
			return res, err
		}
	}

	res := a.Default
	res.Command = cmd.String()
	res.Adapter = xrun.AdapterMock
	res.StartedAt = start
	res.EndedAt = time.Now()
	return res, nil
}
