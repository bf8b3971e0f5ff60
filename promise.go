// SPDX-License-Identifier: MPL-2.0

package xrun

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// ProcessPromise is a handle to an execution that has not necessarily
// started yet (§3). It carries the configuration-chain methods the
// source exposes on its tagged-template call result — .Nothrow(),
// .Quiet(), .Timeout(), .Cd(), .Env() — plus .Pipe* for composition.
//
// Unlike the source's callable-promise hybrid (which starts running
// the moment it is constructed, relying on the JS microtask queue to
// let synchronously-chained methods land before execution begins), a
// ProcessPromise here starts lazily on its first Wait/Pipe call. This
// is the Go-idiomatic reading of the same contract: configuration
// methods are safe to chain with no timing hazard, since nothing runs
// until the caller actually asks for a result.
type ProcessPromise struct {
	mu      sync.Mutex
	engine  *Engine
	cmd     Command
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
	result  Result
	err     error
}

func newProcessPromise(ctx context.Context, e *Engine, cmd Command) *ProcessPromise {
	pctx, cancel := context.WithCancel(ctx)
	return &ProcessPromise{engine: e, cmd: cmd, ctx: pctx, cancel: cancel, done: make(chan struct{})}
}

func failedPromise(e *Engine, err error) *ProcessPromise {
	p := &ProcessPromise{engine: e, ctx: context.Background(), cancel: func() {}, done: make(chan struct{})}
	p.started = true
	p.err = err
	close(p.done)
	return p
}

// Nothrow returns p with Nothrow set, so a non-zero exit resolves
// Wait's error to nil instead of a *CommandError.
func (p *ProcessPromise) Nothrow() *ProcessPromise {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmd.Nothrow = true
	return p
}

// Quiet returns p with stdio forced back to piped capture, discarding
// any inherited passthrough to the caller's own stdio — the Go
// reading of the source's "don't echo this command" toggle, since
// there is no implicit terminal echo to suppress otherwise.
func (p *ProcessPromise) Quiet() *ProcessPromise {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmd.StdoutMode = StdioPipe
	p.cmd.StderrMode = StdioPipe
	return p
}

// Timeout returns p with its deadline set to d.
func (p *ProcessPromise) Timeout(d time.Duration) *ProcessPromise {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmd.Timeout = d
	return p
}

// Cd returns p with its working directory set to dir.
func (p *ProcessPromise) Cd(dir string) *ProcessPromise {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmd.WorkDir = dir
	return p
}

// Env returns p with env merged into its environment overrides.
func (p *ProcessPromise) Env(env map[string]string) *ProcessPromise {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmd = p.cmd.WithEnv(env)
	return p
}

// Cancel aborts the promise's execution context. Safe to call whether
// or not the promise has started.
func (p *ProcessPromise) Cancel() { p.cancel() }

// Command returns the fully-configured command this promise will run
// (or has run), a snapshot safe to inspect after chaining.
func (p *ProcessPromise) Command() Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd
}

func (p *ProcessPromise) start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	cmd := p.cmd
	engine := p.engine
	ctx := p.ctx
	p.mu.Unlock()

	go func() {
		defer close(p.done)
		p.result, p.err = engine.Run(ctx, cmd)
	}()
}

// Wait starts the promise if it has not already and blocks for its
// result, converting it to an ExecutionResult per §3.
func (p *ProcessPromise) Wait() (Result, error) {
	p.start()
	<-p.done
	return p.result, p.err
}

// Pipe implements the ProcessPromise→ProcessPromise leg of §4.5: it
// waits for this promise, raises if it failed (unless Nothrow was set
// on it), and feeds its stdout as target's stdin, executing target
// exactly once when awaited.
func (p *ProcessPromise) Pipe(target *ProcessPromise) *ProcessPromise {
	res, err := p.Wait()
	if err != nil {
		return failedPromise(p.engine, err)
	}
	target.mu.Lock()
	target.cmd.Stdin = strings.NewReader(res.Stdout)
	target.mu.Unlock()
	return target
}

// PipeWriter implements the writable-byte-sink leg of §4.5: stdout is
// written to w once this promise resolves.
func (p *ProcessPromise) PipeWriter(w io.Writer) (Result, error) {
	res, err := p.Wait()
	if err != nil {
		return res, err
	}
	if _, werr := io.WriteString(w, res.Stdout); werr != nil {
		return res, werr
	}
	return res, nil
}

// PipeCommand implements the conditional-command-factory leg of §4.5:
// factory receives this promise's result and either returns a Command
// to run with the source's stdout as stdin, or nil to skip running
// anything (mirroring PipelineStage's conditional-stage contract).
func (p *ProcessPromise) PipeCommand(factory func(prev Result) (*Command, error)) (*ProcessPromise, error) {
	res, err := p.Wait()
	if err != nil {
		return nil, err
	}
	next, err := factory(res)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}
	cmd := *next
	cmd.Stdin = strings.NewReader(res.Stdout)
	return p.engine.Start(p.ctx, cmd), nil
}

// PipeFunc implements the function-target leg of §4.5. When lineMode
// is true, fn runs once per non-empty line of stdout (split on \n);
// otherwise fn runs once over the trimmed whole.
func (p *ProcessPromise) PipeFunc(lineMode bool, fn func(chunk string) error) error {
	res, err := p.Wait()
	if err != nil {
		return err
	}
	if !lineMode {
		return fn(res.TrimmedStdout())
	}
	for _, line := range res.Lines() {
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return nil
}
