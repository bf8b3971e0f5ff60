// SPDX-License-Identifier: MPL-2.0

// Package parallel implements xrun's bounded-concurrency task runner
// (§4.7, C17): a flat bag of tasks run under maxConcurrency with
// all/settled/race/map/filter/some/every variants, and an ordered
// pipeline of stages (including conditional, result-dependent stages)
// run one after another, each stage's output feeding the next.
//
// Grounded in the pack's @parallel decorator
// (opal-lang-opal/pkgs/decorators/parallel.go): a semaphore channel plus
// WaitGroup plus buffered error channel, generalized from codegen'd
// shell commands into arbitrary typed tasks and bounded with
// golang.org/x/sync/semaphore instead of a bare channel, so a task can
// release its slot without leaking goroutines on cancellation.
package parallel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Task is one unit of work submitted to Run. It must honor ctx's
// cancellation itself; Parallel stops *launching* new tasks after a
// failure under StopOnError, it does not forcibly interrupt running
// ones (§4.7).
type Task[T any] func(ctx context.Context) (T, error)

// Outcome is one task's settled result, always populated regardless of
// success or failure, the Settled-variant record of §4.7.
type Outcome[T any] struct {
	Index   int
	Value   T
	Err     error
	Started time.Time
	Ended   time.Time
}

// Options configures a Run.
type Options struct {
	// MaxConcurrency bounds how many tasks run at once. Zero or
	// negative means unlimited.
	MaxConcurrency int
	// StopOnError stops launching new tasks after the first failure;
	// tasks already running are allowed to finish.
	StopOnError bool
	// OnProgress is called after each task settles, with the count of
	// tasks settled so far and the total task count.
	OnProgress func(completed, total int)
}

// Report is Run's aggregate return value: every per-task Outcome in
// submission order, plus the §4.7 summary fields.
type Report[T any] struct {
	Outcomes  []Outcome[T]
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// Run executes every task in tasks under opts, returning once all
// launched tasks have settled. This is the "settled" variant: it never
// returns early or drops a per-task error, callers needing "all"
// semantics check Report.Failed themselves (see All).
func Run[T any](ctx context.Context, tasks []Task[T], opts Options) Report[T] {
	start := time.Now()
	n := len(tasks)
	outcomes := make([]Outcome[T], n)

	limit := int64(opts.MaxConcurrency)
	if limit <= 0 {
		limit = int64(n)
		if limit == 0 {
			limit = 1
		}
	}
	sem := semaphore.NewWeighted(limit)

	var wg sync.WaitGroup
	var stopMu sync.Mutex
	stopped := false
	var completed int
	var completedMu sync.Mutex

	for i, task := range tasks {
		stopMu.Lock()
		halt := stopped
		stopMu.Unlock()
		if halt {
			outcomes[i] = Outcome[T]{Index: i, Err: context.Canceled}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = Outcome[T]{Index: i, Err: err}
			continue
		}

		wg.Add(1)
		go func(i int, task Task[T]) {
			defer wg.Done()
			defer sem.Release(1)

			started := time.Now()
			val, err := task(ctx)
			outcomes[i] = Outcome[T]{Index: i, Value: val, Err: err, Started: started, Ended: time.Now()}

			if err != nil && opts.StopOnError {
				stopMu.Lock()
				stopped = true
				stopMu.Unlock()
			}
			if opts.OnProgress != nil {
				completedMu.Lock()
				completed++
				done := completed
				completedMu.Unlock()
				opts.OnProgress(done, n)
			}
		}(i, task)
	}
	wg.Wait()

	report := Report[T]{Outcomes: outcomes, Duration: time.Since(start)}
	for _, o := range outcomes {
		if o.Err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	return report
}

// All runs every task and returns the values in order, failing fast on
// the first error encountered in submission order (not necessarily the
// first to occur in time, matching a deterministic "all" contract).
func All[T any](ctx context.Context, tasks []Task[T], maxConcurrency int) ([]T, error) {
	report := Run(ctx, tasks, Options{MaxConcurrency: maxConcurrency, StopOnError: true})
	values := make([]T, len(report.Outcomes))
	for i, o := range report.Outcomes {
		if o.Err != nil {
			return nil, o.Err
		}
		values[i] = o.Value
	}
	return values, nil
}

// Settled runs every task and never fails the call itself; inspect
// Report.Outcomes for individual failures.
func Settled[T any](ctx context.Context, tasks []Task[T], maxConcurrency int) Report[T] {
	return Run(ctx, tasks, Options{MaxConcurrency: maxConcurrency})
}

// Race returns the value of whichever task finishes first (success or
// error); remaining tasks keep running but their outcomes are
// discarded, matching §4.7's "first to finish" contract.
func Race[T any](ctx context.Context, tasks []Task[T]) (T, error) {
	type result struct {
		val T
		err error
	}
	results := make(chan result, len(tasks))
	for _, task := range tasks {
		go func(task Task[T]) {
			val, err := task(ctx)
			results <- result{val, err}
		}(task)
	}
	r := <-results
	return r.val, r.err
}

// Map runs fn over every item in items with bounded concurrency,
// returning results in the same order as items.
func Map[I, O any](ctx context.Context, items []I, maxConcurrency int, fn func(context.Context, I) (O, error)) ([]O, error) {
	tasks := make([]Task[O], len(items))
	for i, item := range items {
		item := item
		tasks[i] = func(ctx context.Context) (O, error) { return fn(ctx, item) }
	}
	return All(ctx, tasks, maxConcurrency)
}

// Filter runs pred over every item with bounded concurrency and
// returns the subset that matched, preserving original order.
func Filter[I any](ctx context.Context, items []I, maxConcurrency int, pred func(context.Context, I) (bool, error)) ([]I, error) {
	tasks := make([]Task[bool], len(items))
	for i, item := range items {
		item := item
		tasks[i] = func(ctx context.Context) (bool, error) { return pred(ctx, item) }
	}
	keep, err := All(ctx, tasks, maxConcurrency)
	if err != nil {
		return nil, err
	}
	out := make([]I, 0, len(items))
	for i, k := range keep {
		if k {
			out = append(out, items[i])
		}
	}
	return out, nil
}

// Some reports whether at least one item satisfies pred. Every item is
// evaluated; a match does not stop the remaining predicates.
func Some[I any](ctx context.Context, items []I, maxConcurrency int, pred func(context.Context, I) (bool, error)) (bool, error) {
	tasks := make([]Task[bool], len(items))
	for i, item := range items {
		item := item
		tasks[i] = func(ctx context.Context) (bool, error) { return pred(ctx, item) }
	}
	report := Run(ctx, tasks, Options{MaxConcurrency: maxConcurrency})
	for _, o := range report.Outcomes {
		if o.Err == nil && o.Value {
			return true, nil
		}
	}
	for _, o := range report.Outcomes {
		if o.Err != nil {
			return false, o.Err
		}
	}
	return false, nil
}

// Every reports whether every item satisfies pred.
func Every[I any](ctx context.Context, items []I, maxConcurrency int, pred func(context.Context, I) (bool, error)) (bool, error) {
	tasks := make([]Task[bool], len(items))
	for i, item := range items {
		item := item
		tasks[i] = func(ctx context.Context) (bool, error) { return pred(ctx, item) }
	}
	values, err := All(ctx, tasks, maxConcurrency)
	if err != nil {
		return false, err
	}
	for _, v := range values {
		if !v {
			return false, nil
		}
	}
	return true, nil
}
