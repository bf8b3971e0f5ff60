// SPDX-License-Identifier: MPL-2.0

package xrun

import (
	"context"

	"xrun/internal/parallel"
)

// ParallelOptions configures the flat-bag task runner of §4.7.
type ParallelOptions struct {
	MaxConcurrency int
	StopOnError    bool
	OnProgress     func(completed, total int)
}

func (o ParallelOptions) toInternal() parallel.Options {
	return parallel.Options{MaxConcurrency: o.MaxConcurrency, StopOnError: o.StopOnError, OnProgress: o.OnProgress}
}

// ParallelReport is Parallel's aggregate return value: every command's
// Result in submission order, plus the §4.7 summary fields.
type ParallelReport struct {
	Results   []Result
	Errors    []error
	Succeeded int
	Failed    int
}

func commandsToTasks(e *Engine, cmds []Command) []parallel.Task[Result] {
	tasks := make([]parallel.Task[Result], len(cmds))
	for i, cmd := range cmds {
		cmd := cmd
		tasks[i] = func(ctx context.Context) (Result, error) { return e.Run(ctx, cmd) }
	}
	return tasks
}

// ParallelSettled runs every command under opts and never fails the
// call itself — the "settled" variant of §4.7. Inspect each Result's
// OK() and the parallel Errors slice for individual failures.
func (e *Engine) ParallelSettled(ctx context.Context, cmds []Command, opts ParallelOptions) ParallelReport {
	report := parallel.Run(ctx, commandsToTasks(e, cmds), opts.toInternal())
	out := ParallelReport{Results: make([]Result, len(report.Outcomes)), Errors: make([]error, len(report.Outcomes)), Succeeded: report.Succeeded, Failed: report.Failed}
	for i, o := range report.Outcomes {
		out.Results[i] = o.Value
		out.Errors[i] = o.Err
	}
	return out
}

// ParallelAll runs every command and returns their Results in order,
// failing fast (returning the first error encountered in submission
// order) per §4.7's "all" variant.
func (e *Engine) ParallelAll(ctx context.Context, cmds []Command, opts ParallelOptions) ([]Result, error) {
	return parallel.All(ctx, commandsToTasks(e, cmds), opts.MaxConcurrency)
}

// ParallelRace runs every command and returns whichever finishes
// first; the rest keep running but their outcomes are discarded.
func (e *Engine) ParallelRace(ctx context.Context, cmds []Command) (Result, error) {
	return parallel.Race(ctx, commandsToTasks(e, cmds))
}

// ParallelMap runs fn over items with bounded concurrency, preserving
// order, per §4.7's map variant generalized beyond Command.
func ParallelMap[I, O any](ctx context.Context, items []I, maxConcurrency int, fn func(context.Context, I) (O, error)) ([]O, error) {
	return parallel.Map(ctx, items, maxConcurrency, fn)
}

// ParallelFilter keeps the items for which pred returns true,
// preserving order, per §4.7's filter variant.
func ParallelFilter[I any](ctx context.Context, items []I, maxConcurrency int, pred func(context.Context, I) (bool, error)) ([]I, error) {
	return parallel.Filter(ctx, items, maxConcurrency, pred)
}

// ParallelSome reports whether at least one item satisfies pred.
func ParallelSome[I any](ctx context.Context, items []I, maxConcurrency int, pred func(context.Context, I) (bool, error)) (bool, error) {
	return parallel.Some(ctx, items, maxConcurrency, pred)
}

// ParallelEvery reports whether every item satisfies pred.
func ParallelEvery[I any](ctx context.Context, items []I, maxConcurrency int, pred func(context.Context, I) (bool, error)) (bool, error) {
	return parallel.Every(ctx, items, maxConcurrency, pred)
}

// PipelineStage is one step of an Engine.Pipeline run (§4.7): either a
// concrete Command or, when Conditional is set, a factory that
// inspects the previous stage's Result and may return nil to skip that
// stage; later stages still run.
type PipelineStage struct {
	Conditional bool
	// Command is used when Conditional is false.
	Command Command
	// Factory is used when Conditional is true. Returning a nil
	// *Command skips this stage and, per §4.7, serializes the flow:
	// conditional stages always run as singleton groups.
	Factory    func(ctx context.Context, prev Result) (*Command, error)
	OnProgress func(stageIndex int, r Result)
}

// PipelineReport is Pipeline's aggregate return value.
type PipelineReport struct {
	Stages []PipelineStageResult
}

// PipelineStageResult records one stage's settled outcome.
type PipelineStageResult struct {
	Index   int
	Result  Result
	Skipped bool
	Err     error
}

// Pipeline runs stages in order, one at a time, streaming each stage's
// stdout into the next stage's stdin (the §4.5 pipe contract). A
// conditional stage's Factory may return nil to skip that stage; the
// first failing stage stops the pipeline. maxConcurrency is not used.
func (e *Engine) Pipeline(ctx context.Context, initial Command, stages []PipelineStage, maxConcurrency int) PipelineReport {
	internalStages := make([]parallel.Stage[Result], len(stages))
	for i, s := range stages {
		s := s
		internalStages[i] = parallel.Stage[Result]{
			Conditional: s.Conditional,
			Factory: func(ctx context.Context, prev Result) (*Result, error) {
				cmd := s.Command
				if s.Conditional {
					factoryCmd, err := s.Factory(ctx, prev)
					if err != nil {
						return nil, err
					}
					if factoryCmd == nil {
						return nil, nil
					}
					cmd = *factoryCmd
				} else if prev.Command != "" {
					cmd.Stdin = prev.Buffer()
				}
				res, err := e.Run(ctx, cmd)
				if err != nil {
					return nil, err
				}
				return &res, nil
			},
			OnProgress: func(idx int, r Result) {
				if s.OnProgress != nil {
					s.OnProgress(idx, r)
				}
			},
		}
	}

	initialResult, err := e.Run(ctx, initial)
	report := PipelineReport{Stages: []PipelineStageResult{{Index: -1, Result: initialResult, Err: err}}}
	if err != nil {
		return report
	}

	inner := parallel.Pipeline(ctx, initialResult, internalStages, maxConcurrency)
	for _, s := range inner.Stages {
		report.Stages = append(report.Stages, PipelineStageResult{Index: s.Index, Result: s.Value, Skipped: s.Skipped, Err: s.Err})
	}
	return report
}
