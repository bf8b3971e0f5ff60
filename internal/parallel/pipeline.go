// SPDX-License-Identifier: MPL-2.0

package parallel

import (
	"context"
	"time"
)

// Stage is one step of a Pipeline. Concrete stages return a non-nil
// *V unconditionally; conditional stages inspect prev and may return
// nil to mean "skip", per §4.7's "prevResult ⇒ Command | null" shape
// generalized to any value type V.
type Stage[V any] struct {
	// Conditional marks a stage whose Factory depends on the previous
	// stage's output. Conditional stages always run as singleton
	// groups, serializing the pipeline around them.
	Conditional bool
	Factory     func(ctx context.Context, prev V) (*V, error)
	// OnProgress, when set, is called once this stage completes.
	OnProgress func(stageIndex int, v V)
}

// StageResult records one stage's outcome, including stages skipped by
// a conditional factory returning nil.
type StageResult[V any] struct {
	Index   int
	Value   V
	Skipped bool
	Err     error
}

// PipelineReport is Pipeline's aggregate return value.
type PipelineReport[V any] struct {
	Stages   []StageResult[V]
	Duration time.Duration
}

// group is a maximal run of consecutive non-conditional stages.
// Pipeline runs the stages of a group one after another.
type group[V any] struct {
	startIndex int
	stages     []Stage[V]
}

// Pipeline runs stages in order, one at a time, feeding each stage's
// output into the next stage's input the way a shell pipe streams
// stdout into stdin. The first stage that returns an error stops the
// pipeline; a stage whose factory returns nil is recorded as skipped
// and the next stage receives the last value produced. Stages never
// run concurrently; maxConcurrency is not used.
func Pipeline[V any](ctx context.Context, initial V, stages []Stage[V], maxConcurrency int) PipelineReport[V] {
	start := time.Now()
	report := PipelineReport[V]{}

	groups := groupStages(stages)
	current := initial

	for _, g := range groups {
		if len(g.stages) == 1 && g.stages[0].Conditional {
			idx := g.startIndex
			stage := g.stages[0]
			out, err := stage.Factory(ctx, current)
			res := StageResult[V]{Index: idx, Err: err}
			if err != nil {
				report.Stages = append(report.Stages, res)
				break
			}
			if out == nil {
				res.Skipped = true
				report.Stages = append(report.Stages, res)
				continue
			}
			current = *out
			res.Value = current
			if stage.OnProgress != nil {
				stage.OnProgress(idx, current)
			}
			report.Stages = append(report.Stages, res)
			continue
		}

		failed := false
		for i, stage := range g.stages {
			idx := g.startIndex + i
			out, err := stage.Factory(ctx, current)
			res := StageResult[V]{Index: idx, Err: err}
			if err != nil {
				failed = true
			} else if out == nil {
				res.Skipped = true
			} else {
				res.Value = *out
				if stage.OnProgress != nil {
					stage.OnProgress(idx, res.Value)
				}
				current = *out
			}
			report.Stages = append(report.Stages, res)
			if failed {
				break
			}
		}
		if failed {
			break
		}
	}

	report.Duration = time.Since(start)
	return report
}

func groupStages[V any](stages []Stage[V]) []group[V] {
	var groups []group[V]
	var cur *group[V]
	for i, s := range stages {
		if s.Conditional {
			groups = append(groups, group[V]{startIndex: i, stages: []Stage[V]{s}})
			cur = nil
			continue
		}
		if cur == nil {
			groups = append(groups, group[V]{startIndex: i})
			cur = &groups[len(groups)-1]
		}
		cur.stages = append(cur.stages, s)
	}
	return groups
}
