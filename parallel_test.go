// SPDX-License-Identifier: MPL-2.0

package xrun

import (
	"context"
	"testing"
)

func newMockTestEngine(t *testing.T) *Engine {
	t.Helper()
	registry := NewRegistry()
	registry.Register(AdapterMock, newEchoMockAdapter())
	return NewEngine(registry, AdapterMock)
}

// echoMockAdapter is a minimal in-package stand-in so parallel/pipeline
// tests don't need to import adapter/mock (which itself depends on
// this package) — it just reports Command.Text back as stdout.
type echoMockAdapter struct{}

func newEchoMockAdapter() *echoMockAdapter { return &echoMockAdapter{} }

func (a *echoMockAdapter) Name() string                      { return "mock" }
func (a *echoMockAdapter) IsAvailable(ctx context.Context) bool { return true }
func (a *echoMockAdapter) Dispose() error                     { return nil }
func (a *echoMockAdapter) Execute(ctx context.Context, cmd Command) (Result, error) {
	return Result{Stdout: cmd.Text, ExitCode: 0, Command: cmd.Text, Adapter: AdapterMock}, nil
}

func TestParallelSettled(t *testing.T) {
	t.Parallel()
	e := newMockTestEngine(t)
	cmds := []Command{NewCommand("one"), NewCommand("two"), NewCommand("three")}
	report := e.ParallelSettled(context.Background(), cmds, ParallelOptions{MaxConcurrency: 2})
	if report.Failed != 0 || report.Succeeded != 3 {
		t.Fatalf("report = %+v", report)
	}
	if report.Results[1].Stdout != "two" {
		t.Fatalf("Results[1].Stdout = %q, want two", report.Results[1].Stdout)
	}
}

func TestParallelAll(t *testing.T) {
	t.Parallel()
	e := newMockTestEngine(t)
	cmds := []Command{NewCommand("a"), NewCommand("b")}
	results, err := e.ParallelAll(context.Background(), cmds, ParallelOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 || results[0].Stdout != "a" || results[1].Stdout != "b" {
		t.Fatalf("results = %+v", results)
	}
}

func TestParallelMapFilterSomeEvery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	items := []int{1, 2, 3, 4}

	doubled, err := ParallelMap(ctx, items, 0, func(_ context.Context, i int) (int, error) { return i * 2, nil })
	if err != nil || len(doubled) != 4 || doubled[2] != 6 {
		t.Fatalf("ParallelMap = %v, err %v", doubled, err)
	}

	evens, err := ParallelFilter(ctx, items, 0, func(_ context.Context, i int) (bool, error) { return i%2 == 0, nil })
	if err != nil || len(evens) != 2 {
		t.Fatalf("ParallelFilter = %v, err %v", evens, err)
	}

	some, err := ParallelSome(ctx, items, 0, func(_ context.Context, i int) (bool, error) { return i == 3, nil })
	if err != nil || !some {
		t.Fatalf("ParallelSome = %v, err %v", some, err)
	}

	every, err := ParallelEvery(ctx, items, 0, func(_ context.Context, i int) (bool, error) { return i > 0, nil })
	if err != nil || !every {
		t.Fatalf("ParallelEvery = %v, err %v", every, err)
	}
}

func TestPipelineStreamsStdout(t *testing.T) {
	t.Parallel()
	e := newMockTestEngine(t)
	stages := []PipelineStage{
		{Command: NewCommand("stage-one")},
		{Command: NewCommand("stage-two")},
	}
	report := e.Pipeline(context.Background(), NewCommand("initial"), stages, 1)
	if len(report.Stages) != 3 {
		t.Fatalf("len(Stages) = %d, want 3", len(report.Stages))
	}
	for _, s := range report.Stages {
		if s.Err != nil {
			t.Fatalf("stage %d failed: %v", s.Index, s.Err)
		}
	}
}

func TestPipelineConditionalSkip(t *testing.T) {
	t.Parallel()
	e := newMockTestEngine(t)
	stages := []PipelineStage{
		{
			Conditional: true,
			Factory: func(_ context.Context, prev Result) (*Command, error) {
				return nil, nil
			},
		},
	}
	report := e.Pipeline(context.Background(), NewCommand("initial"), stages, 1)
	if len(report.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(report.Stages))
	}
	if !report.Stages[1].Skipped {
		t.Fatalf("expected conditional stage to be skipped")
	}
}
