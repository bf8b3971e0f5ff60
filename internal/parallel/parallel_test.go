// SPDX-License-Identifier: MPL-2.0

package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_Settled_MixedResults(t *testing.T) {
	t.Parallel()
	tasks := []Task[int]{
		func(ctx context.Context) (int, error) { return 1, nil },
		func(ctx context.Context) (int, error) { return 0, errors.New("boom") },
		func(ctx context.Context) (int, error) { return 3, nil },
	}
	report := Run(context.Background(), tasks, Options{MaxConcurrency: 2})
	if report.Succeeded != 2 || report.Failed != 1 {
		t.Fatalf("expected 2 succeeded/1 failed, got %d/%d", report.Succeeded, report.Failed)
	}
	if report.Outcomes[0].Value != 1 || report.Outcomes[2].Value != 3 {
		t.Fatalf("outcomes out of order: %+v", report.Outcomes)
	}
}

func TestRun_StopOnError_SkipsUnlaunchedTasks(t *testing.T) {
	t.Parallel()
	var started int32
	tasks := make([]Task[int], 5)
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context) (int, error) {
			atomic.AddInt32(&started, 1)
			if i == 0 {
				return 0, errors.New("fail fast")
			}
			time.Sleep(20 * time.Millisecond)
			return i, nil
		}
	}
	report := Run(context.Background(), tasks, Options{MaxConcurrency: 1, StopOnError: true})
	if report.Failed == 0 {
		t.Fatal("expected at least one failure")
	}
	skipped := 0
	for _, o := range report.Outcomes {
		if errors.Is(o.Err, context.Canceled) {
			skipped++
		}
	}
	if skipped == 0 {
		t.Fatal("expected StopOnError to skip at least one unlaunched task")
	}
}

func TestAll_FailsOnFirstError(t *testing.T) {
	t.Parallel()
	wantErr := errors.New("task failed")
	tasks := []Task[string]{
		func(ctx context.Context) (string, error) { return "ok", nil },
		func(ctx context.Context) (string, error) { return "", wantErr },
	}
	_, err := All(context.Background(), tasks, 0)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestRace_ReturnsFirstToFinish(t *testing.T) {
	t.Parallel()
	tasks := []Task[string]{
		func(ctx context.Context) (string, error) {
			time.Sleep(50 * time.Millisecond)
			return "slow", nil
		},
		func(ctx context.Context) (string, error) { return "fast", nil },
	}
	got, err := Race(context.Background(), tasks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "fast" {
		t.Fatalf("expected fast to win, got %q", got)
	}
}

func TestMap_PreservesOrder(t *testing.T) {
	t.Parallel()
	items := []int{1, 2, 3, 4}
	out, err := Map(context.Background(), items, 2, func(ctx context.Context, i int) (int, error) {
		return i * i, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{1, 4, 9, 16}
	for i, v := range want {
		if out[i] != v {
			t.Fatalf("index %d: want %d, got %d", i, v, out[i])
		}
	}
}

func TestFilter_KeepsMatchingOrder(t *testing.T) {
	t.Parallel()
	items := []int{1, 2, 3, 4, 5, 6}
	out, err := Filter(context.Background(), items, 0, func(ctx context.Context, i int) (bool, error) {
		return i%2 == 0, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{2, 4, 6}
	if len(out) != len(want) {
		t.Fatalf("want %v, got %v", want, out)
	}
	for i, v := range want {
		if out[i] != v {
			t.Fatalf("index %d: want %d, got %d", i, v, out[i])
		}
	}
}

func TestSome_FindsMatch(t *testing.T) {
	t.Parallel()
	items := []int{1, 2, 3}
	ok, err := Some(context.Background(), items, 0, func(ctx context.Context, i int) (bool, error) {
		return i == 2, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected Some to find a match")
	}
}

func TestEvery_FalseOnFirstMiss(t *testing.T) {
	t.Parallel()
	items := []int{2, 4, 5, 6}
	ok, err := Every(context.Background(), items, 0, func(ctx context.Context, i int) (bool, error) {
		return i%2 == 0, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected Every to be false")
	}
}
