// SPDX-License-Identifier: MPL-2.0

package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMutex_ExcludesConcurrentHolders(t *testing.T) {
	t.Parallel()
	m := NewMutex()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background())
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			defer release()
			n := atomic.AddInt32(&active, 1)
			for {
				max := atomic.LoadInt32(&maxActive)
				if n <= max || atomic.CompareAndSwapInt32(&maxActive, max, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most 1 concurrent holder, saw %d", maxActive)
	}
}

func TestMutex_AcquireRespectsContext(t *testing.T) {
	t.Parallel()
	m := NewMutex()
	release, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := m.Acquire(ctx); err == nil {
		t.Fatal("expected context deadline error, got nil")
	}
}

func TestKeyedMutex_PerKeyExclusion(t *testing.T) {
	t.Parallel()
	km := NewKeyedMutex[string]()
	var wg sync.WaitGroup
	counts := map[string]*int32{"a": new(int32), "b": new(int32)}

	for _, key := range []string{"a", "a", "a", "b", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = km.WithLock(context.Background(), key, func() error {
				atomic.AddInt32(counts[key], 1)
				return nil
			})
		}(key)
	}
	wg.Wait()

	if *counts["a"] != 3 || *counts["b"] != 2 {
		t.Fatalf("unexpected counts: a=%d b=%d", *counts["a"], *counts["b"])
	}
}

func TestKeyedMutex_DeleteDoesNotPanic(t *testing.T) {
	t.Parallel()
	km := NewKeyedMutex[string]()
	release, err := km.Acquire(context.Background(), "x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	km.Delete("x")
	release()
}
