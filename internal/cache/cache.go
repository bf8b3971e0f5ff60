// SPDX-License-Identifier: MPL-2.0

// Package cache is a keyed, TTL-bounded memoization layer with
// deduplication of concurrent identical requests ("inflight coalescing")
// and a background sweeper that evicts expired entries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"xrun/internal/events"
	"xrun/internal/globutil"
)

var logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "cache"})

// Key computes the SHA-256 of a canonical JSON encoding of
// {command, cwd, env}, matching spec §3's cache-entry key definition.
// Env keys are sorted so map iteration order never perturbs the hash.
func Key(command, cwd string, env map[string]string) string {
	type canonical struct {
		Command string    `json:"command"`
		Cwd     string    `json:"cwd"`
		Env     []envPair `json:"env"`
	}
	pairs := make([]envPair, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, envPair{K: k, V: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].K < pairs[j].K })

	b, _ := json.Marshal(canonical{Command: command, Cwd: cwd, Env: pairs})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type envPair struct {
	K string `json:"k"`
	V string `json:"v"`
}

type entry[T any] struct {
	value     T
	createdAt time.Time
	ttl       time.Duration
}

func (e entry[T]) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// Stats reports cache hit/miss bookkeeping.
type Stats struct {
	Size int
	Hits int64
	Miss int64
}

// Cache is a generic, inflight-coalescing, TTL-bounded result cache.
type Cache[T any] struct {
	mu       sync.Mutex
	entries  map[string]entry[T]
	inflight map[string]*inflightCall[T]
	emit     *events.Emitter

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepOnce     sync.Once

	hits, miss int64
}

type inflightCall[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// New returns a Cache that sweeps expired entries every sweepInterval
// (default 60s when zero) and emits through emit (may be nil).
func New[T any](emit *events.Emitter, sweepInterval time.Duration) *Cache[T] {
	if sweepInterval <= 0 {
		sweepInterval = 60 * time.Second
	}
	c := &Cache[T]{
		entries:       make(map[string]entry[T]),
		inflight:      make(map[string]*inflightCall[T]),
		emit:          emit,
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache[T]) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

func (c *Cache[T]) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopSweep:
			return
		}
	}
}

func (c *Cache[T]) sweep() {
	now := time.Now()
	c.mu.Lock()
	var evicted []string
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			evicted = append(evicted, k)
		}
	}
	c.mu.Unlock()

	if len(evicted) > 0 {
		logger.Debug("swept expired entries", "count", len(evicted))
	}
	for _, k := range evicted {
		c.emitEvent("cache:evict", k)
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		if ok {
			delete(c.entries, key)
		}
		c.miss++
		var zero T
		c.emitEvent("cache:miss", key)
		return zero, false
	}
	c.hits++
	c.emitEvent("cache:hit", key)
	return e.value, true
}

// Set stores value under key with the given TTL (0 = never expires).
func (c *Cache[T]) Set(key string, value T, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry[T]{value: value, createdAt: time.Now(), ttl: ttl}
	c.mu.Unlock()
	c.emitEvent("cache:set", key)
}

// Invalidate deletes every key matching any of the glob patterns.
func (c *Cache[T]) Invalidate(patterns ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range patterns {
		re, err := globutil.Compile(p)
		if err != nil {
			continue
		}
		for k := range c.entries {
			if re.MatchString(k) {
				delete(c.entries, k)
				n++
			}
		}
	}
	return n
}

// Stats returns a snapshot of cache size and hit/miss counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: len(c.entries), Hits: c.hits, Miss: c.miss}
}

// GetOrLoad implements request coalescing: if key is already being
// loaded by another goroutine, the caller awaits that same in-flight
// result instead of invoking load again. On success the result is
// stored with ttl.
func (c *Cache[T]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.value, call.err
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}

	call := &inflightCall[T]{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	value, err := load(ctx)
	call.value, call.err = value, err
	close(call.done)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	if err == nil {
		c.Set(key, value, ttl)
	}
	return value, err
}

func (c *Cache[T]) emitEvent(name, key string) {
	if c.emit == nil {
		return
	}
	c.emit.Emit(events.Event{Name: name, Fields: map[string]any{"key": key}})
}
