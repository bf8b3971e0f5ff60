// SPDX-License-Identifier: MPL-2.0

// Package events is the engine's typed pub/sub bus. Adapters, the pool,
// the cache, retry, and transfer all emit through one Emitter per Engine
// so a caller can observe the wire-name events listed in spec §6 with
// exact-name, filtered, or glob subscriptions.
package events

import (
	"regexp"
	"sync"
	"time"

	"xrun/internal/globutil"
)

// Event is a typed record carrying a dotted/colon "category:action" name
// plus adapter-sourced metadata and arbitrary domain fields.
type Event struct {
	Name      string
	Timestamp time.Time
	Adapter   string
	Fields    map[string]any
}

// Field looks up a domain field by key.
func (e Event) Field(key string) (any, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// Handler receives emitted events. Handlers run synchronously, in
// subscription order, on the emitting goroutine — callers that need to
// avoid blocking the emitter should hand off to their own goroutine.
type Handler func(Event)

type wildcardSub struct {
	re      *regexp.Regexp
	handler Handler
}

// Emitter is a filtered/wildcard typed event bus. The zero value is not
// usable; construct with New.
type Emitter struct {
	mu        sync.RWMutex
	exact     map[string][]Handler
	wildcards []wildcardSub
}

// New returns a ready-to-use Emitter.
func New() *Emitter {
	return &Emitter{exact: make(map[string][]Handler)}
}

// On subscribes handler to events whose Name equals name exactly, or —
// when name contains '*' or '?' — to any event name the glob matches.
func (em *Emitter) On(name string, handler Handler) {
	if hasGlobChars(name) {
		em.mu.Lock()
		em.wildcards = append(em.wildcards, wildcardSub{re: globutil.MustCompile(name), handler: handler})
		em.mu.Unlock()
		return
	}
	em.mu.Lock()
	em.exact[name] = append(em.exact[name], handler)
	em.mu.Unlock()
}

// OnFiltered subscribes handler to events matching name (exact or glob)
// whose Fields satisfy every entry in filter. A filter value that is a
// []string is treated as "any of" — the event field must equal one of
// the listed strings. Fields absent from filter are not checked.
func (em *Emitter) OnFiltered(name string, filter map[string]any, handler Handler) {
	em.On(name, func(ev Event) {
		for key, want := range filter {
			got, ok := ev.Field(key)
			if key == "adapter" && !ok {
				got, ok = ev.Adapter, ev.Adapter != ""
			}
			if !ok {
				return
			}
			if !matchesFilterValue(want, got) {
				return
			}
		}
		handler(ev)
	})
}

func matchesFilterValue(want, got any) bool {
	if list, ok := want.([]string); ok {
		gotStr, ok := got.(string)
		if !ok {
			return false
		}
		for _, v := range list {
			if v == gotStr {
				return true
			}
		}
		return false
	}
	return want == got
}

// Emit stamps ev with Timestamp when missing (Adapter is left as the
// caller set it) and delivers it, in
// subscription order, to every exact and wildcard handler whose pattern
// matches ev.Name. Emission order within one Emitter is preserved: Emit
// is synchronous and handlers are invoked sequentially.
func (em *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	em.mu.RLock()
	handlers := append([]Handler(nil), em.exact[ev.Name]...)
	wildcards := append([]wildcardSub(nil), em.wildcards...)
	em.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	for _, w := range wildcards {
		if w.re.MatchString(ev.Name) {
			w.handler(ev)
		}
	}
}

func hasGlobChars(s string) bool {
	for _, r := range s {
		if r == '*' || r == '?' {
			return true
		}
	}
	return false
}
