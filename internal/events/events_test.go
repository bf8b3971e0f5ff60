// SPDX-License-Identifier: MPL-2.0

package events

import "testing"

func TestEmit_PreservesOrder(t *testing.T) {
	t.Parallel()
	em := New()
	var order []int
	em.On("x", func(Event) { order = append(order, 1) })
	em.On("x", func(Event) { order = append(order, 2) })
	em.On("x", func(Event) { order = append(order, 3) })

	em.Emit(Event{Name: "x"})

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestOn_Wildcard(t *testing.T) {
	t.Parallel()
	em := New()
	var got []string
	em.On("ssh:*", func(ev Event) { got = append(got, ev.Name) })

	em.Emit(Event{Name: "ssh:connect"})
	em.Emit(Event{Name: "cache:hit"})
	em.Emit(Event{Name: "ssh:disconnect"})

	if len(got) != 2 || got[0] != "ssh:connect" || got[1] != "ssh:disconnect" {
		t.Fatalf("got %v", got)
	}
}

func TestOnFiltered_AllFieldsMustMatch(t *testing.T) {
	t.Parallel()
	em := New()
	var matched int
	em.OnFiltered("transfer:start", map[string]any{"adapter": []string{"ssh", "docker"}}, func(Event) {
		matched++
	})

	em.Emit(Event{Name: "transfer:start", Adapter: "ssh"})
	em.Emit(Event{Name: "transfer:start", Adapter: "k8s"})
	em.Emit(Event{Name: "transfer:start", Adapter: "docker"})

	if matched != 2 {
		t.Fatalf("expected 2 matches, got %d", matched)
	}
}

func TestEmit_StampsTimestampAndKeepsAdapter(t *testing.T) {
	t.Parallel()
	em := New()
	var got Event
	em.On("x", func(ev Event) { got = ev })
	em.Emit(Event{Name: "x", Adapter: "local"})

	if got.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be stamped")
	}
	if got.Adapter != "local" {
		t.Fatalf("expected adapter to survive, got %q", got.Adapter)
	}
}
