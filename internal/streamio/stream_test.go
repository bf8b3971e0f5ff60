// SPDX-License-Identifier: MPL-2.0

package streamio

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestHandler_CapturesAndOverflows(t *testing.T) {
	t.Parallel()
	h := &Handler{Cap: 8, Policy: OverflowError}
	n, err := h.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("unexpected write result: n=%d err=%v", n, err)
	}
	_, err = h.Write([]byte("world!!!"))
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if !h.Overflowed() {
		t.Fatal("expected Overflowed() true")
	}
}

func TestHandler_OverflowDropKeepsWriting(t *testing.T) {
	t.Parallel()
	h := &Handler{Cap: 4, Policy: OverflowDrop}
	if _, err := h.Write([]byte("abcdefgh")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.Bytes()) != 4 {
		t.Fatalf("expected buffer capped at 4, got %d", len(h.Bytes()))
	}
	if !h.Overflowed() {
		t.Fatal("expected Overflowed() true")
	}
}

func TestHandler_LineFunc(t *testing.T) {
	t.Parallel()
	var lines []string
	h := &Handler{Cap: DefaultCap, LineFunc: func(l string) { lines = append(lines, l) }}
	_, _ = h.Write([]byte("one\ntwo\nthr"))
	_, _ = h.Write([]byte("ee\n"))
	h.Flush()

	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("got %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("got %v, want %v", lines, want)
		}
	}
}

func TestHandler_Mirror(t *testing.T) {
	t.Parallel()
	var mirror bytes.Buffer
	h := &Handler{Cap: DefaultCap, Mirror: &mirror}
	_, _ = h.Write([]byte("payload"))
	if mirror.String() != "payload" {
		t.Fatalf("expected mirror to receive payload, got %q", mirror.String())
	}
	if h.String() != "payload" {
		t.Fatalf("expected capture to also receive payload, got %q", h.String())
	}
}

func TestScanLines(t *testing.T) {
	t.Parallel()
	var got []string
	err := ScanLines(strings.NewReader("a\nb\nc"), func(l string) { got = append(got, l) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("got %v", got)
	}
}
