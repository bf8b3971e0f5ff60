// SPDX-License-Identifier: MPL-2.0

package xrun

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Result is the uniform output record produced by every adapter. The
// invariant `OK() == (ExitCode == 0 && Signal == "")` always holds.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Signal is non-empty when the process was terminated by a signal
	// instead of exiting normally.
	Signal    string
	StartedAt time.Time
	EndedAt   time.Time
	// Command is the originating command string, for diagnostics.
	Command string
	WorkDir string
	// Adapter records which adapter produced this result.
	Adapter AdapterKind
	// Meta carries adapter-specific metadata (e.g. remote container ID,
	// pod name, reused-connection flag).
	Meta map[string]string
}

// OK reports whether the command succeeded: exit code zero and no
// signal.
func (r Result) OK() bool {
	return r.ExitCode == 0 && r.Signal == ""
}

// Duration returns EndedAt - StartedAt.
func (r Result) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Stdall returns stdout and stderr concatenated in the order they would
// have interleaved on a terminal is not reconstructible from captured
// buffers; Stdall simply appends stderr after stdout, matching how the
// teacher's capture paths combine the two buffers for display.
func (r Result) Stdall() string {
	return r.Stdout + r.Stderr
}

// TrimmedStdout returns Stdout with leading/trailing whitespace removed.
// It satisfies stdoutStringer so a Result can be interpolated directly
// into another Command via Quote/Build.
func (r Result) TrimmedStdout() string {
	return strings.TrimSpace(r.Stdout)
}

// String implements fmt.Stringer as the trimmed stdout, matching the
// source's `toString = trimmed stdout` convention.
func (r Result) String() string {
	return r.TrimmedStdout()
}

// Text is an alias for TrimmedStdout, for readability at call sites that
// want a decoded string rather than a raw buffer.
func (r Result) Text() string {
	return r.TrimmedStdout()
}

// Lines strips every trailing newline from stdout and splits the rest
// on newlines; other whitespace, leading or trailing, is kept.
func (r Result) Lines() []string {
	trimmed := strings.TrimRight(r.Stdout, "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

// Buffer returns stdout as a byte buffer, for callers that want to avoid
// a second string copy before further decoding.
func (r Result) Buffer() *bytes.Buffer {
	return bytes.NewBufferString(r.Stdout)
}

// JSON unmarshals trimmed stdout into v.
func (r Result) JSON(v any) error {
	return json.Unmarshal([]byte(r.TrimmedStdout()), v)
}

// Error returns the CommandError this result represents when !OK(), or
// nil when the command succeeded. This is what a nothrow=false execution
// path returns instead of a Result.
func (r Result) Error() error {
	if r.OK() {
		return nil
	}
	return &CommandError{
		Command:  r.Command,
		ExitCode: r.ExitCode,
		Signal:   r.Signal,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		Duration: r.Duration(),
	}
}
