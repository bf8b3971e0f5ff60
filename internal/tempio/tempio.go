// SPDX-License-Identifier: MPL-2.0

// Package tempio provides RAII-style temporary files and directories:
// artifacts are scoped to a caller-provided block and deleted when the
// block exits regardless of outcome, grounded in the teacher's
// createTempScript/defer-remove pattern in internal/runtime/native.go,
// generalized into a reusable scope.
package tempio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"xrun/internal/events"
)

// WithFile creates a temp file named pattern (as os.CreateTemp), writes
// content, and invokes fn with its path. The file is removed when fn
// returns, whether or not fn (or the write) errored.
func WithFile(emit *events.Emitter, pattern string, content []byte, fn func(path string) error) (err error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return fmt.Errorf("tempio: create: %w", err)
	}
	path := f.Name()
	emitEvent(emit, "temp:create", path)

	defer func() {
		_ = f.Close()
		removeErr := os.Remove(path)
		emitEvent(emit, "temp:cleanup", path)
		if err == nil && removeErr != nil && !os.IsNotExist(removeErr) {
			err = fmt.Errorf("tempio: cleanup: %w", removeErr)
		}
	}()

	if _, err = f.Write(content); err != nil {
		return fmt.Errorf("tempio: write: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("tempio: close: %w", err)
	}

	return fn(path)
}

// WithDir creates a temp directory under pattern and invokes fn with its
// path. The directory (recursively) is removed when fn returns.
func WithDir(emit *events.Emitter, pattern string, fn func(dir string) error) (err error) {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return fmt.Errorf("tempio: mkdir: %w", err)
	}
	emitEvent(emit, "temp:create", dir)

	defer func() {
		removeErr := os.RemoveAll(dir)
		emitEvent(emit, "temp:cleanup", dir)
		if err == nil && removeErr != nil {
			err = fmt.Errorf("tempio: cleanup: %w", removeErr)
		}
	}()

	return fn(dir)
}

// StagingPath returns a fresh path under dir suitable for a one-shot
// local staging file used by cross-environment transfers (§4.6); it does
// not create the file.
func StagingPath(dir, hint string) string {
	return filepath.Join(dir, "xrun-stage-"+sanitize(hint)+"-"+uuid.NewString())
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 32 {
		out = out[:32]
	}
	return string(out)
}

func emitEvent(emit *events.Emitter, name, path string) {
	if emit == nil {
		return
	}
	emit.Emit(events.Event{Name: name, Fields: map[string]any{"path": path}})
}
