// SPDX-License-Identifier: MPL-2.0

package secret

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreRetrievePassword_RoundTrips(t *testing.T) {
	t.Parallel()
	h, err := NewHandler(t.TempDir())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	defer h.Dispose()

	if err := h.StorePassword("sudo", "pw!"); err != nil {
		t.Fatalf("StorePassword: %v", err)
	}
	got, err := h.RetrievePassword("sudo")
	if err != nil {
		t.Fatalf("RetrievePassword: %v", err)
	}
	if got != "pw!" {
		t.Fatalf("expected pw!, got %q", got)
	}
}

func TestCreateAskPassScript_WritesExecutableOneShotScript(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	h, err := NewHandler(dir)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	defer h.Dispose()

	path, err := h.CreateAskPassScript("it's a secret")
	if err != nil {
		t.Fatalf("CreateAskPassScript: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("expected script under %s, got %s", dir, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("expected mode 0700, got %o", info.Mode().Perm())
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(content), `it'\''s a secret`) {
		t.Fatalf("expected exhaustively escaped password in script, got %q", content)
	}

	if err := h.RemoveAskPassScript(path); err != nil {
		t.Fatalf("RemoveAskPassScript: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected script to be removed")
	}
}

func TestDispose_RemovesTrackedFilesAndBlocksReuse(t *testing.T) {
	t.Parallel()
	h, err := NewHandler(t.TempDir())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	_ = h.StorePassword("a", "b")
	path, _ := h.CreateAskPassScript("pw")

	if err := h.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected askpass script removed on dispose")
	}

	if err := h.StorePassword("c", "d"); err != ErrDisposed {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
	if _, err := h.RetrievePassword("a"); err != ErrDisposed {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}

	// Dispose is idempotent.
	if err := h.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
}

func TestMaskPassword(t *testing.T) {
	t.Parallel()
	cmd := "sudo -S <<< 'hunter2' whoami"
	masked := MaskPassword(cmd, "hunter2")
	if strings.Contains(masked, "hunter2") {
		t.Fatalf("expected password masked, got %q", masked)
	}
	if !strings.Contains(masked, "***MASKED***") {
		t.Fatalf("expected mask marker, got %q", masked)
	}
}
