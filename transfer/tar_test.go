// SPDX-License-Identifier: MPL-2.0

package transfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestTarPathRoundTrip(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(srcDir, "payload", "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "payload", "a.txt"), []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "payload", "sub", "b.txt"), []byte("B"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := tarPath(&buf, filepath.Join(srcDir, "payload"), true); err != nil {
		t.Fatalf("tarPath: %v", err)
	}

	destDir := t.TempDir()
	files, n, err := untarTo(&buf, destDir)
	if err != nil {
		t.Fatalf("untarTo: %v", err)
	}
	if files != 2 {
		t.Fatalf("files = %d, want 2", files)
	}
	if n != 2 {
		t.Fatalf("bytes = %d, want 2", n)
	}
	got, err := os.ReadFile(filepath.Join(destDir, "payload", "sub", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "B" {
		t.Fatalf("content = %q, want B", got)
	}
}

func TestTarPathSingleFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "one.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := tarPath(&buf, src, false); err != nil {
		t.Fatalf("tarPath: %v", err)
	}
	dest := t.TempDir()
	files, n, err := untarTo(&buf, dest)
	if err != nil {
		t.Fatalf("untarTo: %v", err)
	}
	if files != 1 || n != 5 {
		t.Fatalf("files=%d bytes=%d, want 1/5", files, n)
	}
}
