// SPDX-License-Identifier: MPL-2.0

package transfer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCopyLocalToLocalFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	want := "hello, xrun"
	if err := os.WriteFile(src, []byte(want), 0o644); err != nil {
		t.Fatal(err)
	}

	stats := copyLocalToLocal(src, dst, Options{})
	if !stats.Success {
		t.Fatalf("copy failed: %v", stats.Errors)
	}
	if stats.FilesTransferred != 1 {
		t.Fatalf("FilesTransferred = %d, want 1", stats.FilesTransferred)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Fatalf("content = %q, want %q", got, want)
	}
}

func TestCopyLocalToLocalRefusesOverwrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	if err := os.WriteFile(src, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}

	stats := copyLocalToLocal(src, dst, Options{})
	if stats.Success {
		t.Fatal("expected failure without Overwrite")
	}

	stats = copyLocalToLocal(src, dst, Options{Overwrite: true})
	if !stats.Success {
		t.Fatalf("expected success with Overwrite: %v", stats.Errors)
	}
}

func TestCopyLocalToLocalDirectory(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(srcDir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "nested", "b.txt"), []byte("B"), 0o644); err != nil {
		t.Fatal(err)
	}

	stats := copyLocalToLocal(srcDir, dstDir, Options{Recursive: true})
	if !stats.Success {
		t.Fatalf("copy failed: %v", stats.Errors)
	}
	if stats.FilesTransferred != 2 {
		t.Fatalf("FilesTransferred = %d, want 2", stats.FilesTransferred)
	}
	got, err := os.ReadFile(filepath.Join(dstDir, "nested", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "B" {
		t.Fatalf("nested content = %q, want B", got)
	}
}

func TestCopyLocalToLocalDirectoryRequiresRecursive(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	stats := copyLocalToLocal(srcDir, dstDir, Options{})
	if stats.Success {
		t.Fatal("expected failure copying a directory without Recursive")
	}
}

func TestSyncDeletesExtraneousFiles(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "keep.txt"), []byte("k"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dstDir, "stale.txt"), []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}

	stats := copyLocalToLocal(srcDir, dstDir, Options{Recursive: true, Overwrite: true, DeleteExtra: true})
	if !stats.Success {
		t.Fatalf("copy failed: %v", stats.Errors)
	}
	if _, err := os.Stat(filepath.Join(dstDir, "stale.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected stale.txt to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dstDir, "keep.txt")); err != nil {
		t.Fatalf("expected keep.txt to exist: %v", err)
	}
}

func TestMatchesFiltersIncludeExclude(t *testing.T) {
	t.Parallel()
	opts := Options{Include: []string{"*.go"}, Exclude: []string{"*_test.go"}}
	if !matchesFilters("main.go", opts) {
		t.Error("main.go should match include")
	}
	if matchesFilters("main_test.go", opts) {
		t.Error("main_test.go should be excluded")
	}
	if matchesFilters("readme.md", opts) {
		t.Error("readme.md should not match include")
	}
}
