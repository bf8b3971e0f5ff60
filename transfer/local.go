// SPDX-License-Identifier: MPL-2.0

package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"xrun/internal/globutil"
)

// copyLocalToLocal implements the local→local leg natively, without a
// staging hop: a single file copy, or a recursive directory walk when
// opts.Recursive is set, applying include/exclude globs and the
// preserve-mode/preserve-timestamps options per §4.6.
func copyLocalToLocal(src, dst string, opts Options) Stats {
	start := time.Now()
	stats := Stats{Success: true}

	info, err := os.Lstat(src)
	if err != nil {
		stats.fail(err)
		stats.Duration = time.Since(start)
		return stats
	}

	if !info.IsDir() {
		n, err := copyOneFile(src, dst, opts)
		if err != nil {
			stats.fail(err)
		} else {
			stats.FilesTransferred = 1
			stats.BytesTransferred = n
			reportProgress(opts, Progress{TotalFiles: 1, CompletedFiles: 1, TotalBytes: n, TransferredBytes: n, CurrentFile: src})
		}
		stats.Duration = time.Since(start)
		return stats
	}

	if !opts.Recursive {
		stats.fail(fmt.Errorf("transfer: %s is a directory; Recursive not set", src))
		stats.Duration = time.Since(start)
		return stats
	}

	files, dirs, walkErr := scanDir(src, opts)
	if walkErr != nil {
		stats.fail(walkErr)
		stats.Duration = time.Since(start)
		return stats
	}
	for _, d := range dirs {
		target := filepath.Join(dst, d)
		if err := os.MkdirAll(target, 0o755); err != nil {
			stats.fail(err)
		}
	}

	total := len(files)
	for i, rel := range files {
		srcFile := filepath.Join(src, rel)
		dstFile := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(dstFile), 0o755); err != nil {
			stats.fail(err)
			continue
		}
		n, err := copyOneFile(srcFile, dstFile, opts)
		if err != nil {
			stats.fail(fmt.Errorf("%s: %w", rel, err))
			continue
		}
		stats.FilesTransferred++
		stats.BytesTransferred += n
		reportProgress(opts, Progress{TotalFiles: total, CompletedFiles: i + 1, TransferredBytes: stats.BytesTransferred, CurrentFile: rel})
	}

	if opts.DeleteExtra {
		removeExtraneous(src, dst, files)
	}

	stats.Duration = time.Since(start)
	return stats
}

func copyOneFile(src, dst string, opts Options) (int64, error) {
	if !opts.Overwrite {
		if _, err := os.Stat(dst); err == nil {
			return 0, fmt.Errorf("transfer: %s exists and Overwrite is not set", dst)
		}
	}
	info, err := os.Lstat(src)
	if err != nil {
		return 0, err
	}
	if info.Mode()&os.ModeSymlink != 0 && !opts.FollowSymlinks {
		target, err := os.Readlink(src)
		if err != nil {
			return 0, err
		}
		if err := os.Symlink(target, dst); err != nil {
			return 0, err
		}
		return 0, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		return n, copyErr
	}
	if closeErr != nil {
		return n, closeErr
	}

	if opts.PreserveMode {
		if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
			return n, err
		}
	}
	if opts.PreserveTimestamps {
		if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
			return n, err
		}
	}
	return n, nil
}

// scanDir performs the pre-scan §4.1's SFTP directory walk also
// describes: two lists, directories in walk order (a parent always
// precedes its children) and files, both relative to root and filtered
// by opts.Include/Exclude.
func scanDir(root string, opts Options) (files, dirs []string, err error) {
	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return relErr
		}
		if !matchesFilters(rel, opts) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			dirs = append(dirs, rel)
			return nil
		}
		files = append(files, rel)
		return nil
	})
	return files, dirs, err
}

func matchesFilters(rel string, opts Options) bool {
	base := filepath.Base(rel)
	for _, pat := range opts.Exclude {
		if re, err := globutil.Compile(pat); err == nil && re.MatchString(base) {
			return false
		}
	}
	if len(opts.Include) == 0 {
		return true
	}
	for _, pat := range opts.Include {
		if re, err := globutil.Compile(pat); err == nil && re.MatchString(base) {
			return true
		}
	}
	return false
}

func removeExtraneous(src, dst string, keep []string) {
	want := make(map[string]bool, len(keep))
	for _, rel := range keep {
		want[rel] = true
	}
	_ = filepath.Walk(dst, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dst, path)
		if err != nil || want[rel] {
			return nil
		}
		return os.Remove(path)
	})
}
