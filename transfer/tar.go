// SPDX-License-Identifier: MPL-2.0

package transfer

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
)

// tarPath packs src (a file or, when recursive, a directory tree) into
// a tar stream written to w, with entry names relative to src's base
// name — the same shape the Docker Engine API's CopyToContainer and
// the Kubernetes adapter's own addToTar expect.
func tarPath(w io.Writer, src string, recursive bool) error {
	tw := tar.NewWriter(w)
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	base := filepath.Base(src)
	if !info.IsDir() {
		if err := tarFile(tw, src, base, info); err != nil {
			return err
		}
		return tw.Close()
	}
	if !recursive {
		return tw.Close()
	}
	err = filepath.Walk(src, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		name := base
		if rel != "." {
			name = filepath.Join(base, rel)
		}
		if fi.IsDir() {
			hdr, hdrErr := tar.FileInfoHeader(fi, "")
			if hdrErr != nil {
				return hdrErr
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		}
		return tarFile(tw, path, name, fi)
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

func tarFile(tw *tar.Writer, path, name string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(tw, f)
	return err
}

// untarTo extracts a tar stream read from r into destDir, mirroring the
// Kubernetes adapter's extractTar so the Docker leg of the transfer
// matrix unpacks CopyFrom's stream the same way.
func untarTo(r io.Reader, destDir string) (int, int64, error) {
	tr := tar.NewReader(r)
	files := 0
	var bytesWritten int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, bytesWritten, nil
		}
		if err != nil {
			return files, bytesWritten, err
		}
		target := filepath.Join(destDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return files, bytesWritten, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return files, bytesWritten, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return files, bytesWritten, err
			}
			n, copyErr := io.Copy(f, tr)
			closeErr := f.Close()
			bytesWritten += n
			files++
			if copyErr != nil {
				return files, bytesWritten, copyErr
			}
			if closeErr != nil {
				return files, bytesWritten, closeErr
			}
		}
	}
}
