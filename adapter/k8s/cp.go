// SPDX-License-Identifier: MPL-2.0

package k8s

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"

	"xrun"
)

// CopyTo uploads local's contents to remotePath in the pod by piping a
// tar stream into `tar -xf -` run through the exec subresource, the
// same two-process pipeline `kubectl cp` drives.
func (a *Adapter) CopyTo(ctx context.Context, opts xrun.KubernetesOptions, local, remotePath string) error {
	resolved := a.resolveOptions(opts)
	if err := a.checkReady(ctx, resolved); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := addToTar(tw, local, filepath.Base(remotePath))
		closeErr := tw.Close()
		if err == nil {
			err = closeErr
		}
		_ = pw.CloseWithError(err)
	}()

	req := a.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(resolved.Namespace).
		Name(resolved.Pod).
		SubResource("exec")
	req.VersionedParams(&corev1.PodExecOptions{
		Container: resolved.Container,
		Command:   []string{"tar", "-xf", "-", "-C", filepath.Dir(remotePath)},
		Stdin:     true,
		Stdout:    true,
		Stderr:    true,
	}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(a.config, http.MethodPost, req.URL())
	if err != nil {
		return a.WrapUnclassified("cp exec executor construction", err)
	}

	var stderr bytes.Buffer
	if err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  pr,
		Stdout: io.Discard,
		Stderr: &stderr,
	}); err != nil {
		return &xrun.KubernetesError{Pod: resolved.Pod, Namespace: resolved.Namespace, Reason: "cp to pod failed: " + stderr.String(), Cause: err}
	}
	return nil
}

// addToTar packs srcPath under nameInArchive, recursing into
// directories so a pod-bound copy of a tree doesn't silently truncate
// to its top-level entry.
func addToTar(tw *tar.Writer, srcPath, nameInArchive string) error {
	info, err := os.Lstat(srcPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return addFileToTar(tw, srcPath, nameInArchive, info)
	}
	return filepath.Walk(srcPath, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(srcPath, path)
		if relErr != nil {
			return relErr
		}
		name := nameInArchive
		if rel != "." {
			name = filepath.Join(nameInArchive, rel)
		}
		if fi.IsDir() {
			hdr, hdrErr := tar.FileInfoHeader(fi, "")
			if hdrErr != nil {
				return hdrErr
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		}
		return addFileToTar(tw, path, name, fi)
	})
}

func addFileToTar(tw *tar.Writer, srcPath, nameInArchive string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = nameInArchive
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(tw, f)
	return err
}

// CopyFrom downloads remotePath from the pod by running `tar -cf -
// <path>` over exec and unpacking the resulting stream into local,
// the symmetric operation to CopyTo.
func (a *Adapter) CopyFrom(ctx context.Context, opts xrun.KubernetesOptions, remotePath, local string) error {
	resolved := a.resolveOptions(opts)
	if err := a.checkReady(ctx, resolved); err != nil {
		return err
	}

	req := a.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(resolved.Namespace).
		Name(resolved.Pod).
		SubResource("exec")
	req.VersionedParams(&corev1.PodExecOptions{
		Container: resolved.Container,
		Command:   []string{"tar", "-cf", "-", "-C", filepath.Dir(remotePath), filepath.Base(remotePath)},
		Stdout:    true,
		Stderr:    true,
	}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(a.config, http.MethodPost, req.URL())
	if err != nil {
		return a.WrapUnclassified("cp exec executor construction", err)
	}

	pr, pw := io.Pipe()
	var stderr bytes.Buffer
	go func() {
		streamErr := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdout: pw,
			Stderr: &stderr,
		})
		_ = pw.CloseWithError(streamErr)
	}()

	if err := extractTar(pr, local); err != nil {
		return &xrun.KubernetesError{Pod: resolved.Pod, Namespace: resolved.Namespace, Reason: "cp from pod failed: " + stderr.String(), Cause: err}
	}
	return nil
}

func extractTar(r io.Reader, destRoot string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destRoot, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("k8s cp: unsupported tar entry type %v for %s", hdr.Typeflag, hdr.Name)
		}
	}
}
