// SPDX-License-Identifier: MPL-2.0

package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/sync/semaphore"

	"xrun"
)

type sftpClient struct {
	*sftp.Client
}

func (c *sftpClient) Close() error {
	if c == nil || c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

// sftpFor lazily opens (and caches on the pool entry) the SFTP session
// for a connection, reused across calls the way the execute session is
// not, since SFTP negotiation has its own protocol handshake cost.
func (a *Adapter) sftpFor(entry *poolEntry) (*sftpClient, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.sftpClient != nil {
		return entry.sftpClient, nil
	}
	if entry.client == nil {
		return nil, fmt.Errorf("ssh: connection closed")
	}
	raw, err := sftp.NewClient(entry.client)
	if err != nil {
		return nil, xrun.NewAdapterError("ssh", "sftp-disabled", err)
	}
	entry.sftpClient = &sftpClient{Client: raw}
	return entry.sftpClient, nil
}

// TickFunc reports a per-file transfer outcome during a directory
// walk, per §4.1's tick(local, remote, error|null) callback contract.
type TickFunc func(local, remote string, err error)

// UploadFile copies local to remote over SFTP.
func (a *Adapter) UploadFile(ctx context.Context, opts xrun.SSHOptions, local, remote string) error {
	entry, err := a.getConnection(ctx, opts)
	if err != nil {
		return err
	}
	defer a.release(entry)

	client, err := a.sftpFor(entry)
	if err != nil {
		return err
	}

	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return xrun.NewAdapterError("ssh", "sftp mkdir", err)
	}
	dst, err := client.Create(remote)
	if err != nil {
		return xrun.NewAdapterError("ssh", "sftp create", err)
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}

// DownloadFile copies remote to local over SFTP.
func (a *Adapter) DownloadFile(ctx context.Context, opts xrun.SSHOptions, remote, local string) error {
	entry, err := a.getConnection(ctx, opts)
	if err != nil {
		return err
	}
	defer a.release(entry)

	client, err := a.sftpFor(entry)
	if err != nil {
		return err
	}

	src, err := client.Open(remote)
	if err != nil {
		return xrun.NewAdapterError("ssh", "sftp open", err)
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(local)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}

// UploadDirectory mirrors local onto remote: a pre-scan builds a
// shortest-first directory list and a file list, directories are
// created in order, then files transfer with bounded concurrency
// (default 5), each reported through tick. UploadDirectory returns
// success only if every file transferred without error (§4.1).
func (a *Adapter) UploadDirectory(ctx context.Context, opts xrun.SSHOptions, localRoot, remoteRoot string, tick TickFunc) error {
	entry, err := a.getConnection(ctx, opts)
	if err != nil {
		return err
	}
	defer a.release(entry)

	client, err := a.sftpFor(entry)
	if err != nil {
		return err
	}

	var dirs, files []string
	walkErr := filepath.Walk(localRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(localRoot, p)
		if rerr != nil {
			return rerr
		}
		if info.IsDir() {
			dirs = append(dirs, rel)
		} else {
			files = append(files, rel)
		}
		return nil
	})
	if walkErr != nil {
		return walkErr
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) < len(dirs[j]) })

	for _, d := range dirs {
		if d == "." {
			continue
		}
		if err := client.MkdirAll(path.Join(remoteRoot, filepath.ToSlash(d))); err != nil {
			return xrun.NewAdapterError("ssh", "sftp mkdir", err)
		}
	}

	concurrency := a.cfg.SFTPConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, f := range files {
		localPath := filepath.Join(localRoot, f)
		remotePath := path.Join(remoteRoot, filepath.ToSlash(f))

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			uploadErr := a.uploadOne(client, localPath, remotePath)
			if tick != nil {
				tick(localPath, remotePath, uploadErr)
			}
			if uploadErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = uploadErr
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (a *Adapter) uploadOne(client *sftpClient, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := client.Create(remote)
	if err != nil {
		return xrun.NewAdapterError("ssh", "sftp create", err)
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}

// DownloadDirectory mirrors remoteRoot onto localRoot, symmetric to
// UploadDirectory.
func (a *Adapter) DownloadDirectory(ctx context.Context, opts xrun.SSHOptions, remoteRoot, localRoot string, tick TickFunc) error {
	entry, err := a.getConnection(ctx, opts)
	if err != nil {
		return err
	}
	defer a.release(entry)

	client, err := a.sftpFor(entry)
	if err != nil {
		return err
	}

	walker := client.Walk(remoteRoot)
	var files []string
	for walker.Step() {
		if walker.Err() != nil {
			return walker.Err()
		}
		if walker.Stat().IsDir() {
			rel, _ := filepath.Rel(remoteRoot, walker.Path())
			if rel != "." {
				_ = os.MkdirAll(filepath.Join(localRoot, rel), 0o755)
			}
			continue
		}
		files = append(files, walker.Path())
	}

	concurrency := a.cfg.SFTPConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, remotePath := range files {
		rel, _ := filepath.Rel(remoteRoot, remotePath)
		localPath := filepath.Join(localRoot, rel)

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			downloadErr := a.downloadOne(client, remotePath, localPath)
			if tick != nil {
				tick(localPath, remotePath, downloadErr)
			}
			if downloadErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = downloadErr
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (a *Adapter) downloadOne(client *sftpClient, remote, local string) error {
	src, err := client.Open(remote)
	if err != nil {
		return xrun.NewAdapterError("ssh", "sftp open", err)
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(local)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}
