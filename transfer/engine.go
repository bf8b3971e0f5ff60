// SPDX-License-Identifier: MPL-2.0

package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"xrun"
	"xrun/adapter/docker"
	"xrun/adapter/k8s"
	"xrun/adapter/ssh"
	"xrun/internal/events"
	"xrun/internal/tempio"
)

// Engine dispatches Copy/Move/Sync across the full (local|ssh|docker|
// k8s)² matrix of §4.6. It holds the same adapter instances the root
// xrun.Registry would, but only exercises the file-transfer methods
// each one already exposes; same-kind/same-host pairs use the
// adapter's native transfer, cross-kind pairs route through a local
// staging temp path per §4.6 and §9's supplemented-feature note on
// directory byte accounting.
type Engine struct {
	SSH    *ssh.Adapter
	Docker *docker.Adapter
	K8s    *k8s.Adapter
	emit   *events.Emitter
	log    *log.Logger

	// ResolveSSH/ResolveDocker/ResolveK8s turn a parsed Environment into
	// the adapter-specific connection options (auth, working user,
	// context) a caller's external name resolver would normally supply
	// per spec §1. A nil resolver falls back to the bare fields parsed
	// from the endpoint string, with no credentials — sufficient for
	// agent-based SSH auth or an already-authenticated kubeconfig.
	ResolveSSH    func(Environment) xrun.SSHOptions
	ResolveDocker func(Environment) xrun.DockerOptions
	ResolveK8s    func(Environment) xrun.KubernetesOptions
}

// NewEngine builds a transfer Engine. Any of the three adapters may be
// nil if that environment kind is never used as a transfer endpoint;
// attempting to use one anyway fails with an AdapterError.
func NewEngine(sshAdapter *ssh.Adapter, dockerAdapter *docker.Adapter, k8sAdapter *k8s.Adapter, emit *events.Emitter) *Engine {
	if emit == nil {
		emit = events.New()
	}
	return &Engine{
		SSH:    sshAdapter,
		Docker: dockerAdapter,
		K8s:    k8sAdapter,
		emit:   emit,
		log:    log.NewWithOptions(os.Stderr, log.Options{Prefix: "transfer"}),
	}
}

func (e *Engine) sshOptions(env Environment) (xrun.SSHOptions, error) {
	if e.SSH == nil {
		return xrun.SSHOptions{}, xrun.NewAdapterError("transfer", "no ssh adapter configured", nil)
	}
	if e.ResolveSSH != nil {
		return e.ResolveSSH(env), nil
	}
	return xrun.SSHOptions{Host: env.Host, User: env.User, Port: env.Port}, nil
}

func (e *Engine) dockerOptions(env Environment) (xrun.DockerOptions, error) {
	if e.Docker == nil {
		return xrun.DockerOptions{}, xrun.NewAdapterError("transfer", "no docker adapter configured", nil)
	}
	if e.ResolveDocker != nil {
		return e.ResolveDocker(env), nil
	}
	return xrun.DockerOptions{Container: env.Container}, nil
}

func (e *Engine) k8sOptions(env Environment) (xrun.KubernetesOptions, error) {
	if e.K8s == nil {
		return xrun.KubernetesOptions{}, xrun.NewAdapterError("transfer", "no kubernetes adapter configured", nil)
	}
	if e.ResolveK8s != nil {
		return e.ResolveK8s(env), nil
	}
	return xrun.KubernetesOptions{Pod: env.Pod, Namespace: env.Namespace}, nil
}

// Copy transfers src to dst, each a URL-shaped or bare-path endpoint
// per §6, and reports the outcome as Stats — it never returns a
// non-nil error for a transfer-level failure, per §4.6's "a failed
// transfer still resolves with success=false".
func (e *Engine) Copy(ctx context.Context, src, dst string, opts Options) Stats {
	start := time.Now()
	srcEnv, err := ParseEnvironment(src)
	if err != nil {
		return Stats{Errors: []error{err}, Duration: time.Since(start)}
	}
	dstEnv, err := ParseEnvironment(dst)
	if err != nil {
		return Stats{Errors: []error{err}, Duration: time.Since(start)}
	}

	e.log.Debug("copy", "src", src, "dst", dst)
	e.emitTransfer("transfer:start", srcEnv, dstEnv, nil)
	stats := e.copy(ctx, srcEnv, dstEnv, opts)
	stats.Duration = time.Since(start)
	if stats.Success {
		e.emitTransfer("transfer:complete", srcEnv, dstEnv, map[string]any{
			"bytes":    stats.BytesTransferred,
			"files":    stats.FilesTransferred,
			"duration": stats.Duration,
		})
	} else {
		msg := ""
		if len(stats.Errors) > 0 {
			msg = stats.Errors[0].Error()
		}
		e.log.Warn("transfer failed", "src", src, "dst", dst, "err", msg)
		e.emitTransfer("transfer:error", srcEnv, dstEnv, map[string]any{"message": msg})
	}
	return stats
}

// Move copies src to dst and then removes src, per §4.6's "move =
// copy + delete source".
func (e *Engine) Move(ctx context.Context, src, dst string, opts Options) Stats {
	stats := e.Copy(ctx, src, dst, opts)
	if !stats.Success {
		return stats
	}
	srcEnv, _ := ParseEnvironment(src)
	if err := e.remove(ctx, srcEnv, opts.Recursive); err != nil {
		stats.fail(fmt.Errorf("transfer: move cleanup: %w", err))
	}
	return stats
}

// Sync copies src to dst with DeleteExtra forced on, per §4.6's "sync
// = copy with deleteExtra=true".
func (e *Engine) Sync(ctx context.Context, src, dst string, opts Options) Stats {
	opts.DeleteExtra = true
	return e.Copy(ctx, src, dst, opts)
}

func (e *Engine) copy(ctx context.Context, src, dst Environment, opts Options) Stats {
	switch {
	case src.Kind == KindLocal && dst.Kind == KindLocal:
		return copyLocalToLocal(src.Path, dst.Path, opts)
	case src.Kind == KindLocal && dst.Kind == KindSSH:
		return e.copyLocalToSSH(ctx, src.Path, dst, opts)
	case src.Kind == KindSSH && dst.Kind == KindLocal:
		return e.copySSHToLocal(ctx, src, dst.Path, opts)
	case src.Kind == KindLocal && dst.Kind == KindDocker:
		return e.copyLocalToDocker(ctx, src.Path, dst, opts)
	case src.Kind == KindDocker && dst.Kind == KindLocal:
		return e.copyDockerToLocal(ctx, src, dst.Path, opts)
	case src.Kind == KindLocal && dst.Kind == KindK8s:
		return e.copyLocalToK8s(ctx, src.Path, dst, opts)
	case src.Kind == KindK8s && dst.Kind == KindLocal:
		return e.copyK8sToLocal(ctx, src, dst.Path, opts)
	case src.Kind == KindSSH && dst.Kind == KindSSH && src.sshKey() == dst.sshKey():
		return e.copySSHNative(ctx, src, dst, opts)
	default:
		return e.copyViaStaging(ctx, src, dst, opts)
	}
}

// copyViaStaging handles every remaining pair (ssh↔docker, ssh↔k8s,
// docker↔docker, docker↔k8s, k8s↔k8s, and cross-host ssh↔ssh) by
// downloading src into a local temp directory and uploading it from
// there, deleting the stage deterministically on every exit path —
// the "two legs through a local staging temp path" of §4.6.
func (e *Engine) copyViaStaging(ctx context.Context, src, dst Environment, opts Options) Stats {
	var result Stats
	err := tempio.WithDir(e.emit, "xrun-transfer-*", func(stageDir string) error {
		stagePath := filepath.Join(stageDir, "payload")
		if opts.Recursive {
			if mkErr := os.MkdirAll(stagePath, 0o755); mkErr != nil {
				result = Stats{Errors: []error{mkErr}}
				return mkErr
			}
		}
		down := e.copy(ctx, src, Environment{Kind: KindLocal, Path: stagePath}, opts)
		if !down.Success {
			result = down
			return fmt.Errorf("transfer: stage download failed")
		}
		up := e.copy(ctx, Environment{Kind: KindLocal, Path: stagePath}, dst, opts)
		up.Errors = append(down.Errors, up.Errors...)
		if up.FilesTransferred == 0 {
			up.FilesTransferred = down.FilesTransferred
		}
		result = up
		if !up.Success {
			return fmt.Errorf("transfer: stage upload failed")
		}
		return nil
	})
	if err != nil && result.Success {
		result.fail(err)
	}
	return result
}

// copySSHNative runs a server-side `cp` for two endpoints on the same
// pooled connection key, avoiding a local round trip entirely.
func (e *Engine) copySSHNative(ctx context.Context, src, dst Environment, opts Options) Stats {
	opt, err := e.sshOptions(src)
	if err != nil {
		return Stats{Errors: []error{err}}
	}
	flag := ""
	if opts.Recursive {
		flag = "-r "
	}
	cmd := xrun.NewCommand(fmt.Sprintf("cp %s%s %s", flag, xrun.Quote(src.Path), xrun.Quote(dst.Path)))
	cmd.SSH = opt
	cmd.Adapter = xrun.AdapterSSH
	res, err := e.SSH.Execute(ctx, cmd)
	if err != nil {
		return Stats{Errors: []error{err}}
	}
	if !res.OK() {
		return Stats{Errors: []error{res.Error()}}
	}
	return Stats{Success: true, FilesTransferred: 1}
}

func (e *Engine) copyLocalToSSH(ctx context.Context, localPath string, dst Environment, opts Options) Stats {
	if e.SSH == nil {
		return Stats{Errors: []error{xrun.NewAdapterError("transfer", "no ssh adapter configured", nil)}}
	}
	sshOpts, err := e.sshOptions(dst)
	if err != nil {
		return Stats{Errors: []error{err}}
	}
	info, statErr := os.Stat(localPath)
	if statErr != nil {
		return Stats{Errors: []error{statErr}}
	}
	if info.IsDir() {
		var count int
		var lastErr error
		tick := func(local, remote string, tickErr error) {
			if tickErr != nil {
				lastErr = tickErr
				return
			}
			count++
			reportProgress(opts, Progress{CompletedFiles: count, CurrentFile: local})
		}
		if err := e.SSH.UploadDirectory(ctx, sshOpts, localPath, dst.Path, tick); err != nil {
			return Stats{Errors: []error{err}}
		}
		if lastErr != nil {
			return Stats{Errors: []error{lastErr}, FilesTransferred: count}
		}
		return Stats{Success: true, FilesTransferred: count}
	}
	if err := e.SSH.UploadFile(ctx, sshOpts, localPath, dst.Path); err != nil {
		return Stats{Errors: []error{err}}
	}
	n, _ := fileSize(localPath)
	return Stats{Success: true, FilesTransferred: 1, BytesTransferred: n}
}

func (e *Engine) copySSHToLocal(ctx context.Context, src Environment, localPath string, opts Options) Stats {
	if e.SSH == nil {
		return Stats{Errors: []error{xrun.NewAdapterError("transfer", "no ssh adapter configured", nil)}}
	}
	sshOpts, err := e.sshOptions(src)
	if err != nil {
		return Stats{Errors: []error{err}}
	}
	if opts.Recursive {
		var count int
		var lastErr error
		tick := func(remote, local string, tickErr error) {
			if tickErr != nil {
				lastErr = tickErr
				return
			}
			count++
			reportProgress(opts, Progress{CompletedFiles: count, CurrentFile: local})
		}
		if err := e.SSH.DownloadDirectory(ctx, sshOpts, src.Path, localPath, tick); err != nil {
			return Stats{Errors: []error{err}}
		}
		if lastErr != nil {
			return Stats{Errors: []error{lastErr}, FilesTransferred: count}
		}
		return Stats{Success: true, FilesTransferred: count}
	}
	if err := e.SSH.DownloadFile(ctx, sshOpts, src.Path, localPath); err != nil {
		return Stats{Errors: []error{err}}
	}
	n, _ := fileSize(localPath)
	return Stats{Success: true, FilesTransferred: 1, BytesTransferred: n}
}

func (e *Engine) copyLocalToDocker(ctx context.Context, localPath string, dst Environment, opts Options) Stats {
	if e.Docker == nil {
		return Stats{Errors: []error{xrun.NewAdapterError("transfer", "no docker adapter configured", nil)}}
	}
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() { errCh <- tarPath(pw, localPath, opts.Recursive); _ = pw.Close() }()
	if err := e.Docker.CopyTo(ctx, dst.Container, dst.Path, pr); err != nil {
		return Stats{Errors: []error{err}}
	}
	if err := <-errCh; err != nil {
		return Stats{Errors: []error{err}}
	}
	n, _ := fileSize(localPath)
	return Stats{Success: true, FilesTransferred: 1, BytesTransferred: n}
}

func (e *Engine) copyDockerToLocal(ctx context.Context, src Environment, localPath string, opts Options) Stats {
	if e.Docker == nil {
		return Stats{Errors: []error{xrun.NewAdapterError("transfer", "no docker adapter configured", nil)}}
	}
	rc, err := e.Docker.CopyFrom(ctx, src.Container, src.Path)
	if err != nil {
		return Stats{Errors: []error{err}}
	}
	defer func() { _ = rc.Close() }()
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		return Stats{Errors: []error{err}}
	}
	files, n, err := untarTo(rc, localPath)
	if err != nil {
		return Stats{Errors: []error{err}, FilesTransferred: files, BytesTransferred: n}
	}
	return Stats{Success: true, FilesTransferred: files, BytesTransferred: n}
}

func (e *Engine) copyLocalToK8s(ctx context.Context, localPath string, dst Environment, opts Options) Stats {
	if e.K8s == nil {
		return Stats{Errors: []error{xrun.NewAdapterError("transfer", "no kubernetes adapter configured", nil)}}
	}
	k8sOpts, err := e.k8sOptions(dst)
	if err != nil {
		return Stats{Errors: []error{err}}
	}
	if err := e.K8s.CopyTo(ctx, k8sOpts, localPath, dst.Path); err != nil {
		return Stats{Errors: []error{err}}
	}
	n, _ := fileSize(localPath)
	return Stats{Success: true, FilesTransferred: 1, BytesTransferred: n}
}

func (e *Engine) copyK8sToLocal(ctx context.Context, src Environment, localPath string, opts Options) Stats {
	if e.K8s == nil {
		return Stats{Errors: []error{xrun.NewAdapterError("transfer", "no kubernetes adapter configured", nil)}}
	}
	k8sOpts, err := e.k8sOptions(src)
	if err != nil {
		return Stats{Errors: []error{err}}
	}
	if err := e.K8s.CopyFrom(ctx, k8sOpts, src.Path, localPath); err != nil {
		return Stats{Errors: []error{err}}
	}
	n, _ := fileSize(localPath)
	return Stats{Success: true, FilesTransferred: 1, BytesTransferred: n}
}

func (e *Engine) remove(ctx context.Context, env Environment, recursive bool) error {
	switch env.Kind {
	case KindLocal:
		if recursive {
			return os.RemoveAll(env.Path)
		}
		return os.Remove(env.Path)
	case KindSSH:
		opt, err := e.sshOptions(env)
		if err != nil {
			return err
		}
		flag := ""
		if recursive {
			flag = "-r "
		}
		cmd := xrun.NewCommand(fmt.Sprintf("rm %s%s", flag, xrun.Quote(env.Path)))
		cmd.SSH = opt
		cmd.Adapter = xrun.AdapterSSH
		res, err := e.SSH.Execute(ctx, cmd)
		if err != nil {
			return err
		}
		if !res.OK() {
			return res.Error()
		}
		return nil
	case KindDocker:
		opt, err := e.dockerOptions(env)
		if err != nil {
			return err
		}
		flag := ""
		if recursive {
			flag = "-r "
		}
		cmd := xrun.NewCommand(fmt.Sprintf("rm %s%s", flag, xrun.Quote(env.Path)))
		cmd.Docker = opt
		cmd.Adapter = xrun.AdapterDocker
		res, err := e.Docker.Execute(ctx, cmd)
		if err != nil {
			return err
		}
		if !res.OK() {
			return res.Error()
		}
		return nil
	case KindK8s:
		opt, err := e.k8sOptions(env)
		if err != nil {
			return err
		}
		flag := ""
		if recursive {
			flag = "-r "
		}
		cmd := xrun.NewCommand(fmt.Sprintf("rm %s%s", flag, xrun.Quote(env.Path)))
		cmd.Kubernetes = opt
		cmd.Adapter = xrun.AdapterKubernetes
		res, err := e.K8s.Execute(ctx, cmd)
		if err != nil {
			return err
		}
		if !res.OK() {
			return res.Error()
		}
		return nil
	}
	return nil
}

func (e *Engine) emitTransfer(name string, src, dst Environment, extra map[string]any) {
	fields := map[string]any{"src": src.String(), "dst": dst.String()}
	for k, v := range extra {
		fields[k] = v
	}
	e.emit.Emit(events.Event{Name: name, Adapter: "transfer", Fields: fields})
}

func reportProgress(opts Options, p Progress) {
	if opts.OnProgress != nil {
		opts.OnProgress(p)
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, nil
	}
	return info.Size(), nil
}
