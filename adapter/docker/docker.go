// SPDX-License-Identifier: MPL-2.0

// Package docker implements xrun's Docker adapter (§4.2, C13): command
// execution via `docker exec` and file transfer via the Docker Engine
// API's copy endpoints, against a running container addressed by
// xrun.DockerOptions.Container.
//
// Grounded in the teacher's internal/container/docker.go (DockerEngine,
// built on BaseCLIEngine's argv-building methods ExecArgs/RunArgs) for
// the exec shape, generalized from a CLI-wrapping engine into an
// xrun.Adapter. Container existence/readiness is checked with
// github.com/docker/docker's client (ContainerInspect) rather than
// shelling out to `docker inspect`, promoting the teacher's indirect
// dependency to direct use.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"

	"xrun"
)

// Adapter runs commands and transfers files against Docker containers.
type Adapter struct {
	xrun.BaseAdapter
	Defaults xrun.DockerOptions

	binaryPath string
	cli        *dockerclient.Client
}

// New constructs a Docker Adapter. The docker CLI binary is resolved
// lazily (IsAvailable reports whether it was found); the API client is
// built eagerly from the environment, matching the teacher's
// NewDockerEngine which tolerates a missing binary until first use.
func New(defaults xrun.DockerOptions) (*Adapter, error) {
	path, _ := exec.LookPath("docker")
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, xrun.NewAdapterError("docker", "client construction failed", err)
	}
	return &Adapter{
		BaseAdapter: xrun.BaseAdapter{AdapterName: "docker"},
		Defaults:    defaults,
		binaryPath:  path,
		cli:         cli,
	}, nil
}

// Name implements xrun.Adapter.
func (a *Adapter) Name() string { return "docker" }

// IsAvailable reports whether the docker binary was found and the
// daemon answers a ping.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	if a.binaryPath == "" {
		return false
	}
	_, err := a.cli.Ping(ctx)
	return err == nil
}

// Dispose implements xrun.Adapter.
func (a *Adapter) Dispose() error {
	if a.cli == nil {
		return nil
	}
	return a.cli.Close()
}

func (a *Adapter) resolveOptions(override xrun.DockerOptions) xrun.DockerOptions {
	opts := a.Defaults
	if override.Container != "" {
		opts.Container = override.Container
	}
	if override.WorkDir != "" {
		opts.WorkDir = override.WorkDir
	}
	if override.User != "" {
		opts.User = override.User
	}
	return opts
}

// inspectRunning returns a DockerError if the container does not exist
// or is not running, per §4.2's "container not found"/"not ready"
// faults.
func (a *Adapter) inspectRunning(ctx context.Context, container string) error {
	info, err := a.cli.ContainerInspect(ctx, container)
	if err != nil {
		return &xrun.DockerError{Container: container, Reason: "not found", Cause: err}
	}
	if info.State == nil || !info.State.Running {
		return &xrun.DockerError{Container: container, Reason: "not running"}
	}
	return nil
}

// execArgs builds `exec [-i] [-u user] [-w workdir] [-e K=V]...
// <container> <command...>`, the same flag ordering as the teacher's
// BaseCLIEngine.ExecArgs.
func execArgs(opts xrun.DockerOptions, cmd xrun.Command) []string {
	args := []string{"exec"}
	if cmd.Stdin != nil {
		args = append(args, "-i")
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	for k, v := range cmd.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, opts.Container)

	if len(cmd.Argv) > 0 {
		args = append(args, cmd.Argv...)
	} else {
		shell := "/bin/sh"
		if cmd.Shell != "" && cmd.Shell != "true" {
			shell = cmd.Shell
		}
		args = append(args, shell, "-c", cmd.Text)
	}
	return args
}

// Execute implements xrun.Adapter per §4.2: DockerError wraps an
// unreachable daemon or missing/stopped container; otherwise the
// command's own exit code/signal populate the Result like any other
// adapter.
func (a *Adapter) Execute(ctx context.Context, cmd xrun.Command) (xrun.Result, error) {
	cmd.Adapter = xrun.AdapterDocker
	start := time.Now()

	opts := a.resolveOptions(cmd.Docker)
	if opts.Container == "" {
		return xrun.Result{}, xrun.NewAdapterError("docker", "no container specified", nil)
	}
	if err := a.inspectRunning(ctx, opts.Container); err != nil {
		return xrun.Result{}, err
	}

	runCtx, cancel := a.WithDeadline(ctx, cmd)
	defer cancel()

	args := execArgs(opts, cmd)
	ecmd := exec.CommandContext(runCtx, a.binaryPath, args...)
	if cmd.Stdin != nil {
		ecmd.Stdin = cmd.Stdin
	}
	var stdout, stderr bytes.Buffer
	ecmd.Stdout = &stdout
	ecmd.Stderr = &stderr

	runErr := ecmd.Run()

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return a.FinalizeTimeout(cmd, start, stdout.String(), stderr.String())
	}

	exitCode, signal, classifyErr := classifyExit(runErr)
	if classifyErr != nil {
		return xrun.Result{}, a.WrapUnclassified("docker exec", classifyErr)
	}

	return a.CreateResult(cmd, stdout.String(), stderr.String(), exitCode, signal, start, map[string]string{
		"container": opts.Container,
	}), nil
}

func classifyExit(runErr error) (exitCode int, signal string, err error) {
	if runErr == nil {
		return 0, "", nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), "", nil
	}
	return 0, "", runErr
}

// CopyTo streams local's contents into the container at remotePath
// using a tar archive, the API equivalent of `docker cp`.
func (a *Adapter) CopyTo(ctx context.Context, containerID string, remotePath string, content io.Reader) error {
	if err := a.inspectRunning(ctx, containerID); err != nil {
		return err
	}
	if err := a.cli.CopyToContainer(ctx, containerID, remotePath, content, container.CopyToContainerOptions{}); err != nil {
		return xrun.NewAdapterError("docker", "cp to container", err)
	}
	return nil
}

// CopyFrom returns a tar stream of remotePath's contents from the
// container, the API equivalent of `docker cp <container>:path -`.
func (a *Adapter) CopyFrom(ctx context.Context, containerID string, remotePath string) (io.ReadCloser, error) {
	if err := a.inspectRunning(ctx, containerID); err != nil {
		return nil, err
	}
	reader, _, err := a.cli.CopyFromContainer(ctx, containerID, remotePath)
	if err != nil {
		return nil, xrun.NewAdapterError("docker", "cp from container", err)
	}
	return reader, nil
}
