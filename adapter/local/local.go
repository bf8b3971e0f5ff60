// SPDX-License-Identifier: MPL-2.0

// Package local implements xrun's local-process adapter (§4, C11):
// spawn, stdio wiring, shell/interpreter resolution, and optional
// pseudo-terminal allocation for interactive commands. It is grounded
// in the teacher's NativeRuntime (internal/runtime/native.go) — shell
// discovery, shell-arg selection per shell flavor, and temp-script
// creation for interpreter mode all follow that file's shape.
package local

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"xrun"
	"xrun/internal/streamio"
	"xrun/internal/tempio"
)

// Adapter runs commands as local OS processes.
type Adapter struct {
	xrun.BaseAdapter
	// Shell overrides the default shell lookup (empty = platform
	// default via getShell).
	Shell string
}

// New returns a local Adapter, optionally pinned to a specific shell
// binary (empty string defers to platform discovery).
func New(shell string) *Adapter {
	return &Adapter{
		BaseAdapter: xrun.BaseAdapter{AdapterName: "local"},
		Shell:       shell,
	}
}

// Name implements xrun.Adapter.
func (a *Adapter) Name() string { return "local" }

// IsAvailable reports whether a usable shell can be resolved.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	_, err := a.getShell()
	return err == nil
}

// Dispose is a no-op for the local adapter: it holds no pooled state.
func (a *Adapter) Dispose() error { return nil }

// Execute implements xrun.Adapter.
func (a *Adapter) Execute(ctx context.Context, cmd xrun.Command) (xrun.Result, error) {
	cmd.Adapter = xrun.AdapterLocal
	start := time.Now()

	runCtx, cancel := a.WithDeadline(ctx, cmd)
	defer cancel()

	name, args, cleanup, err := a.resolveProgram(cmd)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return xrun.Result{}, a.WrapUnclassified("resolve program", err)
	}

	var (
		stdout, stderr string
		exitCode       int
		signal         string
		runErr         error
	)

	if cmd.PTY {
		stdout, exitCode, signal, runErr = a.runPTY(runCtx, name, args, cmd)
	} else {
		stdout, stderr, exitCode, signal, runErr = a.runPiped(runCtx, name, args, cmd)
	}

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return a.FinalizeTimeout(cmd, start, stdout, stderr)
	}
	if runErr != nil {
		return xrun.Result{}, a.WrapUnclassified("spawn", runErr)
	}

	return a.CreateResult(cmd, stdout, stderr, exitCode, signal, start, nil), nil
}

// resolveProgram decides how cmd actually gets executed: argv directly
// (no shell), the embedded mvdan.cc/sh interpreter (Shell == "embedded",
// for hermetic POSIX execution with no external binary), or a resolved
// shell binary with the right -c-equivalent flag, mirroring the
// teacher's getShell/getShellArgs/appendPositionalArgs split. Returns
// the resolved program name, its arguments, and an optional cleanup
// for any temp script it created.
func (a *Adapter) resolveProgram(cmd xrun.Command) (name string, args []string, cleanup func(), err error) {
	if len(cmd.Argv) > 0 && (cmd.Shell == "" || cmd.Shell == "false") {
		return cmd.Argv[0], cmd.Argv[1:], nil, nil
	}

	script := cmd.Text
	if script == "" {
		script = xrun.Raw(cmd.Argv)
	}

	if cmd.Shell == "embedded" {
		return "", nil, nil, nil // handled separately by runEmbedded
	}

	shell := cmd.Shell
	if shell == "" || shell == "true" {
		shell, err = a.getShell()
		if err != nil {
			return "", nil, nil, err
		}
	}
	resolved, err := exec.LookPath(shell)
	if err != nil {
		resolved = shell
	}

	shellArgs := shellFlag(resolved)
	if len(shellArgs) == 1 && shellArgs[0] == "-c" && strings.Contains(script, "\n") {
		scriptPath, scleanup, serr := stageScript(script)
		if serr != nil {
			return "", nil, nil, serr
		}
		return resolved, []string{scriptPath}, scleanup, nil
	}
	return resolved, append(shellArgs, script), nil, nil
}

// stageScript writes a multiline script to a one-shot temp file so the
// shell runs it as a file argument instead of an unwieldy -c string,
// mirroring createTempScript in the teacher's native runtime. The
// returned cleanup removes the file.
func stageScript(script string) (string, func(), error) {
	path := tempio.StagingPath(os.TempDir(), "script") + ".sh"
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		return "", nil, err
	}
	return path, func() { _ = os.Remove(path) }, nil
}

func (a *Adapter) runPiped(ctx context.Context, name string, args []string, cmd xrun.Command) (stdout, stderr string, exitCode int, signal string, err error) {
	if cmd.Shell == "embedded" {
		return a.runEmbedded(ctx, cmd)
	}

	ecmd := exec.CommandContext(ctx, name, args...)
	ecmd.Dir = cmd.WorkDir
	ecmd.Env = mergeEnv(cmd.Env)
	ecmd.Stdin = cmd.Stdin

	outHandler := streamio.NewHandler()
	errHandler := streamio.NewHandler()
	if cmd.StdoutMode == xrun.StdioInherit {
		outHandler.Mirror = os.Stdout
	}
	if cmd.StderrMode == xrun.StdioInherit {
		errHandler.Mirror = os.Stderr
	}
	ecmd.Stdout = outHandler
	ecmd.Stderr = errHandler

	runErr := ecmd.Run()
	outHandler.Flush()
	errHandler.Flush()

	exitCode, signal, err = classifyExit(runErr, ctx)
	return outHandler.String(), errHandler.String(), exitCode, signal, err
}

// runEmbedded executes cmd.Text via the in-process POSIX interpreter
// (mvdan.cc/sh/v3), for callers that want shell semantics with no
// dependency on an external shell binary being present.
func (a *Adapter) runEmbedded(ctx context.Context, cmd xrun.Command) (stdout, stderr string, exitCode int, signal string, err error) {
	script := cmd.Text
	if script == "" {
		script = xrun.Raw(cmd.Argv)
	}

	file, perr := syntax.NewParser().Parse(strings.NewReader(script), "")
	if perr != nil {
		return "", "", 1, "", perr
	}

	stdin := cmd.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}

	var out, errBuf bytes.Buffer
	opts := []interp.RunnerOption{
		interp.StdIO(stdin, &out, &errBuf),
		interp.Env(expand.ListEnviron(envSlice(cmd.Env)...)),
	}
	if cmd.WorkDir != "" {
		opts = append(opts, interp.Dir(cmd.WorkDir))
	}
	runner, rerr := interp.New(opts...)
	if rerr != nil {
		return "", "", 1, "", rerr
	}

	runErr := runner.Run(ctx, file)
	if runErr == nil {
		return out.String(), errBuf.String(), 0, "", nil
	}
	var exitStatus interp.ExitStatus
	if errors.As(runErr, &exitStatus) {
		return out.String(), errBuf.String(), int(exitStatus), "", nil
	}
	if ctx.Err() != nil {
		return out.String(), errBuf.String(), 0, "", nil
	}
	return out.String(), errBuf.String(), 1, "", runErr
}

// runPTY allocates a pseudo-terminal for cmd, for interactive programs
// that refuse to run without one. Stderr is not separable from stdout
// under a PTY, matching real terminal semantics.
func (a *Adapter) runPTY(ctx context.Context, name string, args []string, cmd xrun.Command) (stdout string, exitCode int, signal string, err error) {
	ecmd := exec.CommandContext(ctx, name, args...)
	ecmd.Dir = cmd.WorkDir
	ecmd.Env = mergeEnv(cmd.Env)

	f, serr := pty.Start(ecmd)
	if serr != nil {
		return "", 0, "", serr
	}
	defer func() { _ = f.Close() }()

	handler := streamio.NewHandler()
	if cmd.StdoutMode == xrun.StdioInherit {
		handler.Mirror = os.Stdout
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = handler.Write(drain(f))
	}()

	runErr := ecmd.Wait()
	wg.Wait()
	handler.Flush()

	exitCode, signal, err = classifyExit(runErr, ctx)
	return handler.String(), exitCode, signal, err
}

func drain(f *os.File) []byte {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return buf
		}
	}
}

func classifyExit(runErr error, ctx context.Context) (exitCode int, signal string, err error) {
	if runErr == nil {
		return 0, "", nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 0, ws.Signal().String(), nil
		}
		return exitErr.ExitCode(), "", nil
	}
	if ctx.Err() != nil {
		return 0, "", nil
	}
	return 0, "", runErr
}

// getShell resolves the platform default shell, preferring $SHELL on
// Unix and pwsh/powershell/cmd on Windows, the same order the teacher
// uses.
func (a *Adapter) getShell() (string, error) {
	if a.Shell != "" {
		return a.Shell, nil
	}
	switch runtime.GOOS {
	case "windows":
		if p, err := exec.LookPath("pwsh"); err == nil {
			return p, nil
		}
		if p, err := exec.LookPath("powershell"); err == nil {
			return p, nil
		}
		return exec.LookPath("cmd")
	default:
		if shell := os.Getenv("SHELL"); shell != "" {
			return shell, nil
		}
		if p, err := exec.LookPath("bash"); err == nil {
			return p, nil
		}
		if p, err := exec.LookPath("sh"); err == nil {
			return p, nil
		}
		return "", errors.New("local: no shell found")
	}
}

func shellFlag(shell string) []string {
	base := strings.TrimSuffix(filepath.Base(shell), ".exe")
	switch base {
	case "cmd":
		return []string{"/C"}
	case "powershell", "pwsh":
		return []string{"-NoProfile", "-Command"}
	default:
		return []string{"-c"}
	}
}

func mergeEnv(overrides map[string]string) []string {
	env := os.Environ()
	if len(overrides) == 0 {
		return env
	}
	merged := make(map[string]string, len(env)+len(overrides))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func envSlice(overrides map[string]string) []string {
	return mergeEnv(overrides)
}
