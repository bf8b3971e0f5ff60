// SPDX-License-Identifier: MPL-2.0

package ssh

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"xrun"
	"xrun/internal/secret"
	"xrun/internal/streamio"
)

// errSessionClosed marks a session that ended without reporting an exit
// status — the connection dropped under the running command. Under
// Nothrow this surfaces as the §6 taxonomy's exit code -1.
var errSessionClosed = errors.New("ssh: connection closed before exit status")

// Execute implements xrun.Adapter per §4.1: ConnectionError on
// auth/handshake failure, TimeoutError on deadline, AdapterError
// wrapping any other transport fault, and CommandError never —
// non-zero exit codes are reported through the Result, not as errors.
func (a *Adapter) Execute(ctx context.Context, cmd xrun.Command) (xrun.Result, error) {
	cmd.Adapter = xrun.AdapterSSH
	start := time.Now()

	opts := a.resolveOptions(cmd.SSH)
	entry, err := a.getConnection(ctx, opts)
	if err != nil {
		var connErr *xrun.ConnectionError
		if errors.As(err, &connErr) {
			return xrun.Result{}, err
		}
		return xrun.Result{}, a.WrapUnclassified("acquire connection", err)
	}
	defer a.release(entry)

	runCtx, cancel := a.WithDeadline(ctx, cmd)
	defer cancel()

	commandString := a.BuildCommandString(cmd)
	wrapped, cleanup, err := a.wrapSudo(entry, commandString, opts.Sudo)
	if err != nil {
		a.recordError(entry)
		return xrun.Result{}, a.WrapUnclassified("sudo wrapping", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	display := cmd.String()
	if opts.Sudo.Enabled {
		display = secret.MaskPassword(display, opts.Sudo.Password)
	}
	a.emitEvent("ssh:execute", entry.key, map[string]any{"command": display})

	stdout, stderr, exitCode, signal, runErr := a.runSession(runCtx, entry, wrapped, cmd)

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		a.recordTimeout(entry)
		return a.FinalizeTimeout(cmd, start, stdout, stderr)
	}
	if runErr != nil {
		a.recordError(entry)
		if errors.Is(runErr, errSessionClosed) && cmd.Nothrow {
			return a.CreateResult(cmd, stdout, stderr, -1, "", start, map[string]string{
				"pooledKey": entry.key,
			}), nil
		}
		return xrun.Result{}, a.WrapUnclassified("command execution", runErr)
	}

	return a.CreateResult(cmd, stdout, stderr, exitCode, signal, start, map[string]string{
		"pooledKey": entry.key,
	}), nil
}

func (a *Adapter) runSession(ctx context.Context, entry *poolEntry, command string, cmd xrun.Command) (stdout, stderr string, exitCode int, signal string, err error) {
	entry.mu.Lock()
	client := entry.client
	entry.mu.Unlock()
	if client == nil {
		return "", "", 0, "", fmt.Errorf("ssh: connection closed")
	}

	session, serr := client.NewSession()
	if serr != nil {
		return "", "", 0, "", serr
	}
	defer func() { _ = session.Close() }()

	outHandler := streamio.NewHandler()
	errHandler := streamio.NewHandler()
	session.Stdout = outHandler
	session.Stderr = errHandler
	if cmd.Stdin != nil {
		session.Stdin = cmd.Stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case runErr := <-done:
		outHandler.Flush()
		errHandler.Flush()
		if runErr == nil {
			return outHandler.String(), errHandler.String(), 0, "", nil
		}
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			if exitErr.Signal() != "" {
				return outHandler.String(), errHandler.String(), 0, exitErr.Signal(), nil
			}
			return outHandler.String(), errHandler.String(), exitErr.ExitStatus(), "", nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(runErr, &missing) {
			return outHandler.String(), errHandler.String(), 0, "", errSessionClosed
		}
		return outHandler.String(), errHandler.String(), 0, "", runErr
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return outHandler.String(), errHandler.String(), 0, "", ctx.Err()
	}
}

// wrapSudo implements §4.9's four password-delivery methods on top of
// the secret handler: the plaintext that reaches shell assembly is
// always the handler's decrypted copy, never the caller's raw option,
// so MaskPassword and Dispose-time zeroing cover every password the
// adapter ever embeds. Every method escapes the password exactly once
// and the returned cleanup removes any artifact the method created,
// whether or not command itself errors.
func (a *Adapter) wrapSudo(entry *poolEntry, command string, opts xrun.SudoOptions) (string, func(), error) {
	if !opts.Enabled {
		return command, nil, nil
	}

	method := opts.Method
	if method == "" {
		method = a.cfg.DefaultSudoMethod
	}
	user := ""
	if opts.User != "" {
		user = "-u " + opts.User + " "
	}

	if method == xrun.SudoAskpass {
		// Pre-provisioned remote askpass program; no password involved.
		return fmt.Sprintf("SUDO_ASKPASS=%s sudo -A %s%s", opts.Prompt, user, command), nil, nil
	}

	if a.secrets == nil {
		return "", nil, xrun.NewAdapterError("ssh", "secret handler unavailable", nil)
	}
	if err := a.secrets.StorePassword(entry.key, opts.Password); err != nil {
		return "", nil, err
	}
	password, err := a.secrets.RetrievePassword(entry.key)
	if err != nil {
		return "", nil, err
	}

	switch method {
	case xrun.SudoEcho:
		a.log.Warn("sudo echo method exposes the password in the process list")
		return fmt.Sprintf("echo '%s' | sudo -S %s%s", secret.EscapeSingleQuotes(password), user, command), nil, nil

	case xrun.SudoSecureAskpass:
		return a.wrapSecureAskpass(entry, command, user, password)

	case xrun.SudoStdin:
		fallthrough
	default:
		a.log.Warn("sudo stdin method is visible in process listings")
		return fmt.Sprintf("echo '%s' | sudo -S %s%s", secret.EscapeSingleQuotes(password), user, command), nil, nil
	}
}

// wrapSecureAskpass materializes the askpass script through the secret
// handler (uuid-named, mode 0700, tracked for Dispose-time cleanup),
// pushes it to the remote host over the pooled connection's SFTP
// session, and points sudo -A at the remote copy. The password never
// appears in the remote command string; the script is removed on both
// ends once the command finishes, success or not.
func (a *Adapter) wrapSecureAskpass(entry *poolEntry, command, user, password string) (string, func(), error) {
	scriptPath, err := a.secrets.CreateAskPassScript(password)
	if err != nil {
		return "", nil, err
	}

	client, err := a.sftpFor(entry)
	if err != nil {
		_ = a.secrets.RemoveAskPassScript(scriptPath)
		return "", nil, err
	}

	remote := "/tmp/" + filepath.Base(scriptPath)
	if err := a.uploadOne(client, scriptPath, remote); err != nil {
		_ = a.secrets.RemoveAskPassScript(scriptPath)
		return "", nil, err
	}
	if err := client.Chmod(remote, 0o700); err != nil {
		_ = client.Remove(remote)
		_ = a.secrets.RemoveAskPassScript(scriptPath)
		return "", nil, xrun.NewAdapterError("ssh", "chmod askpass script", err)
	}

	wrapped := fmt.Sprintf("SUDO_ASKPASS=%s sudo -A %s%s && rm -f %s", remote, user, command, remote)
	cleanup := func() {
		_ = client.Remove(remote) // already gone via the rm -f above when the command succeeded
		_ = a.secrets.RemoveAskPassScript(scriptPath)
	}
	return wrapped, cleanup, nil
}
