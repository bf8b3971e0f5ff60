// SPDX-License-Identifier: MPL-2.0

package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"testing"

	"golang.org/x/crypto/ssh"

	"xrun"
)

func generateTestKeyPEM(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("MarshalPrivateKey: %v", err)
	}
	return string(pem.EncodeToMemory(block))
}

func TestValidateRequiresHostAndUser(t *testing.T) {
	t.Parallel()
	if err := validate(xrun.SSHOptions{Password: "x"}); err == nil {
		t.Fatal("expected error for missing host/user")
	}
	if err := validate(xrun.SSHOptions{Host: "h", Password: "x"}); err == nil {
		t.Fatal("expected error for missing user")
	}
}

func TestValidateRejectsPortOutOfRange(t *testing.T) {
	t.Parallel()
	err := validate(xrun.SSHOptions{Host: "h", User: "u", Port: 70000, Password: "x"})
	if err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidateRejectsKeyAndPasswordTogether(t *testing.T) {
	t.Parallel()
	err := validate(xrun.SSHOptions{Host: "h", User: "u", Port: 22, Password: "x", PrivateKey: "y"})
	if err == nil {
		t.Fatal("expected error when both privateKey and password are set")
	}
}

func TestValidateAcceptsValidKey(t *testing.T) {
	t.Parallel()
	key := generateTestKeyPEM(t)
	err := validate(xrun.SSHOptions{Host: "h", User: "u", Port: 22, PrivateKey: key})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsMalformedKey(t *testing.T) {
	t.Parallel()
	err := validate(xrun.SSHOptions{Host: "h", User: "u", Port: 22, PrivateKey: "not a key"})
	if err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestParsePrivateKeyRoundTrips(t *testing.T) {
	t.Parallel()
	key := generateTestKeyPEM(t)
	signer, err := parsePrivateKey(key, "")
	if err != nil {
		t.Fatalf("parsePrivateKey: %v", err)
	}
	if signer.PublicKey() == nil {
		t.Fatal("expected a non-nil public key from the signer")
	}
}

func TestTargetKeyDefaultsPort22(t *testing.T) {
	t.Parallel()
	key := targetKey(xrun.SSHOptions{User: "bob", Host: "example.com"})
	if key != "bob@example.com:22" {
		t.Fatalf("targetKey = %q, want bob@example.com:22", key)
	}
}

func TestResolveOptionsLayersOverrideOverDefaults(t *testing.T) {
	t.Parallel()
	a := New(SSHAdapterOptions{Host: "default-host", User: "default-user", Port: 2222})
	defer func() { _ = a.Dispose() }()

	resolved := a.resolveOptions(xrun.SSHOptions{User: "override-user"})
	if resolved.Host != "default-host" || resolved.User != "override-user" || resolved.Port != 2222 {
		t.Fatalf("resolved = %+v", resolved)
	}
}

func TestWrapSudoDisabledReturnsCommandUnchanged(t *testing.T) {
	t.Parallel()
	a := New(SSHAdapterOptions{})
	defer func() { _ = a.Dispose() }()

	got, cleanup, err := a.wrapSudo(&poolEntry{key: "u@h:22"}, "ls -la", xrun.SudoOptions{Enabled: false})
	if err != nil {
		t.Fatalf("wrapSudo: %v", err)
	}
	if cleanup != nil {
		t.Fatal("expected no cleanup when sudo is disabled")
	}
	if got != "ls -la" {
		t.Fatalf("got = %q, want unchanged command", got)
	}
}

func TestWrapSudoStdinEscapesPassword(t *testing.T) {
	t.Parallel()
	a := New(SSHAdapterOptions{})
	defer func() { _ = a.Dispose() }()

	entry := &poolEntry{key: "u@h:22"}
	got, _, err := a.wrapSudo(entry, "ls", xrun.SudoOptions{Enabled: true, Method: xrun.SudoStdin, Password: "p'w"})
	if err != nil {
		t.Fatalf("wrapSudo: %v", err)
	}
	if !contains(got, `p'\''w`) {
		t.Fatalf("got = %q, want escaped password embedded", got)
	}
	// The embedded plaintext is the secret handler's decrypted copy, so
	// the password must be retrievable under the pool key afterwards.
	stored, err := a.secrets.RetrievePassword(entry.key)
	if err != nil {
		t.Fatalf("RetrievePassword: %v", err)
	}
	if stored != "p'w" {
		t.Fatalf("stored password = %q, want p'w", stored)
	}
}

func TestWrapSudoAskpassUsesSudoAFlag(t *testing.T) {
	t.Parallel()
	a := New(SSHAdapterOptions{})
	defer func() { _ = a.Dispose() }()

	got, cleanup, err := a.wrapSudo(&poolEntry{key: "u@h:22"}, "ls", xrun.SudoOptions{Enabled: true, Method: xrun.SudoAskpass, Prompt: "/usr/bin/askpass"})
	if err != nil {
		t.Fatalf("wrapSudo: %v", err)
	}
	if cleanup != nil {
		t.Fatal("askpass method should not need cleanup")
	}
	if !contains(got, "sudo -A") || !contains(got, "SUDO_ASKPASS=/usr/bin/askpass") {
		t.Fatalf("got = %q, want askpass invocation", got)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestTunnelHandleCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	a := New(SSHAdapterOptions{})
	defer func() { _ = a.Dispose() }()

	handle := &TunnelHandle{
		LocalHost: "127.0.0.1",
		conns:     make(map[net.Conn]struct{}),
		open:      true,
		adapter:   a,
		key:       "test-tunnel-key",
	}
	a.tunnelsMu.Lock()
	a.tunnels[handle.key] = handle
	a.tunnelsMu.Unlock()

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if handle.IsOpen() {
		t.Fatal("handle should be closed")
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}

	a.tunnelsMu.Lock()
	_, stillPresent := a.tunnels[handle.key]
	a.tunnelsMu.Unlock()
	if stillPresent {
		t.Fatal("closed tunnel should be removed from the adapter's tunnel map")
	}
}
