// SPDX-License-Identifier: MPL-2.0

package k8s

import (
	"errors"
	"testing"

	"xrun"
)

func TestResolveOptionsDefaultsNamespace(t *testing.T) {
	t.Parallel()
	a := &Adapter{Defaults: xrun.KubernetesOptions{Pod: "default-pod"}}
	opts := a.resolveOptions(xrun.KubernetesOptions{})
	if opts.Namespace != "default" {
		t.Fatalf("Namespace = %q, want default", opts.Namespace)
	}
	if opts.Pod != "default-pod" {
		t.Fatalf("Pod = %q, want default-pod", opts.Pod)
	}
}

func TestResolveOptionsOverrideWinsOverDefaults(t *testing.T) {
	t.Parallel()
	a := &Adapter{Defaults: xrun.KubernetesOptions{Pod: "default-pod", Namespace: "default-ns"}}
	opts := a.resolveOptions(xrun.KubernetesOptions{Pod: "override-pod"})
	if opts.Pod != "override-pod" || opts.Namespace != "default-ns" {
		t.Fatalf("opts = %+v", opts)
	}
}

func TestExecCommandArgvBypassesShell(t *testing.T) {
	t.Parallel()
	got := execCommand(xrun.NewArgvCommand("ls", "-la"))
	if len(got) != 2 || got[0] != "ls" || got[1] != "-la" {
		t.Fatalf("got = %v", got)
	}
}

func TestExecCommandTextUsesDefaultShell(t *testing.T) {
	t.Parallel()
	got := execCommand(xrun.NewCommand("echo hi"))
	want := []string{"/bin/sh", "-c", "echo hi"}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("got = %v, want %v", got, want)
	}
}

func TestExecCommandRespectsExplicitShell(t *testing.T) {
	t.Parallel()
	cmd := xrun.NewCommand("echo hi")
	cmd.Shell = "bash"
	got := execCommand(cmd)
	if got[0] != "bash" {
		t.Fatalf("got[0] = %q, want bash", got[0])
	}
}

type fakeCodeExitError struct{ code int }

func (e fakeCodeExitError) Error() string { return "exit" }
func (e fakeCodeExitError) ExitStatus() int { return e.code }

func TestClassifyExitNilIsZero(t *testing.T) {
	t.Parallel()
	code, err := classifyExit(nil)
	if err != nil || code != 0 {
		t.Fatalf("code=%d err=%v, want 0,nil", code, err)
	}
}

func TestClassifyExitExtractsCodeExitError(t *testing.T) {
	t.Parallel()
	code, err := classifyExit(fakeCodeExitError{code: 3})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if code != 3 {
		t.Fatalf("code = %d, want 3", code)
	}
}

func TestClassifyExitPassesThroughUnclassifiedError(t *testing.T) {
	t.Parallel()
	wantErr := errors.New("transport broke")
	_, err := classifyExit(wantErr)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
