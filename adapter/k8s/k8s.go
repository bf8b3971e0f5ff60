// SPDX-License-Identifier: MPL-2.0

// Package k8s implements xrun's Kubernetes adapter (§4.2, C14):
// command execution via the pod exec subresource, file transfer via a
// tar-over-exec pipe (the same mechanism `kubectl cp` uses), and
// port-forwarding via client-go's SPDY dialer, against a pod/namespace
// addressed by xrun.KubernetesOptions.
//
// Grounded in the teacher's internal/container/docker.go/engine_base.go
// shape (an argv-building exec path keyed by container) adapted from
// shelling out to a CLI onto client-go's REST-based exec/portforward,
// since kubectl's own cp/exec/port-forward commands are themselves
// thin wrappers over these same client-go primitives.
package k8s

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/transport/spdy"

	"xrun"
)

// Adapter runs commands and transfers files against Kubernetes pods.
type Adapter struct {
	xrun.BaseAdapter
	Defaults xrun.KubernetesOptions

	clientset *kubernetes.Clientset
	config    *rest.Config
}

// New builds a Kubernetes Adapter from the kubeconfig addressed by
// kubeconfigPath (empty uses the client-go default loading rules:
// KUBECONFIG env var, then ~/.kube/config, then in-cluster config).
func New(defaults xrun.KubernetesOptions, kubeconfigPath string) (*Adapter, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		loadingRules.ExplicitPath = kubeconfigPath
	}
	overrides := &clientcmd.ConfigOverrides{}
	if defaults.Context != "" {
		overrides.CurrentContext = defaults.Context
	}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	if err != nil {
		return nil, xrun.NewAdapterError("k8s", "kubeconfig load failed", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, xrun.NewAdapterError("k8s", "client construction failed", err)
	}
	return &Adapter{
		BaseAdapter: xrun.BaseAdapter{AdapterName: "k8s"},
		Defaults:    defaults,
		clientset:   clientset,
		config:      cfg,
	}, nil
}

// Name implements xrun.Adapter.
func (a *Adapter) Name() string { return "k8s" }

// IsAvailable reports whether the cluster answers a version request.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	_, err := a.clientset.Discovery().ServerVersion()
	return err == nil
}

// Dispose implements xrun.Adapter; the clientset holds no resources
// that need explicit closing beyond its idle HTTP connections.
func (a *Adapter) Dispose() error { return nil }

func (a *Adapter) resolveOptions(override xrun.KubernetesOptions) xrun.KubernetesOptions {
	opts := a.Defaults
	if override.Pod != "" {
		opts.Pod = override.Pod
	}
	if override.Namespace != "" {
		opts.Namespace = override.Namespace
	}
	if override.Container != "" {
		opts.Container = override.Container
	}
	if override.Context != "" {
		opts.Context = override.Context
	}
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	return opts
}

// checkReady returns a KubernetesError unless the pod exists and is
// Running, per §4.2's "pod not ready" fault.
func (a *Adapter) checkReady(ctx context.Context, opts xrun.KubernetesOptions) error {
	pod, err := a.clientset.CoreV1().Pods(opts.Namespace).Get(ctx, opts.Pod, metav1.GetOptions{})
	if err != nil {
		return &xrun.KubernetesError{Pod: opts.Pod, Namespace: opts.Namespace, Reason: "not found", Cause: err}
	}
	if pod.Status.Phase != corev1.PodRunning {
		return &xrun.KubernetesError{Pod: opts.Pod, Namespace: opts.Namespace, Reason: fmt.Sprintf("pod phase is %s, not Running", pod.Status.Phase)}
	}
	return nil
}

// Execute implements xrun.Adapter via the pod exec subresource, the
// same mechanism `kubectl exec` drives.
func (a *Adapter) Execute(ctx context.Context, cmd xrun.Command) (xrun.Result, error) {
	cmd.Adapter = xrun.AdapterKubernetes
	start := time.Now()

	opts := a.resolveOptions(cmd.Kubernetes)
	if opts.Pod == "" {
		return xrun.Result{}, xrun.NewAdapterError("k8s", "no pod specified", nil)
	}
	if err := a.checkReady(ctx, opts); err != nil {
		return xrun.Result{}, err
	}

	runCtx, cancel := a.WithDeadline(ctx, cmd)
	defer cancel()

	command := execCommand(cmd)

	req := a.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(opts.Namespace).
		Name(opts.Pod).
		SubResource("exec")
	req.VersionedParams(&corev1.PodExecOptions{
		Container: opts.Container,
		Command:   command,
		Stdin:     cmd.Stdin != nil,
		Stdout:    true,
		Stderr:    true,
		TTY:       cmd.PTY,
	}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(a.config, http.MethodPost, req.URL())
	if err != nil {
		return xrun.Result{}, a.WrapUnclassified("exec executor construction", err)
	}

	var stdout, stderr bytes.Buffer
	streamErr := exec.StreamWithContext(runCtx, remotecommand.StreamOptions{
		Stdin:  cmd.Stdin,
		Stdout: &stdout,
		Stderr: &stderr,
		Tty:    cmd.PTY,
	})

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return a.FinalizeTimeout(cmd, start, stdout.String(), stderr.String())
	}

	exitCode, classifyErr := classifyExit(streamErr)
	if classifyErr != nil {
		return xrun.Result{}, a.WrapUnclassified("pod exec", classifyErr)
	}

	return a.CreateResult(cmd, stdout.String(), stderr.String(), exitCode, "", start, map[string]string{
		"pod":       opts.Pod,
		"namespace": opts.Namespace,
	}), nil
}

// execCommand builds the remote command array exactly as the local
// shell-vs-argv distinction requires: Argv runs as given, Text runs
// through a shell.
func execCommand(cmd xrun.Command) []string {
	if len(cmd.Argv) > 0 {
		return cmd.Argv
	}
	shell := "/bin/sh"
	if cmd.Shell != "" && cmd.Shell != "true" {
		shell = cmd.Shell
	}
	return []string{shell, "-c", cmd.Text}
}

// codeExiter is implemented by k8s.io/client-go/util/exec's
// CodeExitError, the exit-status error remotecommand.Stream returns
// for a non-zero-exiting remote command.
type codeExiter interface {
	ExitStatus() int
}

func classifyExit(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var coder codeExiter
	if errors.As(err, &coder) {
		return coder.ExitStatus(), nil
	}
	return 0, err
}

// LogStream opens a log stream for the pod's container, following it
// when follow is true,
// backing §1's log-streaming feature.
func (a *Adapter) LogStream(ctx context.Context, opts xrun.KubernetesOptions, follow bool, tailLines int64) (io.ReadCloser, error) {
	resolved := a.resolveOptions(opts)
	logOpts := &corev1.PodLogOptions{
		Container: resolved.Container,
		Follow:    follow,
	}
	if tailLines > 0 {
		logOpts.TailLines = &tailLines
	}
	req := a.clientset.CoreV1().Pods(resolved.Namespace).GetLogs(resolved.Pod, logOpts)
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, &xrun.KubernetesError{Pod: resolved.Pod, Namespace: resolved.Namespace, Reason: "log stream failed", Cause: err}
	}
	return stream, nil
}

// PortForward opens a local->pod port forward over client-go's SPDY
// dialer, the library equivalent of `kubectl port-forward`. readyCh
// closes once the forward is established; stopCh, closed by the
// caller, ends it.
func (a *Adapter) PortForward(opts xrun.KubernetesOptions, ports []string, stopCh <-chan struct{}) (readyCh <-chan struct{}, errCh <-chan error) {
	resolved := a.resolveOptions(opts)
	ready := make(chan struct{})
	errs := make(chan error, 1)

	req := a.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(resolved.Namespace).
		Name(resolved.Pod).
		SubResource("portforward")

	transport, upgrader, err := spdy.RoundTripperFor(a.config)
	if err != nil {
		errs <- xrun.NewAdapterError("k8s", "port-forward transport construction", err)
		close(ready)
		return ready, errs
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, req.URL())

	fw, err := portforward.New(dialer, ports, stopCh, ready, io.Discard, io.Discard)
	if err != nil {
		errs <- xrun.NewAdapterError("k8s", "port-forward construction", err)
		close(ready)
		return ready, errs
	}

	go func() {
		if err := fw.ForwardPorts(); err != nil {
			errs <- err
		}
	}()
	return ready, errs
}
