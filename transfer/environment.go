// SPDX-License-Identifier: MPL-2.0

// Package transfer implements xrun's file-transfer engine (§4.6, C18):
// the full matrix of (local|ssh|docker|k8s)² copy/move/sync operations.
// Each endpoint is parsed into an Environment (§3's tagged union) and
// dispatched to one of the matrix handlers; cross-kind pairs route
// through a local staging temp path, grounded in the teacher's
// internal/runtime native/SSH/Docker/K8s split, which this package
// composes rather than duplicates — Engine holds the same four adapter
// kinds the root xrun.Registry does, but only the file-transfer methods
// each one exposes (UploadFile/DownloadDirectory, CopyTo/CopyFrom, …).
package transfer

import (
	"fmt"
	"strings"
)

// Kind identifies which execution environment an Environment addresses.
type Kind string

const (
	KindLocal  Kind = "local"
	KindSSH    Kind = "ssh"
	KindDocker Kind = "docker"
	KindK8s    Kind = "k8s"
)

// Environment is one endpoint of a transfer: the tagged union of §3 —
// Local(path) | Ssh(user,host,path) | Docker(container,path) |
// K8s(pod,namespace,path) — parsed from a URL-shaped string or a bare
// filesystem path.
type Environment struct {
	Kind Kind

	Path string // Local path, or the path component of a remote endpoint.

	// SSH fields.
	User string
	Host string
	Port int

	// Docker fields.
	Container string

	// Kubernetes fields.
	Pod       string
	Namespace string
}

// String renders env back to its URL-shaped form, for logging and
// event fields.
func (env Environment) String() string {
	switch env.Kind {
	case KindSSH:
		host := env.Host
		if env.User != "" {
			host = env.User + "@" + host
		}
		if env.Port != 0 && env.Port != 22 {
			host = fmt.Sprintf("%s:%d", host, env.Port)
		}
		return "ssh://" + host + env.Path
	case KindDocker:
		return "docker://" + env.Container + ":" + env.Path
	case KindK8s:
		if env.Namespace != "" {
			return fmt.Sprintf("k8s://%s/%s:%s", env.Namespace, env.Pod, env.Path)
		}
		return "k8s://" + env.Pod + ":" + env.Path
	default:
		return env.Path
	}
}

// sshKey is the pool key this endpoint resolves to, mirroring the SSH
// adapter's "user@host:port" pool keying (§4.1) so the transfer engine
// can tell whether two ssh:// endpoints name the same host.
func (env Environment) sshKey() string {
	port := env.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s@%s:%d", env.User, env.Host, port)
}

// ParseEnvironment parses one transfer endpoint per §6's URL syntax:
// ssh://[user@]host[:port][/path], docker://container[:path],
// k8s://[namespace/]pod[:path] or pod:name, or a bare local path.
func ParseEnvironment(s string) (Environment, error) {
	switch {
	case strings.HasPrefix(s, "ssh://"):
		return parseSSH(strings.TrimPrefix(s, "ssh://"))
	case strings.HasPrefix(s, "docker://"):
		return parseDocker(strings.TrimPrefix(s, "docker://"))
	case strings.HasPrefix(s, "k8s://"):
		return parseK8s(strings.TrimPrefix(s, "k8s://"))
	case strings.HasPrefix(s, "pod:"):
		return parseK8s(strings.TrimPrefix(s, "pod:"))
	default:
		return Environment{Kind: KindLocal, Path: s}, nil
	}
}

func parseSSH(rest string) (Environment, error) {
	hostPart := rest
	path := ""
	if i := strings.Index(rest, "/"); i >= 0 {
		hostPart, path = rest[:i], rest[i:]
	}
	user := ""
	if i := strings.Index(hostPart, "@"); i >= 0 {
		user, hostPart = hostPart[:i], hostPart[i+1:]
	}
	host := hostPart
	port := 0
	if i := strings.LastIndex(hostPart, ":"); i >= 0 {
		host = hostPart[:i]
		if _, err := fmt.Sscanf(hostPart[i+1:], "%d", &port); err != nil {
			return Environment{}, fmt.Errorf("transfer: invalid ssh port in %q: %w", rest, err)
		}
	}
	if host == "" {
		return Environment{}, fmt.Errorf("transfer: ssh:// endpoint %q has no host", rest)
	}
	return Environment{Kind: KindSSH, User: user, Host: host, Port: port, Path: path}, nil
}

func parseDocker(rest string) (Environment, error) {
	container, path, _ := strings.Cut(rest, ":")
	if container == "" {
		return Environment{}, fmt.Errorf("transfer: docker:// endpoint %q has no container", rest)
	}
	return Environment{Kind: KindDocker, Container: container, Path: path}, nil
}

func parseK8s(rest string) (Environment, error) {
	namespace := ""
	podAndPath := rest
	if i := strings.Index(rest, "/"); i >= 0 && !strings.Contains(rest[:i], ":") {
		namespace, podAndPath = rest[:i], rest[i+1:]
	}
	pod, path, _ := strings.Cut(podAndPath, ":")
	if pod == "" {
		return Environment{}, fmt.Errorf("transfer: k8s endpoint %q has no pod", rest)
	}
	return Environment{Kind: KindK8s, Namespace: namespace, Pod: pod, Path: path}, nil
}
