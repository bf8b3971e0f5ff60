// SPDX-License-Identifier: MPL-2.0

package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"xrun"
)

// TunnelOptions configures a local->remote TCP tunnel (§4.1).
type TunnelOptions struct {
	LocalHost  string
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// TunnelHandle is the live-socket-tracking handle of §3: local port,
// remote endpoint, open flag, transitioning open -> closed exactly
// once. Grounded in the pack's SSH tunnel manager (process-group
// teardown, idempotent close via a done channel) adapted here to
// close listener sockets instead of killing a subprocess, since this
// tunnel is bridged entirely in-process over one ssh.Client.
type TunnelHandle struct {
	LocalHost  string
	LocalPort  int
	RemoteHost string
	RemotePort int

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	open     bool
	closeOne sync.Once

	adapter *Adapter
	key     string
}

// IsOpen reports whether the tunnel still accepts inbound connections.
func (t *TunnelHandle) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Close ends every live socket and the listener exactly once, removes
// the handle from the adapter's active-tunnel map, and emits
// ssh:tunnel-closed. Calling Close twice is a no-op (§8).
func (t *TunnelHandle) Close() error {
	var err error
	t.closeOne.Do(func() {
		t.mu.Lock()
		t.open = false
		listener := t.listener
		conns := make([]net.Conn, 0, len(t.conns))
		for c := range t.conns {
			conns = append(conns, c)
		}
		t.mu.Unlock()

		for _, c := range conns {
			_ = c.Close()
		}
		if listener != nil {
			err = listener.Close()
		}

		t.adapter.tunnelsMu.Lock()
		delete(t.adapter.tunnels, t.key)
		t.adapter.tunnelsMu.Unlock()
		t.adapter.emitEvent("ssh:tunnel-closed", t.key, nil)
	})
	return err
}

// Tunnel opens a local TCP listener that bridges every inbound
// connection to remoteHost:remotePort over the pooled SSH connection for opts,
// implementing §4.1's tunnel mechanics. localPort 0 requests a
// kernel-assigned ephemeral port, reported back on the handle.
func (a *Adapter) Tunnel(opts xrun.SSHOptions, tun TunnelOptions) (*TunnelHandle, error) {
	entry, err := a.getConnection(context.Background(), opts)
	if err != nil {
		return nil, err
	}
	defer a.release(entry)

	host := tun.LocalHost
	if host == "" {
		host = "127.0.0.1"
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, tun.LocalPort))
	if err != nil {
		return nil, xrun.NewAdapterError("ssh", "tunnel listen failed", err)
	}

	localPort := listener.Addr().(*net.TCPAddr).Port
	key := fmt.Sprintf("%s:%d->%s:%d", host, localPort, tun.RemoteHost, tun.RemotePort)

	handle := &TunnelHandle{
		LocalHost:  host,
		LocalPort:  localPort,
		RemoteHost: tun.RemoteHost,
		RemotePort: tun.RemotePort,
		listener:   listener,
		conns:      make(map[net.Conn]struct{}),
		open:       true,
		adapter:    a,
		key:        key,
	}

	a.tunnelsMu.Lock()
	a.tunnels[key] = handle
	a.tunnelsMu.Unlock()

	go a.acceptLoop(entry, handle)

	a.emitEvent("ssh:tunnel-created", key, map[string]any{"localPort": localPort})
	return handle, nil
}

func (a *Adapter) acceptLoop(entry *poolEntry, handle *TunnelHandle) {
	for {
		conn, err := handle.listener.Accept()
		if err != nil {
			return
		}
		if !handle.IsOpen() {
			_ = conn.Close()
			return
		}

		handle.mu.Lock()
		handle.conns[conn] = struct{}{}
		handle.mu.Unlock()

		go a.bridge(entry, handle, conn)
	}
}

func (a *Adapter) bridge(entry *poolEntry, handle *TunnelHandle, local net.Conn) {
	defer func() {
		handle.mu.Lock()
		delete(handle.conns, local)
		handle.mu.Unlock()
		_ = local.Close()
	}()

	entry.mu.Lock()
	client := entry.client
	entry.mu.Unlock()
	if client == nil {
		return
	}

	remote, err := client.Dial("tcp", fmt.Sprintf("%s:%d", handle.RemoteHost, handle.RemotePort))
	if err != nil {
		return
	}
	defer func() { _ = remote.Close() }()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(remote, local) }()
	go func() { defer wg.Done(); _, _ = io.Copy(local, remote) }()
	wg.Wait()
}

// PortForward is a one-shot forward without a tracked TunnelHandle:
// the handle is removed from the adapter's active-tunnel map and not
// returned, so neither Dispose nor the caller can close the listener;
// it stays open for the life of the process.
func (a *Adapter) PortForward(opts xrun.SSHOptions, localPort int, remoteHost string, remotePort int) error {
	handle, err := a.Tunnel(opts, TunnelOptions{LocalPort: localPort, RemoteHost: remoteHost, RemotePort: remotePort})
	if err != nil {
		return err
	}
	a.tunnelsMu.Lock()
	delete(a.tunnels, handle.key)
	a.tunnelsMu.Unlock()
	return nil
}

func (a *Adapter) closeAllTunnels() {
	a.tunnelsMu.Lock()
	handles := make([]*TunnelHandle, 0, len(a.tunnels))
	for _, h := range a.tunnels {
		handles = append(handles, h)
	}
	a.tunnelsMu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
}
