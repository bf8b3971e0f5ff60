// SPDX-License-Identifier: MPL-2.0

// Package ssh implements xrun's SSH adapter (§4.1, C12): the deepest
// subsystem in the engine. A single Adapter instance owns a pooled,
// mutex-guarded, keep-alive-managed, auto-reconnecting set of SSH
// connections keyed by user@host:port, multiplexing command execution,
// SFTP transfer, and local->remote TCP tunneling over the same
// connections, plus four sudo password-delivery methods.
//
// Grounded in the teacher's internal/sshserver (charmbracelet/log
// conventions, mutex-guarded shared maps) and, for the pool/tunnel
// shape specifically, two pack reference files: a Docker-over-SSH
// connection pool (double-checked locking, idle/lifetime eviction)
// and an SSH tunnel manager (process-group teardown, graceful-then-
// forced shutdown). Direct dependency: golang.org/x/crypto/ssh for the
// transport, github.com/pkg/sftp for file transfer.
package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"

	"xrun"
	"xrun/internal/events"
	"xrun/internal/secret"
	"xrun/internal/syncutil"
)

// PoolConfig holds the pool-wide defaults of §6: "pool max 10, idle
// timeout 5 min, keep-alive every 30s with auto-reconnect (max 3
// attempts, 1s base delay), max lifetime 1h, SFTP concurrency 5, sudo
// method stdin."
type PoolConfig struct {
	MaxConnections      int
	IdleTimeout         time.Duration
	KeepAliveInterval   time.Duration
	AutoReconnect       bool
	MaxReconnectAttempts int
	ReconnectDelay      time.Duration
	MaxLifetime         time.Duration
	SFTPConcurrency     int
	DefaultSudoMethod   xrun.SudoMethod
	SweepInterval       time.Duration
	DialTimeout         time.Duration
	// HostKeyCallback overrides host key verification. The zero value
	// defaults to ssh.InsecureIgnoreHostKey; a caller wiring in a real
	// known_hosts resolver (external to this engine per spec §1) should
	// set this explicitly.
	HostKeyCallback ssh.HostKeyCallback
}

// DefaultPoolConfig returns the §6 defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:        10,
		IdleTimeout:           5 * time.Minute,
		KeepAliveInterval:     30 * time.Second,
		AutoReconnect:         true,
		MaxReconnectAttempts:  3,
		ReconnectDelay:        time.Second,
		MaxLifetime:           time.Hour,
		SFTPConcurrency:       5,
		DefaultSudoMethod:     xrun.SudoStdin,
		SweepInterval:         60 * time.Second,
		DialTimeout:           10 * time.Second,
		HostKeyCallback:       ssh.InsecureIgnoreHostKey(),
	}
}

type poolState int

const (
	stateIdle poolState = iota
	stateBusy
	stateReconnecting
	stateClosed
)

// poolEntry is the PooledConnection record of §3.
type poolEntry struct {
	mu                sync.Mutex
	key               string
	client            *ssh.Client
	config            xrun.SSHOptions
	createdAt         time.Time
	lastUsed          time.Time
	useCount          int
	errorCount        int
	reconnectAttempts int
	state             poolState
	keepAliveStop     chan struct{}
	sftpClient        *sftpClient
}

// Adapter is the SSH execution, transfer, and tunneling adapter.
type Adapter struct {
	xrun.BaseAdapter
	Defaults SSHAdapterOptions

	cfg     PoolConfig
	emit    *events.Emitter
	secrets *secret.Handler
	log     *log.Logger

	keyedMu *syncutil.KeyedMutex[string]
	poolMu  sync.Mutex
	pool    map[string]*poolEntry

	tunnelsMu sync.Mutex
	tunnels   map[string]*TunnelHandle

	sweepStop chan struct{}
	sweepOnce sync.Once
	disposed  bool
}

// SSHAdapterOptions is the per-adapter-instance SSH defaults layered
// under any per-command xrun.SSHOptions, the same shape BaseAdapter
// uses for Command defaults.
type SSHAdapterOptions struct {
	Host       string
	User       string
	Port       int
	PrivateKey string
	Passphrase string
	Password   string
	Sudo       xrun.SudoOptions
}

// Option configures an Adapter at construction time.
type Option func(*Adapter)

// WithPoolConfig overrides the adapter's pool-wide policy.
func WithPoolConfig(cfg PoolConfig) Option {
	return func(a *Adapter) { a.cfg = cfg }
}

// WithEmitter routes every lifecycle event through emit instead of a
// private Emitter, so an Engine can forward SSH events to its own bus.
func WithEmitter(emit *events.Emitter) Option {
	return func(a *Adapter) { a.emit = emit }
}

// WithLogger replaces the adapter's default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// New constructs an SSH Adapter and starts its background sweeper.
func New(defaults SSHAdapterOptions, opts ...Option) *Adapter {
	a := &Adapter{
		BaseAdapter: xrun.BaseAdapter{AdapterName: "ssh"},
		Defaults:    defaults,
		cfg:         DefaultPoolConfig(),
		emit:        events.New(),
		pool:        make(map[string]*poolEntry),
		tunnels:     make(map[string]*TunnelHandle),
		keyedMu:     syncutil.NewKeyedMutex[string](),
		sweepStop:   make(chan struct{}),
		log:         log.NewWithOptions(os.Stderr, log.Options{Prefix: "ssh-adapter"}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.secrets == nil {
		h, err := secret.NewHandler("")
		if err == nil {
			a.secrets = h
		}
	}
	go a.sweepLoop()
	return a
}

// Name implements xrun.Adapter.
func (a *Adapter) Name() string { return "ssh" }

// IsAvailable reports whether the adapter can still accept work (not
// disposed). Reachability of any particular host is only known once a
// connection is attempted.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()
	return !a.disposed
}

// Events returns the adapter's event emitter.
func (a *Adapter) Events() *events.Emitter { return a.emit }

func targetKey(opts xrun.SSHOptions) string {
	port := opts.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s@%s:%d", opts.User, opts.Host, port)
}

// resolveOptions layers a per-command SSHOptions over the adapter's
// own defaults, the same "caller overrides adapter defaults" contract
// BaseAdapter.MergeCommand applies to the rest of Command.
func (a *Adapter) resolveOptions(override xrun.SSHOptions) xrun.SSHOptions {
	opts := xrun.SSHOptions{
		Host:       a.Defaults.Host,
		User:       a.Defaults.User,
		Port:       a.Defaults.Port,
		PrivateKey: a.Defaults.PrivateKey,
		Passphrase: a.Defaults.Passphrase,
		Password:   a.Defaults.Password,
		Sudo:       a.Defaults.Sudo,
	}
	if override.Host != "" {
		opts.Host = override.Host
	}
	if override.User != "" {
		opts.User = override.User
	}
	if override.Port != 0 {
		opts.Port = override.Port
	}
	if override.PrivateKey != "" {
		opts.PrivateKey = override.PrivateKey
	}
	if override.Passphrase != "" {
		opts.Passphrase = override.Passphrase
	}
	if override.Password != "" {
		opts.Password = override.Password
	}
	if override.Sudo.Enabled {
		opts.Sudo = override.Sudo
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	return opts
}

// validate enforces §6's SSH option contract: host/username required,
// port in range, key XOR password, and (when a key is given) that it
// parses as a recognized private key format.
func validate(opts xrun.SSHOptions) error {
	if opts.Host == "" {
		return fmt.Errorf("ssh: host is required")
	}
	if opts.User == "" {
		return fmt.Errorf("ssh: username is required")
	}
	if opts.Port < 1 || opts.Port > 65535 {
		return fmt.Errorf("ssh: port %d out of range", opts.Port)
	}
	if opts.PrivateKey != "" && opts.Password != "" {
		return fmt.Errorf("ssh: privateKey and password are mutually exclusive")
	}
	if opts.PrivateKey != "" {
		if _, err := parsePrivateKey(opts.PrivateKey, opts.Passphrase); err != nil {
			return fmt.Errorf("ssh: invalid private key: %w", err)
		}
	}
	return nil
}

// parsePrivateKey validates and parses an OpenSSH or PEM (RSA, DSA,
// EC/ECDSA, ED25519) private key, matching §6's acceptance contract.
func parsePrivateKey(pemBytes, passphrase string) (ssh.Signer, error) {
	if len(pemBytes) == 0 {
		return nil, fmt.Errorf("empty key body")
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase([]byte(pemBytes), []byte(passphrase))
	}
	return ssh.ParsePrivateKey([]byte(pemBytes))
}

func clientConfig(opts xrun.SSHOptions, cfg PoolConfig) (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod
	switch {
	case opts.PrivateKey != "":
		signer, err := parsePrivateKey(opts.PrivateKey, opts.Passphrase)
		if err != nil {
			return nil, err
		}
		auths = append(auths, ssh.PublicKeys(signer))
	case opts.Password != "":
		auths = append(auths, ssh.Password(opts.Password))
	default:
		return nil, fmt.Errorf("ssh: neither privateKey nor password provided")
	}

	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}, nil
}

// getConnection implements the pool discipline of §4.1: a per-key lock
// serializes lookup/create so two concurrent first-uses for the same
// key never dial twice; a live, non-expired entry is reused; a dead
// entry is reconnected (bounded attempts) or evicted and replaced.
func (a *Adapter) getConnection(ctx context.Context, opts xrun.SSHOptions) (*poolEntry, error) {
	key := targetKey(opts)

	var entry *poolEntry
	var err error
	lockErr := a.keyedMu.WithLock(ctx, key, func() error {
		entry, err = a.acquireLocked(ctx, key, opts)
		return err
	})
	if lockErr != nil && err == nil {
		err = lockErr
	}
	return entry, err
}

func (a *Adapter) acquireLocked(ctx context.Context, key string, opts xrun.SSHOptions) (*poolEntry, error) {
	a.poolMu.Lock()
	existing := a.pool[key]
	a.poolMu.Unlock()

	now := time.Now()
	if existing != nil {
		existing.mu.Lock()
		alive := existing.state != stateClosed && now.Sub(existing.createdAt) < a.cfg.MaxLifetime
		existing.mu.Unlock()
		if alive {
			existing.mu.Lock()
			existing.useCount++
			existing.lastUsed = now
			existing.state = stateBusy
			uses := existing.useCount
			existing.mu.Unlock()
			a.log.Debug("pool reuse", "key", key, "useCount", uses)
			return existing, nil
		}

		if a.cfg.AutoReconnect {
			if reconnected, err := a.reconnect(ctx, existing, opts); err == nil {
				return reconnected, nil
			}
		}
		a.evictLocked(key)
	}

	a.enforceCapacityLocked()

	if err := validate(opts); err != nil {
		return nil, &xrun.ConnectionError{Host: opts.Host, Cause: err}
	}
	client, err := a.dial(ctx, opts)
	if err != nil {
		return nil, &xrun.ConnectionError{Host: opts.Host, Cause: err}
	}

	entry := &poolEntry{
		key:       key,
		client:    client,
		config:    opts,
		createdAt: now,
		lastUsed:  now,
		useCount:  1,
		state:     stateBusy,
	}
	a.poolMu.Lock()
	a.pool[key] = entry
	a.poolMu.Unlock()

	a.emitEvent("ssh:connect", key, nil)
	a.emitEvent("connection:open", key, nil)
	a.startKeepAlive(entry)
	return entry, nil
}

func (a *Adapter) dial(ctx context.Context, opts xrun.SSHOptions) (*ssh.Client, error) {
	cfg, err := clientConfig(opts, a.cfg)
	if err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)

	dialer := net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, err
	}
	if opts.PrivateKey != "" {
		a.emitEvent("ssh:key-validated", targetKey(opts), nil)
	}
	return ssh.NewClient(cconn, chans, reqs), nil
}

func (a *Adapter) reconnect(ctx context.Context, entry *poolEntry, opts xrun.SSHOptions) (*poolEntry, error) {
	entry.mu.Lock()
	entry.state = stateReconnecting
	attempts := entry.reconnectAttempts
	entry.mu.Unlock()

	if attempts >= a.cfg.MaxReconnectAttempts {
		return nil, fmt.Errorf("ssh: max reconnect attempts exceeded for %s", entry.key)
	}

	a.log.Debug("reconnect attempt", "key", entry.key, "attempt", attempts+1)
	delay := time.Duration(attempts+1) * a.cfg.ReconnectDelay
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	client, err := a.dial(ctx, opts)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.reconnectAttempts++
	if err != nil {
		entry.state = stateClosed
		return nil, err
	}
	_ = entry.client.Close()
	entry.client = client
	entry.state = stateBusy
	entry.createdAt = time.Now()
	entry.lastUsed = time.Now()
	entry.useCount++
	entry.errorCount = 0
	a.emitEvent("ssh:reconnect", entry.key, nil)
	return entry, nil
}

// enforceCapacityLocked evicts the oldest-idle entry when the pool is
// at MaxConnections, per §4.1's "oldest-idle entry is evicted first."
func (a *Adapter) enforceCapacityLocked() {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()
	if a.cfg.MaxConnections <= 0 || len(a.pool) < a.cfg.MaxConnections {
		return
	}

	var oldestKey string
	var oldest time.Time
	for k, e := range a.pool {
		e.mu.Lock()
		lastUsed := e.lastUsed
		e.mu.Unlock()
		if oldestKey == "" || lastUsed.Before(oldest) {
			oldestKey, oldest = k, lastUsed
		}
	}
	if oldestKey != "" {
		if e := a.pool[oldestKey]; e != nil {
			go a.closeEntry(e)
		}
		delete(a.pool, oldestKey)
	}
}

func (a *Adapter) evictLocked(key string) {
	a.poolMu.Lock()
	entry := a.pool[key]
	delete(a.pool, key)
	a.poolMu.Unlock()
	if entry != nil {
		a.closeEntry(entry)
	}
}

func (a *Adapter) closeEntry(e *poolEntry) {
	e.mu.Lock()
	e.state = stateClosed
	if e.keepAliveStop != nil {
		close(e.keepAliveStop)
		e.keepAliveStop = nil
	}
	client := e.client
	sftpClient := e.sftpClient
	e.sftpClient = nil
	e.mu.Unlock()

	if sftpClient != nil {
		_ = sftpClient.Close()
	}
	if client != nil {
		_ = client.Close()
		a.emitEvent("ssh:disconnect", e.key, nil)
		a.emitEvent("connection:close", e.key, nil)
	}
}

// recordError increments entry's error counter and evicts it once the
// count crosses 3, per §3's pool-entry invariant.
func (a *Adapter) recordError(entry *poolEntry) {
	entry.mu.Lock()
	entry.errorCount++
	exceeded := entry.errorCount > 3
	entry.mu.Unlock()
	if exceeded {
		a.evictLocked(entry.key)
	}
}

// recordTimeout always evicts, regardless of error count (§4.1/§8).
func (a *Adapter) recordTimeout(entry *poolEntry) {
	a.evictLocked(entry.key)
}

func (a *Adapter) release(entry *poolEntry) {
	entry.mu.Lock()
	if entry.state != stateClosed {
		entry.state = stateIdle
	}
	entry.mu.Unlock()
}

func (a *Adapter) startKeepAlive(entry *poolEntry) {
	if a.cfg.KeepAliveInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	entry.mu.Lock()
	entry.keepAliveStop = stop
	entry.mu.Unlock()

	go func() {
		ticker := time.NewTicker(a.cfg.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.poolMu.Lock()
				current := a.pool[entry.key]
				a.poolMu.Unlock()
				// The key may have been evicted and re-created by now;
				// only the entry still registered under it keeps ticking.
				if current != entry {
					return
				}
				entry.mu.Lock()
				client := entry.client
				entry.mu.Unlock()
				if client == nil {
					return
				}
				if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
					a.log.Debug("keep-alive failed, evicting", "key", entry.key, "err", err)
					a.evictLocked(entry.key)
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

func (a *Adapter) sweepLoop() {
	interval := a.cfg.SweepInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.sweep()
		case <-a.sweepStop:
			return
		}
	}
}

// sweep implements §4.1's background eviction; it never propagates a
// failure (failures here are logged and suppressed, per §4.1).
func (a *Adapter) sweep() {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("sweep recovered", "panic", r)
		}
	}()

	now := time.Now()
	a.poolMu.Lock()
	var stale []*poolEntry
	for k, e := range a.pool {
		e.mu.Lock()
		idle := now.Sub(e.lastUsed) > a.cfg.IdleTimeout
		old := now.Sub(e.createdAt) > a.cfg.MaxLifetime
		e.mu.Unlock()
		if idle || old {
			stale = append(stale, e)
			delete(a.pool, k)
		}
	}
	a.poolMu.Unlock()

	for _, e := range stale {
		a.closeEntry(e)
		a.emitEvent("ssh:pool-cleanup", e.key, nil)
	}
	a.emitEvent("ssh:pool-metrics", "", map[string]any{"size": a.poolSize()})
}

func (a *Adapter) poolSize() int {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()
	return len(a.pool)
}

func (a *Adapter) emitEvent(name, key string, extra map[string]any) {
	if a.emit == nil {
		return
	}
	fields := map[string]any{}
	for k, v := range extra {
		fields[k] = v
	}
	if key != "" {
		fields["key"] = key
	}
	a.emit.Emit(events.Event{Name: name, Adapter: "ssh", Fields: fields})
}

// Dispose implements §4.1's dispose contract: close all tunnels, then
// all pooled connections in parallel, then zero secret material.
func (a *Adapter) Dispose() error {
	a.poolMu.Lock()
	if a.disposed {
		a.poolMu.Unlock()
		return nil
	}
	a.disposed = true
	a.poolMu.Unlock()

	a.sweepOnce.Do(func() { close(a.sweepStop) })

	a.closeAllTunnels()

	a.poolMu.Lock()
	entries := make([]*poolEntry, 0, len(a.pool))
	for _, e := range a.pool {
		entries = append(entries, e)
	}
	a.pool = make(map[string]*poolEntry)
	a.poolMu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *poolEntry) {
			defer wg.Done()
			a.closeEntry(e)
		}(e)
	}
	wg.Wait()

	if a.secrets != nil {
		return a.secrets.Dispose()
	}
	return nil
}
