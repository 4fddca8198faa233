package tcs

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ConnectionState tracks the lifecycle of a ConnectionHost.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDegraded:
		return "Degraded"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

const (
	livenessProbeTimeout = 5 * time.Second
	livenessProbeCommand = "echo tcs-liveness"
	keepAliveRequestName = "keepalive@openssh.com"
	executeRetryLimit    = 3
)

// CommandResult carries the outcome of one remote command execution. A non-zero
// ExitCode is a normal result, not an error.
type CommandResult struct {
	ExitCode int    `json:"ExitCode"`
	Stdout   string `json:"Stdout"`
	Stderr   string `json:"Stderr"`
}

type errBox struct{ err error }

// ConnectionHost owns one authenticated remote command-execution session and its
// periodic liveness probing.
type ConnectionHost struct {
	ConnectionID   uint64
	ConnectionName string

	config *ConnectionConfig
	logger *zap.Logger

	client        *ssh.Client // guarded by connLock
	keepAliveStop chan struct{}
	connLock      *sync.Mutex

	createdAt time.Time

	state             int32
	transportUp       int32
	sessionStart      int64 // unix nanos of last successful connect
	lastProbeAt       int64 // unix nanos of last successful liveness probe
	consecutiveErrors int32
	lastErr           atomic.Value // errBox

	commandsAttempted uint64
	commandsSucceeded uint64
	commandsFailed    uint64
}

// NewConnectionHost creates a ConnectionHost and dials it, retrying transient
// failures per the config. Authentication and host-key rejections are terminal
// and surface immediately.
func NewConnectionHost(
	config *ConnectionConfig,
	connectionName string,
	connectionID uint64,
	logger *zap.Logger) (*ConnectionHost, error) {

	if config == nil || config.Host == "" {
		return nil, errors.New("connection config requires a host")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ch := &ConnectionHost{
		ConnectionID:   connectionID,
		ConnectionName: connectionName,
		config:         config.withDefaults(),
		logger:         logger,
		connLock:       &sync.Mutex{},
		createdAt:      time.Now(),
	}

	if err := ch.Connect(); err != nil {
		return nil, err
	}

	return ch, nil
}

// Connect dials the host, retrying transient failures up to MaxRetryAttempts with
// exponential backoff min(base * 2^attempt, cap). Safe to call on a live host.
func (ch *ConnectionHost) Connect() error {

	// Compare, Lock, Recompare Strategy
	if ch.transportLive() {
		return nil
	}

	ch.connLock.Lock()
	defer ch.connLock.Unlock()

	if ch.transportLive() {
		return nil
	}

	clientConfig, err := ch.clientConfig()
	if err != nil {
		ch.setState(StateDisconnected)
		ch.recordError(err)
		return err
	}

	ch.setState(StateConnecting)

	// Drop any dead remnants of a previous session before dialing again.
	if ch.keepAliveStop != nil {
		close(ch.keepAliveStop)
		ch.keepAliveStop = nil
	}
	if ch.client != nil {
		_ = ch.client.Close()
		ch.client = nil
	}

	addr := net.JoinHostPort(ch.config.Host, strconv.FormatUint(uint64(ch.config.Port), 10))
	base := time.Duration(ch.config.RetryBackoffBase) * time.Millisecond
	cap := time.Duration(ch.config.RetryBackoffCap) * time.Millisecond

	var lastErr error
	for attempt := uint32(0); attempt < ch.config.MaxRetryAttempts; attempt++ {

		if attempt > 0 {
			time.Sleep(backoffDelay(attempt-1, base, cap))
		}

		client, err := ssh.Dial("tcp", addr, clientConfig)
		if err != nil {
			lastErr = classifyConnectError(err)
			ch.recordError(lastErr)

			if isTerminalConnectError(lastErr) {
				ch.setState(StateDisconnected)
				return lastErr
			}

			ch.logger.Debug("connect attempt failed",
				zap.String("connection", ch.ConnectionName),
				zap.String("addr", addr),
				zap.Uint32("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		now := time.Now().UnixNano()
		ch.client = client
		atomic.StoreInt32(&ch.transportUp, 1)
		atomic.StoreInt64(&ch.sessionStart, now)
		atomic.StoreInt64(&ch.lastProbeAt, now)
		atomic.StoreInt32(&ch.consecutiveErrors, 0)
		ch.setState(StateConnected)
		ch.startKeepAlive(client)
		go ch.watchTransport(client)

		ch.logger.Debug("connected",
			zap.String("connection", ch.ConnectionName),
			zap.String("addr", addr))
		return nil
	}

	ch.setState(StateDisconnected)
	if lastErr == nil {
		lastErr = ErrTransientNetwork
	}
	return fmt.Errorf("connect to %s failed after %d attempts: %w", addr, ch.config.MaxRetryAttempts, lastErr)
}

func (ch *ConnectionHost) clientConfig() (*ssh.ClientConfig, error) {

	auths := make([]ssh.AuthMethod, 0, 2)

	if ch.config.PrivateKeyFile != "" {
		keyBytes, err := ioutil.ReadFile(ch.config.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading private key: %v", ErrAuthenticationFailed, err)
		}

		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing private key: %v", ErrAuthenticationFailed, err)
		}

		auths = append(auths, ssh.PublicKeys(signer))
	}

	if ch.config.Password != "" {
		auths = append(auths, ssh.Password(ch.config.Password))
	}

	if len(auths) == 0 {
		return nil, fmt.Errorf("%w: no credentials configured", ErrAuthenticationFailed)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if ch.config.KnownHostsFile != "" {
		callback, err := knownhosts.New(ch.config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("%w: loading known hosts: %v", ErrAuthenticationFailed, err)
		}
		hostKeyCallback = callback
	}

	return &ssh.ClientConfig{
		User:            ch.config.Username,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         time.Duration(ch.config.ConnectTimeout) * time.Second,
	}, nil
}

// watchTransport flips the host to Degraded when the transport drops underneath us.
func (ch *ConnectionHost) watchTransport(client *ssh.Client) {

	err := client.Wait()

	if ch.currentClient() != client {
		return // replaced by a reconnect, nothing to report
	}

	atomic.StoreInt32(&ch.transportUp, 0)
	if atomic.CompareAndSwapInt32(&ch.state, int32(StateConnected), int32(StateDegraded)) {
		atomic.AddInt32(&ch.consecutiveErrors, 1)
		if err != nil {
			ch.recordError(err)
		}
		ch.logger.Warn("transport dropped",
			zap.String("connection", ch.ConnectionName),
			zap.Error(err))
	}
}

func (ch *ConnectionHost) startKeepAlive(client *ssh.Client) {

	interval := time.Duration(ch.config.KeepAliveInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	stop := make(chan struct{})
	ch.keepAliveStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ch.livenessProbe(client)
			}
		}
	}()
}

// livenessProbe performs a keepalive round trip plus a cheap echo command. Failure
// increments the error counter and degrades the host.
func (ch *ConnectionHost) livenessProbe(client *ssh.Client) {

	done := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest(keepAliveRequestName, true, nil)
		done <- err
	}()

	var err error
	timer := time.NewTimer(livenessProbeTimeout)
	select {
	case err = <-done:
	case <-timer.C:
		err = fmt.Errorf("keepalive: %w", ErrTimeout)
	}
	timer.Stop()

	if err == nil {
		_, err = runCommandOnClient(client, livenessProbeCommand, livenessProbeTimeout)
	}

	if err != nil {
		atomic.AddInt32(&ch.consecutiveErrors, 1)
		ch.recordError(err)
		atomic.CompareAndSwapInt32(&ch.state, int32(StateConnected), int32(StateDegraded))
		ch.logger.Debug("liveness probe failed",
			zap.String("connection", ch.ConnectionName),
			zap.Error(err))
		return
	}

	atomic.StoreInt64(&ch.lastProbeAt, time.Now().UnixNano())
	atomic.StoreInt32(&ch.consecutiveErrors, 0)
	atomic.CompareAndSwapInt32(&ch.state, int32(StateDegraded), int32(StateConnected))
}

// IsHealthy reports whether the transport is live, probes are passing, and the
// session has not outlived MaxSessionAge.
func (ch *ConnectionHost) IsHealthy() bool {

	if ch.State() != StateConnected {
		return false
	}
	if !ch.transportLive() {
		return false
	}

	if ch.config.MaxSessionAge > 0 {
		maxAge := time.Duration(ch.config.MaxSessionAge) * time.Second
		if ch.SessionAge() > maxAge {
			return false
		}
	}

	return true
}

// Execute runs the command remotely with its own timeout. An unhealthy host gets
// one reconnect attempt first. Transport-level failures are retried up to
// executeRetryLimit times; non-zero exit codes and timeouts are not.
func (ch *ConnectionHost) Execute(command string, timeout time.Duration) (*CommandResult, error) {

	atomic.AddUint64(&ch.commandsAttempted, 1)

	if !ch.IsHealthy() {
		if err := ch.Reconnect(); err != nil {
			atomic.AddUint64(&ch.commandsFailed, 1)
			return nil, fmt.Errorf("%w: %v", ErrConnectionUnavailable, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < executeRetryLimit; attempt++ {

		client := ch.currentClient()
		if client == nil {
			lastErr = ErrConnectionUnavailable
		} else {
			result, err := runCommandOnClient(client, command, timeout)
			if err == nil {
				atomic.AddUint64(&ch.commandsSucceeded, 1)
				return result, nil
			}

			if errors.Is(err, ErrTimeout) {
				atomic.AddUint64(&ch.commandsFailed, 1)
				return nil, err
			}

			lastErr = err
			ch.recordError(err)
		}

		if attempt+1 < executeRetryLimit {
			if err := ch.Reconnect(); err != nil {
				lastErr = err
			}
		}
	}

	atomic.AddUint64(&ch.commandsFailed, 1)
	return nil, fmt.Errorf("command failed after %d attempts: %w", executeRetryLimit, lastErr)
}

// runCommandOnClient executes one command over a fresh session, splitting stdout
// from stderr and translating a remote non-zero exit into a normal result.
func runCommandOnClient(client *ssh.Client, command string, timeout time.Duration) (*CommandResult, error) {

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening exec session: %v: %w", err, ErrTransientNetwork)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		_ = session.Close() // unblocks the Run goroutine
		return nil, fmt.Errorf("command %q exceeded %s: %w", command, timeout, ErrTimeout)
	}

	result := &CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, fmt.Errorf("command transport failure: %v: %w", err, ErrTransientNetwork)
	}

	return result, nil
}

// Reconnect tears the session down and dials again. Used by health-driven
// self-healing and by explicit caller request.
func (ch *ConnectionHost) Reconnect() error {
	ch.setState(StateReconnecting)
	ch.Disconnect()
	return ch.Connect()
}

// Disconnect stops the liveness probe, closes the transport and transitions to
// Disconnected. Idempotent.
func (ch *ConnectionHost) Disconnect() {

	ch.connLock.Lock()
	defer ch.connLock.Unlock()

	if ch.keepAliveStop != nil {
		close(ch.keepAliveStop)
		ch.keepAliveStop = nil
	}

	if ch.client != nil {
		_ = ch.client.Close()
		ch.client = nil
	}

	atomic.StoreInt32(&ch.transportUp, 0)
	ch.setState(StateDisconnected)
}

func (ch *ConnectionHost) currentClient() *ssh.Client {
	ch.connLock.Lock()
	defer ch.connLock.Unlock()
	return ch.client
}

func (ch *ConnectionHost) transportLive() bool {
	return atomic.LoadInt32(&ch.transportUp) == 1
}

func (ch *ConnectionHost) setState(s ConnectionState) {
	atomic.StoreInt32(&ch.state, int32(s))
}

// State returns the current lifecycle state.
func (ch *ConnectionHost) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&ch.state))
}

func (ch *ConnectionHost) recordError(err error) {
	ch.lastErr.Store(errBox{err})
}

// LastError returns the most recent connect/probe/execute error, if any.
func (ch *ConnectionHost) LastError() error {
	if boxed, ok := ch.lastErr.Load().(errBox); ok {
		return boxed.err
	}
	return nil
}

// SessionAge is the time elapsed since the last successful connect.
func (ch *ConnectionHost) SessionAge() time.Duration {
	start := atomic.LoadInt64(&ch.sessionStart)
	if start == 0 {
		return 0
	}
	return time.Since(time.Unix(0, start))
}

// CreatedAt is when the host object was constructed.
func (ch *ConnectionHost) CreatedAt() time.Time { return ch.createdAt }

// LastProbeAt is when the last liveness probe succeeded.
func (ch *ConnectionHost) LastProbeAt() time.Time {
	return time.Unix(0, atomic.LoadInt64(&ch.lastProbeAt))
}

// ConsecutiveErrors counts probe/transport failures since the last success.
func (ch *ConnectionHost) ConsecutiveErrors() int32 {
	return atomic.LoadInt32(&ch.consecutiveErrors)
}

// CommandsAttempted counts commands handed to Execute.
func (ch *ConnectionHost) CommandsAttempted() uint64 { return atomic.LoadUint64(&ch.commandsAttempted) }

// CommandsSucceeded counts commands that produced a result (any exit code).
func (ch *ConnectionHost) CommandsSucceeded() uint64 { return atomic.LoadUint64(&ch.commandsSucceeded) }

// CommandsFailed counts commands that surfaced an error to the caller.
func (ch *ConnectionHost) CommandsFailed() uint64 { return atomic.LoadUint64(&ch.commandsFailed) }
