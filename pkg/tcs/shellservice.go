package tcs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ShellService is the struct for containing all you need for pooled remote
// command execution: the SessionPool, the HealthMonitor watching its target and
// the periodic report writer.
type ShellService struct {
	config *ShellSeasoning

	Pool    *SessionPool
	Monitor *HealthMonitor
	Reports *ReportWriter

	logger *zap.Logger

	shutdownSignal chan struct{}
	centralErr     chan error
	serviceLock    *sync.Mutex
	shutdownOnce   sync.Once
}

// NewShellService wires pool, monitor and reports together from one seasoning and
// starts them. Errors from sub-processes funnel into the central error channel;
// pass processError to consume them, or nil to have them logged.
func NewShellService(
	config *ShellSeasoning,
	logger *zap.Logger,
	processError func(error)) (*ShellService, error) {

	if config == nil || config.ConnectionConfig == nil {
		return nil, errors.New("shellservice requires a connection config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ss := &ShellService{
		config:         config,
		logger:         logger,
		centralErr:     make(chan error, 1000),
		shutdownSignal: make(chan struct{}),
		serviceLock:    &sync.Mutex{},
	}

	ss.Monitor = NewHealthMonitor(config.MonitorConfig, logger)

	pool, err := NewSessionPoolWithHandlers(
		config,
		logger,
		func(err error) { ss.reportError(err) },
		func(err error) { ss.reportError(fmt.Errorf("unhealthy slot: %w", err)) })
	if err != nil {
		return nil, err
	}
	pool.SetHealthMonitor(ss.Monitor)
	ss.Pool = pool

	if err := pool.Start(); err != nil {
		pool.Shutdown()
		return nil, err
	}

	if config.MonitorConfig != nil && config.MonitorConfig.SampleInterval > 0 {
		if err := ss.Monitor.Start(config.ConnectionConfig.Host); err != nil {
			ss.reportError(err)
		}
	}

	if config.ReportConfig != nil && config.ReportConfig.Enabled {
		reports, err := NewReportWriter(config.ReportConfig, pool, ss.Monitor, config.ConnectionConfig.Host, logger)
		if err != nil {
			pool.Shutdown()
			ss.Monitor.Stop()
			return nil, err
		}
		if err := reports.Start(); err != nil {
			ss.reportError(err)
		}
		ss.Reports = reports
	}

	if processError != nil {
		go ss.invokeProcessError(processError)
	} else {
		go ss.processErrors()
	}

	return ss, nil
}

// Execute borrows a session, runs the command and releases the session, normal or
// abnormal exit alike.
func (ss *ShellService) Execute(command string, timeout time.Duration) (*CommandResult, error) {

	if ss.isShutdown() {
		return nil, fmt.Errorf("unable to execute: %w", ErrSessionPoolClosed)
	}

	checkOutTimeout := time.Duration(ss.config.PoolConfig.CheckOutTimeout) * time.Second
	if checkOutTimeout <= 0 {
		checkOutTimeout = 30 * time.Second
	}

	session, err := ss.Pool.CheckOut(checkOutTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = session.Release() }()

	return session.Execute(command, timeout)
}

// CentralErr yields all the internal errs for sub-processes.
func (ss *ShellService) CentralErr() <-chan error {
	return ss.centralErr
}

func (ss *ShellService) reportError(err error) {
	select {
	case ss.centralErr <- err:
	default: // channel full, drop rather than block a sub-process
	}
}

func (ss *ShellService) invokeProcessError(processError func(error)) {

	for {
		select {
		case <-ss.catchShutdown():
			return // Prevent leaking goroutine
		case err := <-ss.centralErr:
			processError(err)
		}
	}
}

func (ss *ShellService) processErrors() {

	for {
		select {
		case <-ss.catchShutdown():
			return // Prevent leaking goroutine
		case err := <-ss.centralErr:
			ss.logger.Error("shellservice central err", zap.Error(err))
		}
	}
}

// Shutdown stops reports, continuous monitoring and the pool.
func (ss *ShellService) Shutdown() {

	ss.shutdownOnce.Do(func() {
		close(ss.shutdownSignal)

		if ss.Reports != nil {
			ss.Reports.Stop()
		}
		ss.Monitor.Stop()
		ss.Pool.Shutdown()
	})
}

func (ss *ShellService) isShutdown() bool {
	select {
	case <-ss.shutdownSignal:
		return true
	default:
		return false
	}
}

func (ss *ShellService) catchShutdown() <-chan struct{} {
	return ss.shutdownSignal
}
