package tcs

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maintenanceDrainWait = 50 * time.Millisecond

// SessionPool houses a fixed-size set of ConnectionHosts and hands them out under
// a checkout/release protocol. A background maintenance loop evicts stale,
// idle and unhealthy slots and tops the pool back up to size. Under saturation
// it degrades gracefully to temporary out-of-pool sessions.
type SessionPool struct {
	Config PoolConfig

	connConfig *ConnectionConfig
	logger     *zap.Logger
	monitor    *HealthMonitor

	available *queue.Queue
	slots     map[string]*PoolSlot // every live slot, checked out or not
	poolLock  *sync.Mutex

	connectionID         uint64
	sleepOnErrorInterval time.Duration
	maxIdleTime          time.Duration
	maintenanceInterval  time.Duration

	errorHandler     func(error)
	unhealthyHandler func(error)

	maintenanceStop chan struct{}
	shutdownSignal  chan struct{}
	started         bool
	shutdownOnce    sync.Once

	totalRequests uint64
	poolHits      uint64
	poolMisses    uint64
}

// PoolStatistics is the JSON-serializable snapshot returned by Stats.
type PoolStatistics struct {
	ApplicationName string           `json:"ApplicationName"`
	PoolSize        uint64           `json:"PoolSize"`
	ActiveSlots     int              `json:"ActiveSlots"`
	AvailableSlots  int              `json:"AvailableSlots"`
	TotalRequests   uint64           `json:"TotalRequests"`
	PoolHits        uint64           `json:"PoolHits"`
	PoolMisses      uint64           `json:"PoolMisses"`
	HitRate         float64          `json:"HitRate"`
	Slots           []SlotStatistics `json:"Slots"`
	Timestamp       string           `json:"Timestamp"`
}

// SlotStatistics is the per-slot usage detail inside PoolStatistics.
type SlotStatistics struct {
	SlotID            string `json:"SlotID"`
	ConnectionName    string `json:"ConnectionName"`
	State             string `json:"State"`
	CreatedAt         string `json:"CreatedAt"`
	LastUsedAt        string `json:"LastUsedAt"`
	CommandCount      uint64 `json:"CommandCount"`
	SuccessCount      uint64 `json:"SuccessCount"`
	CommandsAttempted uint64 `json:"CommandsAttempted"`
	CommandsSucceeded uint64 `json:"CommandsSucceeded"`
	CommandsFailed    uint64 `json:"CommandsFailed"`
	ConsecutiveErrors int32  `json:"ConsecutiveErrors"`
}

// NewSessionPool creates the hosting structure for a SessionPool. Call Start to
// dial the slots and launch maintenance.
func NewSessionPool(seasoning *ShellSeasoning, logger *zap.Logger) (*SessionPool, error) {
	return NewSessionPoolWithHandlers(seasoning, logger, nil, nil)
}

// NewSessionPoolWithHandlers creates a SessionPool with optional error and
// unhealthy-slot handlers, mirroring the constructor family callers expect.
func NewSessionPoolWithHandlers(
	seasoning *ShellSeasoning,
	logger *zap.Logger,
	errorHandler func(error),
	unhealthyHandler func(error)) (*SessionPool, error) {

	if seasoning == nil || seasoning.PoolConfig == nil || seasoning.ConnectionConfig == nil {
		return nil, errors.New("sessionpool requires pool and connection configs")
	}
	if seasoning.PoolConfig.PoolSize == 0 {
		return nil, errors.New("sessionpool poolsize can't be 0")
	}
	if seasoning.ConnectionConfig.ConnectTimeout == 0 || seasoning.ConnectionConfig.KeepAliveInterval == 0 {
		return nil, errors.New("sessionpool connecttimeout or keepaliveinterval can't be 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	poolConfig := *seasoning.PoolConfig
	maintenanceInterval := time.Duration(poolConfig.MaintenanceInterval) * time.Second
	if maintenanceInterval <= 0 {
		maintenanceInterval = 30 * time.Second
	}

	sp := &SessionPool{
		Config:               poolConfig,
		connConfig:           seasoning.ConnectionConfig.withDefaults(),
		logger:               logger,
		available:            queue.New(int64(poolConfig.PoolSize)),
		slots:                make(map[string]*PoolSlot),
		poolLock:             &sync.Mutex{},
		sleepOnErrorInterval: time.Duration(poolConfig.SleepOnErrorInterval) * time.Millisecond,
		maxIdleTime:          time.Duration(poolConfig.MaxIdleTime) * time.Second,
		maintenanceInterval:  maintenanceInterval,
		errorHandler:         errorHandler,
		unhealthyHandler:     unhealthyHandler,
		maintenanceStop:      make(chan struct{}),
		shutdownSignal:       make(chan struct{}),
	}

	return sp, nil
}

// SetHealthMonitor wires a HealthMonitor whose score gates replacement dials
// during maintenance. Must be called before Start.
func (sp *SessionPool) SetHealthMonitor(monitor *HealthMonitor) {
	sp.monitor = monitor
}

// Start dials PoolSize slots concurrently and launches the maintenance loop.
// Partial success is allowed and logged; maintenance tops the pool up. An error
// is returned only when not a single slot could be established.
func (sp *SessionPool) Start() error {

	sp.poolLock.Lock()
	if sp.started {
		sp.poolLock.Unlock()
		return errors.New("sessionpool already started")
	}
	sp.started = true
	sp.poolLock.Unlock()

	size := sp.Config.PoolSize
	wg := &sync.WaitGroup{}
	var created uint64

	for i := uint64(0); i < size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sp.createSlot(); err != nil {
				sp.handleError(err)
				sp.logger.Warn("initial slot creation failed", zap.Error(err))
				return
			}
			atomic.AddUint64(&created, 1)
		}()
	}
	wg.Wait()

	go sp.maintenanceLoop()

	if atomic.LoadUint64(&created) == 0 {
		return fmt.Errorf("sessionpool failed to establish any of %d slots: %w", size, ErrTransientNetwork)
	}

	if atomic.LoadUint64(&created) < size {
		sp.logger.Warn("sessionpool started below target size",
			zap.Uint64("created", atomic.LoadUint64(&created)),
			zap.Uint64("target", size))
	} else {
		sp.logger.Info("sessionpool started",
			zap.Uint64("size", size),
			zap.String("host", sp.connConfig.Host))
	}

	return nil
}

// CheckOut blocks up to timeout for a healthy pooled session. Unhealthy slots
// pulled from the queue are retired (with async replacement) and the wait
// continues. On timeout it degrades to a temporary out-of-pool session; if that
// dial also fails, ErrPoolExhausted surfaces.
func (sp *SessionPool) CheckOut(timeout time.Duration) (*Session, error) {

	if sp.isShutdown() {
		return nil, ErrSessionPoolClosed
	}

	atomic.AddUint64(&sp.totalRequests, 1)

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		items, err := sp.available.Poll(1, remaining)
		if err != nil {
			if err == queue.ErrDisposed {
				return nil, ErrSessionPoolClosed
			}
			break // queue.ErrTimeout
		}

		slot, ok := items[0].(*PoolSlot)
		if !ok {
			sp.handleError(errors.New("invalid struct type found in SessionPool queue"))
			continue
		}

		if !slot.host.IsHealthy() {
			// Never hand back a bad session; retire it and keep waiting.
			sp.retireSlot(slot, "unhealthy at checkout")
			go sp.replenish()
			continue
		}

		atomic.AddUint64(&sp.poolHits, 1)
		slot.touch()
		return &Session{pool: sp, slot: slot, host: slot.host}, nil
	}

	return sp.checkOutTemporary()
}

// checkOutTemporary is the graceful-degradation path under saturation.
func (sp *SessionPool) checkOutTemporary() (*Session, error) {

	name := sp.Config.ApplicationName + "-temp-" + RandomString(8)
	host, err := NewConnectionHost(sp.connConfig, name, atomic.AddUint64(&sp.connectionID, 1), sp.logger)
	if err != nil {
		sp.handleError(err)
		return nil, fmt.Errorf("%w: pool saturated and temporary session failed: %v", ErrPoolExhausted, err)
	}

	atomic.AddUint64(&sp.poolMisses, 1)
	sp.logger.Debug("pool saturated, serving temporary session", zap.String("connection", name))

	return &Session{pool: sp, host: host, temporary: true}, nil
}

// release is invoked by Session.Release exactly once per handle.
func (sp *SessionPool) release(s *Session) error {

	if s.temporary {
		s.host.Disconnect()
		return nil
	}

	if sp.isShutdown() || !s.host.IsHealthy() {
		sp.retireSlot(s.slot, "unhealthy at release")
		if !sp.isShutdown() {
			go sp.replenish()
		}
		return nil
	}

	s.slot.touch()
	if err := sp.available.Put(s.slot); err != nil {
		// Disposed during shutdown; nothing left to return the slot to.
		sp.retireSlot(s.slot, "pool closed at release")
	}

	return nil
}

// retireSlot removes the slot from the managed set and disconnects its host.
func (sp *SessionPool) retireSlot(slot *PoolSlot, reason string) {

	sp.poolLock.Lock()
	delete(sp.slots, slot.SlotID)
	sp.poolLock.Unlock()

	sp.logger.Info("retiring slot",
		zap.String("slot", slot.SlotID),
		zap.String("connection", slot.host.ConnectionName),
		zap.String("reason", reason))

	if sp.unhealthyHandler != nil {
		if lastErr := slot.host.LastError(); lastErr != nil {
			sp.unhealthyHandler(lastErr)
		}
	}

	go slot.host.Disconnect()
}

// createSlot dials a fresh ConnectionHost and registers it, respecting PoolSize.
// The pool lock is never held across the dial.
func (sp *SessionPool) createSlot() error {

	sp.poolLock.Lock()
	if uint64(len(sp.slots)) >= sp.Config.PoolSize {
		sp.poolLock.Unlock()
		return nil
	}
	sp.poolLock.Unlock()

	connectionID := atomic.AddUint64(&sp.connectionID, 1)
	name := sp.Config.ApplicationName + "-" + strconv.FormatUint(connectionID, 10)
	host, err := NewConnectionHost(sp.connConfig, name, connectionID, sp.logger)
	if err != nil {
		return err
	}

	now := time.Now()
	slot := &PoolSlot{
		SlotID:     uuid.NewString(),
		host:       host,
		createdAt:  now,
		lastUsedAt: now.UnixNano(),
	}

	sp.poolLock.Lock()
	if sp.isShutdown() || uint64(len(sp.slots)) >= sp.Config.PoolSize {
		sp.poolLock.Unlock()
		host.Disconnect()
		return nil
	}
	sp.slots[slot.SlotID] = slot
	sp.poolLock.Unlock()

	if err := sp.available.Put(slot); err != nil {
		sp.poolLock.Lock()
		delete(sp.slots, slot.SlotID)
		sp.poolLock.Unlock()
		host.Disconnect()
		return nil
	}

	return nil
}

// replenish tops the pool back up to PoolSize, one dial per missing slot.
// Failures are logged and left for the next maintenance pass.
func (sp *SessionPool) replenish() {

	if sp.isShutdown() {
		return
	}

	if sp.monitor != nil && !sp.monitor.ReconnectAdvisable(sp.connConfig.Host) {
		sp.logger.Warn("skipping slot replacement, target network health too poor",
			zap.String("host", sp.connConfig.Host))
		return
	}

	for {
		sp.poolLock.Lock()
		missing := int64(sp.Config.PoolSize) - int64(len(sp.slots))
		sp.poolLock.Unlock()

		if missing <= 0 || sp.isShutdown() {
			return
		}

		if err := sp.createSlot(); err != nil {
			sp.handleError(err)
			sp.logger.Warn("slot replacement failed", zap.Error(err))
			return
		}
	}
}

func (sp *SessionPool) maintenanceLoop() {

	ticker := time.NewTicker(sp.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.maintenanceStop:
			return
		case <-ticker.C:
			sp.performMaintenance()
		}
	}
}

// performMaintenance pulls every idle slot off the queue (checked-out slots are
// untouchable by design of the checkout protocol), evicts the stale, idle and
// unhealthy ones and tops the pool back up.
func (sp *SessionPool) performMaintenance() {

	n := sp.available.Len()
	if n > 0 {
		items, err := sp.available.Poll(n, maintenanceDrainWait)
		if err == nil {
			for _, item := range items {
				slot, ok := item.(*PoolSlot)
				if !ok {
					continue
				}
				sp.inspectSlot(slot)
			}
		} else if err == queue.ErrDisposed {
			return
		}
	}

	sp.replenish()
}

func (sp *SessionPool) inspectSlot(slot *PoolSlot) {

	maxAge := time.Duration(sp.connConfig.MaxSessionAge) * time.Second

	switch {
	case maxAge > 0 && slot.host.SessionAge() > maxAge:
		sp.retireSlot(slot, "session exceeded max age")
	case sp.maxIdleTime > 0 && slot.idleTime() > sp.maxIdleTime:
		sp.retireSlot(slot, "slot idle too long")
	case !slot.host.IsHealthy():
		sp.retireSlot(slot, "failed maintenance health check")
	default:
		if err := sp.available.Put(slot); err != nil {
			sp.retireSlot(slot, "pool closed during maintenance")
		}
	}
}

// Stats snapshots pool counters and per-slot usage. Hit rate = hits / requests.
func (sp *SessionPool) Stats() PoolStatistics {

	stats := PoolStatistics{
		ApplicationName: sp.Config.ApplicationName,
		PoolSize:        sp.Config.PoolSize,
		AvailableSlots:  int(sp.available.Len()),
		TotalRequests:   atomic.LoadUint64(&sp.totalRequests),
		PoolHits:        atomic.LoadUint64(&sp.poolHits),
		PoolMisses:      atomic.LoadUint64(&sp.poolMisses),
		Timestamp:       JSONUtcTimestamp(),
	}

	if stats.TotalRequests > 0 {
		stats.HitRate = float64(stats.PoolHits) / float64(stats.TotalRequests)
	}

	sp.poolLock.Lock()
	stats.ActiveSlots = len(sp.slots)
	stats.Slots = make([]SlotStatistics, 0, len(sp.slots))
	for _, slot := range sp.slots {
		stats.Slots = append(stats.Slots, SlotStatistics{
			SlotID:            slot.SlotID,
			ConnectionName:    slot.host.ConnectionName,
			State:             slot.host.State().String(),
			CreatedAt:         JSONUtcTimestampFromTime(slot.createdAt.UTC()),
			LastUsedAt:        JSONUtcTimestampFromTime(slot.lastUsed().UTC()),
			CommandCount:      atomic.LoadUint64(&slot.commandCount),
			SuccessCount:      atomic.LoadUint64(&slot.successCount),
			CommandsAttempted: slot.host.CommandsAttempted(),
			CommandsSucceeded: slot.host.CommandsSucceeded(),
			CommandsFailed:    slot.host.CommandsFailed(),
			ConsecutiveErrors: slot.host.ConsecutiveErrors(),
		})
	}
	sp.poolLock.Unlock()

	return stats
}

// Shutdown stops maintenance, disconnects every slot and wakes blocked checkouts
// with ErrSessionPoolClosed. Safe to call more than once.
func (sp *SessionPool) Shutdown() {

	if sp == nil {
		return
	}

	sp.shutdownOnce.Do(func() {
		close(sp.shutdownSignal)
		close(sp.maintenanceStop)

		// Flush whatever is idle in the queue.
		if n := sp.available.Len(); n > 0 {
			if items, err := sp.available.Poll(n, maintenanceDrainWait); err == nil {
				wg := &sync.WaitGroup{}
				for _, item := range items {
					slot, ok := item.(*PoolSlot)
					if !ok {
						continue
					}
					wg.Add(1)
					go func(ps *PoolSlot) {
						defer wg.Done()
						defer func() { _ = recover() }()
						ps.host.Disconnect()
					}(slot)
				}
				wg.Wait()
			}
		}

		sp.available.Dispose()

		sp.poolLock.Lock()
		sp.slots = make(map[string]*PoolSlot)
		sp.poolLock.Unlock()

		sp.logger.Info("sessionpool shut down", zap.String("application", sp.Config.ApplicationName))
	})
}

func (sp *SessionPool) isShutdown() bool {
	select {
	case <-sp.shutdownSignal:
		return true
	default:
		return false
	}
}

func (sp *SessionPool) handleError(err error) {
	if sp.errorHandler != nil {
		sp.errorHandler(err)
	}
	if sp.sleepOnErrorInterval > 0 {
		time.Sleep(sp.sleepOnErrorInterval)
	}
}
