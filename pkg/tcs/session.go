package tcs

import (
	"sync/atomic"
	"time"
)

// PoolSlot binds a stable slot identifier to a ConnectionHost plus per-slot usage
// statistics. Slots are owned exclusively by the SessionPool; callers only ever
// see them through a Session handle.
type PoolSlot struct {
	SlotID string

	host      *ConnectionHost
	createdAt time.Time

	lastUsedAt   int64 // unix nanos
	commandCount uint64
	successCount uint64
}

func (ps *PoolSlot) touch() {
	atomic.StoreInt64(&ps.lastUsedAt, time.Now().UnixNano())
}

func (ps *PoolSlot) lastUsed() time.Time {
	return time.Unix(0, atomic.LoadInt64(&ps.lastUsedAt))
}

func (ps *PoolSlot) idleTime() time.Duration {
	return time.Since(ps.lastUsed())
}

// Session is the short-lived handle returned by CheckOut. It wraps either a
// pooled slot or a private temporary host created under saturation. At most one
// live Session references a given slot.
type Session struct {
	pool      *SessionPool
	slot      *PoolSlot // nil for temporary sessions
	host      *ConnectionHost
	temporary bool
	released  int32
}

// Execute runs a command on the borrowed session with its own timeout.
func (s *Session) Execute(command string, timeout time.Duration) (*CommandResult, error) {

	if atomic.LoadInt32(&s.released) == 1 {
		return nil, ErrSessionInvalid
	}

	result, err := s.host.Execute(command, timeout)

	if s.slot != nil {
		atomic.AddUint64(&s.slot.commandCount, 1)
		if err == nil {
			atomic.AddUint64(&s.slot.successCount, 1)
		}
		s.slot.touch()
	}

	return result, err
}

// Release returns the slot to the pool (or disconnects a temporary session).
// Double release is a programming error and is rejected.
func (s *Session) Release() error {

	if !atomic.CompareAndSwapInt32(&s.released, 0, 1) {
		return ErrSessionInvalid
	}

	return s.pool.release(s)
}

// Temporary reports whether this session was created outside the managed pool.
func (s *Session) Temporary() bool { return s.temporary }

// Host exposes the underlying connection for state/counter inspection.
func (s *Session) Host() *ConnectionHost { return s.host }
