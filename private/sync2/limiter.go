package sync2

import "sync/atomic"

// Limiter is a resizable concurrency gate: TryAcquire fails once the
// number of outstanding acquisitions reaches the current limit. Unlike a
// semaphore, the limit can be adjusted live — the admission controller
// calls SetLimit on each tick that moves the limit as it tracks observed
// p99 latency.
type Limiter struct {
	limit   int64
	current int64
}

// NewLimiter returns a Limiter initialized to limit in-flight acquisitions.
func NewLimiter(limit int) *Limiter {
	l := &Limiter{}
	l.SetLimit(limit)
	return l
}

// TryAcquire attempts to take one slot. It returns false without blocking
// if the limiter is already at its current limit.
func (l *Limiter) TryAcquire() bool {
	limit := atomic.LoadInt64(&l.limit)
	for {
		current := atomic.LoadInt64(&l.current)
		if current >= limit {
			return false
		}
		if atomic.CompareAndSwapInt64(&l.current, current, current+1) {
			return true
		}
	}
}

// Release returns one slot to the limiter.
func (l *Limiter) Release() {
	atomic.AddInt64(&l.current, -1)
}

// SetLimit changes the limit. Already-acquired slots are unaffected; a
// lowered limit simply blocks new acquisitions until enough are released.
func (l *Limiter) SetLimit(limit int) {
	atomic.StoreInt64(&l.limit, int64(limit))
}

// Limit returns the current limit.
func (l *Limiter) Limit() int {
	return int(atomic.LoadInt64(&l.limit))
}

// InFlight returns the number of currently-held slots.
func (l *Limiter) InFlight() int {
	return int(atomic.LoadInt64(&l.current))
}
