package chorus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultLockMaxHold is the forced-release threshold when none is configured.
const defaultLockMaxHold = 2 * time.Minute

// ChannelLock is a FIFO mutex with acquire timeout and lease keep-alive.
// At most one agent holds it for the duration of a turn. A background
// sweeper force-releases a lock whose holder stopped proving progress
// (via Lease.Touch) while other agents are queued.
type ChannelLock struct {
	mu        sync.Mutex
	locked    bool
	holder    string
	heldSince time.Time
	gen       uint64 // increments on every grant/forced release; stale leases no-op
	waiters   []*lockWaiter

	maxHold time.Duration
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

type lockWaiter struct {
	label     string
	grant     chan struct{} // closed exactly once when granted
	granted   bool
	abandoned bool
	// gen is stamped at handoff. The woken waiter must not re-read l.gen:
	// a forced release may already have moved it on to a later grant.
	gen uint64
}

// LockOption configures a ChannelLock.
type LockOption func(*ChannelLock)

// WithLockLogger sets the structured logger for sweeper events.
func WithLockLogger(l *slog.Logger) LockOption {
	return func(c *ChannelLock) { c.logger = l }
}

// NewChannelLock creates a ChannelLock and starts its sweeper.
// maxHold is the forced-release threshold; <=0 uses the default.
// Call Close when the runtime shuts down.
func NewChannelLock(maxHold time.Duration, opts ...LockOption) *ChannelLock {
	if maxHold <= 0 {
		maxHold = defaultLockMaxHold
	}
	l := &ChannelLock{
		maxHold: maxHold,
		logger:  nopLogger,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.sweep()
	return l
}

// Lease is a held ChannelLock. Release is idempotent; Touch refreshes the
// hold timestamp so the sweeper sees a live holder. Both are no-ops after
// the lease was released (or forcibly revoked).
type Lease struct {
	lock *ChannelLock
	gen  uint64
	once sync.Once
}

// Release frees the lock and hands off to the oldest waiter.
func (le *Lease) Release() {
	le.once.Do(func() { le.lock.release(le.gen) })
}

// Touch updates heldSince to now, proving streaming progress.
func (le *Lease) Touch() {
	le.lock.touch(le.gen)
}

// Acquire obtains the lock within timeout, joining the FIFO queue when it is
// contended. Returns ErrLockTimeout when the deadline elapses while waiting,
// or ctx.Err() on cancellation.
func (l *ChannelLock) Acquire(ctx context.Context, timeout time.Duration, label string) (*Lease, error) {
	l.mu.Lock()
	// Fast path: free and nobody queued ahead.
	if !l.locked && len(l.waiters) == 0 {
		lease := l.grantLocked(label)
		l.mu.Unlock()
		return lease, nil
	}
	w := &lockWaiter{label: label, grant: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.grant:
		l.mu.Lock()
		lease := &Lease{lock: l, gen: w.gen}
		l.mu.Unlock()
		return lease, nil
	case <-timer.C:
		return l.abandonOrAccept(w, ErrLockTimeout)
	case <-ctx.Done():
		return l.abandonOrAccept(w, ctx.Err())
	}
}

// abandonOrAccept resolves the race between a timeout/cancel and a grant
// that landed concurrently: an already-granted waiter keeps the lock.
func (l *ChannelLock) abandonOrAccept(w *lockWaiter, failErr error) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.granted {
		return &Lease{lock: l, gen: w.gen}, nil
	}
	w.abandoned = true
	return nil, failErr
}

// grantLocked marks the lock held by label. Caller holds l.mu.
func (l *ChannelLock) grantLocked(label string) *Lease {
	l.locked = true
	l.holder = label
	l.heldSince = time.Now()
	l.gen++
	return &Lease{lock: l, gen: l.gen}
}

func (l *ChannelLock) release(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked || gen != l.gen {
		return // stale lease
	}
	l.locked = false
	l.holder = ""
	l.handoffLocked()
}

// handoffLocked grants the oldest live waiter. Caller holds l.mu and must
// have flipped locked to false first — forced release relies on that order
// to preserve the single-holder guarantee.
func (l *ChannelLock) handoffLocked() {
	for len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		if w.abandoned {
			continue
		}
		l.grantLocked(w.label)
		w.gen = l.gen
		w.granted = true
		close(w.grant)
		return
	}
}

func (l *ChannelLock) touch(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked && gen == l.gen {
		l.heldSince = time.Now()
	}
}

// sweep force-releases a lock held past maxHold while agents are queued.
func (l *ChannelLock) sweep() {
	interval := min(500*time.Millisecond, l.maxHold)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.forceReleaseExpired()
		}
	}
}

func (l *ChannelLock) forceReleaseExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked || len(l.waiters) == 0 {
		return
	}
	age := time.Since(l.heldSince)
	if age <= l.maxHold {
		return
	}
	l.logger.Warn("channel lock forced release",
		"holder", l.holder,
		"held_ms", age.Milliseconds(),
		"waiters", len(l.waiters))
	l.locked = false
	l.holder = ""
	l.handoffLocked()
}

// Holder returns the current holder label, or "" when free.
func (l *ChannelLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// Locked reports whether the lock is currently held.
func (l *ChannelLock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Close stops the sweeper. Outstanding leases stay valid.
func (l *ChannelLock) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
