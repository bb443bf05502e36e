package chorus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultGateCooldown is the mandatory gap after a release before the next
// acquire completes. The upstream LLM backend degrades under back-to-back
// requests; 150ms defuses the stampede.
const defaultGateCooldown = 150 * time.Millisecond

// TransportGate is the strict single-flight barrier around outbound LLM
// calls. Competing acquirers serialize behind an internal barrier so at most
// one can win concurrently; a winner still waits out the cooldown and an
// open slot before proceeding. Cap defaults to 1.
type TransportGate struct {
	barrier chan struct{} // capacity 1: the acquire serializer

	mu        sync.Mutex
	inFlight  int
	capacity  int
	coolUntil time.Time

	cooldown time.Duration
	logger   *slog.Logger
}

// GateOption configures a TransportGate.
type GateOption func(*TransportGate)

// WithGateCap sets the concurrency cap (default 1).
func WithGateCap(n int) GateOption {
	return func(g *TransportGate) {
		if n >= 1 {
			g.capacity = n
		}
	}
}

// WithGateCooldown sets the post-release cooldown (default 150ms).
func WithGateCooldown(d time.Duration) GateOption {
	return func(g *TransportGate) {
		if d >= 0 {
			g.cooldown = d
		}
	}
}

// WithGateLogger sets the structured logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *TransportGate) { g.logger = l }
}

// NewTransportGate creates a gate with cap 1 and the default cooldown.
func NewTransportGate(opts ...GateOption) *TransportGate {
	g := &TransportGate{
		barrier:  make(chan struct{}, 1),
		capacity: 1,
		cooldown: defaultGateCooldown,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire wins the serializer barrier, waits until the cooldown elapsed and
// a slot is open, then claims the slot. The returned release func is
// idempotent and must be called on every exit path; prefer Run.
func (g *TransportGate) Acquire(ctx context.Context, label string) (func(), error) {
	select {
	case g.barrier <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// Past the barrier: we are the sole candidate. Wait for cooldown + slot.
	for {
		g.mu.Lock()
		now := time.Now()
		if !now.Before(g.coolUntil) && g.inFlight < g.capacity {
			g.inFlight++
			g.mu.Unlock()
			<-g.barrier
			var once sync.Once
			return func() { once.Do(g.release) }, nil
		}
		wait := g.coolUntil.Sub(now)
		g.mu.Unlock()
		if wait <= 0 {
			wait = 5 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			<-g.barrier
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *TransportGate) release() {
	g.mu.Lock()
	if g.inFlight > 0 {
		g.inFlight--
	}
	g.coolUntil = time.Now().Add(g.cooldown)
	g.mu.Unlock()
}

// Run executes fn under the gate. Release is guaranteed on every exit path,
// including panics.
func (g *TransportGate) Run(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	release, err := g.Acquire(ctx, label)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Cooling reports whether the post-release cooldown is still in effect.
// The scheduler uses this (with AtCapacity) as backpressure.
func (g *TransportGate) Cooling() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Now().Before(g.coolUntil)
}

// AtCapacity reports whether every slot is claimed.
func (g *TransportGate) AtCapacity() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight >= g.capacity
}

// InFlight returns the number of claimed slots.
func (g *TransportGate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}
