package chorus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Scheduler defaults, all in the millisecond granularity the config layer
// speaks.
const (
	defaultTickInterval      = 400 * time.Millisecond
	defaultTurnTimeout       = 8 * time.Second
	defaultIdleBackoff       = 1 * time.Second
	defaultProactiveInterval = 3 * time.Second
	defaultPokeAfter         = 30 * time.Second
)

// ManagerOptions tunes the TurnManager. Zero values take the defaults.
type ManagerOptions struct {
	TickInterval time.Duration
	// TurnTimeout is the per-turn watchdog: past it the transport is
	// interrupted and the turn context cancelled.
	TurnTimeout time.Duration
	// IdleBackoff keeps an agent off the schedule after a no-op turn.
	IdleBackoff time.Duration
	// ProactiveInterval is the minimum gap between unprompted turns for one
	// agent when nothing is unread.
	ProactiveInterval time.Duration
	// PokeAfter is the room-wide idle threshold after which every inbox
	// receives a synthetic resume message.
	PokeAfter time.Duration
	Logger    *slog.Logger
}

func (o *ManagerOptions) fill() {
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = defaultTurnTimeout
	}
	if o.IdleBackoff <= 0 {
		o.IdleBackoff = defaultIdleBackoff
	}
	if o.ProactiveInterval <= 0 {
		o.ProactiveInterval = defaultProactiveInterval
	}
	if o.PokeAfter <= 0 {
		o.PokeAfter = defaultPokeAfter
	}
	if o.Logger == nil {
		o.Logger = nopLogger
	}
}

// TurnManager drives the room on a single ticker: at most one agent is
// considered per tick, in registration round-robin order. An agent runs
// when it has unread messages, when the room saw a fresh user message, or
// when its proactive probe interval elapsed. Turns execute on their own
// goroutine under a watchdog; the ticker never blocks on a turn.
type TurnManager struct {
	room      *ChatRoom
	engines   []*TurnEngine
	transport Transport
	pause     *PauseController
	gate      *TransportGate
	opts      ManagerOptions
	logger    *slog.Logger

	lastIndex  int
	lastWorkTs atomic.Int64 // unix millis of the last turn that did work
}

// NewTurnManager builds a manager over the given engines. The engines'
// agents must already be registered with the room.
func NewTurnManager(room *ChatRoom, engines []*TurnEngine, transport Transport,
	pause *PauseController, gate *TransportGate, opts ManagerOptions) *TurnManager {
	opts.fill()
	m := &TurnManager{
		room:      room,
		engines:   engines,
		transport: transport,
		pause:     pause,
		gate:      gate,
		opts:      opts,
		logger:    opts.Logger,
		lastIndex: -1,
	}
	m.lastWorkTs.Store(NowMillis())
	return m
}

// Start runs the tick loop until ctx is cancelled.
func (m *TurnManager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()
	m.logger.Info("turn manager started",
		"agents", len(m.engines), "tick", m.opts.TickInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("turn manager stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick launches at most one turn. Candidates are scanned in round-robin
// order starting after the last scheduled agent, so one busy or ineligible
// agent does not stall the rest of the room for a full rotation.
func (m *TurnManager) tick(ctx context.Context) {
	if len(m.engines) == 0 {
		return
	}
	if m.pause.Gated() || m.pause.Interjected() {
		return
	}
	// Transport backpressure: a cooling or saturated gate defers scheduling
	// entirely. Unread messages keep until a later tick.
	if m.gate.Cooling() || m.gate.AtCapacity() {
		return
	}

	m.PokeIfIdle()

	for range m.engines {
		m.lastIndex = (m.lastIndex + 1) % len(m.engines)
		engine := m.engines[m.lastIndex]
		agent := engine.Agent()
		if agent.running.Load() || !m.eligible(agent) {
			continue
		}
		if !agent.running.CompareAndSwap(false, true) {
			continue
		}
		agent.runCount.Add(1)
		go m.runTurn(ctx, engine)
		return
	}
}

// eligible decides whether an agent should take a turn now.
func (m *TurnManager) eligible(a *Agent) bool {
	now := NowMillis()
	if idle := a.lastIdle.Load(); idle > 0 && now-idle < m.opts.IdleBackoff.Milliseconds() {
		return false
	}
	if a.HasUnread() {
		return true
	}
	if m.room.HasFreshUserMessage() {
		return true
	}
	// Proactive probe: let a quiet agent speak unprompted at a slow cadence.
	// A long room-wide silence resets the probe clock so the next proactive
	// turn fires immediately instead of waiting out another interval.
	probe := a.lastProbe.Load()
	resetAfter := max(5*time.Second, 2*m.opts.ProactiveInterval).Milliseconds()
	if now-m.lastWorkTs.Load() > resetAfter {
		probe = 0
	}
	if probe == 0 || now-probe >= m.opts.ProactiveInterval.Milliseconds() {
		a.lastProbe.Store(now)
		return true
	}
	return false
}

// runTurn executes one turn under the watchdog. The watchdog interrupts
// the transport first (unblocking any in-flight stream) and then cancels
// the turn context.
func (m *TurnManager) runTurn(ctx context.Context, engine *TurnEngine) {
	agent := engine.Agent()
	defer agent.running.Store(false)

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdog := time.AfterFunc(m.opts.TurnTimeout, func() {
		m.logger.Warn("turn watchdog fired", "agent", agent.Name(), "timeout", m.opts.TurnTimeout)
		m.transport.Interrupt()
		cancel()
	})
	defer watchdog.Stop()

	worked, err := engine.RunTurn(tctx)
	if err != nil {
		m.logger.Error("turn failed", "agent", agent.Name(), "error", err)
	}
	if worked {
		m.lastWorkTs.Store(NowMillis())
		agent.lastIdle.Store(0)
	} else {
		agent.lastIdle.Store(NowMillis())
	}
}

// PokeIfIdle enqueues a synthetic resume message to every agent when the
// room produced no work for PokeAfter. The message goes straight into the
// inboxes so it survives pause gating.
func (m *TurnManager) PokeIfIdle() {
	idleFor := NowMillis() - m.lastWorkTs.Load()
	if idleFor < m.opts.PokeAfter.Milliseconds() {
		return
	}
	m.lastWorkTs.Store(NowMillis())
	m.logger.Warn("[watchdog] room idle, poking agents", "idle_ms", idleFor)
	for _, engine := range m.engines {
		engine.Agent().receive(Message{
			Seq:     m.room.Seq(),
			From:    "User",
			Role:    "user",
			Content: "(resume)",
		})
	}
}
