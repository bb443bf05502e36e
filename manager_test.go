package chorus

import (
	"context"
	"testing"
	"time"
)

type managerFixture struct {
	room      *ChatRoom
	lock      *ChannelLock
	gate      *TransportGate
	pause     *PauseController
	transport *scriptedTransport
	engines   []*TurnEngine
	manager   *TurnManager
}

// newManagerFixture wires two engine-driven agents behind one manager.
// Proactive probes and idle pokes are pushed out of the test window unless a
// test overrides them.
func newManagerFixture(t *testing.T, opts ManagerOptions) *managerFixture {
	t.Helper()
	f := &managerFixture{
		room:      NewChatRoom(WithFreshWindow(time.Millisecond)),
		lock:      NewChannelLock(time.Minute),
		gate:      NewTransportGate(WithGateCooldown(0)),
		pause:     NewPauseController(),
		transport: &scriptedTransport{replies: []AssistantReply{{Content: "ok"}}},
	}
	for _, name := range []string{"Ada", "Grace"} {
		a := NewAgent(name, "test-model", "You are "+name+".")
		if err := f.room.AddAgent(a); err != nil {
			t.Fatalf("add agent: %v", err)
		}
		f.engines = append(f.engines, NewTurnEngine(a, f.room, f.lock, f.gate,
			f.transport, nil, nil, nil, f.pause, EngineOptions{}))
	}
	if opts.ProactiveInterval == 0 {
		opts.ProactiveInterval = time.Hour
	}
	if opts.PokeAfter == 0 {
		opts.PokeAfter = time.Hour
	}
	f.manager = NewTurnManager(f.room, f.engines, f.transport, f.pause, f.gate, opts)
	t.Cleanup(f.lock.Close)
	return f
}

// waitIdle blocks until the agent's turn goroutine finished.
func waitIdle(t *testing.T, a *Agent) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !a.running.Load() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("agent %s still running", a.Name())
}

func TestTurnManagerRoundRobin(t *testing.T) {
	f := newManagerFixture(t, ManagerOptions{})

	f.room.Broadcast("User", "hello everyone")
	time.Sleep(5 * time.Millisecond) // let the freshness window lapse

	// First tick picks index 0, second picks index 1.
	f.manager.tick(context.Background())
	waitIdle(t, f.engines[0].Agent())
	f.manager.tick(context.Background())
	waitIdle(t, f.engines[1].Agent())

	if got := f.engines[0].Agent().RunCount(); got != 1 {
		t.Errorf("Ada runs = %d, want 1", got)
	}
	if got := f.engines[1].Agent().RunCount(); got != 1 {
		t.Errorf("Grace runs = %d, want 1", got)
	}
}

func TestTurnManagerDefersWhileCooling(t *testing.T) {
	f := newManagerFixture(t, ManagerOptions{})

	f.room.Broadcast("User", "held by backpressure")
	time.Sleep(5 * time.Millisecond)

	f.gate.mu.Lock()
	f.gate.coolUntil = time.Now().Add(time.Hour)
	f.gate.mu.Unlock()

	f.manager.tick(context.Background())
	f.manager.tick(context.Background())
	for _, e := range f.engines {
		if got := e.Agent().RunCount(); got != 0 {
			t.Errorf("%s runs = %d, want 0 while the gate cools", e.Agent().Name(), got)
		}
	}

	// Cooldown over: the queued message schedules on the next tick.
	f.gate.mu.Lock()
	f.gate.coolUntil = time.Time{}
	f.gate.mu.Unlock()

	f.manager.tick(context.Background())
	waitIdle(t, f.engines[0].Agent())
	if got := f.engines[0].Agent().RunCount(); got != 1 {
		t.Errorf("runs = %d, want 1 after cooldown", got)
	}
}

func TestTurnManagerScansPastIneligibleAgent(t *testing.T) {
	f := newManagerFixture(t, ManagerOptions{})
	ada, grace := f.engines[0].Agent(), f.engines[1].Agent()

	// Ada (the round-robin candidate) has nothing to do and a fresh probe;
	// Grace has unread. One tick must still reach Grace.
	ada.lastProbe.Store(NowMillis())
	f.room.SendTo("User", "Grace", "for grace only")
	time.Sleep(5 * time.Millisecond)

	f.manager.tick(context.Background())
	waitIdle(t, grace)
	if got := ada.RunCount(); got != 0 {
		t.Errorf("Ada runs = %d, want 0", got)
	}
	if got := grace.RunCount(); got != 1 {
		t.Errorf("Grace runs = %d, want 1", got)
	}
}

func TestTurnManagerStarvationRecovery(t *testing.T) {
	f := newManagerFixture(t, ManagerOptions{ProactiveInterval: time.Hour})
	a := f.engines[0].Agent()

	// A probe stored moments ago would normally hold for the full interval.
	a.lastProbe.Store(NowMillis())
	if f.manager.eligible(a) {
		t.Fatal("fresh probe should hold while the room is active")
	}

	// After a long room-wide silence the probe clock resets and the
	// proactive turn fires immediately.
	f.manager.lastWorkTs.Store(NowMillis() - (3 * time.Hour).Milliseconds())
	if !f.manager.eligible(a) {
		t.Error("agent not eligible after prolonged silence")
	}

	// Stale per-agent probes recover the same way.
	b := f.engines[1].Agent()
	b.lastProbe.Store(NowMillis() - (5 * time.Hour).Milliseconds())
	if !f.manager.eligible(b) {
		t.Error("agent with stale probe not eligible after prolonged silence")
	}
}

func TestTurnManagerSkipsWhenPaused(t *testing.T) {
	f := newManagerFixture(t, ManagerOptions{})

	f.room.Broadcast("User", "held")
	f.pause.Pause()
	f.manager.tick(context.Background())
	f.manager.tick(context.Background())

	for _, e := range f.engines {
		if got := e.Agent().RunCount(); got != 0 {
			t.Errorf("%s runs = %d, want 0 while paused", e.Agent().Name(), got)
		}
	}
}

func TestTurnManagerSkipsDuringInterjection(t *testing.T) {
	f := newManagerFixture(t, ManagerOptions{})

	f.room.Broadcast("User", "held")
	f.pause.BeginUserControl(10)
	f.pause.EndUserControl()

	f.manager.tick(context.Background())
	if got := f.engines[0].Agent().RunCount(); got != 0 {
		t.Errorf("runs = %d, want 0 right after user input", got)
	}
}

func TestTurnManagerIdleBackoff(t *testing.T) {
	f := newManagerFixture(t, ManagerOptions{IdleBackoff: time.Hour})
	a := f.engines[0].Agent()

	a.receive(Message{Seq: 1, From: "User", Role: "user", Content: "x"})
	a.lastIdle.Store(NowMillis())
	if f.manager.eligible(a) {
		t.Error("agent eligible inside the idle backoff window")
	}

	a.lastIdle.Store(0)
	if !f.manager.eligible(a) {
		t.Error("agent with unread not eligible after backoff cleared")
	}
}

func TestTurnManagerProactiveProbe(t *testing.T) {
	f := newManagerFixture(t, ManagerOptions{ProactiveInterval: time.Hour})
	a := f.engines[0].Agent()

	// Nothing unread, no fresh user message: the first probe passes, the
	// second is held until the interval elapses.
	if !f.manager.eligible(a) {
		t.Error("first proactive probe should pass")
	}
	if f.manager.eligible(a) {
		t.Error("second probe inside the interval should hold")
	}
}

func TestTurnManagerWatchdogInterrupts(t *testing.T) {
	f := newManagerFixture(t, ManagerOptions{TurnTimeout: 30 * time.Millisecond})
	f.transport.delay = 500 * time.Millisecond

	f.room.Broadcast("User", "slow turn")
	f.manager.runTurn(context.Background(), f.engines[0])

	f.transport.mu.Lock()
	interrupts := f.transport.interrupts
	f.transport.mu.Unlock()
	if interrupts == 0 {
		t.Error("watchdog did not interrupt the transport")
	}
	if f.lock.Locked() {
		t.Error("lock still held after watchdog abort")
	}
}

func TestTurnManagerPokeIfIdle(t *testing.T) {
	f := newManagerFixture(t, ManagerOptions{PokeAfter: 10 * time.Millisecond})

	f.manager.lastWorkTs.Store(NowMillis() - 100)
	f.manager.PokeIfIdle()

	for _, e := range f.engines {
		a := e.Agent()
		inbox := a.inboxSnapshot()
		if len(inbox) != 1 || inbox[0].Content != "(resume)" {
			t.Errorf("%s inbox = %+v, want one (resume)", a.Name(), inbox)
		}
	}

	// The poke resets the idle clock; an immediate second call is a no-op.
	f.manager.PokeIfIdle()
	if got := len(f.engines[0].Agent().inboxSnapshot()); got != 1 {
		t.Errorf("inbox = %d messages after second poke, want 1", got)
	}
}

func TestTurnManagerNoPokeWhileWorking(t *testing.T) {
	f := newManagerFixture(t, ManagerOptions{PokeAfter: time.Hour})
	f.manager.PokeIfIdle()
	if f.engines[0].Agent().HasUnread() {
		t.Error("poked a room that is not idle")
	}
}
