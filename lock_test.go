package chorus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChannelLockAcquireRelease(t *testing.T) {
	l := NewChannelLock(time.Minute)
	defer l.Close()

	lease, err := l.Acquire(context.Background(), time.Second, "ada")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !l.Locked() {
		t.Error("expected locked")
	}
	if got := l.Holder(); got != "ada" {
		t.Errorf("holder = %q, want ada", got)
	}

	lease.Release()
	if l.Locked() {
		t.Error("expected unlocked after release")
	}
	if got := l.Holder(); got != "" {
		t.Errorf("holder = %q, want empty", got)
	}

	// Release is idempotent.
	lease.Release()
	if l.Locked() {
		t.Error("double release relocked")
	}
}

func TestChannelLockTimeout(t *testing.T) {
	l := NewChannelLock(time.Minute)
	defer l.Close()

	lease, err := l.Acquire(context.Background(), time.Second, "ada")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()

	_, err = l.Acquire(context.Background(), 50*time.Millisecond, "grace")
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
}

func TestChannelLockFIFOOrder(t *testing.T) {
	l := NewChannelLock(time.Minute)
	defer l.Close()

	first, err := l.Acquire(context.Background(), time.Second, "holder")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	order := make(chan string, 2)
	ready := make(chan struct{}, 2)
	wait := func(label string) {
		ready <- struct{}{}
		lease, err := l.Acquire(context.Background(), 5*time.Second, label)
		if err != nil {
			t.Errorf("%s acquire: %v", label, err)
			return
		}
		order <- label
		lease.Release()
	}

	go wait("a")
	<-ready
	time.Sleep(20 * time.Millisecond) // a queues before b
	go wait("b")
	<-ready
	time.Sleep(20 * time.Millisecond)

	first.Release()

	if got := <-order; got != "a" {
		t.Errorf("first grant = %q, want a", got)
	}
	if got := <-order; got != "b" {
		t.Errorf("second grant = %q, want b", got)
	}
}

func TestChannelLockContextCancel(t *testing.T) {
	l := NewChannelLock(time.Minute)
	defer l.Close()

	lease, _ := l.Acquire(context.Background(), time.Second, "holder")
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := l.Acquire(ctx, time.Minute, "waiter")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestChannelLockForcedRelease(t *testing.T) {
	// Tiny maxHold so the sweeper evicts a silent holder quickly.
	l := NewChannelLock(30 * time.Millisecond)
	defer l.Close()

	_, err := l.Acquire(context.Background(), time.Second, "stuck")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// A queued waiter is required for forced release.
	lease, err := l.Acquire(context.Background(), 2*time.Second, "waiter")
	if err != nil {
		t.Fatalf("waiter acquire: %v", err)
	}
	if got := l.Holder(); got != "waiter" {
		t.Errorf("holder = %q, want waiter", got)
	}
	lease.Release()
}

func TestChannelLockStaleReleaseIgnored(t *testing.T) {
	l := NewChannelLock(30 * time.Millisecond)
	defer l.Close()

	stale, err := l.Acquire(context.Background(), time.Second, "stuck")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	next, err := l.Acquire(context.Background(), 2*time.Second, "next")
	if err != nil {
		t.Fatalf("next acquire: %v", err)
	}

	// The forced release revoked the stale lease; releasing it now must not
	// free the new holder's lock.
	stale.Release()
	if !l.Locked() {
		t.Error("stale release freed the active lock")
	}
	if got := l.Holder(); got != "next" {
		t.Errorf("holder = %q, want next", got)
	}
	next.Release()
}

func TestChannelLockTouchKeepsHold(t *testing.T) {
	l := NewChannelLock(60 * time.Millisecond)
	defer l.Close()

	lease, err := l.Acquire(context.Background(), time.Second, "streamer")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		w, err := l.Acquire(context.Background(), 5*time.Second, "waiter")
		if err == nil {
			w.Release()
		}
		close(done)
	}()

	// Keep touching past maxHold; the sweeper must not evict a live holder.
	for i := 0; i < 10; i++ {
		time.Sleep(20 * time.Millisecond)
		lease.Touch()
		if got := l.Holder(); got != "streamer" {
			t.Fatalf("holder = %q after touch %d, want streamer", got, i)
		}
	}
	lease.Release()
	<-done
}

func TestChannelLockForcedRegrantKeepsLeasesDistinct(t *testing.T) {
	l := NewChannelLock(time.Minute)
	defer l.Close()

	if _, err := l.Acquire(context.Background(), time.Second, "first"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Queue two waiters directly so the handoffs are deterministic.
	w1 := &lockWaiter{label: "slow", grant: make(chan struct{})}
	w2 := &lockWaiter{label: "next", grant: make(chan struct{})}
	l.mu.Lock()
	l.waiters = append(l.waiters, w1, w2)
	l.mu.Unlock()

	// Forced release hands off to the first waiter.
	l.mu.Lock()
	l.locked = false
	l.handoffLocked()
	l.mu.Unlock()

	// Before the first waiter wakes, another forced release moves the grant
	// on to the second waiter.
	l.mu.Lock()
	l.locked = false
	l.handoffLocked()
	l.mu.Unlock()

	if w1.gen == w2.gen {
		t.Fatal("handoffs shared a generation")
	}

	// The slow waiter builds its lease from the generation stamped at its own
	// handoff; releasing it must not revoke the newer grant.
	stale := &Lease{lock: l, gen: w1.gen}
	stale.Release()
	if !l.Locked() {
		t.Fatal("stale lease released the current holder's lock")
	}
	if got := l.Holder(); got != "next" {
		t.Errorf("holder = %q, want next", got)
	}

	current := &Lease{lock: l, gen: w2.gen}
	current.Release()
	if l.Locked() {
		t.Error("current lease failed to release")
	}
}
