package chorus

import (
	"strings"
	"testing"
)

func TestAgentInboxDrain(t *testing.T) {
	a := NewAgent("Ada", "m", "")
	a.receive(Message{Seq: 1, From: "User", Content: "one"})
	a.receive(Message{Seq: 2, From: "User", Content: "two"})

	if !a.HasUnread() {
		t.Fatal("expected unread")
	}
	batch := a.drainUnread()
	if len(batch) != 2 {
		t.Fatalf("batch = %d, want 2", len(batch))
	}
	for _, m := range batch {
		if !m.Read {
			t.Errorf("message %d not marked read", m.Seq)
		}
	}
	if a.HasUnread() {
		t.Error("inbox not emptied")
	}
}

func TestAgentContextTail(t *testing.T) {
	a := NewAgent("Ada", "m", "")
	for i := 0; i < 5; i++ {
		a.appendContext(Message{Seq: int64(i)})
	}
	tail := a.contextTail(3)
	if len(tail) != 3 {
		t.Fatalf("tail = %d, want 3", len(tail))
	}
	if tail[0].Seq != 2 || tail[2].Seq != 4 {
		t.Errorf("tail seqs = %d..%d, want 2..4", tail[0].Seq, tail[2].Seq)
	}
	if got := a.contextTail(100); len(got) != 5 {
		t.Errorf("oversized tail = %d, want 5", len(got))
	}
}

func TestAgentSoCStripsThinkBlocks(t *testing.T) {
	a := NewAgent("Ada", "m", "")
	a.appendSoC("<think>secret reasoning</think>visible text")
	if soc := a.SoC(); soc != "visible text" {
		t.Errorf("soc = %q", soc)
	}
	if strings.Contains(a.SoC(), "secret") {
		t.Error("think block leaked into SoC")
	}
}

func TestAgentSoCCapped(t *testing.T) {
	a := NewAgent("Ada", "m", "")
	chunk := strings.Repeat("x", 10*1024)
	for i := 0; i < 8; i++ {
		a.appendSoC(chunk)
	}
	if got := len(a.SoC()); got > maxSoCChars {
		t.Errorf("soc len = %d, want <= %d", got, maxSoCChars)
	}
	// Trimmed from the front: the newest content survives.
	if !strings.HasSuffix(a.SoC(), "x") {
		t.Error("newest SoC content missing")
	}
}

func TestAgentTurnBookkeeping(t *testing.T) {
	a := NewAgent("Ada", "m", "")
	a.finishTurn(false)
	a.finishTurn(false)
	if got := a.turnsSinceSummary(); got != 2 {
		t.Errorf("turnsSinceSummary = %d, want 2", got)
	}
	a.finishTurn(true)
	if got := a.turnsSinceSummary(); got != 0 {
		t.Errorf("turnsSinceSummary after summary = %d, want 0", got)
	}
	if got := a.Turns(); got != 3 {
		t.Errorf("turns = %d, want 3", got)
	}
}
