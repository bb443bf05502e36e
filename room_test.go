package chorus

import (
	"testing"
	"time"
)

func TestChatRoomBroadcastFanOut(t *testing.T) {
	room := NewChatRoom()
	ada := NewAgent("Ada", "m", "")
	grace := NewAgent("Grace", "m", "")
	linus := NewAgent("Linus", "m", "")
	for _, a := range []*Agent{ada, grace, linus} {
		if err := room.AddAgent(a); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	room.Broadcast("User", "hello everyone")

	for _, a := range []*Agent{ada, grace, linus} {
		batch := a.drainUnread()
		if len(batch) != 1 {
			t.Fatalf("%s inbox = %d, want 1", a.Name(), len(batch))
		}
		if batch[0].From != "User" || batch[0].Role != "user" {
			t.Errorf("%s got %+v", a.Name(), batch[0])
		}
	}
}

func TestChatRoomNoSelfEcho(t *testing.T) {
	room := NewChatRoom()
	ada := NewAgent("Ada", "m", "")
	grace := NewAgent("Grace", "m", "")
	room.AddAgent(ada)
	room.AddAgent(grace)

	room.Broadcast("Ada", "my own message")

	if ada.HasUnread() {
		t.Error("sender received its own broadcast")
	}
	if got := len(grace.drainUnread()); got != 1 {
		t.Errorf("peer inbox = %d, want 1", got)
	}
}

func TestChatRoomSendToDirect(t *testing.T) {
	room := NewChatRoom()
	ada := NewAgent("Ada", "m", "")
	grace := NewAgent("Grace", "m", "")
	room.AddAgent(ada)
	room.AddAgent(grace)

	room.SendTo("Ada", "Grace", "for your eyes")

	if ada.HasUnread() {
		t.Error("direct message leaked to sender")
	}
	batch := grace.drainUnread()
	if len(batch) != 1 {
		t.Fatalf("inbox = %d, want 1", len(batch))
	}
	if batch[0].To != "Grace" {
		t.Errorf("to = %q, want Grace", batch[0].To)
	}
}

func TestChatRoomUnknownRecipientDropped(t *testing.T) {
	room := NewChatRoom()
	ada := NewAgent("Ada", "m", "")
	room.AddAgent(ada)

	room.SendTo("Ada", "Nobody", "lost")

	if ada.HasUnread() {
		t.Error("message to unknown recipient was delivered somewhere")
	}
	// Sequence still advances; the room is authoritative for ordering.
	if room.Seq() != 1 {
		t.Errorf("seq = %d, want 1", room.Seq())
	}
}

func TestChatRoomMonotoneSeq(t *testing.T) {
	room := NewChatRoom()
	ada := NewAgent("Ada", "m", "")
	grace := NewAgent("Grace", "m", "")
	room.AddAgent(ada)
	room.AddAgent(grace)

	room.Broadcast("User", "one")
	room.SendTo("User", "Ada", "two")
	room.Broadcast("User", "three")

	batch := ada.drainUnread()
	if len(batch) != 3 {
		t.Fatalf("inbox = %d, want 3", len(batch))
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].Seq <= batch[i-1].Seq {
			t.Errorf("seq not monotone: %d then %d", batch[i-1].Seq, batch[i].Seq)
		}
	}
}

func TestChatRoomDuplicateAgentRejected(t *testing.T) {
	room := NewChatRoom()
	if err := room.AddAgent(NewAgent("Ada", "m", "")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := room.AddAgent(NewAgent("Ada", "m", "")); err == nil {
		t.Fatal("duplicate id accepted")
	}
}

func TestChatRoomRoleForSender(t *testing.T) {
	room := NewChatRoom()
	ada := NewAgent("Ada", "m", "")
	room.AddAgent(ada)

	room.Broadcast("System", "pinned note")
	room.Broadcast("Grace", "peer message")

	batch := ada.drainUnread()
	if len(batch) != 2 {
		t.Fatalf("inbox = %d, want 2", len(batch))
	}
	if batch[0].Role != "system" {
		t.Errorf("system sender role = %q", batch[0].Role)
	}
	if batch[1].Role != "user" {
		t.Errorf("agent sender role = %q", batch[1].Role)
	}
}

func TestChatRoomFreshUserWindow(t *testing.T) {
	room := NewChatRoom(WithFreshWindow(50 * time.Millisecond))
	room.AddAgent(NewAgent("Ada", "m", ""))

	if room.HasFreshUserMessage() {
		t.Error("fresh before any message")
	}
	room.Broadcast("User", "hi")
	if !room.HasFreshUserMessage() {
		t.Error("expected fresh right after user message")
	}
	time.Sleep(80 * time.Millisecond)
	if room.HasFreshUserMessage() {
		t.Error("expected stale after window")
	}
}

func TestChatRoomDeliveryPanicIsolated(t *testing.T) {
	room := NewChatRoom()
	bad := NewAgent("Bad", "m", "")
	bad.SetOnMessage(func(Message) { panic("observer exploded") })
	good := NewAgent("Good", "m", "")
	room.AddAgent(bad)
	room.AddAgent(good)

	room.Broadcast("User", "hello") // must not panic the caller

	if got := len(good.drainUnread()); got != 1 {
		t.Errorf("good inbox = %d, want 1", got)
	}
}

func TestChatRoomOtherNames(t *testing.T) {
	room := NewChatRoom()
	room.AddAgent(NewAgent("Ada", "m", ""))
	room.AddAgent(NewAgent("Grace", "m", ""))
	room.AddAgent(NewAgent("Linus", "m", ""))

	names := room.OtherNames("Grace")
	if len(names) != 2 {
		t.Fatalf("names = %v", names)
	}
	for _, n := range names {
		if n == "Grace" {
			t.Error("OtherNames included the excluded agent")
		}
	}
}
