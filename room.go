package chorus

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// defaultFreshWindow is how long a user broadcast keeps the room "fresh" so
// the scheduler biases fan-out over proactive ticks.
const defaultFreshWindow = 2 * time.Second

// ChatRoom is the addressed message bus between agents. It owns agents by
// id, assigns monotonic sequence numbers, and tracks the last user message
// timestamp for the freshness window.
//
// Routing: no recipient = fan-out to every agent except the sender. A named
// but unknown recipient is dropped silently — the caller is authoritative
// for addressing. Delivery is best-effort per recipient; one failing
// receive hook never aborts the fan-out.
type ChatRoom struct {
	mu          sync.Mutex
	agents      map[string]*Agent
	order       []string
	seq         int64
	lastUserTs  int64 // unix millis
	freshWindow time.Duration
	logger      *slog.Logger
}

// RoomOption configures a ChatRoom.
type RoomOption func(*ChatRoom)

// WithFreshWindow sets the user-freshness window (default 2000ms).
func WithFreshWindow(d time.Duration) RoomOption {
	return func(r *ChatRoom) {
		if d > 0 {
			r.freshWindow = d
		}
	}
}

// WithRoomLogger sets the structured logger.
func WithRoomLogger(l *slog.Logger) RoomOption {
	return func(r *ChatRoom) { r.logger = l }
}

// NewChatRoom creates an empty room.
func NewChatRoom(opts ...RoomOption) *ChatRoom {
	r := &ChatRoom{
		agents:      make(map[string]*Agent),
		freshWindow: defaultFreshWindow,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddAgent registers an agent and attaches the room back-reference.
// Duplicate ids are rejected.
func (r *ChatRoom) AddAgent(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.name]; exists {
		return fmt.Errorf("duplicate agent id %q", a.name)
	}
	r.agents[a.name] = a
	r.order = append(r.order, a.name)
	a.room = r
	return nil
}

// Broadcast fans content out to every agent except the sender.
func (r *ChatRoom) Broadcast(from, content string) {
	r.route(from, "", content)
}

// SendTo delivers content to a single agent. Unknown recipients drop.
func (r *ChatRoom) SendTo(from, to, content string) {
	r.route(from, to, content)
}

func (r *ChatRoom) route(from, to, content string) {
	r.mu.Lock()
	r.seq++
	msg := Message{
		Seq:     r.seq,
		From:    from,
		To:      to,
		Role:    roleForSender(from),
		Content: content,
	}
	if lf := strings.ToLower(from); lf == "user" || lf == "system" {
		r.lastUserTs = NowMillis()
	}

	var recipients []*Agent
	if to == "" {
		for _, name := range r.order {
			if name == from {
				continue // no self-echo
			}
			recipients = append(recipients, r.agents[name])
		}
	} else if a, ok := r.agents[to]; ok {
		recipients = append(recipients, a)
	}
	r.mu.Unlock()

	for _, a := range recipients {
		r.deliver(a, msg)
	}
}

// deliver runs one recipient's receive hook, isolating panics so a broken
// handler cannot abort the fan-out.
func (r *ChatRoom) deliver(a *Agent, msg Message) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("message delivery failed", "to", a.name, "panic", fmt.Sprint(p))
		}
	}()
	a.receive(msg)
}

// roleForSender maps a sender id to the role the recipient stores. System
// broadcasts stay system; everything else (user and other agents) reads as
// user from the recipient's perspective.
func roleForSender(from string) string {
	if strings.EqualFold(from, "system") {
		return "system"
	}
	return "user"
}

// HasFreshUserMessage reports whether a user message landed within the
// freshness window.
func (r *ChatRoom) HasFreshUserMessage() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUserTs > 0 && NowMillis()-r.lastUserTs < r.freshWindow.Milliseconds()
}

// Agents returns the agents in registration order.
func (r *ChatRoom) Agents() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Agent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// Agent looks up an agent by id.
func (r *ChatRoom) Agent(name string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[name]
	return a, ok
}

// OtherNames returns every agent id except the given one. Detectors use it
// to spot role forgery.
func (r *ChatRoom) OtherNames(except string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if name != except {
			out = append(out, name)
		}
	}
	return out
}

// Seq returns the last assigned sequence number.
func (r *ChatRoom) Seq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}
