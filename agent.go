package chorus

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

// maxSoCChars caps the rolling stream-of-consciousness buffer.
const maxSoCChars = 50 * 1024

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Agent is one participant in the room: identity, model, rolling context,
// unread inbox, SoC accumulator, audience state, and scheduler bookkeeping.
// The context and inbox are owned by the agent; only ChatRoom.deliver
// appends, via the receive hook.
type Agent struct {
	name         string
	model        string
	systemPrompt string
	room         *ChatRoom // non-owning back-reference, set by AddAgent

	mu              sync.Mutex
	context         []Message
	inbox           []Message
	soc             string
	audience        Audience
	turns           int
	lastSummaryTurn int

	// onMessage, when set, observes every delivered message (UI hook).
	onMessage func(Message)

	// Scheduler state. Millisecond timestamps; zero means "never".
	running   atomic.Bool
	lastProbe atomic.Int64
	lastIdle  atomic.Int64
	runCount  atomic.Int64
}

// NewAgent creates an agent with the given id, model identifier, and system
// prompt. Register it with ChatRoom.AddAgent before use.
func NewAgent(name, model, systemPrompt string) *Agent {
	return &Agent{
		name:         name,
		model:        model,
		systemPrompt: systemPrompt,
	}
}

func (a *Agent) Name() string  { return a.name }
func (a *Agent) Model() string { return a.model }

// SetOnMessage installs an observer invoked for every delivered message.
func (a *Agent) SetOnMessage(fn func(Message)) {
	a.mu.Lock()
	a.onMessage = fn
	a.mu.Unlock()
}

// receive is the room's delivery hook: enqueue as unread, then notify the
// observer. Called from ChatRoom.deliver with panic isolation.
func (a *Agent) receive(msg Message) {
	a.mu.Lock()
	a.inbox = append(a.inbox, msg)
	observer := a.onMessage
	a.mu.Unlock()
	if observer != nil {
		observer(msg)
	}
}

// HasUnread reports a non-empty inbox.
func (a *Agent) HasUnread() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inbox) > 0
}

// inboxSnapshot returns a copy of the pending inbox without draining it.
func (a *Agent) inboxSnapshot() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Message, len(a.inbox))
	copy(out, a.inbox)
	return out
}

// drainUnread removes and returns the inbox, marking messages read.
func (a *Agent) drainUnread() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	batch := a.inbox
	a.inbox = nil
	for i := range batch {
		batch[i].Read = true
	}
	return batch
}

// appendContext appends messages to the rolling context.
func (a *Agent) appendContext(msgs ...Message) {
	a.mu.Lock()
	a.context = append(a.context, msgs...)
	a.mu.Unlock()
}

// contextTail returns up to n of the newest context messages.
func (a *Agent) contextTail(n int) []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := len(a.context) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(a.context)-start)
	copy(out, a.context[start:])
	return out
}

// ContextLen returns the rolling context length.
func (a *Agent) ContextLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.context)
}

// appendSoC accumulates assistant output into the rolling SoC buffer.
// Stored <think> blocks are stripped and the buffer is trimmed from the
// front to stay under the cap.
func (a *Agent) appendSoC(text string) {
	text = strings.TrimSpace(thinkBlockRe.ReplaceAllString(text, ""))
	if text == "" {
		return
	}
	a.mu.Lock()
	if a.soc == "" {
		a.soc = text
	} else {
		a.soc = a.soc + "\n" + text
	}
	if over := len(a.soc) - maxSoCChars; over > 0 {
		a.soc = a.soc[over:]
	}
	a.mu.Unlock()
}

// SoC returns the rolling stream-of-consciousness sample.
func (a *Agent) SoC() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.soc
}

// Audience returns the current delivery target.
func (a *Agent) Audience() Audience {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.audience
}

func (a *Agent) setAudience(aud Audience) {
	a.mu.Lock()
	a.audience = aud
	a.mu.Unlock()
}

// Turns returns how many turns this agent has completed.
func (a *Agent) Turns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turns
}

func (a *Agent) finishTurn(summarized bool) {
	a.mu.Lock()
	a.turns++
	if summarized {
		a.lastSummaryTurn = a.turns
	}
	a.mu.Unlock()
}

func (a *Agent) turnsSinceSummary() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turns - a.lastSummaryTurn
}

// RunCount returns how many scheduled turns have started (test hook).
func (a *Agent) RunCount() int64 { return a.runCount.Load() }
