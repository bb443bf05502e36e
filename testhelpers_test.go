package chorus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// --- Transport mocks (shared across engine_test.go, manager_test.go) ---

// scriptedTransport returns canned replies in order, recording every call.
// After the script runs out it keeps returning the last reply.
type scriptedTransport struct {
	mu         sync.Mutex
	replies    []AssistantReply
	errs       []error
	calls      [][]ChatMessage
	summaries  int
	interrupts int
	delay      time.Duration
}

func (s *scriptedTransport) ChatOnce(ctx context.Context, _ string, messages []ChatMessage, opts ChatOptions) (AssistantReply, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return AssistantReply{}, ctx.Err()
		}
	}
	if opts.OnData != nil {
		opts.OnData()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]ChatMessage, len(messages))
	copy(snapshot, messages)
	s.calls = append(s.calls, snapshot)
	idx := len(s.calls) - 1
	if idx < len(s.errs) && s.errs[idx] != nil {
		return AssistantReply{}, s.errs[idx]
	}
	if len(s.replies) == 0 {
		return AssistantReply{Content: "ok"}, nil
	}
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	return s.replies[idx], nil
}

func (s *scriptedTransport) SummarizeOnce(_ context.Context, _ string, _ []ChatMessage, _ SummarizeOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries++
	return "summary of earlier turns", nil
}

func (s *scriptedTransport) Interrupt() {
	s.mu.Lock()
	s.interrupts++
	s.mu.Unlock()
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedTransport) lastCall() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

// --- Tool mocks ---

type echoTool struct {
	mu    sync.Mutex
	execs []string
}

func (e *echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "echo", Description: "Echo the input"}}
}

func (e *echoTool) Execute(_ context.Context, name string, args json.RawMessage) (ToolResult, error) {
	e.mu.Lock()
	e.execs = append(e.execs, string(args))
	e.mu.Unlock()
	return ToolResult{Content: "echoed " + string(args)}, nil
}

func (e *echoTool) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.execs)
}

type failTool struct{}

func (failTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Description: "Always fails"}}
}

func (failTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("tool broken")
}

// --- FileWriter mock ---

type recordWriter struct {
	mu     sync.Mutex
	writes map[string]string
	err    error
}

func newRecordWriter() *recordWriter {
	return &recordWriter{writes: make(map[string]string)}
}

func (w *recordWriter) Write(path, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.writes[path] = content
	return nil
}

func (w *recordWriter) get(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.writes[path]
	return c, ok
}

func (w *recordWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

// --- Engine fixture ---

type engineFixture struct {
	room      *ChatRoom
	lock      *ChannelLock
	gate      *TransportGate
	pause     *PauseController
	transport *scriptedTransport
	files     *recordWriter
	tools     *ToolRegistry
	agent     *Agent
	engine    *TurnEngine
}

// newEngineFixture builds a room with one engine-driven agent plus a passive
// peer named "Grace" to receive deliveries.
func newEngineFixture(t interface{ Fatalf(string, ...any) }, replies []AssistantReply, toolImpls ...Tool) *engineFixture {
	f := &engineFixture{
		room:      NewChatRoom(),
		lock:      NewChannelLock(time.Minute),
		gate:      NewTransportGate(WithGateCooldown(0)),
		pause:     NewPauseController(),
		transport: &scriptedTransport{replies: replies},
		files:     newRecordWriter(),
		tools:     NewToolRegistry(),
	}
	for _, impl := range toolImpls {
		f.tools.Add(impl)
	}
	f.agent = NewAgent("Ada", "test-model", "You are Ada.")
	if err := f.room.AddAgent(f.agent); err != nil {
		t.Fatalf("add agent: %v", err)
	}
	if err := f.room.AddAgent(NewAgent("Grace", "test-model", "You are Grace.")); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	f.engine = NewTurnEngine(f.agent, f.room, f.lock, f.gate, f.transport,
		f.tools, nil, f.files, f.pause, EngineOptions{})
	return f
}

func (f *engineFixture) close() {
	f.lock.Close()
}
