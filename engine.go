package chorus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Engine defaults. All are overridable through EngineOptions.
const (
	defaultMaxHops            = 8
	defaultMaxToolCalls       = 6
	defaultMaxContextMessages = 40
	defaultLockTimeout        = 15 * time.Minute
	defaultHopTimeout         = 600 * time.Second
	defaultSummarizeTimeout   = 45 * time.Second
	defaultMaxContentChars    = 8000

	recentSigWindow  = 6
	contextHistoryN  = 20
	retryTempBump    = 0.3
	politeAck        = "Understood."
	noContentMessage = "(no content)"

	fileWroteNotePrefix = "[file] wrote "
)

// EngineOptions tunes a TurnEngine. Zero values take the defaults above.
type EngineOptions struct {
	MaxHops             int
	MaxToolCallsPerTurn int
	// MaxContextMessages is the hysteresis target; HIGH/LOW derive from it.
	MaxContextMessages int
	LockTimeout        time.Duration
	HopTimeout         time.Duration
	SummarizeTimeout   time.Duration
	// MaxContentChars caps one reply's length (MaxLengthDetector).
	MaxContentChars int
	Logger          *slog.Logger
	Tracer          Tracer
}

func (o *EngineOptions) fill() {
	if o.MaxHops <= 0 {
		o.MaxHops = defaultMaxHops
	}
	if o.MaxToolCallsPerTurn <= 0 {
		o.MaxToolCallsPerTurn = defaultMaxToolCalls
	}
	if o.MaxContextMessages <= 0 {
		o.MaxContextMessages = defaultMaxContextMessages
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = defaultLockTimeout
	}
	if o.HopTimeout <= 0 {
		o.HopTimeout = defaultHopTimeout
	}
	if o.SummarizeTimeout <= 0 {
		o.SummarizeTimeout = defaultSummarizeTimeout
	}
	if o.MaxContentChars <= 0 {
		o.MaxContentChars = defaultMaxContentChars
	}
	if o.Logger == nil {
		o.Logger = nopLogger
	}
}

// TurnEngine runs one agent's turns: drain unread, summarize when the
// context overflows, run the multi-hop tool loop, deliver, compact. All of
// it happens under the ChannelLock; all provider calls go through the
// TransportGate.
type TurnEngine struct {
	agent     *Agent
	room      *ChatRoom
	lock      *ChannelLock
	gate      *TransportGate
	transport Transport
	tools     *ToolRegistry
	detectors *DetectorRegistry
	files     FileWriter
	pause     *PauseController
	opts      EngineOptions
	logger    *slog.Logger
}

// NewTurnEngine wires an engine for one agent. tools, detectors, and files
// may be nil (no tools, default detector panel, file tags rejected).
func NewTurnEngine(agent *Agent, room *ChatRoom, lock *ChannelLock, gate *TransportGate,
	transport Transport, tools *ToolRegistry, detectors *DetectorRegistry,
	files FileWriter, pause *PauseController, opts EngineOptions) *TurnEngine {
	opts.fill()
	if tools == nil {
		tools = NewToolRegistry()
	}
	if detectors == nil {
		detectors = NewDetectorRegistry()
	}
	return &TurnEngine{
		agent:     agent,
		room:      room,
		lock:      lock,
		gate:      gate,
		transport: transport,
		tools:     tools,
		detectors: detectors,
		files:     files,
		pause:     pause,
		opts:      opts,
		logger:    opts.Logger.With("agent", agent.Name()),
	}
}

// Agent returns the engine's agent.
func (e *TurnEngine) Agent() *Agent { return e.agent }

// RunTurn executes one full turn. It returns whether any work happened
// (messages consumed or produced). Pause/interjection gating and lock
// timeouts yield without error: the inbox keeps the messages and the
// scheduler retries on a later tick.
func (e *TurnEngine) RunTurn(ctx context.Context) (bool, error) {
	if e.pause.Gated() || e.pause.Interjected() {
		// Enqueue-only mode: unread stays queued; the manager re-ticks
		// after the control window closes.
		return false, nil
	}

	lease, err := e.lock.Acquire(ctx, e.opts.LockTimeout, e.agent.Name())
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			e.logger.Warn("turn skipped: channel lock timeout")
			return false, nil
		}
		return false, err
	}
	defer lease.Release()

	// The gate may have opened and closed again while we queued.
	if e.pause.Gated() {
		return false, nil
	}

	var span Span
	if e.opts.Tracer != nil {
		ctx, span = e.opts.Tracer.Start(ctx, "turn",
			StringAttr("agent", e.agent.Name()),
			IntAttr("unread", len(e.agent.inboxSnapshot())))
		defer span.End()
	}

	summary, summarized := e.maybeSummarize(ctx)
	unread := e.agent.drainUnread()
	fromUser := incomingFromUser(unread)

	history := e.buildHistory(summary, unread, fromUser)
	produced, wroteFile := e.hopLoop(ctx, lease, history, unread)

	e.agent.appendContext(unread...)
	e.agent.appendContext(produced...)

	if !wroteFile && !fromUser && len(produced) > 0 {
		e.agent.appendContext(Message{
			Role:    "system",
			From:    "System",
			Content: "Please write the required file with #file:<path> or summarize your progress.",
		})
	}

	e.deliver(produced)
	e.agent.appendSoC(assistantText(produced))
	e.compact()
	e.agent.finishTurn(summarized)

	worked := len(unread) > 0 || len(produced) > 0
	if span != nil {
		span.SetAttr(IntAttr("produced", len(produced)), BoolAttr("wrote_file", wroteFile))
	}
	return worked, nil
}

// maybeSummarize obtains a provider summary when the context crossed HIGH
// and at least two turns passed since the last one. Failure degrades to an
// empty summary; a broken summarizer must not block the turn.
func (e *TurnEngine) maybeSummarize(ctx context.Context) (string, bool) {
	if e.agent.ContextLen() <= HighWatermark(e.opts.MaxContextMessages) {
		return "", false
	}
	if e.agent.turnsSinceSummary() < 2 {
		return "", false
	}

	msgs := []ChatMessage{
		SystemChatMessage("Summarize the following conversation concisely. Preserve decisions, open tasks, and file paths."),
		UserChatMessage(renderContext(e.agent.contextTail(contextHistoryN * 2))),
	}
	var summary string
	err := e.gate.Run(ctx, e.agent.Name()+":summarize", func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, e.opts.SummarizeTimeout)
		defer cancel()
		var serr error
		summary, serr = e.transport.SummarizeOnce(sctx, e.agent.Model(), msgs, SummarizeOptions{Timeout: e.opts.SummarizeTimeout})
		return serr
	})
	if err != nil {
		e.logger.Warn("summarize failed, continuing without summary", "error", err)
		return "", false
	}
	return strings.TrimSpace(summary), true
}

// buildHistory assembles the provider message list: system prompt, optional
// user-focus nudge, optional summary, the last context messages, and the
// drained unread batch — each viewed from this agent's perspective.
func (e *TurnEngine) buildHistory(summary string, unread []Message, fromUser bool) []ChatMessage {
	var history []ChatMessage
	history = append(history, SystemChatMessage(e.agent.systemPrompt))
	if fromUser {
		history = append(history, SystemChatMessage(
			"The user has just spoken. Address the user's message directly before anything else."))
	}
	if summary != "" {
		history = append(history, SystemChatMessage("Conversation summary so far:\n"+summary))
	}
	for _, m := range e.agent.contextTail(contextHistoryN) {
		history = append(history, e.perspective(m))
	}
	for _, m := range unread {
		history = append(history, e.perspective(m))
	}
	return history
}

// perspective converts a room message into this agent's wire view: own past
// messages stay assistant, system/tool are preserved, everything else
// becomes user content with the speaker prefix prepended once.
func (e *TurnEngine) perspective(m Message) ChatMessage {
	switch {
	case m.Role == "system":
		return SystemChatMessage(m.Content)
	case m.Role == "tool":
		return ChatMessage{Role: "tool", Content: m.Content, ToolCallID: m.ToolCallID}
	case m.From == e.agent.Name():
		return AssistantChatMessage(m.Content)
	default:
		content := m.Content
		if prefix := m.From + ": "; m.From != "" && !strings.HasPrefix(content, prefix) {
			content = prefix + content
		}
		return UserChatMessage(content)
	}
}

// hopLoop is the per-turn multi-hop tool/chat loop.
func (e *TurnEngine) hopLoop(ctx context.Context, lease *Lease, history []ChatMessage, unread []Message) ([]Message, bool) {
	var produced []Message
	var recentSigs []string
	breaker := 0
	toolCallsUsed := 0
	wroteFile := false
	name := e.agent.Name()

	appendSystem := func(text string) {
		produced = append(produced, Message{Role: "system", From: "System", Content: text})
		history = append(history, SystemChatMessage(text))
	}

	for hop := 0; hop < e.opts.MaxHops; hop++ {
		if e.pause.Interjected() {
			appendSystem("Yielding: the user is typing.")
			break
		}

		toolsEnabled := breaker == 0 && len(e.tools.AllDefinitions()) > 0
		remaining := e.opts.MaxToolCallsPerTurn - toolCallsUsed
		hopHistory := append(append([]ChatMessage{}, history...), SystemChatMessage(
			fmt.Sprintf("You have %d tool calls remaining this turn. Prefer writing durable results with #file:<path>.", remaining)))

		reply, err := e.chatHop(ctx, lease, hopHistory, toolsEnabled, nil)
		if err != nil {
			if errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled) {
				appendSystem("Yielding: turn interrupted.")
				break
			}
			// Idle, hard stop, or transport failure: treat as an empty
			// assistant reply and let the next hop decide.
			e.logger.Warn("hop failed", "hop", hop, "error", err)
			breaker = 1
			appendSystem("The model call failed; tools disabled for one hop.")
			continue
		}

		content := NewSanitizer().Clean(reply.Content)
		if strings.TrimSpace(content) == "" && len(reply.ToolCalls) == 0 {
			// One retry, slightly hotter.
			bump := retryTempBump
			reply, err = e.chatHop(ctx, lease, hopHistory, toolsEnabled, &bump)
			if err == nil {
				content = NewSanitizer().Clean(reply.Content)
			}
			if strings.TrimSpace(content) == "" && len(reply.ToolCalls) == 0 {
				appendSystem("The model returned no content. Respond with text or a tool call.")
				breaker = 1
				continue
			}
		}

		cleaned, tags := ParseTags(content)
		cleaned, embedded := ExtractToolCalls(cleaned)
		calls := append(append([]ToolCall{}, reply.ToolCalls...), embedded...)

		if len(calls) == 0 {
			text := strings.TrimSpace(cleaned)
			if text == "" && len(tags) == 0 {
				text = politeAck
			}
			final := Message{Role: "assistant", From: name, Content: text, Reasoning: reply.Reasoning}
			if reply.Censored {
				final.Content = strings.TrimSpace(final.Content)
				e.logger.Warn("reply censored", "reason", reply.CensorReason)
			}
			produced = append(produced, final)
			wroteFile = e.processTags(tags, &produced) || wroteFile
			breaker = 0
			break
		}

		// Record the assistant hop (tool intent) for the next provider call.
		produced = append(produced, Message{Role: "assistant", From: name, Content: strings.TrimSpace(cleaned), Reasoning: reply.Reasoning})
		history = append(history, ChatMessage{Role: "assistant", Content: cleaned, ToolCalls: calls})

		hopSigs := make(map[string]bool)
		capped := false
		for _, call := range calls {
			sig := callSignature(call)
			if hopSigs[sig] {
				produced = append(produced, Message{Role: "assistant", From: name,
					Content: "Aborted duplicate tool call: " + call.Name})
				breaker = 1
				break
			}
			hopSigs[sig] = true

			if containsSig(recentSigs, sig) {
				appendSystem("Skipping recently repeated tool call: " + call.Name)
				breaker = 1
				continue
			}
			recentSigs = append(recentSigs, sig)
			if len(recentSigs) > recentSigWindow {
				recentSigs = recentSigs[1:]
			}

			if toolCallsUsed >= e.opts.MaxToolCallsPerTurn {
				appendSystem("Tool call budget exhausted for this turn.")
				capped = true
				break
			}
			toolCallsUsed++

			toolMsg := e.executeTool(ctx, call)
			produced = append(produced, toolMsg)
			history = append(history, ChatMessage{Role: "tool", Content: toolMsg.Content, ToolCallID: call.ID})
		}

		wroteFile = e.processTags(tags, &produced) || wroteFile

		if capped {
			break
		}
		if e.opts.MaxToolCallsPerTurn-toolCallsUsed <= 2 && !wroteFile {
			history = append(history, SystemChatMessage(
				"Tool budget nearly exhausted. Prefer #file:<path> writes over further tool calls."))
		}
		if breaker > 0 {
			history = append(history, SystemChatMessage("Tool use is disabled for the next step after a loop indicator."))
			breaker--
		}
	}

	if len(produced) == 0 {
		produced = append(produced, Message{Role: "assistant", From: name, Content: noContentMessage})
	}
	return produced, wroteFile
}

// chatHop performs one gated provider call. OnData touches the lock lease
// so the sweeper sees streaming progress.
func (e *TurnEngine) chatHop(ctx context.Context, lease *Lease, history []ChatMessage, toolsEnabled bool, temp *float64) (AssistantReply, error) {
	detectors := e.detectors.All()
	if len(detectors) == 0 {
		detectors = DefaultDetectors(e.opts.MaxContentChars)
	}
	opts := ChatOptions{
		Timeout:     e.opts.HopTimeout,
		OnData:      lease.Touch,
		Detectors:   detectors,
		Temperature: temp,
		DetectContext: DetectContext{
			AgentNames: e.room.OtherNames(e.agent.Name()),
			SoC:        e.agent.SoC(),
		},
	}
	if toolsEnabled {
		opts.Tools = e.tools.AllDefinitions()
		opts.ToolChoice = "auto"
	}

	var reply AssistantReply
	err := e.gate.Run(ctx, e.agent.Name(), func(ctx context.Context) error {
		hctx, cancel := context.WithTimeout(ctx, e.opts.HopTimeout)
		defer cancel()
		var cerr error
		reply, cerr = e.transport.ChatOnce(hctx, e.agent.Model(), history, opts)
		return cerr
	})
	return reply, err
}

// executeTool runs one call through the registry and converts the outcome
// into a role=tool message. Failures become {ok:false} payloads; the loop
// stays viable.
func (e *TurnEngine) executeTool(ctx context.Context, call ToolCall) Message {
	result, err := e.tools.Execute(ctx, call.Name, call.Args)
	payload := map[string]any{"ok": true, "output": result.Content}
	switch {
	case err != nil:
		payload = map[string]any{"ok": false, "err": err.Error()}
	case result.Error != "":
		payload = map[string]any{"ok": false, "err": result.Error, "output": result.Content}
	}
	body, _ := json.Marshal(payload)
	return Message{
		Role:       "tool",
		From:       e.agent.Name(),
		Content:    string(body),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		ToolArgs:   normalizedCallArgs(call),
	}
}

// processTags handles file writes and direct sends in-hop. Returns whether
// a file was written.
func (e *TurnEngine) processTags(tags []Tag, produced *[]Message) bool {
	wrote := false
	for _, tag := range tags {
		switch tag.Kind {
		case TagFile:
			if e.files == nil {
				*produced = append(*produced, Message{Role: "system", From: "System",
					Content: "File write rejected: no file writer configured."})
				continue
			}
			if err := e.files.Write(tag.Value, tag.Content); err != nil {
				e.logger.Warn("file write failed", "path", tag.Value, "error", err)
				*produced = append(*produced, Message{Role: "system", From: "System",
					Content: "File write failed: " + err.Error()})
				continue
			}
			wrote = true
			e.agent.setAudience(Audience{Kind: AudienceFile, Target: tag.Value})
			*produced = append(*produced, Message{Role: "system", From: "System",
				Content: fileWroteNotePrefix + tag.Value})
		case TagAgent:
			if tag.Content == "" {
				continue
			}
			e.agent.setAudience(Audience{Kind: AudienceDirect, Target: tag.Value})
			e.room.SendTo(e.agent.Name(), tag.Value, tag.Content)
		}
	}
	return wrote
}

// deliver routes the final assistant message. Tagged output was already
// routed in-hop (direct sends, file writes); untagged output defaults to
// the group.
func (e *TurnEngine) deliver(produced []Message) {
	var last *Message
	for i := len(produced) - 1; i >= 0; i-- {
		if produced[i].Role == "assistant" {
			last = &produced[i]
			break
		}
	}
	if last == nil || strings.TrimSpace(last.Content) == "" {
		return
	}
	if aud := e.agent.Audience(); aud.Kind != AudienceGroup {
		// Reset for the next turn; this turn's content already went to its
		// direct or file target.
		e.agent.setAudience(Audience{})
		return
	}
	e.room.Broadcast(e.agent.Name(), last.Content)
}

func (e *TurnEngine) compact() {
	e.agent.mu.Lock()
	e.agent.context = compactContext(e.agent.context, e.opts.MaxContextMessages)
	e.agent.mu.Unlock()
}

// --- helpers ---

// callSignature builds the dedup key "<name>|<args>". Shell commands have
// their whitespace collapsed so cosmetic reformatting does not defeat the
// dedup window.
func callSignature(call ToolCall) string {
	return call.Name + "|" + normalizedCallArgs(call)
}

func normalizedCallArgs(call ToolCall) string {
	args := string(call.Args)
	if call.Name == "sh" {
		var params struct {
			Cmd string `json:"cmd"`
		}
		if json.Unmarshal(call.Args, &params) == nil && params.Cmd != "" {
			return strings.Join(strings.Fields(params.Cmd), " ")
		}
	}
	return strings.TrimSpace(args)
}

func containsSig(sigs []string, sig string) bool {
	for _, s := range sigs {
		if s == sig {
			return true
		}
	}
	return false
}

func incomingFromUser(unread []Message) bool {
	for _, m := range unread {
		if strings.EqualFold(m.From, "user") {
			return true
		}
	}
	return false
}

func assistantText(produced []Message) string {
	var parts []string
	for _, m := range produced {
		if m.Role == "assistant" && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// renderContext flattens room messages for the summarize prompt.
func renderContext(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.From)
		b.WriteString(": ")
		b.WriteString(truncateRunes(m.Content, 400))
		b.WriteByte('\n')
	}
	return b.String()
}
