package chorus

import (
	"context"
	"time"
)

// ChatOptions configures one streaming completion.
type ChatOptions struct {
	// Tools passed to the provider; nil disables tool use for this hop.
	Tools []ToolDefinition
	// ToolChoice is the provider tool_choice value ("auto" when tools are set).
	ToolChoice string
	// Temperature overrides the provider default when non-nil.
	Temperature *float64
	// Timeout bounds the whole call (connect + stream).
	Timeout time.Duration
	// OnData fires on every received chunk. The engine uses it to touch the
	// ChannelLock lease so the sweeper sees streaming progress.
	OnData func()
	// Detectors run in order against the accumulating content; the first
	// match truncates the stream.
	Detectors []AbortDetector
	// DetectContext is handed to every detector check.
	DetectContext DetectContext
	// ShowReasoning prints reasoning deltas as they arrive.
	ShowReasoning bool
}

// SummarizeOptions configures the non-streaming summarize call.
type SummarizeOptions struct {
	Timeout time.Duration
}

// Transport is the streaming chat client to the LLM backend.
// provider/openaicompat supplies the production implementation.
type Transport interface {
	// ChatOnce streams one completion for the given model and returns the
	// accumulated reply. Detector cuts surface as Censored replies, not
	// errors.
	ChatOnce(ctx context.Context, model string, messages []ChatMessage, opts ChatOptions) (AssistantReply, error)
	// SummarizeOnce performs a non-streaming auxiliary completion and
	// returns its text.
	SummarizeOnce(ctx context.Context, model string, messages []ChatMessage, opts SummarizeOptions) (string, error)
	// Interrupt aborts the in-flight stream, if any.
	Interrupt()
}
