package chorus

import "encoding/json"

// --- Room message record ---

// Message is an immutable record carried by the ChatRoom. Seq is assigned
// monotonically by the room on broadcast/send. Exactly one of To=="" (group
// broadcast) or To==<agent id> (direct) holds for every message.
type Message struct {
	Seq        int64  `json:"seq"`
	From       string `json:"from"`
	To         string `json:"to,omitempty"`
	Role       string `json:"role"` // "system", "user", "assistant", "tool"
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolArgs   string `json:"tool_args,omitempty"`
	Reasoning  string `json:"reasoning,omitempty"`
	Read       bool   `json:"read"`
}

// --- LLM protocol types ---

// ChatMessage is a single message in provider wire order.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
}

// ToolCall is a provider-declared (or text-embedded) function invocation.
// Args is always a JSON object; extracted calls normalize string arguments
// into raw JSON before reaching the registry.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes a callable tool to the provider.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// AssistantReply is the accumulated output of one streaming completion.
type AssistantReply struct {
	Content   string     `json:"content"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Censored is set when an abort detector truncated the stream.
	Censored     bool   `json:"censored,omitempty"`
	CensorReason string `json:"censor_reason,omitempty"`
}

// --- ChatMessage constructors ---

func UserChatMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemChatMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantChatMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultChatMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

// --- Audience ---

// AudienceKind selects the destination of a produced message.
type AudienceKind int

const (
	// AudienceGroup broadcasts to every other agent in the room.
	AudienceGroup AudienceKind = iota
	// AudienceDirect sends to a single agent id.
	AudienceDirect
	// AudienceFile writes the content through the FileWriter.
	AudienceFile
)

// Audience is the current delivery target of an agent's output.
type Audience struct {
	Kind   AudienceKind
	Target string // agent id (direct) or path (file)
}

func (a Audience) String() string {
	switch a.Kind {
	case AudienceDirect:
		return "direct:" + a.Target
	case AudienceFile:
		return "file:" + a.Target
	default:
		return "group"
	}
}
