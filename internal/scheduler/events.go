package scheduler

// AgentEventKind identifies the shape of an AgentEvent payload. These are
// the sub-kinds carried inside the SSE plane's single "agent_event" wire
// event; the scheduler is the only producer.
type AgentEventKind string

const (
	EventAgentStart    AgentEventKind = "agent_start"
	EventTurnStart     AgentEventKind = "turn_start"
	EventMessageDelta  AgentEventKind = "message_delta"
	EventReasoningDelta AgentEventKind = "reasoning_delta"
	EventToolCallStart AgentEventKind = "tool_call_start"
	EventToolCallDelta AgentEventKind = "tool_call_delta"
	EventToolResult    AgentEventKind = "tool_result"
	EventUsage         AgentEventKind = "usage"
	EventTurnEnd       AgentEventKind = "turn_end"
	EventAgentEnd      AgentEventKind = "agent_end"
	EventDoomLoop      AgentEventKind = "doom_loop"
	EventCompaction    AgentEventKind = "compaction"
	EventRetry         AgentEventKind = "retry"
)

// AgentEvent is one scheduler-originated event delivered to subscribers via
// the Emitter. Only the fields relevant to Kind are populated.
type AgentEvent struct {
	Kind      AgentEventKind `json:"kind"`
	SessionID string         `json:"sessionId"`

	EntryID string `json:"entryId,omitempty"`
	Text    string `json:"text,omitempty"` // message/reasoning delta content

	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolInput  map[string]any `json:"toolInput,omitempty"`
	ToolOutput string         `json:"toolOutput,omitempty"`
	IsError    bool           `json:"isError,omitempty"`

	UsageInputTokens  int `json:"usageInputTokens,omitempty"`
	UsageOutputTokens int `json:"usageOutputTokens,omitempty"`

	Error string `json:"error,omitempty"`

	Attempt int `json:"attempt,omitempty"` // retry attempt count, for transient-error events
}

// Emitter receives every scheduler-originated event, in emission order.
// Implementations must not block the scheduler for long; the SSE plane's
// implementation fans out to subscribers and drops the event for any
// subscriber whose buffer is full rather than backing up here.
type Emitter interface {
	Emit(evt AgentEvent)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(evt AgentEvent)

func (f EmitterFunc) Emit(evt AgentEvent) { f(evt) }

// NopEmitter discards every event; used when a session runs without an
// attached SSE plane (e.g. transient unit tests).
type NopEmitter struct{}

func (NopEmitter) Emit(AgentEvent) {}
