// Package extension implements the Extension Bus: ordered, sequential
// dispatch of session lifecycle events to registered handlers, with
// per-event-kind decision merging.
//
// Widens a plain notification callback from "tell every handler" to "ask
// handlers for a structured decision, in order, and merge it" — the same
// round-trip shape an approve/reject permission check uses, applied to
// every event kind instead of just permission prompts. Dispatch is direct
// in-process calls, sequential in registration order; there's no queue or
// transport underneath it.
package extension

import (
	"context"
	"fmt"

	"github.com/opencode-ai/agentcore/internal/logging"
)

// Kind identifies an extension-bus event. Each kind has a fixed payload
// shape (tagged variant) carried on Event, and a fixed decision-merge rule
// documented alongside it.
type Kind string

const (
	KindToolCall             Kind = "tool_call"
	KindToolResult           Kind = "tool_result"
	KindSessionBeforeCompact Kind = "session_before_compact"
	KindSessionBeforeSwitch  Kind = "session_before_switch"
	KindSessionBeforeFork    Kind = "session_before_fork"
	KindBeforeAgentStart     Kind = "before_agent_start"
	KindContext              Kind = "context"
	KindInput                Kind = "input"
	KindAgentStart           Kind = "agent_start"
	KindTurnStart            Kind = "turn_start"
	KindTurnEnd              Kind = "turn_end"
	KindAgentEnd             Kind = "agent_end"
	KindSessionShutdown      Kind = "session_shutdown"
	KindFileEdited           Kind = "file.edited"
	KindDoomLoop             Kind = "doom_loop"
)

// ContextMessage is the minimal message shape the "context" event exposes
// to handlers: enough to reorder, redact, or annotate without depending on
// the scheduler's internal types.
type ContextMessage struct {
	Role    string
	Content string
}

// ToolCallPayload is the KindToolCall event payload.
type ToolCallPayload struct {
	SessionID string
	CallID    string
	ToolName  string
	Input     map[string]any
}

// ToolResultPayload is the KindToolResult event payload. Content/Details/
// IsError reflect the current (possibly already-transformed-by-an-earlier-
// handler) result; a handler's Decision.Result replaces it for the next
// handler in the chain.
type ToolResultPayload struct {
	SessionID string
	CallID    string
	ToolName  string
	Content   string
	Details   any
	IsError   bool
}

// SessionLifecyclePayload backs session_before_compact/switch/fork.
type SessionLifecyclePayload struct {
	SessionID string
	FromLeaf  string
	ToLeaf    string // switch/fork target; empty for compact
}

// CompactionSupply lets a session_before_compact handler hand back a
// summary directly, skipping the Compaction Engine's own LLM call.
type CompactionSupply struct {
	Summary          string
	FirstKeptEntryID string
}

// BeforeAgentStartPayload backs before_agent_start.
type BeforeAgentStartPayload struct {
	SessionID           string
	PromptText          string
	CurrentSystemPrompt string
}

// ContextPayload backs the context event.
type ContextPayload struct {
	SessionID string
	Messages  []ContextMessage
}

// InputPayload backs the input event.
type InputPayload struct {
	SessionID string
	Text      string
	Images    []string
}

// DoomLoopPayload backs the supplemental doom_loop event.
type DoomLoopPayload struct {
	SessionID string
	ToolName  string
	Input     map[string]any
	Count     int
}

// Event is the tagged union dispatched to handlers.
type Event struct {
	Kind Kind

	ToolCall      *ToolCallPayload
	ToolResult    *ToolResultPayload
	Lifecycle     *SessionLifecyclePayload
	AgentStart    *BeforeAgentStartPayload
	Context       *ContextPayload
	Input         *InputPayload
	DoomLoop      *DoomLoopPayload
	SimplePayload map[string]any // agent_start/turn_start/turn_end/agent_end/session_shutdown/file.edited
}

// Decision is the tagged union a handler may return. Only the fields
// relevant to Event.Kind are consulted; the rest are ignored.
type Decision struct {
	// tool_call
	Block  bool
	Reason string

	// tool_result (replacement supersedes the current payload for the next
	// handler and, ultimately, the caller)
	Result *ToolResultPayload

	// session_before_compact/switch/fork
	Cancel bool

	// session_before_compact only: preempts the LLM summarization call by
	// supplying the compaction result directly. First non-nil wins.
	CompactionSupply *CompactionSupply

	// before_agent_start
	InjectMessage    *string
	SystemPrompt     *string
	InjectedMessages []string // full accumulation, set only on the merged Decision Dispatch returns

	// context
	ReplacementMessages []ContextMessage
	HasReplacement      bool

	// input
	Handled   bool
	Transform *InputPayload
}

// Handler is one registered extension's event callback. Handlers are
// invoked sequentially, in registration order, once per dispatched event;
// a handler that panics or returns an error is isolated (see Bus.Dispatch).
type Handler interface {
	Name() string
	Handle(ctx context.Context, evt *Event) (*Decision, error)
}

// HandlerFunc adapts a function to Handler for handlers with no state.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, evt *Event) (*Decision, error)
}

func (h HandlerFunc) Name() string { return h.HandlerName }
func (h HandlerFunc) Handle(ctx context.Context, evt *Event) (*Decision, error) {
	return h.Fn(ctx, evt)
}

// Bus dispatches events to handlers in registration order.
type Bus struct {
	handlers []Handler

	// OnHandlerError is invoked whenever a handler panics or returns an
	// error. It is the Bus's only coupling to the SSE plane's
	// extension_error event: the caller wires it, avoiding an
	// import cycle between internal/extension and internal/sse.
	OnHandlerError func(handlerName string, kind Kind, err error)
}

// New creates an empty Bus.
func New() *Bus { return &Bus{} }

// Register appends a handler. Registration order is dispatch order.
func (b *Bus) Register(h Handler) { b.handlers = append(b.handlers, h) }

// Handlers returns the registered handlers in registration order.
func (b *Bus) Handlers() []Handler {
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

func (b *Bus) reportError(name string, kind Kind, err error) {
	logging.Error().Err(err).Str("handler", name).Str("event", string(kind)).
		Msg("extension handler error")
	if b.OnHandlerError != nil {
		b.OnHandlerError(name, kind, err)
	}
}

// invoke calls h.Handle, converting a panic into an error so one broken
// handler never aborts dispatch to the rest (the: "Handler
// exceptions are logged and reported via an extension_error event; they
// never abort the session.").
func (b *Bus) invoke(ctx context.Context, h Handler, evt *Event) (dec *Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in extension handler %q: %v", h.Name(), r)
		}
	}()
	return h.Handle(ctx, evt)
}

// Dispatch runs evt through every registered handler, in order, merging
// decisions per the rules for evt.Kind, and returns the merged Decision.
func (b *Bus) Dispatch(ctx context.Context, evt *Event) *Decision {
	switch evt.Kind {
	case KindToolCall:
		return b.dispatchToolCall(ctx, evt)
	case KindToolResult:
		return b.dispatchToolResult(ctx, evt)
	case KindSessionBeforeCompact, KindSessionBeforeSwitch, KindSessionBeforeFork:
		return b.dispatchLifecycle(ctx, evt)
	case KindBeforeAgentStart:
		return b.dispatchBeforeAgentStart(ctx, evt)
	case KindContext:
		return b.dispatchContext(ctx, evt)
	case KindInput:
		return b.dispatchInput(ctx, evt)
	default:
		// agent_start/turn_start/turn_end/agent_end/session_shutdown/
		// file.edited/doom_loop are pure notifications: every handler runs,
		// no decision is merged.
		for _, h := range b.handlers {
			if _, err := b.invoke(ctx, h, evt); err != nil {
				b.reportError(h.Name(), evt.Kind, err)
			}
		}
		return &Decision{}
	}
}

// dispatchToolCall: first handler to return {block:true} wins; remaining
// handlers still run for observation.
func (b *Bus) dispatchToolCall(ctx context.Context, evt *Event) *Decision {
	final := &Decision{}
	for _, h := range b.handlers {
		dec, err := b.invoke(ctx, h, evt)
		if err != nil {
			b.reportError(h.Name(), evt.Kind, err)
			continue
		}
		if dec != nil && dec.Block && !final.Block {
			final.Block = true
			final.Reason = dec.Reason
		}
	}
	return final
}

// dispatchToolResult: later handlers see and can further modify the
// result (chained transform).
func (b *Bus) dispatchToolResult(ctx context.Context, evt *Event) *Decision {
	current := evt.ToolResult
	for _, h := range b.handlers {
		dec, err := b.invoke(ctx, h, evt)
		if err != nil {
			b.reportError(h.Name(), evt.Kind, err)
			continue
		}
		if dec != nil && dec.Result != nil {
			current = dec.Result
			evt.ToolResult = current
		}
	}
	return &Decision{Result: current}
}

// dispatchLifecycle: first {cancel:true} aborts the operation; dispatch
// stops there. For session_before_compact, the first handler to supply a
// CompactionSupply instead preempts the engine's own LLM call; remaining
// handlers still run for observation since no cancellation occurred.
func (b *Bus) dispatchLifecycle(ctx context.Context, evt *Event) *Decision {
	var supply *CompactionSupply
	for _, h := range b.handlers {
		dec, err := b.invoke(ctx, h, evt)
		if err != nil {
			b.reportError(h.Name(), evt.Kind, err)
			continue
		}
		if dec == nil {
			continue
		}
		if dec.Cancel {
			return &Decision{Cancel: true}
		}
		if supply == nil && dec.CompactionSupply != nil {
			supply = dec.CompactionSupply
		}
	}
	return &Decision{CompactionSupply: supply}
}

// dispatchBeforeAgentStart: message injections accumulate; systemPrompt
// replacements chain (each handler sees the previous handler's output).
func (b *Bus) dispatchBeforeAgentStart(ctx context.Context, evt *Event) *Decision {
	var injected []string
	systemPrompt := evt.AgentStart.CurrentSystemPrompt
	for _, h := range b.handlers {
		dec, err := b.invoke(ctx, h, evt)
		if err != nil {
			b.reportError(h.Name(), evt.Kind, err)
			continue
		}
		if dec == nil {
			continue
		}
		if dec.InjectMessage != nil {
			injected = append(injected, *dec.InjectMessage)
		}
		if dec.SystemPrompt != nil {
			systemPrompt = *dec.SystemPrompt
			evt.AgentStart.CurrentSystemPrompt = systemPrompt
		}
	}
	final := &Decision{SystemPrompt: &systemPrompt, InjectedMessages: injected}
	return final
}

// dispatchContext: handlers receive a deep copy of the outgoing message
// list and may return a replacement; replacements chain.
func (b *Bus) dispatchContext(ctx context.Context, evt *Event) *Decision {
	current := cloneMessages(evt.Context.Messages)
	for _, h := range b.handlers {
		working := &Event{Kind: KindContext, Context: &ContextPayload{
			SessionID: evt.Context.SessionID,
			Messages:  cloneMessages(current),
		}}
		dec, err := b.invoke(ctx, h, working)
		if err != nil {
			b.reportError(h.Name(), evt.Kind, err)
			continue
		}
		if dec != nil && dec.HasReplacement {
			current = dec.ReplacementMessages
		}
	}
	evt.Context.Messages = current
	return &Decision{ReplacementMessages: current, HasReplacement: true}
}

func cloneMessages(in []ContextMessage) []ContextMessage {
	out := make([]ContextMessage, len(in))
	copy(out, in)
	return out
}

// dispatchInput: three terminal actions — handled (skip agent entirely,
// first wins), transform (modify text/images, chain), continue (pass
// through).
func (b *Bus) dispatchInput(ctx context.Context, evt *Event) *Decision {
	current := evt.Input
	for _, h := range b.handlers {
		working := &Event{Kind: KindInput, Input: current}
		dec, err := b.invoke(ctx, h, working)
		if err != nil {
			b.reportError(h.Name(), evt.Kind, err)
			continue
		}
		if dec == nil {
			continue
		}
		if dec.Handled {
			return &Decision{Handled: true}
		}
		if dec.Transform != nil {
			current = dec.Transform
		}
	}
	return &Decision{Transform: current}
}
