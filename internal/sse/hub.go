// Package sse implements the SSE Event Plane: fan-out of the
// scheduler's session events, extension UI requests, and extension faults
// to any number of concurrent subscriber connections.
//
// Subscriber channels follow the same drop-on-full backpressure and
// per-subscriber-channel shape as a one-flat-event-type pub/sub bus, just
// widened to the three-plus-heartbeat taxonomy these SSE connections carry.
package sse

import (
	"sync"

	"github.com/opencode-ai/agentcore/internal/extension"
	"github.com/opencode-ai/agentcore/internal/logging"
	"github.com/opencode-ai/agentcore/internal/scheduler"
	"github.com/opencode-ai/agentcore/internal/uibridge"
)

// EventName is one of the closed set of SSE event names this plane supports.
type EventName string

const (
	EventAgentEvent     EventName = "agent_event"
	EventUIRequest      EventName = "extension_ui_request"
	EventExtensionError EventName = "extension_error"
	EventHeartbeat      EventName = "heartbeat"
)

// ExtensionErrorData is the payload of an extension_error message.
type ExtensionErrorData struct {
	Handler string `json:"handler"`
	Event   string `json:"event"`
	Error   string `json:"error"`
}

// Message is one fanned-out item; the HTTP/stdio transport renders it as
// `event: <Event>\ndata: <json(Data)>\n\n`.
type Message struct {
	Event EventName
	Data  any
}

// subscriberBuffer bounds how far a slow subscriber may lag; while its
// channel is full, newly published events are dropped for it.
const subscriberBuffer = 64

// Hub fans out Messages to any number of subscribers. It never blocks on a
// slow or dead subscriber: a full channel drops the message for that
// subscriber only, so one stuck reader never holds up broadcast to the
// others.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Message
	next int
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Message)}
}

// Subscribe registers a new subscriber and returns its id and receive
// channel. Call Unsubscribe(id) when the underlying transport closes.
func (h *Hub) Subscribe() (int, <-chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Message, subscriberBuffer)
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish fans msg out to every current subscriber.
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			logging.Warn().Int("subscriber", id).Str("event", string(msg.Event)).
				Msg("sse: dropping event for slow subscriber")
		}
	}
}

// Emit implements scheduler.Emitter: every scheduler-originated lifecycle,
// message-delta, or tool update becomes one agent_event message.
func (h *Hub) Emit(evt scheduler.AgentEvent) {
	h.Publish(Message{Event: EventAgentEvent, Data: evt})
}

// EmitUIRequest implements uibridge.Emitter.
func (h *Hub) EmitUIRequest(req uibridge.Request) {
	h.Publish(Message{Event: EventUIRequest, Data: req})
}

// OnHandlerError matches extension.Bus.OnHandlerError's signature so a Hub
// can be wired directly as a bus's error sink.
func (h *Hub) OnHandlerError(handlerName string, kind extension.Kind, err error) {
	h.Publish(Message{Event: EventExtensionError, Data: ExtensionErrorData{
		Handler: handlerName,
		Event:   string(kind),
		Error:   err.Error(),
	}})
}
