// Package uibridge implements the Extension UI Bridge: a
// bidirectional channel between extension handlers running inside the
// scheduler's session task and whatever host UI is attached over the SSE/
// RPC planes.
//
// Widens a one-correlation-id/one-pending-channel/one-resolution-path
// approve-or-reject round trip into arbitrary dialog methods plus
// fire-and-forget notifications, keeping the same ulid-correlation-id +
// pending-map shape.
package uibridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Method identifies the UI primitive an extension handler is invoking.
type Method string

const (
	MethodSelect        Method = "select"
	MethodConfirm       Method = "confirm"
	MethodInput         Method = "input"
	MethodEditor        Method = "editor"
	MethodNotify        Method = "notify"
	MethodStatus        Method = "status"
	MethodWidget        Method = "widget"
	MethodTitle         Method = "title"
	MethodSetEditorText Method = "setEditorText"
)

// dialogMethods round-trip and register a pending entry; the rest are
// fire-and-forget.
var dialogMethods = map[Method]bool{
	MethodSelect:  true,
	MethodConfirm: true,
	MethodInput:   true,
	MethodEditor:  true,
}

// Request is emitted as an extension_ui_request event .
type Request struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Method    Method `json:"method"`
	Payload   any    `json:"payload,omitempty"`
}

// Emitter publishes an extension_ui_request; the SSE plane implements this.
type Emitter interface {
	EmitUIRequest(req Request)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(req Request)

func (f EmitterFunc) EmitUIRequest(req Request) { f(req) }

// ErrShutdown is returned to every pending round-trip when the session
// bridge is shut down (the step 4, "session shutdown → rejects all
// pending with a shutdown error").
var ErrShutdown = fmt.Errorf("uibridge: session shut down")

// Bridge tracks pending dialog round-trips for one session.
type Bridge struct {
	sessionID string
	emitter   Emitter

	mu       sync.Mutex
	pending  map[string]chan any
	shutdown bool
}

// New creates a Bridge for one session.
func New(sessionID string, emitter Emitter) *Bridge {
	return &Bridge{sessionID: sessionID, emitter: emitter, pending: make(map[string]chan any)}
}

// Dialog performs a round-trip UI request: select/confirm/input/editor.
// defaultValue is returned if ctx is cancelled or timeout elapses before a
// response arrives (the step 4's timeout/abort branches, which are
// specified to behave identically).
func (b *Bridge) Dialog(ctx context.Context, method Method, payload any, timeout time.Duration, defaultValue any) (any, error) {
	if !dialogMethods[method] {
		return nil, fmt.Errorf("uibridge: %q is not a round-trip method", method)
	}

	id := ulid.Make().String()
	ch := make(chan any, 1)

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil, ErrShutdown
	}
	b.pending[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	b.emitter.EmitUIRequest(Request{ID: id, SessionID: b.sessionID, Method: method, Payload: payload})

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case v := <-ch:
		if v == shutdownSentinel {
			return nil, ErrShutdown
		}
		return v, nil
	case <-timeoutCh:
		return defaultValue, nil
	case <-ctx.Done():
		return defaultValue, nil
	}
}

// Notify emits a fire-and-forget notify/status/widget/title/setEditorText
// request with no correlation expectation.
func (b *Bridge) Notify(method Method, payload any) {
	if dialogMethods[method] {
		return
	}
	b.emitter.EmitUIRequest(Request{SessionID: b.sessionID, Method: method, Payload: payload})
}

// shutdownSentinel is delivered to every pending channel on Shutdown so
// Dialog can distinguish "host resolved it" from "session tore down".
var shutdownSentinel = struct{}{}

// Resolve delivers a host response for a pending correlation id, e.g. from
// an extension_ui_response command or message. A response for an unknown
// or already-resolved id is silently dropped — the HTTP handler still
// returns 200 for that case, which is the caller's responsibility, not
// this method's.
func (b *Bridge) Resolve(id string, value any) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- value:
	default:
	}
}

// Shutdown rejects every pending round-trip with ErrShutdown and marks the
// bridge closed; subsequent Dialog calls fail immediately.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.shutdown = true
	pending := b.pending
	b.pending = make(map[string]chan any)
	b.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- shutdownSentinel:
		default:
		}
	}
}
