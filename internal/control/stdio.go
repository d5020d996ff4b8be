package control

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/opencode-ai/agentcore/internal/agentsession"
	"github.com/opencode-ai/agentcore/internal/clienttool"
	"github.com/opencode-ai/agentcore/internal/logging"
	"github.com/opencode-ai/agentcore/internal/rpc"
	"github.com/opencode-ai/agentcore/internal/sse"
)

// stdioEnvelope is the line-delimited JSON shape both directions of the
// stdio transport use. Exactly one of the payload fields
// is set per line, discriminated by Kind.
type stdioEnvelope struct {
	Kind string `json:"kind"`

	// Kind == "command": a request line on stdin.
	Command *rpc.Command `json:"command,omitempty"`

	// Kind == "ui_response": resolves a pending uibridge round-trip.
	UIResponse *uiResponseBody `json:"uiResponse,omitempty"`

	// Kind == "client_tool_result": resolves a pending client-executed
	// tool call.
	ClientToolResult *clientToolResultBody `json:"clientToolResult,omitempty"`

	// Kind == "response": a Command's result, written to stdout.
	Response *rpc.Response `json:"response,omitempty"`

	// Kind == "event": one sse.Message, written to stdout.
	Event *sse.EventName `json:"event,omitempty"`
	Data  any            `json:"data,omitempty"`
}

// StdioServer runs the RPC Command Plane and SSE Event Plane over stdin/
// stdout for hosts that embed this process rather than speaking HTTP:
// every line on stdin is a Command, a UI response or a client tool result, and
// every line written to stdout is either that Command's Response or an
// asynchronous session event, so a single reader on the other end can
// multiplex both without a second connection.
//
// Narrowed from one HTTP connection per concern down to the single
// multiplexed stream stdio requires.
type StdioServer struct {
	Dispatcher  *rpc.Dispatcher
	Hub         *sse.Hub
	Manager     *agentsession.Manager
	ClientTools *clienttool.Registry

	out    io.Writer
	outMu  sync.Mutex
	encOut *json.Encoder
}

// NewStdioServer wires a stdio transport to the same dispatcher/hub/
// manager the HTTP Server uses.
func NewStdioServer(dispatcher *rpc.Dispatcher, hub *sse.Hub, mgr *agentsession.Manager, clientTools *clienttool.Registry, out io.Writer) *StdioServer {
	s := &StdioServer{Dispatcher: dispatcher, Hub: hub, Manager: mgr, ClientTools: clientTools, out: out}
	s.encOut = json.NewEncoder(out)
	return s
}

// Serve reads envelopes from in until it is closed or ctx is done,
// dispatching commands as they arrive, while concurrently draining the
// Hub and writing every event out as its own envelope. Serve returns
// when either the reader or the event-pump goroutine stops.
func (s *StdioServer) Serve(ctx context.Context, in io.Reader) error {
	id, ch := s.Hub.Subscribe()
	defer s.Hub.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event := msg.Event
				if err := s.writeLine(stdioEnvelope{Kind: "event", Event: &event, Data: msg.Data}); err != nil {
					logging.Warn().Err(err).Msg("control: stdio event write failed")
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestBody)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env stdioEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			logging.Warn().Err(err).Msg("control: stdio malformed line")
			continue
		}
		s.handleLine(ctx, env)
	}

	<-done
	return scanner.Err()
}

func (s *StdioServer) handleLine(ctx context.Context, env stdioEnvelope) {
	switch env.Kind {
	case "command":
		if env.Command == nil {
			return
		}
		resp := s.Dispatcher.Dispatch(ctx, *env.Command)
		if err := s.writeLine(stdioEnvelope{Kind: "response", Response: &resp}); err != nil {
			logging.Warn().Err(err).Msg("control: stdio response write failed")
		}
	case "ui_response":
		if env.UIResponse == nil {
			return
		}
		if sess, err := s.Manager.Get(env.UIResponse.SessionID); err == nil {
			sess.Bridge.Resolve(env.UIResponse.ID, env.UIResponse.Value)
		}
	case "client_tool_result":
		if env.ClientToolResult == nil || s.ClientTools == nil {
			return
		}
		r := env.ClientToolResult
		s.ClientTools.SubmitResult(r.RequestID, clienttool.ToolResponse{
			Status: r.Status, Title: r.Title, Output: r.Output, Metadata: r.Metadata, Error: r.Error,
		})
	default:
		logging.Warn().Str("kind", env.Kind).Msg("control: stdio unknown envelope kind")
	}
}

func (s *StdioServer) writeLine(env stdioEnvelope) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.encOut.Encode(env)
}
