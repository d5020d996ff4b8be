package tool

import (
	"context"
	"encoding/json"
	"time"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/opencode-ai/agentcore/internal/clienttool"
)

// DefaultClientToolTimeout bounds how long a client-executed tool call waits
// for the host to submit a result before the call fails.
const DefaultClientToolTimeout = 5 * time.Minute

// ClientTool adapts an extension-contributed, client-executed tool
// (registered via internal/clienttool) into the Tool interface so the
// registry and scheduler can dispatch it like any built-in. Its Execute
// round-trips through the host instead of running locally.
type ClientTool struct {
	def      clienttool.ToolDefinition
	clientID string
	registry *clienttool.Registry
	timeout  time.Duration
}

// NewClientTool wraps a client-registered tool definition.
func NewClientTool(registry *clienttool.Registry, clientID string, def clienttool.ToolDefinition) *ClientTool {
	return &ClientTool{
		def:      def,
		clientID: clientID,
		registry: registry,
		timeout:  DefaultClientToolTimeout,
	}
}

func (t *ClientTool) ID() string          { return t.def.ID }
func (t *ClientTool) Description() string { return t.def.Description }

func (t *ClientTool) Parameters() json.RawMessage {
	raw, err := json.Marshal(t.def.Parameters)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}

// Execute forwards the call to the owning client via the clienttool
// registry and blocks until the client submits a result, the context is
// cancelled, or the timeout elapses.
func (t *ClientTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, err
		}
	}

	req := clienttool.ExecutionRequest{
		RequestID: toolCtx.CallID,
		SessionID: toolCtx.SessionID,
		MessageID: toolCtx.MessageID,
		CallID:    toolCtx.CallID,
		Tool:      t.def.ID,
		Input:     args,
	}

	res, err := t.registry.Execute(ctx, t.clientID, req, t.timeout)
	if err != nil {
		return &Result{Error: err, Output: err.Error()}, nil
	}

	return &Result{
		Title:    res.Title,
		Output:   res.Output,
		Metadata: res.Metadata,
	}, nil
}

// EinoTool returns an Eino-compatible wrapper around the client tool.
func (t *ClientTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
