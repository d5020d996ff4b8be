package formatter

import (
	"context"
	"fmt"

	"github.com/opencode-ai/agentcore/internal/extension"
	"github.com/opencode-ai/agentcore/internal/logging"
)

// formattedTools are the built-in tool names that write file content and
// should trigger a formatting pass when they succeed.
var formattedTools = map[string]bool{
	"write": true,
	"edit":  true,
}

// Handler adapts a Manager into an extension.Handler so the turn
// scheduler's ordinary tool_result dispatch, with its chained-transform
// merge rule, drives formatting: no separate hook point is needed, the
// formatter just sees every tool result like any other extension would.
type Handler struct {
	manager *Manager
}

// NewHandler wraps a Manager for registration on an extension.Bus.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

func (h *Handler) Name() string { return "formatter" }

// Handle runs the configured formatter for write/edit results whose
// Details carry a "file" key, then folds the outcome into the result's
// Details so it is visible to the LLM and any later handler in the chain.
func (h *Handler) Handle(ctx context.Context, evt *extension.Event) (*extension.Decision, error) {
	if evt.Kind != extension.KindToolResult || evt.ToolResult == nil {
		return nil, nil
	}
	result := evt.ToolResult
	if result.IsError || !formattedTools[result.ToolName] {
		return nil, nil
	}

	meta, ok := result.Details.(map[string]any)
	if !ok {
		return nil, nil
	}
	path, ok := meta["file"].(string)
	if !ok || path == "" {
		return nil, nil
	}

	formatRes, err := h.manager.Format(ctx, path)
	if err != nil {
		logging.Warn().Err(err).Str("file", path).Msg("post-edit formatting failed")
		return nil, nil
	}
	if !formatRes.Changed {
		return nil, nil
	}

	updated := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		updated[k] = v
	}
	updated["formattedBy"] = formatRes.Formatter

	next := *result
	next.Details = updated
	next.Content = fmt.Sprintf("%s\n(reformatted by %s)", result.Content, formatRes.Formatter)
	return &extension.Decision{Result: &next}, nil
}
