// Package rpc implements the RPC Command Plane: a closed set
// of typed commands dispatched against the active agentsession.Session,
// reachable over the stdio and HTTP transports in internal/control and
// cmd/agentcore.
//
// This is a dispatch table over a fixed, code-defined command set rather
// than a name->template lookup for user-authored slash commands, but
// keeps the same "unknown name gets a did-you-mean hint" ergonomics via
// levenshtein distance.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/opencode-ai/agentcore/internal/agentsession"
)

// Command is one request on the RPC Command Plane.
type Command struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the result of dispatching one Command. Type is always
// "response"; Command echoes the Command's Type so a caller matching
// responses by ID alone can still tell which command produced one.
type Response struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is a structured RPC failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Timeout bounds every command's execution. The HTTP layer applies the
// same 5 minute value as its request timeout; the per-command bound keeps
// one slow handler from starving the dispatcher under concurrent stdio use.
const Timeout = 5 * time.Minute

type handlerFunc func(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error)

// Dispatcher routes Commands to their handler, backed by one
// agentsession.Manager and the bash-execution state the Bash category
// commands need.
type Dispatcher struct {
	Manager *agentsession.Manager
	// SessionConfig is reused by new_session/fork to build the next
	// session with the same provider/tool/hub wiring as every other
	// session in this process.
	SessionConfig agentsession.Config
	WorkDir       string

	bash *bashRunner
}

// NewDispatcher creates a Dispatcher over mgr.
func NewDispatcher(mgr *agentsession.Manager, sessionConfig agentsession.Config, workDir string) *Dispatcher {
	return &Dispatcher{Manager: mgr, SessionConfig: sessionConfig, WorkDir: workDir, bash: newBashRunner()}
}

var registry = map[string]handlerFunc{
	"prompt":      handlePrompt,
	"steer":       handleSteer,
	"follow_up":   handleFollowUp,
	"abort":       handleAbort,
	"new_session": handleNewSession,

	"get_state":         handleGetState,
	"get_messages":      handleGetMessages,
	"get_session_stats": handleGetSessionStats,

	"set_model":            handleSetModel,
	"cycle_model":          handleCycleModel,
	"get_available_models": handleGetAvailableModels,

	"set_thinking_level":   handleSetThinkingLevel,
	"cycle_thinking_level": handleCycleThinkingLevel,

	"set_steering_mode":  handleSetSteeringMode,
	"set_follow_up_mode": handleSetFollowUpMode,

	"compact":             handleCompact,
	"set_auto_compaction": handleSetAutoCompaction,

	"set_auto_retry": handleSetAutoRetry,
	"abort_retry":    handleAbortRetry,

	"bash":       handleBash,
	"abort_bash": handleAbortBash,

	"switch_session":          handleSwitchSession,
	"fork":                    handleFork,
	"get_fork_messages":       handleGetForkMessages,
	"get_last_assistant_text": handleGetLastAssistantText,
	"export_html":             handleExportHTML,
}

// Dispatch runs cmd against d, returning a Response with either Data or
// Error populated. It never panics: a handler panic is recovered and
// surfaced as an internal_error, matching the Extension Bus's own
// never-abort-on-panic posture (internal/extension.Bus.invoke).
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) Response {
	h, ok := registry[cmd.Type]
	if !ok {
		return Response{ID: cmd.ID, Type: "response", Command: cmd.Type,
			Error: &Error{Code: "unknown_command", Message: unknownCommandMessage(cmd.Type)}}
	}

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	result, err := d.invoke(ctx, h, cmd.Params)
	if err != nil {
		return Response{ID: cmd.ID, Type: "response", Command: cmd.Type,
			Error: &Error{Code: "command_failed", Message: err.Error()}}
	}
	return Response{ID: cmd.ID, Type: "response", Command: cmd.Type, Success: true, Data: result}
}

func (d *Dispatcher) invoke(ctx context.Context, h handlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc: handler panic: %v", r)
		}
	}()
	return h(ctx, d, params)
}

// unknownCommandMessage names the closest known command type by
// levenshtein distance, the "did you mean" ergonomics for a
// mistyped command.
func unknownCommandMessage(got string) string {
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)

	best, bestDist := "", -1
	for _, t := range types {
		dist := levenshtein.ComputeDistance(got, t)
		if bestDist == -1 || dist < bestDist {
			best, bestDist = t, dist
		}
	}
	if best != "" && bestDist <= 4 {
		return fmt.Sprintf("unknown command %q, did you mean %q?", got, best)
	}
	return fmt.Sprintf("unknown command %q", got)
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("rpc: decode params: %w", err)
	}
	return nil
}
