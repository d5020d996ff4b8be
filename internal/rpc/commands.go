package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencode-ai/agentcore/internal/agentsession"
	"github.com/opencode-ai/agentcore/internal/entrylog"
	"github.com/opencode-ai/agentcore/internal/scheduler"
)

// --- Prompting ---

type promptParams struct {
	Text     string `json:"text"`
	Behavior string `json:"behavior,omitempty"`
	// Agent selects the tool-policy profile (internal/agent) this turn
	// runs under; empty leaves the scheduler's currently active profile
	// unchanged (or unrestricted, if none has ever been set).
	Agent string `json:"agent,omitempty"`
}

func handlePrompt(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p promptParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	behavior := scheduler.StreamingBehavior(p.Behavior)
	if behavior == "" {
		behavior = sess.DefaultBehavior()
	}
	if err := sess.Scheduler.Prompt(ctx, p.Text, scheduler.PromptOptions{StreamingBehavior: behavior, Agent: p.Agent}); err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": sess.ID}, nil
}

type textParams struct {
	Text string `json:"text"`
}

func handleSteer(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p textParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	if err := sess.Scheduler.Prompt(ctx, p.Text, scheduler.PromptOptions{StreamingBehavior: scheduler.BehaviorSteer}); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleFollowUp(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p textParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	if err := sess.Scheduler.Prompt(ctx, p.Text, scheduler.PromptOptions{StreamingBehavior: scheduler.BehaviorFollowUp}); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleAbort(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	sess.Scheduler.Abort()
	return nil, nil
}

func handleNewSession(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	sess, err := d.Manager.New(ctx, d.SessionConfig)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": sess.ID}, nil
}

// --- State ---

func handleGetState(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sessionId": sess.ID,
		"state":     sess.Scheduler.State(),
		"leaf":      sess.Log.Leaf(),
	}, nil
}

func handleGetMessages(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	branch, err := sess.Log.Branch("")
	if err != nil {
		return nil, err
	}
	return entrylog.Materialize(branch), nil
}

func handleGetSessionStats(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	return sess.Scheduler.Stats(), nil
}

// --- Model ---

type setModelParams struct {
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId"`
}

func handleSetModel(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p setModelParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	if err := sess.Scheduler.SetModel(p.ProviderID, p.ModelID); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleCycleModel(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	providerID, modelID, err := sess.Scheduler.CycleModel()
	if err != nil {
		return nil, err
	}
	return map[string]any{"providerId": providerID, "modelId": modelID}, nil
}

func handleGetAvailableModels(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	return sess.Scheduler.AvailableModels(), nil
}

// --- Thinking ---

type thinkingParams struct {
	Level string `json:"level"`
}

func handleSetThinkingLevel(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p thinkingParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	sess.Scheduler.SetThinkingLevel(p.Level)
	return nil, nil
}

func handleCycleThinkingLevel(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	return map[string]string{"level": sess.Scheduler.CycleThinkingLevel()}, nil
}

// --- Queuing ---

type modeParams struct {
	Enabled bool `json:"enabled"`
}

func handleSetSteeringMode(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p modeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	sess.SetSteeringMode(p.Enabled)
	return nil, nil
}

func handleSetFollowUpMode(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p modeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	sess.SetFollowUpMode(p.Enabled)
	return nil, nil
}

// --- Compaction ---

type compactParams struct {
	Instructions string `json:"instructions,omitempty"`
}

func handleCompact(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p compactParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	entryID, err := sess.Compact.Run(ctx, sess.Log, p.Instructions)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entryId": entryID}, nil
}

func handleSetAutoCompaction(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p modeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	sess.Scheduler.SetAutoCompaction(p.Enabled)
	return nil, nil
}

// --- Retry ---

func handleSetAutoRetry(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p modeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	sess.Scheduler.SetAutoRetry(p.Enabled)
	return nil, nil
}

func handleAbortRetry(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	sess.Scheduler.AbortRetry()
	return nil, nil
}

// --- Bash ---

type bashParams struct {
	Command string `json:"command"`
}

func handleBash(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p bashParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, fmt.Errorf("rpc: bash: command is required")
	}
	return d.bash.Run(ctx, d, p.Command)
}

func handleAbortBash(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	d.bash.Abort()
	return nil, nil
}

// --- Session ---

type switchSessionParams struct {
	SessionID string `json:"sessionId"`
}

func handleSwitchSession(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p switchSessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.Manager.Switch(ctx, p.SessionID); err != nil {
		return nil, err
	}
	return nil, nil
}

type atEntryParams struct {
	AtEntryID string `json:"atEntryId"`
}

func handleFork(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p atEntryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Manager.Fork(ctx, p.AtEntryID, d.SessionConfig)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": sess.ID}, nil
}

func handleGetForkMessages(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	var p atEntryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	return agentsession.GetForkMessages(sess.Log, p.AtEntryID)
}

func handleGetLastAssistantText(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	text, err := agentsession.LastAssistantText(sess.Log)
	if err != nil {
		return nil, err
	}
	return map[string]string{"text": text}, nil
}

func handleExportHTML(ctx context.Context, d *Dispatcher, params json.RawMessage) (any, error) {
	sess, err := d.Manager.Active()
	if err != nil {
		return nil, err
	}
	branch, err := sess.Log.Branch("")
	if err != nil {
		return nil, err
	}
	html, err := renderHTML(sess.ID, entrylog.Materialize(branch))
	if err != nil {
		return nil, err
	}
	return map[string]string{"html": html}, nil
}

