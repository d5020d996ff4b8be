package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/agentcore/internal/entrylog"
	"github.com/opencode-ai/agentcore/internal/extension"
	"github.com/opencode-ai/agentcore/internal/provider"
	"github.com/opencode-ai/agentcore/internal/tool"
)

// runOneTurn materializes the branch, streams one completion, executes any
// tool calls, and loops internally until the assistant message produces
// no further tool calls (or the turn is aborted).
func (s *Scheduler) runOneTurn(ctx context.Context, systemPrompt string) error {
	s.cfg.Emitter.Emit(AgentEvent{Kind: EventTurnStart, SessionID: s.cfg.SessionID})

	providerID, _ := s.Model()
	prov, err := s.cfg.Providers.Get(providerID)
	if err != nil {
		return fmt.Errorf("scheduler: resolve provider: %w", err)
	}

	retryBackoff := newRetryBackoff(ctx)
	retryAttempt := 0
	doomLoopCounts := map[string]int{}

	for {
		s.setState(StatePreparing)

		branch, err := s.cfg.Log.Branch("")
		if err != nil {
			return fmt.Errorf("scheduler: materialize branch: %w", err)
		}
		materialized := entrylog.Materialize(branch)

		ctxMessages := make([]extension.ContextMessage, len(materialized))
		for i, m := range materialized {
			ctxMessages[i] = extension.ContextMessage{Role: string(m.Role), Content: m.Content}
		}
		ctxDec := s.cfg.Bus.Dispatch(ctx, &extension.Event{
			Kind:    extension.KindContext,
			Context: &extension.ContextPayload{SessionID: s.cfg.SessionID, Messages: ctxMessages},
		})
		if ctxDec.HasReplacement {
			ctxMessages = ctxDec.ReplacementMessages
		}

		einoMessages := make([]*schema.Message, 0, len(ctxMessages)+1)
		einoMessages = append(einoMessages, &schema.Message{Role: schema.System, Content: systemPrompt})
		for i, m := range ctxMessages {
			einoMessages = append(einoMessages, toEinoMessage(m, materialized, i))
		}

		toolInfos, err := s.cfg.Tools.ToolInfos()
		if err != nil {
			return fmt.Errorf("scheduler: tool infos: %w", err)
		}

		_, modelID := s.Model()
		req := &provider.CompletionRequest{
			Model:     modelID,
			Messages:  einoMessages,
			Tools:     toolInfos,
			MaxTokens: s.cfg.MaxTokens,
		}

		s.setState(StateStreaming)
		stream, err := prov.CreateCompletion(ctx, req)
		if err != nil {
			retry, stop := s.classifyAndMaybeWait(ctx, prov, err, retryBackoff, &retryAttempt)
			if stop {
				return s.handleTurnError(ctx, err, retry)
			}
			continue
		}

		assistantEntryID, toolCalls, streamErr := s.consumeStream(ctx, stream)
		stream.Close()

		if streamErr != nil {
			retry, stop := s.classifyAndMaybeWait(ctx, prov, streamErr, retryBackoff, &retryAttempt)
			if stop {
				return s.handleTurnError(ctx, streamErr, retry)
			}
			continue
		}
		retryBackoff = newRetryBackoff(ctx)
		retryAttempt = 0

		if len(toolCalls) == 0 {
			s.cfg.Emitter.Emit(AgentEvent{Kind: EventTurnEnd, SessionID: s.cfg.SessionID})
			s.maybeThresholdCompact(ctx)
			return nil
		}

		s.setState(StateToolExecuting)
		anyResult, err := s.executeToolCalls(ctx, assistantEntryID, toolCalls, doomLoopCounts)
		if err != nil {
			return err
		}
		if !anyResult {
			s.cfg.Emitter.Emit(AgentEvent{Kind: EventTurnEnd, SessionID: s.cfg.SessionID})
			s.maybeThresholdCompact(ctx)
			return nil
		}
		// Loop back to step 4: continue the turn with the new tool results.
	}
}

// classifyAndMaybeWait classifies err via the provider and, for transient
// errors, sleeps the next backoff interval in place. Returns stop=true when
// the caller should give up retrying (non-transient, or backoff exhausted).
// attempt counts the retries of the current stream and is reported on the
// retry event.
func (s *Scheduler) classifyAndMaybeWait(ctx context.Context, prov provider.Provider, err error, b backoff.BackOff, attempt *int) (class provider.ErrorClass, stop bool) {
	class = prov.ClassifyError(err)
	if class == provider.ErrorOverflow {
		s.setState(StateOverflowCompact)
		if s.cfg.Compact != nil {
			if _, cerr := s.cfg.Compact(ctx, s.cfg.Log, ""); cerr != nil {
				s.logError("scheduler: overflow compaction failed", cerr)
				return class, true
			}
			return class, false
		}
		return class, true
	}
	if class != provider.ErrorTransient || !s.AutoRetryEnabled() {
		return class, true
	}

	s.mu.Lock()
	aborted := s.retryAborted
	s.mu.Unlock()
	if aborted {
		return class, true
	}

	next := b.NextBackOff()
	if next == backoff.Stop {
		return class, true
	}
	*attempt++
	s.cfg.Emitter.Emit(AgentEvent{Kind: EventRetry, SessionID: s.cfg.SessionID, Attempt: *attempt, Error: err.Error()})
	select {
	case <-time.After(next):
		return class, false
	case <-ctx.Done():
		return class, true
	}
}

func (s *Scheduler) handleTurnError(ctx context.Context, err error, class provider.ErrorClass) error {
	s.cfg.Emitter.Emit(AgentEvent{Kind: EventTurnEnd, SessionID: s.cfg.SessionID, Error: err.Error()})
	return err
}

// consumeStream reads the LLM stream to completion, appending the assistant
// message entry and emitting delta events as it goes. Returns the finalized
// tool calls (if any) for execution.
func (s *Scheduler) consumeStream(ctx context.Context, stream *provider.CompletionStream) (entryID string, toolCalls []entrylog.ToolCall, err error) {
	var content, reasoning string
	type pendingCall struct {
		name string
		args string
	}
	pending := map[string]*pendingCall{}
	var order []string

	// persistPartial records the text streamed so far when the turn is
	// cancelled mid-stream, so an abort or steer keeps the partial message.
	persistPartial := func() (string, []entrylog.ToolCall, error) {
		if content != "" || reasoning != "" {
			_, _ = s.cfg.Log.Append(&entrylog.Entry{ParentID: s.cfg.Log.Leaf(), Kind: entrylog.KindMessage,
				Message: &entrylog.Message{Role: entrylog.RoleAssistant, Content: content, Reasoning: reasoning}})
		}
		return "", nil, ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return persistPartial()
		default:
		}

		msg, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			if ctx.Err() != nil {
				return persistPartial()
			}
			return "", nil, recvErr
		}

		if msg.Content != "" && len(msg.Content) > len(content) {
			delta := msg.Content[len(content):]
			content = msg.Content
			s.cfg.Emitter.Emit(AgentEvent{Kind: EventMessageDelta, SessionID: s.cfg.SessionID, Text: delta})
		}
		if msg.ReasoningContent != "" && len(msg.ReasoningContent) > len(reasoning) {
			delta := msg.ReasoningContent[len(reasoning):]
			reasoning = msg.ReasoningContent
			s.cfg.Emitter.Emit(AgentEvent{Kind: EventReasoningDelta, SessionID: s.cfg.SessionID, Text: delta})
		}
		for _, tc := range msg.ToolCalls {
			pc, ok := pending[tc.ID]
			if !ok {
				pc = &pendingCall{name: tc.Function.Name}
				pending[tc.ID] = pc
				order = append(order, tc.ID)
				s.cfg.Emitter.Emit(AgentEvent{Kind: EventToolCallStart, SessionID: s.cfg.SessionID,
					ToolCallID: tc.ID, ToolName: tc.Function.Name})
			}
			if tc.Function.Arguments != "" {
				pc.args = tc.Function.Arguments
				s.cfg.Emitter.Emit(AgentEvent{Kind: EventToolCallDelta, SessionID: s.cfg.SessionID, ToolCallID: tc.ID})
			}
		}
		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			s.cfg.Emitter.Emit(AgentEvent{Kind: EventUsage, SessionID: s.cfg.SessionID,
				UsageInputTokens:  msg.ResponseMeta.Usage.PromptTokens,
				UsageOutputTokens: msg.ResponseMeta.Usage.CompletionTokens,
			})
		}
	}

	for _, id := range order {
		pc := pending[id]
		toolCalls = append(toolCalls, entrylog.ToolCall{ID: id, Name: pc.name, Input: json.RawMessage(orEmptyObject(pc.args))})
	}

	parent := s.cfg.Log.Leaf()
	entryID, err = s.cfg.Log.Append(&entrylog.Entry{
		ParentID: parent,
		Kind:     entrylog.KindMessage,
		Message: &entrylog.Message{
			Role:      entrylog.RoleAssistant,
			Content:   content,
			Reasoning: reasoning,
			ToolCalls: toolCalls,
		},
	})
	return entryID, toolCalls, err
}

func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

// toEinoMessage converts one materialized/extension-replaced context message
// back to Eino's schema, recovering tool-call/tool-result shape from the
// original materialized entry at the same index when available.
func toEinoMessage(m extension.ContextMessage, materialized []entrylog.MaterializedMessage, idx int) *schema.Message {
	role := schema.Assistant
	switch entrylog.Role(m.Role) {
	case entrylog.RoleUser:
		role = schema.User
	case entrylog.RoleSystem:
		role = schema.System
	case entrylog.RoleToolResult:
		role = schema.Tool
	}

	out := &schema.Message{Role: role, Content: m.Content}
	if idx < len(materialized) {
		orig := materialized[idx]
		if orig.Role == entrylog.RoleAssistant && len(orig.ToolCalls) > 0 {
			for _, tc := range orig.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, schema.ToolCall{
					ID: tc.ID,
					Function: schema.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
		}
		if orig.Role == entrylog.RoleToolResult {
			out.ToolCallID = orig.ToolCallID
		}
	}
	return out
}

// executeToolCalls runs each finalized tool call sequentially, never
// concurrently within a turn, dispatching tool_call/tool_result through
// the Extension Bus and appending one toolResult entry per call. Returns
// anyResult=false only if every call was somehow already satisfied,
// which is not expected when toolCalls is non-empty.
func (s *Scheduler) executeToolCalls(ctx context.Context, assistantEntryID string, calls []entrylog.ToolCall, doomLoopCounts map[string]int) (bool, error) {
	any := false
	for _, call := range calls {
		select {
		case <-ctx.Done():
			return any, s.recordCancelledToolResult(call)
		default:
		}

		toolCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.toolCancel = cancel
		s.mu.Unlock()

		result, err := s.executeOneTool(toolCtx, call, doomLoopCounts)
		cancel()
		s.mu.Lock()
		s.toolCancel = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return any, s.recordCancelledToolResult(call)
		}

		any = true
		_ = err // errors are surfaced as isError toolResult content, not returned
		parent := s.cfg.Log.Leaf()
		if _, appendErr := s.cfg.Log.Append(&entrylog.Entry{
			ParentID: parent,
			Kind:     entrylog.KindMessage,
			Message:  result,
		}); appendErr != nil {
			return any, fmt.Errorf("scheduler: append tool result: %w", appendErr)
		}
		s.cfg.Emitter.Emit(AgentEvent{Kind: EventToolResult, SessionID: s.cfg.SessionID,
			ToolCallID: call.ID, ToolName: call.Name, ToolOutput: result.Content, IsError: result.IsError})
	}
	return any, nil
}

func (s *Scheduler) recordCancelledToolResult(call entrylog.ToolCall) error {
	parent := s.cfg.Log.Leaf()
	_, err := s.cfg.Log.Append(&entrylog.Entry{
		ParentID: parent,
		Kind:     entrylog.KindMessage,
		Message: &entrylog.Message{
			Role:       entrylog.RoleToolResult,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Content:    "cancelled",
			IsError:    true,
			Cancelled:  true,
		},
	})
	return err
}

// executeOneTool runs tool_call/tool_result extension-bus dispatch around
// a single tool invocation, plus doom-loop detection for a tool call that
// repeats with identical input too many times in a row.
func (s *Scheduler) executeOneTool(ctx context.Context, call entrylog.ToolCall, doomLoopCounts map[string]int) (*entrylog.Message, error) {
	var input map[string]any
	_ = json.Unmarshal(call.Input, &input)

	if s.cfg.DoomLoopThreshold > 0 {
		key := doomLoopKey(call.Name, call.Input)
		if doomLoopCounts[key] == 0 {
			// A different call ends the previous run of identical calls.
			for k := range doomLoopCounts {
				delete(doomLoopCounts, k)
			}
		}
		doomLoopCounts[key]++
		if doomLoopCounts[key] == s.cfg.DoomLoopThreshold {
			s.cfg.Bus.Dispatch(ctx, &extension.Event{
				Kind: extension.KindDoomLoop,
				DoomLoop: &extension.DoomLoopPayload{
					SessionID: s.cfg.SessionID, ToolName: call.Name, Input: input, Count: doomLoopCounts[key],
				},
			})
			s.cfg.Emitter.Emit(AgentEvent{Kind: EventDoomLoop, SessionID: s.cfg.SessionID, ToolName: call.Name})
		}
	}

	callDec := s.cfg.Bus.Dispatch(ctx, &extension.Event{
		Kind: extension.KindToolCall,
		ToolCall: &extension.ToolCallPayload{
			SessionID: s.cfg.SessionID, CallID: call.ID, ToolName: call.Name, Input: input,
		},
	})
	if callDec.Block {
		result := &extension.ToolResultPayload{SessionID: s.cfg.SessionID, CallID: call.ID, ToolName: call.Name,
			Content: fmt.Sprintf("blocked: %s", callDec.Reason), IsError: true}
		return s.finalizeToolResult(ctx, call, result)
	}

	t, ok := s.cfg.Tools.Get(call.Name)
	if !ok {
		result := &extension.ToolResultPayload{SessionID: s.cfg.SessionID, CallID: call.ID, ToolName: call.Name,
			Content: fmt.Sprintf("unknown tool: %s", call.Name), IsError: true}
		return s.finalizeToolResult(ctx, call, result)
	}

	activeAgent := s.currentAgent()
	if activeAgent != "" && s.cfg.Agents != nil {
		if prof, err := s.cfg.Agents.Get(activeAgent); err == nil && !prof.ToolEnabled(call.Name) {
			result := &extension.ToolResultPayload{SessionID: s.cfg.SessionID, CallID: call.ID, ToolName: call.Name,
				Content: fmt.Sprintf("tool %q disabled for agent %q", call.Name, activeAgent), IsError: true}
			return s.finalizeToolResult(ctx, call, result)
		}
	}

	toolCtx := &tool.Context{SessionID: s.cfg.SessionID, CallID: call.ID, Agent: activeAgent, AbortCh: ctx.Done()}
	res, execErr := t.Execute(ctx, call.Input, toolCtx)

	var result *extension.ToolResultPayload
	if execErr != nil {
		result = &extension.ToolResultPayload{SessionID: s.cfg.SessionID, CallID: call.ID, ToolName: call.Name,
			Content: execErr.Error(), IsError: true}
	} else {
		content, _, _ := tool.TruncateContent(res.Output)
		result = &extension.ToolResultPayload{SessionID: s.cfg.SessionID, CallID: call.ID, ToolName: call.Name,
			Content: content, Details: res.Metadata}
	}
	return s.finalizeToolResult(ctx, call, result)
}

func (s *Scheduler) finalizeToolResult(ctx context.Context, call entrylog.ToolCall, result *extension.ToolResultPayload) (*entrylog.Message, error) {
	dec := s.cfg.Bus.Dispatch(ctx, &extension.Event{Kind: extension.KindToolResult, ToolResult: result})
	if dec.Result != nil {
		result = dec.Result
	}

	var details json.RawMessage
	if result.Details != nil {
		details, _ = json.Marshal(result.Details)
	}

	return &entrylog.Message{
		Role:       entrylog.RoleToolResult,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Content:    result.Content,
		IsError:    result.IsError,
		Details:    details,
	}, nil
}

func doomLoopKey(name string, input json.RawMessage) string {
	h := sha256.Sum256(append([]byte(name+"\x00"), input...))
	return hex.EncodeToString(h[:])
}

// maybeThresholdCompact runs compaction at turn end when the active
// branch's estimated tokens exceed contextWindow-reserveTokens. It does
// not block the caller's return in the sense of holding a network
// response open, but it does run to completion — including appending the
// compaction entry — before the scheduler considers draining a queued
// follow-up turn, so it is called synchronously here rather than fired
// off in a goroutine.
func (s *Scheduler) maybeThresholdCompact(ctx context.Context) {
	if !s.AutoCompactionEnabled() || s.cfg.Compact == nil {
		return
	}
	branch, err := s.cfg.Log.Branch("")
	if err != nil {
		return
	}
	used := estimateTokens(entrylog.Materialize(branch))
	if used <= s.cfg.ContextWindow-s.cfg.ReserveTokens {
		return
	}
	if _, err := s.cfg.Compact(ctx, s.cfg.Log, ""); err != nil {
		s.logError("scheduler: threshold compaction failed", err)
	}
}

// estimateTokens is a rough chars/4 estimate; a real tokenizer is a
// provider-specific concern the scheduler deliberately stays agnostic to.
func estimateTokens(msgs []entrylog.MaterializedMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content) / 4
	}
	return total
}
