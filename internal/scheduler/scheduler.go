// Package scheduler implements the Agent Turn Scheduler: a long-lived,
// single-threaded cooperative state machine per session that drives the
// prompt/stream/tool-execute loop, steer and follow-up queues, retry with
// backoff, and auto-compaction.
//
// Widens a flat one-turn-at-a-time mutex-guarded loop with no steer/
// follow-up distinction into the five-state machine and queue semantics
// below, while keeping the same retry backoff constants and stream
// processing shape.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencode-ai/agentcore/internal/agent"
	"github.com/opencode-ai/agentcore/internal/entrylog"
	"github.com/opencode-ai/agentcore/internal/extension"
	"github.com/opencode-ai/agentcore/internal/logging"
	"github.com/opencode-ai/agentcore/internal/permission"
	"github.com/opencode-ai/agentcore/internal/provider"
	"github.com/opencode-ai/agentcore/internal/tool"
)

// State is one of the scheduler's five cooperative states.
type State string

const (
	StateIdle            State = "idle"
	StatePreparing       State = "preparing"
	StateStreaming       State = "streaming"
	StateToolExecuting   State = "tool_executing"
	StateOverflowCompact State = "overflow_compact"
)

// StreamingBehavior selects how a prompt submitted while the scheduler is
// not Idle is handled.
type StreamingBehavior string

const (
	BehaviorSteer    StreamingBehavior = "steer"
	BehaviorFollowUp StreamingBehavior = "followUp"
	BehaviorNextTurn StreamingBehavior = "nextTurn"
)

// PromptOptions configures one prompt() call.
type PromptOptions struct {
	StreamingBehavior StreamingBehavior

	// Agent names the tool-policy profile (internal/agent) this turn runs
	// under, e.g. "build" or "plan". Empty means the turn runs with no
	// tool-policy restriction.
	Agent string
}

// Retry/backoff constants for transient provider errors.
const (
	RetryInitialInterval = time.Second
	RetryMaxInterval     = 30 * time.Second
	RetryMaxElapsedTime  = 2 * time.Minute
	RetryMaxRetries      = 3
)

// CompactionFunc runs the Compaction Engine against the log, returning the
// appended compaction entry id. Injected so internal/scheduler never
// imports internal/compaction directly (compaction in turn needs the
// scheduler's provider/registry wiring) — the session constructor wires
// both together.
type CompactionFunc func(ctx context.Context, log *entrylog.Log, userInstructions string) (entryID string, err error)

// Config bundles everything a Scheduler needs to drive one session.
type Config struct {
	SessionID string
	Log       *entrylog.Log
	Bus       *extension.Bus
	Tools     *tool.Registry
	Providers *provider.Registry
	Perms     *permission.Checker
	Emitter   Emitter
	// Agents resolves a PromptOptions.Agent name to a tool-policy profile.
	// Nil means every prompt runs unrestricted.
	Agents *agent.Registry

	ProviderID string
	ModelID    string
	MaxTokens  int
	Thinking   string // thinking level: "off", "low", "medium", "high"

	ContextWindow int // model's context window, for threshold compaction
	ReserveTokens int

	AutoCompactionEnabled bool
	AutoRetryEnabled      bool

	Compact CompactionFunc

	// DoomLoopThreshold, if > 0, fires a doom_loop notification after the
	// same (tool, input) pair repeats this many times in a row within a
	// turn within one turn.
	DoomLoopThreshold int
}

// Scheduler drives one session's agentic loop.
type Scheduler struct {
	cfg Config

	mu    sync.Mutex
	state State

	activeAgent string // set at the start of each fresh turn from PromptOptions.Agent

	steerQueue     []string
	steerRequested bool // set alongside a steer-triggered turnCancel, so the
	// aborted turn's driver can tell a steer interrupt apart from a plain
	// user abort and drain steerQueue into a fresh turn instead of idling.
	followUpQueue []string

	systemPrompt string

	turnCancel context.CancelFunc
	toolCancel context.CancelFunc

	retryAborted bool

	// Mutable runtime settings, initialized from Config but changeable at
	// any time via the RPC Command Plane's model/thinking/compaction/retry
	// commands over the RPC Command Plane. Guarded by mu alongside state.
	providerID     string
	modelID        string
	thinkingLevel  string
	autoCompaction bool
	autoRetry      bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	done       chan struct{}
}

// New creates a Scheduler sitting Idle; call Run to start its background
// task (the steer/follow-up-queue-waiting loop).
func New(cfg Config) *Scheduler {
	if cfg.Emitter == nil {
		cfg.Emitter = NopEmitter{}
	}
	if cfg.ReserveTokens == 0 {
		cfg.ReserveTokens = 4096
	}
	if cfg.ContextWindow == 0 {
		cfg.ContextWindow = 200000
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:            cfg,
		state:          StateIdle,
		providerID:     cfg.ProviderID,
		modelID:        cfg.ModelID,
		thinkingLevel:  cfg.Thinking,
		autoCompaction: cfg.AutoCompactionEnabled,
		autoRetry:      cfg.AutoRetryEnabled,
		loopCtx:        loopCtx,
		loopCancel:     loopCancel,
		done:           make(chan struct{}),
	}
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsStreaming reports whether a turn is active (any state but Idle).
func (s *Scheduler) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateIdle
}

// Shutdown cancels any in-flight turn and stops the scheduler's background
// task. Safe to call multiple times.
func (s *Scheduler) Shutdown() {
	s.loopCancel()
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Prompt routes a new prompt to the steer/follow-up queue when the
// scheduler is busy, or starts a fresh turn when Idle.
func (s *Scheduler) Prompt(ctx context.Context, text string, opts PromptOptions) error {
	s.mu.Lock()
	idle := s.state == StateIdle
	if !idle {
		switch opts.StreamingBehavior {
		case BehaviorSteer:
			s.steerQueue = append(s.steerQueue, text)
			s.steerRequested = true
			cancel := s.turnCancel
			s.mu.Unlock()
			// Signal the active stream/tool to stop after the current tool
			// finishes; the running turn observes this via toolCancel/ctx.
			if cancel != nil {
				cancel()
			}
			return nil
		case BehaviorFollowUp, BehaviorNextTurn:
			s.followUpQueue = append(s.followUpQueue, text)
			s.mu.Unlock()
			return nil
		default:
			// Unspecified while busy behaves like followUp: never drops a
			// message silently.
			s.followUpQueue = append(s.followUpQueue, text)
			s.mu.Unlock()
			return nil
		}
	}
	s.activeAgent = opts.Agent
	s.mu.Unlock()

	return s.startTurn(ctx, []string{text})
}

// currentAgent returns the tool-policy profile name the active turn is
// running under.
func (s *Scheduler) currentAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeAgent
}

// Abort cancels the active stream and tool, discards in-flight updates,
// keeps the partial assistant message, and returns to Idle without
// draining queues.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	cancel := s.turnCancel
	toolCancel := s.toolCancel
	s.mu.Unlock()
	if toolCancel != nil {
		toolCancel()
	}
	if cancel != nil {
		cancel()
	}
}

// AbortRetry marks the in-progress retry backoff as aborted; the turn
// transitions directly to Idle with the partial assistant message recorded.
func (s *Scheduler) AbortRetry() {
	s.mu.Lock()
	s.retryAborted = true
	s.mu.Unlock()
	s.Abort()
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// startTurn appends the given user messages (FIFO-concatenated into one
// batch) and runs the turn loop until the scheduler returns to Idle or
// the follow-up queue is drained.
func (s *Scheduler) startTurn(ctx context.Context, userTexts []string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.turnCancel = cancel
	s.retryAborted = false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.turnCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	s.setState(StatePreparing)

	systemPrompt := s.effectiveSystemPrompt(turnCtx)

	var injected []string
	dec := s.cfg.Bus.Dispatch(turnCtx, &extension.Event{
		Kind: extension.KindBeforeAgentStart,
		AgentStart: &extension.BeforeAgentStartPayload{
			SessionID:           s.cfg.SessionID,
			PromptText:          userTexts[0],
			CurrentSystemPrompt: systemPrompt,
		},
	})
	if dec.SystemPrompt != nil {
		systemPrompt = *dec.SystemPrompt
	}
	injected = append(injected, dec.InjectedMessages...)

	parent := s.cfg.Log.Leaf()
	for _, msg := range injected {
		id, err := s.cfg.Log.Append(&entrylog.Entry{ParentID: parent, Kind: entrylog.KindMessage,
			Message: &entrylog.Message{Role: entrylog.RoleUser, Content: msg}})
		if err != nil {
			return fmt.Errorf("scheduler: append injected message: %w", err)
		}
		parent = id
	}

	for _, text := range userTexts {
		id, err := s.cfg.Log.Append(&entrylog.Entry{ParentID: parent, Kind: entrylog.KindMessage,
			Message: &entrylog.Message{Role: entrylog.RoleUser, Content: text}})
		if err != nil {
			return fmt.Errorf("scheduler: append user message: %w", err)
		}
		parent = id
	}

	s.cfg.Emitter.Emit(AgentEvent{Kind: EventAgentStart, SessionID: s.cfg.SessionID})

	for {
		turnErr := s.runOneTurn(turnCtx, systemPrompt)

		if turnErr != nil && turnCtx.Err() != nil {
			// Turn was cancelled. A steer interrupt restarts immediately with
			// the steered message as the next turn's input; a plain user
			// Abort drops every queue and returns to Idle.
			s.mu.Lock()
			steered := s.steerRequested
			s.steerRequested = false
			steerMsgs := s.steerQueue
			s.steerQueue = nil
			s.mu.Unlock()

			if !steered || len(steerMsgs) == 0 {
				s.cfg.Emitter.Emit(AgentEvent{Kind: EventAgentEnd, SessionID: s.cfg.SessionID})
				s.setState(StateIdle)
				return nil
			}

			turnCtx, cancel = context.WithCancel(ctx)
			s.mu.Lock()
			s.turnCancel = cancel
			s.retryAborted = false
			s.mu.Unlock()

			parent = s.cfg.Log.Leaf()
			for _, text := range steerMsgs {
				id, err := s.cfg.Log.Append(&entrylog.Entry{ParentID: parent, Kind: entrylog.KindMessage,
					Message: &entrylog.Message{Role: entrylog.RoleUser, Content: text}})
				if err != nil {
					return fmt.Errorf("scheduler: append steer message: %w", err)
				}
				parent = id
			}
			continue
		}

		s.mu.Lock()
		followUps := s.followUpQueue
		s.followUpQueue = nil
		s.mu.Unlock()

		if len(followUps) == 0 {
			s.cfg.Emitter.Emit(AgentEvent{Kind: EventAgentEnd, SessionID: s.cfg.SessionID})
			s.setState(StateIdle)
			return turnErr
		}

		// Drain follow-up queue: start a new turn with the queued messages
		// concatenated in arrival order, still under agent_start/agent_end.
		parent = s.cfg.Log.Leaf()
		for _, text := range followUps {
			id, err := s.cfg.Log.Append(&entrylog.Entry{ParentID: parent, Kind: entrylog.KindMessage,
				Message: &entrylog.Message{Role: entrylog.RoleUser, Content: text}})
			if err != nil {
				return fmt.Errorf("scheduler: append follow-up message: %w", err)
			}
			parent = id
		}
	}
}

func (s *Scheduler) effectiveSystemPrompt(ctx context.Context) string {
	if s.systemPrompt != "" {
		return s.systemPrompt
	}
	return "You are a helpful coding agent."
}

// newRetryBackoff builds an exponential backoff with jitter over the
// constants above, context-aware so an abort stops retrying immediately.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, RetryMaxRetries), ctx)
}

func (s *Scheduler) logError(msg string, err error) {
	logging.Error().Err(err).Str("session", s.cfg.SessionID).Msg(msg)
}
