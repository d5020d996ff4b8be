// Package agentsession wires the Session Log, Extension Bus, Agent Turn
// Scheduler, Compaction Engine, Extension UI Bridge, and SSE Event Plane
// together into one running session, and manages the fork/switch family of
// operations across sessions held by one process.
//
// Widens a storage-backed registry of session metadata handed to a single
// shared processor into a registry of independently-schedulable Session
// objects, one per entry log file, each owning its own Scheduler/Bus/
// Bridge instance rather than sharing one global loop.
package agentsession

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/agentcore/internal/agent"
	"github.com/opencode-ai/agentcore/internal/clienttool"
	"github.com/opencode-ai/agentcore/internal/compaction"
	"github.com/opencode-ai/agentcore/internal/entrylog"
	"github.com/opencode-ai/agentcore/internal/extension"
	"github.com/opencode-ai/agentcore/internal/formatter"
	"github.com/opencode-ai/agentcore/internal/permission"
	"github.com/opencode-ai/agentcore/internal/provider"
	"github.com/opencode-ai/agentcore/internal/scheduler"
	"github.com/opencode-ai/agentcore/internal/sse"
	"github.com/opencode-ai/agentcore/internal/tool"
	"github.com/opencode-ai/agentcore/internal/uibridge"
	"github.com/opencode-ai/agentcore/pkg/types"
)

// Session bundles every component the RPC Command Plane and SSE Event
// Plane need for one entry log.
type Session struct {
	ID        string
	Path      string
	Log       *entrylog.Log
	Bus       *extension.Bus
	Scheduler *scheduler.Scheduler
	Bridge    *uibridge.Bridge
	Compact   *compaction.Engine

	mu              sync.Mutex
	defaultBehavior scheduler.StreamingBehavior // set by set_steering_mode/set_follow_up_mode
}

// DefaultBehavior returns the StreamingBehavior a bare prompt command
// should use while the scheduler is busy, per the last set_steering_mode/
// set_follow_up_mode RPC command (the Queuing category).
// Defaults to BehaviorFollowUp, matching the scheduler's own "never drops a
// message silently" fallback.
func (s *Session) DefaultBehavior() scheduler.StreamingBehavior {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.defaultBehavior == "" {
		return scheduler.BehaviorFollowUp
	}
	return s.defaultBehavior
}

// SetSteeringMode arms steer as the default busy-prompt behavior when
// enabled, or clears it back to the follow-up default.
func (s *Session) SetSteeringMode(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		s.defaultBehavior = scheduler.BehaviorSteer
	} else if s.defaultBehavior == scheduler.BehaviorSteer {
		s.defaultBehavior = scheduler.BehaviorFollowUp
	}
}

// SetFollowUpMode arms follow-up as the default busy-prompt behavior when
// enabled. Disabling it is a no-op: follow-up is already the fallback, and
// an armed steering mode is left in place.
func (s *Session) SetFollowUpMode(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		s.defaultBehavior = scheduler.BehaviorFollowUp
	}
}

// Manager holds every Session live in this process and tracks which one is
// active for commands that operate on "the" session — the
// single-active-session default, generalized to support switch_session/
// fork alongside it.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	activeID  string
	dir       string
	hub       *sse.Hub
	providers *provider.Registry
	tools     *tool.Registry
	perms     *permission.Checker

	defaultProviderID string
	defaultModelID    string
}

// Config bundles what every Session in a Manager shares.
type Config struct {
	Dir               string // directory session-<id>.jsonl files live under
	Hub               *sse.Hub
	Providers         *provider.Registry
	Tools             *tool.Registry
	Perms             *permission.Checker
	Agents            *agent.Registry
	ClientTools       *clienttool.Registry
	WorkDir           string
	AppConfig         *types.Config
	DefaultProviderID string
	DefaultModelID    string

	KeepRecentTokens int
	ReserveTokens    int
	ContextWindow    int

	AutoCompactionEnabled bool
	AutoRetryEnabled      bool
	DoomLoopThreshold     int
}

// NewManager creates an empty Manager; call New or Open to populate its
// first session.
func NewManager(cfg Config) *Manager {
	return &Manager{
		sessions:          make(map[string]*Session),
		dir:               cfg.Dir,
		hub:               cfg.Hub,
		providers:         cfg.Providers,
		tools:             cfg.Tools,
		perms:             cfg.Perms,
		defaultProviderID: cfg.DefaultProviderID,
		defaultModelID:    cfg.DefaultModelID,
	}
}

// New creates a fresh session with a new id and sets it active. It exists
// as the target of the RPC Command Plane's new_session command.
func (m *Manager) New(ctx context.Context, cfg Config) (*Session, error) {
	id := ulid.Make().String()
	path := filepath.Join(cfg.Dir, fmt.Sprintf("session-%s.jsonl", id))
	log, err := entrylog.Open(path)
	if err != nil {
		return nil, fmt.Errorf("agentsession: open log: %w", err)
	}
	return m.adopt(id, path, log, cfg)
}

// Open loads an existing session log file and sets it active. Used at
// process startup to continue a session named on the command line.
func (m *Manager) Open(ctx context.Context, id, path string, cfg Config) (*Session, error) {
	log, err := entrylog.Open(path)
	if err != nil {
		return nil, fmt.Errorf("agentsession: open log: %w", err)
	}
	return m.adopt(id, path, log, cfg)
}

func (m *Manager) adopt(id, path string, log *entrylog.Log, cfg Config) (*Session, error) {
	bus := extension.New()
	bridge := uibridge.New(id, cfg.Hub)
	bus.OnHandlerError = cfg.Hub.OnHandlerError

	fmtMgr := formatter.NewManager(cfg.WorkDir, cfg.AppConfig)
	extension.Load(bus, cfg.Tools, cfg.ClientTools, extension.Manifest{
		ID:       "core",
		Handlers: []extension.Handler{formatter.NewHandler(fmtMgr)},
	})

	engine := compaction.New(compaction.Config{
		Bus:              bus,
		Providers:        cfg.Providers,
		ProviderID:       cfg.DefaultProviderID,
		ModelID:          cfg.DefaultModelID,
		KeepRecentTokens: cfg.KeepRecentTokens,
		ReserveTokens:    cfg.ReserveTokens,
	})

	sched := scheduler.New(scheduler.Config{
		SessionID:             id,
		Log:                   log,
		Bus:                   bus,
		Tools:                 cfg.Tools,
		Providers:             cfg.Providers,
		Perms:                 cfg.Perms,
		Agents:                cfg.Agents,
		Emitter:               cfg.Hub,
		ProviderID:            cfg.DefaultProviderID,
		ModelID:               cfg.DefaultModelID,
		ContextWindow:         cfg.ContextWindow,
		ReserveTokens:         cfg.ReserveTokens,
		AutoCompactionEnabled: cfg.AutoCompactionEnabled,
		AutoRetryEnabled:      cfg.AutoRetryEnabled,
		DoomLoopThreshold:     cfg.DoomLoopThreshold,
		Compact:               engine.Run,
	})

	sess := &Session{ID: id, Path: path, Log: log, Bus: bus, Scheduler: sched, Bridge: bridge, Compact: engine}

	m.mu.Lock()
	m.sessions[id] = sess
	m.activeID = id
	m.mu.Unlock()
	return sess, nil
}

// Active returns the currently active session, or an error if none exists
// (the process was started without new_session/Open ever succeeding).
func (m *Manager) Active() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == "" {
		return nil, fmt.Errorf("agentsession: no active session")
	}
	return m.sessions[m.activeID], nil
}

// Get returns a session by id without changing which one is active.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("agentsession: unknown session %q", id)
	}
	return s, nil
}

// Switch dispatches session_before_switch and, unless cancelled, makes id
// the active session (the switch_session command). id must
// already have been loaded via New/Open/Fork.
func (m *Manager) Switch(ctx context.Context, id string) error {
	cur, err := m.Active()
	if err != nil {
		return err
	}
	dec := cur.Bus.Dispatch(ctx, &extension.Event{
		Kind: extension.KindSessionBeforeSwitch,
		Lifecycle: &extension.SessionLifecyclePayload{
			SessionID: cur.ID, FromLeaf: cur.Log.Leaf(), ToLeaf: id,
		},
	})
	if dec.Cancel {
		return fmt.Errorf("agentsession: switch cancelled by extension")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("agentsession: unknown session %q", id)
	}
	m.activeID = id
	return nil
}

// Fork implements the fork(atEntryId) operation: the source session's
// session_before_fork handlers may cancel; otherwise entrylog.Fork copies
// the prefix by reference into a new log file and the new session becomes
// active, per the fork command ("subsequent prompts continue on
// the fork").
func (m *Manager) Fork(ctx context.Context, atEntryID string, cfg Config) (*Session, error) {
	cur, err := m.Active()
	if err != nil {
		return nil, err
	}
	dec := cur.Bus.Dispatch(ctx, &extension.Event{
		Kind: extension.KindSessionBeforeFork,
		Lifecycle: &extension.SessionLifecyclePayload{
			SessionID: cur.ID, FromLeaf: cur.Log.Leaf(), ToLeaf: atEntryID,
		},
	})
	if dec.Cancel {
		return nil, fmt.Errorf("agentsession: fork cancelled by extension")
	}

	id := ulid.Make().String()
	path := filepath.Join(cfg.Dir, fmt.Sprintf("session-%s.jsonl", id))
	forked, err := cur.Log.Fork(atEntryID, path)
	if err != nil {
		return nil, fmt.Errorf("agentsession: fork: %w", err)
	}
	return m.adopt(id, path, forked, cfg)
}

// GetForkMessages materializes the branch a fork at atEntryID would carry,
// without creating the fork (the get_fork_messages command: a
// preview).
func GetForkMessages(log *entrylog.Log, atEntryID string) ([]entrylog.MaterializedMessage, error) {
	branch, err := log.Branch(atEntryID)
	if err != nil {
		return nil, err
	}
	return entrylog.Materialize(branch), nil
}

// LastAssistantText returns the content of the most recent assistant
// message on the active branch, for the get_last_assistant_text
// command.
func LastAssistantText(log *entrylog.Log) (string, error) {
	branch, err := log.Branch("")
	if err != nil {
		return "", err
	}
	msgs := entrylog.Materialize(branch)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == entrylog.RoleAssistant {
			return msgs[i].Content, nil
		}
	}
	return "", nil
}

// Shutdown tears down every session's scheduler and bridge, rejecting any
// pending UI round-trips .
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Bridge.Shutdown()
		s.Scheduler.Shutdown()
		s.Bus.Dispatch(context.Background(), &extension.Event{
			Kind:          extension.KindSessionShutdown,
			SimplePayload: map[string]any{"sessionId": s.ID},
		})
	}
}
