package scheduler

import (
	"fmt"

	"github.com/opencode-ai/agentcore/pkg/types"
)

// thinkingLevels is the closed set of values the set_thinking_level/
// cycle_thinking_level commands cycle through.
var thinkingLevels = []string{"off", "low", "medium", "high"}

// Model returns the currently selected provider/model pair.
func (s *Scheduler) Model() (providerID, modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerID, s.modelID
}

// SetModel changes the provider/model used by the next turn onward. Takes
// effect immediately for a queued or future turn; an in-flight turn already
// resolved its provider and finishes on the old one.
func (s *Scheduler) SetModel(providerID, modelID string) error {
	if _, err := s.cfg.Providers.GetModel(providerID, modelID); err != nil {
		return err
	}
	s.mu.Lock()
	s.providerID = providerID
	s.modelID = modelID
	s.mu.Unlock()
	return nil
}

// CycleModel advances to the next model in the registry's stable listing
// order, wrapping around, per the cycle_model command.
func (s *Scheduler) CycleModel() (providerID, modelID string, err error) {
	models := s.cfg.Providers.AllModels()
	if len(models) == 0 {
		return "", "", errNoModels
	}
	curProvider, curModel := s.Model()
	idx := 0
	for i, m := range models {
		if m.ProviderID == curProvider && m.ID == curModel {
			idx = i
			break
		}
	}
	next := models[(idx+1)%len(models)]
	s.mu.Lock()
	s.providerID = next.ProviderID
	s.modelID = next.ID
	s.mu.Unlock()
	return next.ProviderID, next.ID, nil
}

// AvailableModels lists every model known to the provider registry, for
// the get_available_models command.
func (s *Scheduler) AvailableModels() []types.Model {
	return s.cfg.Providers.AllModels()
}

// ThinkingLevel returns the current reasoning-effort level.
func (s *Scheduler) ThinkingLevel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinkingLevel
}

// SetThinkingLevel sets the reasoning-effort level directly.
func (s *Scheduler) SetThinkingLevel(level string) {
	s.mu.Lock()
	s.thinkingLevel = level
	s.mu.Unlock()
}

// CycleThinkingLevel advances off -> low -> medium -> high -> off.
func (s *Scheduler) CycleThinkingLevel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := 0
	for i, l := range thinkingLevels {
		if l == s.thinkingLevel {
			idx = i
			break
		}
	}
	s.thinkingLevel = thinkingLevels[(idx+1)%len(thinkingLevels)]
	return s.thinkingLevel
}

// AutoCompactionEnabled reports whether threshold auto-compaction is armed.
func (s *Scheduler) AutoCompactionEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoCompaction
}

// SetAutoCompaction arms or disarms threshold auto-compaction.
func (s *Scheduler) SetAutoCompaction(enabled bool) {
	s.mu.Lock()
	s.autoCompaction = enabled
	s.mu.Unlock()
}

// AutoRetryEnabled reports whether transient provider errors are retried.
func (s *Scheduler) AutoRetryEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRetry
}

// SetAutoRetry arms or disarms automatic retry of transient provider
// errors.
func (s *Scheduler) SetAutoRetry(enabled bool) {
	s.mu.Lock()
	s.autoRetry = enabled
	s.mu.Unlock()
}

// Stats is a point-in-time snapshot for the get_session_stats
// command.
type Stats struct {
	State          State  `json:"state"`
	ProviderID     string `json:"providerId"`
	ModelID        string `json:"modelId"`
	ThinkingLevel  string `json:"thinkingLevel"`
	AutoCompaction bool   `json:"autoCompaction"`
	AutoRetry      bool   `json:"autoRetry"`
	QueuedSteers   int    `json:"queuedSteers"`
	QueuedFollowUp int    `json:"queuedFollowUps"`
}

// Stats returns a snapshot of the scheduler's current settings and queues.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:          s.state,
		ProviderID:     s.providerID,
		ModelID:        s.modelID,
		ThinkingLevel:  s.thinkingLevel,
		AutoCompaction: s.autoCompaction,
		AutoRetry:      s.autoRetry,
		QueuedSteers:   len(s.steerQueue),
		QueuedFollowUp: len(s.followUpQueue),
	}
}

var errNoModels = fmt.Errorf("scheduler: no models registered")
