// Package compaction implements the Compaction Engine: lossy summarization
// of a branch prefix to reclaim context budget.
//
// Widens "summarize a flat message slice, store the result as a
// session.Summary.Diffs entry" into an operation over entrylog's
// tree-structured branches that appends a proper KindCompaction entry
// instead of bolting a synthetic diff onto the session object.
package compaction

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/agentcore/internal/entrylog"
	"github.com/opencode-ai/agentcore/internal/extension"
	"github.com/opencode-ai/agentcore/internal/provider"
)

// Config bundles what the engine needs to run one compaction.
type Config struct {
	Bus       *extension.Bus
	Providers *provider.Registry

	ProviderID string
	ModelID    string

	// KeepRecentTokens is how many trailing tokens (by the engine's rough
	// estimate) are retained verbatim; everything older is summarized.
	KeepRecentTokens int
	// ReserveTokens is the MaxTokens budget given to the summarization
	// call's response.
	ReserveTokens int
}

// Engine runs compactions against a session log.
type Engine struct {
	cfg Config
}

// New creates an Engine. Zero KeepRecentTokens/ReserveTokens fall back to
// sensible defaults.
func New(cfg Config) *Engine {
	if cfg.KeepRecentTokens == 0 {
		cfg.KeepRecentTokens = 4000
	}
	if cfg.ReserveTokens == 0 {
		cfg.ReserveTokens = 1024
	}
	return &Engine{cfg: cfg}
}

// Run implements scheduler.CompactionFunc: determines firstKeptEntryId,
// dispatches session_before_compact (an extension may cancel or supply the
// summary directly), otherwise issues a dedicated summarization call, and
// appends the resulting compaction entry.
func (e *Engine) Run(ctx context.Context, log *entrylog.Log, userInstructions string) (string, error) {
	branch, err := log.Branch("")
	if err != nil {
		return "", fmt.Errorf("compaction: branch: %w", err)
	}
	if len(branch) == 0 {
		return "", fmt.Errorf("compaction: empty log")
	}

	firstKept := firstKeptEntryID(branch, e.cfg.KeepRecentTokens)

	if e.cfg.Bus != nil {
		dec := e.cfg.Bus.Dispatch(ctx, &extension.Event{
			Kind: extension.KindSessionBeforeCompact,
			Lifecycle: &extension.SessionLifecyclePayload{
				FromLeaf: log.Leaf(),
			},
		})
		if dec.Cancel {
			return "", fmt.Errorf("compaction: cancelled by extension")
		}
		if dec.CompactionSupply != nil {
			return e.appendCompaction(log, dec.CompactionSupply.Summary, dec.CompactionSupply.FirstKeptEntryID, branch)
		}
	}

	prefix := prefixMessages(branch, firstKept)
	tokensBefore := estimateTokens(prefix)

	summary, err := e.summarize(ctx, prefix, userInstructions)
	if err != nil {
		return "", fmt.Errorf("compaction: summarize: %w", err)
	}

	tokensAfter := estimateTokens([]entrylog.MaterializedMessage{{Content: summary}})

	entryID, err := log.Append(&entrylog.Entry{
		ParentID: log.Leaf(),
		Kind:     entrylog.KindCompaction,
		Compaction: &entrylog.Compaction{
			Summary:          summary,
			FirstKeptEntryID: firstKept,
			TokensBefore:     tokensBefore,
			TokensAfter:      tokensAfter,
		},
	})
	if err != nil {
		return "", fmt.Errorf("compaction: append: %w", err)
	}
	return entryID, nil
}

func (e *Engine) appendCompaction(log *entrylog.Log, summary, firstKept string, branch []*entrylog.Entry) (string, error) {
	if summary == "" {
		return "", fmt.Errorf("compaction: extension-supplied summary is empty")
	}
	found := false
	for _, entry := range branch {
		if entry.ID == firstKept {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("compaction: extension-supplied firstKeptEntryId %q not on active branch", firstKept)
	}
	entryID, err := log.Append(&entrylog.Entry{
		ParentID: log.Leaf(),
		Kind:     entrylog.KindCompaction,
		Compaction: &entrylog.Compaction{
			Summary:          summary,
			FirstKeptEntryID: firstKept,
		},
	})
	if err != nil {
		return "", fmt.Errorf("compaction: append: %w", err)
	}
	return entryID, nil
}

// firstKeptEntryID scans from the leaf backwards, accumulating a rough
// token estimate, and returns the entry id at which keepRecentTokens have
// been retained. Falls back to the root if the whole branch fits under
// the budget.
func firstKeptEntryID(branch []*entrylog.Entry, keepRecentTokens int) string {
	kept := 0
	for i := len(branch) - 1; i >= 0; i-- {
		e := branch[i]
		if e.Kind != entrylog.KindMessage || e.Message == nil {
			continue
		}
		kept += len(e.Message.Content) / 4
		if kept >= keepRecentTokens {
			return e.ID
		}
	}
	return branch[0].ID
}

// prefixMessages returns the materialized messages strictly before
// firstKept, the portion that gets summarized away.
func prefixMessages(branch []*entrylog.Entry, firstKept string) []entrylog.MaterializedMessage {
	var prefix []*entrylog.Entry
	for _, e := range branch {
		if e.ID == firstKept {
			break
		}
		prefix = append(prefix, e)
	}
	return entrylog.Materialize(prefix)
}

const summarizationSystemPrompt = `You are a conversation summarizer for a coding agent. Produce a concise summary of the conversation below that preserves enough context for the agent to continue seamlessly.

Focus on:
1. What was accomplished
2. Current work in progress
3. Files and tools involved
4. Next steps
5. Any constraints or requests the user stated explicitly

Be concise but complete. This summary replaces the conversation entirely; anything you drop is gone.`

func (e *Engine) summarize(ctx context.Context, prefix []entrylog.MaterializedMessage, userInstructions string) (string, error) {
	prov, err := e.cfg.Providers.Get(e.cfg.ProviderID)
	if err != nil {
		return "", err
	}

	var body strings.Builder
	for _, m := range prefix {
		switch m.Role {
		case entrylog.RoleUser:
			body.WriteString("USER:\n")
		case entrylog.RoleAssistant:
			body.WriteString("ASSISTANT:\n")
		case entrylog.RoleToolResult:
			body.WriteString(fmt.Sprintf("[tool result: %s]\n", m.ToolName))
		default:
			continue
		}
		body.WriteString(m.Content)
		body.WriteString("\n\n")
	}
	if userInstructions != "" {
		body.WriteString("Additional instructions from the user for this summary:\n")
		body.WriteString(userInstructions)
		body.WriteString("\n")
	}

	systemMsg := &schema.Message{Role: schema.System, Content: summarizationSystemPrompt}
	userMsg := &schema.Message{Role: schema.User, Content: body.String()}

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model:     e.cfg.ModelID,
		Messages:  []*schema.Message{systemMsg, userMsg},
		MaxTokens: e.cfg.ReserveTokens,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var summary strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		summary.WriteString(msg.Content)
	}
	if summary.Len() == 0 {
		return "", fmt.Errorf("compaction: empty summary from provider")
	}
	return summary.String(), nil
}

func estimateTokens(msgs []entrylog.MaterializedMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content) / 4
	}
	return total
}
