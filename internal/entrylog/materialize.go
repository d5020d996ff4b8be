package entrylog

// MaterializedMessage is one LLM-facing message produced by Materialize.
// It is the collapsed, ready-to-send view of a branch: compaction entries
// have already been folded into a synthetic exchange.
type MaterializedMessage struct {
	Role       Role
	Content    string
	Reasoning  string
	ToolCalls  []ToolCall
	ToolName   string
	ToolCallID string
	IsError    bool
	EntryID    string
}

// Materialize turns a branch (as returned by Log.Branch) into the message
// list an LLM request expects, applying the latest compaction entry: the
// prefix up to (but not including) FirstKeptEntryID collapses into a
// synthetic user/assistant exchange carrying the compaction summary.
func Materialize(branch []*Entry) []MaterializedMessage {
	compaction := LatestCompaction(branch)

	var startIdx int
	var synthetic []MaterializedMessage
	if compaction != nil {
		for i, e := range branch {
			if e.ID == compaction.Compaction.FirstKeptEntryID {
				startIdx = i
				break
			}
		}
		synthetic = []MaterializedMessage{
			{Role: RoleUser, Content: "[earlier conversation summarized below]"},
			{Role: RoleAssistant, Content: compaction.Compaction.Summary},
		}
	}

	out := make([]MaterializedMessage, 0, len(branch)+len(synthetic))
	out = append(out, synthetic...)

	for _, e := range branch[startIdx:] {
		if e.Kind != KindMessage || e.Message == nil {
			continue
		}
		m := e.Message
		out = append(out, MaterializedMessage{
			Role:       m.Role,
			Content:    m.Content,
			Reasoning:  m.Reasoning,
			ToolCalls:  m.ToolCalls,
			ToolName:   m.ToolName,
			ToolCallID: m.ToolCallID,
			IsError:    m.IsError,
			EntryID:    e.ID,
		})
	}
	return out
}
