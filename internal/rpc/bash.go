package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opencode-ai/agentcore/internal/tool"
)

// bashRunner tracks the single in-flight `bash` RPC command so `abort_bash`
// has something to cancel. This is independent of the scheduler's own tool
// execution (the lists bash as its own Bash category, run directly
// against the tool registry rather than through an agent turn).
type bashRunner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func newBashRunner() *bashRunner {
	return &bashRunner{}
}

// bashTool looks up the "bash" tool in d.SessionConfig.Tools.
func (d *Dispatcher) bashTool() (tool.Tool, error) {
	if d.SessionConfig.Tools == nil {
		return nil, fmt.Errorf("rpc: no tool registry configured")
	}
	t, ok := d.SessionConfig.Tools.Get("bash")
	if !ok {
		return nil, fmt.Errorf("rpc: bash tool not registered")
	}
	return t, nil
}

func (b *bashRunner) Run(ctx context.Context, d *Dispatcher, command string) (any, error) {
	t, err := d.bashTool()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.cancel = nil
		b.mu.Unlock()
		cancel()
	}()

	sessionID := ""
	if sess, err := d.Manager.Active(); err == nil {
		sessionID = sess.ID
	}

	input, _ := json.Marshal(map[string]string{"command": command})
	toolCtx := &tool.Context{SessionID: sessionID, CallID: "rpc-bash", AbortCh: runCtx.Done()}
	res, execErr := t.Execute(runCtx, input, toolCtx)
	if execErr != nil {
		return nil, execErr
	}
	return map[string]any{"output": res.Output, "metadata": res.Metadata}, nil
}

func (b *bashRunner) Abort() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
