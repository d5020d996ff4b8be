package extension

import (
	"github.com/opencode-ai/agentcore/internal/clienttool"
	"github.com/opencode-ai/agentcore/internal/tool"
)

// Manifest is what an extension contributes at load time:
// "any subset of: event handlers, tools, commands, keyboard shortcuts,
// CLI flags, and a provider definition." Keyboard shortcuts, CLI flags,
// and provider definitions belong to the out-of-core TUI/CLI/provider
// layers and are not modeled here; handlers and tools are the two
// contributions the session core itself must honor.
type Manifest struct {
	// ID identifies the extension for logging and the clienttool registry.
	ID string

	// Handlers are registered on the Bus in the order given, appended
	// after any extensions already loaded.
	Handlers []Handler

	// Tools are locally-executed tools the extension contributes directly
	// to the tool registry (built with the same tool.Tool implementations
	// as built-ins, just not part of the built-in set).
	Tools []tool.Tool

	// ClientTools are tools the extension declares but which a connected
	// host/client actually executes; Load wraps each in a
	// tool.ClientTool bound to clientRegistry so the scheduler can
	// dispatch them uniformly alongside local tools.
	ClientTools []clienttool.ToolDefinition
}

// Load installs a Manifest's handlers and tools into the given Bus and
// Registry, and registers its client tools with clientRegistry. A tool
// name that collides with a built-in is still installed —
// RegisterExtension logs the warning, it never refuses.
func Load(bus *Bus, toolRegistry *tool.Registry, clientRegistry *clienttool.Registry, m Manifest) {
	for _, h := range m.Handlers {
		bus.Register(h)
	}

	for _, t := range m.Tools {
		toolRegistry.RegisterExtension(t)
	}

	if len(m.ClientTools) > 0 && clientRegistry != nil {
		ids := clientRegistry.Register(m.ID, m.ClientTools)
		for _, id := range ids {
			def, ok := clientRegistry.GetTool(id)
			if !ok {
				continue
			}
			toolRegistry.RegisterExtension(tool.NewClientTool(clientRegistry, m.ID, def))
		}
	}
}

// Unload removes an extension's client-executed tools and cancels any of
// its pending round-trips. Locally-executed tools and bus handlers are
// not removed: there is no "unregister a handler" operation; handlers
// live for the session.
func Unload(clientRegistry *clienttool.Registry, extensionID string) {
	if clientRegistry != nil {
		clientRegistry.Cleanup(extensionID)
	}
}
