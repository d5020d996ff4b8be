package rpc

import (
	"html/template"
	"strings"

	"github.com/opencode-ai/agentcore/internal/entrylog"
)

// transcriptTemplate renders a materialized branch as a static, readable
// HTML page for export_html. This is the one ambient concern in this
// module with no third-party templating precedent anywhere in the
// corpus — html/template is the standard library's own answer to exactly
// this (auto-escaped, contextual HTML templating), so it stays on the
// standard library rather than reaching for a generic template engine.
const transcriptTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Session {{.SessionID}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 860px; margin: 2rem auto; padding: 0 1rem; }
.msg { margin-bottom: 1.25rem; padding: 0.75rem 1rem; border-radius: 0.5rem; white-space: pre-wrap; }
.user { background: #eef2ff; }
.assistant { background: #f0fdf4; }
.toolResult { background: #fef9c3; font-family: ui-monospace, monospace; font-size: 0.9em; }
.role { font-weight: 600; text-transform: uppercase; font-size: 0.75em; color: #555; display: block; margin-bottom: 0.25rem; }
</style>
</head>
<body>
<h1>Session {{.SessionID}}</h1>
{{range .Messages}}
<div class="msg {{.Role}}">
<span class="role">{{.Role}}{{if .ToolName}} &middot; {{.ToolName}}{{end}}</span>
{{.Content}}
</div>
{{end}}
</body>
</html>
`

type transcriptMessage struct {
	Role     entrylog.Role
	ToolName string
	Content  string
}

type transcriptData struct {
	SessionID string
	Messages  []transcriptMessage
}

var transcriptTmpl = template.Must(template.New("transcript").Parse(transcriptTemplate))

func renderHTML(sessionID string, msgs []entrylog.MaterializedMessage) (string, error) {
	data := transcriptData{SessionID: sessionID}
	for _, m := range msgs {
		data.Messages = append(data.Messages, transcriptMessage{Role: m.Role, ToolName: m.ToolName, Content: m.Content})
	}
	var buf strings.Builder
	if err := transcriptTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
