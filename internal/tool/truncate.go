package tool

import (
	"fmt"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"
)

// MaxContentBytes and MaxContentLines are the shared output-discipline
// limits every tool's Execute result must respect: content returned to the
// LLM is capped at 50 KB or 2000 lines, whichever is reached first. Beyond
// that, TruncateContent spills the full output to a temp file and returns
// the head/tail plus a pointer to it, so a single tool call cannot blow out
// the context window.
const (
	MaxContentBytes = 50 * 1024
	MaxContentLines = 2000
)

// TruncateContent enforces the output discipline. It is a no-op (returns
// content unchanged, wasTruncated=false) when content is already within both limits.
// Otherwise it writes the untouched content to a temp file and returns a
// head/tail excerpt plus that file's path.
func TruncateContent(content string) (truncated string, spillPath string, wasTruncated bool) {
	lines := strings.Split(content, "\n")
	if len(content) <= MaxContentBytes && len(lines) <= MaxContentLines {
		return content, "", false
	}

	path, err := spillToTemp(content)
	if err != nil {
		// Best effort: still shrink what goes back to the model even if we
		// can't persist the full output anywhere.
		path = ""
	}

	head, tail := headTail(lines, MaxContentLines/2, MaxContentLines/2)
	headStr := clampBytes(strings.Join(head, "\n"), MaxContentBytes/2)
	tailStr := clampBytes(strings.Join(tail, "\n"), MaxContentBytes/2)

	var pointer string
	if path != "" {
		pointer = fmt.Sprintf("\n\n... output truncated (%d bytes, %d lines total); full output written to %s ...\n\n", len(content), len(lines), path)
	} else {
		pointer = "\n\n... output truncated ...\n\n"
	}

	return headStr + pointer + tailStr, path, true
}

func headTail(lines []string, headN, tailN int) (head, tail []string) {
	if len(lines) <= headN+tailN {
		return lines, nil
	}
	head = lines[:headN]
	tail = lines[len(lines)-tailN:]
	return head, tail
}

func clampBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func spillToTemp(content string) (string, error) {
	dir := os.TempDir()
	name := fmt.Sprintf("agentcore-tool-output-%s.txt", ulid.Make().String())
	path := dir + string(os.PathSeparator) + name
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", err
	}
	return path, nil
}
