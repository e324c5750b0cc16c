package orchestrator

import (
	"strings"
)

// CommandKind discriminates parsed command variants
type CommandKind string

const (
	// CommandDirect routes to an explicitly named agent (@name text)
	CommandDirect CommandKind = "direct"
	// CommandResearch routes through the multi-agent research flow
	CommandResearch CommandKind = "research"
	// CommandPlain routes through automatic best-agent selection
	CommandPlain CommandKind = "plain"
)

// Command is the parsed form of a job prompt. Exactly one variant applies:
// Direct carries Agent+Text, Research and Plain carry Text only.
type Command struct {
	Kind  CommandKind
	Agent string
	Text  string
}

// ParseCommand classifies a prompt. The @agent syntax wins over the
// research flag; a bare "@name" with no message text is treated as plain
// text rather than an empty direct command.
func ParseCommand(prompt string, useResearch bool) Command {
	trimmed := strings.TrimSpace(prompt)

	if strings.HasPrefix(trimmed, "@") {
		rest := trimmed[1:]
		var name, text string
		if idx := strings.IndexAny(rest, " \t\n"); idx >= 0 {
			name = rest[:idx]
			text = strings.TrimSpace(rest[idx:])
		} else {
			name = rest
		}
		if name != "" && text != "" {
			return Command{Kind: CommandDirect, Agent: name, Text: text}
		}
	}

	if useResearch {
		return Command{Kind: CommandResearch, Text: trimmed}
	}
	return Command{Kind: CommandPlain, Text: trimmed}
}
