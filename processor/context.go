package processor

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/threadline/threadline/job"
)

// truncateDigest cuts content to digestLimit bytes on a rune boundary
// so a multi-byte character is never split.
func truncateDigest(content string) string {
	if len(content) <= digestLimit {
		return content
	}
	cut := digestLimit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "…"
}

// digestLimit truncates each prior response fed into the thread digest
const digestLimit = 280

// buildPrompt returns the prompt and chat history for one claimed job.
// One-off jobs pass through unchanged. Instances of a recurring thread
// get temporal and anti-repetition context injected: run number, current
// time, and a digest of recent completed sibling responses with an
// instruction not to repeat them.
func (p *Processor) buildPrompt(ctx context.Context, j *job.Job) (string, []string, error) {
	if j.ParentJobID == "" {
		return j.InitialMessage, nil, nil
	}

	template, err := p.jobs.Get(ctx, j.ParentJobID)
	if err != nil {
		return "", nil, err
	}

	siblings, err := p.jobs.ListCompletedSiblings(ctx, j.ParentJobID, p.config.ContextSiblings)
	if err != nil {
		return "", nil, err
	}

	var history []string
	for i := len(siblings) - 1; i >= 0; i-- {
		content, err := p.messages.LatestAssistantContent(ctx, siblings[i].ID)
		if err != nil {
			return "", nil, err
		}
		if content == "" {
			continue
		}
		content = truncateDigest(content)
		history = append(history, fmt.Sprintf("Run on %s: %s",
			siblings[i].CreatedAt.Format("2006-01-02 15:04"), content))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "This is run #%d of a recurring task. Current time: %s.\n",
		template.RunCount, time.Now().UTC().Format(time.RFC1123))
	if len(history) > 0 {
		b.WriteString("Recent results from previous runs:\n")
		for _, entry := range history {
			fmt.Fprintf(&b, "- %s\n", entry)
		}
		b.WriteString("Provide fresh, current information. Do not repeat the previous results; highlight what has changed since them.\n")
	}
	b.WriteString("\nTask: ")
	b.WriteString(j.InitialMessage)

	return b.String(), history, nil
}
