package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/threadline/threadline/agent"
	"github.com/threadline/threadline/errors"
)

// selectAgent picks the best agent for a prompt from the tenant's
// available set. The model ranks agents by their declared capabilities;
// if it fails or answers with an unknown name, a deterministic
// keyword-overlap fallback decides. The returned reasoning string goes
// into response metadata.
func (o *Orchestrator) selectAgent(ctx context.Context, tenantID, prompt string) (agent.Agent, string, error) {
	infos := o.registry.ListAvailable(tenantID)
	if len(infos) == 0 {
		return nil, "", errors.NewAgentNotFoundError("no agents available for tenant")
	}
	if len(infos) == 1 {
		a, err := o.registry.Get(infos[0].Name, tenantID)
		if err != nil {
			return nil, "", err
		}
		return a, "only one agent available", nil
	}

	if name, reasoning, ok := o.rankWithModel(ctx, infos, prompt); ok {
		a, err := o.registry.Get(name, tenantID)
		if err == nil {
			return a, reasoning, nil
		}
		o.logger.Warnw("Model selected unavailable agent, falling back",
			"agent", name, "tenant_id", tenantID)
	}

	name, reasoning := keywordSelect(infos, prompt)
	a, err := o.registry.Get(name, tenantID)
	if err != nil {
		return nil, "", err
	}
	return a, reasoning, nil
}

// rankWithModel asks the chat model to name the best agent. Returns
// ok=false on any failure so the caller can fall back.
func (o *Orchestrator) rankWithModel(ctx context.Context, infos []agent.Info, prompt string) (string, string, bool) {
	var b strings.Builder
	b.WriteString("Available agents:\n")
	for _, info := range infos {
		fmt.Fprintf(&b, "- %s: %s (capabilities: %s)\n",
			info.Name, info.Description, strings.Join(info.Capabilities, ", "))
	}
	fmt.Fprintf(&b, "\nUser request: %s\n", prompt)
	b.WriteString("\nReply with exactly one line: the name of the single best agent, then a colon, then a one-sentence reason.")

	maxTokens := 100
	resp, err := o.client.Chat(ctx, chatRequestWithTokens(
		"You route user requests to specialized agents. Pick the single best match.",
		b.String(), &maxTokens))
	if err != nil {
		o.logger.Debugw("Model-assisted selection failed, using keyword fallback", "error", err)
		return "", "", false
	}

	answer := strings.TrimSpace(resp.Content)
	name := answer
	reason := "model selection"
	if idx := strings.IndexAny(answer, ":\n"); idx >= 0 {
		name = strings.TrimSpace(answer[:idx])
		if rest := strings.TrimSpace(strings.TrimPrefix(answer[idx:], ":")); rest != "" {
			reason = rest
		}
	}
	name = strings.Trim(strings.ToLower(name), "@\"' .")

	for _, info := range infos {
		if strings.EqualFold(info.Name, name) {
			return info.Name, reason, true
		}
	}
	o.logger.Debugw("Model named unknown agent", "answer", answer)
	return "", "", false
}

// keywordSelect scores each agent by how many of its capability terms
// appear in the prompt. Ties break toward the first name in sorted
// order; a zero-score prompt falls back to the general agent when one
// exists, else the first agent.
func keywordSelect(infos []agent.Info, prompt string) (string, string) {
	lowered := strings.ToLower(prompt)

	bestName := ""
	bestScore := 0
	for _, info := range infos {
		score := 0
		for _, capability := range info.Capabilities {
			for _, term := range strings.Fields(strings.ToLower(capability)) {
				if strings.Contains(lowered, term) {
					score++
				}
			}
		}
		if score > bestScore {
			bestScore = score
			bestName = info.Name
		}
	}

	if bestScore > 0 {
		return bestName, fmt.Sprintf("keyword match on capabilities (score %d)", bestScore)
	}

	for _, info := range infos {
		if info.Name == "general" {
			return info.Name, "no capability match, defaulting to general agent"
		}
	}
	return infos[0].Name, "no capability match, defaulting to first available agent"
}
