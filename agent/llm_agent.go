package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/threadline/threadline/errors"
	"github.com/threadline/threadline/llm"
)

// LLMAgent is a generic agent backed by a chat model with a fixed system
// prompt. The stock catalog is built from these; specialized tool-using
// agents implement Agent directly.
type LLMAgent struct {
	name         string
	description  string
	capabilities []string
	systemPrompt string
	client       llm.Client
}

var _ Agent = (*LLMAgent)(nil)

// NewLLMAgent creates a chat-model-backed agent
func NewLLMAgent(name, description string, capabilities []string, systemPrompt string, client llm.Client) *LLMAgent {
	return &LLMAgent{
		name:         name,
		description:  description,
		capabilities: capabilities,
		systemPrompt: systemPrompt,
		client:       client,
	}
}

func (a *LLMAgent) Name() string           { return a.name }
func (a *LLMAgent) Description() string    { return a.description }
func (a *LLMAgent) Capabilities() []string { return a.capabilities }

// Chat executes one request against the underlying model, folding prior
// conversation turns into the prompt.
func (a *LLMAgent) Chat(ctx context.Context, req Request) (*Response, error) {
	prompt := req.Prompt
	if len(req.ChatHistory) > 0 {
		var b strings.Builder
		b.WriteString("Prior conversation:\n")
		for _, turn := range req.ChatHistory {
			fmt.Fprintf(&b, "- %s\n", turn)
		}
		b.WriteString("\nCurrent request:\n")
		b.WriteString(req.Prompt)
		prompt = b.String()
	}

	resp, err := a.client.Chat(ctx, llm.ChatRequest{
		SystemPrompt: a.systemPrompt,
		UserPrompt:   prompt,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "agent %s chat failed", a.name)
	}

	return &Response{
		Content: resp.Content,
		Metadata: map[string]interface{}{
			"agent":        a.name,
			"total_tokens": resp.Usage.TotalTokens,
		},
	}, nil
}

// DefaultCatalog registers the stock agent set against a shared chat
// client. Kept small; deployments add their own specialized agents.
func DefaultCatalog(client llm.Client) *Registry {
	registry := NewRegistry()

	registry.Register(NewLLMAgent(
		"general",
		"General-purpose assistant for everyday questions",
		[]string{"general knowledge", "conversation", "writing", "explanation"},
		"You are a helpful general-purpose assistant. Answer clearly and concisely.",
		client,
	))
	registry.Register(NewLLMAgent(
		"research",
		"Breaks down and investigates open-ended questions",
		[]string{"research", "analysis", "comparison", "summarization"},
		"You are a research assistant. Investigate the question thoroughly and cite your reasoning.",
		client,
	))
	registry.Register(NewLLMAgent(
		"crypto",
		"Cryptocurrency markets and on-chain data",
		[]string{"crypto", "prices", "tokens", "defi", "markets"},
		"You are a cryptocurrency market analyst. Be precise about figures and uncertainty.",
		client,
	))
	registry.Register(NewLLMAgent(
		"code",
		"Programming help and code review",
		[]string{"code", "programming", "debugging", "software"},
		"You are a senior software engineer. Prefer working code samples over prose.",
		client,
	))

	return registry
}
