// Package dispatch is the processor-side boundary to the orchestration
// entry point. The processor talks to a Caller, which is either an HTTP
// client against a remote orchestration endpoint or an in-process
// adapter for single-binary deployments.
package dispatch

import (
	"context"
)

// Request is the wire shape accepted by the orchestration entry point
type Request struct {
	Prompt         string   `json:"prompt"`
	ChatHistory    []string `json:"chatHistory,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	UseResearch    bool     `json:"useResearch,omitempty"`
	TenantID       string   `json:"tenantId,omitempty"`
}

// ResponseBody is the nested response payload
type ResponseBody struct {
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Result is the wire shape returned by the orchestration entry point
type Result struct {
	Response     ResponseBody `json:"response"`
	CurrentAgent string       `json:"current_agent"`
}

// Caller executes one orchestration request. Implementations classify
// failures: transport and server-side errors are transient (the
// processor retries them), agent-not-found and bad requests are
// terminal.
type Caller interface {
	Orchestrate(ctx context.Context, req Request) (*Result, error)
}
