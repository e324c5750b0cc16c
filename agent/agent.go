// Package agent defines the agent catalog: the interface individual
// agents implement and the registry the orchestrator selects from.
package agent

import (
	"context"
)

// Request is one prompt handed to an agent, with optional prior
// conversation turns for context.
type Request struct {
	Prompt      string   `json:"prompt"`
	ChatHistory []string `json:"chat_history,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
}

// Response is an agent's answer. Metadata carries selection reasoning
// and flow details as free-form key/value pairs.
type Response struct {
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Agent is one specialized worker. Capabilities is the declared skill
// list used for selection ranking; Chat executes one request.
type Agent interface {
	Name() string
	Description() string
	Capabilities() []string
	Chat(ctx context.Context, req Request) (*Response, error)
}

// AvailabilityFunc decides whether an agent is available to a tenant.
// A nil func means available to everyone.
type AvailabilityFunc func(tenantID string) bool

// Info is the catalog entry shape exposed to selection and listing.
type Info struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
}
