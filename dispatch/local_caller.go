package dispatch

import (
	"context"

	"github.com/threadline/threadline/orchestrator"
)

// LocalCaller adapts an in-process orchestrator to the Caller interface
// for single-binary deployments and tests. Error classification falls
// out naturally: the orchestrator's own sentinels pass through.
type LocalCaller struct {
	orchestrator *orchestrator.Orchestrator
}

var _ Caller = (*LocalCaller)(nil)

// NewLocalCaller wraps an orchestrator
func NewLocalCaller(o *orchestrator.Orchestrator) *LocalCaller {
	return &LocalCaller{orchestrator: o}
}

// Orchestrate runs the request against the in-process orchestrator.
func (c *LocalCaller) Orchestrate(ctx context.Context, req Request) (*Result, error) {
	result, err := c.orchestrator.Orchestrate(ctx, orchestrator.Request{
		Prompt:      req.Prompt,
		ChatHistory: req.ChatHistory,
		TenantID:    req.TenantID,
		UseResearch: req.UseResearch,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Response: ResponseBody{
			Content:  result.Response.Content,
			Metadata: result.Response.Metadata,
		},
		CurrentAgent: result.AgentName,
	}, nil
}
