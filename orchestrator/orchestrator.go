// Package orchestrator maps one job's prompt to agent execution: direct
// @agent routing, automatic best-agent selection, or a multi-agent
// research flow, with blocking and streaming invocation modes.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/agent"
	"github.com/threadline/threadline/errors"
	"github.com/threadline/threadline/llm"
)

const (
	// DefaultMaxSubtasks caps research decomposition
	DefaultMaxSubtasks = 5
	// DefaultSubtaskTimeout bounds each research subtask
	DefaultSubtaskTimeout = 180 * time.Second
	// DefaultSubtaskConcurrency bounds parallel subtask execution
	DefaultSubtaskConcurrency = 3
)

// Request is one orchestration invocation
type Request struct {
	Prompt      string   `json:"prompt"`
	ChatHistory []string `json:"chatHistory,omitempty"`
	TenantID    string   `json:"tenantId,omitempty"`
	UseResearch bool     `json:"useResearch,omitempty"`
}

// Result is the final outcome of one orchestration
type Result struct {
	AgentName string          `json:"current_agent"`
	Response  *agent.Response `json:"response"`
}

// Config tunes the research flow
type Config struct {
	MaxSubtasks        int
	SubtaskTimeout     time.Duration
	SubtaskConcurrency int
}

// Orchestrator selects agents and runs flows. All per-request state is
// local to one invocation; concurrent invocations from different tenants
// share nothing mutable.
type Orchestrator struct {
	registry *agent.Registry
	client   llm.Client
	config   Config
	logger   *zap.SugaredLogger
}

// New creates an orchestrator over an agent registry and chat client
func New(registry *agent.Registry, client llm.Client, config Config, logger *zap.SugaredLogger) *Orchestrator {
	if config.MaxSubtasks <= 0 {
		config.MaxSubtasks = DefaultMaxSubtasks
	}
	if config.SubtaskTimeout <= 0 {
		config.SubtaskTimeout = DefaultSubtaskTimeout
	}
	if config.SubtaskConcurrency <= 0 {
		config.SubtaskConcurrency = DefaultSubtaskConcurrency
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		registry: registry,
		client:   client,
		config:   config,
		logger:   logger,
	}
}

// Orchestrate runs one invocation to completion and returns the final
// agent name and response.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (*Result, error) {
	return o.run(ctx, req, nil)
}

// OrchestrateStream runs one invocation, emitting lifecycle events on
// the returned channel. The channel closes after flow-end or error; a
// cancelled context releases the producer even if the consumer stops
// reading.
func (o *Orchestrator) OrchestrateStream(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)

		emit := func(e Event) bool {
			select {
			case events <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		result, err := o.run(ctx, req, emit)
		if err != nil {
			emit(Event{Type: EventError, Error: err.Error()})
			return
		}
		emit(Event{
			Type:     EventFlowEnd,
			Agent:    result.AgentName,
			Content:  result.Response.Content,
			Metadata: result.Response.Metadata,
		})
	}()
	return events
}

// run executes one invocation. emit may be nil for blocking calls; when
// present it must return false once the consumer is gone, which aborts
// further event emission but not the flow's bookkeeping.
func (o *Orchestrator) run(ctx context.Context, req Request, emit func(Event) bool) (*Result, error) {
	cmd := ParseCommand(req.Prompt, req.UseResearch)

	switch cmd.Kind {
	case CommandDirect:
		return o.runDirect(ctx, req, cmd)
	case CommandResearch:
		return o.runResearch(ctx, req, cmd, emit)
	default:
		return o.runAuto(ctx, req, cmd)
	}
}

func (o *Orchestrator) runDirect(ctx context.Context, req Request, cmd Command) (*Result, error) {
	a, err := o.registry.Get(cmd.Agent, req.TenantID)
	if err != nil {
		return nil, err
	}

	o.logger.Debugw("Direct agent dispatch", "agent", cmd.Agent, "tenant_id", req.TenantID)

	resp, err := a.Chat(ctx, agent.Request{
		Prompt:      cmd.Text,
		ChatHistory: req.ChatHistory,
		TenantID:    req.TenantID,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "direct dispatch to %s failed", cmd.Agent)
	}

	resp.Metadata = withSelectionMetadata(resp.Metadata, "explicit", "user addressed @"+cmd.Agent)
	return &Result{AgentName: a.Name(), Response: resp}, nil
}

func (o *Orchestrator) runAuto(ctx context.Context, req Request, cmd Command) (*Result, error) {
	a, reasoning, err := o.selectAgent(ctx, req.TenantID, cmd.Text)
	if err != nil {
		return nil, err
	}

	o.logger.Debugw("Auto-selected agent",
		"agent", a.Name(), "tenant_id", req.TenantID, "reasoning", reasoning)

	resp, err := a.Chat(ctx, agent.Request{
		Prompt:      cmd.Text,
		ChatHistory: req.ChatHistory,
		TenantID:    req.TenantID,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dispatch to selected agent %s failed", a.Name())
	}

	resp.Metadata = withSelectionMetadata(resp.Metadata, "auto", reasoning)
	return &Result{AgentName: a.Name(), Response: resp}, nil
}

func withSelectionMetadata(metadata map[string]interface{}, mode, reasoning string) map[string]interface{} {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["selection_mode"] = mode
	metadata["selection_reasoning"] = reasoning
	return metadata
}
