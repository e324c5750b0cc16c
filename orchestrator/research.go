package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/threadline/threadline/agent"
	"github.com/threadline/threadline/errors"
	"github.com/threadline/threadline/llm"
)

// subtaskRun tracks one dispatched research subtask through execution
type subtaskRun struct {
	index     int
	text      string
	agentName string
	output    string
	failed    bool
	done      chan struct{}
}

// runResearch executes the multi-agent flow: summarize history, decompose
// into subtasks, dispatch each to its best agent with bounded concurrency
// and a per-subtask timeout, then synthesize a final answer. Failed or
// timed-out subtasks contribute explanatory placeholders so synthesis can
// proceed on the successes.
func (o *Orchestrator) runResearch(ctx context.Context, req Request, cmd Command, emit func(Event) bool) (*Result, error) {
	if emit == nil {
		emit = func(Event) bool { return true }
	}

	emit(Event{Type: EventFlowStart, Content: cmd.Text})

	historySummary := o.summarizeHistory(ctx, req.ChatHistory)

	subtasks, err := o.decompose(ctx, cmd.Text, historySummary)
	if err != nil {
		return nil, err
	}

	o.logger.Infow("Research flow decomposed",
		"subtasks", len(subtasks), "tenant_id", req.TenantID)

	// Assign an agent per subtask before dispatch so the dispatch events
	// carry the chosen agent
	runs := make([]*subtaskRun, len(subtasks))
	for i, text := range subtasks {
		a, _, err := o.selectAgent(ctx, req.TenantID, text)
		if err != nil {
			return nil, errors.Wrapf(err, "no agent for subtask %d", i)
		}
		runs[i] = &subtaskRun{
			index:     i,
			text:      text,
			agentName: a.Name(),
			done:      make(chan struct{}),
		}
	}

	for _, run := range runs {
		idx := run.index
		if !emit(Event{Type: EventSubtaskDispatch, Agent: run.agentName, SubtaskIndex: &idx, Subtask: run.text}) {
			return nil, ctx.Err()
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.config.SubtaskConcurrency)
	for _, run := range runs {
		run := run
		group.Go(func() error {
			defer close(run.done)
			o.executeSubtask(groupCtx, req, historySummary, run)
			return nil
		})
	}

	// Emit results in dispatch order as each becomes available
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		idx := run.index
		if !emit(Event{Type: EventSubtaskResult, Agent: run.agentName, SubtaskIndex: &idx, Subtask: run.text, Content: run.output}) {
			return nil, ctx.Err()
		}
	}
	group.Wait()

	if !emit(Event{Type: EventSynthesisStart}) {
		return nil, ctx.Err()
	}

	answer, err := o.synthesize(ctx, cmd.Text, runs)
	if err != nil {
		return nil, err
	}

	if !emit(Event{Type: EventSynthesisComplete, Content: answer}) {
		return nil, ctx.Err()
	}

	agents := make([]string, 0, len(runs))
	summaries := make([]map[string]interface{}, 0, len(runs))
	for _, run := range runs {
		agents = append(agents, run.agentName)
		summaries = append(summaries, map[string]interface{}{
			"subtask": run.text,
			"agent":   run.agentName,
			"failed":  run.failed,
		})
	}

	return &Result{
		AgentName: "research",
		Response: &agent.Response{
			Content: answer,
			Metadata: map[string]interface{}{
				"selection_mode":      "research",
				"contributing_agents": agents,
				"subtasks":            summaries,
			},
		},
	}, nil
}

// executeSubtask runs one subtask under its timeout, degrading failures
// into explanatory output instead of propagating errors.
func (o *Orchestrator) executeSubtask(ctx context.Context, req Request, historySummary string, run *subtaskRun) {
	subtaskCtx, cancel := context.WithTimeout(ctx, o.config.SubtaskTimeout)
	defer cancel()

	a, err := o.registry.Get(run.agentName, req.TenantID)
	if err != nil {
		run.failed = true
		run.output = fmt.Sprintf("Subtask could not run: %v", err)
		return
	}

	prompt := run.text
	if historySummary != "" {
		prompt = fmt.Sprintf("Context from earlier conversation: %s\n\nSubtask: %s", historySummary, run.text)
	}

	resp, err := a.Chat(subtaskCtx, agent.Request{
		Prompt:   prompt,
		TenantID: req.TenantID,
	})
	if err != nil {
		run.failed = true
		if errors.Is(err, context.DeadlineExceeded) || subtaskCtx.Err() != nil {
			run.output = fmt.Sprintf("Subtask %q timed out after %s and produced no result.", run.text, o.config.SubtaskTimeout)
		} else {
			run.output = fmt.Sprintf("Subtask %q failed: %v", run.text, err)
		}
		o.logger.Warnw("Research subtask failed",
			"subtask_index", run.index, "agent", run.agentName, "error", err)
		return
	}
	run.output = resp.Content
}

// summarizeHistory condenses prior conversation turns for decomposition
// and subtask prompts. Falls back to joining the most recent turns when
// the model is unavailable.
func (o *Orchestrator) summarizeHistory(ctx context.Context, history []string) string {
	if len(history) == 0 {
		return ""
	}

	maxTokens := 200
	resp, err := o.client.Chat(ctx, chatRequestWithTokens(
		"Summarize the conversation below in at most three sentences, keeping concrete facts and open questions.",
		strings.Join(history, "\n"), &maxTokens))
	if err != nil {
		o.logger.Debugw("History summarization failed, using tail", "error", err)
		tail := history
		if len(tail) > 3 {
			tail = tail[len(tail)-3:]
		}
		return strings.Join(tail, " / ")
	}
	return resp.Content
}

// decompose breaks the request into at most MaxSubtasks subtask strings
// via structured model output. A malformed answer degrades to a single
// subtask carrying the whole request.
func (o *Orchestrator) decompose(ctx context.Context, prompt, historySummary string) ([]string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Break this request into at most %d independent subtasks.\n", o.config.MaxSubtasks)
	b.WriteString("Respond with only a JSON array of strings, one per subtask.\n\n")
	if historySummary != "" {
		fmt.Fprintf(&b, "Conversation context: %s\n\n", historySummary)
	}
	fmt.Fprintf(&b, "Request: %s", prompt)

	maxTokens := 400
	resp, err := o.client.Chat(ctx, chatRequestWithTokens(
		"You decompose complex requests into independent research subtasks.",
		b.String(), &maxTokens))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompose request")
	}

	subtasks := parseSubtaskList(resp.Content)
	if len(subtasks) == 0 {
		o.logger.Debugw("Decomposition produced no parseable subtasks, using whole request",
			"answer", resp.Content)
		subtasks = []string{prompt}
	}
	if len(subtasks) > o.config.MaxSubtasks {
		subtasks = subtasks[:o.config.MaxSubtasks]
	}
	return subtasks, nil
}

// parseSubtaskList extracts a JSON string array from a model answer,
// tolerating surrounding prose or code fences.
func parseSubtaskList(answer string) []string {
	start := strings.Index(answer, "[")
	end := strings.LastIndex(answer, "]")
	if start < 0 || end <= start {
		return nil
	}

	var items []string
	if err := json.Unmarshal([]byte(answer[start:end+1]), &items); err != nil {
		return nil
	}

	subtasks := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			subtasks = append(subtasks, trimmed)
		}
	}
	return subtasks
}

// synthesize produces the final answer from all subtask outputs.
func (o *Orchestrator) synthesize(ctx context.Context, prompt string, runs []*subtaskRun) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\n\nSubtask findings:\n", prompt)
	for _, run := range runs {
		fmt.Fprintf(&b, "\n[%d] %s (agent: %s)\n%s\n", run.index+1, run.text, run.agentName, run.output)
	}
	b.WriteString("\nCompose a single coherent answer to the original request from these findings. Note any subtasks that failed.")

	resp, err := o.client.Chat(ctx, llm.ChatRequest{
		SystemPrompt: "You synthesize research findings into one final answer.",
		UserPrompt:   b.String(),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to synthesize research results")
	}
	return resp.Content, nil
}

func chatRequestWithTokens(systemPrompt, userPrompt string, maxTokens *int) llm.ChatRequest {
	return llm.ChatRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		MaxTokens:    maxTokens,
	}
}
