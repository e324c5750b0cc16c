package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/agent"
	"github.com/threadline/threadline/errors"
	"github.com/threadline/threadline/llm"
)

// scriptClient routes chat calls to a test-provided function
type scriptClient struct {
	fn func(req llm.ChatRequest) (*llm.ChatResponse, error)
}

func (s *scriptClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.fn(req)
}

// echoAgent replies with a recognizable string and records prompts
type echoAgent struct {
	mu           sync.Mutex
	name         string
	capabilities []string
	prompts      []string
	delay        time.Duration
	err          error
}

func (e *echoAgent) Name() string           { return e.name }
func (e *echoAgent) Description() string    { return e.name + " agent" }
func (e *echoAgent) Capabilities() []string { return e.capabilities }
func (e *echoAgent) Chat(ctx context.Context, req agent.Request) (*agent.Response, error) {
	e.mu.Lock()
	e.prompts = append(e.prompts, req.Prompt)
	e.mu.Unlock()
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return &agent.Response{Content: e.name + ": " + req.Prompt}, nil
}

func failingClient() llm.Client {
	return &scriptClient{fn: func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, errors.New("model unavailable")
	}}
}

func newTestOrchestrator(client llm.Client, agents ...agent.Agent) *Orchestrator {
	registry := agent.NewRegistry()
	for _, a := range agents {
		registry.Register(a)
	}
	return New(registry, client, Config{}, nil)
}

func TestOrchestrate_DirectRouting(t *testing.T) {
	crypto := &echoAgent{name: "crypto", capabilities: []string{"crypto", "prices"}}
	o := newTestOrchestrator(failingClient(), crypto)

	result, err := o.Orchestrate(context.Background(), Request{
		Prompt:   "@crypto what is BTC at?",
		TenantID: "tenant-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "crypto", result.AgentName)
	assert.Equal(t, "crypto: what is BTC at?", result.Response.Content)
	assert.Equal(t, "explicit", result.Response.Metadata["selection_mode"])
}

func TestOrchestrate_DirectUnknownAgent(t *testing.T) {
	o := newTestOrchestrator(failingClient(), &echoAgent{name: "general"})

	_, err := o.Orchestrate(context.Background(), Request{
		Prompt: "@ghost do something",
	})
	require.Error(t, err)
	assert.True(t, errors.IsAgentNotFound(err))
}

func TestOrchestrate_AutoSelectionViaModel(t *testing.T) {
	client := &scriptClient{fn: func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		if strings.Contains(req.SystemPrompt, "route user requests") {
			return &llm.ChatResponse{Content: "crypto: the request is about token prices"}, nil
		}
		return nil, errors.New("unexpected call")
	}}
	crypto := &echoAgent{name: "crypto", capabilities: []string{"crypto", "prices"}}
	general := &echoAgent{name: "general", capabilities: []string{"general knowledge"}}
	o := newTestOrchestrator(client, crypto, general)

	result, err := o.Orchestrate(context.Background(), Request{
		Prompt:   "how much is ETH worth today?",
		TenantID: "tenant-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "crypto", result.AgentName)
	assert.Equal(t, "auto", result.Response.Metadata["selection_mode"])
	assert.Contains(t, result.Response.Metadata["selection_reasoning"], "token prices")
}

func TestOrchestrate_AutoSelectionKeywordFallback(t *testing.T) {
	// Model is down; keyword overlap must decide
	crypto := &echoAgent{name: "crypto", capabilities: []string{"crypto", "prices", "tokens"}}
	general := &echoAgent{name: "general", capabilities: []string{"conversation"}}
	o := newTestOrchestrator(failingClient(), crypto, general)

	result, err := o.Orchestrate(context.Background(), Request{
		Prompt: "check the latest crypto token prices",
	})
	require.NoError(t, err)
	assert.Equal(t, "crypto", result.AgentName)
	assert.Contains(t, result.Response.Metadata["selection_reasoning"], "keyword match")
}

func TestOrchestrate_AutoSelectionDefaultsToGeneral(t *testing.T) {
	crypto := &echoAgent{name: "crypto", capabilities: []string{"crypto"}}
	general := &echoAgent{name: "general", capabilities: []string{"zzz"}}
	o := newTestOrchestrator(failingClient(), crypto, general)

	result, err := o.Orchestrate(context.Background(), Request{
		Prompt: "tell me a story",
	})
	require.NoError(t, err)
	assert.Equal(t, "general", result.AgentName)
}

func TestOrchestrate_NoAgentsAvailable(t *testing.T) {
	o := newTestOrchestrator(failingClient())
	_, err := o.Orchestrate(context.Background(), Request{Prompt: "anything"})
	require.Error(t, err)
	assert.True(t, errors.IsAgentNotFound(err))
}

// researchClient scripts decomposition and synthesis; selection calls
// fail so keyword fallback picks agents deterministically.
func researchClient(subtasksJSON string) llm.Client {
	return &scriptClient{fn: func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		switch {
		case strings.Contains(req.SystemPrompt, "decompose"):
			return &llm.ChatResponse{Content: subtasksJSON}, nil
		case strings.Contains(req.SystemPrompt, "synthesize"):
			return &llm.ChatResponse{Content: "final synthesis"}, nil
		default:
			return nil, errors.New("selection model down")
		}
	}}
}

func TestOrchestrate_ResearchFlow(t *testing.T) {
	crypto := &echoAgent{name: "crypto", capabilities: []string{"crypto", "prices"}}
	code := &echoAgent{name: "code", capabilities: []string{"code", "programming"}}
	client := researchClient(`["crypto prices of BTC", "code to fetch prices"]`)
	o := newTestOrchestrator(client, crypto, code)

	result, err := o.Orchestrate(context.Background(), Request{
		Prompt:      "research BTC price tooling",
		UseResearch: true,
		TenantID:    "tenant-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "research", result.AgentName)
	assert.Equal(t, "final synthesis", result.Response.Content)

	agents, ok := result.Response.Metadata["contributing_agents"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"crypto", "code"}, agents)
}

func TestOrchestrate_ResearchPartialFailure(t *testing.T) {
	crypto := &echoAgent{name: "crypto", capabilities: []string{"crypto", "prices"}}
	broken := &echoAgent{name: "code", capabilities: []string{"code"}, err: errors.New("tool crashed")}
	client := researchClient(`["crypto prices today", "code for the fetcher"]`)
	o := newTestOrchestrator(client, crypto, broken)

	result, err := o.Orchestrate(context.Background(), Request{
		Prompt:      "whatever",
		UseResearch: true,
	})
	require.NoError(t, err, "one failed subtask must not fail the flow")
	assert.Equal(t, "final synthesis", result.Response.Content)

	summaries, ok := result.Response.Metadata["subtasks"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, summaries, 2)
	assert.Equal(t, false, summaries[0]["failed"])
	assert.Equal(t, true, summaries[1]["failed"])
}

func TestOrchestrate_ResearchCapsSubtasks(t *testing.T) {
	general := &echoAgent{name: "general", capabilities: []string{"general"}}
	client := researchClient(`["a", "b", "c", "d", "e", "f", "g"]`)
	o := newTestOrchestrator(client, general)

	result, err := o.Orchestrate(context.Background(), Request{
		Prompt:      "big question",
		UseResearch: true,
	})
	require.NoError(t, err)

	summaries := result.Response.Metadata["subtasks"].([]map[string]interface{})
	assert.Len(t, summaries, DefaultMaxSubtasks)
}

func TestOrchestrateStream_EventOrder(t *testing.T) {
	crypto := &echoAgent{name: "crypto", capabilities: []string{"crypto", "prices"}}
	code := &echoAgent{name: "code", capabilities: []string{"code", "programming"}}
	client := researchClient(`["crypto prices", "code fetcher"]`)
	o := newTestOrchestrator(client, crypto, code)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var events []Event
	for e := range o.OrchestrateStream(ctx, Request{Prompt: "research it", UseResearch: true}) {
		events = append(events, e)
	}

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []EventType{
		EventFlowStart,
		EventSubtaskDispatch, EventSubtaskDispatch,
		EventSubtaskResult, EventSubtaskResult,
		EventSynthesisStart,
		EventSynthesisComplete,
		EventFlowEnd,
	}, types)

	// Results arrive in dispatch order
	first := events[3]
	second := events[4]
	require.NotNil(t, first.SubtaskIndex)
	require.NotNil(t, second.SubtaskIndex)
	assert.Equal(t, 0, *first.SubtaskIndex)
	assert.Equal(t, 1, *second.SubtaskIndex)

	last := events[len(events)-1]
	assert.True(t, last.Terminal())
	assert.Equal(t, "final synthesis", last.Content)
}

func TestOrchestrateStream_ErrorTerminates(t *testing.T) {
	o := newTestOrchestrator(failingClient(), &echoAgent{name: "general"})

	var events []Event
	for e := range o.OrchestrateStream(context.Background(), Request{Prompt: "@ghost hi"}) {
		events = append(events, e)
	}
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Error, "ghost")
}

func TestOrchestrateStream_ConsumerCancelReleasesProducer(t *testing.T) {
	slow := &echoAgent{name: "general", capabilities: []string{"general"}, delay: 5 * time.Second}
	client := researchClient(`["one slow subtask"]`)
	o := newTestOrchestrator(client, slow)

	ctx, cancel := context.WithCancel(context.Background())
	stream := o.OrchestrateStream(ctx, Request{Prompt: "slow research", UseResearch: true})

	// Read the first event, then walk away
	<-stream
	cancel()

	select {
	case _, open := <-stream:
		for open {
			_, open = <-stream
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after consumer cancellation")
	}
}

func TestParseSubtaskList(t *testing.T) {
	cases := []struct {
		answer   string
		expected []string
	}{
		{`["a", "b"]`, []string{"a", "b"}},
		{"Here you go:\n```json\n[\"a\", \"b\"]\n```", []string{"a", "b"}},
		{`[" padded ", ""]`, []string{"padded"}},
		{"no json at all", nil},
		{"[not valid json]", nil},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			assert.Equal(t, tc.expected, parseSubtaskList(tc.answer))
		})
	}
}
