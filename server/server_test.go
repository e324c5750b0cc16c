package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/agent"
	"github.com/threadline/threadline/config"
	"github.com/threadline/threadline/dispatch"
	tltest "github.com/threadline/threadline/internal/testing"
	"github.com/threadline/threadline/job"
	"github.com/threadline/threadline/llm"
	"github.com/threadline/threadline/orchestrator"
	"github.com/threadline/threadline/processor"
	"github.com/threadline/threadline/ratelimit"
	"github.com/threadline/threadline/rescuer"
	"github.com/threadline/threadline/scheduler"
)

// echoAgent replies with a fixed prefix plus the prompt
type echoAgent struct {
	name string
}

func (a *echoAgent) Name() string           { return a.name }
func (a *echoAgent) Description() string    { return a.name + " agent" }
func (a *echoAgent) Capabilities() []string { return []string{a.name} }
func (a *echoAgent) Chat(ctx context.Context, req agent.Request) (*agent.Response, error) {
	return &agent.Response{
		Content:  "echo: " + req.Prompt,
		Metadata: map[string]interface{}{"agent": a.name},
	}, nil
}

// stubLLM is never consulted in these tests (direct routing only)
type stubLLM struct{}

func (stubLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: "general"}, nil
}

type fixture struct {
	ts       *httptest.Server
	jobs     *job.Store
	messages *job.MessageStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := tltest.CreateTestDB(t)
	jobs := job.NewStore(db)
	messages := job.NewMessageStore(db)
	limiter := ratelimit.NewLimiter(db, []string{"0xpro"})

	registry := agent.NewRegistry()
	registry.Register(&echoAgent{name: "general"})
	registry.Register(&echoAgent{name: "crypto"})

	orch := orchestrator.New(registry, stubLLM{}, orchestrator.Config{}, nil)
	sched := scheduler.New(jobs, scheduler.Config{}, nil)
	proc := processor.New(jobs, messages, dispatch.NewLocalCaller(orch), processor.Config{InitialBackoff: time.Millisecond}, nil)
	resc := rescuer.New(jobs, messages, rescuer.Config{}, nil)

	srv := New(jobs, messages, limiter, orch, sched, proc, resc, &config.Config{}, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, jobs: jobs, messages: messages}
}

func (f *fixture) post(t *testing.T, path string, body interface{}, wallet string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		req.Header.Set(walletHeader, wallet)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (f *fixture) get(t *testing.T, path, wallet string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	require.NoError(t, err)
	if wallet != "" {
		req.Header.Set(walletHeader, wallet)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_CreateAndFetchJob(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/jobs", CreateJobRequest{
		Name:           "btc check",
		InitialMessage: "what is the BTC price",
	}, "0xpro")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created job.Job
	decodeBody(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, job.StatusPending, created.Status)
	assert.Equal(t, "0xpro", created.TenantID)

	resp = f.get(t, "/api/jobs/"+created.ID, "0xpro")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched job.Job
	decodeBody(t, resp, &fetched)
	assert.Equal(t, created.ID, fetched.ID)

	resp = f.get(t, "/api/jobs", "0xpro")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListJobsResponse
	decodeBody(t, resp, &list)
	assert.Equal(t, 1, list.Count)
}

func TestServer_CreateJobValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/jobs", CreateJobRequest{Name: "no message"}, "0xpro")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/api/jobs", CreateJobRequest{
		Name: "bad schedule", InitialMessage: "x",
		IsScheduled: true, ScheduleType: "fortnightly",
	}, "0xpro")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/api/jobs", CreateJobRequest{
		Name: "custom needs interval", InitialMessage: "x",
		IsScheduled: true, ScheduleType: "custom",
	}, "0xpro")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_TenantIsolation(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/jobs", CreateJobRequest{
		Name: "mine", InitialMessage: "secret",
	}, "0xpro")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created job.Job
	decodeBody(t, resp, &created)

	resp = f.get(t, "/api/jobs/"+created.ID, "0xother")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

// Creating a scheduled template, forcing an engine pass, and reading the
// messages exercises the whole pipeline end to end.
func TestServer_EngineTriggerRunsPipeline(t *testing.T) {
	f := newFixture(t)

	due := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	resp := f.post(t, "/api/jobs", CreateJobRequest{
		Name:           "hourly digest",
		InitialMessage: "@general summarize",
		IsScheduled:    true,
		ScheduleType:   "hourly",
		ScheduleTime:   due,
	}, "0xpro")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tmpl job.Job
	decodeBody(t, resp, &tmpl)

	resp = f.post(t, "/api/engine/trigger", struct{}{}, "0xpro")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trigger EngineTriggerResponse
	decodeBody(t, resp, &trigger)
	assert.Equal(t, 1, trigger.Scheduler.Spawned)
	assert.Equal(t, 1, trigger.Processor.Claimed)
	assert.Equal(t, 1, trigger.Processor.Completed)

	// The spawned instance carries the assistant reply
	list, err := f.jobs.ListByTenant(context.Background(), "0xpro", 50)
	require.NoError(t, err)
	var instance *job.Job
	for _, j := range list {
		if j.ParentJobID == tmpl.ID {
			instance = j
		}
	}
	require.NotNil(t, instance)
	assert.Equal(t, job.StatusCompleted, instance.Status)

	resp = f.get(t, "/api/jobs/"+instance.ID+"/messages", "0xpro")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs struct {
		Messages []*job.Message `json:"messages"`
		Count    int            `json:"count"`
	}
	decodeBody(t, resp, &msgs)
	require.Equal(t, 2, msgs.Count)
	assert.Equal(t, job.RoleAssistant, msgs.Messages[1].Role)
	assert.Contains(t, msgs.Messages[1].Content, "echo:")
}

func TestServer_EngineStatus(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/api/engine/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status EngineStatusResponse
	decodeBody(t, resp, &status)
	assert.False(t, status.Scheduler.IsRunning)
	assert.False(t, status.Processor.IsRunning)
	assert.False(t, status.Rescuer.IsRunning)
	assert.Greater(t, status.Processor.IntervalMS, int64(0))
}

func TestServer_OrchestrateBlocking(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/orchestrate", dispatch.Request{
		Prompt: "@crypto price of ETH",
	}, "0xpro")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result dispatch.Result
	decodeBody(t, resp, &result)
	assert.Equal(t, "crypto", result.CurrentAgent)
	assert.Equal(t, "echo: price of ETH", result.Response.Content)
}

func TestServer_OrchestrateUnknownAgentIs404(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/orchestrate", dispatch.Request{
		Prompt: "@ghost hello",
	}, "0xpro")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

// Anonymous orchestration allows five calls per minute; the sixth gets
// 429 with the window status attached.
func TestServer_OrchestrateRateLimited(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		resp := f.post(t, "/api/orchestrate", dispatch.Request{Prompt: "@general hi"}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode, "call %d", i+1)
		resp.Body.Close()
	}

	resp := f.post(t, "/api/orchestrate", dispatch.Request{Prompt: "@general hi"}, "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	var body struct {
		Error string            `json:"error"`
		Limit *ratelimit.Status `json:"limit"`
	}
	decodeBody(t, resp, &body)
	assert.Contains(t, body.Error, "orchestration")
	require.NotNil(t, body.Limit)
	assert.Equal(t, 0, body.Limit.Remaining)
	assert.False(t, body.Limit.ResetTime.IsZero())
}

func TestServer_RateLimitStatus(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/api/ratelimit/status", "0xpro")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Identifier string              `json:"identifier"`
		Tier       string              `json:"tier"`
		Limits     []*ratelimit.Status `json:"limits"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "0xpro", body.Identifier)
	assert.Equal(t, "pro", body.Tier)
	require.Len(t, body.Limits, len(ratelimit.Categories))
	for _, limit := range body.Limits {
		assert.Equal(t, limit.Max, limit.Remaining, "status reads must not consume")
	}
}

func TestServer_OrchestrateWebSocketStream(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/orchestrate"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{walletHeader: []string{"0xpro"}})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(dispatch.Request{Prompt: "@general stream me"}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event orchestrator.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, orchestrator.EventFlowEnd, event.Type)
	assert.Equal(t, "general", event.Agent)
	assert.Equal(t, "echo: stream me", event.Content)

	// Stream closes after the terminal event
	err = conn.ReadJSON(&event)
	require.Error(t, err)
}

func TestServer_OrchestrateWebSocketBadRequest(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/orchestrate"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(dispatch.Request{}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event orchestrator.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, orchestrator.EventError, event.Type)
	assert.Contains(t, event.Error, "prompt")
}

func TestServer_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/api/engine/trigger", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/jobs", nil)
	require.NoError(t, err)
	resp, err = f.ts.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/api/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestServer_ClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:54321"
	assert.Equal(t, "203.0.113.7", clientIP(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.2, 10.0.0.1")
	assert.Equal(t, "198.51.100.2", clientIP(r))
}

func TestServer_ShutdownWithoutStart(t *testing.T) {
	s := &Server{}
	require.NoError(t, s.Shutdown(context.Background()))
}
