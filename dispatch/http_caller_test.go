package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/errors"
)

func newCallerFor(t *testing.T, handler http.HandlerFunc) *HTTPCaller {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPCaller(server.URL, 5*time.Second, nil)
}

func TestHTTPCaller_Success(t *testing.T) {
	var gotReq Request
	caller := newCallerFor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/orchestrate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(Result{
			Response:     ResponseBody{Content: "BTC is up", Metadata: map[string]interface{}{"selection_mode": "auto"}},
			CurrentAgent: "crypto",
		})
	})

	result, err := caller.Orchestrate(context.Background(), Request{
		Prompt:         "check BTC",
		ConversationID: "job-1",
		TenantID:       "tenant-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "crypto", result.CurrentAgent)
	assert.Equal(t, "BTC is up", result.Response.Content)
	assert.Equal(t, "check BTC", gotReq.Prompt)
	assert.Equal(t, "job-1", gotReq.ConversationID)
}

func TestHTTPCaller_ServerErrorIsTransient(t *testing.T) {
	caller := newCallerFor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database down", http.StatusInternalServerError)
	})

	_, err := caller.Orchestrate(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestHTTPCaller_ConnectionFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	caller := NewHTTPCaller(url, time.Second, nil)
	_, err := caller.Orchestrate(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestHTTPCaller_NotFoundIsAgentNotFound(t *testing.T) {
	caller := newCallerFor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown agent: ghost", http.StatusNotFound)
	})

	_, err := caller.Orchestrate(context.Background(), Request{Prompt: "@ghost hi"})
	require.Error(t, err)
	assert.True(t, errors.IsAgentNotFound(err))
	assert.False(t, errors.IsTransient(err))
}

func TestHTTPCaller_BadRequestIsTerminal(t *testing.T) {
	caller := newCallerFor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "prompt required", http.StatusBadRequest)
	})

	_, err := caller.Orchestrate(context.Background(), Request{})
	require.Error(t, err)
	assert.False(t, errors.IsTransient(err))
	assert.False(t, errors.IsAgentNotFound(err))
}
