package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *HTTPClient) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewHTTPClient(Config{
		APIKey:  "test-key",
		BaseURL: server.URL,
	})
	client.SetHTTPClient(server.Client())
	return server, client
}

func TestHTTPClient_Chat(t *testing.T) {
	var gotAuth string
	var gotReq chatCompletionRequest

	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "  42  "}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12},
		})
	})

	resp, err := client.Chat(context.Background(), ChatRequest{
		SystemPrompt: "be terse",
		UserPrompt:   "what is the answer?",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "42", resp.Content, "content should be trimmed")
	assert.Equal(t, 12, resp.Usage.TotalTokens)

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
	assert.Equal(t, DefaultModel, gotReq.Model)
}

func TestHTTPClient_ChatModelOverride(t *testing.T) {
	var gotReq chatCompletionRequest
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "ok"}},
			},
		})
	})

	model := "anthropic/claude-sonnet-4.5"
	_, err := client.Chat(context.Background(), ChatRequest{
		UserPrompt: "hi",
		Model:      &model,
	})
	require.NoError(t, err)
	assert.Equal(t, model, gotReq.Model)
}

func TestHTTPClient_ChatErrorStatus(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid model", http.StatusBadRequest)
	})

	_, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestHTTPClient_ChatEmptyChoices(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	})

	_, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response choices")
}

func TestHTTPClient_ChatRequiresAPIKey(t *testing.T) {
	client := NewHTTPClient(Config{})
	assert.False(t, client.IsConfigured())

	_, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}
