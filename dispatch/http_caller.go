package dispatch

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"context"

	"go.uber.org/zap"

	"github.com/threadline/threadline/errors"
)

// HTTPCaller posts orchestration requests to a remote endpoint.
type HTTPCaller struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

var _ Caller = (*HTTPCaller)(nil)

// NewHTTPCaller creates a caller against baseURL (the endpoint is
// baseURL + /api/orchestrate).
func NewHTTPCaller(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *HTTPCaller {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HTTPCaller{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Orchestrate posts the request and decodes the result. Network
// failures and 5xx responses wrap ErrTransientDispatch so the processor
// retries them; a 404 means the named agent does not exist and 4xx
// responses are terminal.
func (c *HTTPCaller) Orchestrate(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal orchestration request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/orchestrate", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create orchestration request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrTransientDispatch, "orchestration call failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrTransientDispatch, "failed to read orchestration response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.NewAgentNotFoundError("orchestration endpoint reported unknown agent: %s", strings.TrimSpace(string(respBody)))
	case resp.StatusCode >= 500:
		return nil, errors.Wrapf(errors.ErrTransientDispatch, "orchestration endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	case resp.StatusCode >= 400:
		return nil, errors.Newf("orchestration request rejected with %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode orchestration response")
	}
	return &result, nil
}
