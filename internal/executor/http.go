package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/atelierhq/helix/internal/pkg/logger"
)

// HTTPBridge forwards agent invocations to an external runner service.
// This is the default out-of-process implementation of the Executor
// contract; the runner owns the actual model calls.
type HTTPBridge struct {
	log     *logger.Logger
	client  *http.Client
	baseURL string
}

func NewHTTPBridge(baseURL string, baseLog *logger.Logger) *HTTPBridge {
	return &HTTPBridge{
		log:     baseLog.With("component", "ExecutorBridge"),
		client:  &http.Client{Timeout: 0}, // deadline comes from ctx
		baseURL: baseURL,
	}
}

type bridgeRequest struct {
	AgentID    string         `json:"agent_id"`
	PromptText string         `json:"prompt_text"`
	Input      map[string]any `json:"input"`
}

type bridgeResponse struct {
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

func (b *HTTPBridge) Execute(ctx context.Context, agentID, promptText string, input map[string]any) (map[string]any, error) {
	body, err := json.Marshal(bridgeRequest{
		AgentID:    agentID,
		PromptText: promptText,
		Input:      input,
	})
	if err != nil {
		return nil, NewError(NonRetryable, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, NewError(NonRetryable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		// Deadline/cancellation surfaces through ctx; everything else on the
		// wire is transient.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewError(Retryable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(Retryable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewError(RateLimited, fmt.Errorf("runner rate limited"))
	case resp.StatusCode >= 500:
		return nil, NewError(Retryable, fmt.Errorf("runner returned %d", resp.StatusCode))
	default:
		return nil, NewError(NonRetryable, fmt.Errorf("runner returned %d: %s", resp.StatusCode, truncate(raw, 512)))
	}

	var out bridgeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NewError(Retryable, fmt.Errorf("decode runner response: %w", err))
	}
	if out.Error != "" {
		return nil, NewError(NonRetryable, fmt.Errorf("runner error: %s", out.Error))
	}
	b.log.Debug("Executor call finished", "agent_id", agentID, "elapsed", time.Since(start))
	return out.Output, nil
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
