package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
)

const maxResponseBytes = 1 << 20 // 1 MiB

// HTTPCaller implements port.APICaller for API_CALL actions
type HTTPCaller struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPCaller creates an outbound HTTP caller
func NewHTTPCaller(timeout time.Duration, logger *zap.Logger) port.APICaller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCaller{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Call performs one HTTP request with a JSON body and returns the status
// code plus the (truncated) response body.
func (c *HTTPCaller) Call(ctx context.Context, method, url string, headers map[string]string, body map[string]any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("Outbound API call failed",
			zap.String("method", method),
			zap.String("url", url),
			zap.Error(err))
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	response, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("Outbound API call completed",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode))
	return resp.StatusCode, response, nil
}

// Verify interface compliance
var _ port.APICaller = (*HTTPCaller)(nil)
