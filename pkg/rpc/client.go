package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultAttemptTimeout = 15 * time.Second
	maxAttempts           = 2
	retryDelay            = 100 * time.Millisecond
)

// Client is the stub for the peer's AppendLog service. Each call makes a
// small fixed number of attempts with a bounded per-attempt timeout; the
// replicator's own indefinite retry loop sits above this.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a stub for the peer at addr ("host:port" or a full
// http:// URL). timeout bounds a single attempt; 0 means the default.
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// AppendLog ships the record starting at offset to the peer. A non-nil
// error means the transport failed; rejections come back as a response
// with Success=false.
func (c *Client) AppendLog(ctx context.Context, offset int64, payload []byte) (*AppendLogResponse, error) {
	body, err := json.Marshal(AppendLogRequest{
		Offset:  uint32(offset),
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal appendlog request: %w", err)
	}
	requestID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}
		resp, err := c.send(ctx, body, requestID)
		if err != nil {
			lastErr = err
			slog.Warn("appendlog attempt failed",
				"attempt", attempt+1,
				"offset", offset,
				"request_id", requestID,
				"error", err)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("appendlog failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) send(ctx context.Context, body []byte, requestID string) (*AppendLogResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+AppendLogPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}

	var out AppendLogResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode appendlog response: %w", err)
	}
	return &out, nil
}
