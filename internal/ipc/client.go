package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/internal/common/clock"
)

// Result is one parsed result file.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`

	// Raw is the complete result JSON for handler-specific fields.
	Raw json.RawMessage `json:"-"`
}

// Bind unmarshals the handler-specific fields into v.
func (r *Result) Bind(v interface{}) error {
	return json.Unmarshal(r.Raw, v)
}

// AwaitTimeoutError reports that no result file appeared in time. The
// host-side result, if it lands later, is an orphaned file.
type AwaitTimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *AwaitTimeoutError) Error() string {
	return fmt.Sprintf("no result for request %s within %s", e.RequestID, e.Timeout)
}

// RemoteError reports a result with success:false.
type RemoteError struct {
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("request %s failed: %s", e.RequestID, e.Message)
}

// Client is the sandbox side of the protocol. It sees exactly one
// requests/ and results/ pair through its own mounts.
type Client struct {
	requestDir   string
	resultDir    string
	pollInterval time.Duration
	clock        clock.Clock
}

// NewClient creates a client over one group's IPC directory.
func NewClient(groupDir string, pollInterval time.Duration, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.New()
	}
	return &Client{
		requestDir:   filepath.Join(groupDir, requestsDir),
		resultDir:    filepath.Join(groupDir, resultsDir),
		pollInterval: pollInterval,
		clock:        clk,
	}
}

// WriteRequest assigns a fresh requestId, merges it with the payload,
// and drops the request file atomically. Returns the requestId to
// await on.
func (c *Client) WriteRequest(reqType string, payload map[string]interface{}) (string, error) {
	if err := os.MkdirAll(c.requestDir, 0o755); err != nil {
		return "", err
	}

	requestID := uuid.New().String()
	body := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["type"] = reqType
	body["requestId"] = requestID

	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	tmp := filepath.Join(c.requestDir, ".tmp-"+requestID)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, filepath.Join(c.requestDir, requestID+".json")); err != nil {
		return "", err
	}
	return requestID, nil
}

// AwaitResult polls for <requestId>.json, consumes it (delete after
// read, so no result is seen twice), and maps success:false to a
// RemoteError. A missing file past the timeout is an AwaitTimeoutError.
func (c *Client) AwaitResult(ctx context.Context, requestID string, timeout time.Duration) (*Result, error) {
	path := filepath.Join(c.resultDir, requestID+".json")
	deadline := c.clock.Now().Add(timeout)

	for {
		data, err := os.ReadFile(path)
		if err == nil {
			os.Remove(path)

			var result Result
			if err := json.Unmarshal(data, &result); err != nil {
				return nil, fmt.Errorf("malformed result for request %s: %w", requestID, err)
			}
			result.Raw = json.RawMessage(data)

			if !result.Success {
				return &result, &RemoteError{RequestID: requestID, Message: result.Error}
			}
			return &result, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read result for request %s: %w", requestID, err)
		}

		if !c.clock.Now().Before(deadline) {
			return nil, &AwaitTimeoutError{RequestID: requestID, Timeout: timeout}
		}
		if err := c.clock.Sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Call is WriteRequest plus AwaitResult.
func (c *Client) Call(ctx context.Context, reqType string, payload map[string]interface{}, timeout time.Duration) (*Result, error) {
	requestID, err := c.WriteRequest(reqType, payload)
	if err != nil {
		return nil, err
	}
	return c.AwaitResult(ctx, requestID, timeout)
}
