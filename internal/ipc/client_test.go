package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/common/config"
)

func newTestClient(t *testing.T, groupDir string) *Client {
	t.Helper()
	return NewClient(groupDir, 5*time.Millisecond, nil)
}

func writeResultFile(t *testing.T, groupDir, requestID string, body map[string]interface{}) {
	t.Helper()
	dir := filepath.Join(groupDir, resultsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, requestID+".json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestClientWriteRequest(t *testing.T) {
	groupDir := t.TempDir()
	c := newTestClient(t, groupDir)

	requestID, err := c.WriteRequest("email_send", map[string]interface{}{"inbox": "family"})
	if err != nil {
		t.Fatalf("WriteRequest failed: %v", err)
	}
	if requestID == "" {
		t.Fatal("expected a generated requestId")
	}

	data, err := os.ReadFile(filepath.Join(groupDir, requestsDir, requestID+".json"))
	if err != nil {
		t.Fatalf("request file missing: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("request file is not valid JSON: %v", err)
	}
	if body["type"] != "email_send" || body["requestId"] != requestID || body["inbox"] != "family" {
		t.Errorf("unexpected request body: %v", body)
	}
}

func TestClientAwaitResultDeleteAfterRead(t *testing.T) {
	groupDir := t.TempDir()
	c := newTestClient(t, groupDir)

	writeResultFile(t, groupDir, "r1", map[string]interface{}{"success": true, "value": 42})

	result, err := c.AwaitResult(context.Background(), "r1", time.Second)
	if err != nil {
		t.Fatalf("AwaitResult failed: %v", err)
	}
	if !result.Success {
		t.Error("expected success")
	}

	var fields struct {
		Value int `json:"value"`
	}
	if err := result.Bind(&fields); err != nil || fields.Value != 42 {
		t.Errorf("handler fields not preserved: %v %v", fields, err)
	}

	if _, err := os.Stat(filepath.Join(groupDir, resultsDir, "r1.json")); !os.IsNotExist(err) {
		t.Error("result file must be deleted after read")
	}

	// A second await finds nothing: results are consumed at most once.
	if _, err := c.AwaitResult(context.Background(), "r1", 30*time.Millisecond); err == nil {
		t.Error("consumed result must not be readable again")
	}
}

func TestClientAwaitResultTimeout(t *testing.T) {
	c := newTestClient(t, t.TempDir())

	start := time.Now()
	_, err := c.AwaitResult(context.Background(), "missing", 50*time.Millisecond)

	var timeoutErr *AwaitTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected AwaitTimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took too long: %s", elapsed)
	}
}

func TestClientAwaitResultRemoteError(t *testing.T) {
	groupDir := t.TempDir()
	c := newTestClient(t, groupDir)

	writeResultFile(t, groupDir, "r2", map[string]interface{}{
		"success": false, "error": "not your inbox",
	})

	result, err := c.AwaitResult(context.Background(), "r2", time.Second)

	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remoteErr.Message != "not your inbox" {
		t.Errorf("unexpected message %q", remoteErr.Message)
	}
	if result == nil || result.Success {
		t.Error("failed result should still be returned for inspection")
	}
}

func TestClientGatewayRoundTrip(t *testing.T) {
	root := t.TempDir()
	groupDir := filepath.Join(root, "family")

	g := NewGateway(config.IPCConfig{RootDir: root, PollInterval: 10, ClientTimeout: 5},
		"main", nil, testLogger(t), nil, nil)
	g.RegisterHandler("ping", func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		return map[string]interface{}{"pong": true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)
	defer g.Stop()

	c := newTestClient(t, groupDir)
	result, err := c.Call(context.Background(), "ping", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	var fields struct {
		Pong bool `json:"pong"`
	}
	if err := result.Bind(&fields); err != nil || !fields.Pong {
		t.Errorf("round trip lost handler fields: %+v %v", fields, err)
	}
}
