package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	apperrors "github.com/burrowhq/burrow/internal/common/errors"
	"github.com/burrowhq/burrow/internal/common/logger"
	"github.com/burrowhq/burrow/internal/orchestrator/streaming"
	"github.com/burrowhq/burrow/internal/sandbox/registry"
	"github.com/burrowhq/burrow/internal/store"
	v1 "github.com/burrowhq/burrow/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// MockStore implements store.Store with overridable functions.
type MockStore struct {
	RegisterGroupFn func(ctx context.Context, group *v1.RegisteredGroup) error
	GetGroupByJIDFn func(ctx context.Context, jid string) (*v1.RegisteredGroup, error)
	ListGroupsFn    func(ctx context.Context) ([]*v1.RegisteredGroup, error)
	UpdateGroupFn   func(ctx context.Context, group *v1.RegisteredGroup) error
	DeleteGroupFn   func(ctx context.Context, jid string) error
}

func (m *MockStore) RegisterGroup(ctx context.Context, group *v1.RegisteredGroup) error {
	if m.RegisterGroupFn != nil {
		return m.RegisterGroupFn(ctx, group)
	}
	return nil
}

func (m *MockStore) GetGroupByJID(ctx context.Context, jid string) (*v1.RegisteredGroup, error) {
	if m.GetGroupByJIDFn != nil {
		return m.GetGroupByJIDFn(ctx, jid)
	}
	return nil, apperrors.NotFound("group", jid)
}

func (m *MockStore) GetGroupByFolder(ctx context.Context, folder string) (*v1.RegisteredGroup, error) {
	return nil, apperrors.NotFound("group", folder)
}

func (m *MockStore) ListGroups(ctx context.Context) ([]*v1.RegisteredGroup, error) {
	if m.ListGroupsFn != nil {
		return m.ListGroupsFn(ctx)
	}
	return []*v1.RegisteredGroup{}, nil
}

func (m *MockStore) UpdateGroup(ctx context.Context, group *v1.RegisteredGroup) error {
	if m.UpdateGroupFn != nil {
		return m.UpdateGroupFn(ctx, group)
	}
	return nil
}

func (m *MockStore) DeleteGroup(ctx context.Context, jid string) error {
	if m.DeleteGroupFn != nil {
		return m.DeleteGroupFn(ctx, jid)
	}
	return nil
}

func (m *MockStore) GetSession(ctx context.Context, folder string) (string, error) { return "", nil }
func (m *MockStore) SetSession(ctx context.Context, folder, sessionID string) error {
	return nil
}
func (m *MockStore) GetCursor(ctx context.Context, channel string) (string, error) { return "", nil }
func (m *MockStore) SetCursor(ctx context.Context, channel, cursor string) error   { return nil }
func (m *MockStore) Close() error                                                  { return nil }

// MockQueue implements Queue with overridable functions.
type MockQueue struct {
	DeliverFn    func(ctx context.Context, chatJID, text string) error
	CloseStdinFn func(chatJID string) error
	StatusFn     func(chatJID string) (*v1.GroupStatus, error)
	StatusAllFn  func() []*v1.GroupStatus
}

func (m *MockQueue) Deliver(ctx context.Context, chatJID, text string) error {
	if m.DeliverFn != nil {
		return m.DeliverFn(ctx, chatJID, text)
	}
	return nil
}

func (m *MockQueue) CloseStdin(chatJID string) error {
	if m.CloseStdinFn != nil {
		return m.CloseStdinFn(chatJID)
	}
	return nil
}

func (m *MockQueue) Status(chatJID string) (*v1.GroupStatus, error) {
	if m.StatusFn != nil {
		return m.StatusFn(chatJID)
	}
	return nil, apperrors.NotFound("group", chatJID)
}

func (m *MockQueue) StatusAll() []*v1.GroupStatus {
	if m.StatusAllFn != nil {
		return m.StatusAllFn()
	}
	return []*v1.GroupStatus{}
}

func setupTestRouter(st store.Store, q Queue) *gin.Engine {
	log := newTestLogger()
	router := gin.New()
	SetupRoutes(router, st, q, registry.NewRegistry(), streaming.NewHub(log), nil, log)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRegisterGroup(t *testing.T) {
	var registered *v1.RegisteredGroup
	st := &MockStore{
		RegisterGroupFn: func(ctx context.Context, group *v1.RegisteredGroup) error {
			registered = group
			return nil
		},
	}
	router := setupTestRouter(st, &MockQueue{})

	w := doJSON(t, router, http.MethodPost, "/api/v1/groups", RegisterGroupRequest{
		JID:    "12345@g.us",
		Name:   "Family",
		Folder: "family",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if registered == nil || registered.Folder != "family" {
		t.Fatalf("store did not receive the group: %+v", registered)
	}
	if registered.AddedAt.IsZero() {
		t.Error("expected AddedAt to be set")
	}
}

func TestRegisterGroupInvalidFolder(t *testing.T) {
	st := &MockStore{
		RegisterGroupFn: func(ctx context.Context, group *v1.RegisteredGroup) error {
			t.Fatal("store must not be reached for an invalid folder")
			return nil
		},
	}
	router := setupTestRouter(st, &MockQueue{})

	w := doJSON(t, router, http.MethodPost, "/api/v1/groups", RegisterGroupRequest{
		JID:    "12345@g.us",
		Folder: "../escape",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRegisterGroupMissingJID(t *testing.T) {
	router := setupTestRouter(&MockStore{}, &MockQueue{})

	w := doJSON(t, router, http.MethodPost, "/api/v1/groups", map[string]string{
		"folder": "family",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetGroupNotFound(t *testing.T) {
	router := setupTestRouter(&MockStore{}, &MockQueue{})

	w := doJSON(t, router, http.MethodGet, "/api/v1/groups/unknown@g.us", nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestInjectMessage(t *testing.T) {
	var gotJID, gotText string
	q := &MockQueue{
		DeliverFn: func(ctx context.Context, chatJID, text string) error {
			gotJID, gotText = chatJID, text
			return nil
		},
	}
	router := setupTestRouter(&MockStore{}, q)

	w := doJSON(t, router, http.MethodPost, "/api/v1/groups/12345@g.us/messages", InjectMessageRequest{
		Text:   "hello",
		Sender: "alice",
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if gotJID != "12345@g.us" {
		t.Errorf("expected jid from path, got %q", gotJID)
	}
	if gotText != "alice: hello" {
		t.Errorf("expected sender-prefixed text, got %q", gotText)
	}
}

func TestInjectMessageUnknownGroup(t *testing.T) {
	q := &MockQueue{
		DeliverFn: func(ctx context.Context, chatJID, text string) error {
			return apperrors.NotFound("group", chatJID)
		},
	}
	router := setupTestRouter(&MockStore{}, q)

	w := doJSON(t, router, http.MethodPost, "/api/v1/groups/nope/messages", InjectMessageRequest{
		Text: "hello",
	})

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestResetGroupNotRunning(t *testing.T) {
	q := &MockQueue{
		CloseStdinFn: func(chatJID string) error {
			return apperrors.BadRequest("group has no running sandbox")
		},
	}
	router := setupTestRouter(&MockStore{}, q)

	w := doJSON(t, router, http.MethodPost, "/api/v1/groups/12345@g.us/reset", nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetStatus(t *testing.T) {
	q := &MockQueue{
		StatusAllFn: func() []*v1.GroupStatus {
			return []*v1.GroupStatus{
				{JID: "a@g.us", Folder: "a", State: v1.GroupStateRunning},
				{JID: "b@g.us", Folder: "b", State: v1.GroupStateIdle},
			}
		},
	}
	router := setupTestRouter(&MockStore{}, q)

	w := doJSON(t, router, http.MethodGet, "/api/v1/status", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp StatusListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("expected 2 groups, got %d", resp.Total)
	}
}

func TestListProfiles(t *testing.T) {
	router := setupTestRouter(&MockStore{}, &MockQueue{})

	w := doJSON(t, router, http.MethodGet, "/api/v1/profiles", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp ProfilesListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total == 0 {
		t.Fatal("expected built-in profiles")
	}
	found := false
	for _, p := range resp.Profiles {
		if p.ID == "agent" {
			found = true
		}
	}
	if !found {
		t.Error("expected the agent profile to be listed")
	}
}

func TestHealthCheck(t *testing.T) {
	router := setupTestRouter(&MockStore{}, &MockQueue{})

	w := doJSON(t, router, http.MethodGet, "/health", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected healthy, got %q", resp.Status)
	}
}
