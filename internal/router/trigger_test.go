package router

import (
	"context"
	"testing"

	apperrors "github.com/burrowhq/burrow/internal/common/errors"
	"github.com/burrowhq/burrow/internal/common/logger"
	v1 "github.com/burrowhq/burrow/pkg/api/v1"
)

func TestTriggerPatternMatchesStartCaseInsensitive(t *testing.T) {
	pattern := TriggerPattern("@Andy")
	for _, msg := range []string{"@Andy hello", "@andy hello", "@ANDY hello"} {
		if !pattern.MatchString(msg) {
			t.Errorf("expected %q to match", msg)
		}
	}
}

func TestTriggerPatternRequiresStartAndWordBoundary(t *testing.T) {
	pattern := TriggerPattern("@Andy")

	for _, msg := range []string{"hello @Andy", "@Andrew hello"} {
		if pattern.MatchString(msg) {
			t.Errorf("expected %q not to match", msg)
		}
	}
	for _, msg := range []string{"@Andy", "@Andy's thing"} {
		if !pattern.MatchString(msg) {
			t.Errorf("expected %q to match", msg)
		}
	}
}

func TestTriggerPatternNormalizesMissingAtPrefix(t *testing.T) {
	pattern := TriggerPattern("Helper")
	if !pattern.MatchString("@Helper do thing") {
		t.Error("expected @Helper to match")
	}
	if pattern.MatchString("@Andy do thing") {
		t.Error("expected @Andy not to match")
	}
}

func TestTriggerPatternEmptyFallsBackToDefault(t *testing.T) {
	pattern := TriggerPattern("")
	if !pattern.MatchString("@burrow status") {
		t.Error("expected default trigger to match")
	}
}

func TestRequiresTrigger(t *testing.T) {
	yes, no := true, false
	cases := []struct {
		isMain   bool
		requires *bool
		want     bool
	}{
		{false, nil, true},
		{false, &yes, true},
		{false, &no, false},
		{true, nil, false},
		{true, &yes, false},
	}
	for _, tc := range cases {
		if got := RequiresTrigger(tc.isMain, tc.requires); got != tc.want {
			t.Errorf("RequiresTrigger(%v, %v) = %v, want %v", tc.isMain, tc.requires, got, tc.want)
		}
	}
}

func TestShouldProcess(t *testing.T) {
	yes, no := true, false
	plain := []string{"hello no trigger"}

	if !ShouldProcess(true, nil, "@Andy", plain) {
		t.Error("main group processes everything")
	}
	if ShouldProcess(false, nil, "@Andy", plain) {
		t.Error("non-main group needs a mention by default")
	}
	if ShouldProcess(false, &yes, "@Andy", plain) {
		t.Error("non-main group needs a mention when required")
	}
	if !ShouldProcess(false, &no, "@Andy", plain) {
		t.Error("opted-out group processes everything")
	}

	mentioned := []string{"@Helper do something"}
	if !ShouldProcess(false, &yes, "@Helper", mentioned) {
		t.Error("mention satisfies the trigger")
	}
	if ShouldProcess(false, &yes, "@Helper", []string{"@Andy do something"}) {
		t.Error("a different mention does not satisfy the trigger")
	}
}

// dispatcherStore is an in-memory store slice for dispatcher tests.
type dispatcherStore struct {
	groups  map[string]*v1.RegisteredGroup
	cursors map[string]string
}

func newDispatcherStore() *dispatcherStore {
	return &dispatcherStore{
		groups:  make(map[string]*v1.RegisteredGroup),
		cursors: make(map[string]string),
	}
}

func (s *dispatcherStore) RegisterGroup(ctx context.Context, g *v1.RegisteredGroup) error {
	s.groups[g.JID] = g
	return nil
}

func (s *dispatcherStore) GetGroupByJID(ctx context.Context, jid string) (*v1.RegisteredGroup, error) {
	g, ok := s.groups[jid]
	if !ok {
		return nil, apperrors.NotFound("group", jid)
	}
	return g, nil
}

func (s *dispatcherStore) GetGroupByFolder(ctx context.Context, folder string) (*v1.RegisteredGroup, error) {
	for _, g := range s.groups {
		if g.Folder == folder {
			return g, nil
		}
	}
	return nil, apperrors.NotFound("group", folder)
}

func (s *dispatcherStore) ListGroups(ctx context.Context) ([]*v1.RegisteredGroup, error) {
	return nil, nil
}
func (s *dispatcherStore) UpdateGroup(ctx context.Context, g *v1.RegisteredGroup) error { return nil }
func (s *dispatcherStore) DeleteGroup(ctx context.Context, jid string) error            { return nil }
func (s *dispatcherStore) GetSession(ctx context.Context, folder string) (string, error) {
	return "", nil
}
func (s *dispatcherStore) SetSession(ctx context.Context, folder, sessionID string) error {
	return nil
}

func (s *dispatcherStore) GetCursor(ctx context.Context, channel string) (string, error) {
	return s.cursors[channel], nil
}

func (s *dispatcherStore) SetCursor(ctx context.Context, channel, cursor string) error {
	s.cursors[channel] = cursor
	return nil
}

func (s *dispatcherStore) Close() error { return nil }

type recordingQueue struct {
	delivered []string
}

func (q *recordingQueue) Deliver(ctx context.Context, chatJID, text string) error {
	q.delivered = append(q.delivered, text)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *dispatcherStore, *recordingQueue) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	st := newDispatcherStore()
	q := &recordingQueue{}
	return NewDispatcher(st, q, "main", log), st, q
}

func TestHandleBatchDeliversTriggeredMessages(t *testing.T) {
	d, st, q := newTestDispatcher(t)
	st.RegisterGroup(context.Background(), &v1.RegisteredGroup{
		JID: "g1@g.us", Folder: "family", TriggerPattern: "@Helper",
	})

	msgs := []Message{
		{ID: "m1", Sender: "alice", Content: "@Helper plan dinner"},
		{ID: "m2", Sender: "bob", Content: "sounds good"},
	}
	if err := d.HandleBatch(context.Background(), "g1@g.us", msgs); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	if len(q.delivered) != 2 {
		t.Fatalf("expected both messages delivered, got %d", len(q.delivered))
	}
	if q.delivered[0] != "alice: @Helper plan dinner" {
		t.Errorf("unexpected first delivery %q", q.delivered[0])
	}
	if st.cursors["g1@g.us"] != "m2" {
		t.Errorf("expected cursor m2, got %q", st.cursors["g1@g.us"])
	}
}

func TestHandleBatchSkipsUntriggeredButAdvancesCursor(t *testing.T) {
	d, st, q := newTestDispatcher(t)
	st.RegisterGroup(context.Background(), &v1.RegisteredGroup{
		JID: "g1@g.us", Folder: "family", TriggerPattern: "@Helper",
	})

	msgs := []Message{{ID: "m1", Sender: "alice", Content: "no mention here"}}
	if err := d.HandleBatch(context.Background(), "g1@g.us", msgs); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	if len(q.delivered) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(q.delivered))
	}
	if st.cursors["g1@g.us"] != "m1" {
		t.Errorf("expected cursor m1, got %q", st.cursors["g1@g.us"])
	}
}

func TestHandleBatchMainGroupNeedsNoTrigger(t *testing.T) {
	d, st, q := newTestDispatcher(t)
	st.RegisterGroup(context.Background(), &v1.RegisteredGroup{
		JID: "main@g.us", Folder: "main",
	})

	msgs := []Message{{ID: "m1", Content: "just a message"}}
	if err := d.HandleBatch(context.Background(), "main@g.us", msgs); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if len(q.delivered) != 1 {
		t.Fatalf("expected one delivery, got %d", len(q.delivered))
	}
	if q.delivered[0] != "just a message" {
		t.Errorf("sender-less messages pass through unprefixed, got %q", q.delivered[0])
	}
}

func TestHandleBatchDropsUnregisteredChannel(t *testing.T) {
	d, st, q := newTestDispatcher(t)

	msgs := []Message{{ID: "m1", Content: "hello"}}
	if err := d.HandleBatch(context.Background(), "nobody@g.us", msgs); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if len(q.delivered) != 0 {
		t.Error("expected no deliveries for unregistered channel")
	}
	if _, ok := st.cursors["nobody@g.us"]; ok {
		t.Error("expected no cursor for unregistered channel")
	}
}
