package store

import (
	"context"
	"path/filepath"
	"testing"

	apperrors "github.com/burrowhq/burrow/internal/common/errors"
	v1 "github.com/burrowhq/burrow/pkg/api/v1"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestValidateFolder(t *testing.T) {
	valid := []string{"family", "family-chat", "work.group_2", "a", "0x1"}
	for _, f := range valid {
		if err := ValidateFolder(f); err != nil {
			t.Errorf("folder %q should be valid: %v", f, err)
		}
	}

	invalid := []string{"", "Family", "../escape", "has space", ".hidden", "-lead", "sub/dir"}
	for _, f := range invalid {
		if err := ValidateFolder(f); err == nil {
			t.Errorf("folder %q should be invalid", f)
		}
	}
}

func TestRegisterAndGetGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	requires := true
	group := &v1.RegisteredGroup{
		JID:             "123@g.us",
		Name:            "Family Chat",
		Folder:          "family",
		TriggerPattern:  `(?i)@burrow`,
		RequiresTrigger: &requires,
		ContainerConfig: &v1.Container{Profile: "agent", Model: "fast"},
	}
	if err := s.RegisterGroup(ctx, group); err != nil {
		t.Fatalf("RegisterGroup failed: %v", err)
	}

	byJID, err := s.GetGroupByJID(ctx, "123@g.us")
	if err != nil {
		t.Fatalf("GetGroupByJID failed: %v", err)
	}
	if byJID.Folder != "family" || byJID.Name != "Family Chat" {
		t.Errorf("unexpected group: %+v", byJID)
	}
	if byJID.RequiresTrigger == nil || !*byJID.RequiresTrigger {
		t.Error("requires_trigger not round-tripped")
	}
	if byJID.ContainerConfig == nil || byJID.ContainerConfig.Profile != "agent" {
		t.Errorf("container config not round-tripped: %+v", byJID.ContainerConfig)
	}

	byFolder, err := s.GetGroupByFolder(ctx, "family")
	if err != nil {
		t.Fatalf("GetGroupByFolder failed: %v", err)
	}
	if byFolder.JID != "123@g.us" {
		t.Errorf("unexpected group by folder: %+v", byFolder)
	}
}

func TestRegisterGroupRejectsBadFolder(t *testing.T) {
	s := newTestStore(t)

	err := s.RegisterGroup(context.Background(), &v1.RegisteredGroup{
		JID: "1@g.us", Name: "X", Folder: "../etc",
	})
	if err == nil {
		t.Fatal("unsafe folder must be rejected")
	}
}

func TestRegisterGroupDuplicateFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterGroup(ctx, &v1.RegisteredGroup{JID: "1@g.us", Name: "A", Folder: "shared"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterGroup(ctx, &v1.RegisteredGroup{JID: "2@g.us", Name: "B", Folder: "shared"}); err == nil {
		t.Fatal("folder must be unique across groups")
	}
}

func TestUpdateAndDeleteGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group := &v1.RegisteredGroup{JID: "1@g.us", Name: "Old", Folder: "work"}
	if err := s.RegisterGroup(ctx, group); err != nil {
		t.Fatal(err)
	}

	group.Name = "New"
	group.TriggerPattern = "@bot"
	if err := s.UpdateGroup(ctx, group); err != nil {
		t.Fatalf("UpdateGroup failed: %v", err)
	}

	got, err := s.GetGroupByJID(ctx, "1@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "New" || got.TriggerPattern != "@bot" {
		t.Errorf("update not applied: %+v", got)
	}

	if err := s.DeleteGroup(ctx, "1@g.us"); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}
	if _, err := s.GetGroupByJID(ctx, "1@g.us"); !apperrors.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}

	if err := s.DeleteGroup(ctx, "1@g.us"); !apperrors.IsNotFound(err) {
		t.Errorf("double delete should be not found, got %v", err)
	}
}

func TestSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterGroup(ctx, &v1.RegisteredGroup{JID: "1@g.us", Name: "A", Folder: "family"}); err != nil {
		t.Fatal(err)
	}

	if got, err := s.GetSession(ctx, "family"); err != nil || got != "" {
		t.Fatalf("fresh group should have no session, got %q err %v", got, err)
	}

	if err := s.SetSession(ctx, "family", "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSession(ctx, "family", "sess-2"); err != nil {
		t.Fatalf("session upsert failed: %v", err)
	}

	got, err := s.GetSession(ctx, "family")
	if err != nil {
		t.Fatal(err)
	}
	if got != "sess-2" {
		t.Errorf("expected latest session id, got %q", got)
	}
}

func TestCursors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if got, _ := s.GetCursor(ctx, "whatsapp"); got != "" {
		t.Fatalf("unset cursor should be empty, got %q", got)
	}

	if err := s.SetCursor(ctx, "whatsapp", "msg-100"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCursor(ctx, "whatsapp", "msg-200"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCursor(ctx, "whatsapp")
	if err != nil {
		t.Fatal(err)
	}
	if got != "msg-200" {
		t.Errorf("expected latest cursor, got %q", got)
	}
}
