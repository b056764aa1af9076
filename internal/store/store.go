// Package store persists the minimal host state: registered groups,
// their agent session ids, and router cursors.
package store

import (
	"context"
	"regexp"

	apperrors "github.com/burrowhq/burrow/internal/common/errors"
	v1 "github.com/burrowhq/burrow/pkg/api/v1"
)

// folderPattern constrains group folders to safe on-disk names.
var folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidateFolder rejects folder names that could escape or collide on
// the filesystem. Folders are the stable identity of a group.
func ValidateFolder(folder string) error {
	if folder == "" {
		return apperrors.ValidationError("folder", "must not be empty")
	}
	if len(folder) > 128 {
		return apperrors.ValidationError("folder", "must be at most 128 characters")
	}
	if !folderPattern.MatchString(folder) {
		return apperrors.ValidationError("folder",
			"must start with a lowercase letter or digit and contain only [a-z0-9._-]")
	}
	return nil
}

// Store is the persistence collaborator consumed by the queue, the
// runner, and the API layer.
type Store interface {
	RegisterGroup(ctx context.Context, group *v1.RegisteredGroup) error
	GetGroupByJID(ctx context.Context, jid string) (*v1.RegisteredGroup, error)
	GetGroupByFolder(ctx context.Context, folder string) (*v1.RegisteredGroup, error)
	ListGroups(ctx context.Context) ([]*v1.RegisteredGroup, error)
	UpdateGroup(ctx context.Context, group *v1.RegisteredGroup) error
	DeleteGroup(ctx context.Context, jid string) error

	// Sessions map a group folder to the opaque agent session id used
	// to resume conversation state.
	GetSession(ctx context.Context, folder string) (string, error)
	SetSession(ctx context.Context, folder, sessionID string) error

	// Cursors record per-channel read positions for the router.
	GetCursor(ctx context.Context, channel string) (string, error)
	SetCursor(ctx context.Context, channel, cursor string) error

	Close() error
}
