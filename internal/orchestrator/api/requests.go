// Package api provides the HTTP surface of the Burrow host: group
// registration, message injection, queue status, and the dashboard
// WebSocket.
package api

import (
	"time"

	v1 "github.com/burrowhq/burrow/pkg/api/v1"
)

// RegisterGroupRequest registers a conversation group.
type RegisterGroupRequest struct {
	JID             string        `json:"jid" binding:"required"`
	Name            string        `json:"name"`
	Folder          string        `json:"folder" binding:"required"`
	TriggerPattern  string        `json:"trigger_pattern"`
	RequiresTrigger *bool         `json:"requires_trigger,omitempty"`
	ContainerConfig *v1.Container `json:"container_config,omitempty"`
}

// UpdateGroupRequest changes a group's settings. The folder is the
// group's identity and cannot change.
type UpdateGroupRequest struct {
	Name            string        `json:"name"`
	TriggerPattern  string        `json:"trigger_pattern"`
	RequiresTrigger *bool         `json:"requires_trigger,omitempty"`
	ContainerConfig *v1.Container `json:"container_config,omitempty"`
}

// InjectMessageRequest delivers one inbound message to a group.
type InjectMessageRequest struct {
	Text   string `json:"text" binding:"required"`
	Sender string `json:"sender,omitempty"`
}

// GroupsListResponse for listing registered groups.
type GroupsListResponse struct {
	Groups []*v1.RegisteredGroup `json:"groups"`
	Total  int                   `json:"total"`
}

// StatusListResponse for the queue-wide status view.
type StatusListResponse struct {
	Groups []*v1.GroupStatus `json:"groups"`
	Total  int               `json:"total"`
}

// ProfileResponse for sandbox profile listing.
type ProfileResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Image       string   `json:"image"`
	EgressAllow []string `json:"egress_allow"`
	Enabled     bool     `json:"enabled"`
}

// ProfilesListResponse for listing sandbox profiles.
type ProfilesListResponse struct {
	Profiles []ProfileResponse `json:"profiles"`
	Total    int               `json:"total"`
}

// HealthResponse for health check.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
