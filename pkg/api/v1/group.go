// Package v1 contains the shared API types for the Burrow host.
package v1

import "time"

// GroupState describes the lifecycle of a group's sandbox.
type GroupState string

const (
	GroupStateIdle     GroupState = "IDLE"
	GroupStateStarting GroupState = "STARTING"
	GroupStateRunning  GroupState = "RUNNING"
	GroupStateDraining GroupState = "DRAINING"
	GroupStateKilled   GroupState = "KILLED"
)

// RegisteredGroup is one conversation group known to the host. Folder is
// the stable on-disk identity and must be unique.
type RegisteredGroup struct {
	JID             string     `json:"jid"`
	Name            string     `json:"name"`
	Folder          string     `json:"folder"`
	TriggerPattern  string     `json:"trigger_pattern"`
	RequiresTrigger *bool      `json:"requires_trigger,omitempty"`
	ContainerConfig *Container `json:"container_config,omitempty"`
	AddedAt         time.Time  `json:"added_at"`
}

// Container overrides the sandbox profile for a single group.
type Container struct {
	Profile string `json:"profile,omitempty"`
	Image   string `json:"image,omitempty"`
	Model   string `json:"model,omitempty"`
}

// GroupStatus is the queue's view of one group, returned by the status API.
type GroupStatus struct {
	JID          string     `json:"jid"`
	Folder       string     `json:"folder"`
	State        GroupState `json:"state"`
	PendingInput int        `json:"pending_input"`
	LastActivity time.Time  `json:"last_activity"`
}

// Invocation is the payload a sandbox receives on stdin at startup.
// Secrets are appended by the runner as the final field and are never
// re-read by the host after spawn.
type Invocation struct {
	GroupFolder string `json:"group_folder"`
	ChatJID     string `json:"chat_jid"`
	SessionID   string `json:"session_id,omitempty"`
	IsMain      bool   `json:"is_main"`
	Model       string `json:"model,omitempty"`
	Prompt      string `json:"prompt"`
}
