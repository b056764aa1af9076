// Package events defines the event subjects published by the orchestrator.
package events

// Sandbox lifecycle subjects. The group folder is appended as the final
// token, e.g. "sandbox.started.family-chat".
const (
	SandboxStarted  = "sandbox.started"
	SandboxExited   = "sandbox.exited"
	SandboxKilled   = "sandbox.killed"
	SandboxTimedOut = "sandbox.timedout"

	// SandboxChunk carries one parsed streaming chunk from a running sandbox.
	SandboxChunk = "sandbox.chunk"

	// IPCRequestHandled is published after a request file has been answered.
	IPCRequestHandled = "ipc.handled"

	// MountRejectedEvent is published when a spawn is aborted by mount policy.
	MountRejectedEvent = "sandbox.mount_rejected"
)

// Subject joins a base subject with a group folder token.
func Subject(base, groupFolder string) string {
	return base + "." + groupFolder
}
