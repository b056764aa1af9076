package runner

import (
	"context"
	"io"
	"time"

	"github.com/burrowhq/burrow/internal/sandbox/registry"
)

// Mount is one validated, effective bind mount. Built by the runner
// from policy decisions; backends apply it verbatim.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// SpawnSpec is everything a backend needs to start one sandbox.
type SpawnSpec struct {
	// Name identifies the sandbox (container name / log tag).
	Name string

	// GroupFolder tags the sandbox with its owning group.
	GroupFolder string

	Profile *registry.Profile
	Mounts  []Mount
}

// Process is a running sandbox. Stdout and Stderr are demultiplexed;
// reads return io.EOF when the process exits.
type Process interface {
	// ID is the backend-specific identifier (container id or pid).
	ID() string

	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int64, error)

	// Stop asks the process to exit and kills it after the grace period.
	Stop(ctx context.Context, grace time.Duration) error

	// Kill terminates the process immediately.
	Kill(ctx context.Context) error

	// Close releases streams and backend resources. Safe after Kill.
	Close() error
}

// Backend spawns sandbox processes. Implementations: Docker containers
// and plain local processes.
type Backend interface {
	Name() string
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
	Close() error
}
