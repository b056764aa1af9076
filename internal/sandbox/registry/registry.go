// Package registry holds the named sandbox profiles a group's
// container config may reference.
package registry

import (
	"fmt"
	"strings"
	"sync"
)

// ResourceLimits bound one sandbox run.
type ResourceLimits struct {
	MemoryMB       int64   `json:"memory_mb"`
	CPUCores       float64 `json:"cpu_cores"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// MountTemplate is an extra mount a profile always adds. Source may
// contain the {workspace} placeholder, expanded per group at spawn.
type MountTemplate struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// Expand substitutes the group workspace into the template source.
func (t MountTemplate) Expand(workspace string) MountTemplate {
	return MountTemplate{
		Source:   strings.ReplaceAll(t.Source, "{workspace}", workspace),
		Target:   t.Target,
		ReadOnly: t.ReadOnly,
	}
}

// Profile describes one way to run a sandbox.
type Profile struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Image       string   `json:"image"`
	Tag         string   `json:"tag"`
	Command     []string `json:"command,omitempty"`
	WorkingDir  string   `json:"working_dir"`

	// EgressAllow lists hosts the sandbox may reach. Empty means no
	// network; enforced by the backend's network configuration.
	EgressAllow []string `json:"egress_allow,omitempty"`

	ExtraMounts    []MountTemplate `json:"extra_mounts,omitempty"`
	ResourceLimits ResourceLimits  `json:"resource_limits"`
	Enabled        bool            `json:"enabled"`
}

// ImageRef returns the full image reference including tag.
func (p *Profile) ImageRef() string {
	if p.Tag == "" {
		return p.Image
	}
	return p.Image + ":" + p.Tag
}

// Registry is a concurrency-safe profile table.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry returns a registry seeded with the default profiles.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]*Profile)}
	for _, p := range DefaultProfiles() {
		r.profiles[p.ID] = p
	}
	return r
}

// Register adds or replaces a profile.
func (r *Registry) Register(p *Profile) error {
	if p.ID == "" {
		return fmt.Errorf("profile has no id")
	}
	if p.Image == "" {
		return fmt.Errorf("profile %s has no image", p.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID] = p
	return nil
}

// Get returns an enabled profile by id.
func (r *Registry) Get(id string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox profile: %s", id)
	}
	if !p.Enabled {
		return nil, fmt.Errorf("sandbox profile %s is disabled", id)
	}
	return p, nil
}

// List returns all registered profiles.
func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	return out
}
