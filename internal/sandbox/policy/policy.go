// Package policy implements the mount allowlist that gates every sandbox
// bind mount. Validation is fail-closed: a mount that cannot be proven
// safe is rejected, and the caller must abort the whole spawn.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// AllowedRoot is one directory tree that sandboxes may mount from.
type AllowedRoot struct {
	Path           string `json:"path"`
	AllowReadWrite bool   `json:"allowReadWrite"`
	Description    string `json:"description,omitempty"`
}

// Policy is the loaded allowlist. It is immutable after load; Validate
// never mutates it.
type Policy struct {
	AllowedRoots    []AllowedRoot `json:"allowedRoots"`
	BlockedPatterns []string      `json:"blockedPatterns"`
	NonMainReadOnly bool          `json:"nonMainReadOnly"`

	// blocked holds the regex-compilable subset of BlockedPatterns.
	// Entries that do not compile still match as substrings.
	blocked []*regexp.Regexp
}

// MountSpec is one requested bind mount. ContainerPath is relative to
// the sandbox's workspace root.
type MountSpec struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readonly"`
}

// Decision is the outcome of validating one mount.
type Decision struct {
	Allowed           bool
	Reason            string
	EffectiveReadOnly bool
}

// Load reads a policy file. The file must name at least one allowed
// root; an empty allowlist would reject every mount, which is almost
// certainly a misconfiguration.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount policy: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse mount policy %s: %w", path, err)
	}
	if len(p.AllowedRoots) == 0 {
		return nil, fmt.Errorf("mount policy %s has no allowed roots", path)
	}
	p.compile()
	return &p, nil
}

// New builds a policy in code, for defaults and tests.
func New(roots []AllowedRoot, blockedPatterns []string, nonMainReadOnly bool) *Policy {
	p := &Policy{
		AllowedRoots:    roots,
		BlockedPatterns: blockedPatterns,
		NonMainReadOnly: nonMainReadOnly,
	}
	p.compile()
	return p
}

func (p *Policy) compile() {
	// Roots are canonicalized once so a configured symlink still
	// matches the resolved host paths it is compared against.
	for i := range p.AllowedRoots {
		p.AllowedRoots[i].Path = canonicalize(p.AllowedRoots[i].Path)
	}

	p.blocked = make([]*regexp.Regexp, len(p.BlockedPatterns))
	for i, pat := range p.BlockedPatterns {
		if re, err := regexp.Compile(pat); err == nil {
			p.blocked[i] = re
		}
	}
}

// Validate decides whether one mount is admissible and what its
// effective read-only flag is. privileged marks the main group, which
// is exempt from the NonMainReadOnly downgrade but from nothing else.
//
// The host path is canonicalized before any comparison so a symlink or
// a ".." segment cannot smuggle a path out of an allowed root.
func (p *Policy) Validate(mount MountSpec, privileged bool) Decision {
	if !validContainerPath(mount.ContainerPath) {
		return Decision{Reason: "invalid container path"}
	}

	host := canonicalize(mount.HostPath)

	root := p.matchRoot(host)
	if root == nil {
		return Decision{Reason: "not under an allowed root"}
	}

	for i, pat := range p.BlockedPatterns {
		if strings.Contains(host, pat) {
			return Decision{Reason: fmt.Sprintf("blocked pattern %q", pat)}
		}
		if re := p.blocked[i]; re != nil && re.MatchString(host) {
			return Decision{Reason: fmt.Sprintf("blocked pattern %q", pat)}
		}
	}

	readonly := mount.ReadOnly ||
		!root.AllowReadWrite ||
		(p.NonMainReadOnly && !privileged)

	return Decision{Allowed: true, EffectiveReadOnly: readonly}
}

// matchRoot returns the first allowed root that contains host, or nil.
func (p *Policy) matchRoot(host string) *AllowedRoot {
	for i := range p.AllowedRoots {
		root := p.AllowedRoots[i].Path
		if host == root || strings.HasPrefix(host, root+string(filepath.Separator)) {
			return &p.AllowedRoots[i]
		}
	}
	return nil
}

// validContainerPath accepts only clean relative paths that stay inside
// the sandbox's mount namespace.
func validContainerPath(path string) bool {
	if path == "" || filepath.IsAbs(path) {
		return false
	}
	clean := filepath.Clean(path)
	if clean != path {
		return false
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return false
	}
	return clean != "."
}

// canonicalize resolves the host path to an absolute, symlink-free
// form. For paths that do not exist yet, lexical cleaning is the best
// available answer; the allowlist comparison still sees the absolute
// cleaned path.
func canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return filepath.Clean(abs)
}
