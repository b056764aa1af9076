// Package secrets assembles the ephemeral payload a sandbox receives
// over stdin. Secrets never enter the sandbox's environment, its
// mounts, or the host's logs; the runner scrubs the payload right
// after the one stdin write that needs it.
package secrets

import (
	"context"
	"fmt"
	"os"
)

// Payload is the key to value map written into the invocation. Scrub
// it after use.
type Payload map[string]string

// Scrub overwrites and empties the payload in place so a later log
// statement in the same call stack cannot leak values.
func (p Payload) Scrub() {
	for k := range p {
		p[k] = ""
		delete(p, k)
	}
}

// Provider resolves one secret by key.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider resolves secrets from environment variables, trying the
// exact key first and then the configured prefix.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a provider with an optional prefix such as
// "BURROW_SECRET_".
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string {
	return "environment"
}

func (p *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return value, nil
		}
	}
	return "", fmt.Errorf("secret not found: %s", key)
}

// Manager resolves a configured key list through a provider chain,
// first provider wins.
type Manager struct {
	providers []Provider
	keys      []string
}

// NewManager creates a manager for the given key list.
func NewManager(keys []string, providers ...Provider) *Manager {
	return &Manager{providers: providers, keys: keys}
}

// Assemble builds a fresh payload. Missing keys are skipped rather
// than fatal; a sandbox that needs an absent secret fails on its own
// terms with a clear error.
func (m *Manager) Assemble(ctx context.Context) Payload {
	payload := make(Payload, len(m.keys))
	for _, key := range m.keys {
		for _, provider := range m.providers {
			value, err := provider.Get(ctx, key)
			if err != nil {
				continue
			}
			payload[key] = value
			break
		}
	}
	return payload
}
