package registry

// DefaultProfiles returns the built-in sandbox profiles.
func DefaultProfiles() []*Profile {
	return []*Profile{
		{
			ID:          "agent",
			Name:        "Agent Sandbox",
			Description: "Default agent runtime. Reads one invocation from stdin and streams sentinel-framed chunks on stdout.",
			Image:       "burrow/agent",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			EgressAllow: []string{"api.anthropic.com"},
			ResourceLimits: ResourceLimits{
				MemoryMB:       2048,
				CPUCores:       1.0,
				TimeoutSeconds: 1800,
			},
			Enabled: true,
		},
		{
			ID:          "agent-offline",
			Name:        "Offline Agent Sandbox",
			Description: "Agent runtime with all egress disabled, for untrusted groups.",
			Image:       "burrow/agent",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			ResourceLimits: ResourceLimits{
				MemoryMB:       1024,
				CPUCores:       0.5,
				TimeoutSeconds: 900,
			},
			Enabled: true,
		},
	}
}
