package secrets

import (
	"context"
	"testing"
)

type staticProvider map[string]string

func (staticProvider) Name() string { return "static" }

func (p staticProvider) Get(ctx context.Context, key string) (string, error) {
	if v, ok := p[key]; ok {
		return v, nil
	}
	return "", context.Canceled
}

func TestEnvProviderPrefix(t *testing.T) {
	t.Setenv("BURROW_SECRET_API_KEY", "prefixed")

	p := NewEnvProvider("BURROW_SECRET_")

	got, err := p.Get(context.Background(), "API_KEY")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "prefixed" {
		t.Errorf("expected prefixed value, got %q", got)
	}

	if _, err := p.Get(context.Background(), "MISSING"); err == nil {
		t.Error("missing secret should return an error")
	}
}

func TestEnvProviderExactKeyWins(t *testing.T) {
	t.Setenv("API_KEY", "exact")
	t.Setenv("BURROW_SECRET_API_KEY", "prefixed")

	p := NewEnvProvider("BURROW_SECRET_")
	got, err := p.Get(context.Background(), "API_KEY")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "exact" {
		t.Errorf("exact key should win over prefixed, got %q", got)
	}
}

func TestManagerFirstProviderWins(t *testing.T) {
	m := NewManager(
		[]string{"A", "B", "C"},
		staticProvider{"A": "first-a"},
		staticProvider{"A": "second-a", "B": "second-b"},
	)

	payload := m.Assemble(context.Background())

	if payload["A"] != "first-a" {
		t.Errorf("first provider should win for A, got %q", payload["A"])
	}
	if payload["B"] != "second-b" {
		t.Errorf("fallthrough to second provider failed for B, got %q", payload["B"])
	}
	if _, ok := payload["C"]; ok {
		t.Error("unresolvable key should be absent, not empty")
	}
}

func TestPayloadScrub(t *testing.T) {
	payload := Payload{"TOKEN": "value", "KEY": "other"}
	payload.Scrub()

	if len(payload) != 0 {
		t.Fatalf("scrubbed payload should be empty, has %d entries", len(payload))
	}
}
