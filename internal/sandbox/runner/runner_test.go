package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/common/clock"
	"github.com/burrowhq/burrow/internal/common/config"
	apperrors "github.com/burrowhq/burrow/internal/common/errors"
	"github.com/burrowhq/burrow/internal/common/logger"
	"github.com/burrowhq/burrow/internal/sandbox/policy"
	"github.com/burrowhq/burrow/internal/sandbox/registry"
	"github.com/burrowhq/burrow/internal/sandbox/secrets"
	"github.com/burrowhq/burrow/internal/sandbox/stream"
	v1 "github.com/burrowhq/burrow/pkg/api/v1"
)

type fakeProcess struct {
	mu    sync.Mutex
	stdin bytes.Buffer
	done  chan struct{}
}

type stdinWriter struct{ p *fakeProcess }

func (w stdinWriter) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.stdin.Write(b)
}

func (w stdinWriter) Close() error { return nil }

func (p *fakeProcess) ID() string            { return "fake-1" }
func (p *fakeProcess) Stdin() io.WriteCloser { return stdinWriter{p} }
func (p *fakeProcess) Stdout() io.Reader     { return strings.NewReader("") }
func (p *fakeProcess) Stderr() io.Reader     { return strings.NewReader("") }

func (p *fakeProcess) Wait(ctx context.Context) (int64, error) {
	select {
	case <-p.done:
		return 0, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *fakeProcess) Stop(ctx context.Context, grace time.Duration) error {
	close(p.done)
	return nil
}

func (p *fakeProcess) Kill(ctx context.Context) error { return nil }
func (p *fakeProcess) Close() error                   { return nil }

func (p *fakeProcess) stdinBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.stdin.Bytes()...)
}

type fakeBackend struct {
	mu      sync.Mutex
	spawned []SpawnSpec
	procs   []*fakeProcess
	err     error
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.spawned = append(b.spawned, spec)
	p := &fakeProcess{done: make(chan struct{})}
	b.procs = append(b.procs, p)
	return p, nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) spawnCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.spawned)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestRunner(t *testing.T, backend Backend, secretKeys []string) (*Runner, *clock.FakeClock) {
	t.Helper()

	pol := policy.New(
		[]policy.AllowedRoot{{Path: "/data/groups", AllowReadWrite: true}},
		[]string{"secret"},
		false,
	)

	reg := registry.NewRegistry()
	if err := reg.Register(&registry.Profile{
		ID:         "test",
		Name:       "Test Profile",
		Image:      "burrow/test",
		WorkingDir: "/workspace",
		Enabled:    true,
	}); err != nil {
		t.Fatal(err)
	}

	cfg := config.SandboxConfig{
		Backend:        "local",
		DefaultProfile: "test",
		DataDir:        "/data/groups",
		MaxConcurrent:  2,
		TurnTimeout:    300,
		StartupTimeout: 45,
		MaxOutputSize:  1 << 20,
	}

	fc := clock.NewFake()
	sec := secrets.NewManager(secretKeys, secrets.NewEnvProvider("BURROW_SECRET_"))
	return New(cfg, pol, backend, reg, sec, nil, fc, testLogger(t)), fc
}

func TestRunRejectedMountAbortsBeforeSpawn(t *testing.T) {
	backend := &fakeBackend{}
	r, _ := newTestRunner(t, backend, nil)

	_, err := r.Run(context.Background(),
		v1.Invocation{GroupFolder: "family", ChatJID: "jid-1", Prompt: "hi"},
		[]policy.MountSpec{
			{HostPath: "/data/groups/family", ContainerPath: "data"},
			{HostPath: "/data/groups/secret-notes", ContainerPath: "notes"},
		},
		RunOptions{})

	if err == nil {
		t.Fatal("expected mount rejection")
	}
	if !apperrors.IsMountRejected(err) {
		t.Errorf("expected MountRejected, got %v", err)
	}
	if backend.spawnCount() != 0 {
		t.Fatal("no sandbox may be spawned with a partially valid mount set")
	}
}

func TestRunSpawnFailure(t *testing.T) {
	backend := &fakeBackend{err: errors.New("daemon down")}
	r, _ := newTestRunner(t, backend, nil)

	_, err := r.Run(context.Background(),
		v1.Invocation{GroupFolder: "family", Prompt: "hi"},
		[]policy.MountSpec{{HostPath: "/data/groups/family", ContainerPath: "data"}},
		RunOptions{})

	if !apperrors.IsSpawnFailure(err) {
		t.Fatalf("expected SpawnFailure, got %v", err)
	}
	if apperrors.IsMountRejected(err) {
		t.Error("spawn failure must stay distinct from a policy rejection")
	}
}

func TestRunPayloadSecretsLast(t *testing.T) {
	t.Setenv("BURROW_SECRET_API_KEY", "sk-test")

	backend := &fakeBackend{}
	r, _ := newTestRunner(t, backend, []string{"API_KEY"})

	h, err := r.Run(context.Background(),
		v1.Invocation{GroupFolder: "family", ChatJID: "jid-1", IsMain: true, Prompt: "hello"},
		[]policy.MountSpec{{HostPath: "/data/groups/family", ContainerPath: "data"}},
		RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer h.Shutdown(context.Background(), time.Second)

	raw := backend.procs[0].stdinBytes()
	line := strings.TrimSpace(string(raw))

	var decoded struct {
		v1.Invocation
		Secrets map[string]string `json:"secrets"`
	}
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("stdin payload is not one JSON record: %v", err)
	}
	if decoded.Prompt != "hello" || decoded.Secrets["API_KEY"] != "sk-test" {
		t.Errorf("payload missing fields: %+v", decoded)
	}

	// Secrets are the final field so the sandbox can stream-parse the
	// prefix before credentials arrive.
	if !strings.HasSuffix(line, `,"secrets":{"API_KEY":"sk-test"}}`) {
		t.Errorf("secrets must be the last payload field, got %s", line)
	}
}

func TestRunMountTargetsUnderWorkingDir(t *testing.T) {
	backend := &fakeBackend{}
	r, _ := newTestRunner(t, backend, nil)

	h, err := r.Run(context.Background(),
		v1.Invocation{GroupFolder: "family", Prompt: "hi"},
		[]policy.MountSpec{{HostPath: "/data/groups/family", ContainerPath: "data/media", ReadOnly: true}},
		RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer h.Shutdown(context.Background(), time.Second)

	spec := backend.spawned[0]
	if len(spec.Mounts) != 1 {
		t.Fatalf("expected 1 effective mount, got %d", len(spec.Mounts))
	}
	m := spec.Mounts[0]
	if m.Target != "/workspace/data/media" {
		t.Errorf("container path should resolve under the working dir, got %s", m.Target)
	}
	if !m.ReadOnly {
		t.Error("requested read-only must survive into the effective mount")
	}
}

func TestRunExpandsProfileMountTemplate(t *testing.T) {
	backend := &fakeBackend{}
	r, _ := newTestRunner(t, backend, nil)

	if err := r.registry.Register(&registry.Profile{
		ID:         "shared",
		Name:       "Shared Workspace",
		Image:      "burrow/test",
		WorkingDir: "/workspace",
		ExtraMounts: []registry.MountTemplate{
			{Source: "{workspace}/shared", Target: "shared", ReadOnly: true},
		},
		Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	h, err := r.Run(context.Background(),
		v1.Invocation{GroupFolder: "family", Prompt: "hi"},
		[]policy.MountSpec{{HostPath: "/data/groups/family", ContainerPath: "data"}},
		RunOptions{ProfileID: "shared"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer h.Shutdown(context.Background(), time.Second)

	spec := backend.spawned[0]
	if len(spec.Mounts) != 2 {
		t.Fatalf("expected 2 effective mounts, got %d", len(spec.Mounts))
	}
	extra := spec.Mounts[1]
	if extra.Source != "/data/groups/family/shared" {
		t.Errorf("template source should expand to the group workspace, got %s", extra.Source)
	}
	if extra.Target != "/workspace/shared" {
		t.Errorf("template target should resolve under the working dir, got %s", extra.Target)
	}
	if !extra.ReadOnly {
		t.Error("template read-only must survive into the effective mount")
	}
}

func TestRunProfileTimeoutTightensTurnWindow(t *testing.T) {
	backend := &fakeBackend{}
	r, fc := newTestRunner(t, backend, nil)

	if err := r.registry.Register(&registry.Profile{
		ID:             "short",
		Name:           "Short Turn",
		Image:          "burrow/test",
		WorkingDir:     "/workspace",
		ResourceLimits: registry.ResourceLimits{TimeoutSeconds: 5},
		Enabled:        true,
	}); err != nil {
		t.Fatal(err)
	}

	timedOut := make(chan stream.TimeoutKind, 1)
	h, err := r.Run(context.Background(),
		v1.Invocation{GroupFolder: "family", Prompt: "hi"},
		[]policy.MountSpec{{HostPath: "/data/groups/family", ContainerPath: "data"}},
		RunOptions{
			ProfileID: "short",
			OnTimeout: func(k stream.TimeoutKind) { timedOut <- k },
		})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer h.Shutdown(context.Background(), time.Second)

	// Well inside the 300s global default but past the profile's limit.
	fc.Advance(5 * time.Second)

	select {
	case k := <-timedOut:
		if k != stream.TimeoutTurn {
			t.Fatalf("expected a turn timeout, got %s", k)
		}
	default:
		t.Fatal("profile timeout limit was not applied to the turn timer")
	}
}

func TestRunUnknownProfile(t *testing.T) {
	backend := &fakeBackend{}
	r, _ := newTestRunner(t, backend, nil)

	_, err := r.Run(context.Background(),
		v1.Invocation{GroupFolder: "family", Prompt: "hi"},
		nil,
		RunOptions{ProfileID: "nope"})
	if err == nil {
		t.Fatal("unknown profile must fail the run")
	}
	if backend.spawnCount() != 0 {
		t.Error("no spawn on profile resolution failure")
	}
}
