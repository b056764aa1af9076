// Package runner resolves mounts through the allowlist policy,
// assembles the stdin invocation payload, and spawns sandboxes behind
// a pluggable backend.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/burrowhq/burrow/internal/common/clock"
	"github.com/burrowhq/burrow/internal/common/config"
	apperrors "github.com/burrowhq/burrow/internal/common/errors"
	"github.com/burrowhq/burrow/internal/common/logger"
	"github.com/burrowhq/burrow/internal/common/metrics"
	"github.com/burrowhq/burrow/internal/sandbox/policy"
	"github.com/burrowhq/burrow/internal/sandbox/registry"
	"github.com/burrowhq/burrow/internal/sandbox/secrets"
	"github.com/burrowhq/burrow/internal/sandbox/stream"
	v1 "github.com/burrowhq/burrow/pkg/api/v1"
)

// RunOptions carries the per-run knobs a caller may set.
type RunOptions struct {
	// ProfileID overrides the configured default profile.
	ProfileID string

	OnChunk   func(stream.Chunk)
	OnTimeout func(stream.TimeoutKind)
}

// Handle is one live sandbox run: the process plus the parser wired to
// its streams.
type Handle struct {
	Process Process
	Parser  *stream.Parser

	logger *logger.Logger
}

// NewHandle wraps an already spawned process and its parser.
func NewHandle(proc Process, parser *stream.Parser, log *logger.Logger) *Handle {
	if log == nil {
		log = logger.Default()
	}
	return &Handle{Process: proc, Parser: parser, logger: log}
}

// Runner validates and spawns sandboxes.
type Runner struct {
	policy   *policy.Policy
	backend  Backend
	registry *registry.Registry
	secrets  *secrets.Manager
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *logger.Logger
	cfg      config.SandboxConfig
}

// New creates a Runner. All collaborators are required except metrics,
// which may be nil in tests.
func New(
	cfg config.SandboxConfig,
	pol *policy.Policy,
	backend Backend,
	reg *registry.Registry,
	sec *secrets.Manager,
	m *metrics.Metrics,
	clk clock.Clock,
	log *logger.Logger,
) *Runner {
	if m == nil {
		m = metrics.New(nil)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{
		policy:   pol,
		backend:  backend,
		registry: reg,
		secrets:  sec,
		metrics:  m,
		clock:    clk,
		logger:   log,
		cfg:      cfg,
	}
}

// Run validates every requested mount, spawns the sandbox, wires its
// streams into a parser, and writes the invocation payload. The
// secrets payload is scrubbed before Run returns, success or not.
//
// Fail-closed: one rejected mount aborts the whole call before any
// process exists.
func (r *Runner) Run(ctx context.Context, inv v1.Invocation, mounts []policy.MountSpec, opts RunOptions) (*Handle, error) {
	secretsPayload := r.secrets.Assemble(ctx)
	defer secretsPayload.Scrub()

	profile, err := r.resolveProfile(opts.ProfileID)
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	workspace := filepath.Join(r.cfg.DataDir, inv.GroupFolder)
	effective, err := r.resolveMounts(profile, mounts, inv.IsMain, workspace)
	if err != nil {
		r.metrics.MountRejectionsTotal.Inc()
		r.metrics.SpawnsTotal.WithLabelValues(r.backend.Name(), "mount_rejected").Inc()
		return nil, err
	}

	spec := SpawnSpec{
		Name:        fmt.Sprintf("burrow-%s-%s", inv.GroupFolder, uuid.New().String()[:8]),
		GroupFolder: inv.GroupFolder,
		Profile:     profile,
		Mounts:      effective,
	}

	proc, err := r.backend.Spawn(ctx, spec)
	if err != nil {
		r.metrics.SpawnsTotal.WithLabelValues(r.backend.Name(), "spawn_failure").Inc()
		return nil, apperrors.SpawnFailure(r.backend.Name(), err)
	}

	// A profile may tighten the turn window below the global default.
	turnTimeout := r.cfg.TurnTimeoutDuration()
	if secs := profile.ResourceLimits.TimeoutSeconds; secs > 0 {
		turnTimeout = time.Duration(secs) * time.Second
	}

	parser := stream.NewParser(stream.Config{
		TurnTimeout:    turnTimeout,
		StartupTimeout: r.cfg.StartupTimeoutDuration(),
		MaxOutputSize:  r.cfg.MaxOutputSize,
		OnChunk:        opts.OnChunk,
		OnTimeout:      opts.OnTimeout,
		Clock:          r.clock,
		Logger:         r.logger.WithGroup(inv.GroupFolder),
	})

	go pump(proc.Stdout(), parser.FeedStdout)
	go pump(proc.Stderr(), parser.FeedStderr)

	payload, err := encodePayload(inv, secretsPayload)
	if err != nil {
		proc.Kill(ctx)
		proc.Close()
		parser.Close()
		return nil, apperrors.InternalError("failed to encode invocation payload", err)
	}

	if _, err := proc.Stdin().Write(payload); err != nil {
		proc.Kill(ctx)
		proc.Close()
		parser.Close()
		r.metrics.SpawnsTotal.WithLabelValues(r.backend.Name(), "spawn_failure").Inc()
		return nil, apperrors.SpawnFailure(r.backend.Name(), fmt.Errorf("failed to write invocation: %w", err))
	}
	// The one write that needed the secrets is done.
	secretsPayload.Scrub()

	r.metrics.SpawnsTotal.WithLabelValues(r.backend.Name(), "success").Inc()
	r.logger.Info("Sandbox spawned",
		zap.String("group", inv.GroupFolder),
		zap.String("sandbox_id", proc.ID()),
		zap.String("profile", profile.ID),
		zap.Int("mounts", len(effective)),
	)

	return &Handle{
		Process: proc,
		Parser:  parser,
		logger:  r.logger.WithGroup(inv.GroupFolder),
	}, nil
}

func (r *Runner) resolveProfile(override string) (*registry.Profile, error) {
	id := override
	if id == "" {
		id = r.cfg.DefaultProfile
	}
	return r.registry.Get(id)
}

// resolveMounts validates the requested mounts plus the profile's
// extra mounts, with the {workspace} placeholder expanded to the
// group's data directory, and returns the effective list.
func (r *Runner) resolveMounts(profile *registry.Profile, requested []policy.MountSpec, privileged bool, workspace string) ([]Mount, error) {
	specs := make([]policy.MountSpec, 0, len(requested)+len(profile.ExtraMounts))
	specs = append(specs, requested...)
	for _, t := range profile.ExtraMounts {
		t = t.Expand(workspace)
		specs = append(specs, policy.MountSpec{
			HostPath:      t.Source,
			ContainerPath: t.Target,
			ReadOnly:      t.ReadOnly,
		})
	}

	effective := make([]Mount, 0, len(specs))
	for _, m := range specs {
		decision := r.policy.Validate(m, privileged)
		if !decision.Allowed {
			r.logger.Warn("Mount rejected",
				zap.String("host_path", m.HostPath),
				zap.String("reason", decision.Reason),
			)
			return nil, apperrors.MountRejected(m.HostPath, decision.Reason)
		}
		effective = append(effective, Mount{
			Source:   m.HostPath,
			Target:   path.Join(profile.WorkingDir, m.ContainerPath),
			ReadOnly: decision.EffectiveReadOnly,
		})
	}
	return effective, nil
}

// encodePayload serializes the invocation with the secrets map as the
// final JSON field, followed by a newline so line-oriented readers see
// one record.
func encodePayload(inv v1.Invocation, sec secrets.Payload) ([]byte, error) {
	base, err := json.Marshal(inv)
	if err != nil {
		return nil, err
	}
	secretsJSON, err := json.Marshal(map[string]string(sec))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(base[:len(base)-1]) // drop the closing brace
	buf.WriteString(`,"secrets":`)
	buf.Write(secretsJSON)
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// pump copies a stream into the parser in fixed-size reads.
func pump(r io.Reader, feed func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// WriteLine appends one line of input to the sandbox's stdin.
func (h *Handle) WriteLine(text string) error {
	_, err := io.WriteString(h.Process.Stdin(), text+"\n")
	return err
}

// CloseStdin signals the sandbox to finish its turn and exit.
func (h *Handle) CloseStdin() error {
	return h.Process.Stdin().Close()
}

// Shutdown stops the process within grace and releases everything.
func (h *Handle) Shutdown(ctx context.Context, grace time.Duration) {
	if err := h.Process.Stop(ctx, grace); err != nil {
		h.logger.Warn("Sandbox stop failed, killing", zap.Error(err))
		h.Process.Kill(ctx)
	}
	h.Process.Close()
	h.Parser.Close()
}
