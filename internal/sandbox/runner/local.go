package runner

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/burrowhq/burrow/internal/common/logger"
)

// LocalBackend runs sandboxes as plain OS processes. It offers no
// filesystem isolation beyond the working directory, so it is meant
// for development and tests, not production groups. Mount validation
// still runs; the effective mounts select the process working dir.
type LocalBackend struct {
	logger *logger.Logger
}

// NewLocalBackend creates the local process backend.
func NewLocalBackend(log *logger.Logger) *LocalBackend {
	return &LocalBackend{logger: log}
}

func (b *LocalBackend) Name() string {
	return "local"
}

// Spawn starts the profile's command as a child process. The first
// mount's source becomes the working directory.
func (b *LocalBackend) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if len(spec.Profile.Command) == 0 {
		return nil, fmt.Errorf("profile %s has no command for local execution", spec.Profile.ID)
	}

	cmd := exec.Command(spec.Profile.Command[0], spec.Profile.Command[1:]...)
	if len(spec.Mounts) > 0 {
		cmd.Dir = spec.Mounts[0].Source
	}
	// Start with an empty environment so host secrets and tokens are
	// unreachable; the invocation payload arrives on stdin only.
	cmd.Env = []string{"HOME=" + cmd.Dir, "PATH=/usr/local/bin:/usr/bin:/bin"}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Profile.Command[0], err)
	}

	b.logger.Info("Sandbox process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("group", spec.GroupFolder),
	)

	p := &localProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

func (b *LocalBackend) Close() error {
	return nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	done     chan struct{}
	waitOnce sync.Once
	exitCode int64
	waitErr  error
}

// reap waits for the child exactly once so Wait can be called from
// multiple goroutines.
func (p *localProcess) reap() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode = int64(exitErr.ExitCode())
			p.waitErr = nil
		} else {
			p.waitErr = err
		}
		close(p.done)
	})
}

func (p *localProcess) ID() string {
	return strconv.Itoa(p.cmd.Process.Pid)
}

func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *localProcess) Stdout() io.Reader     { return p.stdout }
func (p *localProcess) Stderr() io.Reader     { return p.stderr }

func (p *localProcess) Wait(ctx context.Context) (int64, error) {
	select {
	case <-p.done:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL
// after the grace period.
func (p *localProcess) Stop(ctx context.Context, grace time.Duration) error {
	syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return p.Kill(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *localProcess) Kill(ctx context.Context) error {
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

func (p *localProcess) Close() error {
	p.stdin.Close()
	return nil
}
