package runner

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/burrowhq/burrow/internal/common/config"
	"github.com/burrowhq/burrow/internal/common/logger"
	"github.com/burrowhq/burrow/internal/sandbox/registry"
)

// Container labels used to find orphaned sandboxes after a host restart.
const (
	LabelManaged = "burrow.managed"
	LabelGroup   = "burrow.group"
)

// DockerBackend spawns sandboxes as Docker containers with stdin
// attached and no TTY, so stdout/stderr arrive multiplexed and are
// demuxed into separate streams.
type DockerBackend struct {
	cli    *client.Client
	cfg    config.DockerConfig
	logger *logger.Logger
}

// NewDockerBackend creates the backend and verifies daemon reachability.
func NewDockerBackend(ctx context.Context, cfg config.DockerConfig, log *logger.Logger) (*DockerBackend, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	log.Info("Docker backend ready", zap.String("host", cfg.Host))
	return &DockerBackend{cli: cli, cfg: cfg, logger: log}, nil
}

func (b *DockerBackend) Name() string {
	return "docker"
}

// Spawn creates, attaches, and starts one sandbox container.
func (b *DockerBackend) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	imageRef := spec.Profile.ImageRef()
	if err := b.ensureImage(ctx, imageRef); err != nil {
		return nil, err
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      imageRef,
		Cmd:        spec.Profile.Command,
		WorkingDir: spec.Profile.WorkingDir,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelGroup:   spec.GroupFolder,
		},
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false, // stream demux requires the multiplexed protocol
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(b.networkFor(spec.Profile)),
		AutoRemove:  false,
		Resources: container.Resources{
			Memory:   spec.Profile.ResourceLimits.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(spec.Profile.ResourceLimits.CPUCores * 1e9),
		},
	}

	resp, err := b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	attach, err := b.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		b.remove(resp.ID)
		return nil, fmt.Errorf("failed to attach to container %s: %w", resp.ID, err)
	}

	proc := newDockerProcess(b, resp.ID, attach.Conn, attach.Reader)

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		proc.Close()
		b.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	b.logger.Info("Sandbox container started",
		zap.String("container_id", resp.ID),
		zap.String("group", spec.GroupFolder),
		zap.String("image", imageRef),
	)
	return proc, nil
}

// ensureImage pulls the image unless it is already present. Pulls are
// retried because registry hiccups are common right after host boot.
func (b *DockerBackend) ensureImage(ctx context.Context, imageRef string) error {
	if _, _, err := b.cli.ImageInspectWithRaw(ctx, imageRef); err == nil {
		return nil
	}

	b.logger.Info("Pulling image", zap.String("image", imageRef))
	r := retry.New(retry.Context(ctx), retry.Attempts(3), retry.Delay(2*time.Second))
	err := r.Do(func() error {
		reader, err := b.cli.ImagePull(ctx, imageRef, image.PullOptions{})
		if err != nil {
			return err
		}
		defer reader.Close()
		_, err = io.Copy(io.Discard, reader)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

// networkFor maps a profile's egress allowlist to a network mode. An
// empty allowlist means no network at all; otherwise the configured
// restricted network carries the allowlist enforcement.
func (b *DockerBackend) networkFor(p *registry.Profile) string {
	if len(p.EgressAllow) == 0 {
		return "none"
	}
	if b.cfg.DefaultNetwork != "" {
		return b.cfg.DefaultNetwork
	}
	return "bridge"
}

func (b *DockerBackend) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := b.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		b.logger.Warn("Failed to remove container",
			zap.String("container_id", containerID), zap.Error(err))
	}
}

// Close closes the Docker client.
func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

// dockerProcess is one attached container. The demux goroutine splits
// the multiplexed attach stream into stdout and stderr pipes.
type dockerProcess struct {
	backend *DockerBackend
	id      string
	conn    net.Conn

	stdin   io.WriteCloser
	stdoutR *io.PipeReader
	stderrR *io.PipeReader
}

func newDockerProcess(b *DockerBackend, id string, conn net.Conn, mux io.Reader) *dockerProcess {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, mux)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	stdinR, stdinW := io.Pipe()
	go func() {
		io.Copy(conn, stdinR)
		// Half-close so the container sees EOF on its stdin.
		type closeWriter interface{ CloseWrite() error }
		if cw, ok := conn.(closeWriter); ok {
			cw.CloseWrite()
		}
	}()

	return &dockerProcess{
		backend: b,
		id:      id,
		conn:    conn,
		stdin:   stdinW,
		stdoutR: stdoutR,
		stderrR: stderrR,
	}
}

func (p *dockerProcess) ID() string            { return p.id }
func (p *dockerProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *dockerProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *dockerProcess) Stderr() io.Reader     { return p.stderrR }

func (p *dockerProcess) Wait(ctx context.Context) (int64, error) {
	statusCh, errCh := p.backend.cli.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return -1, fmt.Errorf("error waiting for container %s: %w", p.id, err)
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *dockerProcess) Stop(ctx context.Context, grace time.Duration) error {
	seconds := int(grace.Seconds())
	return p.backend.cli.ContainerStop(ctx, p.id, container.StopOptions{Timeout: &seconds})
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	return p.backend.cli.ContainerKill(ctx, p.id, "SIGKILL")
}

func (p *dockerProcess) Close() error {
	p.stdin.Close()
	if p.conn != nil {
		p.conn.Close()
	}
	p.backend.remove(p.id)
	return nil
}
