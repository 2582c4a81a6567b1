package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/arnavxdyt/dc-bot/internal/config"
)

const unitIDLen = 12

// baselineSteps is the best-effort tooling install run inside every new
// unit. tmate must be present for credential extraction; the rest is
// convenience tooling.
var baselineSteps = []string{
	"apt-get update -y",
	"apt-get install -y tmate curl wget neofetch sudo nano htop",
	"systemctl enable systemd-user-sessions",
	"systemctl start systemd-user-sessions",
}

// DockerDriver runs units as privileged systemd containers on one Docker
// host, with the unit's port 80 published on a random host port.
type DockerDriver struct {
	cfg    config.RuntimeConfig
	docker *client.Client
	log    *slog.Logger
}

func NewDocker(ctx context.Context, cfg config.RuntimeConfig, logger *slog.Logger) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &DockerDriver{cfg: cfg, docker: cli, log: logger}, nil
}

func (d *DockerDriver) Allocate(ctx context.Context, spec AllocationSpec) (Allocation, error) {
	if err := d.pullImage(ctx, d.cfg.Image); err != nil {
		return Allocation{}, fmt.Errorf("pull image: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		port := d.cfg.HostPortMin + rand.Intn(d.cfg.HostPortMax-d.cfg.HostPortMin+1)
		name := fmt.Sprintf("vps-%04d", rand.Intn(10000))

		alloc, err := d.createAndStart(ctx, spec, name, port)
		if err == nil {
			return alloc, nil
		}
		lastErr = err
		lerr := strings.ToLower(err.Error())
		if strings.Contains(lerr, "port is already allocated") || strings.Contains(lerr, "already in use") {
			continue
		}
		return Allocation{}, err
	}
	return Allocation{}, lastErr
}

func (d *DockerDriver) createAndStart(ctx context.Context, spec AllocationSpec, name string, port int) (Allocation, error) {
	inner := nat.Port("80/tcp")
	hc := &container.HostConfig{
		Privileged:   true,
		CgroupnsMode: container.CgroupnsModeHost,
		Tmpfs:        map[string]string{"/run": "", "/run/lock": ""},
		Binds:        []string{"/sys/fs/cgroup:/sys/fs/cgroup:rw"},
		PortBindings: nat.PortMap{
			inner: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", port)}},
		},
		Resources: container.Resources{
			Memory:     int64(spec.RAMGB) << 30,
			MemorySwap: int64(spec.RAMGB) << 30,
			NanoCPUs:   int64(spec.CPU) * 1e9,
		},
	}
	cc := &container.Config{
		Image:        d.cfg.Image,
		ExposedPorts: nat.PortSet{inner: struct{}{}},
		Labels: map[string]string{
			"vpsd.managed": "true",
		},
	}

	resp, err := d.docker.ContainerCreate(ctx, cc, hc, nil, nil, name)
	if err != nil {
		return Allocation{}, fmt.Errorf("container create: %w", err)
	}
	if err := d.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Allocation{}, fmt.Errorf("container start: %w", err)
	}
	return Allocation{UnitID: resp.ID[:unitIDLen], HTTPPort: port}, nil
}

// AwaitReady polls the in-unit service manager until it responds or the
// timeout elapses.
func (d *DockerDriver) AwaitReady(ctx context.Context, unitID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if d.HealthProbe(ctx, unitID) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("unit %s init system not ready after %s", unitID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (d *DockerDriver) InstallBaseline(ctx context.Context, unitID string) []string {
	var failed []string
	for _, step := range baselineSteps {
		stepCtx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.ExecTimeoutSeconds)*time.Second)
		_, code, err := d.execCapture(stepCtx, unitID, []string{"bash", "-c", step})
		cancel()
		if err != nil || code != 0 {
			failed = append(failed, step)
			d.log.Warn("baseline_step_failed", slog.String("unit_id", unitID), slog.String("step", step))
		}
	}
	return failed
}

// ExtractCredential starts a fresh tmate session inside the unit and polls
// for its SSH connection string.
func (d *DockerDriver) ExtractCredential(ctx context.Context, unitID string) (string, error) {
	sock := "/tmp/tmate-" + unitID + ".sock"
	_, _, _ = d.execCapture(ctx, unitID, []string{"bash", "-c", "pkill -f tmate || true"})

	if _, code, err := d.execCapture(ctx, unitID, []string{"bash", "-c", "tmate -S " + sock + " new-session -d"}); err != nil || code != 0 {
		return "", fmt.Errorf("start tmate session in %s", unitID)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		out, code, err := d.execCapture(ctx, unitID, []string{"bash", "-c", "tmate -S " + sock + " display -p '#{tmate_ssh}'"})
		ssh := strings.TrimSpace(out)
		if err == nil && code == 0 && strings.HasPrefix(ssh, "ssh ") {
			return ssh, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("tmate session in %s produced no connection string", unitID)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (d *DockerDriver) HealthProbe(ctx context.Context, unitID string) bool {
	_, code, err := d.execCapture(ctx, unitID, []string{"systemctl", "--version"})
	return err == nil && code == 0
}

func (d *DockerDriver) Start(ctx context.Context, unitID string) error {
	if err := d.docker.ContainerStart(ctx, unitID, container.StartOptions{}); err != nil && !strings.Contains(strings.ToLower(err.Error()), "already started") {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

func (d *DockerDriver) Stop(ctx context.Context, unitID string) error {
	timeout := d.cfg.StopTimeoutSeconds
	if err := d.docker.ContainerStop(ctx, unitID, container.StopOptions{Timeout: &timeout}); err != nil {
		lerr := strings.ToLower(err.Error())
		if !strings.Contains(lerr, "not modified") && !strings.Contains(lerr, "not found") {
			return fmt.Errorf("container stop: %w", err)
		}
	}
	return nil
}

func (d *DockerDriver) Remove(ctx context.Context, unitID string) error {
	if err := d.docker.ContainerRemove(ctx, unitID, container.RemoveOptions{Force: true}); err != nil && !strings.Contains(strings.ToLower(err.Error()), "not found") {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (d *DockerDriver) Ping(ctx context.Context) error {
	_, err := d.docker.Ping(ctx)
	return err
}

func (d *DockerDriver) pullImage(ctx context.Context, image string) error {
	reader, err := d.docker.ImagePull(ctx, image, imagetypes.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (d *DockerDriver) execCapture(ctx context.Context, unitID string, cmd []string) (string, int, error) {
	created, err := d.docker.ContainerExecCreate(ctx, unitID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", -1, fmt.Errorf("exec create: %w", err)
	}
	attach, err := d.docker.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", -1, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", -1, fmt.Errorf("exec read: %w", err)
	}
	inspect, err := d.docker.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return stdout.String(), -1, fmt.Errorf("exec inspect: %w", err)
	}
	return stdout.String(), inspect.ExitCode, nil
}
