// Package sandbox runs disposable SSH-reachable containers that act as
// throwaway deployment targets. A sandbox is an openssh-server container
// with a random password, its port published on loopback only, registered
// in the host registry like any other host so templates can be dry-run
// against it before touching a real VPS. Tearing a sandbox down removes
// the container and the host row together.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/vesselhq/vessel/internal/config"
	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/hosts"
)

const (
	// sshdPort is the port the openssh-server image listens on inside
	// the container. Docker maps it to an ephemeral loopback port.
	sshdPort = nat.Port("2222/tcp")

	// managedLabel marks containers owned by this process so Prune never
	// touches anything else.
	managedLabel = "io.vessel.sandbox"

	containerPrefix = "vessel-sandbox-"
	sandboxUser     = "vessel"

	// sshdReadyTimeout bounds how long Launch waits for sshd inside a
	// fresh container to accept handshakes.
	sshdReadyTimeout = 60 * time.Second
)

// Manager owns the container side of sandbox targets. Docker being absent
// disables sandboxes but nothing else, so Init failures are reported to the
// caller instead of aborting startup.
type Manager struct {
	client    *dockerclient.Client
	registry  *hosts.Registry
	available bool
}

func NewManager(registry *hosts.Registry) *Manager {
	return &Manager{registry: registry}
}

// Init connects to the docker daemon. DOCKER_HOST and friends are honored
// via the client's environment loading.
func (m *Manager) Init(ctx context.Context) error {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	m.client = cli
	m.available = true
	log.Printf("[sandbox] docker connected, sandbox image %s", config.Cfg.SandboxImage)
	return nil
}

// Available reports whether Init succeeded.
func (m *Manager) Available() bool {
	return m != nil && m.available
}

// Launch starts a sandbox container and registers it as a host. The
// container gets a random password, a memory cap from configuration, and
// its sshd port published on 127.0.0.1 only. Launch blocks until sshd
// answers with an SSH banner so the returned host is immediately usable.
func (m *Manager) Launch(ctx context.Context, name string) (*database.Host, error) {
	if !m.Available() {
		return nil, fmt.Errorf("docker is not available, sandboxes are disabled")
	}
	if name == "" {
		name = "sandbox-" + randomSuffix()
	}

	memory, err := units.RAMInBytes(config.Cfg.SandboxMemory)
	if err != nil {
		return nil, fmt.Errorf("parse sandbox memory limit %q: %w", config.Cfg.SandboxMemory, err)
	}

	if err := m.ensureImage(ctx, config.Cfg.SandboxImage); err != nil {
		return nil, err
	}

	password, err := randomPassword()
	if err != nil {
		return nil, err
	}

	containerCfg := &container.Config{
		Image: config.Cfg.SandboxImage,
		Env: []string{
			"USER_NAME=" + sandboxUser,
			"USER_PASSWORD=" + password,
			"PASSWORD_ACCESS=true",
			"SUDO_ACCESS=true",
		},
		Labels:       map[string]string{managedLabel: name},
		ExposedPorts: nat.PortSet{sshdPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			// HostPort left empty so docker picks a free ephemeral port.
			sshdPort: []nat.PortBinding{{HostIP: "127.0.0.1"}},
		},
		Resources: container.Resources{Memory: memory},
	}

	created, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerPrefix+name)
	if err != nil {
		return nil, fmt.Errorf("create sandbox container: %w", err)
	}
	if err := m.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		m.removeContainer(created.ID)
		return nil, fmt.Errorf("start sandbox container: %w", err)
	}

	port, err := m.mappedPort(ctx, created.ID)
	if err != nil {
		m.removeContainer(created.ID)
		return nil, err
	}

	if err := waitForSSHBanner(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), sshdReadyTimeout); err != nil {
		m.removeContainer(created.ID)
		return nil, err
	}

	host, err := m.registry.CreateSandbox(hosts.CreateRequest{
		Name:     name,
		Address:  "127.0.0.1",
		Port:     port,
		Username: sandboxUser,
		Password: password,
	}, created.ID)
	if err != nil {
		m.removeContainer(created.ID)
		return nil, err
	}

	log.Printf("[sandbox] launched %s (host %d) on 127.0.0.1:%d", name, host.ID, port)
	return host, nil
}

// Teardown removes a sandbox's container and deletes its host row. The
// host row goes away even when docker is unreachable or the container is
// already gone; a stale row pointing at a dead container helps nobody.
func (m *Manager) Teardown(ctx context.Context, hostID uint) error {
	host, err := m.registry.Get(hostID)
	if err != nil {
		return err
	}
	if !host.Sandbox {
		return fmt.Errorf("host %d (%s) is not a sandbox", host.ID, host.Name)
	}
	if m.Available() && host.SandboxContainer != "" {
		if err := m.client.ContainerRemove(ctx, host.SandboxContainer, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("remove sandbox container: %w", err)
		}
	}
	if err := m.registry.Delete(host.ID); err != nil {
		return err
	}
	log.Printf("[sandbox] tore down %s (host %d)", host.Name, host.ID)
	return nil
}

// Status reports the container state behind a sandbox host: "running",
// "starting", "stopped", or "missing" when the container no longer exists.
func (m *Manager) Status(ctx context.Context, host *database.Host) (string, error) {
	if !host.Sandbox {
		return "", fmt.Errorf("host %d (%s) is not a sandbox", host.ID, host.Name)
	}
	if !m.Available() {
		return "missing", nil
	}
	inspect, err := m.client.ContainerInspect(ctx, host.SandboxContainer)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "missing", nil
		}
		return "", fmt.Errorf("inspect sandbox container: %w", err)
	}
	switch inspect.State.Status {
	case "running":
		return "running", nil
	case "created", "restarting":
		return "starting", nil
	default:
		return "stopped", nil
	}
}

// Prune reconciles containers against host rows after a restart: labeled
// containers with no host row are removed, and sandbox host rows whose
// containers disappeared are deleted. Best effort; individual failures
// are logged and skipped. Returns how many containers and rows went away.
func (m *Manager) Prune(ctx context.Context) (containers, rows int) {
	if !m.Available() {
		return 0, 0
	}

	listed, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel)),
	})
	if err != nil {
		log.Printf("[sandbox] prune: list containers: %v", err)
		return 0, 0
	}
	for _, c := range listed {
		var count int64
		if err := database.DB.Model(&database.Host{}).Where("sandbox_container = ?", c.ID).Count(&count).Error; err != nil {
			log.Printf("[sandbox] prune: look up container %s: %v", shortID(c.ID), err)
			continue
		}
		if count > 0 {
			continue
		}
		if err := m.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
			log.Printf("[sandbox] prune: remove orphaned container %s: %v", shortID(c.ID), err)
			continue
		}
		containers++
		log.Printf("[sandbox] prune: removed orphaned container %s", shortID(c.ID))
	}

	var stranded []database.Host
	if err := database.DB.Where("sandbox = ?", true).Find(&stranded).Error; err != nil {
		log.Printf("[sandbox] prune: list sandbox hosts: %v", err)
		return containers, rows
	}
	for i := range stranded {
		host := &stranded[i]
		if _, err := m.client.ContainerInspect(ctx, host.SandboxContainer); err == nil || !dockerclient.IsErrNotFound(err) {
			continue
		}
		if err := m.registry.Delete(host.ID); err != nil {
			log.Printf("[sandbox] prune: delete stranded host %d: %v", host.ID, err)
			continue
		}
		rows++
		log.Printf("[sandbox] prune: deleted stranded sandbox host %d (%s)", host.ID, host.Name)
	}
	return containers, rows
}

func (m *Manager) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := m.client.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	log.Printf("[sandbox] pulling image %s", ref)
	reader, err := m.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// mappedPort returns the loopback port docker bound to the container's
// sshd port.
func (m *Manager) mappedPort(ctx context.Context, containerID string) (int, error) {
	inspect, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("inspect sandbox container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[sshdPort]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("sandbox container has no binding for %s", sshdPort)
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("sandbox container has unusable host port %q", bindings[0].HostPort)
	}
	return port, nil
}

// removeContainer is the failure-path cleanup; it uses a fresh context so
// a cancelled launch still tears its container down.
func (m *Manager) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
		log.Printf("[sandbox] remove container %s: %v", shortID(containerID), err)
	}
}

// waitForSSHBanner dials addr until sshd responds with its version banner.
// A listening TCP port is not enough: the openssh-server image accepts
// connections while its init scripts are still generating host keys.
func waitForSSHBanner(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		conn.Close()
		if err == nil && n > 0 && strings.HasPrefix(string(buf[:n]), "SSH-") {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("sshd on %s not ready after %s", addr, timeout)
}

func randomPassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate sandbox password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func randomSuffix() string {
	buf := make([]byte, 3)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
