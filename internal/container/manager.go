// Package container manages docker-backed executor containers: one
// long-lived container per capability target, joined to the bus so it
// can serve exec request/reply subjects.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/natsbus"
)

const (
	labelPrefix = "weft"
	networkName = "weft-net"
)

type Manager struct {
	docker      *client.Client
	bus         *natsbus.Bus
	cfg         config.ExecConfig
	mu          sync.RWMutex
	active      map[string]*ExecutorInfo // target → container
	networkName string
}

type ExecutorInfo struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	LastUsed  time.Time `json:"last_used"`
}

// ExecutorOpts describes one executor container to start.
type ExecutorOpts struct {
	Target  string
	Kind    string
	Image   string
	NATSUrl string
	Env     map[string]string
	Mounts  []Mount
}

func NewManager(bus *natsbus.Bus, cfg config.ExecConfig) (*Manager, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Manager{
		docker: docker,
		bus:    bus,
		cfg:    cfg,
		active: make(map[string]*ExecutorInfo),
	}, nil
}

func (m *Manager) ensureNetwork(ctx context.Context) error {
	if m.networkName != "" {
		return nil
	}

	_, err := m.docker.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		m.networkName = networkName
		return nil
	}

	_, err = m.docker.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	m.networkName = networkName
	slog.Info("created docker network", "network", networkName)
	return nil
}

// StartExecutor ensures a container serving exec.<kind>.<target> is
// running. Idempotent per target.
func (m *Manager) StartExecutor(ctx context.Context, opts ExecutorOpts) (*ExecutorInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[opts.Target]; ok {
		existing.LastUsed = time.Now()
		return existing, nil
	}

	if len(m.active) >= m.cfg.MaxContainers {
		return nil, fmt.Errorf("max containers (%d) reached", m.cfg.MaxContainers)
	}

	if err := m.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	containerName := fmt.Sprintf("weft-exec-%s", sanitizeName(opts.Target))

	// Remove any stale container with the same name
	timeout := 5
	_ = m.docker.ContainerStop(ctx, containerName, dockercontainer.StopOptions{Timeout: &timeout})
	_ = m.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true})

	env := []string{
		fmt.Sprintf("NATS_URL=%s", opts.NATSUrl),
		fmt.Sprintf("EXEC_TARGET=%s", opts.Target),
		fmt.Sprintf("EXEC_KIND=%s", opts.Kind),
		fmt.Sprintf("EXEC_SUBJECT=%s", natsbus.TopicExec(opts.Kind, opts.Target)),
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, fmt.Sprintf("TZ=%s", tz))
	}
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	image := opts.Image
	if image == "" {
		image = m.cfg.Image
	}

	containerCfg := &dockercontainer.Config{
		Image:  image,
		Env:    env,
		Labels: map[string]string{labelPrefix + ".managed": "true", labelPrefix + ".target": opts.Target},
	}

	hostCfg := &dockercontainer.HostConfig{
		Binds:       buildMounts(opts),
		NetworkMode: dockercontainer.NetworkMode(m.networkName),
	}

	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	info := &ExecutorInfo{
		ID:        resp.ID,
		Target:    opts.Target,
		Name:      containerName,
		Status:    "running",
		StartedAt: time.Now(),
		LastUsed:  time.Now(),
	}
	m.active[opts.Target] = info

	slog.Info("executor container started", "target", opts.Target, "container", resp.ID[:12])
	return info, nil
}

func (m *Manager) StopExecutor(ctx context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.active[target]
	if !ok {
		return nil
	}

	timeout := 10
	if err := m.docker.ContainerStop(ctx, info.ID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", info.ID[:12], "error", err)
	}

	if err := m.docker.ContainerRemove(ctx, info.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", info.ID[:12], "error", err)
	}

	delete(m.active, target)
	slog.Info("executor container stopped", "target", target)
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	targets := make([]string, 0, len(m.active))
	for t := range m.active {
		targets = append(targets, t)
	}
	m.mu.RUnlock()

	for _, t := range targets {
		_ = m.StopExecutor(ctx, t)
	}
}

func (m *Manager) GetRunning(target string) *ExecutorInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, ok := m.active[target]; ok {
		return info
	}
	return nil
}

func (m *Manager) Touch(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.active[target]; ok {
		info.LastUsed = time.Now()
	}
}

func (m *Manager) ListRunning() []ExecutorInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ExecutorInfo, 0, len(m.active))
	for _, info := range m.active {
		result = append(result, *info)
	}
	return result
}

// ReapIdle stops executors unused past the idle timeout.
func (m *Manager) ReapIdle(ctx context.Context) {
	if m.cfg.IdleTimeout == 0 {
		return
	}
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	var idle []string
	for t, info := range m.active {
		if info.LastUsed.Before(cutoff) {
			idle = append(idle, t)
		}
	}
	m.mu.RUnlock()

	for _, t := range idle {
		slog.Info("stopping idle executor", "target", t, "timeout", m.cfg.IdleTimeout)
		_ = m.StopExecutor(ctx, t)
	}
}

// CleanupStale removes managed containers left over from a previous
// process.
func (m *Manager) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := m.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	m.mu.RLock()
	activeIDs := make(map[string]bool)
	for _, info := range m.active {
		activeIDs[info.ID] = true
	}
	m.mu.RUnlock()

	for _, c := range containers {
		if !activeIDs[c.ID] {
			slog.Info("cleaning up stale container", "container", c.ID[:12])
			_ = m.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, s)
}
