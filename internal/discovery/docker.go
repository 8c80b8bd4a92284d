package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolmesh/orchestrator/internal/config"
)

// Platform abstracts the container runtime. Discovery needs exactly two
// capabilities: enumerate running agent containers and inspect one for
// its full metadata.
type Platform interface {
	ListContainers(ctx context.Context) ([]ContainerSummary, error)
	InspectContainer(ctx context.Context, id string) (*ContainerDetail, error)
	Describe() map[string]interface{}
}

// ContainerSummary is one line of `docker ps --format '{{json .}}'`.
type ContainerSummary struct {
	ID     string `json:"ID"`
	Image  string `json:"Image"`
	Names  string `json:"Names"`
	Labels string `json:"Labels"`
	Ports  string `json:"Ports"`
	State  string `json:"State"`
}

// ContainerDetail is the subset of `docker inspect` output discovery
// needs: labels, port bindings, and run state.
type ContainerDetail struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status string `json:"Status"`
	} `json:"State"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	NetworkSettings struct {
		Ports map[string][]PortBinding `json:"Ports"`
	} `json:"NetworkSettings"`
}

// PortBinding is one host-side binding of a container port.
type PortBinding struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

// ── Rootless Docker Platform ─────────────────────────────────

// DockerPlatform drives a user-scoped (rootless) Docker daemon through
// the docker CLI. There is deliberately no fallback to the system-wide
// socket: the orchestrator is expected to run unprivileged.
type DockerPlatform struct {
	socketPath string
	host       string // DOCKER_HOST value for every command

	retryAttempts int
	retryDelay    time.Duration
	probeTimeout  time.Duration
}

// NewDockerPlatform resolves the rootless daemon socket and verifies it
// answers. If no candidate socket works the orchestrator cannot start.
func NewDockerPlatform(ctx context.Context, cfg config.DiscoveryConfig) (*DockerPlatform, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	p := &DockerPlatform{
		retryAttempts: attempts,
		retryDelay:    time.Duration(cfg.RetryDelayMs) * time.Millisecond,
		probeTimeout:  time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond,
	}

	path, err := p.resolveSocket(ctx)
	if err != nil {
		return nil, err
	}
	p.socketPath = path
	p.host = "unix://" + path

	log.Info().Str("socket", path).Msg("rootless Docker socket resolved")
	return p, nil
}

// SocketPath returns the resolved daemon socket.
func (p *DockerPlatform) SocketPath() string { return p.socketPath }

// Describe reports platform details for health endpoints.
func (p *DockerPlatform) Describe() map[string]interface{} {
	return map[string]interface{}{
		"mode":   "docker-rootless",
		"socket": p.socketPath,
	}
}

// ListContainers enumerates running containers carrying the agent label.
func (p *DockerPlatform) ListContainers(ctx context.Context) ([]ContainerSummary, error) {
	out, err := p.runDocker(ctx, "ps", "--filter", "label="+LabelServer+"=true", "--format", "{{json .}}")
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var containers []ContainerSummary
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var c ContainerSummary
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			log.Warn().Str("line", line).Err(err).Msg("Skipping unparseable container entry")
			continue
		}
		containers = append(containers, c)
	}
	return containers, nil
}

// InspectContainer fetches the full metadata for one container.
func (p *DockerPlatform) InspectContainer(ctx context.Context, id string) (*ContainerDetail, error) {
	out, err := p.runDocker(ctx, "inspect", id)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", id, err)
	}

	var details []ContainerDetail
	if err := json.Unmarshal([]byte(out), &details); err != nil {
		return nil, fmt.Errorf("parse inspect output for %s: %w", id, err)
	}
	if len(details) == 0 {
		return nil, fmt.Errorf("container %s not found", id)
	}
	return &details[0], nil
}

// ── Socket Resolution ────────────────────────────────────────

func (p *DockerPlatform) resolveSocket(ctx context.Context) (string, error) {
	candidates := candidateSockets()

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSocket == 0 {
			log.Debug().Str("path", candidate).Msg("candidate exists but is not a socket")
			continue
		}
		if err := p.probe(ctx, candidate); err != nil {
			log.Debug().Str("socket", candidate).Err(err).Msg("socket probe failed")
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("no usable rootless Docker socket (checked %d candidates)", len(candidates))
}

// candidateSockets lists socket paths in resolution order. Environment
// overrides come first, then the conventional rootless locations.
func candidateSockets() []string {
	var candidates []string
	if v := os.Getenv("DOCKER_ROOTLESS_SOCKET_PATH"); v != "" {
		candidates = append(candidates, v)
	}
	if v := os.Getenv("DOCKER_HOST"); strings.HasPrefix(v, "unix://") {
		candidates = append(candidates, strings.TrimPrefix(v, "unix://"))
	}

	uid := effectiveUID()
	candidates = append(candidates,
		fmt.Sprintf("/run/user/%d/docker.sock", uid),
		fmt.Sprintf("/tmp/docker-%d/docker.sock", uid),
		fmt.Sprintf("/var/run/user/%d/docker.sock", uid),
	)
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".docker", "run", "docker.sock"),
			filepath.Join(home, ".docker", "desktop", "docker.sock"),
		)
	}
	return candidates
}

// effectiveUID determines the user id owning the rootless daemon.
func effectiveUID() int {
	if v := os.Getenv("UID"); v != "" {
		if uid, err := strconv.Atoi(v); err == nil {
			return uid
		}
	}
	if uid := os.Getuid(); uid >= 0 {
		return uid
	}
	if out, err := exec.Command("id", "-u").Output(); err == nil {
		if uid, err := strconv.Atoi(strings.TrimSpace(string(out))); err == nil {
			return uid
		}
	}
	return 1001
}

// probe checks that the daemon behind socketPath actually answers.
func (p *DockerPlatform) probe(ctx context.Context, socketPath string) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, "docker", "version", "--format", "{{.Server.Version}}")
	cmd.Env = append(os.Environ(), "DOCKER_HOST=unix://"+socketPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker version probe: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	if strings.TrimSpace(stdout.String()) == "" {
		return fmt.Errorf("docker version probe returned empty server version")
	}
	return nil
}

// ── Command Execution ────────────────────────────────────────

// runDocker executes one docker CLI command against the resolved
// socket, retrying with a linear backoff. Rootless daemons drop
// connections under contention often enough that a single attempt is
// not reliable.
func (p *DockerPlatform) runDocker(ctx context.Context, args ...string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.retryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		cmd := exec.CommandContext(ctx, "docker", args...)
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+p.host)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err == nil {
			return stdout.String(), nil
		} else {
			lastErr = fmt.Errorf("docker %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
		}

		log.Warn().
			Int("attempt", attempt).
			Str("command", args[0]).
			Err(lastErr).
			Msg("Docker command failed, retrying")

		if attempt < p.retryAttempts {
			select {
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}
