// Package discovery maintains the live set of MCP agents by
// periodically scanning the container platform.
//
// A container is an agent iff it carries the label mcp.server=true.
// Each scan diffs the running set against the known set and fires
// callbacks for agents that appeared or vanished; the orchestrator is
// the sole subscriber.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolmesh/orchestrator/pkg/models"
)

// Labels that mark and describe an agent container.
const (
	LabelServer   = "mcp.server"
	LabelName     = "mcp.server.name"
	LabelPort     = "mcp.server.port"
	LabelProtocol = "mcp.server.protocol"

	defaultAgentPort     = "3000"
	defaultAgentProtocol = "http"
)

// Service runs the periodic agent scan.
type Service struct {
	platform Platform
	interval time.Duration

	mu       sync.Mutex
	running  bool
	scanning bool
	stopCh   chan struct{}

	lastScan    time.Time
	lastScanErr string

	agentsMu    sync.RWMutex
	knownAgents map[string]*models.Agent

	// Callbacks wired by the orchestrator before Start. Both fire from
	// the scanning goroutine, never while a lock is held.
	OnAgentDiscovered func(agent *models.Agent)
	OnAgentLost       func(agentID string)
}

// New creates a discovery service scanning every interval.
func New(platform Platform, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{
		platform:    platform,
		interval:    interval,
		stopCh:      make(chan struct{}),
		knownAgents: make(map[string]*models.Agent),
	}
}

// Start begins the periodic scan loop. The first scan runs immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	log.Info().Dur("interval", s.interval).Msg("agent discovery started")

	go s.loop(ctx)
}

// Stop shuts down the scan loop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	log.Info().Msg("agent discovery stopped")
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run once immediately
	if err := s.ScanOnce(ctx); err != nil {
		log.Error().Err(err).Msg("initial discovery scan failed")
	}

	for {
		select {
		case <-ticker.C:
			if err := s.ScanOnce(ctx); err != nil {
				log.Error().Err(err).Msg("discovery scan failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ScanOnce performs a single scan cycle. Scans are serialized: if one
// is already in flight the call returns without scanning.
func (s *Service) ScanOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		log.Debug().Msg("scan already in flight, skipping")
		return nil
	}
	s.scanning = true
	s.mu.Unlock()

	err := s.scan(ctx)

	s.mu.Lock()
	s.scanning = false
	s.lastScan = time.Now().UTC()
	if err != nil {
		s.lastScanErr = err.Error()
	} else {
		s.lastScanErr = ""
	}
	s.mu.Unlock()

	return err
}

func (s *Service) scan(ctx context.Context) error {
	containers, err := s.platform.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	fresh := make(map[string]*models.Agent, len(containers))
	for _, c := range containers {
		agent, err := s.buildAgent(ctx, c.ID)
		if err != nil {
			log.Warn().Str("container", c.ID).Err(err).Msg("Skipping container")
			continue
		}
		fresh[agent.ID] = agent
	}

	s.applyDiff(fresh)
	return nil
}

// buildAgent inspects a container and derives its agent record.
func (s *Service) buildAgent(ctx context.Context, containerID string) (*models.Agent, error) {
	detail, err := s.platform.InspectContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}

	labels := detail.Config.Labels
	if labels[LabelServer] != "true" {
		return nil, fmt.Errorf("container %s does not carry %s=true", containerID, LabelServer)
	}

	name := labels[LabelName]
	if name == "" {
		name = strings.TrimPrefix(detail.Name, "/")
	}
	declaredPort := labels[LabelPort]
	if declaredPort == "" {
		declaredPort = defaultAgentPort
	}
	protocol := labels[LabelProtocol]
	if protocol == "" {
		protocol = defaultAgentProtocol
	}
	port := hostPort(detail.NetworkSettings.Ports, declaredPort)

	id := detail.ID
	if len(id) > 12 {
		id = id[:12]
	}

	now := time.Now().UTC()
	return &models.Agent{
		ID:              id,
		Name:            name,
		Image:           detail.Config.Image,
		ContainerStatus: detail.State.Status,
		Labels:          labels,
		Connection: models.Connection{
			Protocol: protocol,
			Host:     "localhost",
			Port:     port,
			URL:      fmt.Sprintf("%s://localhost:%s", protocol, port),
		},
		Status:       models.AgentInactive, // active once the handshake succeeds
		DiscoveredAt: now,
		LastSeen:     now,
	}, nil
}

// hostPort returns the host side of the 0.0.0.0 binding for the
// declared container port, or the declared port when none is published.
func hostPort(ports map[string][]PortBinding, declaredPort string) string {
	for _, binding := range ports[declaredPort+"/tcp"] {
		if binding.HostIP == "0.0.0.0" && binding.HostPort != "" {
			return binding.HostPort
		}
	}
	return declaredPort
}

// applyDiff reconciles the fresh scan result with the known set and
// fires discovery callbacks outside the lock.
func (s *Service) applyDiff(fresh map[string]*models.Agent) {
	var discovered []*models.Agent
	var lost []string

	s.agentsMu.Lock()
	for id, agent := range fresh {
		if known, ok := s.knownAgents[id]; ok {
			known.LastSeen = agent.LastSeen
			known.ContainerStatus = agent.ContainerStatus
		} else {
			s.knownAgents[id] = agent
			discovered = append(discovered, agent)
		}
	}
	for id := range s.knownAgents {
		if _, ok := fresh[id]; !ok {
			delete(s.knownAgents, id)
			lost = append(lost, id)
		}
	}
	s.agentsMu.Unlock()

	for _, agent := range discovered {
		log.Info().
			Str("agent", agent.ID).
			Str("name", agent.Name).
			Str("url", agent.Connection.URL).
			Msg("agent discovered")
		if s.OnAgentDiscovered != nil {
			s.OnAgentDiscovered(agent)
		}
	}
	for _, id := range lost {
		log.Info().Str("agent", id).Msg("agent lost")
		if s.OnAgentLost != nil {
			s.OnAgentLost(id)
		}
	}
}

// Forget drops an agent from the known set without firing OnAgentLost.
// The orchestrator calls it after a failed handshake: the container is
// still running, and the next scan re-observes it as newly discovered.
func (s *Service) Forget(agentID string) {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	delete(s.knownAgents, agentID)
}

// Agents returns a snapshot of the known agent set.
func (s *Service) Agents() []models.Agent {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()

	agents := make([]models.Agent, 0, len(s.knownAgents))
	for _, agent := range s.knownAgents {
		agents = append(agents, *agent)
	}
	return agents
}

// Stats reports discovery state for health endpoints.
func (s *Service) Stats() map[string]interface{} {
	s.mu.Lock()
	running := s.running
	lastScan := s.lastScan
	lastErr := s.lastScanErr
	s.mu.Unlock()

	s.agentsMu.RLock()
	agentCount := len(s.knownAgents)
	s.agentsMu.RUnlock()

	stats := map[string]interface{}{
		"running":    running,
		"intervalMs": s.interval.Milliseconds(),
		"agentCount": agentCount,
		"platform":   s.platform.Describe(),
	}
	if !lastScan.IsZero() {
		stats["lastScan"] = lastScan
	}
	if lastErr != "" {
		stats["lastScanError"] = lastErr
	}
	return stats
}
