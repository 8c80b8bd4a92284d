package discovery_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/toolmesh/orchestrator/internal/discovery"
	"github.com/toolmesh/orchestrator/pkg/models"
)

// fakePlatform is an in-memory Platform for exercising scan cycles.
type fakePlatform struct {
	mu         sync.Mutex
	containers map[string]*discovery.ContainerDetail
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{containers: make(map[string]*discovery.ContainerDetail)}
}

func (f *fakePlatform) add(detail *discovery.ContainerDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[detail.ID] = detail
}

func (f *fakePlatform) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
}

func (f *fakePlatform) ListContainers(ctx context.Context) ([]discovery.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []discovery.ContainerSummary
	for id, detail := range f.containers {
		out = append(out, discovery.ContainerSummary{
			ID:    id,
			Image: detail.Config.Image,
			Names: detail.Name,
			State: detail.State.Status,
		})
	}
	return out, nil
}

func (f *fakePlatform) InspectContainer(ctx context.Context, id string) (*discovery.ContainerDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	detail, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s not found", id)
	}
	return detail, nil
}

func (f *fakePlatform) Describe() map[string]interface{} {
	return map[string]interface{}{"mode": "fake"}
}

func agentContainer(id, name string, labels map[string]string, hostPort string) *discovery.ContainerDetail {
	detail := &discovery.ContainerDetail{ID: id, Name: "/" + name}
	detail.State.Status = "running"
	detail.Config.Image = "example/" + name + ":latest"
	detail.Config.Labels = labels
	if hostPort != "" {
		declared := labels[discovery.LabelPort]
		if declared == "" {
			declared = "3000"
		}
		detail.NetworkSettings.Ports = map[string][]discovery.PortBinding{
			declared + "/tcp": {{HostIP: "0.0.0.0", HostPort: hostPort}},
		}
	}
	return detail
}

// ─── Scan Cycles ────────────────────────────────────────────

func TestScanOnce_DiscoversLabeledContainers(t *testing.T) {
	platform := newFakePlatform()
	platform.add(agentContainer(
		"aaaaaaaaaaaabbbbbbbbbbbbccccccccccccdddddddddddd",
		"echo-agent",
		map[string]string{
			discovery.LabelServer:   "true",
			discovery.LabelName:     "echo",
			discovery.LabelPort:     "3000",
			discovery.LabelProtocol: "http",
		},
		"8081",
	))
	platform.add(agentContainer("ffffffffffff", "bystander", map[string]string{"app": "db"}, ""))

	svc := discovery.New(platform, time.Minute)
	var discovered []*models.Agent
	svc.OnAgentDiscovered = func(agent *models.Agent) {
		discovered = append(discovered, agent)
	}

	if err := svc.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}

	if len(discovered) != 1 {
		t.Fatalf("discovered %d agents, want 1", len(discovered))
	}
	agent := discovered[0]
	if agent.Name != "echo" {
		t.Errorf("agent name = %q, want %q", agent.Name, "echo")
	}
	if len(agent.ID) != 12 {
		t.Errorf("agent id length = %d, want 12", len(agent.ID))
	}
	if agent.Connection.URL != "http://localhost:8081" {
		t.Errorf("agent url = %q, want %q", agent.Connection.URL, "http://localhost:8081")
	}
	if agent.Status != models.AgentInactive {
		t.Errorf("agent status = %q, want %q before the handshake", agent.Status, models.AgentInactive)
	}
	if agent.DiscoveredAt.IsZero() || agent.LastSeen.IsZero() {
		t.Error("agent timestamps not recorded")
	}
}

func TestScanOnce_DefaultsAndNameFallback(t *testing.T) {
	platform := newFakePlatform()
	platform.add(agentContainer("eeeeeeeeeeee", "plain-agent", map[string]string{
		discovery.LabelServer: "true",
	}, ""))

	svc := discovery.New(platform, time.Minute)
	var discovered []*models.Agent
	svc.OnAgentDiscovered = func(agent *models.Agent) {
		discovered = append(discovered, agent)
	}

	if err := svc.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}
	if len(discovered) != 1 {
		t.Fatalf("discovered %d agents, want 1", len(discovered))
	}

	agent := discovered[0]
	if agent.Name != "plain-agent" {
		t.Errorf("agent name = %q, want container name fallback", agent.Name)
	}
	if agent.Connection.Port != "3000" {
		t.Errorf("agent port = %q, want default 3000", agent.Connection.Port)
	}
	if agent.Connection.URL != "http://localhost:3000" {
		t.Errorf("agent url = %q, want %q", agent.Connection.URL, "http://localhost:3000")
	}
}

func TestScanOnce_SecondScanOnlyBumpsLastSeen(t *testing.T) {
	platform := newFakePlatform()
	platform.add(agentContainer("aaaaaaaaaaaa", "echo", map[string]string{discovery.LabelServer: "true"}, ""))

	svc := discovery.New(platform, time.Minute)
	var events int
	svc.OnAgentDiscovered = func(agent *models.Agent) { events++ }

	if err := svc.ScanOnce(context.Background()); err != nil {
		t.Fatalf("first ScanOnce() error = %v", err)
	}
	first := svc.Agents()[0].LastSeen

	time.Sleep(5 * time.Millisecond)
	if err := svc.ScanOnce(context.Background()); err != nil {
		t.Fatalf("second ScanOnce() error = %v", err)
	}

	if events != 1 {
		t.Errorf("OnAgentDiscovered fired %d times, want 1", events)
	}
	second := svc.Agents()[0].LastSeen
	if !second.After(first) {
		t.Errorf("lastSeen not bumped: first=%v second=%v", first, second)
	}
}

func TestScanOnce_EmitsAgentLost(t *testing.T) {
	platform := newFakePlatform()
	platform.add(agentContainer("aaaaaaaaaaaa", "echo", map[string]string{discovery.LabelServer: "true"}, ""))

	svc := discovery.New(platform, time.Minute)
	var lost []string
	svc.OnAgentLost = func(agentID string) { lost = append(lost, agentID) }

	if err := svc.ScanOnce(context.Background()); err != nil {
		t.Fatalf("first ScanOnce() error = %v", err)
	}
	platform.remove("aaaaaaaaaaaa")
	if err := svc.ScanOnce(context.Background()); err != nil {
		t.Fatalf("second ScanOnce() error = %v", err)
	}

	if len(lost) != 1 || lost[0] != "aaaaaaaaaaaa" {
		t.Errorf("lost = %v, want [aaaaaaaaaaaa]", lost)
	}
	if agents := svc.Agents(); len(agents) != 0 {
		t.Errorf("known agents after loss = %d, want 0", len(agents))
	}
}

func TestForget_NextScanRediscovers(t *testing.T) {
	platform := newFakePlatform()
	platform.add(agentContainer("aaaaaaaaaaaa", "echo", map[string]string{discovery.LabelServer: "true"}, ""))

	svc := discovery.New(platform, time.Minute)
	var discovered, lost int
	svc.OnAgentDiscovered = func(agent *models.Agent) { discovered++ }
	svc.OnAgentLost = func(agentID string) { lost++ }

	if err := svc.ScanOnce(context.Background()); err != nil {
		t.Fatalf("first ScanOnce() error = %v", err)
	}
	svc.Forget("aaaaaaaaaaaa")

	if agents := svc.Agents(); len(agents) != 0 {
		t.Errorf("known agents after Forget = %d, want 0", len(agents))
	}
	if lost != 0 {
		t.Errorf("OnAgentLost fired %d times on Forget, want 0", lost)
	}

	// The container is still running, so the next scan reports it as new.
	if err := svc.ScanOnce(context.Background()); err != nil {
		t.Fatalf("second ScanOnce() error = %v", err)
	}
	if discovered != 2 {
		t.Errorf("OnAgentDiscovered fired %d times, want 2", discovered)
	}
}

func TestStats(t *testing.T) {
	platform := newFakePlatform()
	svc := discovery.New(platform, time.Minute)

	if err := svc.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}

	stats := svc.Stats()
	if stats["agentCount"] != 0 {
		t.Errorf("agentCount = %v, want 0", stats["agentCount"])
	}
	if stats["running"] != false {
		t.Errorf("running = %v, want false before Start", stats["running"])
	}
	if _, ok := stats["lastScan"]; !ok {
		t.Error("Stats() missing lastScan after a scan")
	}
	platformInfo := stats["platform"].(map[string]interface{})
	if platformInfo["mode"] != "fake" {
		t.Errorf("platform mode = %v, want fake", platformInfo["mode"])
	}
}
