package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/wamcp/internal/config"
	"github.com/nugget/wamcp/internal/mcp"
)

type fakeSource struct {
	servers   []string
	sessions  []mcp.Session
	connected map[string]bool
}

func (f *fakeSource) Servers() []string            { return f.servers }
func (f *fakeSource) Sessions() []mcp.Session      { return f.sessions }
func (f *fakeSource) IsConnected(name string) bool { return f.connected[name] }

type fakeBroker struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (b *fakeBroker) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, p)
	return &paho.PublishResponse{}, b.err
}

func (b *fakeBroker) topics() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.msgs))
	for _, m := range b.msgs {
		out[m.Topic] = string(m.Payload)
	}
	return out
}

func (b *fakeBroker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = nil
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "wamcp-test",
		DiscoveryPrefix: "homeassistant",
		PublishInterval: time.Minute,
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, instanceFile))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "test-device")
	if info.Name != "test-device" {
		t.Errorf("Name = %q, want %q", info.Name, "test-device")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), "test-id", &fakeSource{}, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "wamcp/wamcp-test"},
		{"availabilityTopic", p.availabilityTopic(), "wamcp/wamcp-test/availability"},
		{"stateTopic", p.stateTopic("uptime"), "wamcp/wamcp-test/uptime/state"},
		{"attributesTopic", p.attributesTopic("wa_connection"), "wamcp/wamcp-test/wa_connection/attributes"},
		{"discoveryTopic", p.discoveryTopic("binary_sensor", "wa_connection"), "homeassistant/binary_sensor/wamcp-test/wa_connection/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestEntitySlug(t *testing.T) {
	for in, want := range map[string]string{
		"whatsapp":           "whatsapp",
		"WhatsApp-MCP":       "whatsapp_mcp",
		"github.com/x/y srv": "github_com_x_y_srv",
	} {
		if got := entitySlug(in); got != want {
			t.Errorf("entitySlug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublisher_DiscoveryAnnouncesEachServerOnce(t *testing.T) {
	src := &fakeSource{servers: []string{"whatsapp"}}
	p := New(testConfig(), "inst", src, nil)
	b := &fakeBroker{}

	p.publishDiscovery(context.Background(), b)
	got := b.topics()
	for _, topic := range []string{
		"homeassistant/sensor/wamcp-test/uptime/config",
		"homeassistant/sensor/wamcp-test/version/config",
		"homeassistant/sensor/wamcp-test/connected_servers/config",
		"homeassistant/binary_sensor/wamcp-test/whatsapp_connection/config",
		"homeassistant/sensor/wamcp-test/whatsapp_last_activity/config",
	} {
		if _, ok := got[topic]; !ok {
			t.Errorf("missing discovery topic %s", topic)
		}
	}

	var cfg EntityConfig
	if err := json.Unmarshal([]byte(got["homeassistant/binary_sensor/wamcp-test/whatsapp_connection/config"]), &cfg); err != nil {
		t.Fatalf("decode discovery payload: %v", err)
	}
	if cfg.DeviceClass != "connectivity" || cfg.PayloadOn != payloadConnected || cfg.PayloadOff != payloadDisconnected {
		t.Errorf("connection entity = %+v", cfg)
	}
	if cfg.UniqueID != "inst_whatsapp_connection" || !cfg.HasEntityName {
		t.Errorf("UniqueID = %q, HasEntityName = %v", cfg.UniqueID, cfg.HasEntityName)
	}
	if cfg.AvailabilityTopic != "wamcp/wamcp-test/availability" {
		t.Errorf("AvailabilityTopic = %q", cfg.AvailabilityTopic)
	}

	// Nothing new: nothing published.
	b.reset()
	p.publishDiscovery(context.Background(), b)
	if n := len(b.topics()); n != 0 {
		t.Errorf("republished %d discovery configs without changes", n)
	}

	// A server added later is announced alone.
	src.servers = append(src.servers, "files")
	p.publishDiscovery(context.Background(), b)
	if n := len(b.topics()); n != 2 {
		t.Errorf("published %d configs for one new server, want 2", n)
	}

	// A broker reconnect re-announces everything.
	b.reset()
	p.resetAnnounced()
	p.publishDiscovery(context.Background(), b)
	if n := len(b.topics()); n != 3+2*2 {
		t.Errorf("published %d configs after reconnect, want 7", n)
	}
}

func TestPublisher_States(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	src := &fakeSource{
		servers: []string{"whatsapp", "files"},
		sessions: []mcp.Session{{
			ID:           "sess-1",
			Server:       "whatsapp",
			CreatedAt:    last.Add(-time.Hour),
			LastActivity: last,
			Active:       true,
			Metadata:     map[string]string{"transport": "http"},
		}},
		connected: map[string]bool{"whatsapp": true},
	}
	p := New(testConfig(), "inst", src, nil)
	b := &fakeBroker{}

	p.publishStates(context.Background(), b)
	got := b.topics()

	want := map[string]string{
		"wamcp/wamcp-test/whatsapp_connection/state":    payloadConnected,
		"wamcp/wamcp-test/files_connection/state":       payloadDisconnected,
		"wamcp/wamcp-test/whatsapp_last_activity/state": "2026-03-01T12:30:00Z",
		"wamcp/wamcp-test/files_last_activity/state":    "unknown",
		"wamcp/wamcp-test/connected_servers/state":      "1",
	}
	for topic, payload := range want {
		if got[topic] != payload {
			t.Errorf("%s = %q, want %q", topic, got[topic], payload)
		}
	}

	var attrs map[string]any
	if err := json.Unmarshal([]byte(got["wamcp/wamcp-test/whatsapp_connection/attributes"]), &attrs); err != nil {
		t.Fatalf("decode attributes: %v", err)
	}
	if attrs["session_id"] != "sess-1" || attrs["transport"] != "http" || attrs["active"] != true {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestPublisher_PublishFailuresAreLogged(t *testing.T) {
	p := New(testConfig(), "inst", &fakeSource{servers: []string{"whatsapp"}}, nil)
	b := &fakeBroker{err: errors.New("not connected")}

	// Must not panic or stop early.
	p.publishDiscovery(context.Background(), b)
	p.publishAvailability(context.Background(), b, "online")
	p.publishStates(context.Background(), b)
	if len(b.msgs) < 10 {
		t.Errorf("attempted %d publishes, want every message tried", len(b.msgs))
	}
}

func TestPublisher_AwaitConnectionBeforeStart(t *testing.T) {
	p := New(testConfig(), "inst", &fakeSource{}, nil)
	if err := p.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection before Start should fail")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
}
