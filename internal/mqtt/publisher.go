package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/wamcp/internal/buildinfo"
	"github.com/nugget/wamcp/internal/config"
	"github.com/nugget/wamcp/internal/mcp"
)

// StatusSource reports MCP server state. *mcp.Client satisfies it.
type StatusSource interface {
	Servers() []string
	Sessions() []mcp.Session
	IsConnected(name string) bool
}

// Connectivity payloads.
const (
	payloadConnected    = "connected"
	payloadDisconnected = "disconnected"
)

// broker is the part of the autopaho connection the publisher uses.
type broker interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection, announces discovery configs on
// (re-)connect, and periodically pushes server state.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	source     StatusSource
	logger     *slog.Logger

	mu        sync.Mutex
	cm        *autopaho.ConnectionManager
	announced map[string]bool // servers with published discovery configs
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, source StatusSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		source:     source,
		logger:     logger,
		announced:  make(map[string]bool),
	}
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.resetAnnounced()
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.publishStates(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "wamcp-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx, cm)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "wamcp/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// entitySlug turns a server name into an HA-safe object id fragment.
func entitySlug(server string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(server) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// --- Discovery ---

type entityDef struct {
	component string // sensor or binary_sensor
	suffix    string
	config    EntityConfig
}

func (p *Publisher) entity(component, suffix, name, icon string) entityDef {
	return entityDef{
		component: component,
		suffix:    suffix,
		config: EntityConfig{
			Name:              name,
			ObjectID:          suffix,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + suffix,
			StateTopic:        p.stateTopic(suffix),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		},
	}
}

// deviceEntities are the entities that do not depend on the server set.
func (p *Publisher) deviceEntities() []entityDef {
	uptime := p.entity("sensor", "uptime", "Uptime", "mdi:clock-outline")
	uptime.config.EntityCategory = "diagnostic"
	version := p.entity("sensor", "version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"
	connected := p.entity("sensor", "connected_servers", "Connected Servers", "mdi:server-network")
	connected.config.StateClass = "measurement"
	return []entityDef{uptime, version, connected}
}

// serverEntities are the per-server entities.
func (p *Publisher) serverEntities(server string) []entityDef {
	slug := entitySlug(server)

	conn := p.entity("binary_sensor", slug+"_connection", server+" Connection", "")
	conn.config.DeviceClass = "connectivity"
	conn.config.PayloadOn = payloadConnected
	conn.config.PayloadOff = payloadDisconnected
	conn.config.JsonAttributesTopic = p.attributesTopic(slug + "_connection")

	last := p.entity("sensor", slug+"_last_activity", server+" Last Activity", "")
	last.config.DeviceClass = "timestamp"

	return []entityDef{conn, last}
}

func (p *Publisher) resetAnnounced() {
	p.mu.Lock()
	p.announced = make(map[string]bool)
	p.mu.Unlock()
}

// publishDiscovery announces the device entities and every server not
// yet announced on this connection.
func (p *Publisher) publishDiscovery(ctx context.Context, b broker) {
	defs := p.pendingDiscovery()
	for _, d := range defs {
		topic := p.discoveryTopic(d.component, d.suffix)
		payload, err := json.Marshal(d.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", d.suffix, "error", err)
			continue
		}

		if _, err := b.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", d.suffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", d.suffix, "topic", topic)
		}
	}
}

func (p *Publisher) pendingDiscovery() []entityDef {
	p.mu.Lock()
	defer p.mu.Unlock()

	var defs []entityDef
	if !p.announced[""] {
		defs = append(defs, p.deviceEntities()...)
		p.announced[""] = true
	}
	for _, server := range p.source.Servers() {
		if p.announced[server] {
			continue
		}
		defs = append(defs, p.serverEntities(server)...)
		p.announced[server] = true
	}
	return defs
}

func (p *Publisher) publishAvailability(ctx context.Context, b broker, status string) {
	if _, err := b.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context, cm *autopaho.ConnectionManager) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishDiscovery(ctx, cm)
			p.publishStates(ctx, cm)
		}
	}
}

// stateMessage is one retained state or attributes payload.
type stateMessage struct {
	topic   string
	payload []byte
}

// states renders the current device and per-server state.
func (p *Publisher) states() []stateMessage {
	sessions := make(map[string]mcp.Session)
	for _, s := range p.source.Sessions() {
		sessions[s.Server] = s
	}

	servers := p.source.Servers()
	var connected int
	var msgs []stateMessage
	for _, server := range servers {
		slug := entitySlug(server)
		state := payloadDisconnected
		if p.source.IsConnected(server) {
			state = payloadConnected
			connected++
		}
		msgs = append(msgs, stateMessage{p.stateTopic(slug + "_connection"), []byte(state)})

		attrs := map[string]any{"server": server}
		last := "unknown"
		if sess, ok := sessions[server]; ok {
			attrs["session_id"] = sess.ID
			attrs["active"] = sess.Active
			attrs["created_at"] = sess.CreatedAt.Format(time.RFC3339)
			for k, v := range sess.Metadata {
				attrs[k] = v
			}
			last = sess.LastActivity.Format(time.RFC3339)
		}
		if data, err := json.Marshal(attrs); err == nil {
			msgs = append(msgs, stateMessage{p.attributesTopic(slug + "_connection"), data})
		}
		msgs = append(msgs, stateMessage{p.stateTopic(slug + "_last_activity"), []byte(last)})
	}

	msgs = append(msgs,
		stateMessage{p.stateTopic("uptime"), []byte(buildinfo.Uptime().String())},
		stateMessage{p.stateTopic("version"), []byte(buildinfo.Version)},
		stateMessage{p.stateTopic("connected_servers"), []byte(strconv.Itoa(connected))},
	)
	return msgs
}

func (p *Publisher) publishStates(ctx context.Context, b broker) {
	msgs := p.states()
	for _, m := range msgs {
		if _, err := b.Publish(ctx, &paho.Publish{
			Topic:   m.topic,
			Payload: m.payload,
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"topic", m.topic, "error", err)
		}
	}

	p.logger.Debug("mqtt server states published", "messages", len(msgs))
}
