package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/pulsekiosk/internal/config"
	"github.com/nugget/pulsekiosk/internal/presence"
)

// ErrNotStarted is returned by calls that need a broker connection
// before Start was called.
var ErrNotStarted = errors.New("mqtt client not started")

// presenceBuffer is how many presence observations may wait for the
// scan loop before new ones are dropped.
const presenceBuffer = 32

// gaugeDef describes one announced gauge.
type gaugeDef struct {
	name  string
	label string
	icon  string
	unit  string
	class string
}

var gaugeDefs = []gaugeDef{
	{name: "workflow_state", label: "Workflow State", icon: "mdi:state-machine"},
	{name: "session_status", label: "Session Status", icon: "mdi:account-clock"},
	{name: "amplitude", label: "Heart Rate", icon: "mdi:heart-pulse", unit: "bpm", class: "measurement"},
	{name: "countdown", label: "Countdown", icon: "mdi:timer-sand", unit: "s", class: "measurement"},
	{name: "link_status", label: "Strap Link", icon: "mdi:bluetooth"},
}

// Client owns the broker connection. It is a presence source for the
// scan loop and a gauge sink for everything that reports state.
type Client struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger
	limiter    *rateLimiter
	presence   chan presence.Observation

	// presMu serializes hand-off so the newest value always ends up
	// last in the channel.
	presMu      sync.Mutex
	forwarded   bool
	lastPresent bool

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	gauges map[string]float64
	dirty  map[string]bool
	wake   chan struct{}
}

// New creates a client but does not connect; call Start.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		logger:     logger,
		limiter:    newRateLimiter(int64(cfg.RateLimitPerMinute), time.Minute, logger),
		presence:   make(chan presence.Observation, presenceBuffer),
		gauges:     make(map[string]float64),
		dirty:      make(map[string]bool),
		wake:       make(chan struct{}, 1),
	}
}

// Presence returns the stream of raw presence observations.
func (c *Client) Presence() <-chan presence.Observation {
	return c.presence
}

// Set records a gauge value and schedules it for publishing. It never
// blocks on the network.
func (c *Client) Set(name string, value float64) {
	c.mu.Lock()
	if old, ok := c.gauges[name]; ok && old == value {
		c.mu.Unlock()
		return
	}
	c.gauges[name] = value
	c.dirty[name] = true
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Start connects and runs until ctx is cancelled. The broker being
// unreachable is not an error: autopaho keeps retrying in the
// background.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker)
			c.subscribe(ctx, cm)
			c.publishDiscovery(ctx, cm)
			c.publishAvailability(ctx, cm, "online")
			c.markAllDirty()
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "pulsekiosk-" + c.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.handleMessage(pr.Packet.Topic, pr.Packet.Payload, time.Now())
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "wss" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()

	go c.limiter.run(ctx)
	c.runGauges(ctx, cm)
	return nil
}

// Stop publishes "offline" and disconnects.
func (c *Client) Stop(ctx context.Context) error {
	cm := c.conn()
	if cm == nil {
		return nil
	}
	c.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. It serves as the connwatch probe for the broker.
func (c *Client) AwaitConnection(ctx context.Context) error {
	cm := c.conn()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

func (c *Client) conn() *autopaho.ConnectionManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cm
}

// --- Topics ---

func (c *Client) baseTopic() string {
	return "pulsekiosk/" + c.cfg.DeviceName
}

func (c *Client) availabilityTopic() string {
	return c.baseTopic() + "/availability"
}

func (c *Client) stateTopic(gauge string) string {
	return c.baseTopic() + "/" + gauge + "/state"
}

func (c *Client) discoveryTopic(gauge string) string {
	return c.cfg.DiscoveryPrefix + "/sensor/" + c.cfg.DeviceName + "/" + gauge + "/config"
}

// --- Inbound ---

func (c *Client) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: c.cfg.PresenceTopic, QoS: 1}},
	}); err != nil {
		c.logger.Warn("mqtt subscribe failed", "topic", c.cfg.PresenceTopic, "error", err)
		return
	}
	c.logger.Info("mqtt subscribed", "topic", c.cfg.PresenceTopic)
}

// handleMessage routes one inbound publish. Only the presence topic is
// consumed; malformed payloads are logged and dropped. The rate limit
// and a full buffer only ever cost repeats of the current value: a
// change is always delivered, evicting the oldest queued observation if
// it must.
func (c *Client) handleMessage(topic string, payload []byte, at time.Time) {
	if topic != c.cfg.PresenceTopic {
		c.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
		return
	}

	present, err := presence.ParseMessage(payload)
	if err != nil {
		c.logger.Warn("ignoring malformed presence message", "topic", topic, "error", err)
		return
	}

	c.presMu.Lock()
	defer c.presMu.Unlock()

	change := !c.forwarded || present != c.lastPresent
	if !c.limiter.allow() && !change {
		return
	}
	c.logger.Debug("presence received", "present", present)

	obs := presence.Observation{Present: present, At: at}
	select {
	case c.presence <- obs:
	default:
		if !change {
			c.logger.Warn("presence repeat dropped, scan loop is behind", "present", present)
			return
		}
		select {
		case <-c.presence:
		default:
		}
		select {
		case c.presence <- obs:
			c.logger.Warn("oldest presence observation evicted, scan loop is behind", "present", present)
		default:
			// Only this method sends, under presMu, and we just made room.
		}
	}
	c.forwarded = true
	c.lastPresent = present
}

// --- Outbound ---

func (c *Client) sensorConfigs() map[string]SensorConfig {
	out := make(map[string]SensorConfig, len(gaugeDefs))
	for _, g := range gaugeDefs {
		out[g.name] = SensorConfig{
			Name:              g.label,
			ObjectID:          g.name,
			HasEntityName:     true,
			UniqueID:          c.instanceID + "_" + g.name,
			StateTopic:        c.stateTopic(g.name),
			AvailabilityTopic: c.availabilityTopic(),
			Device:            c.device,
			Icon:              g.icon,
			UnitOfMeasurement: g.unit,
			StateClass:        g.class,
		}
	}
	return out
}

func (c *Client) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for name, sc := range c.sensorConfigs() {
		payload, err := json.Marshal(sc)
		if err != nil {
			c.logger.Error("mqtt marshal discovery payload", "gauge", name, "error", err)
			continue
		}
		topic := c.discoveryTopic(name)
		if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
			c.logger.Warn("mqtt discovery publish failed", "gauge", name, "topic", topic, "error", err)
		}
	}
}

func (c *Client) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	c.logger.Info("mqtt availability published", "status", status)
}

func (c *Client) markAllDirty() {
	c.mu.Lock()
	for name := range c.gauges {
		c.dirty[name] = true
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// takeDirty returns pending gauge values sorted by name and clears them.
func (c *Client) takeDirty() []gaugeValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]gaugeValue, 0, len(c.dirty))
	for name := range c.dirty {
		out = append(out, gaugeValue{name: name, value: c.gauges[name]})
	}
	clear(c.dirty)
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

type gaugeValue struct {
	name  string
	value float64
}

func formatGauge(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// runGauges publishes changed gauges until ctx is cancelled. Values
// that fail to publish are republished on the next connection.
func (c *Client) runGauges(ctx context.Context, cm *autopaho.ConnectionManager) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		for _, g := range c.takeDirty() {
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   c.stateTopic(g.name),
				Payload: []byte(formatGauge(g.value)),
				QoS:     0,
				Retain:  true,
			}); err != nil {
				c.logger.Debug("mqtt gauge publish failed", "gauge", g.name, "error", err)
			}
		}
	}
}
