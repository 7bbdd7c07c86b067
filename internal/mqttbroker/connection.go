// Package mqttbroker multiplexes one paho connection per (profile, broker
// host, broker port) tuple and routes inbound publishes to the device they
// came from, grounded on the teacher's internal/messaging.MQTTMessaging
// connection-state handling and on meross_profile.py's async_mqtt_message.
package mqttbroker

import (
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"merosslan/internal/resilience"
	"merosslan/internal/wire"
)

// Key identifies one multiplexed broker connection.
type Key struct {
	ProfileID string
	Host      string
	Port      int
}

func (k Key) String() string { return fmt.Sprintf("%s@%s:%d", k.ProfileID, k.Host, k.Port) }

// InboundHandler processes one parsed inbound envelope for a device.
type InboundHandler func(deviceID string, env wire.Envelope)

// LifecycleHandler is notified when the underlying transport connects or
// drops, so every device attached to it can react (mirrors meross_profile.py
// _mqtt_connected / _mqtt_disconnected fanning out to attached devices).
type LifecycleHandler func(connected bool)

// Connection wraps one paho client shared by every device whose broker
// resolves to the same host:port under the same cloud profile.
type Connection struct {
	key    Key
	client mqtt.Client
	logger *zap.Logger

	connected int32 // atomic bool

	mu        sync.RWMutex
	inbound   map[string]InboundHandler  // deviceID -> handler
	lifecycle map[string]LifecycleHandler // deviceID -> handler

	discovery *Discovery
	publishCB *resilience.CircuitBreaker
}

// Config carries the connection parameters for one broker.
type Config struct {
	Host      string
	Port      int
	ClientID  string
	Username  string
	Password  string
	TLS       bool
	KeepAlive time.Duration
}

// NewConnection builds (but does not yet open) a multiplexed connection.
func NewConnection(key Key, cfg Config, logger *zap.Logger) *Connection {
	c := &Connection{
		key:       key,
		logger:    logger,
		inbound:   make(map[string]InboundHandler),
		lifecycle: make(map[string]LifecycleHandler),
	}
	c.discovery = NewDiscovery(c, logger)
	c.publishCB = resilience.NewCircuitBreaker(5, 30*time.Second)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	if cfg.TLS {
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", cfg.Host, cfg.Port))
		opts.SetTLSConfig(&tls.Config{})
	}
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetDefaultPublishHandler(c.onMessage)

	c.client = mqtt.NewClient(opts)
	return c
}

// Open connects to the broker and blocks until the handshake completes or
// timeout elapses.
func (c *Connection) Open(timeout time.Duration) error {
	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqttbroker: connect timeout to %s", c.key)
	}
	return token.Error()
}

func (c *Connection) Close() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

func (c *Connection) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1 && c.client.IsConnected()
}

// Publishable implements device.MQTTPort: a connection can publish once
// the handshake has completed.
func (c *Connection) Publishable() bool {
	return c.IsConnected()
}

// SetDiscoveryHandlers wires the unknown-device handshake callbacks for
// this connection's Discovery. Safe to call repeatedly (e.g. once per
// profile that shares this pooled connection); the last caller wins.
func (c *Connection) SetDiscoveryHandlers(onUnknown func(deviceID string), onDiscovered func(deviceID string, payload DiscoveredPayload)) {
	c.discovery.OnUnknownDevice = onUnknown
	c.discovery.OnDiscovered = onDiscovered
}

// Attach registers a device on this connection: it will receive inbound
// publishes addressed to it and connect/disconnect notifications.
func (c *Connection) Attach(deviceID string, inbound InboundHandler, lifecycle LifecycleHandler) error {
	c.mu.Lock()
	c.inbound[deviceID] = inbound
	c.lifecycle[deviceID] = lifecycle
	c.mu.Unlock()

	token := c.client.Subscribe(wire.ReplyTopic(deviceID), 1, nil)
	token.Wait()
	return token.Error()
}

// Detach removes a device from routing, e.g. on unbind or profile removal.
func (c *Connection) Detach(deviceID string) {
	c.mu.Lock()
	delete(c.inbound, deviceID)
	delete(c.lifecycle, deviceID)
	c.mu.Unlock()
	c.client.Unsubscribe(wire.ReplyTopic(deviceID))
}

// Publish sends a request envelope to the given device's subscribe topic.
// Priority ordering between concurrent SET/PUSH/GET publishes is the
// caller's responsibility (internal/device serializes per device already).
// Publishes run through a per-broker circuit breaker, separate from the
// per-device HTTP breaker in internal/httpdevice, so one broker stuck
// rejecting publishes doesn't mean every device attached to it keeps
// retrying against a dead socket.
func (c *Connection) Publish(deviceID string, env wire.Envelope) error {
	body, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	return c.publishCB.Call(func() error {
		token := c.client.Publish(wire.SubscribeTopic(deviceID), 1, false, body)
		token.Wait()
		return token.Error()
	})
}

func (c *Connection) onConnect(mqtt.Client) {
	atomic.StoreInt32(&c.connected, 1)
	c.logger.Info("mqtt connection established", zap.String("broker", c.key.String()))
	c.notifyLifecycle(true)
}

func (c *Connection) onConnectionLost(_ mqtt.Client, err error) {
	atomic.StoreInt32(&c.connected, 0)
	c.logger.Warn("mqtt connection lost", zap.String("broker", c.key.String()), zap.Error(err))
	c.notifyLifecycle(false)
}

func (c *Connection) notifyLifecycle(connected bool) {
	c.mu.RLock()
	handlers := make([]LifecycleHandler, 0, len(c.lifecycle))
	for _, h := range c.lifecycle {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()
	for _, h := range handlers {
		h(connected)
	}
}

// onMessage routes an inbound publish to its device by parsing the device
// id out of the envelope's header.from, falling back to the discovery handshake for ids
// nothing has attached yet (see meross_profile.py async_mqtt_message).
func (c *Connection) onMessage(_ mqtt.Client, msg mqtt.Message) {
	env, err := wire.Parse(msg.Payload())
	if err != nil {
		c.logger.Debug("mqtt: unparseable payload", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	deviceID := wire.DeviceIDFromFrom(env.Header.From)
	if deviceID == "" {
		return
	}

	c.mu.RLock()
	handler, ok := c.inbound[deviceID]
	c.mu.RUnlock()

	if ok {
		handler(deviceID, env)
		return
	}
	c.discovery.Observe(deviceID, env)
}
