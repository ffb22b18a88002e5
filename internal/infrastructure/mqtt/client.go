package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
)

// Client is the fleet relay's broker link.
//
// It mirrors device events and presence under the configured prefix and
// feeds command ingress to at most one handler. The ingress subscription
// survives reconnects. All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics
	qos    byte

	mu        sync.RWMutex
	connected bool
	commands  CommandHandler
	logger    Logger
}

// Logger is satisfied by logging.Logger and slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Connect validates the relay settings, dials the broker and waits for
// the first CONNACK.
//
// The broker holds a retained LWT on <prefix>/system/status so relay
// consumers see the server drop if the process dies. Every reconnect
// republishes the online status and restores command ingress.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		topics: Topics{Prefix: cfg.TopicPrefix},
		qos:    byte(cfg.QoS),
		logger: nopLogger{},
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.onConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.onConnectionLost(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.log().Warn("MQTT reconnecting", "broker", brokerURL(cfg.Broker))
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// onConnect runs on a paho goroutine; callers may publish right away.
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	return c, nil
}

// validate rejects settings that would put fleet traffic on the wrong
// topics or make paho fail later with a less useful error.
func validate(cfg config.MQTTConfig) error {
	if cfg.Broker.Host == "" {
		return fmt.Errorf("%w: broker host is required", ErrInvalidConfig)
	}
	if cfg.Broker.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidConfig)
	}
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return ErrInvalidQoS
	}
	if strings.ContainsAny(cfg.TopicPrefix, "+#") {
		return fmt.Errorf("%w: prefix %q contains a wildcard", ErrInvalidTopic, cfg.TopicPrefix)
	}
	return nil
}

func (c *Client) onConnect() {
	c.mu.Lock()
	c.connected = true
	handler := c.commands
	c.mu.Unlock()

	c.client.Publish(c.topics.SystemStatus(), c.qos, true, buildOnlinePayload(c.cfg.Broker.ClientID))

	if handler != nil {
		c.client.Subscribe(c.topics.AllDeviceCommands(), c.qos, c.commandMessage)
	}
	c.log().Info("MQTT connected", "broker", brokerURL(c.cfg.Broker), "command_ingress", handler != nil)
}

func (c *Client) onConnectionLost(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.log().Warn("MQTT connection lost", "broker", brokerURL(c.cfg.Broker), "error", err)
}

// Close publishes a graceful offline status, distinct from the LWT, and
// disconnects after letting in-flight publishes finish.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.isConnected() {
		token := c.client.Publish(c.topics.SystemStatus(), c.qos, true, buildOfflinePayload(c.cfg.Broker.ClientID))
		token.WaitTimeout(defaultPublishTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.isConnected() {
		return ErrNotConnected
	}
	return nil
}

// isConnected returns the last known connection state.
func (c *Client) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// SetLogger sets the logger for connection changes and ingress errors.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.logger == nil {
		return nopLogger{}
	}
	return c.logger
}

// Topics returns the topic builder for the configured prefix.
func (c *Client) Topics() Topics {
	return c.topics
}
