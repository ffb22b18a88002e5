package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// CommandHandler receives one message from <prefix>/command/<deviceId>.
// It runs on a paho goroutine; a returned error is logged.
type CommandHandler func(deviceID string, payload []byte) error

// SubscribeCommands routes command ingress for every device to handler,
// replacing any earlier handler. The subscription is restored after
// reconnects until UnsubscribeCommands.
func (c *Client) SubscribeCommands(handler CommandHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.isConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	c.commands = handler
	c.mu.Unlock()

	if err := c.wait(c.client.Subscribe(c.topics.AllDeviceCommands(), c.qos, c.commandMessage), ErrSubscribeFailed); err != nil {
		c.mu.Lock()
		c.commands = nil
		c.mu.Unlock()
		return err
	}
	return nil
}

// UnsubscribeCommands stops command ingress. Messages that arrive
// afterwards are dropped even if the broker still delivers them. It is a
// no-op when nothing is subscribed.
func (c *Client) UnsubscribeCommands() error {
	c.mu.Lock()
	had := c.commands != nil
	c.commands = nil
	c.mu.Unlock()

	if !had || !c.isConnected() {
		return nil
	}
	return c.wait(c.client.Unsubscribe(c.topics.AllDeviceCommands()), ErrUnsubscribeFailed)
}

// commandMessage adapts a paho delivery to the command handler.
func (c *Client) commandMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log().Error("MQTT command handler panic recovered", "topic", msg.Topic(), "panic", r)
		}
	}()

	c.mu.RLock()
	handler := c.commands
	c.mu.RUnlock()
	if handler == nil {
		return
	}

	deviceID, ok := c.topics.ParseDeviceCommand(msg.Topic())
	if !ok {
		c.log().Warn("ignoring command on malformed topic", "topic", msg.Topic())
		return
	}
	if err := handler(deviceID, msg.Payload()); err != nil {
		c.log().Warn("MQTT command handler returned error", "device_id", deviceID, "error", err)
	}
}

func (c *Client) wait(token pahomqtt.Token, op error) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", op, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", op, err)
	}
	return nil
}
