package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxPayloadSize bounds one message; it matches the device frame limit.
const maxPayloadSize = 1 << 20

// PublishEvent mirrors one real-time event onto
// <prefix>/events/<deviceId>/<eventType>. Events are never retained.
func (c *Client) PublishEvent(deviceID, eventType string, v any) error {
	if err := topicSegment(deviceID); err != nil {
		return err
	}
	if err := topicSegment(eventType); err != nil {
		return err
	}
	return c.publishJSON(c.topics.DeviceEvent(deviceID, eventType), v, false)
}

// PublishPresence replaces the retained presence of deviceID so late
// subscribers see the current online state.
func (c *Client) PublishPresence(deviceID string, v any) error {
	if err := topicSegment(deviceID); err != nil {
		return err
	}
	return c.publishJSON(c.topics.DevicePresence(deviceID), v, true)
}

// topicSegment rejects ids that would escape their topic level or match
// other devices' wildcard subscriptions.
func topicSegment(s string) error {
	if s == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(s, "/+#") {
		return fmt.Errorf("%w: %q is not a single topic level", ErrInvalidTopic, s)
	}
	return nil
}

func (c *Client) publishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %w", ErrPublishFailed, err)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.isConnected() {
		return ErrNotConnected
	}
	return c.wait(c.client.Publish(topic, c.qos, retained, payload), ErrPublishFailed)
}
