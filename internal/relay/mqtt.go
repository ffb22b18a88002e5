package relay

import (
	"context"
	"time"

	"github.com/nerrad567/fleet-core/internal/fleet"
)

// Publisher is the part of the MQTT client the sink needs.
type Publisher interface {
	PublishEvent(deviceID, eventType string, v any) error
	PublishPresence(deviceID string, v any) error
}

// presence is the retained payload on <prefix>/presence/<deviceId>.
type presence struct {
	DeviceID  string `json:"deviceId"`
	Online    bool   `json:"online"`
	Timestamp string `json:"timestamp"`
}

// MQTTSink publishes fleet events to the broker.
type MQTTSink struct {
	client Publisher
}

// NewMQTTSink creates a sink publishing through client.
func NewMQTTSink(client Publisher) *MQTTSink {
	return &MQTTSink{client: client}
}

// Name implements fleet.EventSink.
func (s *MQTTSink) Name() string { return "mqtt" }

// HandleEvent implements fleet.EventSink.
func (s *MQTTSink) HandleEvent(_ context.Context, e fleet.Event) error {
	if err := s.client.PublishEvent(e.DeviceID, string(e.Kind), e.Payload()); err != nil {
		return err
	}

	if e.Kind == fleet.KindDeviceStatus {
		return s.client.PublishPresence(e.DeviceID, presence{
			DeviceID:  e.DeviceID,
			Online:    e.Online,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return nil
}
