package relay

import (
	"context"
	"time"

	"github.com/nerrad567/fleet-core/internal/fleet"
)

// TelemetryWriter is the part of the InfluxDB client the sink needs.
type TelemetryWriter interface {
	WriteDeviceStatus(deviceID string, status map[string]any, ts time.Time)
	WritePresence(deviceID string, online bool, ts time.Time)
	WriteCommandOutcome(deviceID, action, outcome string, ts time.Time)
	WriteNotification(deviceID, packageName string, ts time.Time)
}

// InfluxSink records fleet events as time-series points.
type InfluxSink struct {
	writer TelemetryWriter
}

// NewInfluxSink creates a sink writing through w.
func NewInfluxSink(w TelemetryWriter) *InfluxSink {
	return &InfluxSink{writer: w}
}

// Name implements fleet.EventSink.
func (s *InfluxSink) Name() string { return "influxdb" }

// HandleEvent implements fleet.EventSink. Writes are buffered by the
// client, so this never blocks on the network.
func (s *InfluxSink) HandleEvent(_ context.Context, e fleet.Event) error {
	switch e.Kind {
	case fleet.KindStatusUpdate:
		s.writer.WriteDeviceStatus(e.DeviceID, e.Status, e.Timestamp)
	case fleet.KindDeviceStatus:
		s.writer.WritePresence(e.DeviceID, e.Online, e.Timestamp)
	case fleet.KindCommandResponse:
		outcome := "failed"
		if e.Result.Success {
			outcome = "success"
		}
		s.writer.WriteCommandOutcome(e.DeviceID, e.Result.Action, outcome, e.Timestamp)
	case fleet.KindCommandTimeout:
		s.writer.WriteCommandOutcome(e.DeviceID, e.Expired.Action, "timeout", e.Timestamp)
	case fleet.KindNotification:
		s.writer.WriteNotification(e.DeviceID, e.Notification.PackageName, e.Timestamp)
	}
	return nil
}
