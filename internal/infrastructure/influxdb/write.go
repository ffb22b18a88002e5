package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementDeviceStatus  = "device_status"
	MeasurementPresence      = "device_presence"
	MeasurementCommand       = "device_command"
	MeasurementNotifications = "device_notifications"
)

// WriteDeviceStatus records the numeric fields of a status report.
// Reports without numeric fields are skipped.
func (c *Client) WriteDeviceStatus(deviceID string, status map[string]any, ts time.Time) {
	if p := StatusPoint(deviceID, status, ts); p != nil {
		c.writePoint(p)
	}
}

// WritePresence records a connect (1) or disconnect (0).
func (c *Client) WritePresence(deviceID string, online bool, ts time.Time) {
	c.writePoint(PresencePoint(deviceID, online, ts))
}

// WriteCommandOutcome records how a command ended: success, failed or timeout.
func (c *Client) WriteCommandOutcome(deviceID, action, outcome string, ts time.Time) {
	c.writePoint(write.NewPoint(MeasurementCommand,
		map[string]string{"device_id": deviceID, "action": action, "outcome": outcome},
		map[string]any{"count": 1},
		ts,
	))
}

// WriteNotification counts one mirrored notification per package.
func (c *Client) WriteNotification(deviceID, packageName string, ts time.Time) {
	c.writePoint(write.NewPoint(MeasurementNotifications,
		map[string]string{"device_id": deviceID, "package": packageName},
		map[string]any{"count": 1},
		ts,
	))
}

func (c *Client) writePoint(p *write.Point) {
	if !c.open() {
		return
	}
	c.writeAPI.WritePoint(p)
}

// StatusPoint builds a device_status point from the numeric and boolean
// members of status. Booleans are stored as 0 or 1. Returns nil when
// nothing is numeric.
func StatusPoint(deviceID string, status map[string]any, ts time.Time) *write.Point {
	fields := numericFields(status)
	if len(fields) == 0 {
		return nil
	}
	return write.NewPoint(MeasurementDeviceStatus, map[string]string{"device_id": deviceID}, fields, ts)
}

// PresencePoint builds a device_presence point.
func PresencePoint(deviceID string, online bool, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementPresence,
		map[string]string{"device_id": deviceID},
		map[string]any{"online": boolToInt(online)},
		ts,
	)
}

func numericFields(status map[string]any) map[string]any {
	fields := make(map[string]any)
	for k, v := range status {
		switch n := v.(type) {
		case float64:
			fields[k] = n
		case float32:
			fields[k] = float64(n)
		case int:
			fields[k] = float64(n)
		case int64:
			fields[k] = float64(n)
		case bool:
			fields[k] = boolToInt(n)
		}
	}
	return fields
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
