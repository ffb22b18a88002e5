package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the configured prefix is empty.
const DefaultTopicPrefix = "fleet"

// Topics builds the fleet topic hierarchy under one prefix:
//
//	<prefix>/events/<deviceId>/<type>   real-time events, not retained
//	<prefix>/presence/<deviceId>        device online state, retained
//	<prefix>/command/<deviceId>         command ingress
//	<prefix>/system/status              server online state, retained (LWT)
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// DeviceEvent returns the topic for one real-time event.
//
// Example: fleet/events/pixel-7/command_response
func (t Topics) DeviceEvent(deviceID, eventType string) string {
	return fmt.Sprintf("%s/events/%s/%s", t.prefix(), deviceID, eventType)
}

// DevicePresence returns the retained presence topic for a device.
//
// Example: fleet/presence/pixel-7
func (t Topics) DevicePresence(deviceID string) string {
	return fmt.Sprintf("%s/presence/%s", t.prefix(), deviceID)
}

// DeviceCommand returns the command ingress topic for a device.
//
// Example: fleet/command/pixel-7
func (t Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", t.prefix(), deviceID)
}

// SystemStatus returns the server status topic carrying the LWT.
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// AllDeviceCommands subscribes to command ingress for every device.
func (t Topics) AllDeviceCommands() string {
	return t.prefix() + "/command/+"
}

// ParseDeviceCommand extracts the device id from a command topic.
func (t Topics) ParseDeviceCommand(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.DeviceCommand(""))
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
