// Package mqtt connects the fleet server to an MQTT broker.
//
// The broker is an optional relay: real-time events and device presence
// are mirrored onto it for downstream consumers, and commands published
// to it are dispatched to devices like REST commands.
//
//	devices ↔ fleet server ↔ MQTT broker ↔ automation, dashboards
//
// The client provides:
//   - Auto-reconnect with bounded exponential backoff
//   - Device-scoped publishing that rejects ids spanning topic levels
//   - One command ingress handler, restored after reconnect
//   - A retained LWT on <prefix>/system/status for crash detection
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishPresence("pixel-7", map[string]any{"online": true})
//
// TLS should be enabled whenever the broker is not on localhost.
package mqtt
