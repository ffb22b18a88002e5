// Package relay mirrors fleet events onto external systems and accepts
// commands from them.
//
// Two event sinks plug into the fleet bus:
//
//   - MQTTSink publishes every real-time update to
//     <prefix>/events/<deviceId>/<type> and keeps a retained presence
//     message on <prefix>/presence/<deviceId>.
//   - InfluxSink writes status, presence, command outcomes and
//     notification counts as time-series points.
//
// CommandIngress subscribes to <prefix>/command/+ and dispatches each
// {"action": ..., "params": {...}} message like a REST command, answering
// on <prefix>/events/<deviceId>/command_ack.
//
// Sinks run on their own fleet worker pools; a slow broker or database
// never delays device or observer traffic.
package relay
