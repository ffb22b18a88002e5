// Package influxdb writes fleet telemetry to InfluxDB v2.
//
// Measurements:
//   - device_status: numeric and boolean members of each status report
//   - device_presence: 1 on connect, 0 on disconnect
//   - device_command: one point per command outcome (success, failed, timeout)
//   - device_notifications: one point per mirrored notification
//
// All series are tagged with device_id. Writes are non-blocking and batched
// per the batch_size and flush_interval settings; write failures arrive on
// the logger set with SetLogger.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePresence("pixel-7", true, time.Now())
package influxdb
