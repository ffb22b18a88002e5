// Package fleet is the device session registry and command/event
// dispatcher.
//
// # Architecture
//
//	device transport ──frames──▶ Session ──register/close──▶ Registry
//	                                │                          ▲
//	                                │ results, telemetry       │ lookup
//	                                ▼                          │
//	observers ◀──real_time_update── Bus ◀── timeouts ── Core.DispatchCommand ◀── REST / MQTT
//	                                │
//	                                └──▶ sinks (activity log, notifications, MQTT, InfluxDB)
//
// A Session moves Connected → Registered → Closed. Registration writes the
// device row and presence before the Registry is touched, so a store
// failure leaves nothing half-registered. Register and Close for the same
// device id are serialised by a per-device lock held across store I/O;
// different devices proceed in parallel.
//
// DispatchCommand looks up the device's single live channel, assigns a
// process-unique command id, records it in a bounded per-device pending
// table and writes the command frame. Replies are matched against the
// pending table; unknown or late replies are dropped and counted, and
// entries older than the command timeout are reported as command_timeout.
//
// The Bus delivers every event to every observer in publish order and
// queues sink work per sink for an ants worker pool. Sink failures are
// logged and never block fan-out; a sink whose queue is full loses events.
//
// # Usage
//
//	core, err := fleet.New(fleet.Deps{
//	    Config:        fleet.Config{CommandTimeout: 30 * time.Second},
//	    Devices:       deviceRepo,
//	    Activity:      activityRepo,
//	    Notifications: notificationRepo,
//	    Logger:        log.With("component", "fleet"),
//	})
//	go core.Run(ctx)
//
//	sess := core.NewSession(channel)
//	defer sess.Close(ctx)
//	for frame := range inbound {
//	    _ = sess.HandleFrame(ctx, frame)
//	}
package fleet
