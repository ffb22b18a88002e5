// Package notification stores status-bar notifications mirrored from devices.
//
// Devices forward each posted notification as a notification_event. The
// payload is parsed into a Notification, persisted, and later queried by
// device, by originating app package, or fleet-wide.
package notification
