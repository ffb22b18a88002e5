// Package audit records the per-device activity log.
//
// Every session transition and command leaves one append-only entry:
// connects and disconnects, commands sent, results received, status
// updates and command timeouts. Entries are listed newest first, either
// for one device or fleet-wide, with the device name joined in.
package audit
