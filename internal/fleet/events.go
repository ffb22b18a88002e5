package fleet

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/fleet-core/internal/notification"
)

// EventKind discriminates real-time updates.
type EventKind string

// Event kinds carried in real_time_update.type.
const (
	KindCommandResponse EventKind = "command_response"
	KindNotification    EventKind = "notification"
	KindStatusUpdate    EventKind = "status_update"
	KindDeviceStatus    EventKind = "device_status"
	KindCommandTimeout  EventKind = "command_timeout"
)

// timestampFormat is ISO-8601 with millisecond precision.
const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// CommandResult is a device's reply to a dispatched command.
type CommandResult struct {
	CommandID string          `json:"commandId"`
	DeviceID  string          `json:"deviceId"`
	Action    string          `json:"action"`
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Event is one item on the broadcast bus. Exactly one of the kind-specific
// fields is set, matching Kind.
type Event struct {
	Kind      EventKind
	DeviceID  string
	Timestamp time.Time

	Result       *CommandResult
	Notification *notification.Notification
	Status       map[string]any
	Online       bool
	Expired      *PendingCommand
}

// Payload flattens the event into the real_time_update body.
func (e Event) Payload() map[string]any {
	p := map[string]any{
		"type":      string(e.Kind),
		"deviceId":  e.DeviceID,
		"timestamp": e.Timestamp.UTC().Format(timestampFormat),
	}

	switch e.Kind {
	case KindCommandResponse:
		if r := e.Result; r != nil {
			p["commandId"] = r.CommandID
			p["action"] = r.Action
			p["success"] = r.Success
			p["message"] = r.Message
			if len(r.Result) > 0 {
				p["result"] = r.Result
			}
		}
	case KindNotification:
		p["notification"] = e.Notification
	case KindStatusUpdate:
		p["status"] = e.Status
	case KindDeviceStatus:
		p["online"] = e.Online
	case KindCommandTimeout:
		if x := e.Expired; x != nil {
			p["commandId"] = x.CommandID
			p["action"] = x.Action
			p["issuedAt"] = x.IssuedAt.UTC().Format(timestampFormat)
		}
	}
	return p
}
