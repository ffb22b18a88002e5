package fleet

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Inbound device message kinds.
const (
	EventRegisterDevice    = "register_device"
	EventCommandResponse   = "command_response"
	EventStatusUpdate      = "status_update"
	EventNotificationEvent = "notification_event"
	EventHeartbeat         = "heartbeat"
)

// Outbound device message kinds.
const (
	EventRegistrationSuccess = "registration_success"
	EventRegistrationError   = "registration_error"
	EventCommand             = "command"
	EventHeartbeatResponse   = "heartbeat_response"
)

// EventRealTimeUpdate is the only kind sent to observers.
const EventRealTimeUpdate = "real_time_update"

// Envelope is one WebSocket text frame in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RegisterPayload is the body of register_device. Both the short field
// names and the device agent's snake_case names are accepted.
type RegisterPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Model     string `json:"model"`
	OSVersion string `json:"osVersion"`
}

// UnmarshalJSON accepts id|device_id, name|device_name,
// model|device_model and osVersion|android_version.
func (p *RegisterPayload) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID             string `json:"id"`
		DeviceID       string `json:"device_id"`
		Name           string `json:"name"`
		DeviceName     string `json:"device_name"`
		Model          string `json:"model"`
		DeviceModel    string `json:"device_model"`
		OSVersion      string `json:"osVersion"`
		AndroidVersion string `json:"android_version"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	p.ID = strings.TrimSpace(lo.CoalesceOrEmpty(raw.ID, raw.DeviceID))
	p.Name = lo.CoalesceOrEmpty(raw.Name, raw.DeviceName)
	p.Model = lo.CoalesceOrEmpty(raw.Model, raw.DeviceModel)
	p.OSVersion = lo.CoalesceOrEmpty(raw.OSVersion, raw.AndroidVersion)
	return nil
}

// CommandResponsePayload is the body of command_response.
type CommandResponsePayload struct {
	CommandID string          `json:"commandId"`
	Action    string          `json:"action"`
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// NotificationEventPayload is the body of notification_event.
type NotificationEventPayload struct {
	DeviceID         string          `json:"device_id"`
	NotificationData json.RawMessage `json:"notification_data"`
}

type registrationSuccess struct {
	DeviceID string `json:"deviceId"`
	Message  string `json:"message"`
}

type registrationError struct {
	Message string `json:"message"`
}

type commandFrame struct {
	CommandID string         `json:"commandId"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	Timestamp int64          `json:"timestamp"`
}

type heartbeatResponse struct {
	Timestamp int64 `json:"timestamp"`
}

// encodeFrame marshals an envelope with data as its body.
func encodeFrame(event string, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s data: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: body})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", event, err)
	}
	return frame, nil
}

// resultText renders a command result for the activity log: the message
// when present, otherwise the result with JSON string quoting removed.
func resultText(message string, result json.RawMessage) string {
	if message != "" {
		return message
	}
	if len(result) == 0 || string(result) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return s
	}
	return string(result)
}
