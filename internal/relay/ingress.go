package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/fleet-core/internal/fleet"
	"github.com/nerrad567/fleet-core/internal/infrastructure/mqtt"
)

// Subscriber is the part of the MQTT client the ingress needs.
type Subscriber interface {
	Publisher
	SubscribeCommands(handler mqtt.CommandHandler) error
	UnsubscribeCommands() error
}

// Dispatcher sends commands to devices.
type Dispatcher interface {
	DispatchCommand(ctx context.Context, deviceID, action string, params map[string]any) (*fleet.DispatchOutcome, error)
}

// Logger is the logging interface used by the relay.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// CommandMessage is the payload accepted on <prefix>/command/<deviceId>.
type CommandMessage struct {
	RequestID string         `json:"requestId,omitempty"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
}

// Ack statuses published on command_ack.
const (
	AckAccepted = "accepted"
	AckRejected = "rejected"

	// AckFailed means the command reached the device but could not be
	// recorded; CommandID is set.
	AckFailed = "failed"
)

// CommandAck answers one CommandMessage.
type CommandAck struct {
	RequestID string `json:"requestId,omitempty"`
	CommandID string `json:"commandId,omitempty"`
	Action    string `json:"action"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

const ackEventType = "command_ack"

// CommandIngress dispatches commands received over MQTT.
type CommandIngress struct {
	client     Subscriber
	dispatcher Dispatcher
	logger     Logger
}

// NewCommandIngress creates an ingress. Call Start to subscribe.
func NewCommandIngress(client Subscriber, dispatcher Dispatcher, logger Logger) *CommandIngress {
	return &CommandIngress{client: client, dispatcher: dispatcher, logger: logger}
}

// Start subscribes to command ingress for every device. Messages are
// dispatched with ctx, so cancelling it aborts in-flight store writes.
func (in *CommandIngress) Start(ctx context.Context) error {
	if err := in.client.SubscribeCommands(func(deviceID string, payload []byte) error {
		return in.handle(ctx, deviceID, payload)
	}); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	in.logger.Info("subscribed to command ingress")
	return nil
}

// Stop detaches the ingress from the broker. Call it before closing the
// fleet core so no relayed command races shutdown.
func (in *CommandIngress) Stop() error {
	if err := in.client.UnsubscribeCommands(); err != nil {
		return fmt.Errorf("unsubscribe from commands: %w", err)
	}
	in.logger.Info("command ingress stopped")
	return nil
}

func (in *CommandIngress) handle(ctx context.Context, deviceID string, payload []byte) error {
	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		in.ack(deviceID, CommandAck{Status: AckRejected, Error: "invalid JSON"})
		return fmt.Errorf("decoding command for %s: %w", deviceID, err)
	}

	ack := CommandAck{RequestID: msg.RequestID, Action: msg.Action}
	out, err := in.dispatcher.DispatchCommand(ctx, deviceID, msg.Action, msg.Params)
	switch {
	case out != nil && err == nil:
		ack.Status = AckAccepted
		ack.CommandID = out.CommandID
	case out != nil:
		ack.Status = AckFailed
		ack.CommandID = out.CommandID
		ack.Error = rejectReason(err)
		in.logger.Warn("relayed command sent but not audited",
			"device_id", deviceID,
			"command_id", out.CommandID,
			"error", err,
		)
	default:
		ack.Status = AckRejected
		ack.Error = rejectReason(err)
		in.logger.Warn("relayed command rejected", "device_id", deviceID, "action", msg.Action, "error", err)
	}

	in.ack(deviceID, ack)
	return nil
}

func (in *CommandIngress) ack(deviceID string, ack CommandAck) {
	if err := in.client.PublishEvent(deviceID, ackEventType, ack); err != nil {
		in.logger.Warn("failed to publish command ack", "device_id", deviceID, "error", err)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, fleet.ErrDeviceOffline):
		return "Device is not online"
	case errors.Is(err, fleet.ErrInvalidCommand):
		return "Action is required"
	case errors.Is(err, fleet.ErrTransportFailure), errors.Is(err, fleet.ErrStoreFailure):
		return "Failed to send command"
	default:
		return "Internal error"
	}
}
