package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/fleet-core/internal/audit"
)

// Convenience actions understood by the device agent.
const (
	ActionLockScreen   = "lock_screen"
	ActionUnlockScreen = "unlock_screen"
	ActionRebootDevice = "reboot_device"

	// DefaultLockMinutes is the lock duration when the caller gives none.
	DefaultLockMinutes = 60
)

// DispatchOutcome confirms a command was handed to the device transport.
// It says nothing about execution; the result arrives later as a
// command_response event or a command_timeout.
type DispatchOutcome struct {
	CommandID string         `json:"commandId"`
	DeviceID  string         `json:"deviceId"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	IssuedAt  time.Time      `json:"issuedAt"`
}

// DispatchCommand sends action with params to deviceID.
//
// Errors:
//   - ErrInvalidCommand: empty action
//   - ErrDeviceOffline: no live registered channel; nothing is written
//   - ErrTransportFailure: the channel rejected the frame and was closed
//   - ErrStoreFailure: the command was sent but its audit entry failed;
//     the outcome is returned alongside the error
func (c *Core) DispatchCommand(ctx context.Context, deviceID, action string, params map[string]any) (*DispatchOutcome, error) {
	action = strings.TrimSpace(action)
	return c.dispatch(ctx, deviceID, action, params, "Command sent: "+action)
}

// Lock locks the device screen for minutes, defaulting to DefaultLockMinutes.
func (c *Core) Lock(ctx context.Context, deviceID string, minutes int) (*DispatchOutcome, error) {
	if minutes <= 0 {
		minutes = DefaultLockMinutes
	}
	return c.dispatch(ctx, deviceID, ActionLockScreen,
		map[string]any{"duration": minutes},
		fmt.Sprintf("Screen locked for %d minutes", minutes))
}

// Unlock unlocks the device screen.
func (c *Core) Unlock(ctx context.Context, deviceID string) (*DispatchOutcome, error) {
	return c.dispatch(ctx, deviceID, ActionUnlockScreen, map[string]any{}, "Screen unlocked")
}

// Reboot restarts the device.
func (c *Core) Reboot(ctx context.Context, deviceID string) (*DispatchOutcome, error) {
	return c.dispatch(ctx, deviceID, ActionRebootDevice, map[string]any{}, "Reboot command sent")
}

func (c *Core) dispatch(ctx context.Context, deviceID, action string, params map[string]any, logMessage string) (*DispatchOutcome, error) {
	if action == "" {
		c.metrics.commandRejected("invalid")
		return nil, ErrInvalidCommand
	}

	ch, ok := c.registry.Lookup(deviceID)
	if !ok {
		c.metrics.commandRejected("offline")
		return nil, ErrDeviceOffline
	}

	if params == nil {
		params = map[string]any{}
	}
	now := c.now()
	out := &DispatchOutcome{
		CommandID: c.ids.Next(),
		DeviceID:  deviceID,
		Action:    action,
		Params:    params,
		IssuedAt:  now,
	}

	frame, err := encodeFrame(EventCommand, commandFrame{
		CommandID: out.CommandID,
		Action:    action,
		Params:    params,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		c.metrics.commandRejected("invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	// Registered before sending so a fast reply always finds its entry.
	evicted := c.pending.add(PendingCommand{
		CommandID: out.CommandID,
		DeviceID:  deviceID,
		Action:    action,
		IssuedAt:  now,
		ExpiresAt: now.Add(c.cfg.CommandTimeout),
	})
	c.reportTimeouts(evicted)

	if err := ch.Send(frame); err != nil {
		c.pending.take(deviceID, out.CommandID)
		c.metrics.setPending(c.pending.count())
		c.metrics.commandRejected("transport")
		ch.Close()
		c.logger.Warn("command send failed, closing channel",
			"device_id", deviceID,
			"action", action,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	c.metrics.commandSent(action)
	c.metrics.setPending(c.pending.count())
	c.logger.Info("command sent", "device_id", deviceID, "command_id", out.CommandID, "action", action)

	if _, err := c.activity.Append(ctx, deviceID, action, audit.StatusSent, logMessage); err != nil {
		c.logger.Error("failed to record command", "device_id", deviceID, "action", action, "error", err)
		return out, fmt.Errorf("%w: recording command: %v", ErrStoreFailure, err)
	}
	return out, nil
}
