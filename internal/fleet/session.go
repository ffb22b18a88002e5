package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/nerrad567/fleet-core/internal/audit"
	"github.com/nerrad567/fleet-core/internal/device"
	"github.com/nerrad567/fleet-core/internal/notification"
)

// SessionState is the lifecycle state of one device connection.
type SessionState int

// Session states.
const (
	StateConnected SessionState = iota
	StateRegistered
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Registration replies.
const (
	msgRegistered         = "Device registered successfully"
	msgRegistrationFailed = "Registration failed"
	msgMissingDeviceID    = "Registration failed: device id is required"
)

// Session drives one device connection through Connected, Registered and
// Closed. The transport calls HandleFrame for each inbound frame, in
// order, and Close exactly once when the connection ends.
//
// Lifecycle transitions for one device id are serialised across sessions
// by the core's device lock, held across the store writes.
type Session struct {
	id   string
	core *Core
	ch   Channel

	mu       sync.Mutex
	state    SessionState
	deviceID string
}

// NewSession starts a session for a freshly accepted channel.
func (c *Core) NewSession(ch Channel) *Session {
	c.metrics.sessionOpened()
	return &Session{
		id:    uuid.NewString(),
		core:  c,
		ch:    ch,
		state: StateConnected,
	}
}

// ID returns the session's unique id, used for logging.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeviceID returns the bound device id, empty until registration.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// registeredID returns the bound device id if the session is Registered.
func (s *Session) registeredID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID, s.state == StateRegistered
}

// HandleFrame decodes one inbound frame and applies it.
func (s *Session) HandleFrame(ctx context.Context, frame []byte) error {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}

	switch env.Event {
	case EventRegisterDevice:
		var p RegisterPayload
		if err := decodeData(env.Data, &p); err != nil {
			s.sendRegistrationError(msgRegistrationFailed)
			return fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
		}
		return s.Register(ctx, p)

	case EventHeartbeat:
		return s.Heartbeat()

	case EventCommandResponse:
		var p CommandResponsePayload
		if err := decodeData(env.Data, &p); err != nil {
			return fmt.Errorf("decoding command_response: %w", err)
		}
		s.HandleCommandResponse(p)
		return nil

	case EventStatusUpdate:
		var status map[string]any
		if err := decodeData(env.Data, &status); err != nil {
			return fmt.Errorf("decoding status_update: %w", err)
		}
		s.HandleStatusUpdate(status)
		return nil

	case EventNotificationEvent:
		var p NotificationEventPayload
		if err := decodeData(env.Data, &p); err != nil {
			return fmt.Errorf("decoding notification_event: %w", err)
		}
		s.HandleNotification(p)
		return nil

	default:
		s.core.logger.Debug("ignoring unknown device event", "session_id", s.id, "event", env.Event)
		return nil
	}
}

// decodeData unmarshals an envelope body; a missing body decodes as {}.
func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Register binds the session to p.ID.
//
// The device row is upserted and marked online before the registry is
// touched; if either store write fails the device receives
// registration_error and nothing becomes visible as registered.
func (s *Session) Register(ctx context.Context, p RegisterPayload) error {
	c := s.core

	s.mu.Lock()
	state, bound := s.state, s.deviceID
	s.mu.Unlock()

	switch {
	case state == StateClosed:
		return ErrSessionClosed
	case p.ID == "":
		c.metrics.registration("invalid")
		s.sendRegistrationError(msgMissingDeviceID)
		return ErrInvalidRegistration
	case state == StateRegistered && bound != p.ID:
		c.metrics.registration("invalid")
		s.sendRegistrationError(fmt.Sprintf("Registration failed: session already registered as %s", bound))
		return fmt.Errorf("%w: session bound to %s", ErrInvalidRegistration, bound)
	}

	unlock := c.locks.Lock(p.ID)
	defer unlock()

	identity := device.Identity{ID: p.ID, Name: p.Name, Model: p.Model, OSVersion: p.OSVersion}
	if err := c.devices.UpsertDevice(ctx, identity); err != nil {
		return s.failRegistration(p.ID, err)
	}
	if err := c.devices.SetDeviceOnline(ctx, p.ID, true); err != nil {
		return s.failRegistration(p.ID, err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		// The transport ended during the store writes. Undo presence unless
		// another channel holds the device.
		if !c.IsOnline(p.ID) {
			if err := c.devices.SetDeviceOnline(ctx, p.ID, false); err != nil {
				c.logger.Warn("failed to revert presence", "device_id", p.ID, "error", err)
			}
		}
		return ErrSessionClosed
	}
	s.state = StateRegistered
	s.deviceID = p.ID
	s.mu.Unlock()

	superseded := c.registry.Register(p.ID, s.ch)
	c.metrics.setOnline(c.registry.Count())
	c.metrics.registration("success")

	if superseded != nil {
		c.logger.Info("device connection superseded", "device_id", p.ID, "session_id", s.id)
	}
	c.logger.Info("device registered",
		"device_id", p.ID,
		"device_name", p.Name,
		"model", p.Model,
		"session_id", s.id,
	)

	if _, err := c.activity.Append(ctx, p.ID, "connect", audit.StatusSuccess, "Device connected"); err != nil {
		c.logger.Error("failed to record connect", "device_id", p.ID, "error", err)
	}

	if err := s.send(EventRegistrationSuccess, registrationSuccess{DeviceID: p.ID, Message: msgRegistered}); err != nil {
		c.logger.Warn("failed to acknowledge registration", "device_id", p.ID, "error", err)
	}
	// Still under the device lock so presence updates keep per-device order.
	// Publish never waits on sinks.
	c.bus.Publish(Event{Kind: KindDeviceStatus, DeviceID: p.ID, Online: true})
	return nil
}

func (s *Session) failRegistration(deviceID string, err error) error {
	s.core.metrics.registration("store_error")
	s.core.logger.Error("device registration failed", "device_id", deviceID, "session_id", s.id, "error", err)
	s.sendRegistrationError(msgRegistrationFailed)
	return fmt.Errorf("%w: %v", ErrStoreFailure, err)
}

// Heartbeat replies with the current server time in any live state.
func (s *Session) Heartbeat() error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	return s.send(EventHeartbeatResponse, heartbeatResponse{Timestamp: s.core.now().UnixMilli()})
}

// HandleCommandResponse correlates a reply with its pending command and
// publishes it. Replies from unregistered sessions, and replies whose
// commandId is not pending (unknown, late or duplicate), are dropped.
func (s *Session) HandleCommandResponse(p CommandResponsePayload) {
	c := s.core
	deviceID, ok := s.registeredID()
	if !ok {
		c.logger.Debug("command_response before registration", "session_id", s.id)
		return
	}

	pc, found := c.pending.take(deviceID, p.CommandID)
	if !found {
		c.metrics.commandResult(outcomeUnmatched)
		c.logger.Warn("dropping unmatched command response",
			"device_id", deviceID,
			"command_id", p.CommandID,
			"action", p.Action,
		)
		return
	}
	c.metrics.setPending(c.pending.count())
	c.metrics.commandResult(lo.Ternary(p.Success, outcomeSuccess, outcomeFailed))

	c.bus.Publish(Event{
		Kind:     KindCommandResponse,
		DeviceID: deviceID,
		Result: &CommandResult{
			CommandID: pc.CommandID,
			DeviceID:  deviceID,
			Action:    lo.CoalesceOrEmpty(p.Action, pc.Action),
			Success:   p.Success,
			Message:   p.Message,
			Result:    p.Result,
		},
	})
}

// HandleStatusUpdate fans out a status report from a registered device.
func (s *Session) HandleStatusUpdate(status map[string]any) {
	deviceID, ok := s.registeredID()
	if !ok {
		s.core.logger.Debug("status_update before registration", "session_id", s.id)
		return
	}
	if status == nil {
		status = map[string]any{}
	}
	s.core.bus.Publish(Event{Kind: KindStatusUpdate, DeviceID: deviceID, Status: status})
}

// HandleNotification fans out a mirrored notification. The session's
// bound id wins over the payload's device_id.
func (s *Session) HandleNotification(p NotificationEventPayload) {
	c := s.core
	deviceID, ok := s.registeredID()
	if !ok {
		deviceID = p.DeviceID
	}
	if deviceID == "" {
		c.logger.Debug("dropping notification without device id", "session_id", s.id)
		return
	}

	n, err := notification.Parse(deviceID, p.NotificationData, c.now())
	if err != nil {
		c.logger.Warn("dropping malformed notification", "device_id", deviceID, "error", err)
		return
	}
	c.bus.Publish(Event{Kind: KindNotification, DeviceID: deviceID, Notification: n})
}

// Close moves the session to Closed. For a registered session that still
// owns its registry entry the device is removed from the registry, marked
// offline and a disconnect is audited. A superseded session changes
// nothing. Calling Close again is a no-op.
func (s *Session) Close(ctx context.Context) {
	c := s.core

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev, deviceID := s.state, s.deviceID
	s.state = StateClosed
	s.mu.Unlock()

	c.metrics.sessionClosed()
	if prev != StateRegistered {
		return
	}

	unlock := c.locks.Lock(deviceID)
	defer unlock()

	if !c.registry.UnregisterChannel(deviceID, s.ch) {
		c.logger.Debug("superseded session closed", "device_id", deviceID, "session_id", s.id)
		return
	}
	c.metrics.setOnline(c.registry.Count())
	c.logger.Info("device disconnected", "device_id", deviceID, "session_id", s.id)

	if err := c.devices.SetDeviceOnline(ctx, deviceID, false); err != nil {
		c.logger.Error("failed to mark device offline", "device_id", deviceID, "error", err)
	}
	if _, err := c.activity.Append(ctx, deviceID, "disconnect", audit.StatusInfo, "Device disconnected"); err != nil {
		c.logger.Error("failed to record disconnect", "device_id", deviceID, "error", err)
	}
	c.bus.Publish(Event{Kind: KindDeviceStatus, DeviceID: deviceID, Online: false})
}

func (s *Session) sendRegistrationError(message string) {
	if err := s.send(EventRegistrationError, registrationError{Message: message}); err != nil && !errors.Is(err, ErrTransportFailure) {
		s.core.logger.Warn("failed to send registration error", "session_id", s.id, "error", err)
	}
}

// send writes one frame to the device. A transport error closes the
// channel, which ends the session through the transport's Close call.
func (s *Session) send(event string, data any) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}
	if err := s.ch.Send(frame); err != nil {
		s.ch.Close()
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	return nil
}
