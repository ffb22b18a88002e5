package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/fleet-core/internal/audit"
	"github.com/nerrad567/fleet-core/internal/device"
	"github.com/nerrad567/fleet-core/internal/notification"
)

// Config tunes the session core. Zero fields take the defaults.
type Config struct {
	CommandTimeout      time.Duration
	MaxPendingPerDevice int
	SweepInterval       time.Duration
	SinkWorkers         int
}

// Defaults.
const (
	DefaultCommandTimeout      = 30 * time.Second
	DefaultMaxPendingPerDevice = 256
	DefaultSweepInterval       = time.Second
	DefaultSinkWorkers         = 16
)

func (c Config) withDefaults() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.MaxPendingPerDevice <= 0 {
		c.MaxPendingPerDevice = DefaultMaxPendingPerDevice
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SinkWorkers <= 0 {
		c.SinkWorkers = DefaultSinkWorkers
	}
	return c
}

// DeviceStore is the part of the device repository the core writes.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, identity device.Identity) error
	SetDeviceOnline(ctx context.Context, id string, online bool) error
}

// ActivityLog appends audit entries.
type ActivityLog interface {
	Append(ctx context.Context, deviceID, action, status, message string) (*audit.Entry, error)
}

// NotificationStore persists mirrored notifications.
type NotificationStore interface {
	Append(ctx context.Context, n *notification.Notification) error
}

// Deps holds the collaborators of the core.
type Deps struct {
	Config        Config
	Devices       DeviceStore
	Activity      ActivityLog
	Notifications NotificationStore // optional

	// Sinks receive every published event after the built-in store sink.
	Sinks []EventSink

	Metrics *Metrics // optional
	Logger  Logger   // optional
}

// Core is the device session registry and command/event dispatcher.
//
// It owns the connection registry, the per-device lifecycle lock, the
// pending-command table and the broadcast bus. Transports hand it
// Channels and Observers; the REST surface calls DispatchCommand and the
// presence queries.
type Core struct {
	cfg      Config
	registry *Registry
	locks    *keyLock
	pending  *pendingTable
	ids      *commandIDs
	bus      *Bus

	devices  DeviceStore
	activity ActivityLog

	logger  Logger
	metrics *Metrics
	now     func() time.Time
}

// New creates a Core.
//
// Returns:
//   - *Core: ready to accept sessions; call Run to start the timeout sweeper
//   - error: if a required store is missing or the sink pool cannot start
func New(deps Deps) (*Core, error) {
	if deps.Devices == nil {
		return nil, errors.New("fleet: device store is required")
	}
	if deps.Activity == nil {
		return nil, errors.New("fleet: activity log is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	cfg := deps.Config.withDefaults()

	sinks := append([]EventSink{&storeSink{
		activity:      deps.Activity,
		notifications: deps.Notifications,
	}}, deps.Sinks...)

	bus, err := newBus(cfg.SinkWorkers, sinks, logger, deps.Metrics)
	if err != nil {
		return nil, err
	}

	return &Core{
		cfg:      cfg,
		registry: NewRegistry(),
		locks:    newKeyLock(),
		pending:  newPendingTable(cfg.MaxPendingPerDevice),
		ids:      newCommandIDs(),
		bus:      bus,
		devices:  deps.Devices,
		activity: deps.Activity,
		logger:   logger,
		metrics:  deps.Metrics,
		now:      time.Now,
	}, nil
}

// Run sweeps expired pending commands until ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reportTimeouts(c.pending.expire(c.now()))
		}
	}
}

// Close drains in-flight side effects, waiting at most timeout.
func (c *Core) Close(timeout time.Duration) error {
	return c.bus.Close(timeout)
}

// IsOnline reports whether deviceID has a live registered channel.
func (c *Core) IsOnline(deviceID string) bool {
	_, ok := c.registry.Lookup(deviceID)
	return ok
}

// OnlineCount returns the number of registered devices.
func (c *Core) OnlineCount() int {
	return c.registry.Count()
}

// OnlineDevices returns the registered device ids, sorted.
func (c *Core) OnlineDevices() []string {
	return c.registry.Snapshot()
}

// ConnectedSince returns when deviceID's current channel registered.
func (c *Core) ConnectedSince(deviceID string) (time.Time, bool) {
	conn, ok := c.registry.Connection(deviceID)
	return conn.ConnectedAt, ok
}

// PendingCommands lists deviceID's commands awaiting a response.
func (c *Core) PendingCommands(deviceID string) []PendingCommand {
	return c.pending.list(deviceID)
}

// AddObserver subscribes o to real-time updates.
func (c *Core) AddObserver(o Observer) { c.bus.AddObserver(o) }

// RemoveObserver unsubscribes o.
func (c *Core) RemoveObserver(o Observer) { c.bus.RemoveObserver(o) }

// ObserverCount returns the number of subscribed observers.
func (c *Core) ObserverCount() int { return c.bus.ObserverCount() }

// reportTimeouts publishes a command_timeout for each expired command.
func (c *Core) reportTimeouts(expired []PendingCommand) {
	if len(expired) == 0 {
		return
	}
	for i := range expired {
		p := expired[i]
		c.metrics.commandResult(outcomeTimeout)
		c.logger.Info("command timed out",
			"device_id", p.DeviceID,
			"command_id", p.CommandID,
			"action", p.Action,
		)
		c.bus.Publish(Event{Kind: KindCommandTimeout, DeviceID: p.DeviceID, Expired: &p})
	}
	c.metrics.setPending(c.pending.count())
}
