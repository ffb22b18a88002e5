package fleet

import (
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Channel is the outbound half of one device transport.
type Channel interface {
	// Send queues a frame without blocking. An error means the transport
	// can no longer deliver and should be treated as disconnected.
	Send(frame []byte) error

	// Close shuts the transport down. Safe to call more than once.
	Close()
}

// Connection binds a device id to its live channel.
type Connection struct {
	DeviceID    string
	Channel     Channel
	ConnectedAt time.Time
}

// Registry maps device ids to their single live channel.
//
// It is the only source of truth for "is this device reachable". The map
// lock is held only for the instant of a mutation; ordering of lifecycle
// transitions for one device is enforced by the caller's device lock.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Connection
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]Connection),
		now:   time.Now,
	}
}

// Register installs ch for deviceID. Any channel previously bound to the
// id is closed and returned; it is no longer a dispatch target.
func (r *Registry) Register(deviceID string, ch Channel) (superseded Channel) {
	r.mu.Lock()
	prev, existed := r.conns[deviceID]
	r.conns[deviceID] = Connection{
		DeviceID:    deviceID,
		Channel:     ch,
		ConnectedAt: r.now(),
	}
	r.mu.Unlock()

	if existed && prev.Channel != ch {
		prev.Channel.Close()
		return prev.Channel
	}
	return nil
}

// Unregister removes the mapping for deviceID if present.
func (r *Registry) Unregister(deviceID string) {
	r.mu.Lock()
	delete(r.conns, deviceID)
	r.mu.Unlock()
}

// UnregisterChannel removes the mapping only while it still points at ch.
// It reports whether a mapping was removed. A superseded channel's late
// teardown therefore cannot evict its replacement.
func (r *Registry) UnregisterChannel(deviceID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[deviceID]
	if !ok || conn.Channel != ch {
		return false
	}
	delete(r.conns, deviceID)
	return true
}

// Lookup returns the live channel for deviceID.
func (r *Registry) Lookup(deviceID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[deviceID]
	return conn.Channel, ok
}

// Connection returns the full registry entry for deviceID.
func (r *Registry) Connection(deviceID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[deviceID]
	return conn, ok
}

// Snapshot returns the registered device ids in sorted order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	ids := lo.Keys(r.conns)
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
