package fleet

import (
	"slices"
	"sync"
	"time"
)

// PendingCommand is a dispatched command still waiting for its
// command_response.
type PendingCommand struct {
	CommandID string    `json:"commandId"`
	DeviceID  string    `json:"deviceId"`
	Action    string    `json:"action"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// pendingTable tracks outstanding commands per device, oldest first.
// Each device's list is bounded; adding past the bound evicts the oldest
// entries, which the caller reports as timed out.
type pendingTable struct {
	mu       sync.Mutex
	byDevice map[string][]PendingCommand
	max      int
}

func newPendingTable(maxPerDevice int) *pendingTable {
	return &pendingTable{
		byDevice: make(map[string][]PendingCommand),
		max:      maxPerDevice,
	}
}

// add records p and returns any entries evicted to respect the bound.
func (t *pendingTable) add(p PendingCommand) (evicted []PendingCommand) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := append(t.byDevice[p.DeviceID], p)
	if over := len(list) - t.max; over > 0 {
		evicted = slices.Clone(list[:over])
		list = slices.Delete(list, 0, over)
	}
	t.byDevice[p.DeviceID] = list
	return evicted
}

// take removes and returns the entry for commandID on deviceID.
func (t *pendingTable) take(deviceID, commandID string) (PendingCommand, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.byDevice[deviceID]
	i := slices.IndexFunc(list, func(p PendingCommand) bool { return p.CommandID == commandID })
	if i < 0 {
		return PendingCommand{}, false
	}
	p := list[i]
	t.store(deviceID, slices.Delete(list, i, i+1))
	return p, true
}

// expire removes and returns every entry whose deadline is not after now.
func (t *pendingTable) expire(now time.Time) []PendingCommand {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []PendingCommand
	for deviceID, list := range t.byDevice {
		kept := list[:0]
		for _, p := range list {
			if !p.ExpiresAt.After(now) {
				expired = append(expired, p)
				continue
			}
			kept = append(kept, p)
		}
		t.store(deviceID, kept)
	}

	slices.SortFunc(expired, func(a, b PendingCommand) int {
		return a.IssuedAt.Compare(b.IssuedAt)
	})
	return expired
}

// list returns a copy of deviceID's outstanding commands, oldest first.
func (t *pendingTable) list(deviceID string) []PendingCommand {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.byDevice[deviceID])
}

// count returns the number of outstanding commands across all devices.
func (t *pendingTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, list := range t.byDevice {
		n += len(list)
	}
	return n
}

// store writes back a device list, dropping the key when empty.
// Caller holds t.mu.
func (t *pendingTable) store(deviceID string, list []PendingCommand) {
	if len(list) == 0 {
		delete(t.byDevice, deviceID)
		return
	}
	t.byDevice[deviceID] = list
}
