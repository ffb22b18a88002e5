package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/fleet-core/internal/audit"
	"github.com/nerrad567/fleet-core/internal/device"
	"github.com/nerrad567/fleet-core/internal/notification"
)

var errBoom = errors.New("boom")

// ─── Fake channel ──────────────────────────────────────────────────

type fakeChannel struct {
	mu       sync.Mutex
	frames   []Envelope
	closed   bool
	failSend bool
}

func (c *fakeChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.failSend {
		return errors.New("channel unavailable")
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// sent returns the frames with the given event kind.
func (c *fakeChannel) sent(event string) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Envelope
	for _, f := range c.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// last decodes the data of the most recent frame of kind event into v.
func (c *fakeChannel) last(t *testing.T, event string, v any) {
	t.Helper()
	frames := c.sent(event)
	if len(frames) == 0 {
		t.Fatalf("no %s frame sent", event)
	}
	if err := json.Unmarshal(frames[len(frames)-1].Data, v); err != nil {
		t.Fatalf("decoding %s: %v", event, err)
	}
}

// ─── Fake observer ─────────────────────────────────────────────────

type fakeObserver struct {
	mu       sync.Mutex
	updates  []map[string]any
	capacity int // 0 means unlimited
}

func (o *fakeObserver) Deliver(frame []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.capacity > 0 && len(o.updates) >= o.capacity {
		return false
	}
	var env struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil || env.Event != EventRealTimeUpdate {
		return false
	}
	o.updates = append(o.updates, env.Data)
	return true
}

func (o *fakeObserver) ofType(kind EventKind) []map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []map[string]any
	for _, u := range o.updates {
		if u["type"] == string(kind) {
			out = append(out, u)
		}
	}
	return out
}

func (o *fakeObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.updates)
}

// ─── In-memory stores ──────────────────────────────────────────────

type memDevices struct {
	mu         sync.Mutex
	devices    map[string]device.Identity
	online     map[string]bool
	failUpsert bool
	failOnline bool
	writes     int
}

func newMemDevices() *memDevices {
	return &memDevices{devices: map[string]device.Identity{}, online: map[string]bool{}}
}

func (m *memDevices) UpsertDevice(_ context.Context, id device.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpsert {
		return errBoom
	}
	m.writes++
	m.devices[id.ID] = id
	return nil
}

func (m *memDevices) SetDeviceOnline(_ context.Context, id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOnline {
		return errBoom
	}
	if _, ok := m.devices[id]; !ok {
		return device.ErrDeviceNotFound
	}
	m.writes++
	m.online[id] = online
	return nil
}

func (m *memDevices) isOnline(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[id]
}

func (m *memDevices) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

type memActivity struct {
	mu      sync.Mutex
	entries []audit.Entry
	fail    bool
}

func (m *memActivity) Append(_ context.Context, deviceID, action, status, message string) (*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errBoom
	}
	e := audit.Entry{DeviceID: deviceID, Action: action, Status: status, Message: message, CreatedAt: time.Now()}
	m.entries = append(m.entries, e)
	return &e, nil
}

func (m *memActivity) find(action, status string) []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Entry
	for _, e := range m.entries {
		if e.Action == action && e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func (m *memActivity) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type memNotifications struct {
	mu    sync.Mutex
	items []notification.Notification
}

func (m *memNotifications) Append(_ context.Context, n *notification.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = int64(len(m.items) + 1)
	m.items = append(m.items, *n)
	return nil
}

func (m *memNotifications) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// ─── Harness ───────────────────────────────────────────────────────

type harness struct {
	core          *Core
	devices       *memDevices
	activity      *memActivity
	notifications *memNotifications
	observer      *fakeObserver
}

func newHarness(t *testing.T, cfg Config, sinks ...EventSink) *harness {
	t.Helper()
	h := &harness{
		devices:       newMemDevices(),
		activity:      &memActivity{},
		notifications: &memNotifications{},
		observer:      &fakeObserver{},
	}

	core, err := New(Deps{
		Config:        cfg,
		Devices:       h.devices,
		Activity:      h.activity,
		Notifications: h.notifications,
		Sinks:         sinks,
		Metrics:       NewMetrics(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = core.Close(time.Second) })

	core.AddObserver(h.observer)
	h.core = core
	return h
}

// connect opens a session on a new channel and registers it as id.
func (h *harness) connect(t *testing.T, id string) (*Session, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	sess := h.core.NewSession(ch)
	if err := sess.Register(context.Background(), RegisterPayload{ID: id, Name: "Pixel", Model: "P7", OSVersion: "14"}); err != nil {
		t.Fatalf("Register(%s) error = %v", id, err)
	}
	return sess, ch
}

// eventually polls cond until it holds or a second elapses.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	b, err := encodeFrame(event, data)
	if err != nil {
		t.Fatalf("encodeFrame() error = %v", err)
	}
	return b
}
