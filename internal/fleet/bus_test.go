package fleet

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingSink struct {
	name string
	err  error

	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) HandleEvent(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// blockingSink holds every event until release is closed.
type blockingSink struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func newBlockingSink() *blockingSink {
	return &blockingSink{release: make(chan struct{}), started: make(chan struct{})}
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) HandleEvent(ctx context.Context, _ Event) error {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

type panicSink struct{}

func (panicSink) Name() string                            { return "panic" }
func (panicSink) HandleEvent(context.Context, Event) error { panic("sink exploded") }

func newTestBus(t *testing.T, metrics *Metrics, sinks ...EventSink) *Bus {
	t.Helper()
	b, err := newBus(4, sinks, noopLogger{}, metrics)
	if err != nil {
		t.Fatalf("newBus() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close(time.Second) })
	return b
}

// ─── Fan-out ───────────────────────────────────────────────────────

func TestBus_SameOrderForEveryObserver(t *testing.T) {
	b := newTestBus(t, nil)
	first, second := &fakeObserver{}, &fakeObserver{}
	b.AddObserver(first)
	b.AddObserver(second)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Publish(Event{Kind: KindStatusUpdate, DeviceID: fmt.Sprintf("dev%d", i)})
		}(i)
	}
	wg.Wait()

	order := func(o *fakeObserver) []string {
		var ids []string
		for _, u := range o.ofType(KindStatusUpdate) {
			ids = append(ids, u["deviceId"].(string))
		}
		return ids
	}
	a, c := order(first), order(second)
	if len(a) != 100 {
		t.Fatalf("first observer got %d updates, want 100", len(a))
	}
	if !slices.Equal(a, c) {
		t.Error("observers saw events in different orders")
	}
}

func TestBus_SequentialPublishOrder(t *testing.T) {
	b := newTestBus(t, nil)
	o := &fakeObserver{}
	b.AddObserver(o)

	b.Publish(Event{Kind: KindDeviceStatus, DeviceID: "dev1", Online: true})
	b.Publish(Event{Kind: KindStatusUpdate, DeviceID: "dev1", Status: map[string]any{}})
	b.Publish(Event{Kind: KindDeviceStatus, DeviceID: "dev1", Online: false})

	var kinds []any
	for _, u := range o.updates {
		kinds = append(kinds, u["type"])
	}
	want := []any{"device_status", "status_update", "device_status"}
	if !slices.Equal(kinds, want) {
		t.Errorf("order = %v, want %v", kinds, want)
	}
}

func TestBus_FullObserverDoesNotBlockOthers(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	b := newTestBus(t, metrics)
	slow := &fakeObserver{capacity: 1}
	fast := &fakeObserver{}
	b.AddObserver(slow)
	b.AddObserver(fast)

	for i := range 5 {
		b.Publish(Event{Kind: KindStatusUpdate, DeviceID: fmt.Sprintf("dev%d", i)})
	}

	if fast.count() != 5 {
		t.Errorf("fast observer got %d, want 5", fast.count())
	}
	if slow.count() != 1 {
		t.Errorf("slow observer got %d, want 1", slow.count())
	}
	if got := testutil.ToFloat64(metrics.broadcastsDropped); got != 4 {
		t.Errorf("broadcasts_dropped_total = %v, want 4", got)
	}
}

func TestBus_RemovedObserverStopsReceiving(t *testing.T) {
	b := newTestBus(t, nil)
	o := &fakeObserver{}
	b.AddObserver(o)
	b.Publish(Event{Kind: KindStatusUpdate, DeviceID: "dev1"})

	b.RemoveObserver(o)
	b.RemoveObserver(o)
	b.Publish(Event{Kind: KindStatusUpdate, DeviceID: "dev1"})

	if o.count() != 1 {
		t.Errorf("count = %d, want 1", o.count())
	}
	if b.ObserverCount() != 0 {
		t.Errorf("ObserverCount() = %d, want 0", b.ObserverCount())
	}
}

func TestBus_StampsTimestamp(t *testing.T) {
	b := newTestBus(t, nil)
	o := &fakeObserver{}
	b.AddObserver(o)

	b.Publish(Event{Kind: KindDeviceStatus, DeviceID: "dev1"})
	ts, _ := o.updates[0]["timestamp"].(string)
	if _, err := time.Parse(timestampFormat, ts); err != nil {
		t.Errorf("timestamp %q not in millisecond ISO format: %v", ts, err)
	}
}

// ─── Sinks ─────────────────────────────────────────────────────────

func TestBus_SinksReceiveEveryEvent(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	ok := &recordingSink{name: "ok"}
	failing := &recordingSink{name: "failing", err: errBoom}
	b := newTestBus(t, metrics, failing, panicSink{}, ok)
	o := &fakeObserver{}
	b.AddObserver(o)

	for range 3 {
		b.Publish(Event{Kind: KindStatusUpdate, DeviceID: "dev1"})
	}

	eventually(t, "sinks to run", func() bool { return ok.count() == 3 && failing.count() == 3 })
	if o.count() != 3 {
		t.Errorf("observer got %d, want 3", o.count())
	}
	eventually(t, "sink failure metric", func() bool {
		return testutil.ToFloat64(metrics.sinkFailures.WithLabelValues("failing")) == 3
	})
}

func TestBus_SlowSinkDoesNotBlockPublish(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	slow := newBlockingSink()
	fast := &recordingSink{name: "fast"}
	b, err := newBus(1, []EventSink{slow, fast}, noopLogger{}, metrics)
	if err != nil {
		t.Fatalf("newBus() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close(time.Second) })
	t.Cleanup(func() { close(slow.release) })

	total := sinkQueueSize + 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range total {
			b.Publish(Event{Kind: KindStatusUpdate, DeviceID: fmt.Sprintf("dev%d", i%4)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked behind a stalled sink")
	}

	<-slow.started
	if got := testutil.ToFloat64(metrics.sinkDrops.WithLabelValues("blocking")); got < 1 {
		t.Errorf("sink_events_dropped_total{blocking} = %v, want at least 1", got)
	}
	eventually(t, "fast sink to progress", func() bool { return fast.count() > 0 })
}

func TestBus_CloseTimesOutOnStalledSink(t *testing.T) {
	slow := newBlockingSink()
	b, err := newBus(1, []EventSink{slow}, noopLogger{}, nil)
	if err != nil {
		t.Fatalf("newBus() error = %v", err)
	}
	defer close(slow.release)

	b.Publish(Event{Kind: KindStatusUpdate, DeviceID: "dev1"})
	b.Publish(Event{Kind: KindStatusUpdate, DeviceID: "dev1"})
	<-slow.started

	if err := b.Close(50 * time.Millisecond); err == nil {
		t.Error("Close() should report side effects still running")
	}
	if err := b.Close(time.Second); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	sink := &recordingSink{name: "after"}
	b, err := newBus(1, []EventSink{sink}, noopLogger{}, nil)
	if err != nil {
		t.Fatalf("newBus() error = %v", err)
	}
	o := &fakeObserver{}
	b.AddObserver(o)
	_ = b.Close(time.Second)

	b.Publish(Event{Kind: KindStatusUpdate, DeviceID: "dev1"})
	if o.count() != 1 {
		t.Error("observers are still served after the sink pool closes")
	}
	if sink.count() != 0 {
		t.Error("sinks must not run after close")
	}
}

// ─── Payload ───────────────────────────────────────────────────────

func TestEventPayload(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		e    Event
		want map[string]any
	}{
		{
			name: "device status",
			e:    Event{Kind: KindDeviceStatus, DeviceID: "d", Online: true},
			want: map[string]any{"online": true},
		},
		{
			name: "status update",
			e:    Event{Kind: KindStatusUpdate, DeviceID: "d", Status: map[string]any{"battery": 5}},
			want: map[string]any{"status": map[string]any{"battery": 5}},
		},
		{
			name: "command timeout",
			e: Event{Kind: KindCommandTimeout, DeviceID: "d", Expired: &PendingCommand{
				CommandID: "cmd_1", Action: "ping", IssuedAt: issued,
			}},
			want: map[string]any{"commandId": "cmd_1", "action": "ping", "issuedAt": "2026-03-01T12:00:00.000Z"},
		},
		{
			name: "command response",
			e: Event{Kind: KindCommandResponse, DeviceID: "d", Result: &CommandResult{
				CommandID: "cmd_2", Action: "ping", Success: true, Message: "pong",
			}},
			want: map[string]any{"commandId": "cmd_2", "action": "ping", "success": true, "message": "pong"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.e.Payload()
			if p["type"] != string(tt.e.Kind) || p["deviceId"] != "d" {
				t.Errorf("header = %v", p)
			}
			for k, v := range tt.want {
				if fmt.Sprint(p[k]) != fmt.Sprint(v) {
					t.Errorf("%s = %v, want %v", k, p[k], v)
				}
			}
		})
	}
}
