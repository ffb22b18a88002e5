package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleet-core/internal/audit"
)

// ─── Registration ──────────────────────────────────────────────────

func TestRegister_BindsDevice(t *testing.T) {
	h := newHarness(t, Config{})
	ch := &fakeChannel{}
	sess := h.core.NewSession(ch)

	if sess.State() != StateConnected {
		t.Fatalf("initial state = %v, want connected", sess.State())
	}

	err := sess.HandleFrame(context.Background(), frame(t, EventRegisterDevice, map[string]string{
		"id": "dev1", "name": "Pixel", "model": "P7", "osVersion": "14",
	}))
	if err != nil {
		t.Fatalf("HandleFrame(register) error = %v", err)
	}

	var ack registrationSuccess
	ch.last(t, EventRegistrationSuccess, &ack)
	if ack.DeviceID != "dev1" || ack.Message != msgRegistered {
		t.Errorf("ack = %+v", ack)
	}

	if sess.State() != StateRegistered || sess.DeviceID() != "dev1" {
		t.Errorf("session = %v/%q, want registered/dev1", sess.State(), sess.DeviceID())
	}
	if !h.core.IsOnline("dev1") {
		t.Error("IsOnline(dev1) = false, want true")
	}
	if got, ok := h.core.registry.Lookup("dev1"); !ok || got != Channel(ch) {
		t.Error("registry does not map dev1 to the registering channel")
	}
	if !h.devices.isOnline("dev1") {
		t.Error("store presence not set")
	}
	if got := h.devices.devices["dev1"]; got.Name != "Pixel" || got.Model != "P7" || got.OSVersion != "14" {
		t.Errorf("stored identity = %+v", got)
	}
	if n := len(h.activity.find("connect", audit.StatusSuccess)); n != 1 {
		t.Errorf("connect entries = %d, want 1", n)
	}

	updates := h.observer.ofType(KindDeviceStatus)
	if len(updates) != 1 || updates[0]["online"] != true || updates[0]["deviceId"] != "dev1" {
		t.Errorf("device_status updates = %v", updates)
	}
}

func TestRegister_AcceptsAgentFieldNames(t *testing.T) {
	h := newHarness(t, Config{})
	ch := &fakeChannel{}
	sess := h.core.NewSession(ch)

	err := sess.HandleFrame(context.Background(), frame(t, EventRegisterDevice, map[string]string{
		"device_id": "dev9", "device_name": "Galaxy", "device_model": "S23", "android_version": "13",
	}))
	if err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}
	got := h.devices.devices["dev9"]
	if got.Name != "Galaxy" || got.Model != "S23" || got.OSVersion != "13" {
		t.Errorf("stored identity = %+v", got)
	}
}

func TestRegister_MissingID(t *testing.T) {
	tests := []struct {
		name string
		data any
	}{
		{"empty id", map[string]string{"id": ""}},
		{"whitespace id", map[string]string{"id": "   "}},
		{"no body", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			ch := &fakeChannel{}
			sess := h.core.NewSession(ch)

			err := sess.HandleFrame(context.Background(), frame(t, EventRegisterDevice, tt.data))
			if !errors.Is(err, ErrInvalidRegistration) {
				t.Fatalf("error = %v, want ErrInvalidRegistration", err)
			}
			if len(ch.sent(EventRegistrationError)) != 1 {
				t.Error("expected one registration_error")
			}
			if sess.State() != StateConnected {
				t.Errorf("state = %v, want connected", sess.State())
			}
			if h.core.OnlineCount() != 0 || h.devices.writeCount() != 0 || h.activity.len() != 0 {
				t.Error("invalid registration must not touch registry or store")
			}
		})
	}
}

func TestRegister_StoreFailure(t *testing.T) {
	for _, failOnline := range []bool{false, true} {
		t.Run(fmt.Sprintf("failOnline=%v", failOnline), func(t *testing.T) {
			h := newHarness(t, Config{})
			h.devices.failUpsert = !failOnline
			h.devices.failOnline = failOnline

			ch := &fakeChannel{}
			sess := h.core.NewSession(ch)
			err := sess.Register(context.Background(), RegisterPayload{ID: "dev1"})
			if !errors.Is(err, ErrStoreFailure) {
				t.Fatalf("error = %v, want ErrStoreFailure", err)
			}

			var reply registrationError
			ch.last(t, EventRegistrationError, &reply)
			if reply.Message != msgRegistrationFailed {
				t.Errorf("message = %q", reply.Message)
			}
			if h.core.IsOnline("dev1") {
				t.Error("device must not be registered after store failure")
			}
			if sess.State() != StateConnected {
				t.Errorf("state = %v, want connected", sess.State())
			}
			if h.activity.len() != 0 {
				t.Error("no audit entry expected")
			}
		})
	}
}

func TestRegister_Supersedes(t *testing.T) {
	h := newHarness(t, Config{})
	first, chA := h.connect(t, "dev1")
	_, chB := h.connect(t, "dev1")

	if !chA.isClosed() {
		t.Error("superseded channel should be closed")
	}
	if got, _ := h.core.registry.Lookup("dev1"); got != Channel(chB) {
		t.Error("registry should point at the newest channel")
	}
	if h.core.OnlineCount() != 1 {
		t.Errorf("OnlineCount() = %d, want 1", h.core.OnlineCount())
	}
	if ids := h.core.OnlineDevices(); len(ids) != 1 || ids[0] != "dev1" {
		t.Errorf("OnlineDevices() = %v, want [dev1]", ids)
	}

	out, err := h.core.DispatchCommand(context.Background(), "dev1", "ping", nil)
	if err != nil {
		t.Fatalf("DispatchCommand() error = %v", err)
	}
	if len(chA.sent(EventCommand)) != 0 || len(chB.sent(EventCommand)) != 1 {
		t.Error("command must go to the newest channel only")
	}

	// The old transport's teardown arrives late and must change nothing.
	first.Close(context.Background())
	if !h.core.IsOnline("dev1") || !h.devices.isOnline("dev1") {
		t.Error("superseded close must not take the device offline")
	}
	if len(h.activity.find("disconnect", audit.StatusInfo)) != 0 {
		t.Error("superseded close must not audit a disconnect")
	}
	if len(h.core.PendingCommands("dev1")) != 1 || h.core.PendingCommands("dev1")[0].CommandID != out.CommandID {
		t.Error("pending command should survive superseded close")
	}
}

func TestRegister_SameSessionReregister(t *testing.T) {
	h := newHarness(t, Config{})
	sess, ch := h.connect(t, "dev1")

	if err := sess.Register(context.Background(), RegisterPayload{ID: "dev1", Name: "Renamed"}); err != nil {
		t.Fatalf("re-register error = %v", err)
	}
	if ch.isClosed() {
		t.Error("re-registering the same channel must not close it")
	}
	if h.devices.devices["dev1"].Name != "Renamed" {
		t.Error("re-registration should refresh metadata")
	}

	err := sess.Register(context.Background(), RegisterPayload{ID: "dev2"})
	if !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("rebinding error = %v, want ErrInvalidRegistration", err)
	}
	if h.core.IsOnline("dev2") || sess.DeviceID() != "dev1" {
		t.Error("session must stay bound to dev1")
	}
}

// ─── Disconnect ────────────────────────────────────────────────────

func TestClose_Registered(t *testing.T) {
	h := newHarness(t, Config{})
	sess, _ := h.connect(t, "dev1")

	sess.Close(context.Background())

	if sess.State() != StateClosed {
		t.Errorf("state = %v, want closed", sess.State())
	}
	if h.core.IsOnline("dev1") {
		t.Error("IsOnline(dev1) = true after disconnect")
	}
	if _, ok := h.core.registry.Lookup("dev1"); ok {
		t.Error("lookup should be absent after disconnect")
	}
	if h.devices.isOnline("dev1") {
		t.Error("store should mark device offline")
	}
	if n := len(h.activity.find("disconnect", audit.StatusInfo)); n != 1 {
		t.Errorf("disconnect entries = %d, want 1", n)
	}
	updates := h.observer.ofType(KindDeviceStatus)
	if len(updates) != 2 || updates[1]["online"] != false {
		t.Errorf("device_status updates = %v", updates)
	}

	// Idempotent.
	sess.Close(context.Background())
	if n := len(h.activity.find("disconnect", audit.StatusInfo)); n != 1 {
		t.Errorf("second Close() wrote another audit entry")
	}
}

func TestClose_Unregistered(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.core.NewSession(&fakeChannel{})
	sess.Close(context.Background())

	if sess.State() != StateClosed {
		t.Errorf("state = %v, want closed", sess.State())
	}
	if h.devices.writeCount() != 0 || h.activity.len() != 0 {
		t.Error("closing an unregistered session must not touch the store")
	}
	if err := sess.Register(context.Background(), RegisterPayload{ID: "dev1"}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Register after Close error = %v, want ErrSessionClosed", err)
	}
}

// ─── Heartbeat ─────────────────────────────────────────────────────

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, Config{})

	check := func(t *testing.T, sess *Session, ch *fakeChannel) {
		t.Helper()
		before := time.Now().UnixMilli()
		if err := sess.HandleFrame(context.Background(), []byte(`{"event":"heartbeat","data":{}}`)); err != nil {
			t.Fatalf("heartbeat error = %v", err)
		}
		var resp heartbeatResponse
		ch.last(t, EventHeartbeatResponse, &resp)
		if resp.Timestamp < before {
			t.Errorf("timestamp %d earlier than send time %d", resp.Timestamp, before)
		}
	}

	t.Run("connected", func(t *testing.T) {
		ch := &fakeChannel{}
		sess := h.core.NewSession(ch)
		writes := h.devices.writeCount()
		check(t, sess, ch)
		if h.devices.writeCount() != writes || h.core.OnlineCount() != 0 {
			t.Error("heartbeat must not touch registry or store")
		}
	})

	t.Run("registered", func(t *testing.T) {
		sess, ch := h.connect(t, "dev1")
		check(t, sess, ch)
	})

	t.Run("closed", func(t *testing.T) {
		sess := h.core.NewSession(&fakeChannel{})
		sess.Close(context.Background())
		if err := sess.Heartbeat(); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Heartbeat() after close error = %v", err)
		}
	})
}

// ─── Telemetry ─────────────────────────────────────────────────────

func TestStatusUpdate(t *testing.T) {
	h := newHarness(t, Config{})
	sess, _ := h.connect(t, "dev1")

	err := sess.HandleFrame(context.Background(), []byte(`{"event":"status_update","data":{"battery":87,"charging":true}}`))
	if err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}

	updates := h.observer.ofType(KindStatusUpdate)
	if len(updates) != 1 {
		t.Fatalf("status updates = %d, want 1", len(updates))
	}
	status, _ := updates[0]["status"].(map[string]any)
	if status["battery"] != float64(87) {
		t.Errorf("status = %v", status)
	}

	eventually(t, "status_update audit", func() bool {
		return len(h.activity.find("status_update", audit.StatusInfo)) == 1
	})
}

func TestSlowSink_DoesNotStallSessions(t *testing.T) {
	slow := newBlockingSink()
	h := newHarness(t, Config{SinkWorkers: 1}, slow)
	t.Cleanup(func() { close(slow.release) })

	sess, _ := h.connect(t, "dev1")
	<-slow.started

	var regErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 3 {
			sess.HandleStatusUpdate(map[string]any{"battery": i})
		}
		regErr = h.core.NewSession(&fakeChannel{}).Register(context.Background(), RegisterPayload{ID: "dev2"})
		sess.Close(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("session handling blocked behind a stalled sink")
	}
	if regErr != nil {
		t.Fatalf("Register(dev2) error = %v", regErr)
	}

	if got := len(h.observer.ofType(KindStatusUpdate)); got != 3 {
		t.Errorf("observer status updates = %d, want 3", got)
	}
	eventually(t, "store sink to keep running", func() bool {
		return len(h.activity.find("status_update", audit.StatusInfo)) == 3
	})
}

func TestStatusUpdate_BeforeRegistrationIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.core.NewSession(&fakeChannel{})
	_ = sess.HandleFrame(context.Background(), []byte(`{"event":"status_update","data":{"battery":1}}`))
	if h.observer.count() != 0 {
		t.Error("unregistered status_update must not be broadcast")
	}
}

func TestNotificationEvent(t *testing.T) {
	h := newHarness(t, Config{})

	t.Run("registered session", func(t *testing.T) {
		sess, _ := h.connect(t, "dev1")
		err := sess.HandleFrame(context.Background(), []byte(`{"event":"notification_event","data":{
			"device_id":"spoofed",
			"notification_data":{"id":7,"package_name":"com.whatsapp","notification":{"title":"Hi"}}}}`))
		if err != nil {
			t.Fatalf("HandleFrame() error = %v", err)
		}
		updates := h.observer.ofType(KindNotification)
		if len(updates) != 1 || updates[0]["deviceId"] != "dev1" {
			t.Fatalf("notification updates = %v", updates)
		}
		n, _ := updates[0]["notification"].(map[string]any)
		if n["package_name"] != "com.whatsapp" || n["title"] != "Hi" {
			t.Errorf("notification = %v", n)
		}
		eventually(t, "notification persisted", func() bool { return h.notifications.len() == 1 })
	})

	t.Run("payload device id before registration", func(t *testing.T) {
		sess := h.core.NewSession(&fakeChannel{})
		_ = sess.HandleFrame(context.Background(), []byte(`{"event":"notification_event","data":{
			"device_id":"dev7","notification_data":{"package_name":"x"}}}`))
		updates := h.observer.ofType(KindNotification)
		if updates[len(updates)-1]["deviceId"] != "dev7" {
			t.Errorf("last notification device = %v, want dev7", updates[len(updates)-1]["deviceId"])
		}
	})

	t.Run("no device id dropped", func(t *testing.T) {
		before := h.observer.count()
		sess := h.core.NewSession(&fakeChannel{})
		_ = sess.HandleFrame(context.Background(), []byte(`{"event":"notification_event","data":{"notification_data":{}}}`))
		if h.observer.count() != before {
			t.Error("notification without device id must be dropped")
		}
	})
}

func TestHandleFrame_Malformed(t *testing.T) {
	h := newHarness(t, Config{})
	sess := h.core.NewSession(&fakeChannel{})

	if err := sess.HandleFrame(context.Background(), []byte("not json")); err == nil {
		t.Error("expected error for malformed frame")
	}
	if err := sess.HandleFrame(context.Background(), []byte(`{"event":"mystery"}`)); err != nil {
		t.Errorf("unknown event error = %v, want nil", err)
	}
}

// ─── Concurrency ───────────────────────────────────────────────────

// TestRegisterDisconnectRace interleaves register and close for one device
// id across many channels. Afterwards the registry either holds nothing or
// a channel whose session is still registered and open.
func TestRegisterDisconnectRace(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	type conn struct {
		sess *Session
		ch   *fakeChannel
	}
	conns := make([]conn, 50)
	for i := range conns {
		ch := &fakeChannel{}
		conns[i] = conn{sess: h.core.NewSession(ch), ch: ch}
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c conn) {
			defer wg.Done()
			_ = c.sess.Register(ctx, RegisterPayload{ID: "dev1"})
			if i%2 == 0 {
				c.sess.Close(ctx)
			}
		}(i, c)
	}
	wg.Wait()

	ch, ok := h.core.registry.Lookup("dev1")
	if !ok {
		if h.devices.isOnline("dev1") {
			t.Error("store says online but registry is empty")
		}
		return
	}
	for _, c := range conns {
		if Channel(c.ch) == ch {
			if c.ch.isClosed() {
				t.Error("registry maps dev1 to a closed channel")
			}
			if c.sess.State() != StateRegistered {
				t.Errorf("registry channel's session is %v", c.sess.State())
			}
			if !h.devices.isOnline("dev1") {
				t.Error("registry holds dev1 but store says offline")
			}
			return
		}
	}
	t.Error("registry maps dev1 to an unknown channel")
}
