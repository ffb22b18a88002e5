package fleet

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

// ─── Registry ──────────────────────────────────────────────────────

func TestRegistry_RegisterLookup(t *testing.T) {
	r := NewRegistry()
	ch := &fakeChannel{}

	if prev := r.Register("dev1", ch); prev != nil {
		t.Errorf("first Register() superseded %v", prev)
	}
	got, ok := r.Lookup("dev1")
	if !ok || got != Channel(ch) {
		t.Error("Lookup() should return the registered channel")
	}
	if _, ok := r.Lookup("dev2"); ok {
		t.Error("Lookup(dev2) should be absent")
	}

	conn, ok := r.Connection("dev1")
	if !ok || conn.DeviceID != "dev1" || conn.ConnectedAt.IsZero() {
		t.Errorf("Connection() = %+v", conn)
	}
}

func TestRegistry_Supersede(t *testing.T) {
	r := NewRegistry()
	old, replacement := &fakeChannel{}, &fakeChannel{}

	r.Register("dev1", old)
	prev := r.Register("dev1", replacement)

	if prev != Channel(old) {
		t.Error("Register() should return the superseded channel")
	}
	if !old.isClosed() {
		t.Error("superseded channel should be closed")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}

	if r.UnregisterChannel("dev1", old) {
		t.Error("UnregisterChannel(old) must not remove the replacement")
	}
	if got, _ := r.Lookup("dev1"); got != Channel(replacement) {
		t.Error("replacement evicted")
	}
	if !r.UnregisterChannel("dev1", replacement) {
		t.Error("UnregisterChannel(replacement) should remove the entry")
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestRegistry_ReregisterSameChannel(t *testing.T) {
	r := NewRegistry()
	ch := &fakeChannel{}
	r.Register("dev1", ch)

	if prev := r.Register("dev1", ch); prev != nil {
		t.Error("re-registering the same channel should not supersede")
	}
	if ch.isClosed() {
		t.Error("channel closed by its own re-registration")
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.Register(id, &fakeChannel{})
	}
	r.Unregister("b")

	if got := r.Snapshot(); !slices.Equal(got, []string{"a", "c"}) {
		t.Errorf("Snapshot() = %v, want [a c]", got)
	}
}

// ─── Key lock ──────────────────────────────────────────────────────

func TestKeyLock_SerialisesPerKey(t *testing.T) {
	k := newKeyLock()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		overlap bool
	)

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("dev1")
			defer unlock()

			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if overlap {
		t.Error("two holders of the same key overlapped")
	}
	if k.size() != 0 {
		t.Errorf("size() = %d after all unlocks, want 0", k.size())
	}
}

func TestKeyLock_IndependentKeys(t *testing.T) {
	k := newKeyLock()
	unlockA := k.Lock("a")

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}

// ─── Command ids ───────────────────────────────────────────────────

func TestCommandIDs_Unique(t *testing.T) {
	g := newCommandIDs()
	g.now = func() time.Time { return time.UnixMilli(1700000000000) }

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 250 {
				id := g.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 2000 {
		t.Errorf("unique ids = %d, want 2000", len(seen))
	}
}

func TestCommandIDs_Format(t *testing.T) {
	g := newCommandIDs()
	g.now = func() time.Time { return time.UnixMilli(42) }

	want := fmt.Sprintf("cmd_42_%s_1", g.seed)
	if got := g.Next(); got != want {
		t.Errorf("Next() = %q, want %q", got, want)
	}
	if len(g.seed) != 8 {
		t.Errorf("seed %q should be 8 hex characters", g.seed)
	}
}

// ─── Pending table ─────────────────────────────────────────────────

func TestPendingTable(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pc := func(dev, id string, offset time.Duration) PendingCommand {
		return PendingCommand{
			CommandID: id,
			DeviceID:  dev,
			IssuedAt:  base.Add(offset),
			ExpiresAt: base.Add(offset + 10*time.Second),
		}
	}

	tbl := newPendingTable(3)
	tbl.add(pc("a", "a1", 0))
	tbl.add(pc("b", "b1", time.Second))
	tbl.add(pc("a", "a2", 2*time.Second))

	if tbl.count() != 3 {
		t.Fatalf("count() = %d, want 3", tbl.count())
	}

	if _, ok := tbl.take("b", "a1"); ok {
		t.Error("take must match on device id")
	}
	if got, ok := tbl.take("a", "a1"); !ok || got.CommandID != "a1" {
		t.Errorf("take(a, a1) = %+v, %v", got, ok)
	}
	if _, ok := tbl.take("a", "a1"); ok {
		t.Error("second take should miss")
	}

	expired := tbl.expire(base.Add(11 * time.Second))
	if len(expired) != 1 || expired[0].CommandID != "b1" {
		t.Errorf("expire() = %+v, want [b1]", expired)
	}
	if tbl.list("b") != nil {
		t.Error("device with no pending commands should list nil")
	}

	expired = tbl.expire(base.Add(time.Hour))
	if len(expired) != 1 || tbl.count() != 0 {
		t.Errorf("final expire = %+v, count %d", expired, tbl.count())
	}
}

func TestPendingTable_EvictsOldest(t *testing.T) {
	tbl := newPendingTable(2)
	for i := range 4 {
		evicted := tbl.add(PendingCommand{CommandID: fmt.Sprint(i), DeviceID: "a"})
		if i < 2 && len(evicted) != 0 {
			t.Errorf("add(%d) evicted %v", i, evicted)
		}
		if i >= 2 && (len(evicted) != 1 || evicted[0].CommandID != fmt.Sprint(i-2)) {
			t.Errorf("add(%d) evicted %v, want [%d]", i, evicted, i-2)
		}
	}

	list := tbl.list("a")
	list[0].CommandID = "mutated"
	if tbl.list("a")[0].CommandID != "2" {
		t.Error("list() must return a copy")
	}
}
