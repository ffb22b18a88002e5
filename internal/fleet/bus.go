package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/samber/lo"
)

const (
	// sinkQueueSize bounds the events waiting for one sink. Beyond it new
	// events for that sink are dropped and counted.
	sinkQueueSize = 1024

	// sinkTimeout bounds one side effect (a store write, an MQTT publish).
	sinkTimeout = 10 * time.Second

	// minReleaseWait is the least time a pool is given to stop on Close.
	minReleaseWait = 50 * time.Millisecond
)

// Observer receives real_time_update frames.
type Observer interface {
	// Deliver queues a frame without blocking and reports whether it was
	// accepted. A slow or closed observer returns false.
	Deliver(frame []byte) bool
}

// EventSink runs a side effect for every published event. Sinks run on a
// worker pool; a failing sink is logged and never affects fan-out.
type EventSink interface {
	Name() string
	HandleEvent(ctx context.Context, e Event) error
}

// sinkLane is one sink's queue and worker pool. A stalled sink fills its
// own lane only.
type sinkLane struct {
	sink  EventSink
	queue chan Event
	pool  *ants.Pool
	done  chan struct{}
}

// Bus fans events out to observers and sinks.
//
// Observer delivery happens on the publishing goroutine under a publish
// lock, so every observer sees events in one global publish order. Sink
// work is queued per sink without blocking and run on an ants pool.
type Bus struct {
	mu        sync.RWMutex
	observers map[Observer]struct{}
	publishMu sync.Mutex

	laneMu sync.RWMutex
	lanes  []*sinkLane
	closed bool

	logger  Logger
	metrics *Metrics
	now     func() time.Time
}

func newBus(workers int, sinks []EventSink, logger Logger, metrics *Metrics) (*Bus, error) {
	b := &Bus{
		observers: make(map[Observer]struct{}),
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}

	for _, sink := range sinks {
		pool, err := ants.NewPool(workers,
			ants.WithPanicHandler(func(v any) {
				metrics.sinkFailed(sink.Name())
				logger.Error("event sink panicked", "sink", sink.Name(), "panic", v)
			}),
		)
		if err != nil {
			b.releaseLanes()
			return nil, fmt.Errorf("starting %s sink pool: %w", sink.Name(), err)
		}
		lane := &sinkLane{
			sink:  sink,
			queue: make(chan Event, sinkQueueSize),
			pool:  pool,
			done:  make(chan struct{}),
		}
		b.lanes = append(b.lanes, lane)
		go b.drain(lane)
	}
	return b, nil
}

// AddObserver subscribes o to every subsequent event.
func (b *Bus) AddObserver(o Observer) {
	b.mu.Lock()
	b.observers[o] = struct{}{}
	n := len(b.observers)
	b.mu.Unlock()

	b.metrics.setObservers(n)
	b.logger.Debug("observer connected", "observers", n)
}

// RemoveObserver unsubscribes o. Unknown observers are ignored.
func (b *Bus) RemoveObserver(o Observer) {
	b.mu.Lock()
	delete(b.observers, o)
	n := len(b.observers)
	b.mu.Unlock()

	b.metrics.setObservers(n)
	b.logger.Debug("observer disconnected", "observers", n)
}

// ObserverCount returns the number of subscribed observers.
func (b *Bus) ObserverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Publish stamps e, delivers it to every observer connected now and
// schedules every sink.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.metrics.eventPublished(e.Kind)

	frame, err := encodeFrame(EventRealTimeUpdate, e.Payload())
	if err != nil {
		b.logger.Error("failed to encode real-time update", "type", e.Kind, "error", err)
	} else {
		b.broadcast(frame)
	}

	for _, lane := range b.lanes {
		b.enqueue(lane, e)
	}
}

func (b *Bus) broadcast(frame []byte) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	observers := lo.Keys(b.observers)
	b.mu.RUnlock()

	for _, o := range observers {
		if !o.Deliver(frame) {
			b.metrics.broadcastDropped()
		}
	}
}

// enqueue hands e to lane without blocking.
func (b *Bus) enqueue(lane *sinkLane, e Event) {
	b.laneMu.RLock()
	defer b.laneMu.RUnlock()

	if b.closed {
		b.logger.Debug("event sink skipped after shutdown", "sink", lane.sink.Name(), "type", e.Kind)
		return
	}
	select {
	case lane.queue <- e:
	default:
		b.metrics.sinkDropped(lane.sink.Name())
		b.logger.Warn("event sink queue full, dropping event",
			"sink", lane.sink.Name(),
			"type", e.Kind,
			"device_id", e.DeviceID,
		)
	}
}

// drain feeds queued events to the lane's pool. Submit may wait for a
// free worker; only this goroutine waits.
func (b *Bus) drain(lane *sinkLane) {
	defer close(lane.done)

	for e := range lane.queue {
		err := lane.pool.Submit(func() { b.run(lane.sink, e) })
		if err != nil {
			b.metrics.sinkFailed(lane.sink.Name())
			b.logger.Debug("event sink dropped", "sink", lane.sink.Name(), "type", e.Kind, "error", err)
		}
	}
}

func (b *Bus) run(sink EventSink, e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := sink.HandleEvent(ctx, e); err != nil {
		b.metrics.sinkFailed(sink.Name())
		b.logger.Warn("event sink failed",
			"sink", sink.Name(),
			"type", e.Kind,
			"device_id", e.DeviceID,
			"error", err,
		)
	}
}

// Close stops accepting side effects and waits up to timeout for the
// queued ones to finish. Observers keep receiving published events.
func (b *Bus) Close(timeout time.Duration) error {
	b.laneMu.Lock()
	if b.closed {
		b.laneMu.Unlock()
		return nil
	}
	b.closed = true
	for _, lane := range b.lanes {
		close(lane.queue)
	}
	b.laneMu.Unlock()

	deadline := time.Now().Add(timeout)
	var errs []error
	for _, lane := range b.lanes {
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-lane.done:
		case <-timer.C:
			errs = append(errs, fmt.Errorf("sink %s: %w", lane.sink.Name(), ErrDrainTimeout))
		}
		timer.Stop()

		wait := max(time.Until(deadline), minReleaseWait)
		if err := lane.pool.ReleaseTimeout(wait); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", lane.sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) releaseLanes() {
	for _, lane := range b.lanes {
		close(lane.queue)
		lane.pool.Release()
	}
}
