package activebee

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

// EventKind is the kind of a lifecycle event.
type EventKind int

// Valid values for EventKind.
const (
	UnitCreated EventKind = iota
	UnitTerminated
	RequestEnqueued
	RequestServed
	RequestRejected
	MigrationStarted
	MigrationCompleted
	MigrationAborted
)

var eventKindNames = [...]string{
	UnitCreated:        "unit_created",
	UnitTerminated:     "unit_terminated",
	RequestEnqueued:    "request_enqueued",
	RequestServed:      "request_served",
	RequestRejected:    "request_rejected",
	MigrationStarted:   "migration_started",
	MigrationCompleted: "migration_completed",
	MigrationAborted:   "migration_aborted",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event describes something that happened to a unit.
type Event struct {
	Kind     EventKind
	Time     time.Time
	Hive     string
	Unit     string
	Class    string
	Method   string
	Seq      uint64
	Location string        // Destination of migrations.
	Latency  time.Duration // Queueing plus service time, or migration time.
	Err      error
}

// Observer receives events. Observers run on the event goroutine of the hive
// and never on units.
type Observer interface {
	Observe(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) {
	f(e)
}

// eventBus dispatches events asynchronously. Events are dropped when the
// buffer is full so units never wait on observers.
type eventBus struct {
	ch      chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	nsubs   atomic.Int32

	mu     sync.RWMutex
	nextID int
	subs   map[int]Observer
}

func newEventBus(size int) *eventBus {
	return &eventBus{
		ch:     make(chan Event, size),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		subs:   make(map[int]Observer),
	}
}

func (b *eventBus) subscribe(o Observer) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = o
	b.nsubs.Add(1)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			b.nsubs.Add(-1)
		}
	}
}

func (b *eventBus) emit(e Event) {
	if b.nsubs.Load() == 0 {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case b.ch <- e:
	default:
		if n := b.dropped.Add(1); n%1000 == 1 {
			glog.Warningf("event buffer is full, %d events dropped so far", n)
		}
	}
}

func (b *eventBus) start() {
	defer close(b.doneCh)
	for {
		select {
		case e := <-b.ch:
			b.dispatch(e)
		case <-b.stopCh:
			for {
				select {
				case e := <-b.ch:
					b.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (b *eventBus) dispatch(e Event) {
	b.mu.RLock()
	subs := make([]Observer, 0, len(b.subs))
	for _, o := range b.subs {
		subs = append(subs, o)
	}
	b.mu.RUnlock()

	for _, o := range subs {
		observe(o, e)
	}
}

func observe(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("observer panicked on %v: %v\n%s", e.Kind, r, debug.Stack())
		}
	}()
	o.Observe(e)
}

// droppedCounter exports the number of events dropped on a full buffer.
func (b *eventBus) droppedCounter() prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "activebee",
		Name:      "events_dropped_total",
		Help:      "Events dropped because observers fell behind.",
	}, func() float64 {
		return float64(b.dropped.Load())
	})
}

// stop drains buffered events and stops the bus. It is only valid after
// start was called.
func (b *eventBus) stop() {
	b.once.Do(func() {
		close(b.stopCh)
	})
	<-b.doneCh
}
