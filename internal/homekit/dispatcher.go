package homekit

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultStallTimeout is how long the dispatcher waits for one listener
// before it stops waiting for it.
const DefaultStallTimeout = time.Second

// Dispatcher routes events to listeners.
//
// Events are routed on a dedicated goroutine in the order they were
// published. Each listener and observer runs on its own mailbox goroutine.
// For a characteristic event, listeners are handed the event in
// subscription order, followed by every interested observer; the
// dispatcher waits for each hand-off to finish before the next one, up to
// stallAfter. A listener that overruns is marked stalled: it keeps
// receiving its events in order, but nobody waits for it until it has
// caught up. Delivery is at least once and identical consecutive values
// are not collapsed.
//
// The routing goroutine never runs listener code, so a listener may call
// back into the bridge, including Shutdown.
type Dispatcher struct {
	queue      *fifo[Event]
	subs       *Subscriptions
	logger     Logger
	stallAfter time.Duration
	quit       chan struct{}
	done       chan struct{}
	once       sync.Once

	obsMu     sync.RWMutex
	observers []*observer
	nextObsID uint64
	stopped   bool
}

type observer struct {
	id     uint64
	kinds  []EventKind
	active atomic.Bool
	box    *mailbox
}

// accepts reports whether the observer registered for kind.
func (o *observer) accepts(kind EventKind) bool {
	return len(o.kinds) == 0 || slices.Contains(o.kinds, kind)
}

func newDispatcher(subs *Subscriptions, logger Logger) *Dispatcher {
	d := &Dispatcher{
		queue:      newFIFO[Event](),
		subs:       subs,
		logger:     logger,
		stallAfter: DefaultStallTimeout,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		d.queue.run(d.route)
	}()
	return d
}

// publish queues events for delivery. It never blocks.
func (d *Dispatcher) publish(events ...Event) {
	for _, e := range events {
		if e.Kind == EventCharacteristicChanged && !d.wanted(e.Ref()) {
			continue
		}
		d.queue.push(e)
	}
}

// wanted reports whether anyone would receive an event for ref.
func (d *Dispatcher) wanted(ref CharacteristicRef) bool {
	if d.subs.State(ref) == Observing {
		return true
	}
	d.obsMu.RLock()
	defer d.obsMu.RUnlock()
	for _, o := range d.observers {
		if o.accepts(EventCharacteristicChanged) {
			return true
		}
	}
	return false
}

// AddObserver registers a listener for the given event kinds, or for every
// event when kinds is empty. The returned function removes it; no delivery
// starts after it returns.
func (d *Dispatcher) AddObserver(l Listener, kinds ...EventKind) (remove func()) {
	o := &observer{kinds: slices.Clone(kinds)}
	o.active.Store(true)
	o.box = newMailbox(l, &o.active, d.logger)

	d.obsMu.Lock()
	d.nextObsID++
	o.id = d.nextObsID
	if d.stopped {
		o.box.close()
	} else {
		d.observers = append(d.observers, o)
	}
	d.obsMu.Unlock()

	return func() {
		o.active.Store(false)
		o.box.close()

		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		d.observers = slices.DeleteFunc(d.observers, func(x *observer) bool { return x.id == o.id })
	}
}

// Pending returns the number of queued, unrouted events.
func (d *Dispatcher) Pending() int {
	return d.queue.len()
}

func (d *Dispatcher) route(e Event) {
	if e.Kind == EventCharacteristicChanged {
		for _, sub := range d.subs.listeners(e.Ref()) {
			if sub.active.Load() {
				d.handOff(sub.box, e)
			}
		}
	}

	d.obsMu.RLock()
	observers := slices.Clone(d.observers)
	d.obsMu.RUnlock()

	for _, o := range observers {
		if o.active.Load() && o.accepts(e.Kind) {
			d.handOff(o.box, e)
		}
	}
}

// handOff posts e to m and waits for the listener unless it is stalled.
func (d *Dispatcher) handOff(m *mailbox, e Event) {
	done := m.post(e)
	if done == nil || m.stalled.Load() {
		return
	}

	timer := time.NewTimer(d.stallAfter)
	defer timer.Stop()
	select {
	case <-done:
	case <-d.quit:
	case <-timer.C:
		m.stalled.Store(true)
		d.logger.Warn("event listener stalled, continuing without it",
			"kind", string(e.Kind), "after", d.stallAfter)
	}
}

// stop routes what is queued, waits for the routing goroutine and closes
// the observer mailboxes. Mailboxes finish what they hold on their own;
// stop does not wait for listeners.
func (d *Dispatcher) stop() {
	d.once.Do(func() {
		close(d.quit)
		d.queue.close()
	})
	<-d.done

	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.stopped = true
	for _, o := range d.observers {
		o.box.close()
	}
	d.observers = nil
}

// =============================================================================
// Mailbox
// =============================================================================

// mailbox runs one listener on its own goroutine, in post order.
type mailbox struct {
	listener Listener
	active   *atomic.Bool
	logger   Logger
	queue    *fifo[delivery]
	stalled  atomic.Bool
}

type delivery struct {
	event Event
	done  chan struct{}
}

func newMailbox(l Listener, active *atomic.Bool, logger Logger) *mailbox {
	m := &mailbox{
		listener: l,
		active:   active,
		logger:   logger,
		queue:    newFIFO[delivery](),
	}
	go m.queue.run(m.deliver)
	return m
}

// post queues e. The returned channel is closed once the listener has
// handled it; it is nil when the mailbox is closed.
func (m *mailbox) post(e Event) <-chan struct{} {
	done := make(chan struct{})
	if !m.queue.push(delivery{event: e, done: done}) {
		return nil
	}
	return done
}

// close stops accepting events. Queued events are still handed to the
// listener while it is active.
func (m *mailbox) close() {
	m.queue.close()
}

func (m *mailbox) deliver(d delivery) {
	defer close(d.done)
	if m.active.Load() {
		m.call(d.event)
	}
	if m.queue.len() == 0 {
		m.stalled.Store(false)
	}
}

// call runs the listener, isolating its panic.
func (m *mailbox) call(e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event listener panicked", "kind", string(e.Kind), "panic", r)
		}
	}()
	m.listener(e)
}
