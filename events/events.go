// Package events is a typed publish/subscribe bus for per-device coordinator
// events. Publishing never blocks; every subscriber receives events in
// publication order through its own unbounded mailbox.
package events

import (
	"sync"
	"time"

	"capsync/protocol"
)

// Type names one kind of event.
type Type string

const (
	StateChanged     Type = "state_changed"
	HeartbeatSeen    Type = "heartbeat_seen"
	SampleAccepted   Type = "sample_accepted"
	SampleRejected   Type = "sample_rejected"
	ProbeLost        Type = "probe_lost"
	SyncDegraded     Type = "sync_degraded"
	SyncRecovered    Type = "sync_recovered"
	CommandSent      Type = "command_sent"
	CommandAcked     Type = "command_acked"
	CommandFailed    Type = "command_failed"
	DispatchFailed   Type = "dispatch_failed"
	VersionMismatch  Type = "version_mismatch"
	MalformedMessage Type = "malformed_message"
	DeviceError      Type = "device_error"
	DeviceAttached   Type = "device_attached"
	DeviceRemoved    Type = "device_removed"
)

// Event is one observation about a device. Fields not relevant to Type are
// left zero.
type Event struct {
	Type     Type
	DeviceID string
	At       time.Time

	State     protocol.State
	PrevState protocol.State

	Command   protocol.CommandName
	CommandID string
	Code      protocol.ErrorCode
	Attempt   int

	Offset   time.Duration
	Delay    time.Duration
	Sequence uint64

	Version int
	Detail  string
	Err     error
}

// Publisher is the write side of a Bus.
type Publisher interface {
	Publish(Event)
}

// Filter selects the events a subscription receives. Nil accepts everything.
type Filter func(Event) bool

// OfTypes returns a filter accepting only the listed types.
func OfTypes(types ...Type) Filter {
	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// ForDevice returns a filter accepting only events of one device.
func ForDevice(deviceID string) Filter {
	return func(e Event) bool {
		return e.DeviceID == deviceID
	}
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish enqueues e for every matching subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.filter == nil || sub.filter(e) {
			sub.enqueue(e)
		}
	}
}

// Subscribe registers a subscriber. The returned subscription must be closed
// by the caller, or by closing the bus.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		bus:    b,
		filter: filter,
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stop()
		close(sub.out)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Close closes every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscription is one subscriber's ordered stream of events.
type Subscription struct {
	bus    *Bus
	filter Filter

	mu      sync.Mutex
	pending []Event

	out  chan Event
	wake chan struct{}

	stopOnce sync.Once
	done     chan struct{}
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close ends the subscription. Undelivered events are discarded.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case s.out <- e:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
