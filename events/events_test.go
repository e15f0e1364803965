package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestPublishIsOrderedAndNonBlocking(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe(nil)

	// Nobody is reading yet; publishing must still return.
	for i := 0; i < 1000; i++ {
		bus.Publish(Event{Type: CommandSent, DeviceID: "dev", Attempt: i})
	}

	for i := 0; i < 1000; i++ {
		e := receive(t, sub)
		require.Equal(t, i, e.Attempt)
	}
}

func TestFilters(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	states := bus.Subscribe(OfTypes(StateChanged))
	devB := bus.Subscribe(ForDevice("b"))

	bus.Publish(Event{Type: HeartbeatSeen, DeviceID: "a"})
	bus.Publish(Event{Type: StateChanged, DeviceID: "a"})
	bus.Publish(Event{Type: HeartbeatSeen, DeviceID: "b"})

	e := receive(t, states)
	assert.Equal(t, StateChanged, e.Type)
	assert.Equal(t, "a", e.DeviceID)

	e = receive(t, devB)
	assert.Equal(t, HeartbeatSeen, e.Type)
	assert.Equal(t, "b", e.DeviceID)
}

func TestSlowSubscriberDoesNotDelayOthers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_ = bus.Subscribe(nil) // never read
	fast := bus.Subscribe(nil)

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: SampleAccepted, Attempt: i})
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, receive(t, fast).Attempt)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(nil)
	other := bus.Subscribe(nil)

	sub.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)

	bus.Close()
	_, ok = <-other.C()
	assert.False(t, ok)

	late := bus.Subscribe(nil)
	_, ok = <-late.C()
	assert.False(t, ok)

	bus.Publish(Event{Type: StateChanged})
}
