package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"capsync/coordinator"
	"capsync/events"
	"capsync/protocol"
)

type staticDevices map[string]coordinator.DeviceRecord

func (s staticDevices) Device(deviceID string) (coordinator.DeviceRecord, bool) {
	rec, ok := s[deviceID]
	return rec, ok
}

func newTestRecorder(t *testing.T) (*Store, *Recorder) {
	t.Helper()
	store := newTestStore(t)
	devices := staticDevices{
		"cam-1": {
			DeviceID:        "cam-1",
			DisplayName:     "Left rig",
			State:           protocol.StateIdle,
			ProtocolVersion: protocol.ProtocolVersion,
			Modalities:      []string{"rgb"},
		},
	}
	return store, NewRecorder(store, devices, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRecorderPersistsLifecycle(t *testing.T) {
	store, rec := newTestRecorder(t)
	at := time.UnixMilli(1_700_000_000_000)

	steps := []events.Event{
		{Type: events.DeviceAttached, DeviceID: "cam-1", At: at, Detail: "10.0.0.9:7000"},
		{Type: events.StateChanged, DeviceID: "cam-1", At: at.Add(time.Second), PrevState: protocol.StateDisconnected, State: protocol.StateIdle, Detail: "message observed"},
		{Type: events.DeviceError, DeviceID: "cam-1", At: at.Add(2 * time.Second), Code: protocol.ErrorCode("HARDWARE_ERROR"), Detail: "thermal"},
		{Type: events.DeviceRemoved, DeviceID: "cam-1", At: at.Add(3 * time.Second)},
	}
	for _, e := range steps {
		if err := rec.Record(e); err != nil {
			t.Fatalf("Record %s: %v", e.Type, err)
		}
	}

	device, err := store.GetDevice("cam-1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if device.DisplayName != "Left rig" || device.State != "IDLE" || !device.Removed {
		t.Fatalf("unexpected device: %+v", device)
	}
	if device.RemoteAddr == nil || *device.RemoteAddr != "10.0.0.9:7000" {
		t.Fatalf("unexpected remote addr: %v", device.RemoteAddr)
	}

	transitions, err := store.ListTransitions(TransitionFilter{DeviceID: "cam-1"})
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	if len(transitions) != 1 || transitions[0].FromState != "DISCONNECTED" || transitions[0].Reason != "message observed" {
		t.Fatalf("unexpected transitions: %+v", transitions)
	}

	logged, err := store.GetDeviceEvents(DeviceEventFilter{DeviceID: "cam-1"})
	if err != nil {
		t.Fatalf("GetDeviceEvents: %v", err)
	}
	if len(logged) != 1 || logged[0].Severity != SeverityCritical || logged[0].EventType != string(events.DeviceError) {
		t.Fatalf("unexpected events: %+v", logged)
	}
}

func TestRecorderCreatesRowForUnseenDeviceTransition(t *testing.T) {
	store, rec := newTestRecorder(t)

	if err := rec.Record(events.Event{
		Type:      events.StateChanged,
		DeviceID:  "cam-9",
		PrevState: protocol.StateIdle,
		State:     protocol.StateError,
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	device, err := store.GetDevice("cam-9")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if device.State != "ERROR" {
		t.Fatalf("unexpected state %q", device.State)
	}
}

func TestRecorderRunConsumesBus(t *testing.T) {
	store, rec := newTestRecorder(t)
	bus := events.NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(events.Event{Type: events.SyncDegraded, DeviceID: "cam-1", Detail: "consecutive probe misses"})
		logged, err := store.GetDeviceEvents(DeviceEventFilter{EventType: string(events.SyncDegraded)})
		if err != nil {
			t.Fatalf("GetDeviceEvents: %v", err)
		}
		if len(logged) > 0 {
			if logged[0].Severity != SeverityWarning {
				t.Fatalf("unexpected severity %q", logged[0].Severity)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorder never persisted the event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
