package storage

import (
	"testing"
	"time"
)

func TestLogDeviceEventValidatesInput(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogDeviceEvent(DeviceEvent{}); err == nil {
		t.Fatalf("expected error for missing event type")
	}
	if err := store.LogDeviceEvent(DeviceEvent{EventType: "device_error", Severity: "fatal"}); err == nil {
		t.Fatalf("expected error for invalid severity")
	}
	if err := store.LogDeviceEvent(DeviceEvent{EventType: "device_error", Details: "{not json"}); err == nil {
		t.Fatalf("expected error for invalid details")
	}
}

func TestGetDeviceEventsFiltersAndOrders(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UnixMilli()
	cam1 := "cam-1"
	cam2 := " cam-2 "
	blank := "   "

	records := []DeviceEvent{
		{EventType: "device_error", DeviceID: &cam1, Severity: SeverityCritical, Details: `{"code":"HARDWARE_ERROR"}`, Timestamp: now - 3000},
		{EventType: "sync_degraded", DeviceID: &cam2, Severity: SeverityWarning, Timestamp: now - 2000},
		{EventType: "sync_recovered", DeviceID: &cam1, Timestamp: now - 1000},
		{EventType: "sync_recovered", DeviceID: &blank, Timestamp: now},
	}
	for _, r := range records {
		if err := store.LogDeviceEvent(r); err != nil {
			t.Fatalf("LogDeviceEvent: %v", err)
		}
	}

	all, err := store.GetDeviceEvents(DeviceEventFilter{})
	if err != nil {
		t.Fatalf("GetDeviceEvents: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %d", len(all))
	}
	if all[0].DeviceID != nil {
		t.Fatalf("blank device id should be stored as NULL, got %q", *all[0].DeviceID)
	}
	if all[3].EventType != "device_error" || all[3].Details != `{"code":"HARDWARE_ERROR"}` {
		t.Fatalf("unexpected oldest event: %+v", all[3])
	}

	forCam2, err := store.GetDeviceEvents(DeviceEventFilter{DeviceID: "cam-2"})
	if err != nil {
		t.Fatalf("GetDeviceEvents(cam-2): %v", err)
	}
	if len(forCam2) != 1 || forCam2[0].Severity != SeverityWarning || forCam2[0].Details != "{}" {
		t.Fatalf("unexpected cam-2 events: %+v", forCam2)
	}

	window, err := store.GetDeviceEvents(DeviceEventFilter{
		DeviceID:      "cam-1",
		FromTimestamp: int64Ref(now - 1500),
		ToTimestamp:   int64Ref(now),
	})
	if err != nil {
		t.Fatalf("GetDeviceEvents(window): %v", err)
	}
	if len(window) != 1 || window[0].EventType != "sync_recovered" {
		t.Fatalf("unexpected window: %+v", window)
	}

	paged, err := store.GetDeviceEvents(DeviceEventFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("GetDeviceEvents(paged): %v", err)
	}
	if len(paged) != 1 || paged[0].EventType != "sync_recovered" || paged[0].DeviceID == nil {
		t.Fatalf("unexpected page: %+v", paged)
	}

	if _, err := store.GetDeviceEvents(DeviceEventFilter{Severity: "loud"}); err == nil {
		t.Fatalf("expected error for invalid severity filter")
	}
}

func TestDeviceEventRetentionPrunesOnInsert(t *testing.T) {
	store := newTestStore(t)
	store.SetEventRetention(time.Hour)

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	if _, err := store.db.Exec(
		`INSERT INTO device_events (event_type, details, severity, timestamp) VALUES ('device_error', '{}', 'critical', ?)`,
		old,
	); err != nil {
		t.Fatalf("seed old event: %v", err)
	}

	if err := store.LogDeviceEvent(DeviceEvent{EventType: "sync_recovered"}); err != nil {
		t.Fatalf("LogDeviceEvent: %v", err)
	}

	events, err := store.GetDeviceEvents(DeviceEventFilter{})
	if err != nil {
		t.Fatalf("GetDeviceEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "sync_recovered" {
		t.Fatalf("expected old event pruned, got %+v", events)
	}

	if _, err := store.PruneDeviceEvents(0); err == nil {
		t.Fatalf("expected error for zero cutoff")
	}
}
