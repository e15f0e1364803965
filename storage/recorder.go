package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"capsync/coordinator"
	"capsync/events"
	"capsync/protocol"
)

// DeviceSource resolves the current record of a device.
type DeviceSource interface {
	Device(deviceID string) (coordinator.DeviceRecord, bool)
}

// Recorder persists coordinator events: device rows, state transitions and
// notable device events.
type Recorder struct {
	store   *Store
	devices DeviceSource
	logger  *slog.Logger
}

// NewRecorder returns a recorder writing to store. devices may be nil, in
// which case attached devices are stored with the fields the event carries.
func NewRecorder(store *Store, devices DeviceSource, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, devices: devices, logger: logger.With("component", "recorder")}
}

var recordedTypes = []events.Type{
	events.DeviceAttached,
	events.DeviceRemoved,
	events.StateChanged,
	events.DeviceError,
	events.MalformedMessage,
	events.VersionMismatch,
	events.SyncDegraded,
	events.SyncRecovered,
	events.DispatchFailed,
}

// Run consumes bus events until ctx is done or the bus closes.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(events.OfTypes(recordedTypes...))
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := r.Record(e); err != nil {
				r.logger.Warn("record event", "type", e.Type, "device_id", e.DeviceID, "error", err)
			}
		}
	}
}

// Record persists one event.
func (r *Recorder) Record(e events.Event) error {
	at := e.At.UnixMilli()
	if e.At.IsZero() {
		at = nowUnixMilli()
	}

	switch e.Type {
	case events.DeviceAttached:
		return r.store.UpsertDevice(r.deviceRow(e, at))
	case events.DeviceRemoved:
		if err := r.store.MarkDeviceRemoved(e.DeviceID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	case events.StateChanged:
		if err := r.store.AppendTransition(Transition{
			DeviceID:  e.DeviceID,
			FromState: string(e.PrevState),
			ToState:   string(e.State),
			Reason:    e.Detail,
			Timestamp: at,
		}); err != nil {
			return err
		}
		err := r.store.UpdateDeviceState(e.DeviceID, string(e.State), at)
		if errors.Is(err, ErrNotFound) {
			return r.store.UpsertDevice(r.deviceRow(e, at))
		}
		return err
	default:
		return r.store.LogDeviceEvent(DeviceEvent{
			EventType: string(e.Type),
			DeviceID:  &e.DeviceID,
			Details:   eventDetails(e),
			Severity:  severityOf(e.Type),
			Timestamp: at,
		})
	}
}

func (r *Recorder) deviceRow(e events.Event, at int64) Device {
	row := Device{DeviceID: e.DeviceID, State: string(e.State), LastSeen: at}
	if e.Type == events.DeviceAttached && e.Detail != "" {
		addr := e.Detail
		row.RemoteAddr = &addr
	}
	if r.devices != nil {
		if rec, ok := r.devices.Device(e.DeviceID); ok {
			row.DisplayName = rec.DisplayName
			row.ProtocolVersion = rec.ProtocolVersion
			row.Modalities = rec.Modalities
			if row.State == "" {
				row.State = string(rec.State)
			}
			if rec.RemoteAddr != "" {
				addr := rec.RemoteAddr
				row.RemoteAddr = &addr
			}
		}
	}
	if row.State == "" {
		row.State = string(protocol.StateDisconnected)
	}
	return row
}

func severityOf(t events.Type) string {
	switch t {
	case events.DeviceError, events.MalformedMessage:
		return SeverityCritical
	case events.VersionMismatch, events.SyncDegraded, events.DispatchFailed:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func eventDetails(e events.Event) string {
	details := map[string]any{}
	if e.Detail != "" {
		details["detail"] = e.Detail
	}
	if e.Code != "" {
		details["code"] = e.Code
	}
	if e.Command != "" {
		details["command"] = e.Command
	}
	if e.CommandID != "" {
		details["command_id"] = e.CommandID
	}
	if e.Attempt > 0 {
		details["attempt"] = e.Attempt
	}
	if e.Version != 0 {
		details["version"] = e.Version
	}
	if e.Offset != 0 {
		details["offset_ns"] = int64(e.Offset)
	}
	if e.Err != nil {
		details["error"] = e.Err.Error()
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
