package coordinator

import (
	"time"

	"capsync/protocol"
	"capsync/timesync"
)

// DeviceRecord is an immutable snapshot of one device. Slices are copies.
type DeviceRecord struct {
	DeviceID    string
	DisplayName string
	State       protocol.State
	Connected   bool
	RemoteAddr  string

	ProtocolVersion int
	SessionID       string
	Modalities      []string
	BatteryPercent  int

	FirstSeen        time.Time
	LastSeen         time.Time
	LastHeartbeat    time.Time
	MissedHeartbeats int
	ErrorCount       int
	LastError        string

	LastStatus    protocol.StatusResponse
	HasLastStatus bool

	Offset       timesync.Estimate
	SyncDegraded bool
	Probing      bool
}

func (r DeviceRecord) clone() *DeviceRecord {
	out := r
	out.Modalities = append([]string(nil), r.Modalities...)
	return &out
}
