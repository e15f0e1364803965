// Package coordinator owns one record per capture node and runs one
// supervised task per device that alone mutates it. Readers get immutable
// snapshots; commands, clock probes and state transitions for a device all
// flow through its task.
package coordinator

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"capsync/dispatch"
	"capsync/events"
	"capsync/timesync"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatMisses   = 3
	DefaultPrepareTimeout    = 10 * time.Second
	DefaultIdentifyTimeout   = 10 * time.Second
)

// Options configures a Coordinator. Zero values take defaults.
type Options struct {
	CoordinatorID string

	Clock  clockwork.Clock
	Bus    *events.Bus
	Logger *slog.Logger

	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many intervals without a heartbeat mark a
	// device DISCONNECTED.
	HeartbeatMisses int
	// SweepInterval is how often liveness is checked.
	SweepInterval time.Duration

	CommandTimeout time.Duration
	MaxRetries     int
	PrepareTimeout time.Duration
	// IdentifyTimeout bounds the wait for the first message of a new link.
	IdentifyTimeout time.Duration

	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
	SyncWindow      int
	OutlierFactor   float64
	MissedThreshold int
	OffsetPolicy    timesync.Policy
}

func (o Options) withDefaults() Options {
	if o.CoordinatorID == "" {
		o.CoordinatorID = uuid.NewString()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Bus == nil {
		o.Bus = events.NewBus()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = o.HeartbeatInterval / 5
		if o.SweepInterval <= 0 {
			o.SweepInterval = time.Second
		}
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = dispatch.DefaultTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = dispatch.DefaultMaxRetries
	}
	if o.PrepareTimeout <= 0 {
		o.PrepareTimeout = DefaultPrepareTimeout
	}
	if o.IdentifyTimeout <= 0 {
		o.IdentifyTimeout = DefaultIdentifyTimeout
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = timesync.DefaultProbeInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = timesync.DefaultProbeTimeout
	}
	if o.OffsetPolicy == nil {
		o.OffsetPolicy = timesync.MedianPolicy{}
	}
	return o
}

// heartbeatDeadline is the silence after which a device is disconnected.
func (o Options) heartbeatDeadline() time.Duration {
	return time.Duration(o.HeartbeatMisses) * o.HeartbeatInterval
}
