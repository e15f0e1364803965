package timesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"capsync/events"
	"capsync/protocol"
)

const (
	DefaultProbeInterval = time.Second
	DefaultProbeTimeout  = 500 * time.Millisecond
)

var (
	// ErrProbeLost indicates no SYNC_PONG arrived within the probe timeout.
	ErrProbeLost = errors.New("timesync: probe lost")
	// ErrOutlier indicates the probe completed but its delay was rejected.
	ErrOutlier = errors.New("timesync: sample rejected as outlier")
)

// SendFunc transmits one encoded-ready message to the device.
type SendFunc func(protocol.Message) error

// ProberOptions configures a Prober.
type ProberOptions struct {
	DeviceID  string
	Send      SendFunc
	Estimator *Estimator
	Interval  time.Duration
	Timeout   time.Duration
	Clock     clockwork.Clock
	Publisher events.Publisher
	Logger    *slog.Logger
}

// Prober issues SYNC_PING probes for one device and feeds its Estimator.
// The sequence counter lives as long as the prober and never repeats.
type Prober struct {
	deviceID  string
	send      SendFunc
	estimator *Estimator
	interval  time.Duration
	timeout   time.Duration
	clock     clockwork.Clock
	publisher events.Publisher
	logger    *slog.Logger

	sequence atomic.Uint64

	mu      sync.Mutex
	waiters map[uint64]*pongWaiter
}

type pongWaiter struct {
	clientSend int64
	ch         chan pongArrival
}

type pongArrival struct {
	pong          protocol.SyncPong
	clientReceive int64
}

// NewProber validates options and returns a prober.
func NewProber(options ProberOptions) (*Prober, error) {
	if options.DeviceID == "" {
		return nil, errors.New("timesync: device id is required")
	}
	if options.Send == nil {
		return nil, errors.New("timesync: send func is required")
	}
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}
	if options.Estimator == nil {
		options.Estimator = NewEstimator(EstimatorOptions{Clock: options.Clock})
	}
	if options.Interval <= 0 {
		options.Interval = DefaultProbeInterval
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultProbeTimeout
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return &Prober{
		deviceID:  options.DeviceID,
		send:      options.Send,
		estimator: options.Estimator,
		interval:  options.Interval,
		timeout:   options.Timeout,
		clock:     options.Clock,
		publisher: options.Publisher,
		logger:    options.Logger.With("device_id", options.DeviceID),
		waiters:   make(map[uint64]*pongWaiter),
	}, nil
}

// Estimator returns the estimator fed by this prober.
func (p *Prober) Estimator() *Estimator {
	return p.estimator
}

// Probe runs one SYNC_PING exchange. It returns ErrProbeLost when the PONG
// does not arrive in time and ErrOutlier when the sample is rejected; both
// are measurement misses, not failures of the device.
func (p *Prober) Probe(ctx context.Context) (Sample, error) {
	seq := p.sequence.Add(1)
	clientSend := p.clock.Now().UnixNano()

	msg, err := protocol.Create(protocol.KindSyncPing,
		protocol.SyncPing{Sequence: seq, ClientSendTime: clientSend},
		protocol.WithDeviceID(p.deviceID),
		protocol.WithMaxRetries(0),
		protocol.WithClock(p.clock),
	)
	if err != nil {
		return Sample{}, fmt.Errorf("build sync ping: %w", err)
	}

	waiter := &pongWaiter{clientSend: clientSend, ch: make(chan pongArrival, 1)}
	p.mu.Lock()
	p.waiters[seq] = waiter
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, seq)
		p.mu.Unlock()
	}()

	if err := p.send(msg); err != nil {
		p.logger.Debug("sync ping send failed", "sequence", seq, "error", err)
		p.lost(seq, err.Error())
		return Sample{}, fmt.Errorf("%w: %v", ErrProbeLost, err)
	}

	timer := p.clock.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case arrival := <-waiter.ch:
		sample := Sample{
			Sequence:      seq,
			ClientSend:    clientSend,
			ServerReceive: arrival.pong.ServerReceiveTime,
			ServerSend:    arrival.pong.ServerSendTime,
			ClientReceive: arrival.clientReceive,
		}
		return p.record(sample)
	case <-timer.Chan():
		p.lost(seq, "timeout")
		return Sample{}, ErrProbeLost
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

// HandlePong delivers a SYNC_PONG to the probe waiting for its sequence. It
// returns false for unknown or already-expired sequences.
func (p *Prober) HandlePong(pong protocol.SyncPong) bool {
	clientReceive := p.clock.Now().UnixNano()

	p.mu.Lock()
	waiter, ok := p.waiters[pong.Sequence]
	if ok {
		delete(p.waiters, pong.Sequence)
	}
	p.mu.Unlock()
	if !ok || pong.ClientSendTime != waiter.clientSend {
		return false
	}

	select {
	case waiter.ch <- pongArrival{pong: pong, clientReceive: clientReceive}:
		return true
	default:
		return false
	}
}

// Run probes at the configured interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Probe(ctx); err != nil && ctx.Err() == nil &&
			!errors.Is(err, ErrProbeLost) && !errors.Is(err, ErrOutlier) {
			p.logger.Warn("sync probe failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (p *Prober) record(sample Sample) (Sample, error) {
	outcome, err := p.estimator.Observe(sample)
	if err != nil {
		return sample, err
	}

	if !outcome.Accepted {
		p.publish(events.Event{
			Type:     events.SampleRejected,
			Sequence: sample.Sequence,
			Offset:   sample.Offset(),
			Delay:    sample.RoundTrip(),
			Detail:   fmt.Sprintf("delay %s exceeds %s", sample.RoundTrip(), outcome.Threshold),
		})
		p.afterMiss(outcome)
		return sample, ErrOutlier
	}

	p.publish(events.Event{
		Type:     events.SampleAccepted,
		Sequence: sample.Sequence,
		Offset:   sample.Offset(),
		Delay:    sample.RoundTrip(),
	})
	if outcome.Recovered {
		p.logger.Info("clock sync recovered")
		p.publish(events.Event{Type: events.SyncRecovered, Offset: p.estimator.Current().Offset})
	}
	return sample, nil
}

func (p *Prober) lost(seq uint64, reason string) {
	outcome := p.estimator.MarkLost()
	p.publish(events.Event{Type: events.ProbeLost, Sequence: seq, Detail: reason})
	p.afterMiss(outcome)
}

func (p *Prober) afterMiss(outcome Outcome) {
	if !outcome.Degraded {
		return
	}
	p.logger.Warn("clock sync degraded")
	p.publish(events.Event{Type: events.SyncDegraded, Detail: "consecutive probe misses"})
}

func (p *Prober) publish(e events.Event) {
	if p.publisher == nil {
		return
	}
	e.DeviceID = p.deviceID
	e.At = p.clock.Now()
	p.publisher.Publish(e)
}
