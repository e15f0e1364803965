package timesync

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultWindow          = 8
	DefaultOutlierFactor   = 3.0
	DefaultMissedThreshold = 3
	// minOutlierThreshold keeps sub-millisecond loopback links from
	// rejecting every sample against a near-zero median.
	minOutlierThreshold = time.Millisecond
)

// ErrStaleSequence indicates a duplicate or non-increasing probe sequence.
var ErrStaleSequence = errors.New("timesync: duplicate or non-increasing sequence")

// EstimatorOptions configures an Estimator. Zero values take defaults.
type EstimatorOptions struct {
	Window          int
	OutlierFactor   float64
	MissedThreshold int
	Policy          Policy
	Clock           clockwork.Clock
}

func (o EstimatorOptions) withDefaults() EstimatorOptions {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.OutlierFactor <= 0 {
		o.OutlierFactor = DefaultOutlierFactor
	}
	if o.MissedThreshold <= 0 {
		o.MissedThreshold = DefaultMissedThreshold
	}
	if o.Policy == nil {
		o.Policy = MedianPolicy{}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Outcome describes what Observe or MarkLost did with one measurement.
type Outcome struct {
	Accepted bool
	// Outlier is set when the sample was discarded by the delay gate.
	Outlier bool
	// Threshold is the delay limit the sample was compared against.
	Threshold time.Duration
	// Degraded is set on the miss that crossed the consecutive-miss threshold.
	Degraded bool
	// Recovered is set on the first accepted sample after degradation.
	Recovered bool
}

// Estimate is the current offset view of one device.
type Estimate struct {
	Offset      time.Duration
	SampleCount int
	Age         time.Duration
	Valid       bool
}

// Stats is a point-in-time copy of an estimator.
type Stats struct {
	Window   []Sample
	Estimate Estimate
	Policy   string
	Accepted int
	Rejected int
	Lost     int
	Degraded bool
}

// Estimator keeps the accepted-sample window of one device.
type Estimator struct {
	opts EstimatorOptions

	mu         sync.Mutex
	window     []Sample
	lastSeq    uint64
	lastUpdate time.Time

	consecutiveMisses int
	degraded          bool

	accepted int
	rejected int
	lost     int
}

// NewEstimator returns an empty estimator.
func NewEstimator(options EstimatorOptions) *Estimator {
	opts := options.withDefaults()
	return &Estimator{
		opts:   opts,
		window: make([]Sample, 0, opts.Window),
	}
}

// Observe offers one completed sample to the window.
func (e *Estimator) Observe(s Sample) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.Sequence <= e.lastSeq {
		return Outcome{}, ErrStaleSequence
	}
	e.lastSeq = s.Sequence

	if len(e.window) > 0 {
		threshold := e.thresholdLocked()
		if s.RoundTrip() > threshold {
			e.rejected++
			return Outcome{Outlier: true, Threshold: threshold, Degraded: e.missLocked()}, nil
		}
	}

	if len(e.window) == e.opts.Window {
		copy(e.window, e.window[1:])
		e.window = e.window[:len(e.window)-1]
	}
	e.window = append(e.window, s)
	e.accepted++
	e.lastUpdate = e.opts.Clock.Now()
	e.consecutiveMisses = 0

	outcome := Outcome{Accepted: true}
	if e.degraded {
		e.degraded = false
		outcome.Recovered = true
	}
	return outcome, nil
}

// MarkLost records a probe that never completed.
func (e *Estimator) MarkLost() Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lost++
	return Outcome{Degraded: e.missLocked()}
}

// Current returns the estimate from the accepted window.
func (e *Estimator) Current() Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentLocked()
}

// Degraded reports whether consecutive misses crossed the threshold.
func (e *Estimator) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// Stats returns a copy of the window and counters. Callers may keep it.
func (e *Estimator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Window:   append([]Sample(nil), e.window...),
		Estimate: e.currentLocked(),
		Policy:   e.opts.Policy.Name(),
		Accepted: e.accepted,
		Rejected: e.rejected,
		Lost:     e.lost,
		Degraded: e.degraded,
	}
}

// Reset clears the window and counters but keeps the sequence floor, so
// sequences still never repeat for the device.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window = e.window[:0]
	e.lastUpdate = time.Time{}
	e.consecutiveMisses = 0
	e.degraded = false
	e.accepted, e.rejected, e.lost = 0, 0, 0
}

func (e *Estimator) currentLocked() Estimate {
	if len(e.window) == 0 {
		return Estimate{}
	}
	return Estimate{
		Offset:      e.opts.Policy.Estimate(e.window),
		SampleCount: len(e.window),
		Age:         e.opts.Clock.Since(e.lastUpdate),
		Valid:       true,
	}
}

func (e *Estimator) thresholdLocked() time.Duration {
	delays := make([]time.Duration, 0, len(e.window))
	for _, s := range e.window {
		delays = append(delays, s.RoundTrip())
	}
	threshold := time.Duration(float64(MedianDuration(delays)) * e.opts.OutlierFactor)
	if threshold < minOutlierThreshold {
		threshold = minOutlierThreshold
	}
	return threshold
}

// missLocked counts one missed measurement and reports whether this miss
// just crossed the degradation threshold.
func (e *Estimator) missLocked() bool {
	e.consecutiveMisses++
	if !e.degraded && e.consecutiveMisses >= e.opts.MissedThreshold {
		e.degraded = true
		return true
	}
	return false
}
