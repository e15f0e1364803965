package calibration

import (
	"math"
	"sort"
	"time"

	"capsync/timesync"
)

// Kind names the campaign that produced a Session.
type Kind string

const (
	KindQuick         Kind = "quick"
	KindComprehensive Kind = "comprehensive"
)

// DeviceSummary condenses the samples collected from one device.
type DeviceSummary struct {
	DeviceID      string
	MedianOffset  time.Duration
	MeanRoundTrip time.Duration
	MinRoundTrip  time.Duration
	// Jitter is the standard deviation of the collected offsets.
	Jitter   time.Duration
	Accepted int
	Rejected int
	Lost     int
	Samples  []timesync.Sample
}

// Snapshot is the cross-device view after one probing round.
type Snapshot struct {
	At      time.Time
	Offsets map[string]time.Duration
	Median  time.Duration
	// Spread is mean(|offset_i - median|) over the devices in Offsets.
	Spread time.Duration
}

// Session is a finalized calibration campaign.
type Session struct {
	ID        string
	Kind      Kind
	Devices   []string
	StartedAt time.Time
	EndedAt   time.Time

	Summaries map[string]DeviceSummary
	Snapshots []Snapshot

	AverageSyncError time.Duration
	Threshold        time.Duration
	Passed           bool
	// Failure explains a failed verdict that is not a threshold miss.
	Failure string
}

// AverageSyncErrorMs is AverageSyncError in fractional milliseconds.
func (s Session) AverageSyncErrorMs() float64 {
	return float64(s.AverageSyncError) / float64(time.Millisecond)
}

// SyncError returns the median of offsets and the mean absolute deviation
// from it. There is no ground-truth clock, so quality is mutual spread.
func SyncError(offsets []time.Duration) (median, spread time.Duration) {
	if len(offsets) == 0 {
		return 0, 0
	}
	median = timesync.MedianDuration(offsets)

	var total float64
	for _, o := range offsets {
		total += math.Abs(float64(o - median))
	}
	return median, time.Duration(total / float64(len(offsets)))
}

// Score averages snapshot spreads. It reports false when there is nothing to
// score.
func Score(snapshots []Snapshot) (time.Duration, bool) {
	if len(snapshots) == 0 {
		return 0, false
	}
	var total float64
	for _, s := range snapshots {
		total += float64(s.Spread)
	}
	return time.Duration(total / float64(len(snapshots))), true
}

func newSnapshot(at time.Time, offsets map[string]time.Duration) Snapshot {
	ids := make([]string, 0, len(offsets))
	for id := range offsets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	values := make([]time.Duration, 0, len(ids))
	for _, id := range ids {
		values = append(values, offsets[id])
	}
	median, spread := SyncError(values)
	return Snapshot{At: at, Offsets: offsets, Median: median, Spread: spread}
}

func summarize(deviceID string, samples []timesync.Sample, rejected, lost int) DeviceSummary {
	summary := DeviceSummary{
		DeviceID: deviceID,
		Accepted: len(samples),
		Rejected: rejected,
		Lost:     lost,
		Samples:  samples,
	}
	if len(samples) == 0 {
		return summary
	}

	offsets := make([]time.Duration, 0, len(samples))
	var rttTotal time.Duration
	summary.MinRoundTrip = samples[0].RoundTrip()
	for _, s := range samples {
		offsets = append(offsets, s.Offset())
		rtt := s.RoundTrip()
		rttTotal += rtt
		if rtt < summary.MinRoundTrip {
			summary.MinRoundTrip = rtt
		}
	}
	summary.MedianOffset = timesync.MedianDuration(offsets)
	summary.MeanRoundTrip = rttTotal / time.Duration(len(samples))

	var mean float64
	for _, o := range offsets {
		mean += float64(o)
	}
	mean /= float64(len(offsets))
	var variance float64
	for _, o := range offsets {
		d := float64(o) - mean
		variance += d * d
	}
	summary.Jitter = time.Duration(math.Sqrt(variance / float64(len(offsets))))
	return summary
}
