package timesync

import (
	"fmt"
	"strings"
	"time"
)

// Policy turns the accepted sample window into one offset estimate.
type Policy interface {
	Name() string
	Estimate(window []Sample) time.Duration
}

const (
	PolicyMedian   = "median"
	PolicyMinDelay = "min_delay"
)

// MedianPolicy reports the median offset of the window.
type MedianPolicy struct{}

func (MedianPolicy) Name() string { return PolicyMedian }

func (MedianPolicy) Estimate(window []Sample) time.Duration {
	offsets := make([]time.Duration, 0, len(window))
	for _, s := range window {
		offsets = append(offsets, s.Offset())
	}
	return MedianDuration(offsets)
}

// MinDelayPolicy reports the offset of the lowest round-trip sample, the one
// least distorted by queueing. Ties go to the newest sample.
type MinDelayPolicy struct{}

func (MinDelayPolicy) Name() string { return PolicyMinDelay }

func (MinDelayPolicy) Estimate(window []Sample) time.Duration {
	if len(window) == 0 {
		return 0
	}
	best := window[0]
	for _, s := range window[1:] {
		if s.RoundTrip() <= best.RoundTrip() {
			best = s
		}
	}
	return best.Offset()
}

// ParsePolicy resolves a configured policy name. Empty selects the median.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyMedian:
		return MedianPolicy{}, nil
	case PolicyMinDelay, "min-delay", "mindelay":
		return MinDelayPolicy{}, nil
	default:
		return nil, fmt.Errorf("timesync: unknown offset policy %q", name)
	}
}
