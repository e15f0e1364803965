// Package timesync estimates the clock offset between the coordinator and
// each capture node from NTP-style SYNC_PING/SYNC_PONG exchanges.
package timesync

import (
	"sort"
	"time"
)

// Sample is one completed probe. All times are unix nanoseconds; client times
// come from the coordinator clock and server times from the device clock.
type Sample struct {
	Sequence      uint64
	ClientSend    int64
	ServerReceive int64
	ServerSend    int64
	ClientReceive int64
}

// RoundTrip is the network delay excluding device processing time.
func (s Sample) RoundTrip() time.Duration {
	return time.Duration((s.ClientReceive - s.ClientSend) - (s.ServerSend - s.ServerReceive))
}

// Offset is how far the device clock runs ahead of the coordinator clock.
func (s Sample) Offset() time.Duration {
	// Differences first so large unix timestamps cannot overflow the sum.
	return time.Duration(((s.ServerReceive - s.ClientSend) + (s.ServerSend - s.ClientReceive)) / 2)
}

// MedianDuration returns the median of values, averaging the two middle
// values for even lengths. It does not modify values.
func MedianDuration(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
