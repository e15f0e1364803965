package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SeverityInfo marks routine device events.
	SeverityInfo = "info"
	// SeverityWarning marks events that degrade a device or session.
	SeverityWarning = "warning"
	// SeverityCritical marks events that moved a device to ERROR.
	SeverityCritical = "critical"
)

// Device is the SQLite representation of a known capture node.
type Device struct {
	DeviceID        string
	DisplayName     string
	State           string
	RemoteAddr      *string
	ProtocolVersion int
	Modalities      []string
	FirstSeen       int64
	LastSeen        int64
	Removed         bool
}

// Transition is one persisted state change.
type Transition struct {
	ID        int64
	DeviceID  string
	FromState string
	ToState   string
	Reason    string
	Timestamp int64
}

// TransitionFilter narrows ListTransitions.
type TransitionFilter struct {
	DeviceID      string
	FromTimestamp *int64
	Limit         int
}

// DeviceEvent is a notable non-transition event of a device.
type DeviceEvent struct {
	ID        int64
	EventType string
	DeviceID  *string
	Details   string
	Severity  string
	Timestamp int64
}

// DeviceEventFilter narrows GetDeviceEvents.
type DeviceEventFilter struct {
	EventType     string
	DeviceID      string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// CalibrationRecord is a persisted calibration session header.
type CalibrationRecord struct {
	SessionID        string
	Kind             string
	StartedAt        int64
	EndedAt          int64
	DeviceCount      int
	SnapshotCount    int
	AverageSyncError time.Duration
	Threshold        time.Duration
	Passed           bool
	Failure          string
	Offsets          []CalibrationOffset
}

// CalibrationOffset is the per-device summary of a calibration session.
type CalibrationOffset struct {
	DeviceID      string
	MedianOffset  time.Duration
	MeanRoundTrip time.Duration
	MinRoundTrip  time.Duration
	Jitter        time.Duration
	Accepted      int
	Rejected      int
	Lost          int
}

// ValidationRecord is a persisted validation report. Checks holds the JSON
// encoded check list.
type ValidationRecord struct {
	ReportID  string
	Level     string
	StartedAt int64
	EndedAt   int64
	Passed    bool
	Checks    string
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSeverity(severity string) error {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid device event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
