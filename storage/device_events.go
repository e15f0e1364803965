package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetEventRetention configures the automatic device-event pruning horizon.
func (s *Store) SetEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	s.eventRetention = retention
}

// LogDeviceEvent inserts a structured device event and applies retention
// pruning.
func (s *Store) LogDeviceEvent(event DeviceEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if err := validateSeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var deviceID *string
	if event.DeviceID != nil {
		trimmed := strings.TrimSpace(*event.DeviceID)
		if trimmed != "" {
			deviceID = &trimmed
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO device_events (
			event_type,
			device_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(deviceID),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert device event %q: %w", event.EventType, err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.PruneDeviceEvents(cutoff); err != nil {
			return fmt.Errorf("prune device events: %w", err)
		}
	}

	return nil
}

// GetDeviceEvents returns recent device events, newest first, with optional
// filtering.
func (s *Store) GetDeviceEvents(filter DeviceEventFilter) ([]DeviceEvent, error) {
	if filter.Severity != "" {
		if err := validateSeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_type,
		device_id,
		details,
		severity,
		timestamp
	FROM device_events`)

	where := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get device events: %w", err)
	}
	defer rows.Close()

	events := make([]DeviceEvent, 0)
	for rows.Next() {
		event, err := scanDeviceEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device event rows: %w", err)
	}

	return events, nil
}

// PruneDeviceEvents removes device events older than cutoffTimestamp.
func (s *Store) PruneDeviceEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM device_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune device events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for device event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanDeviceEvent(row scanner) (*DeviceEvent, error) {
	var (
		event    DeviceEvent
		deviceID sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&deviceID,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.DeviceID = stringPtr(deviceID)
	return &event, nil
}
