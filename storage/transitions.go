package storage

import (
	"errors"
	"fmt"
	"strings"
)

// AppendTransition persists one device state change.
func (s *Store) AppendTransition(t Transition) error {
	if t.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if t.FromState == "" || t.ToState == "" {
		return errors.New("from_state and to_state are required")
	}
	if t.Timestamp == 0 {
		t.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO state_transitions (
			device_id,
			from_state,
			to_state,
			reason,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		t.DeviceID,
		t.FromState,
		t.ToState,
		t.Reason,
		t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert transition for %q: %w", t.DeviceID, err)
	}

	return nil
}

// ListTransitions returns transitions newest first.
func (s *Store) ListTransitions(filter TransitionFilter) ([]Transition, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		device_id,
		from_state,
		to_state,
		reason,
		timestamp
	FROM state_transitions`)

	where := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	out := make([]Transition, 0)
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.FromState, &t.ToState, &t.Reason, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transition rows: %w", err)
	}

	return out, nil
}
