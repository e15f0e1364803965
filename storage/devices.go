package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertDevice inserts a device or refreshes the row of a known one. The
// first_seen column keeps its original value and a removed device is
// revived.
func (s *Store) UpsertDevice(device Device) error {
	if strings.TrimSpace(device.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if device.State == "" {
		return errors.New("state is required")
	}
	if device.LastSeen == 0 {
		device.LastSeen = nowUnixMilli()
	}
	if device.FirstSeen == 0 {
		device.FirstSeen = device.LastSeen
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (
			device_id,
			display_name,
			state,
			remote_addr,
			protocol_version,
			modalities,
			first_seen,
			last_seen,
			removed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(device_id) DO UPDATE SET
			display_name = CASE
				WHEN excluded.display_name != '' THEN excluded.display_name
				ELSE devices.display_name
			END,
			state = excluded.state,
			remote_addr = COALESCE(excluded.remote_addr, devices.remote_addr),
			protocol_version = CASE
				WHEN excluded.protocol_version > 0 THEN excluded.protocol_version
				ELSE devices.protocol_version
			END,
			modalities = CASE
				WHEN excluded.modalities != '' THEN excluded.modalities
				ELSE devices.modalities
			END,
			last_seen = MAX(devices.last_seen, excluded.last_seen),
			removed = 0`,
		device.DeviceID,
		device.DisplayName,
		device.State,
		nullString(device.RemoteAddr),
		device.ProtocolVersion,
		strings.Join(device.Modalities, ","),
		device.FirstSeen,
		device.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", device.DeviceID, err)
	}

	return nil
}

// UpdateDeviceState records the latest state of a known device.
func (s *Store) UpdateDeviceState(deviceID, state string, lastSeen int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if state == "" {
		return errors.New("state is required")
	}

	res, err := s.db.Exec(
		`UPDATE devices
		SET state = ?,
		    last_seen = CASE
				WHEN ? > last_seen THEN ?
				ELSE last_seen
			END
		WHERE device_id = ?`,
		state,
		lastSeen,
		lastSeen,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update device state %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for device state update %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetDevice fetches one device by ID, including removed devices.
func (s *Store) GetDevice(deviceID string) (*Device, error) {
	if deviceID == "" {
		return nil, errors.New("device_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			device_id,
			display_name,
			state,
			remote_addr,
			protocol_version,
			modalities,
			first_seen,
			last_seen,
			removed
		FROM devices
		WHERE device_id = ?`,
		deviceID,
	)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", deviceID, err)
	}

	return device, nil
}

// ListDevices returns devices ordered by ID. Removed devices are included
// only when includeRemoved is set.
func (s *Store) ListDevices(includeRemoved bool) ([]Device, error) {
	query := `SELECT
			device_id,
			display_name,
			state,
			remote_addr,
			protocol_version,
			modalities,
			first_seen,
			last_seen,
			removed
		FROM devices`
	if !includeRemoved {
		query += ` WHERE removed = 0`
	}
	query += ` ORDER BY device_id ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// MarkDeviceRemoved flags a device as explicitly removed from the fleet. Its
// history is kept.
func (s *Store) MarkDeviceRemoved(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`UPDATE devices SET removed = 1 WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove device %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove device %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteDevice deletes a device row and its transition history.
func (s *Store) DeleteDevice(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete device %q: %w", deviceID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(`DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device %q: %w", deviceID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete device %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM state_transitions WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete transitions of %q: %w", deviceID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete device %q: %w", deviceID, err)
	}
	return nil
}

func scanDevice(row scanner) (*Device, error) {
	var (
		device     Device
		remoteAddr sql.NullString
		modalities string
		removed    int
	)

	if err := row.Scan(
		&device.DeviceID,
		&device.DisplayName,
		&device.State,
		&remoteAddr,
		&device.ProtocolVersion,
		&modalities,
		&device.FirstSeen,
		&device.LastSeen,
		&removed,
	); err != nil {
		return nil, err
	}

	device.RemoteAddr = stringPtr(remoteAddr)
	if modalities != "" {
		device.Modalities = strings.Split(modalities, ",")
	}
	device.Removed = removed == 1

	return &device, nil
}
