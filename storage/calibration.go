package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"capsync/calibration"
)

var _ calibration.Store = (*Store)(nil)

// SaveCalibration persists a finalized calibration session and its
// per-device summaries in one transaction.
func (s *Store) SaveCalibration(ctx context.Context, session calibration.Session) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save calibration %q: %w", session.ID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO calibration_sessions (
			session_id,
			kind,
			started_at,
			ended_at,
			device_count,
			snapshot_count,
			average_sync_error,
			threshold,
			passed,
			failure
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		string(session.Kind),
		session.StartedAt.UnixMilli(),
		session.EndedAt.UnixMilli(),
		len(session.Devices),
		len(session.Snapshots),
		int64(session.AverageSyncError),
		int64(session.Threshold),
		boolToInt(session.Passed),
		session.Failure,
	); err != nil {
		return fmt.Errorf("insert calibration session %q: %w", session.ID, err)
	}

	ids := make([]string, 0, len(session.Summaries))
	for id := range session.Summaries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sum := session.Summaries[id]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO calibration_offsets (
				session_id,
				device_id,
				median_offset,
				mean_round_trip,
				min_round_trip,
				jitter,
				accepted,
				rejected,
				lost
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID,
			id,
			int64(sum.MedianOffset),
			int64(sum.MeanRoundTrip),
			int64(sum.MinRoundTrip),
			int64(sum.Jitter),
			sum.Accepted,
			sum.Rejected,
			sum.Lost,
		); err != nil {
			return fmt.Errorf("insert calibration offset %q/%q: %w", session.ID, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit calibration %q: %w", session.ID, err)
	}
	return nil
}

// GetCalibration returns one calibration session with its offsets.
func (s *Store) GetCalibration(sessionID string) (*CalibrationRecord, error) {
	if sessionID == "" {
		return nil, errors.New("session_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			session_id,
			kind,
			started_at,
			ended_at,
			device_count,
			snapshot_count,
			average_sync_error,
			threshold,
			passed,
			failure
		FROM calibration_sessions
		WHERE session_id = ?`,
		sessionID,
	)
	record, err := scanCalibration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get calibration %q: %w", sessionID, err)
	}

	rows, err := s.db.Query(
		`SELECT
			device_id,
			median_offset,
			mean_round_trip,
			min_round_trip,
			jitter,
			accepted,
			rejected,
			lost
		FROM calibration_offsets
		WHERE session_id = ?
		ORDER BY device_id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get calibration offsets %q: %w", sessionID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			o                                 CalibrationOffset
			median, meanRTT, minRTT, jitterNs int64
		)
		if err := rows.Scan(&o.DeviceID, &median, &meanRTT, &minRTT, &jitterNs, &o.Accepted, &o.Rejected, &o.Lost); err != nil {
			return nil, fmt.Errorf("scan calibration offset row: %w", err)
		}
		o.MedianOffset = time.Duration(median)
		o.MeanRoundTrip = time.Duration(meanRTT)
		o.MinRoundTrip = time.Duration(minRTT)
		o.Jitter = time.Duration(jitterNs)
		record.Offsets = append(record.Offsets, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calibration offset rows: %w", err)
	}

	return record, nil
}

// ListCalibrations returns calibration headers newest first, without offsets.
func (s *Store) ListCalibrations(limit int) ([]CalibrationRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT
			session_id,
			kind,
			started_at,
			ended_at,
			device_count,
			snapshot_count,
			average_sync_error,
			threshold,
			passed,
			failure
		FROM calibration_sessions
		ORDER BY started_at DESC, session_id ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list calibrations: %w", err)
	}
	defer rows.Close()

	out := make([]CalibrationRecord, 0)
	for rows.Next() {
		record, err := scanCalibration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calibration row: %w", err)
		}
		out = append(out, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calibration rows: %w", err)
	}
	return out, nil
}

type checkRow struct {
	Name       string  `json:"name"`
	Level      string  `json:"level"`
	Passed     bool    `json:"passed"`
	Detail     string  `json:"detail,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

// SaveValidation persists a validation report with its checks as JSON.
func (s *Store) SaveValidation(ctx context.Context, report calibration.Report) error {
	if report.ID == "" {
		return errors.New("report id is required")
	}

	checks := make([]checkRow, 0, len(report.Checks))
	for _, c := range report.Checks {
		checks = append(checks, checkRow{
			Name:       c.Name,
			Level:      string(c.Level),
			Passed:     c.Passed,
			Detail:     c.Detail,
			Error:      c.Err,
			DurationMs: float64(c.Duration) / float64(time.Millisecond),
		})
	}
	encoded, err := json.Marshal(checks)
	if err != nil {
		return fmt.Errorf("encode validation checks: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO validation_reports (
			report_id,
			level,
			started_at,
			ended_at,
			passed,
			checks
		) VALUES (?, ?, ?, ?, ?, ?)`,
		report.ID,
		string(report.Level),
		report.StartedAt.UnixMilli(),
		report.EndedAt.UnixMilli(),
		boolToInt(report.Passed),
		string(encoded),
	); err != nil {
		return fmt.Errorf("insert validation report %q: %w", report.ID, err)
	}
	return nil
}

// ListValidations returns validation reports newest first.
func (s *Store) ListValidations(limit int) ([]ValidationRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT
			report_id,
			level,
			started_at,
			ended_at,
			passed,
			checks
		FROM validation_reports
		ORDER BY started_at DESC, report_id ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list validations: %w", err)
	}
	defer rows.Close()

	out := make([]ValidationRecord, 0)
	for rows.Next() {
		var (
			r      ValidationRecord
			passed int
		)
		if err := rows.Scan(&r.ReportID, &r.Level, &r.StartedAt, &r.EndedAt, &passed, &r.Checks); err != nil {
			return nil, fmt.Errorf("scan validation row: %w", err)
		}
		r.Passed = passed == 1
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate validation rows: %w", err)
	}
	return out, nil
}

func scanCalibration(row scanner) (*CalibrationRecord, error) {
	var (
		record            CalibrationRecord
		avgErr, threshold int64
		passed            int
	)
	if err := row.Scan(
		&record.SessionID,
		&record.Kind,
		&record.StartedAt,
		&record.EndedAt,
		&record.DeviceCount,
		&record.SnapshotCount,
		&avgErr,
		&threshold,
		&passed,
		&record.Failure,
	); err != nil {
		return nil, err
	}
	record.AverageSyncError = time.Duration(avgErr)
	record.Threshold = time.Duration(threshold)
	record.Passed = passed == 1
	return &record, nil
}
