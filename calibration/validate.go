package calibration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"capsync/coordinator"
	"capsync/protocol"
)

// Level selects how much a validation run checks. Each level runs every check
// of the levels below it.
type Level string

const (
	LevelBasic         Level = "BASIC"
	LevelComprehensive Level = "COMPREHENSIVE"
	LevelProduction    Level = "PRODUCTION"
)

// ParseLevel accepts a level name in any case.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToUpper(strings.TrimSpace(s))); l {
	case LevelBasic, LevelComprehensive, LevelProduction:
		return l, nil
	default:
		return "", fmt.Errorf("calibration: unknown validation level %q", s)
	}
}

func (l Level) rank() int {
	switch l {
	case LevelBasic:
		return 1
	case LevelComprehensive:
		return 2
	case LevelProduction:
		return 3
	default:
		return 0
	}
}

// Check is the outcome of one validation component.
type Check struct {
	Name     string
	Level    Level
	Passed   bool
	Detail   string
	Err      string
	Duration time.Duration
}

// Report is a complete validation run. Every check of the level is present,
// whatever happened to the others.
type Report struct {
	ID        string
	Level     Level
	StartedAt time.Time
	EndedAt   time.Time
	Checks    []Check
	Sessions  []Session
	Passed    bool
}

// Failed returns the names of failed checks.
func (r Report) Failed() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

type checkFunc func(ctx context.Context) (detail string, err error)

type checkSpec struct {
	name  string
	level Level
	run   checkFunc
}

// Validate runs every check up to level. A failing, erroring or panicking
// check is recorded and the run continues; the result is the AND of all
// checks.
func (e *Engine) Validate(ctx context.Context, level Level) (Report, error) {
	if level.rank() == 0 {
		return Report{}, fmt.Errorf("calibration: unknown validation level %q", level)
	}

	report := Report{
		ID:        uuid.NewString(),
		Level:     level,
		StartedAt: e.clock.Now(),
	}
	logger := e.logger.With("validation_id", report.ID, "level", level)

	for _, spec := range e.checks(&report) {
		if spec.level.rank() > level.rank() {
			continue
		}
		check := e.runCheck(ctx, spec)
		if !check.Passed {
			logger.Warn("validation check failed", "check", check.Name, "detail", check.Detail, "error", check.Err)
		}
		report.Checks = append(report.Checks, check)
	}

	report.Passed = len(report.Checks) > 0
	for _, c := range report.Checks {
		report.Passed = report.Passed && c.Passed
	}
	report.EndedAt = e.clock.Now()
	logger.Info("validation finished", "passed", report.Passed, "checks", len(report.Checks))

	if e.opts.Store != nil {
		if err := e.opts.Store.SaveValidation(ctx, report); err != nil {
			logger.Warn("persist validation", "error", err)
		}
	}
	return report, nil
}

func (e *Engine) runCheck(ctx context.Context, spec checkSpec) (check Check) {
	check = Check{Name: spec.name, Level: spec.level}
	started := e.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			check.Passed = false
			check.Err = fmt.Sprintf("panic: %v", r)
		}
		check.Duration = e.clock.Since(started)
	}()

	detail, err := spec.run(ctx)
	check.Detail = detail
	if err != nil {
		check.Err = err.Error()
		return check
	}
	check.Passed = true
	return check
}

func (e *Engine) checks(report *Report) []checkSpec {
	return []checkSpec{
		{"connectivity", LevelBasic, e.checkConnectivity},
		{"quick_check", LevelBasic, func(ctx context.Context) (string, error) {
			session, err := e.QuickCheck(ctx, nil)
			if err != nil {
				return "", err
			}
			report.Sessions = append(report.Sessions, session)
			return verdict(session)
		}},
		{"calibration", LevelComprehensive, func(ctx context.Context) (string, error) {
			session, err := e.Comprehensive(ctx, nil, e.opts.Duration)
			if err != nil {
				return "", err
			}
			report.Sessions = append(report.Sessions, session)
			return verdict(session)
		}},
		{"device_states", LevelProduction, e.eachDevice(func(r coordinator.DeviceRecord) string {
			if r.State == protocol.StateError || r.State == protocol.StateDisconnected {
				return string(r.State)
			}
			return ""
		})},
		{"heartbeat_freshness", LevelProduction, func(ctx context.Context) (string, error) {
			now := e.clock.Now()
			return e.eachDevice(func(r coordinator.DeviceRecord) string {
				if age := now.Sub(r.LastHeartbeat); age > e.opts.StaleAfter {
					return fmt.Sprintf("heartbeat %s old", age.Round(time.Millisecond))
				}
				return ""
			})(ctx)
		}},
		{"protocol_version", LevelProduction, e.eachDevice(func(r coordinator.DeviceRecord) string {
			if r.ProtocolVersion != protocol.ProtocolVersion {
				return fmt.Sprintf("speaks version %d", r.ProtocolVersion)
			}
			return ""
		})},
		{"error_counters", LevelProduction, e.eachDevice(func(r coordinator.DeviceRecord) string {
			if r.ErrorCount > 0 {
				return fmt.Sprintf("%d errors, last %q", r.ErrorCount, r.LastError)
			}
			return ""
		})},
		{"sync_health", LevelProduction, e.eachDevice(func(r coordinator.DeviceRecord) string {
			if r.SyncDegraded {
				return "clock sync degraded"
			}
			return ""
		})},
	}
}

func (e *Engine) checkConnectivity(ctx context.Context) (string, error) {
	records := e.opts.Fleet.Snapshot()
	if len(records) == 0 {
		return "", ErrNoDevices
	}

	var (
		live    []string
		offline []string
	)
	for _, r := range records {
		if r.State == protocol.StateDisconnected {
			offline = append(offline, r.DeviceID)
		} else {
			live = append(live, r.DeviceID)
		}
	}
	if len(live) == 0 {
		return "", fmt.Errorf("all %d devices disconnected", len(records))
	}

	result := e.opts.Fleet.Broadcast(ctx, live, protocol.CmdStatus, nil)
	failed := append(offline, result.Failed()...)
	detail := fmt.Sprintf("%d/%d devices answered", len(records)-len(failed), len(records))
	if len(failed) > 0 {
		return detail, fmt.Errorf("unreachable: %s", strings.Join(failed, ", "))
	}
	return detail, nil
}

// verdict turns a finished session into a check outcome.
func verdict(s Session) (string, error) {
	detail := fmt.Sprintf("average sync error %.2f ms over %d snapshots (threshold %s)",
		s.AverageSyncErrorMs(), len(s.Snapshots), s.Threshold)
	if s.Failure != "" {
		return detail, errors.New(s.Failure)
	}
	if !s.Passed {
		return detail, fmt.Errorf("average sync error %.2f ms exceeds threshold", s.AverageSyncErrorMs())
	}
	return detail, nil
}

// eachDevice builds a check that fails when problem reports a reason for any
// registered device.
func (e *Engine) eachDevice(problem func(coordinator.DeviceRecord) string) checkFunc {
	return func(ctx context.Context) (string, error) {
		records := e.opts.Fleet.Snapshot()
		if len(records) == 0 {
			return "", ErrNoDevices
		}
		var issues []string
		for _, r := range records {
			if p := problem(r); p != "" {
				issues = append(issues, r.DeviceID+": "+p)
			}
		}
		detail := fmt.Sprintf("%d devices checked", len(records))
		if len(issues) > 0 {
			return detail, errors.New(strings.Join(issues, "; "))
		}
		return detail, nil
	}
}
