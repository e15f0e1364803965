// Package calibration runs probing campaigns across the fleet and scores
// cross-device clock agreement, and validates release readiness in tiers.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"capsync/coordinator"
	"capsync/dispatch"
	"capsync/protocol"
	"capsync/timesync"
)

const (
	DefaultThreshold     = 50 * time.Millisecond
	DefaultQuickRounds   = 5
	DefaultQuickInterval = 200 * time.Millisecond
	DefaultDuration      = 10 * time.Second
	DefaultProbeInterval = timesync.DefaultProbeInterval
)

var (
	// ErrNoDevices indicates a campaign with no participating device.
	ErrNoDevices = errors.New("calibration: no devices to calibrate")
	// ErrFleetRequired indicates Options without a Fleet.
	ErrFleetRequired = errors.New("calibration: fleet is required")
)

// Fleet is the coordinator surface the engine drives.
type Fleet interface {
	Snapshot() []coordinator.DeviceRecord
	OpenProbeSession(ctx context.Context, ids []string) (coordinator.ProbeSession, error)
	Broadcast(ctx context.Context, ids []string, command protocol.CommandName, params map[string]string, opts ...dispatch.SendOption) dispatch.BroadcastResult
	Mark(ctx context.Context, kind protocol.MarkerKind, label string) (coordinator.MarkReport, error)
}

// Store persists finalized sessions and reports.
type Store interface {
	SaveCalibration(ctx context.Context, session Session) error
	SaveValidation(ctx context.Context, report Report) error
}

// Options configures an Engine. Zero values take defaults.
type Options struct {
	Fleet Fleet
	Store Store

	Threshold     time.Duration
	QuickRounds   int
	QuickInterval time.Duration
	Duration      time.Duration
	ProbeInterval time.Duration
	// StaleAfter is the heartbeat age that fails the freshness check.
	StaleAfter time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Engine runs calibration campaigns and validations.
type Engine struct {
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger
}

// New validates options and returns an engine.
func New(options Options) (*Engine, error) {
	if options.Fleet == nil {
		return nil, ErrFleetRequired
	}
	if options.Threshold <= 0 {
		options.Threshold = DefaultThreshold
	}
	if options.QuickRounds <= 0 {
		options.QuickRounds = DefaultQuickRounds
	}
	if options.QuickInterval <= 0 {
		options.QuickInterval = DefaultQuickInterval
	}
	if options.Duration <= 0 {
		options.Duration = DefaultDuration
	}
	if options.ProbeInterval <= 0 {
		options.ProbeInterval = DefaultProbeInterval
	}
	if options.StaleAfter <= 0 {
		options.StaleAfter = 2 * coordinator.DefaultHeartbeatInterval
	}
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Engine{opts: options, clock: options.Clock, logger: options.Logger}, nil
}

// QuickCheck is a short probing pass intended as a pre-flight gate.
func (e *Engine) QuickCheck(ctx context.Context, ids []string) (Session, error) {
	return e.campaign(ctx, KindQuick, ids, e.opts.QuickRounds, e.opts.QuickInterval)
}

// Comprehensive probes for duration at the probe interval and scores every
// round.
func (e *Engine) Comprehensive(ctx context.Context, ids []string, duration time.Duration) (Session, error) {
	if duration <= 0 {
		duration = e.opts.Duration
	}
	rounds := int(duration / e.opts.ProbeInterval)
	if rounds < 1 {
		rounds = 1
	}
	return e.campaign(ctx, KindComprehensive, ids, rounds, e.opts.ProbeInterval)
}

type deviceTally struct {
	samples  []timesync.Sample
	rejected int
	lost     int
}

// campaign holds a probe session for its whole run and releases it on every
// exit path.
func (e *Engine) campaign(ctx context.Context, kind Kind, ids []string, rounds int, interval time.Duration) (Session, error) {
	ps, err := e.opts.Fleet.OpenProbeSession(ctx, ids)
	if err != nil {
		return Session{}, fmt.Errorf("open probe session: %w", err)
	}
	defer func() {
		if err := ps.Close(); err != nil {
			e.logger.Warn("release probe session", "error", err)
		}
	}()

	devices := ps.Devices()
	if len(devices) == 0 {
		return Session{}, ErrNoDevices
	}

	session := Session{
		ID:        uuid.NewString(),
		Kind:      kind,
		Devices:   devices,
		StartedAt: e.clock.Now(),
		Threshold: e.opts.Threshold,
		Summaries: make(map[string]DeviceSummary, len(devices)),
	}
	logger := e.logger.With("calibration_id", session.ID, "kind", kind)
	logger.Info("calibration started", "devices", len(devices), "rounds", rounds)

	if kind == KindComprehensive {
		if _, err := e.opts.Fleet.Mark(ctx, protocol.MarkerCalibration, session.ID); err != nil {
			logger.Warn("calibration marker", "error", err)
		}
	}

	tallies := make(map[string]*deviceTally, len(devices))
	for _, id := range devices {
		tallies[id] = &deviceTally{}
	}

	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for round := 0; round < rounds; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				return session, ctx.Err()
			case <-ticker.Chan():
			}
		}
		e.probeRound(ctx, ps, tallies)
		if ctx.Err() != nil {
			return session, ctx.Err()
		}

		offsets := make(map[string]time.Duration, len(devices))
		for _, id := range devices {
			est, err := ps.Offset(id)
			if err == nil && est.Valid {
				offsets[id] = est.Offset
			}
		}
		if len(offsets) > 0 {
			session.Snapshots = append(session.Snapshots, newSnapshot(e.clock.Now(), offsets))
		}
	}

	for _, id := range devices {
		t := tallies[id]
		session.Summaries[id] = summarize(id, t.samples, t.rejected, t.lost)
		if len(t.samples) == 0 && session.Failure == "" {
			session.Failure = fmt.Sprintf("device %s yielded no accepted sample", id)
		}
	}

	score, ok := Score(session.Snapshots)
	session.AverageSyncError = score
	switch {
	case session.Failure != "":
	case !ok:
		session.Failure = "no snapshot could be scored"
	default:
		session.Passed = score < session.Threshold
	}
	session.EndedAt = e.clock.Now()

	logger.Info("calibration finished",
		"passed", session.Passed,
		"average_sync_error_ms", session.AverageSyncErrorMs(),
		"failure", session.Failure,
	)
	if e.opts.Store != nil {
		if err := e.opts.Store.SaveCalibration(ctx, session); err != nil {
			logger.Warn("persist calibration", "error", err)
		}
	}
	return session, nil
}

// probeRound probes every device concurrently; the round ends when the
// slowest probe completes or times out.
func (e *Engine) probeRound(ctx context.Context, ps coordinator.ProbeSession, tallies map[string]*deviceTally) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for id, tally := range tallies {
		wg.Add(1)
		go func(id string, tally *deviceTally) {
			defer wg.Done()
			sample, err := ps.Probe(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				tally.samples = append(tally.samples, sample)
			case errors.Is(err, timesync.ErrOutlier):
				tally.rejected++
			case errors.Is(err, timesync.ErrProbeLost):
				tally.lost++
			default:
				e.logger.Debug("probe failed", "device_id", id, "error", err)
				tally.lost++
			}
		}(id, tally)
	}
	wg.Wait()
}
