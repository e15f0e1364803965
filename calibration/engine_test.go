package calibration

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capsync/coordinator"
	"capsync/dispatch"
	"capsync/protocol"
	"capsync/timesync"
)

type fakeFleet struct {
	mu      sync.Mutex
	records []coordinator.DeviceRecord
	offsets map[string]time.Duration
	silent  map[string]bool

	panicOnBroadcast bool
	opened           int
	closed           int
	marks            []protocol.MarkerKind
}

func newFakeFleet(offsetsMs map[string]int) *fakeFleet {
	f := &fakeFleet{offsets: make(map[string]time.Duration), silent: make(map[string]bool)}
	now := time.Now()
	for id, ms := range offsetsMs {
		f.offsets[id] = time.Duration(ms) * time.Millisecond
		f.records = append(f.records, coordinator.DeviceRecord{
			DeviceID:        id,
			State:           protocol.StateIdle,
			Connected:       true,
			ProtocolVersion: protocol.ProtocolVersion,
			LastHeartbeat:   now,
		})
	}
	return f
}

func (f *fakeFleet) Snapshot() []coordinator.DeviceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coordinator.DeviceRecord(nil), f.records...)
}

func (f *fakeFleet) OpenProbeSession(ctx context.Context, ids []string) (coordinator.ProbeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	s := &fakeProbeSession{fleet: f, seen: make(map[string]int64)}
	for id := range f.offsets {
		s.ids = append(s.ids, id)
	}
	return s, nil
}

func (f *fakeFleet) Broadcast(ctx context.Context, ids []string, command protocol.CommandName, params map[string]string, opts ...dispatch.SendOption) dispatch.BroadcastResult {
	if f.panicOnBroadcast {
		panic("radio on fire")
	}
	result := dispatch.BroadcastResult{Results: make(map[string]dispatch.Result)}
	for _, id := range ids {
		result.Results[id] = dispatch.Result{DeviceID: id, Command: command, Status: dispatch.StatusSuccess}
	}
	return result
}

func (f *fakeFleet) Mark(ctx context.Context, kind protocol.MarkerKind, label string) (coordinator.MarkReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, kind)
	return coordinator.MarkReport{Marker: kind}, nil
}

type fakeProbeSession struct {
	fleet *fakeFleet
	ids   []string

	mu   sync.Mutex
	seq  uint64
	seen map[string]int64
}

func (s *fakeProbeSession) Devices() []string { return s.ids }

func (s *fakeProbeSession) Probe(ctx context.Context, deviceID string) (timesync.Sample, error) {
	if err := ctx.Err(); err != nil {
		return timesync.Sample{}, err
	}
	if s.fleet.silent[deviceID] {
		return timesync.Sample{}, timesync.ErrProbeLost
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.seen[deviceID]++

	offset := s.fleet.offsets[deviceID].Nanoseconds()
	send := int64(1_000_000_000) * int64(s.seq)
	return timesync.Sample{
		Sequence:      s.seq,
		ClientSend:    send,
		ServerReceive: send + offset + 500_000,
		ServerSend:    send + offset + 500_000,
		ClientReceive: send + 1_000_000,
	}, nil
}

func (s *fakeProbeSession) Offset(deviceID string) (timesync.Estimate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[deviceID] == 0 {
		return timesync.Estimate{}, nil
	}
	return timesync.Estimate{Offset: s.fleet.offsets[deviceID], SampleCount: int(s.seen[deviceID]), Valid: true}, nil
}

func (s *fakeProbeSession) Stats(deviceID string) (timesync.Stats, error) {
	return timesync.Stats{}, nil
}

func (s *fakeProbeSession) Close() error {
	s.fleet.mu.Lock()
	defer s.fleet.mu.Unlock()
	s.fleet.closed++
	return nil
}

type memoryStore struct {
	mu       sync.Mutex
	sessions []Session
	reports  []Report
}

func (m *memoryStore) SaveCalibration(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, s)
	return nil
}

func (m *memoryStore) SaveValidation(ctx context.Context, r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func newEngine(t *testing.T, fleet Fleet, store Store) *Engine {
	t.Helper()
	e, err := New(Options{
		Fleet:         fleet,
		Store:         store,
		QuickInterval: time.Millisecond,
		ProbeInterval: time.Millisecond,
		Duration:      10 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return e
}

func TestSyncErrorOfThreeDevices(t *testing.T) {
	median, spread := SyncError([]time.Duration{5 * time.Millisecond, 15 * time.Millisecond, -10 * time.Millisecond})
	assert.Equal(t, 5*time.Millisecond, median)
	assert.InDelta(t, 8.333, float64(spread)/float64(time.Millisecond), 0.001)
	assert.Less(t, spread, DefaultThreshold)
}

func TestScoreAveragesSnapshots(t *testing.T) {
	score, ok := Score([]Snapshot{{Spread: 10 * time.Millisecond}, {Spread: 20 * time.Millisecond}})
	require.True(t, ok)
	assert.Equal(t, 15*time.Millisecond, score)

	_, ok = Score(nil)
	assert.False(t, ok)
}

func TestQuickCheckPasses(t *testing.T) {
	fleet := newFakeFleet(map[string]int{"cam-1": 5, "cam-2": 15, "cam-3": -10})
	store := &memoryStore{}
	e := newEngine(t, fleet, store)

	session, err := e.QuickCheck(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, KindQuick, session.Kind)
	assert.True(t, session.Passed)
	assert.Empty(t, session.Failure)
	assert.Len(t, session.Snapshots, DefaultQuickRounds)
	assert.InDelta(t, 8.333, session.AverageSyncErrorMs(), 0.001)
	assert.ElementsMatch(t, []string{"cam-1", "cam-2", "cam-3"}, session.Devices)

	summary := session.Summaries["cam-2"]
	assert.Equal(t, DefaultQuickRounds, summary.Accepted)
	assert.Equal(t, 15*time.Millisecond, summary.MedianOffset)
	assert.Equal(t, time.Millisecond, summary.MinRoundTrip)
	assert.Equal(t, time.Duration(0), summary.Jitter)

	assert.Equal(t, 1, fleet.opened)
	assert.Equal(t, 1, fleet.closed)
	require.Len(t, store.sessions, 1)
	assert.Equal(t, session.ID, store.sessions[0].ID)
}

func TestComprehensiveFailsWhenADeviceYieldsNoSample(t *testing.T) {
	fleet := newFakeFleet(map[string]int{"cam-1": 0, "cam-2": 3, "cam-3": 0})
	fleet.silent["cam-3"] = true
	e := newEngine(t, fleet, nil)

	session, err := e.Comprehensive(context.Background(), nil, 5*time.Millisecond)
	require.NoError(t, err)

	assert.False(t, session.Passed)
	assert.Contains(t, session.Failure, "cam-3")
	assert.Equal(t, 5, session.Summaries["cam-3"].Lost)
	assert.Equal(t, []protocol.MarkerKind{protocol.MarkerCalibration}, fleet.marks)
	assert.Equal(t, 1, fleet.closed)
}

func TestComprehensiveFailsAboveThreshold(t *testing.T) {
	fleet := newFakeFleet(map[string]int{"cam-1": 0, "cam-2": 200, "cam-3": -200})
	e := newEngine(t, fleet, nil)

	session, err := e.Comprehensive(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.False(t, session.Passed)
	assert.Empty(t, session.Failure)
	assert.Greater(t, session.AverageSyncError, DefaultThreshold)
}

func TestCampaignReleasesProbeSessionOnCancel(t *testing.T) {
	fleet := newFakeFleet(map[string]int{"cam-1": 0})
	e := newEngine(t, fleet, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.QuickCheck(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fleet.closed)
}

func TestValidateTiersCompose(t *testing.T) {
	fleet := newFakeFleet(map[string]int{"cam-1": 2, "cam-2": -2})
	e := newEngine(t, fleet, nil)

	cases := []struct {
		level  Level
		checks []string
	}{
		{LevelBasic, []string{"connectivity", "quick_check"}},
		{LevelComprehensive, []string{"connectivity", "quick_check", "calibration"}},
		{LevelProduction, []string{
			"connectivity", "quick_check", "calibration",
			"device_states", "heartbeat_freshness", "protocol_version", "error_counters", "sync_health",
		}},
	}
	for _, c := range cases {
		t.Run(string(c.level), func(t *testing.T) {
			report, err := e.Validate(context.Background(), c.level)
			require.NoError(t, err)

			var names []string
			for _, check := range report.Checks {
				names = append(names, check.Name)
			}
			assert.Equal(t, c.checks, names)
			assert.True(t, report.Passed, "failed: %v", report.Failed())
		})
	}
}

func TestValidateRecordsFailuresAndPanicsWithoutAborting(t *testing.T) {
	fleet := newFakeFleet(map[string]int{"cam-1": 1, "cam-2": 4})
	fleet.panicOnBroadcast = true
	fleet.records[0].ErrorCount = 2
	fleet.records[0].LastError = "HARDWARE_ERROR: thermal sensor"
	store := &memoryStore{}
	e := newEngine(t, fleet, store)

	report, err := e.Validate(context.Background(), LevelProduction)
	require.NoError(t, err)

	assert.False(t, report.Passed)
	assert.Len(t, report.Checks, 8)
	assert.ElementsMatch(t, []string{"connectivity", "error_counters"}, report.Failed())

	assert.Contains(t, report.Checks[0].Err, "panic")
	assert.True(t, report.Checks[1].Passed)
	assert.Len(t, report.Sessions, 2)
	assert.Equal(t, fleet.opened, fleet.closed)

	require.Len(t, store.reports, 1)
	assert.Equal(t, report.ID, store.reports[0].ID)
}

func TestValidateWithNoDevicesFailsEveryCheck(t *testing.T) {
	e := newEngine(t, newFakeFleet(nil), nil)

	report, err := e.Validate(context.Background(), LevelBasic)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Equal(t, []string{"connectivity", "quick_check"}, report.Failed())
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(" production ")
	require.NoError(t, err)
	assert.Equal(t, LevelProduction, l)

	_, err = ParseLevel("exhaustive")
	assert.Error(t, err)

	_, err = newEngine(t, newFakeFleet(nil), nil).Validate(context.Background(), Level("nope"))
	assert.Error(t, err)
}

func TestNewRequiresFleet(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrFleetRequired)
}
