package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"capsync/dispatch"
	"capsync/events"
	"capsync/network"
	"capsync/protocol"
	"capsync/timesync"
)

var (
	// ErrUnknownDevice indicates a device id that is not registered.
	ErrUnknownDevice = errors.New("coordinator: unknown device")
	// ErrUnidentified indicates a link whose first message has no device id.
	ErrUnidentified = errors.New("coordinator: link did not identify its device")
	// ErrClosed indicates the coordinator has been closed.
	ErrClosed = errors.New("coordinator: closed")
	// ErrSessionActive indicates a session is already running.
	ErrSessionActive = errors.New("coordinator: session already active")
	// ErrNoSession indicates no session is running.
	ErrNoSession = errors.New("coordinator: no active session")
	// ErrSessionAborted indicates a device failed to prepare or start.
	ErrSessionAborted = errors.New("coordinator: session aborted")
)

// Coordinator owns the device registry and the per-device tasks.
type Coordinator struct {
	opts     Options
	logger   *slog.Logger
	bus      *events.Bus
	registry *Registry

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	sessionMu sync.Mutex
	session   *activeSession
}

type activeSession struct {
	id      string
	devices []string
}

// SessionReport collects the broadcast outcomes of a session transition.
type SessionReport struct {
	SessionID string
	Prepare   dispatch.BroadcastResult
	Start     dispatch.BroadcastResult
	Stop      dispatch.BroadcastResult
	// NotReady lists devices that acknowledged CMD_PREPARE but never became
	// READY.
	NotReady []string
}

// MarkReport is the outcome of one sync marker broadcast.
type MarkReport struct {
	MarkerID        string
	Marker          protocol.MarkerKind
	CoordinatorTime int64
	DeviceTimes     map[string]int64
	Failed          map[string]error
}

// New returns a coordinator with no devices.
func New(options Options) *Coordinator {
	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:     opts,
		logger:   opts.Logger.With("coordinator_id", opts.CoordinatorID),
		bus:      opts.Bus,
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the coordinator id.
func (c *Coordinator) ID() string {
	return c.opts.CoordinatorID
}

// Bus returns the event bus every device publishes to.
func (c *Coordinator) Bus() *events.Bus {
	return c.bus
}

// Serve attaches every link received on incoming until ctx is done or
// incoming is closed.
func (c *Coordinator) Serve(ctx context.Context, incoming <-chan network.Link) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		case link, ok := <-incoming:
			if !ok {
				return nil
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if _, err := c.Attach(ctx, link); err != nil {
					c.logger.Warn("link rejected", "remote_addr", link.RemoteAddr(), "error", err)
				}
			}()
		}
	}
}

// Attach waits for the first message of link, registers its device on first
// sight and hands the link to the device task. A device that reconnects has
// its previous link replaced.
func (c *Coordinator) Attach(ctx context.Context, link network.Link) (string, error) {
	if c.ctx.Err() != nil {
		_ = link.Close()
		return "", ErrClosed
	}

	identifyCtx, cancel := context.WithTimeout(ctx, c.opts.IdentifyTimeout)
	defer cancel()

	raw, err := link.Receive(identifyCtx)
	if err != nil {
		_ = link.Close()
		return "", fmt.Errorf("identify %s: %w", link.RemoteAddr(), err)
	}
	first, err := protocol.Decode(raw)
	if err != nil {
		_ = link.Close()
		return "", fmt.Errorf("identify %s: %w", link.RemoteAddr(), err)
	}
	if first.DeviceID == "" {
		_ = link.Close()
		return "", ErrUnidentified
	}

	d, created, err := c.registry.getOrCreate(first.DeviceID, func() (*Device, error) {
		return newDevice(first.DeviceID, c.opts)
	})
	if err != nil {
		_ = link.Close()
		return "", fmt.Errorf("register %s: %w", first.DeviceID, err)
	}
	if created {
		c.logger.Info("device registered", "device_id", first.DeviceID, "remote_addr", link.RemoteAddr())
	}

	c.sessionMu.Lock()
	if c.session != nil && c.session.includes(first.DeviceID) {
		d.setSession(c.session.id)
	}
	c.sessionMu.Unlock()

	d.attach(link, first)
	return first.DeviceID, nil
}

// Send issues command to one device.
func (c *Coordinator) Send(ctx context.Context, deviceID string, command protocol.CommandName, params map[string]string, opts ...dispatch.SendOption) *dispatch.Handle {
	d, ok := c.registry.Get(deviceID)
	if !ok {
		return dispatch.Resolved(dispatch.Result{
			DeviceID: deviceID,
			Command:  command,
			Status:   dispatch.StatusFailed,
			Code:     protocol.ErrNetworkError,
			Reason:   ErrUnknownDevice.Error(),
		})
	}
	return d.Send(ctx, command, params, opts...)
}

// Broadcast issues command to the given devices, or to all of them when ids
// is empty. Unknown ids are reported as failed.
func (c *Coordinator) Broadcast(ctx context.Context, ids []string, command protocol.CommandName, params map[string]string, opts ...dispatch.SendOption) dispatch.BroadcastResult {
	devices, missing := c.resolve(ids)
	targets := make([]dispatch.Target, 0, len(devices))
	for _, d := range devices {
		targets = append(targets, d)
	}

	result := dispatch.Broadcast(ctx, targets, command, params, opts...)
	for _, id := range missing {
		result.Results[id] = dispatch.Result{
			DeviceID: id,
			Command:  command,
			Status:   dispatch.StatusFailed,
			Code:     protocol.ErrNetworkError,
			Reason:   ErrUnknownDevice.Error(),
		}
	}
	return result
}

// StartSession prepares the devices, waits until each reports READY, starts
// recording and stamps the session start into every stream. Continuous clock
// probing runs for the session's devices until EndSession.
func (c *Coordinator) StartSession(ctx context.Context, sessionID string, ids []string) (SessionReport, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	report := SessionReport{SessionID: sessionID}

	c.sessionMu.Lock()
	if c.session != nil {
		c.sessionMu.Unlock()
		return report, ErrSessionActive
	}
	devices, missing := c.resolve(ids)
	if len(missing) > 0 {
		c.sessionMu.Unlock()
		return report, fmt.Errorf("%w: %v", ErrUnknownDevice, missing)
	}
	active := &activeSession{id: sessionID}
	for _, d := range devices {
		active.devices = append(active.devices, d.id)
		d.setSession(sessionID)
	}
	c.session = active
	c.sessionMu.Unlock()

	sub := c.bus.Subscribe(events.OfTypes(events.StateChanged))
	defer sub.Close()

	c.logger.Info("starting session", "session_id", sessionID, "devices", len(devices))
	report.Prepare = c.Broadcast(ctx, active.devices, protocol.CmdPrepare, nil, dispatch.WithSessionID(sessionID))
	if !report.Prepare.OK() {
		c.abortSession()
		return report, fmt.Errorf("%w: prepare failed on %v", ErrSessionAborted, report.Prepare.Failed())
	}

	report.NotReady = c.awaitReady(ctx, sub, devices)
	if len(report.NotReady) > 0 {
		c.abortSession()
		return report, fmt.Errorf("%w: not ready %v", ErrSessionAborted, report.NotReady)
	}

	report.Start = c.Broadcast(ctx, active.devices, protocol.CmdStart, nil, dispatch.WithSessionID(sessionID))
	if !report.Start.OK() {
		c.abortSession()
		return report, fmt.Errorf("%w: start failed on %v", ErrSessionAborted, report.Start.Failed())
	}

	c.sendSessionMarker(devices, protocol.MarkerSessionStart, sessionID)
	if _, err := c.Mark(ctx, protocol.MarkerSessionStart, sessionID); err != nil {
		c.logger.Warn("session start marker", "session_id", sessionID, "error", err)
	}
	for _, d := range devices {
		d.enableProbing(true)
	}
	return report, nil
}

// EndSession stops recording on the session's devices, stamps the session end
// and stops continuous probing.
func (c *Coordinator) EndSession(ctx context.Context) (SessionReport, error) {
	c.sessionMu.Lock()
	active := c.session
	c.sessionMu.Unlock()
	if active == nil {
		return SessionReport{}, ErrNoSession
	}

	report := SessionReport{SessionID: active.id}
	devices, _ := c.resolve(active.devices)

	var recording []string
	for _, d := range devices {
		if d.Snapshot().State == protocol.StateRecording {
			recording = append(recording, d.id)
		}
	}
	if len(recording) > 0 {
		report.Stop = c.Broadcast(ctx, recording, protocol.CmdStop, nil, dispatch.WithSessionID(active.id))
	} else {
		report.Stop = dispatch.BroadcastResult{Results: map[string]dispatch.Result{}}
	}

	if _, err := c.Mark(ctx, protocol.MarkerSessionEnd, active.id); err != nil {
		c.logger.Warn("session end marker", "session_id", active.id, "error", err)
	}
	c.sendSessionMarker(devices, protocol.MarkerSessionEnd, active.id)
	c.abortSession()

	c.logger.Info("session ended", "session_id", active.id, "stopped", len(recording))
	if !report.Stop.OK() {
		return report, fmt.Errorf("%w: stop failed on %v", ErrSessionAborted, report.Stop.Failed())
	}
	return report, nil
}

// ActiveSession returns the running session id, if any.
func (c *Coordinator) ActiveSession() (string, bool) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.session == nil {
		return "", false
	}
	return c.session.id, true
}

// Mark injects a sync marker into the stream of every connected device. Each
// device receives the coordinator time translated by its current offset.
func (c *Coordinator) Mark(ctx context.Context, kind protocol.MarkerKind, label string) (MarkReport, error) {
	if !kind.Valid() {
		return MarkReport{}, fmt.Errorf("coordinator: unknown marker kind %q", kind)
	}
	if err := ctx.Err(); err != nil {
		return MarkReport{}, err
	}

	now := c.opts.Clock.Now().UnixNano()
	report := MarkReport{
		MarkerID:        uuid.NewString(),
		Marker:          kind,
		CoordinatorTime: now,
		DeviceTimes:     make(map[string]int64),
		Failed:          make(map[string]error),
	}

	for _, d := range c.registry.Devices() {
		snap := d.Snapshot()
		if snap.State == protocol.StateDisconnected {
			continue
		}
		deviceTime := now + int64(snap.Offset.Offset)
		msg, err := protocol.Create(protocol.KindSyncMarker, protocol.SyncMarker{
			MarkerID:        report.MarkerID,
			Marker:          kind,
			Label:           label,
			CoordinatorTime: now,
			DeviceTime:      deviceTime,
		},
			protocol.WithDeviceID(d.id),
			protocol.WithSessionID(snap.SessionID),
			protocol.WithClock(c.opts.Clock),
		)
		if err != nil {
			return report, err
		}
		if err := d.SendMessage(msg); err != nil {
			report.Failed[d.id] = err
			continue
		}
		report.DeviceTimes[d.id] = deviceTime
	}
	return report, nil
}

// Remove cancels the device task and forgets the device. A final
// device_removed event is published after the task has stopped.
func (c *Coordinator) Remove(deviceID string) bool {
	d, ok := c.registry.remove(deviceID)
	if !ok {
		return false
	}
	d.Close()
	c.logger.Info("device removed", "device_id", deviceID)
	c.bus.Publish(events.Event{
		Type:     events.DeviceRemoved,
		DeviceID: deviceID,
		At:       c.opts.Clock.Now(),
	})
	return true
}

// CurrentOffset returns the offset estimate of one device.
func (c *Coordinator) CurrentOffset(deviceID string) (timesync.Estimate, error) {
	d, ok := c.registry.Get(deviceID)
	if !ok {
		return timesync.Estimate{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return d.estimator.Current(), nil
}

// Device returns the snapshot of one device.
func (c *Coordinator) Device(deviceID string) (DeviceRecord, bool) {
	d, ok := c.registry.Get(deviceID)
	if !ok {
		return DeviceRecord{}, false
	}
	return d.Snapshot(), true
}

// Snapshot returns every device record ordered by device id.
func (c *Coordinator) Snapshot() []DeviceRecord {
	devices := c.registry.Devices()
	out := make([]DeviceRecord, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Snapshot())
	}
	return out
}

// SetDisplayName names a registered device.
func (c *Coordinator) SetDisplayName(deviceID, name string) bool {
	d, ok := c.registry.Get(deviceID)
	if !ok {
		return false
	}
	d.setDisplayName(name)
	return true
}

// CheckLiveness runs a heartbeat check on every device and waits for it.
func (c *Coordinator) CheckLiveness() {
	for _, d := range c.registry.Devices() {
		d.sweep()
	}
}

// Close stops every device task. The bus is left open for its owner.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		for _, d := range c.registry.drain() {
			d.Close()
		}
	})
}

func (c *Coordinator) resolve(ids []string) ([]*Device, []string) {
	if len(ids) == 0 {
		return c.registry.Devices(), nil
	}
	var (
		devices []*Device
		missing []string
	)
	for _, id := range ids {
		if d, ok := c.registry.Get(id); ok {
			devices = append(devices, d)
		} else {
			missing = append(missing, id)
		}
	}
	return devices, missing
}

// awaitReady waits until every device is READY, or has left PREPARING for
// another state, or ctx is done. It returns the devices that are not READY.
func (c *Coordinator) awaitReady(ctx context.Context, sub *events.Subscription, devices []*Device) []string {
	pending := make(map[string]bool)
	for _, d := range devices {
		if d.Snapshot().State == protocol.StatePreparing {
			pending[d.id] = true
		}
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return notReady(devices)
		case e, ok := <-sub.C():
			if !ok {
				return notReady(devices)
			}
			if pending[e.DeviceID] && e.PrevState == protocol.StatePreparing {
				delete(pending, e.DeviceID)
			}
		}
	}
	return notReady(devices)
}

func notReady(devices []*Device) []string {
	var out []string
	for _, d := range devices {
		if d.Snapshot().State != protocol.StateReady {
			out = append(out, d.id)
		}
	}
	return out
}

func (c *Coordinator) abortSession() {
	c.sessionMu.Lock()
	active := c.session
	c.session = nil
	c.sessionMu.Unlock()
	if active == nil {
		return
	}

	devices, _ := c.resolve(active.devices)
	for _, d := range devices {
		d.enableProbing(false)
		d.setSession("")
	}
}

func (c *Coordinator) sendSessionMarker(devices []*Device, kind protocol.MarkerKind, sessionID string) {
	timestamp := c.opts.Clock.Now().UnixMilli()
	for _, d := range devices {
		msg, err := protocol.Create(protocol.KindSessionMarker,
			protocol.SessionMarker{Marker: kind, SessionID: sessionID, Timestamp: timestamp},
			protocol.WithDeviceID(d.id),
			protocol.WithSessionID(sessionID),
			protocol.WithClock(c.opts.Clock),
		)
		if err != nil {
			c.logger.Error("build session marker", "error", err)
			return
		}
		if err := d.SendMessage(msg); err != nil {
			c.logger.Warn("session marker not delivered", "device_id", d.id, "error", err)
		}
	}
}

func (s *activeSession) includes(deviceID string) bool {
	for _, id := range s.devices {
		if id == deviceID {
			return true
		}
	}
	return false
}
