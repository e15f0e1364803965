package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"capsync/dispatch"
	"capsync/events"
	"capsync/network"
	"capsync/protocol"
	"capsync/session"
	"capsync/timesync"
)

// ErrNotConnected indicates the device has no live link.
var ErrNotConnected = errors.New("coordinator: device not connected")

type inputKind int

const (
	inputMessage inputKind = iota
	inputMalformed
	inputResolved
	inputAttach
	inputLinkClosed
	inputSetName
	inputSetSession
	inputSweep
)

type input struct {
	kind   inputKind
	msg    protocol.Message
	err    error
	result dispatch.Result
	link   network.Link
	text   string
	done   chan struct{}
}

// gatedPublisher drops events once the owning device is cancelled.
type gatedPublisher struct {
	ctx  context.Context
	next events.Publisher
}

func (g gatedPublisher) Publish(e events.Event) {
	if g.ctx.Err() != nil {
		return
	}
	g.next.Publish(e)
}

// Device is the supervised task of one capture node.
type Device struct {
	id        string
	opts      Options
	clock     clockwork.Clock
	logger    *slog.Logger
	publisher events.Publisher

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	inbox     chan input

	snapshot atomic.Pointer[DeviceRecord]

	linkMu sync.RWMutex
	link   network.Link

	dispatcher *dispatch.Dispatcher
	estimator  *timesync.Estimator
	prober     *timesync.Prober

	probeMu     sync.Mutex
	probeCancel context.CancelFunc
	probeHolds  int
	wantProbing atomic.Bool

	// Owned by run.
	machine       *session.Machine
	record        DeviceRecord
	prepareTimer  clockwork.Timer
	statusAskedAt time.Time
	// readyEarly holds a DEVICE_READY that overtook its CMD_PREPARE ack.
	readyEarly bool
}

func newDevice(id string, opts Options) (*Device, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		id:        id,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger.With("device_id", id),
		publisher: gatedPublisher{ctx: ctx, next: opts.Bus},
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		inbox:     make(chan input, 256),
		machine:   session.NewMachine(),
		record: DeviceRecord{
			DeviceID: id,
			State:    protocol.StateDisconnected,
		},
	}

	d.estimator = timesync.NewEstimator(timesync.EstimatorOptions{
		Window:          opts.SyncWindow,
		OutlierFactor:   opts.OutlierFactor,
		MissedThreshold: opts.MissedThreshold,
		Policy:          opts.OffsetPolicy,
		Clock:           opts.Clock,
	})

	prober, err := timesync.NewProber(timesync.ProberOptions{
		DeviceID:  id,
		Send:      d.send,
		Estimator: d.estimator,
		Interval:  opts.ProbeInterval,
		Timeout:   opts.ProbeTimeout,
		Clock:     opts.Clock,
		Publisher: d.publisher,
		Logger:    opts.Logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	d.prober = prober

	dispatcher, err := dispatch.New(dispatch.Options{
		DeviceID:   id,
		Send:       d.send,
		Timeout:    opts.CommandTimeout,
		MaxRetries: opts.MaxRetries,
		Clock:      opts.Clock,
		Publisher:  d.publisher,
		Logger:     opts.Logger,
		Gate:       d.gate,
		OnResolved: d.onResolved,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	d.dispatcher = dispatcher

	d.snapshot.Store(d.record.clone())
	go d.run()
	return d, nil
}

// DeviceID returns the stable device identity.
func (d *Device) DeviceID() string {
	return d.id
}

// Snapshot returns the current immutable view of the device.
func (d *Device) Snapshot() DeviceRecord {
	record := *d.snapshot.Load()
	record.Offset = d.estimator.Current()
	record.SyncDegraded = d.estimator.Degraded()
	record.Probing = d.isProbing()
	return record
}

// Send queues a command through the device's dispatcher. The attached session
// id is added unless an option overrides it.
func (d *Device) Send(ctx context.Context, command protocol.CommandName, params map[string]string, opts ...dispatch.SendOption) *dispatch.Handle {
	if sessionID := d.snapshot.Load().SessionID; sessionID != "" {
		opts = append([]dispatch.SendOption{dispatch.WithSessionID(sessionID)}, opts...)
	}
	return d.dispatcher.Send(ctx, command, params, opts...)
}

// Probe runs one clock probe outside the continuous schedule.
func (d *Device) Probe(ctx context.Context) (timesync.Sample, error) {
	return d.prober.Probe(ctx)
}

// SyncStats returns a copy of the accepted-sample window and counters.
func (d *Device) SyncStats() timesync.Stats {
	return d.estimator.Stats()
}

// SendMessage transmits a message that needs no acknowledgment tracking.
func (d *Device) SendMessage(msg protocol.Message) error {
	return d.send(msg)
}

// Close cancels the task, its timers and pending retries. No events are
// published for the device afterwards.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		d.cancel()
		d.dispatcher.Close()
		<-d.done
		d.stopProbing()

		d.linkMu.Lock()
		link := d.link
		d.link = nil
		d.linkMu.Unlock()
		if link != nil {
			_ = link.Close()
		}
	})
}

func (d *Device) attach(link network.Link, first protocol.Message) {
	d.post(input{kind: inputAttach, link: link})
	d.post(input{kind: inputMessage, msg: first})
}

func (d *Device) setDisplayName(name string) {
	d.post(input{kind: inputSetName, text: name})
}

func (d *Device) setSession(sessionID string) {
	d.post(input{kind: inputSetSession, text: sessionID})
}

// sweep runs a liveness check on the task and waits for it.
func (d *Device) sweep() {
	done := make(chan struct{})
	if !d.post(input{kind: inputSweep, done: done}) {
		return
	}
	select {
	case <-done:
	case <-d.ctx.Done():
	}
}

func (d *Device) post(in input) bool {
	select {
	case d.inbox <- in:
		return true
	case <-d.ctx.Done():
		return false
	}
}

func (d *Device) send(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind, err)
	}

	d.linkMu.RLock()
	link := d.link
	d.linkMu.RUnlock()
	if link == nil {
		return ErrNotConnected
	}
	return link.Send(raw)
}

func (d *Device) gate(command protocol.CommandName) error {
	return session.Permits(d.snapshot.Load().State, command)
}

// onResolved runs on the dispatcher worker. It hands the result to the task
// and waits until the resulting transition has been applied.
func (d *Device) onResolved(result dispatch.Result) {
	done := make(chan struct{})
	if !d.post(input{kind: inputResolved, result: result, done: done}) {
		return
	}
	select {
	case <-done:
	case <-d.ctx.Done():
	}
}

func (d *Device) run() {
	defer close(d.done)

	ticker := d.clock.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()
	defer d.stopPrepareTimer()

	for {
		var prepareC <-chan time.Time
		if d.prepareTimer != nil {
			prepareC = d.prepareTimer.Chan()
		}

		select {
		case <-d.ctx.Done():
			return
		case in := <-d.inbox:
			d.handle(in)
		case <-ticker.Chan():
			d.checkLiveness()
		case <-prepareC:
			d.prepareTimer = nil
			d.fire(session.PrepareTimeout, "no DEVICE_READY before prepare timeout")
		}
		d.snapshot.Store(d.record.clone())
	}
}

func (d *Device) handle(in input) {
	switch in.kind {
	case inputMessage:
		d.observe(in.msg)
	case inputMalformed:
		d.record.ErrorCount++
		d.record.LastError = in.err.Error()
		d.logger.Warn("malformed message", "error", in.err)
		d.publish(events.Event{Type: events.MalformedMessage, Err: in.err, Detail: in.err.Error()})
		d.fire(session.Fault, "malformed message")
	case inputResolved:
		d.applyResult(in.result)
		// Publish before the dispatcher resolves the caller's handle.
		d.snapshot.Store(d.record.clone())
		close(in.done)
	case inputAttach:
		d.attachLink(in.link)
	case inputLinkClosed:
		d.detachLink(in.link)
	case inputSetName:
		d.record.DisplayName = in.text
	case inputSetSession:
		d.record.SessionID = in.text
	case inputSweep:
		d.checkLiveness()
		d.snapshot.Store(d.record.clone())
		close(in.done)
	}
}

func (d *Device) observe(msg protocol.Message) {
	now := d.clock.Now()
	if d.record.FirstSeen.IsZero() {
		d.record.FirstSeen = now
	}
	d.record.LastSeen = now

	if msg.ProtocolVersion != d.record.ProtocolVersion {
		d.record.ProtocolVersion = msg.ProtocolVersion
		if msg.VersionMismatch() {
			d.logger.Warn("protocol version mismatch", "version", msg.ProtocolVersion, "supported", protocol.ProtocolVersion)
			d.publish(events.Event{
				Type:    events.VersionMismatch,
				Version: msg.ProtocolVersion,
				Detail:  fmt.Sprintf("device speaks protocol %d, coordinator %d", msg.ProtocolVersion, protocol.ProtocolVersion),
			})
		}
	}

	if d.record.State == protocol.StateDisconnected {
		d.record.LastHeartbeat = now
		d.record.MissedHeartbeats = 0
		if d.fire(session.MessageObserved, "message observed") && d.wantProbing.Load() {
			d.startProbing()
		}
	}

	switch p := msg.Payload.(type) {
	case protocol.Heartbeat:
		d.record.LastHeartbeat = now
		d.record.MissedHeartbeats = 0
		d.record.BatteryPercent = p.BatteryPercent
		d.publish(events.Event{Type: events.HeartbeatSeen, State: p.State, Sequence: p.Sequence})
		d.reply(protocol.KindHeartbeatAck, protocol.HeartbeatAck{Sequence: p.Sequence, ReceivedAt: now.UnixMilli()})
		if p.State == protocol.StateError && d.record.State != protocol.StateError {
			d.fire(session.Fault, "device reports ERROR")
		}
	case protocol.CommandAck, protocol.CommandNack:
		if !d.dispatcher.HandleAck(msg) {
			d.logger.Debug("unmatched command acknowledgment", "message_id", msg.ID())
		}
	case protocol.SyncPong:
		if !d.prober.HandlePong(p) {
			d.logger.Debug("late or unknown sync pong", "sequence", p.Sequence)
		}
	case protocol.DeviceReady:
		d.record.Modalities = append([]string(nil), p.Modalities...)
		if d.record.DisplayName == "" {
			d.record.DisplayName = p.DeviceName
		}
		d.stopPrepareTimer()
		switch d.record.State {
		case protocol.StatePreparing:
			d.fire(session.DeviceReady, "device ready")
		case protocol.StateIdle:
			if cmd, ok := d.dispatcher.InFlight(); ok && cmd == protocol.CmdPrepare {
				d.readyEarly = true
			}
		}
	case protocol.StatusResponse:
		d.record.LastStatus = p
		d.record.HasLastStatus = true
		d.record.BatteryPercent = p.BatteryPercent
		if d.record.State == protocol.StateStopping && p.State == protocol.StateIdle {
			d.fire(session.StoppedConfirmed, "status confirms stopped")
		}
	case protocol.ErrorReport:
		d.record.ErrorCount++
		d.record.LastError = fmt.Sprintf("%s: %s", p.Code, p.Message)
		d.logger.Warn("device reported error", "code", p.Code, "message", p.Message)
		d.publish(events.Event{Type: events.DeviceError, Code: p.Code, Detail: p.Message})
		d.fire(session.Fault, "device error "+string(p.Code))
	case protocol.Ping:
		d.reply(protocol.KindPong, protocol.Pong{Nonce: p.Nonce})
	default:
		d.logger.Debug("ignoring message", "type", msg.Kind)
	}
}

func (d *Device) applyResult(result dispatch.Result) {
	readyEarly := d.readyEarly && result.Command == protocol.CmdPrepare
	if result.Command == protocol.CmdPrepare {
		d.readyEarly = false
	}
	if result.OK() {
		if trigger, ok := session.AckTrigger(result.Command); ok {
			d.fire(trigger, string(result.Command)+" acknowledged")
		}
		if readyEarly && d.record.State == protocol.StatePreparing {
			d.fire(session.DeviceReady, "device ready")
		}
		return
	}
	if result.Exhausted {
		d.record.ErrorCount++
		d.record.LastError = result.Reason
		d.fire(session.Fault, fmt.Sprintf("%s dispatch exhausted", result.Command))
	}
}

func (d *Device) attachLink(link network.Link) {
	d.linkMu.Lock()
	old := d.link
	d.link = link
	d.linkMu.Unlock()
	if old != nil && old != link {
		_ = old.Close()
	}

	d.record.Connected = true
	d.record.RemoteAddr = link.RemoteAddr()
	d.logger.Info("device link attached", "remote_addr", d.record.RemoteAddr)
	d.publish(events.Event{Type: events.DeviceAttached, Detail: d.record.RemoteAddr})
	go d.readLoop(link)
}

func (d *Device) detachLink(link network.Link) {
	d.linkMu.Lock()
	current := d.link == link
	if current {
		d.link = nil
	}
	d.linkMu.Unlock()
	if !current {
		return
	}

	d.record.Connected = false
	d.logger.Info("device link closed")
	if d.record.State != protocol.StateDisconnected {
		d.fire(session.HeartbeatLost, "link closed")
	}
}

func (d *Device) checkLiveness() {
	if d.record.State == protocol.StateDisconnected {
		return
	}

	now := d.clock.Now()
	silence := now.Sub(d.record.LastHeartbeat)
	d.record.MissedHeartbeats = int(silence / d.opts.HeartbeatInterval)
	if silence >= d.opts.heartbeatDeadline() {
		d.logger.Warn("heartbeat lost", "silence", silence)
		d.fire(session.HeartbeatLost, fmt.Sprintf("no heartbeat for %s", silence))
		return
	}

	if d.record.State == protocol.StateStopping && now.Sub(d.statusAskedAt) >= d.opts.CommandTimeout {
		d.requestStatus()
	}
}

// fire applies trigger and runs state entry actions. It returns false when
// the current state does not accept the trigger.
func (d *Device) fire(trigger session.Trigger, reason string) bool {
	tr, err := d.machine.Fire(trigger)
	if err != nil {
		d.logger.Debug("transition ignored", "state", d.machine.State(), "trigger", trigger, "error", err)
		return false
	}
	d.record.State = tr.To
	if tr.From == tr.To {
		return true
	}
	if tr.To != protocol.StateIdle {
		d.readyEarly = false
	}

	d.logger.Info("device state changed", "from", tr.From, "to", tr.To, "trigger", trigger)
	d.publish(events.Event{Type: events.StateChanged, State: tr.To, PrevState: tr.From, Detail: reason})

	if tr.From == protocol.StatePreparing {
		d.stopPrepareTimer()
	}
	switch tr.To {
	case protocol.StatePreparing:
		d.stopPrepareTimer()
		d.prepareTimer = d.clock.NewTimer(d.opts.PrepareTimeout)
	case protocol.StateStopping:
		d.requestStatus()
	case protocol.StateDisconnected:
		d.stopProbing()
		if n := d.dispatcher.FailPending(protocol.ErrTimeout); n > 0 {
			d.logger.Warn("failed pending commands", "count", n)
		}
	}
	return true
}

func (d *Device) requestStatus() {
	d.statusAskedAt = d.clock.Now()
	d.reply(protocol.KindStatusRequest, protocol.StatusRequest{Detailed: false})
}

func (d *Device) reply(kind protocol.Kind, payload protocol.Payload) {
	msg, err := protocol.Create(kind, payload,
		protocol.WithDeviceID(d.id),
		protocol.WithSessionID(d.record.SessionID),
		protocol.WithClock(d.clock),
	)
	if err != nil {
		d.logger.Error("build message", "type", kind, "error", err)
		return
	}
	if err := d.send(msg); err != nil && !errors.Is(err, ErrNotConnected) {
		d.logger.Debug("send failed", "type", kind, "error", err)
	}
}

func (d *Device) stopPrepareTimer() {
	if d.prepareTimer != nil {
		d.prepareTimer.Stop()
		d.prepareTimer = nil
	}
}

func (d *Device) readLoop(link network.Link) {
	for {
		raw, err := link.Receive(d.ctx)
		if err != nil {
			d.post(input{kind: inputLinkClosed, link: link})
			return
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			d.post(input{kind: inputMalformed, err: err})
			continue
		}
		if msg.DeviceID != "" && msg.DeviceID != d.id {
			d.post(input{kind: inputMalformed, err: fmt.Errorf("message for %q on link of %q: %w", msg.DeviceID, d.id, protocol.ErrMalformedMessage)})
			continue
		}
		if !d.post(input{kind: inputMessage, msg: msg}) {
			return
		}
	}
}

func (d *Device) enableProbing(enabled bool) {
	d.wantProbing.Store(enabled)
	if !enabled {
		d.stopProbing()
		return
	}
	if d.snapshot.Load().State != protocol.StateDisconnected {
		d.startProbing()
	}
}

func (d *Device) startProbing() {
	d.probeMu.Lock()
	defer d.probeMu.Unlock()
	if d.probeCancel != nil || d.probeHolds > 0 || d.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(d.ctx)
	d.probeCancel = cancel
	go d.prober.Run(ctx)
}

func (d *Device) stopProbing() {
	d.probeMu.Lock()
	defer d.probeMu.Unlock()
	if d.probeCancel != nil {
		d.probeCancel()
		d.probeCancel = nil
	}
}

// holdProbing suspends continuous probing while a dedicated probe session
// owns the prober.
func (d *Device) holdProbing() {
	d.probeMu.Lock()
	d.probeHolds++
	if d.probeCancel != nil {
		d.probeCancel()
		d.probeCancel = nil
	}
	d.probeMu.Unlock()
}

func (d *Device) releaseProbing() {
	d.probeMu.Lock()
	if d.probeHolds > 0 {
		d.probeHolds--
	}
	d.probeMu.Unlock()
	if d.wantProbing.Load() && d.snapshot.Load().State != protocol.StateDisconnected {
		d.startProbing()
	}
}

func (d *Device) isProbing() bool {
	d.probeMu.Lock()
	defer d.probeMu.Unlock()
	return d.probeCancel != nil
}

func (d *Device) publish(e events.Event) {
	e.DeviceID = d.id
	e.At = d.clock.Now()
	d.publisher.Publish(e)
}
