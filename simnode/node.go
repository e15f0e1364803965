// Package simnode is a simulated capture node. It speaks the device side of
// the protocol over a network.Link: acknowledges commands according to its
// own state, reports readiness and status, sends periodic heartbeats and
// answers clock probes from a skewed clock.
package simnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"capsync/network"
	"capsync/protocol"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultPrepareDelay      = 100 * time.Millisecond
	DefaultBatteryPercent    = 87
	DefaultStorageFreeBytes  = 32 << 30
)

// Options configures a simulated node.
type Options struct {
	DeviceID   string
	DeviceName string
	Modalities []string

	// Offset is added to the coordinator clock to form the node clock.
	Offset time.Duration
	// Delay is the one-way network delay applied to each clock probe leg.
	Delay time.Duration
	// DropRate is the probability that a SYNC_PONG is never sent.
	DropRate float64

	HeartbeatInterval time.Duration
	// PrepareDelay is how long CMD_PREPARE takes before DEVICE_READY.
	PrepareDelay time.Duration
	// ProtocolVersion overrides the version stamped on outbound messages.
	ProtocolVersion int

	Clock  clockwork.Clock
	Logger *slog.Logger
	Seed   int64
}

// Node is one simulated capture node.
type Node struct {
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger

	mu        sync.Mutex
	state     protocol.State
	sessionID string
	markers   []protocol.SyncMarker
	sessions  []protocol.SessionMarker
	rng       *rand.Rand
	started   time.Time

	link       atomic.Pointer[linkBox]
	heartbeats atomic.Bool
	silent     atomic.Bool
	sequence   atomic.Uint64
}

type linkBox struct {
	link network.Link
}

// New returns an idle node.
func New(options Options) (*Node, error) {
	if options.DeviceID == "" {
		return nil, errors.New("simnode: device id is required")
	}
	if options.DropRate < 0 || options.DropRate > 1 {
		return nil, fmt.Errorf("simnode: drop rate %v out of [0,1]", options.DropRate)
	}
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if options.PrepareDelay <= 0 {
		options.PrepareDelay = DefaultPrepareDelay
	}
	if options.ProtocolVersion <= 0 {
		options.ProtocolVersion = protocol.ProtocolVersion
	}
	if options.Seed == 0 {
		options.Seed = time.Now().UnixNano()
	}

	n := &Node{
		opts:   options,
		clock:  options.Clock,
		logger: options.Logger.With("device_id", options.DeviceID),
		state:  protocol.StateIdle,
		rng:    rand.New(rand.NewSource(options.Seed)),
	}
	n.heartbeats.Store(true)
	return n, nil
}

// DeviceID returns the node identity.
func (n *Node) DeviceID() string {
	return n.opts.DeviceID
}

// State returns the node's own view of its state.
func (n *Node) State() protocol.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SetHeartbeats pauses or resumes periodic heartbeats.
func (n *Node) SetHeartbeats(enabled bool) {
	n.heartbeats.Store(enabled)
}

// SetSilent drops every outbound message while enabled.
func (n *Node) SetSilent(silent bool) {
	n.silent.Store(silent)
}

// Markers returns the sync markers received so far.
func (n *Node) Markers() []protocol.SyncMarker {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]protocol.SyncMarker(nil), n.markers...)
}

// SessionMarkers returns the session markers received so far.
func (n *Node) SessionMarkers() []protocol.SessionMarker {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]protocol.SessionMarker(nil), n.sessions...)
}

// Run identifies the node with a heartbeat and serves link until ctx is done
// or the link closes.
func (n *Node) Run(ctx context.Context, link network.Link) error {
	n.link.Store(&linkBox{link: link})
	n.mu.Lock()
	n.started = n.clock.Now()
	n.mu.Unlock()

	if err := n.sendHeartbeat(); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go n.heartbeatLoop(ctx)

	for {
		raw, err := link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			n.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		n.handle(msg)
	}
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := n.clock.NewTicker(n.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !n.heartbeats.Load() {
				continue
			}
			if err := n.sendHeartbeat(); err != nil {
				n.logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

func (n *Node) handle(msg protocol.Message) {
	switch p := msg.Payload.(type) {
	case protocol.Command:
		n.handleCommand(msg, p)
	case protocol.SyncPing:
		n.handleSyncPing(p)
	case protocol.StatusRequest:
		n.reply(protocol.KindStatusResponse, n.status())
	case protocol.Ping:
		n.reply(protocol.KindPong, protocol.Pong{Nonce: p.Nonce})
	case protocol.SyncMarker:
		n.mu.Lock()
		n.markers = append(n.markers, p)
		n.mu.Unlock()
	case protocol.SessionMarker:
		n.mu.Lock()
		n.sessions = append(n.sessions, p)
		n.mu.Unlock()
	case protocol.HeartbeatAck, protocol.Pong:
	default:
		n.logger.Debug("ignoring message", "type", msg.Kind)
	}
}

func (n *Node) handleCommand(msg protocol.Message, cmd protocol.Command) {
	n.mu.Lock()
	from := n.state
	var (
		to   protocol.State
		code protocol.ErrorCode
	)
	switch cmd.Command {
	case protocol.CmdPrepare:
		to, code = n.require(protocol.StateIdle, protocol.StatePreparing)
	case protocol.CmdStart:
		to, code = n.require(protocol.StateReady, protocol.StateRecording)
	case protocol.CmdStop:
		to, code = n.require(protocol.StateRecording, protocol.StateIdle)
	case protocol.CmdReset:
		to = protocol.StateIdle
	case protocol.CmdStatus, protocol.CmdSyncPing:
		to = from
	default:
		code = protocol.ErrUnknownCommand
	}
	if code == "" {
		n.state = to
		if cmd.SessionID != "" {
			n.sessionID = cmd.SessionID
		}
	}
	n.mu.Unlock()

	if !msg.RequiresAck {
		return
	}
	if code != "" {
		n.reply(protocol.KindCommandNack, protocol.CommandNack{
			CommandID: msg.ID(),
			Command:   cmd.Command,
			Code:      code,
			Reason:    fmt.Sprintf("%s not allowed while %s", cmd.Command, from),
		})
		return
	}
	// Arm readiness before the ack so it is pending once the coordinator
	// observes PREPARING.
	if cmd.Command == protocol.CmdPrepare {
		n.clock.AfterFunc(n.opts.PrepareDelay, n.becomeReady)
	}
	n.reply(protocol.KindCommandAck, protocol.CommandAck{CommandID: msg.ID(), Command: cmd.Command, State: to})
}

// require must be called with mu held.
func (n *Node) require(want, next protocol.State) (protocol.State, protocol.ErrorCode) {
	if n.state != want {
		return n.state, protocol.ErrInvalidState
	}
	return next, ""
}

func (n *Node) becomeReady() {
	n.mu.Lock()
	if n.state != protocol.StatePreparing {
		n.mu.Unlock()
		return
	}
	n.state = protocol.StateReady
	sessionID := n.sessionID
	n.mu.Unlock()

	n.reply(protocol.KindDeviceReady, protocol.DeviceReady{
		SessionID:  sessionID,
		DeviceName: n.opts.DeviceName,
		Modalities: append([]string(nil), n.opts.Modalities...),
	})
}

func (n *Node) handleSyncPing(ping protocol.SyncPing) {
	n.mu.Lock()
	drop := n.opts.DropRate > 0 && n.rng.Float64() < n.opts.DropRate
	n.mu.Unlock()
	if drop {
		return
	}

	if n.opts.Delay > 0 {
		n.clock.Sleep(n.opts.Delay)
	}
	received := n.localNow()
	sent := n.localNow()
	if n.opts.Delay > 0 {
		n.clock.Sleep(n.opts.Delay)
	}

	n.reply(protocol.KindSyncPong, protocol.SyncPong{
		Sequence:          ping.Sequence,
		ClientSendTime:    ping.ClientSendTime,
		ServerReceiveTime: received,
		ServerSendTime:    sent,
	})
}

func (n *Node) localNow() int64 {
	return n.clock.Now().Add(n.opts.Offset).UnixNano()
}

func (n *Node) status() protocol.StatusResponse {
	n.mu.Lock()
	defer n.mu.Unlock()
	return protocol.StatusResponse{
		State:            n.state,
		Recording:        n.state == protocol.StateRecording,
		SessionID:        n.sessionID,
		StorageFreeBytes: DefaultStorageFreeBytes,
		BatteryPercent:   DefaultBatteryPercent,
	}
}

func (n *Node) sendHeartbeat() error {
	n.mu.Lock()
	hb := protocol.Heartbeat{
		Sequence:       n.sequence.Add(1),
		State:          n.state,
		BatteryPercent: DefaultBatteryPercent,
		UptimeMs:       n.clock.Since(n.started).Milliseconds(),
	}
	n.mu.Unlock()
	return n.send(protocol.KindHeartbeat, hb)
}

func (n *Node) reply(kind protocol.Kind, payload protocol.Payload) {
	if err := n.send(kind, payload); err != nil {
		n.logger.Debug("reply failed", "type", kind, "error", err)
	}
}

func (n *Node) send(kind protocol.Kind, payload protocol.Payload) error {
	if n.silent.Load() {
		return nil
	}
	box := n.link.Load()
	if box == nil {
		return errors.New("simnode: not running")
	}

	n.mu.Lock()
	sessionID := n.sessionID
	n.mu.Unlock()

	msg, err := protocol.Create(kind, payload,
		protocol.WithDeviceID(n.opts.DeviceID),
		protocol.WithSessionID(sessionID),
		protocol.WithClock(n.clock),
	)
	if err != nil {
		return err
	}
	msg.ProtocolVersion = n.opts.ProtocolVersion

	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return box.link.Send(raw)
}
