package coordinator

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capsync/dispatch"
	"capsync/events"
	"capsync/network"
	"capsync/protocol"
	"capsync/simnode"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, clock clockwork.Clock, mutate func(*Options)) *Coordinator {
	t.Helper()
	opts := Options{
		CoordinatorID: "coord-test",
		Clock:         clock,
		Logger:        quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts)
	t.Cleanup(c.Close)
	return c
}

// connect runs node over an in-memory link and waits until the coordinator
// has registered it as IDLE. It returns the node side of the link.
func connect(t *testing.T, c *Coordinator, node *simnode.Node) network.Link {
	t.Helper()
	a, b := net.Pipe()
	coordSide := network.NewFrameLink(a, network.LinkOptions{})
	nodeSide := network.NewFrameLink(b, network.LinkOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = nodeSide.Close()
	})
	go func() { _ = node.Run(ctx, nodeSide) }()

	id, err := c.Attach(ctx, coordSide)
	require.NoError(t, err)
	require.Equal(t, node.DeviceID(), id)
	waitState(t, c, id, protocol.StateIdle)
	return nodeSide
}

func newNode(t *testing.T, id string, clock clockwork.Clock, mutate func(*simnode.Options)) *simnode.Node {
	t.Helper()
	opts := simnode.Options{
		DeviceID:     id,
		Clock:        clock,
		Logger:       quietLogger(),
		PrepareDelay: 10 * time.Millisecond,
		Seed:         1,
	}
	if mutate != nil {
		mutate(&opts)
	}
	node, err := simnode.New(opts)
	require.NoError(t, err)
	return node
}

func waitState(t *testing.T, c *Coordinator, deviceID string, want protocol.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, ok := c.Device(deviceID)
		return ok && r.State == want
	}, 2*time.Second, 2*time.Millisecond, "device %s never reached %s", deviceID, want)
}

// toRecording drives a device from IDLE to RECORDING with explicit commands.
func toRecording(t *testing.T, c *Coordinator, clock *clockwork.FakeClock, deviceID string) {
	t.Helper()
	ctx := context.Background()

	res := c.Send(ctx, deviceID, protocol.CmdPrepare, nil).Wait()
	require.True(t, res.OK(), "prepare: %+v", res)
	r, _ := c.Device(deviceID)
	require.Equal(t, protocol.StatePreparing, r.State)

	clock.Advance(10 * time.Millisecond)
	waitState(t, c, deviceID, protocol.StateReady)

	res = c.Send(ctx, deviceID, protocol.CmdStart, nil).Wait()
	require.True(t, res.OK(), "start: %+v", res)
}

func TestStartFromReadyRecordsAndStartWhileRecordingIsRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCoordinator(t, clock, nil)
	node := newNode(t, "cam-1", clock, nil)
	connect(t, c, node)

	toRecording(t, c, clock, "cam-1")

	// The transition is applied before the handle resolves.
	r, ok := c.Device("cam-1")
	require.True(t, ok)
	assert.Equal(t, protocol.StateRecording, r.State)
	assert.Equal(t, protocol.StateRecording, node.State())

	res := c.Send(context.Background(), "cam-1", protocol.CmdStart, nil).Wait()
	assert.False(t, res.OK())
	assert.Equal(t, protocol.ErrInvalidState, res.Code)
	assert.Equal(t, 0, res.Attempts)

	r, _ = c.Device("cam-1")
	assert.Equal(t, protocol.StateRecording, r.State)
}

func TestHeartbeatLossDisconnectsAndTimesOutPendingCommands(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCoordinator(t, clock, nil)
	node := newNode(t, "cam-1", clock, nil)
	connect(t, c, node)
	toRecording(t, c, clock, "cam-1")

	sub := c.Bus().Subscribe(events.ForDevice("cam-1"))
	defer sub.Close()

	node.SetSilent(true)
	handle := c.Send(context.Background(), "cam-1", protocol.CmdStatus, nil)
	waitFor(t, sub, events.CommandSent)

	clock.Advance(3 * DefaultHeartbeatInterval)
	c.CheckLiveness()

	res := waitResult(t, handle)
	assert.False(t, res.OK())
	assert.Equal(t, protocol.ErrTimeout, res.Code)

	r, _ := c.Device("cam-1")
	assert.Equal(t, protocol.StateDisconnected, r.State)

	changed := waitFor(t, sub, events.StateChanged)
	for changed.State != protocol.StateDisconnected {
		changed = waitFor(t, sub, events.StateChanged)
	}
	assert.Equal(t, protocol.StateRecording, changed.PrevState)
}

func TestReconnectionAfterHeartbeatLoss(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCoordinator(t, clock, nil)
	node := newNode(t, "cam-1", clock, nil)
	connect(t, c, node)

	node.SetSilent(true)
	clock.Advance(3 * DefaultHeartbeatInterval)
	c.CheckLiveness()
	waitState(t, c, "cam-1", protocol.StateDisconnected)

	node.SetSilent(false)
	clock.Advance(DefaultHeartbeatInterval)
	waitState(t, c, "cam-1", protocol.StateIdle)
}

func TestMalformedMessageMovesDeviceToErrorAndResetRecovers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCoordinator(t, clock, nil)
	node := newNode(t, "cam-1", clock, nil)
	nodeSide := connect(t, c, node)

	require.NoError(t, nodeSide.Send([]byte(`{"type":"HEARTBEAT","messageId":"x"}`)))
	waitState(t, c, "cam-1", protocol.StateError)

	r, _ := c.Device("cam-1")
	assert.Equal(t, 1, r.ErrorCount)
	assert.NotEmpty(t, r.LastError)

	res := c.Send(context.Background(), "cam-1", protocol.CmdReset, nil).Wait()
	require.True(t, res.OK(), "%+v", res)
	r, _ = c.Device("cam-1")
	assert.Equal(t, protocol.StateIdle, r.State)
}

func TestLinkCloseDisconnectsDevice(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCoordinator(t, clock, nil)
	node := newNode(t, "cam-1", clock, nil)
	nodeSide := connect(t, c, node)

	require.NoError(t, nodeSide.Close())
	waitState(t, c, "cam-1", protocol.StateDisconnected)

	r, _ := c.Device("cam-1")
	assert.False(t, r.Connected)

	res := c.Send(context.Background(), "cam-1", protocol.CmdStatus, nil).Wait()
	assert.Equal(t, protocol.ErrInvalidState, res.Code)
}

func TestAttachRejectsAnonymousLink(t *testing.T) {
	c := newTestCoordinator(t, clockwork.NewFakeClock(), nil)

	a, b := net.Pipe()
	coordSide := network.NewFrameLink(a, network.LinkOptions{})
	peer := network.NewFrameLink(b, network.LinkOptions{})
	defer peer.Close()

	go func() {
		raw, _ := protocol.Encode(protocol.MustCreate(protocol.KindHeartbeat, protocol.Heartbeat{Sequence: 1, State: protocol.StateIdle}))
		_ = peer.Send(raw)
	}()

	_, err := c.Attach(context.Background(), coordSide)
	assert.ErrorIs(t, err, ErrUnidentified)
	assert.Empty(t, c.Snapshot())
}

func TestVersionMismatchIsSurfacedNotRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.OfTypes(events.VersionMismatch))
	defer sub.Close()

	c := newTestCoordinator(t, clock, func(o *Options) { o.Bus = bus })
	node := newNode(t, "cam-2", clock, func(o *simnode.Options) { o.ProtocolVersion = 2 })
	connect(t, c, node)

	e := waitFor(t, sub, events.VersionMismatch)
	assert.Equal(t, "cam-2", e.DeviceID)
	assert.Equal(t, 2, e.Version)

	r, _ := c.Device("cam-2")
	assert.Equal(t, 2, r.ProtocolVersion)
}

func TestRemoveStopsDeviceEvents(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCoordinator(t, clock, nil)
	node := newNode(t, "cam-1", clock, nil)
	connect(t, c, node)

	sub := c.Bus().Subscribe(events.ForDevice("cam-1"))
	defer sub.Close()

	require.True(t, c.Remove("cam-1"))
	assert.False(t, c.Remove("cam-1"))
	_, ok := c.Device("cam-1")
	assert.False(t, ok)

	waitFor(t, sub, events.DeviceRemoved)
	clock.Advance(time.Minute)
	select {
	case e := <-sub.C():
		t.Fatalf("unexpected event after removal: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	res := c.Send(context.Background(), "cam-1", protocol.CmdStatus, nil).Wait()
	assert.Equal(t, protocol.ErrNetworkError, res.Code)
}

func TestBroadcastReportsUnknownDevices(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCoordinator(t, clock, nil)
	connect(t, c, newNode(t, "cam-1", clock, nil))
	connect(t, c, newNode(t, "cam-2", clock, nil))

	result := c.Broadcast(context.Background(), []string{"cam-1", "cam-2", "ghost"}, protocol.CmdStatus, nil)
	assert.False(t, result.OK())
	assert.Equal(t, []string{"ghost"}, result.Failed())
	assert.True(t, result.Results["cam-1"].OK())
	assert.True(t, result.Results["cam-2"].OK())
}

func TestSessionLifecycleAndMarkers(t *testing.T) {
	clock := clockwork.NewRealClock()
	c := newTestCoordinator(t, clock, func(o *Options) {
		o.ProbeInterval = 20 * time.Millisecond
		o.ProbeTimeout = 200 * time.Millisecond
	})
	nodes := []*simnode.Node{
		newNode(t, "cam-1", clock, func(o *simnode.Options) { o.Offset = 40 * time.Millisecond }),
		newNode(t, "cam-2", clock, func(o *simnode.Options) { o.Offset = -25 * time.Millisecond }),
	}
	for _, n := range nodes {
		connect(t, c, n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := c.StartSession(ctx, "session-1", nil)
	require.NoError(t, err)
	assert.True(t, report.Prepare.OK())
	assert.True(t, report.Start.OK())
	assert.Empty(t, report.NotReady)

	for _, n := range nodes {
		r, _ := c.Device(n.DeviceID())
		assert.Equal(t, protocol.StateRecording, r.State)
		assert.Equal(t, "session-1", r.SessionID)
		require.Eventually(t, func() bool { return len(n.SessionMarkers()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, protocol.MarkerSessionStart, n.SessionMarkers()[0].Marker)
	}

	_, err = c.StartSession(ctx, "session-2", nil)
	assert.ErrorIs(t, err, ErrSessionActive)

	require.Eventually(t, func() bool {
		est, err := c.CurrentOffset("cam-1")
		return err == nil && est.SampleCount >= 4
	}, 3*time.Second, 10*time.Millisecond)

	mark, err := c.Mark(ctx, protocol.MarkerCustom, "clap")
	require.NoError(t, err)
	assert.Empty(t, mark.Failed)
	skew := time.Duration(mark.DeviceTimes["cam-1"] - mark.CoordinatorTime)
	assert.InDelta(t, float64(40*time.Millisecond), float64(skew), float64(5*time.Millisecond))

	_, err = c.EndSession(ctx)
	require.NoError(t, err)
	for _, n := range nodes {
		waitState(t, c, n.DeviceID(), protocol.StateIdle)
		r, _ := c.Device(n.DeviceID())
		assert.False(t, r.Probing)
	}

	_, err = c.EndSession(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStartSessionAbortsWhenPrepareRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCoordinator(t, clock, nil)
	connect(t, c, newNode(t, "cam-1", clock, nil))
	toRecording(t, c, clock, "cam-1")

	report, err := c.StartSession(context.Background(), "", []string{"cam-1"})
	assert.ErrorIs(t, err, ErrSessionAborted)
	assert.NotEmpty(t, report.SessionID)
	assert.Equal(t, protocol.ErrInvalidState, report.Prepare.Results["cam-1"].Code)

	_, active := c.ActiveSession()
	assert.False(t, active)
}

func TestProbeSessionSuspendsContinuousProbing(t *testing.T) {
	clock := clockwork.NewRealClock()
	c := newTestCoordinator(t, clock, func(o *Options) { o.ProbeTimeout = 200 * time.Millisecond })
	connect(t, c, newNode(t, "cam-1", clock, func(o *simnode.Options) { o.Offset = 15 * time.Millisecond }))

	ctx := context.Background()
	ps, err := c.OpenProbeSession(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"cam-1"}, ps.Devices())

	accepted := 0
	for i := 0; i < 20 && accepted < 5; i++ {
		if _, err := ps.Probe(ctx, "cam-1"); err == nil {
			accepted++
		}
	}
	require.Equal(t, 5, accepted)
	est, err := ps.Offset("cam-1")
	require.NoError(t, err)
	assert.True(t, est.Valid)
	assert.InDelta(t, float64(15*time.Millisecond), float64(est.Offset), float64(5*time.Millisecond))

	stats, err := ps.Stats("cam-1")
	require.NoError(t, err)
	assert.Len(t, stats.Window, 5)

	_, err = ps.Probe(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	require.NoError(t, ps.Close())
	require.NoError(t, ps.Close())
	_, err = ps.Probe(ctx, "cam-1")
	assert.ErrorIs(t, err, ErrProbeSessionClosed)

	_, err = c.OpenProbeSession(ctx, []string{"ghost"})
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func waitResult(t *testing.T, h *dispatch.Handle) dispatch.Result {
	t.Helper()
	select {
	case <-h.Done():
		return h.Wait()
	case <-time.After(2 * time.Second):
		t.Fatal("command never resolved")
		return dispatch.Result{}
	}
}

func waitFor(t *testing.T, sub *events.Subscription, typ events.Type) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-sub.C():
			require.True(t, ok, "subscription closed waiting for %s", typ)
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

var _ dispatch.Target = (*Device)(nil)

// replyFunc returns the messages a scripted node sends, in order, in answer
// to one command.
type replyFunc func(cmd protocol.Command, msg protocol.Message) []protocol.Message

// connectScripted attaches a hand-driven node that identifies with a
// heartbeat and answers commands with whatever respond returns. Other
// traffic is read and dropped.
func connectScripted(t *testing.T, c *Coordinator, deviceID string, respond replyFunc) {
	t.Helper()
	a, b := net.Pipe()
	coordSide := network.NewFrameLink(a, network.LinkOptions{})
	nodeSide := network.NewFrameLink(b, network.LinkOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = nodeSide.Close()
	})

	send := func(m protocol.Message) {
		raw, err := protocol.Encode(m)
		if err != nil {
			return
		}
		_ = nodeSide.Send(raw)
	}
	go send(protocol.MustCreate(protocol.KindHeartbeat,
		protocol.Heartbeat{Sequence: 1, State: protocol.StateIdle},
		protocol.WithDeviceID(deviceID)))

	go func() {
		for {
			raw, err := nodeSide.Receive(ctx)
			if err != nil {
				return
			}
			msg, err := protocol.Decode(raw)
			if err != nil {
				continue
			}
			cmd, ok := msg.Payload.(protocol.Command)
			if !ok {
				continue
			}
			replies := respond(cmd, msg)
			go func() {
				for _, r := range replies {
					send(r)
				}
			}()
		}
	}()

	id, err := c.Attach(ctx, coordSide)
	require.NoError(t, err)
	require.Equal(t, deviceID, id)
	waitState(t, c, deviceID, protocol.StateIdle)
}

func ackFrom(deviceID string, msg protocol.Message, cmd protocol.Command, state protocol.State) protocol.Message {
	return protocol.MustCreate(protocol.KindCommandAck,
		protocol.CommandAck{CommandID: msg.ID(), Command: cmd.Command, State: state},
		protocol.WithDeviceID(deviceID))
}

func TestReadyRightAfterPrepareAckReachesReady(t *testing.T) {
	const prepareTimeout = 2 * time.Second
	respond := func(cmd protocol.Command, msg protocol.Message) []protocol.Message {
		if cmd.Command != protocol.CmdPrepare {
			return nil
		}
		return []protocol.Message{
			ackFrom("cam-1", msg, cmd, protocol.StatePreparing),
			protocol.MustCreate(protocol.KindDeviceReady,
				protocol.DeviceReady{DeviceName: "Left", Modalities: []string{"rgb"}},
				protocol.WithDeviceID("cam-1")),
		}
	}

	// The ack and DEVICE_READY can reach the device task in either order.
	for i := 0; i < 20; i++ {
		clock := clockwork.NewFakeClock()
		c := newTestCoordinator(t, clock, func(o *Options) { o.PrepareTimeout = prepareTimeout })
		connectScripted(t, c, "cam-1", respond)

		res := c.Send(context.Background(), "cam-1", protocol.CmdPrepare, nil).Wait()
		require.True(t, res.OK(), "prepare: %+v", res)
		waitState(t, c, "cam-1", protocol.StateReady)

		clock.Advance(prepareTimeout + time.Second)
		assert.Never(t, func() bool {
			r, _ := c.Device("cam-1")
			return r.State != protocol.StateReady
		}, 50*time.Millisecond, 5*time.Millisecond, "round %d left READY after the prepare timeout", i)

		r, _ := c.Device("cam-1")
		assert.Equal(t, []string{"rgb"}, r.Modalities)
		c.Close()
	}
}

func TestPrepareTimeoutMovesDeviceToError(t *testing.T) {
	const prepareTimeout = 2 * time.Second
	clock := clockwork.NewFakeClock()
	c := newTestCoordinator(t, clock, func(o *Options) { o.PrepareTimeout = prepareTimeout })

	connectScripted(t, c, "cam-1", func(cmd protocol.Command, msg protocol.Message) []protocol.Message {
		if cmd.Command != protocol.CmdPrepare {
			return nil
		}
		return []protocol.Message{ackFrom("cam-1", msg, cmd, protocol.StatePreparing)}
	})

	sub := c.Bus().Subscribe(events.ForDevice("cam-1"))
	defer sub.Close()

	res := c.Send(context.Background(), "cam-1", protocol.CmdPrepare, nil).Wait()
	require.True(t, res.OK(), "prepare: %+v", res)
	r, _ := c.Device("cam-1")
	require.Equal(t, protocol.StatePreparing, r.State)

	clock.Advance(prepareTimeout)
	waitState(t, c, "cam-1", protocol.StateError)

	changed := waitFor(t, sub, events.StateChanged)
	for changed.State != protocol.StateError {
		changed = waitFor(t, sub, events.StateChanged)
	}
	assert.Equal(t, protocol.StatePreparing, changed.PrevState)
}

func TestUnacknowledgedCommandExhaustsRetriesIntoError(t *testing.T) {
	const (
		commandTimeout = time.Second
		maxRetries     = 2
	)
	clock := clockwork.NewFakeClock()
	c := newTestCoordinator(t, clock, func(o *Options) {
		// Over-advancing the clock must not trip liveness.
		o.HeartbeatInterval = time.Hour
		o.CommandTimeout = commandTimeout
		o.MaxRetries = maxRetries
	})

	var seq uint64
	connectScripted(t, c, "cam-1", func(cmd protocol.Command, msg protocol.Message) []protocol.Message {
		// Stay alive, never acknowledge.
		seq++
		return []protocol.Message{protocol.MustCreate(protocol.KindHeartbeat,
			protocol.Heartbeat{Sequence: seq + 1, State: protocol.StateIdle},
			protocol.WithDeviceID("cam-1"))}
	})

	handle := c.Send(context.Background(), "cam-1", protocol.CmdStatus, nil)
	require.Eventually(t, func() bool {
		select {
		case <-handle.Done():
			return true
		default:
			clock.Advance(commandTimeout)
			return false
		}
	}, 2*time.Second, 5*time.Millisecond, "command never exhausted")

	res := handle.Wait()
	assert.False(t, res.OK())
	assert.True(t, res.Exhausted)
	assert.Equal(t, protocol.ErrTimeout, res.Code)
	assert.Equal(t, maxRetries+1, res.Attempts)

	r, _ := c.Device("cam-1")
	assert.Equal(t, protocol.StateError, r.State)
	assert.Equal(t, 1, r.ErrorCount)
	assert.Contains(t, r.LastError, "no acknowledgment")
}
