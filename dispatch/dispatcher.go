package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"capsync/events"
	"capsync/protocol"
)

const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = protocol.DefaultMaxRetries
)

// GateFunc vets a command right before its first transmission. A non-nil
// error resolves the command as INVALID_STATE with zero attempts.
type GateFunc func(protocol.CommandName) error

// ResolvedFunc observes every outcome before the caller's handle resolves.
type ResolvedFunc func(Result)

// Options configures a Dispatcher.
type Options struct {
	DeviceID   string
	Send       func(protocol.Message) error
	Timeout    time.Duration
	MaxRetries int
	Clock      clockwork.Clock
	Publisher  events.Publisher
	Logger     *slog.Logger
	Gate       GateFunc
	OnResolved ResolvedFunc
}

// SendOption customizes one Send.
type SendOption func(*request)

// WithTimeout overrides the per-attempt acknowledgment timeout.
func WithTimeout(d time.Duration) SendOption {
	return func(r *request) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxRetries overrides the number of retransmissions after the first.
func WithMaxRetries(n int) SendOption {
	return func(r *request) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithoutAck sends once and resolves without waiting for an acknowledgment.
func WithoutAck() SendOption {
	return func(r *request) { r.requiresAck = false }
}

// WithSessionID tags the command envelope and payload with a session id.
func WithSessionID(id string) SendOption {
	return func(r *request) { r.sessionID = id }
}

// RejectIfBusy resolves DEVICE_BUSY instead of queueing behind another command.
func RejectIfBusy() SendOption {
	return func(r *request) { r.rejectIfBusy = true }
}

type request struct {
	ctx          context.Context
	command      protocol.CommandName
	params       map[string]string
	sessionID    string
	requiresAck  bool
	timeout      time.Duration
	maxRetries   int
	rejectIfBusy bool

	handle  *Handle
	replies chan reply
	abort   chan protocol.ErrorCode
}

type reply struct {
	nack  bool
	code  protocol.ErrorCode
	state protocol.State
	note  string
}

// Dispatcher serializes commands to one device.
type Dispatcher struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []*request
	inflight *request
	pending  map[string]*request
	closed   bool

	wake chan struct{}
}

// New validates options and starts the dispatcher worker.
func New(options Options) (*Dispatcher, error) {
	if options.DeviceID == "" {
		return nil, errors.New("dispatch: device id is required")
	}
	if options.Send == nil {
		return nil, errors.New("dispatch: send func is required")
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}
	if options.MaxRetries < 0 {
		return nil, errors.New("dispatch: max retries must be >= 0")
	}
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:    options,
		logger:  options.Logger.With("device_id", options.DeviceID),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*request),
		wake:    make(chan struct{}, 1),
	}

	d.wg.Add(1)
	go d.worker()
	return d, nil
}

// DeviceID returns the target device.
func (d *Dispatcher) DeviceID() string {
	return d.opts.DeviceID
}

// Send queues a command. The handle always resolves: on acknowledgment, on a
// device rejection, on retry exhaustion, or when the dispatcher is closed.
func (d *Dispatcher) Send(ctx context.Context, command protocol.CommandName, params map[string]string, opts ...SendOption) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	req := &request{
		ctx:         ctx,
		command:     command,
		params:      copyParams(params),
		requiresAck: true,
		timeout:     d.opts.Timeout,
		maxRetries:  d.opts.MaxRetries,
		handle:      newHandle(),
		replies:     make(chan reply, 1),
		abort:       make(chan protocol.ErrorCode, 1),
	}
	for _, opt := range opts {
		opt(req)
	}

	if !command.Valid() {
		return Resolved(d.failure(req, "", protocol.ErrUnknownCommand, 0, "unknown command"))
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Resolved(d.failure(req, "", protocol.ErrNetworkError, 0, "dispatcher closed"))
	}
	if req.rejectIfBusy && (d.inflight != nil || len(d.queue) > 0) {
		d.mu.Unlock()
		result := d.failure(req, "", protocol.ErrDeviceBusy, 0, "another command is in flight")
		d.publish(events.Event{Type: events.CommandFailed, Command: command, Code: protocol.ErrDeviceBusy})
		return Resolved(result)
	}
	d.queue = append(d.queue, req)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return req.handle
}

// HandleAck correlates a COMMAND_ACK or COMMAND_NACK with the in-flight
// command. It returns false when nothing matched.
func (d *Dispatcher) HandleAck(msg protocol.Message) bool {
	var (
		commandID string
		r         reply
	)
	switch p := msg.Payload.(type) {
	case protocol.CommandAck:
		commandID = p.CommandID
		r = reply{state: p.State}
	case protocol.CommandNack:
		commandID = p.CommandID
		r = reply{nack: true, code: p.Code, note: p.Reason}
	default:
		return false
	}

	d.mu.Lock()
	req, ok := d.pending[commandID]
	if !ok {
		req, ok = d.pending[msg.ID()]
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case req.replies <- r:
		return true
	default:
		// A retransmission can be acknowledged twice; the first reply wins.
		return false
	}
}

// FailPending resolves the in-flight command and every queued command with
// code. The resolution hook is not run: the caller owns the consequence.
func (d *Dispatcher) FailPending(code protocol.ErrorCode) int {
	d.mu.Lock()
	queued := d.queue
	d.queue = nil
	inflight := d.inflight
	d.mu.Unlock()

	count := 0
	if inflight != nil {
		select {
		case inflight.abort <- code:
			count++
		default:
		}
	}
	for _, req := range queued {
		d.publish(events.Event{Type: events.CommandFailed, Command: req.command, Code: code})
		req.handle.resolve(d.failure(req, "", code, 0, "failed while queued"))
		count++
	}
	return count
}

// Busy reports whether a command is in flight or queued.
func (d *Dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight != nil || len(d.queue) > 0
}

// InFlight returns the command awaiting acknowledgment, if any.
func (d *Dispatcher) InFlight() (protocol.CommandName, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight == nil {
		return "", false
	}
	return d.inflight.command, true
}

// Close stops the worker, cancels timers and retries and resolves everything
// outstanding. No events are published after Close.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	queued := d.queue
	d.queue = nil
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	for _, req := range queued {
		req.handle.resolve(d.failure(req, "", protocol.ErrNetworkError, 0, "dispatcher closed"))
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		req := d.next()
		if req == nil {
			select {
			case <-d.wake:
				continue
			case <-d.ctx.Done():
				return
			}
		}
		d.execute(req)
	}
}

func (d *Dispatcher) next() *request {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || len(d.queue) == 0 {
		return nil
	}
	req := d.queue[0]
	d.queue = d.queue[1:]
	d.inflight = req
	return req
}

func (d *Dispatcher) execute(req *request) {
	defer func() {
		d.mu.Lock()
		d.inflight = nil
		d.mu.Unlock()
	}()

	if d.opts.Gate != nil {
		if err := d.opts.Gate(req.command); err != nil {
			d.publish(events.Event{Type: events.CommandFailed, Command: req.command, Code: protocol.ErrInvalidState, Detail: err.Error()})
			d.finish(req, d.failure(req, "", protocol.ErrInvalidState, 0, err.Error()))
			return
		}
	}

	msg, err := protocol.Create(protocol.KindCommand,
		protocol.Command{Command: req.command, Params: req.params, SessionID: req.sessionID},
		protocol.WithDeviceID(d.opts.DeviceID),
		protocol.WithSessionID(req.sessionID),
		protocol.WithRequiresAck(req.requiresAck),
		protocol.WithMaxRetries(req.maxRetries),
		protocol.WithClock(d.opts.Clock),
	)
	if err != nil {
		d.finish(req, d.failure(req, "", protocol.ErrUnknownCommand, 0, err.Error()))
		return
	}

	d.mu.Lock()
	d.pending[msg.ID()] = req
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, msg.ID())
		d.mu.Unlock()
	}()

	lastCode := protocol.ErrTimeout
	for {
		attempt := msg.RetryCount + 1
		d.publish(events.Event{Type: events.CommandSent, Command: req.command, CommandID: msg.ID(), Attempt: attempt})

		sendErr := d.opts.Send(msg)
		if sendErr != nil {
			lastCode = protocol.ErrNetworkError
			d.logger.Warn("command transmission failed", "command", req.command, "attempt", attempt, "error", sendErr)
		} else {
			lastCode = protocol.ErrTimeout
		}

		if !req.requiresAck {
			if sendErr != nil {
				d.publish(events.Event{Type: events.CommandFailed, Command: req.command, CommandID: msg.ID(), Code: lastCode, Attempt: attempt})
				d.finish(req, d.failure(req, msg.ID(), lastCode, attempt, sendErr.Error()))
				return
			}
			d.finish(req, Result{
				DeviceID:  d.opts.DeviceID,
				Command:   req.command,
				MessageID: msg.ID(),
				Status:    StatusSuccess,
				Attempts:  attempt,
			})
			return
		}

		timer := d.opts.Clock.NewTimer(req.timeout)
		select {
		case r := <-req.replies:
			timer.Stop()
			if r.nack {
				d.publish(events.Event{Type: events.CommandFailed, Command: req.command, CommandID: msg.ID(), Code: r.code, Attempt: attempt, Detail: r.note})
				d.finish(req, d.failure(req, msg.ID(), r.code, attempt, r.note))
				return
			}
			d.publish(events.Event{Type: events.CommandAcked, Command: req.command, CommandID: msg.ID(), Attempt: attempt, State: r.state})
			d.finish(req, Result{
				DeviceID:  d.opts.DeviceID,
				Command:   req.command,
				MessageID: msg.ID(),
				Status:    StatusSuccess,
				Attempts:  attempt,
				State:     r.state,
			})
			return
		case code := <-req.abort:
			timer.Stop()
			d.publish(events.Event{Type: events.CommandFailed, Command: req.command, CommandID: msg.ID(), Code: code, Attempt: attempt})
			req.handle.resolve(d.failure(req, msg.ID(), code, attempt, "aborted"))
			return
		case <-req.ctx.Done():
			timer.Stop()
			d.publish(events.Event{Type: events.CommandFailed, Command: req.command, CommandID: msg.ID(), Code: protocol.ErrTimeout, Attempt: attempt})
			d.finish(req, d.failure(req, msg.ID(), protocol.ErrTimeout, attempt, req.ctx.Err().Error()))
			return
		case <-d.ctx.Done():
			timer.Stop()
			req.handle.resolve(d.failure(req, msg.ID(), protocol.ErrNetworkError, attempt, "dispatcher closed"))
			return
		case <-timer.Chan():
		}

		next, err := msg.Retry()
		if err != nil {
			reason := fmt.Sprintf("no acknowledgment after %d attempts", attempt)
			d.logger.Warn("command dispatch failed", "command", req.command, "attempts", attempt, "code", lastCode)
			d.publish(events.Event{Type: events.CommandFailed, Command: req.command, CommandID: msg.ID(), Code: lastCode, Attempt: attempt})
			d.publish(events.Event{Type: events.DispatchFailed, Command: req.command, CommandID: msg.ID(), Code: lastCode, Attempt: attempt, Detail: reason})
			result := d.failure(req, msg.ID(), lastCode, attempt, reason)
			result.Exhausted = true
			d.finish(req, result)
			return
		}
		msg = next
	}
}

// finish runs the resolution hook, then resolves the handle.
func (d *Dispatcher) finish(req *request, result Result) {
	if d.opts.OnResolved != nil && !d.isClosed() {
		d.opts.OnResolved(result)
	}
	req.handle.resolve(result)
}

func (d *Dispatcher) failure(req *request, messageID string, code protocol.ErrorCode, attempts int, reason string) Result {
	return Result{
		DeviceID:  d.opts.DeviceID,
		Command:   req.command,
		MessageID: messageID,
		Status:    StatusFailed,
		Code:      code,
		Reason:    reason,
		Attempts:  attempts,
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) publish(e events.Event) {
	if d.opts.Publisher == nil || d.isClosed() {
		return
	}
	e.DeviceID = d.opts.DeviceID
	e.At = d.opts.Clock.Now()
	d.opts.Publisher.Publish(e)
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
