// Package session holds the device session state machine: the legal state
// transitions of a capture node and which commands each state permits.
package session

import (
	"errors"
	"fmt"

	"capsync/protocol"
)

// Trigger is an observation that may move a device between states.
type Trigger string

const (
	MessageObserved  Trigger = "message_observed"
	PrepareAcked     Trigger = "prepare_acked"
	DeviceReady      Trigger = "device_ready"
	PrepareTimeout   Trigger = "prepare_timeout"
	StartAcked       Trigger = "start_acked"
	StopAcked        Trigger = "stop_acked"
	StoppedConfirmed Trigger = "stopped_confirmed"
	Fault            Trigger = "fault"
	HeartbeatLost    Trigger = "heartbeat_lost"
	ResetAcked       Trigger = "reset_acked"
)

var (
	// ErrInvalidTransition indicates a trigger that the current state does
	// not accept.
	ErrInvalidTransition = errors.New("session: invalid transition")
	// ErrCommandNotPermitted indicates a command gated by the current state.
	ErrCommandNotPermitted = errors.New("session: command not permitted in current state")
)

var transitions = map[protocol.State]map[Trigger]protocol.State{
	protocol.StateDisconnected: {
		MessageObserved: protocol.StateIdle,
	},
	protocol.StateIdle: {
		PrepareAcked: protocol.StatePreparing,
	},
	protocol.StatePreparing: {
		DeviceReady:    protocol.StateReady,
		PrepareTimeout: protocol.StateError,
	},
	protocol.StateReady: {
		StartAcked: protocol.StateRecording,
	},
	protocol.StateRecording: {
		StopAcked: protocol.StateStopping,
	},
	protocol.StateStopping: {
		StoppedConfirmed: protocol.StateIdle,
	},
	protocol.StateError: {
		ResetAcked: protocol.StateIdle,
	},
}

// Next returns the state reached from `from` on trigger.
func Next(from protocol.State, trigger Trigger) (protocol.State, error) {
	switch trigger {
	case Fault:
		return protocol.StateError, nil
	case HeartbeatLost:
		if from == protocol.StateDisconnected {
			return from, invalid(from, trigger)
		}
		return protocol.StateDisconnected, nil
	}

	if to, ok := transitions[from][trigger]; ok {
		return to, nil
	}
	return from, invalid(from, trigger)
}

// Legal reports whether a direct from→to move exists for some trigger.
func Legal(from, to protocol.State) bool {
	if to == protocol.StateError {
		return true
	}
	if to == protocol.StateDisconnected && from != protocol.StateDisconnected {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Permits reports whether state allows issuing command.
func Permits(state protocol.State, command protocol.CommandName) error {
	var ok bool
	switch command {
	case protocol.CmdPrepare:
		ok = state == protocol.StateIdle
	case protocol.CmdStart:
		ok = state == protocol.StateReady
	case protocol.CmdStop:
		ok = state == protocol.StateRecording
	case protocol.CmdReset:
		ok = state == protocol.StateError
	case protocol.CmdStatus, protocol.CmdSyncPing:
		ok = state != protocol.StateDisconnected
	default:
		return fmt.Errorf("%w: %s", ErrCommandNotPermitted, command)
	}
	if !ok {
		return fmt.Errorf("%w: %s while %s", ErrCommandNotPermitted, command, state)
	}
	return nil
}

// AckTrigger maps a successfully acknowledged command to its trigger.
func AckTrigger(command protocol.CommandName) (Trigger, bool) {
	switch command {
	case protocol.CmdPrepare:
		return PrepareAcked, true
	case protocol.CmdStart:
		return StartAcked, true
	case protocol.CmdStop:
		return StopAcked, true
	case protocol.CmdReset:
		return ResetAcked, true
	default:
		return "", false
	}
}

func invalid(from protocol.State, trigger Trigger) error {
	return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, trigger)
}

// Transition is one applied state change.
type Transition struct {
	From    protocol.State
	To      protocol.State
	Trigger Trigger
}

// Machine is the state of one device. It is not safe for concurrent use; the
// owning device task serializes access.
type Machine struct {
	state protocol.State
}

// NewMachine starts in DISCONNECTED.
func NewMachine() *Machine {
	return &Machine{state: protocol.StateDisconnected}
}

// State returns the current state.
func (m *Machine) State() protocol.State {
	return m.state
}

// Fire applies trigger and returns the transition taken.
func (m *Machine) Fire(trigger Trigger) (Transition, error) {
	to, err := Next(m.state, trigger)
	if err != nil {
		return Transition{}, err
	}
	t := Transition{From: m.state, To: to, Trigger: trigger}
	m.state = to
	return t, nil
}

// Permits reports whether the current state allows command.
func (m *Machine) Permits(command protocol.CommandName) error {
	return Permits(m.state, command)
}
