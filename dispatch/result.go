// Package dispatch delivers commands to one device with acknowledgment
// correlation, bounded retransmission and FIFO serialization.
package dispatch

import (
	"sync"

	"capsync/protocol"
)

// Status is the terminal outcome of a command.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Result is what a Handle resolves to. Failures are values, never errors.
type Result struct {
	DeviceID  string
	Command   protocol.CommandName
	MessageID string
	Status    Status
	Code      protocol.ErrorCode
	Reason    string
	// Attempts counts transmissions, including the first.
	Attempts int
	// State is the device state reported by the acknowledgment, if any.
	State protocol.State
	// Exhausted is set when every retransmission went unacknowledged.
	Exhausted bool
}

// OK reports whether the command succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Handle is the pending outcome of one Send.
type Handle struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Resolved returns an already-resolved handle.
func Resolved(result Result) *Handle {
	h := newHandle()
	h.resolve(result)
	return h
}

// Done is closed once the handle resolves.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle resolves.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

func (h *Handle) resolve(result Result) bool {
	resolved := false
	h.once.Do(func() {
		h.result = result
		close(h.done)
		resolved = true
	})
	return resolved
}
