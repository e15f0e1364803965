package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"capsync/protocol"
	"capsync/timesync"
)

// ErrProbeSessionClosed indicates use of a released probe session.
var ErrProbeSessionClosed = errors.New("coordinator: probe session closed")

// ProbeSession gives exclusive use of the probers of a set of devices.
// Continuous probing of those devices is suspended until Close.
type ProbeSession interface {
	Devices() []string
	Probe(ctx context.Context, deviceID string) (timesync.Sample, error)
	Offset(deviceID string) (timesync.Estimate, error)
	Stats(deviceID string) (timesync.Stats, error)
	Close() error
}

type probeSession struct {
	ids     []string
	devices map[string]*Device

	mu     sync.Mutex
	closed bool
}

// OpenProbeSession reserves the probers of ids, or of every connected device
// when ids is empty. Callers must Close the session on every path.
func (c *Coordinator) OpenProbeSession(ctx context.Context, ids []string) (ProbeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}

	var devices []*Device
	if len(ids) == 0 {
		for _, d := range c.registry.Devices() {
			if d.Snapshot().State != protocol.StateDisconnected {
				devices = append(devices, d)
			}
		}
	} else {
		found, missing := c.resolve(ids)
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: %v", ErrUnknownDevice, missing)
		}
		devices = found
	}

	s := &probeSession{devices: make(map[string]*Device, len(devices))}
	for _, d := range devices {
		d.holdProbing()
		s.ids = append(s.ids, d.id)
		s.devices[d.id] = d
	}
	return s, nil
}

func (s *probeSession) Devices() []string {
	return append([]string(nil), s.ids...)
}

func (s *probeSession) Probe(ctx context.Context, deviceID string) (timesync.Sample, error) {
	d, err := s.device(deviceID)
	if err != nil {
		return timesync.Sample{}, err
	}
	return d.Probe(ctx)
}

func (s *probeSession) Offset(deviceID string) (timesync.Estimate, error) {
	d, err := s.device(deviceID)
	if err != nil {
		return timesync.Estimate{}, err
	}
	return d.estimator.Current(), nil
}

func (s *probeSession) Stats(deviceID string) (timesync.Stats, error) {
	d, err := s.device(deviceID)
	if err != nil {
		return timesync.Stats{}, err
	}
	return d.SyncStats(), nil
}

// Close releases the probers. It is safe to call more than once.
func (s *probeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for _, d := range s.devices {
		d.releaseProbing()
	}
	return nil
}

func (s *probeSession) device(deviceID string) (*Device, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrProbeSessionClosed
	}
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in probe session", ErrUnknownDevice, deviceID)
	}
	return d, nil
}
