package coordinator

import (
	"sort"
	"sync"
)

// Registry maps device ids to their supervised tasks.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Get returns the task of deviceID.
func (r *Registry) Get(deviceID string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	return d, ok
}

// Devices returns every task ordered by device id.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *Registry) getOrCreate(deviceID string, create func() (*Device, error)) (*Device, bool, error) {
	if d, ok := r.Get(deviceID); ok {
		return d, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok {
		return d, false, nil
	}
	d, err := create()
	if err != nil {
		return nil, false, err
	}
	r.devices[deviceID] = d
	return d, true, nil
}

func (r *Registry) remove(deviceID string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if ok {
		delete(r.devices, deviceID)
	}
	return d, ok
}

func (r *Registry) drain() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for id, d := range r.devices {
		out = append(out, d)
		delete(r.devices, id)
	}
	return out
}
